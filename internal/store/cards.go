// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store/models"
)

func (s *Store) CreateCard(c *models.Card) (*models.Card, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.CardStatusTodo
	}
	if err := s.db.Create(c).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create card", err)
	}
	s.publish(protocol.CardChangedEvent{RepoID: c.RepoID, CardID: c.ID, Status: string(c.Status)})
	return c, nil
}

func (s *Store) GetCard(id string) (*models.Card, error) {
	var c models.Card
	if err := s.db.First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "card not found")
		}
		return nil, err
	}
	return &c, nil
}

// FindCardByRepoAndTitle supports the Card Service's lookup-before-create
// idempotency pattern (grounded on pipeline_service.go's
// FindTaskByProjectAndTitle).
func (s *Store) FindCardByRepoAndTitle(repoID, title string) (*models.Card, error) {
	var c models.Card
	err := s.db.Where("repo_id = ? AND title = ?", repoID, title).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCards filters by repo and/or status; empty values match everything.
func (s *Store) ListCards(repoID string, status models.CardStatus) ([]models.Card, error) {
	q := s.db.Model(&models.Card{})
	if repoID != "" {
		q = q.Where("repo_id = ?", repoID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var cards []models.Card
	if err := q.Order("created_at asc").Find(&cards).Error; err != nil {
		return nil, err
	}
	return cards, nil
}

// TransitionCard applies mutate to the card under an optimistic version
// check, persists it, bumps the version, and publishes a card_changed event.
// A version mismatch (another writer won the race) is returned as a
// retryable apperr.
func (s *Store) TransitionCard(id string, expectedVersion int, mutate func(*models.Card)) (*models.Card, error) {
	var out models.Card
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var c models.Card
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		mutate(&c)
		res := tx.Model(&models.Card{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]any{
				"status":            c.Status,
				"branch_name":       c.BranchName,
				"current_job_id":    c.CurrentJobID,
				"version":           expectedVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Retryable("card version mismatch, retry")
		}
		c.Version = expectedVersion + 1
		out = c
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "card not found")
		}
		return nil, err
	}
	s.publish(protocol.CardChangedEvent{RepoID: out.RepoID, CardID: out.ID, Status: string(out.Status)})
	return &out, nil
}
