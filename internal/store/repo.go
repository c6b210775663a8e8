// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/store/models"
)

// CreateRepo inserts a new Repo row. Spec §3: "Created by ingest; never
// mutated except `ingested` once true stays true."
func (s *Store) CreateRepo(r *models.Repo) (*models.Repo, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := s.db.Create(r).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.AlreadyExists("repo", r.ID)
		}
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create repo", err)
	}
	return r, nil
}

func (s *Store) GetRepo(id string) (*models.Repo, error) {
	var r models.Repo
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "repo not found")
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRepos() ([]models.Repo, error) {
	var repos []models.Repo
	if err := s.db.Order("created_at asc").Find(&repos).Error; err != nil {
		return nil, err
	}
	return repos, nil
}

// SetIngested flips Ingested to true; a no-op if already true (idempotent,
// matches "never mutated except ingested once true stays true").
func (s *Store) SetIngested(id, cloneURL string) (*models.Repo, error) {
	var r models.Repo
	var out *models.Repo
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			return err
		}
		if r.Ingested {
			out = &r
			return nil
		}
		r.Ingested = true
		r.CloneURL = cloneURL
		if err := tx.Save(&r).Error; err != nil {
			return err
		}
		out = &r
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "repo not found")
		}
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteRepo(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("repo_id = ?", id).Delete(&models.Card{}).Error; err != nil {
			return err
		}
		if err := tx.Where("repo_id = ?", id).Delete(&models.Pipeline{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Repo{}, "id = ?", id).Error
	})
}
