// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/store/models"
)

// CreateDebugSession opens a session against a pipeline run with a set of
// breakpoint step indices (spec §4.I).
func (s *Store) CreateDebugSession(d *models.DebugSession) (*models.DebugSession, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = models.DebugSessionPending
	}
	if err := s.db.Create(d).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create debug session", err)
	}
	return d, nil
}

func (s *Store) GetDebugSession(id string) (*models.DebugSession, error) {
	var d models.DebugSession
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "debug session not found")
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetDebugSessionByRun(pipelineRunID string) (*models.DebugSession, error) {
	var d models.DebugSession
	err := s.db.Where("pipeline_run_id = ?", pipelineRunID).
		Order("created_at desc").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListExpiredDebugSessions returns sessions past expiry that are still open,
// for the Debug Controller's reaper.
func (s *Store) ListExpiredDebugSessions(now time.Time) ([]models.DebugSession, error) {
	var sessions []models.DebugSession
	if err := s.db.Where("status IN ? AND expires_at < ?",
		[]models.DebugSessionStatus{models.DebugSessionPending, models.DebugSessionWaitingAtBP, models.DebugSessionConnected},
		now).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// TransitionDebugSession applies an optimistic-concurrency status/step update,
// following the same pattern as Store.TransitionCard.
func (s *Store) TransitionDebugSession(id string, expectedVersion int, mutate func(*models.DebugSession)) (*models.DebugSession, error) {
	var out models.DebugSession
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var d models.DebugSession
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			return err
		}
		mutate(&d)
		res := tx.Model(&models.DebugSession{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]any{
				"status":       d.Status,
				"current_step": d.CurrentStep,
				"token_used":   d.TokenUsed,
				"version":      expectedVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Retryable("debug session version mismatch, retry")
		}
		d.Version = expectedVersion + 1
		out = d
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "debug session not found")
		}
		return nil, err
	}
	return &out, nil
}
