// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store/models"
)

// RegisterRunner creates a fresh Runner row, or reconfirms an existing one on
// reconnect (spec §4.E Register: "assign/confirm a Runner id").
func (s *Store) RegisterRunner(existingID, runnerType string) (*models.Runner, error) {
	if existingID != "" {
		var r models.Runner
		err := s.db.First(&r, "id = ?", existingID).Error
		if err == nil {
			if r.Status != models.RunnerStatusDisconnected && r.Status != models.RunnerStatusDead {
				return nil, apperr.New(apperr.KindClientInput, "runner id already connected elsewhere")
			}
			r.Status = models.RunnerStatusIdle
			r.LastHeartbeat = time.Now()
			if err := s.db.Save(&r).Error; err != nil {
				return nil, err
			}
			s.publish(protocol.RunnerChangedEvent{RunnerID: r.ID, Status: string(r.Status)})
			return &r, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	r := &models.Runner{
		ID:            uuid.NewString(),
		RunnerType:    runnerType,
		Status:        models.RunnerStatusIdle,
		LastHeartbeat: time.Now(),
	}
	if err := s.db.Create(r).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create runner", err)
	}
	s.publish(protocol.RunnerChangedEvent{RunnerID: r.ID, Status: string(r.Status)})
	return r, nil
}

func (s *Store) GetRunner(id string) (*models.Runner, error) {
	var r models.Runner
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "runner not found")
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRunners() ([]models.Runner, error) {
	var runners []models.Runner
	if err := s.db.Order("registered_at asc").Find(&runners).Error; err != nil {
		return nil, err
	}
	return runners, nil
}

// ListIdleRunners returns idle runners of the given type ordered oldest
// heartbeat first (spec §4.E Dispatch: "stable FIFO tie-break on
// last_heartbeat").
func (s *Store) ListIdleRunners(runnerType string) ([]models.Runner, error) {
	q := s.db.Where("status = ?", models.RunnerStatusIdle)
	if runnerType != "" && runnerType != "any" {
		q = q.Where("runner_type = ? OR runner_type = ?", runnerType, "any")
	}
	var runners []models.Runner
	if err := q.Order("last_heartbeat asc").Find(&runners).Error; err != nil {
		return nil, err
	}
	return runners, nil
}

func (s *Store) Heartbeat(id string) error {
	res := s.db.Model(&models.Runner{}).Where("id = ?", id).Update("last_heartbeat", time.Now())
	return res.Error
}

func (s *Store) SetRunnerStatus(id string, status models.RunnerStatus) error {
	if err := s.db.Model(&models.Runner{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return err
	}
	s.publish(protocol.RunnerChangedEvent{RunnerID: id, Status: string(status)})
	return nil
}

// ListStaleRunners returns busy/assigned/idle runners whose last heartbeat is
// older than deadline, used by the Registry's liveness sweep.
func (s *Store) ListStaleRunners(deadline time.Time) ([]models.Runner, error) {
	var runners []models.Runner
	if err := s.db.Where("status NOT IN ? AND last_heartbeat < ?",
		[]models.RunnerStatus{models.RunnerStatusDisconnected, models.RunnerStatusDead}, deadline).
		Find(&runners).Error; err != nil {
		return nil, err
	}
	return runners, nil
}
