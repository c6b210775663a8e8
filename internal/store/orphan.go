// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"time"

	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store/models"
)

const restartReason = "restart during execution"

// RecoverOrphans runs once at startup, before any request is served (spec
// §4.A): every in-memory process (Job Queue, Runner Registry, Pipeline
// Engine) that survived the previous process's crash is gone, so any row
// left pointing at one of them can never be legitimately advanced again and
// is failed outright rather than left stuck.
func (s *Store) RecoverOrphans() error {
	if err := s.recoverRunningJobs(); err != nil {
		return err
	}
	if err := s.recoverRunningStepRuns(); err != nil {
		return err
	}
	return s.disconnectAllRunners()
}

func (s *Store) recoverRunningJobs() error {
	var jobs []models.Job
	if err := s.db.Where("status = ?", models.JobStatusRunning).Find(&jobs).Error; err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		if err := s.db.Model(&models.Job{}).Where("id = ?", j.ID).Updates(map[string]any{
			"status":       models.JobStatusFailed,
			"error":        restartReason,
			"completed_at": now,
			"runner_id":    "",
		}).Error; err != nil {
			return err
		}
		s.publish(protocol.JobChangedEvent{CardID: j.CardID, JobID: j.ID, Status: string(models.JobStatusFailed)})
		storeLog.Warn().Str("job_id", j.ID).Msg("recovered orphaned running job as failed")
	}
	return nil
}

func (s *Store) recoverRunningStepRuns() error {
	var runs []models.StepRun
	if err := s.db.Where("status = ?", models.RunStatusRunning).Find(&runs).Error; err != nil {
		return err
	}
	now := time.Now()
	for _, r := range runs {
		if err := s.db.Model(&models.StepRun{}).Where("id = ?", r.ID).Updates(map[string]any{
			"status":       models.RunStatusFailed,
			"error":        restartReason,
			"completed_at": now,
		}).Error; err != nil {
			return err
		}
		s.publish(protocol.StepChangedEvent{RunID: r.RunID, StepID: r.ID, Status: string(models.RunStatusFailed)})

		if err := s.db.Model(&models.PipelineRun{}).Where("id = ? AND status = ?", r.RunID, models.RunStatusRunning).
			Updates(map[string]any{"status": models.RunStatusFailed, "completed_at": now}).Error; err != nil {
			return err
		}
		s.publish(protocol.RunChangedEvent{RunID: r.RunID, Status: string(models.RunStatusFailed)})
		storeLog.Warn().Str("step_run_id", r.ID).Str("run_id", r.RunID).Msg("recovered orphaned running step as failed")
	}
	return nil
}

func (s *Store) disconnectAllRunners() error {
	var runners []models.Runner
	if err := s.db.Where("status != ?", models.RunnerStatusDisconnected).Find(&runners).Error; err != nil {
		return err
	}
	for _, r := range runners {
		if err := s.db.Model(&models.Runner{}).Where("id = ?", r.ID).Updates(map[string]any{
			"status":         models.RunnerStatusDisconnected,
			"current_job_id": "",
		}).Error; err != nil {
			return err
		}
		s.publish(protocol.RunnerChangedEvent{RunnerID: r.ID, Status: string(models.RunnerStatusDisconnected)})
	}
	return nil
}
