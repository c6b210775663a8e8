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

func (s *Store) CreateJob(j *models.Job) (*models.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = models.JobStatusQueued
	}
	if err := s.db.Create(j).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create job", err)
	}
	s.publish(protocol.JobChangedEvent{CardID: j.CardID, JobID: j.ID, Status: string(j.Status)})
	return j, nil
}

func (s *Store) GetJob(id string) (*models.Job, error) {
	var j models.Job
	if err := s.db.First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "job not found")
		}
		return nil, err
	}
	return &j, nil
}

// ListQueuedJobs reconstructs the Job Queue at startup (spec §4.D:
// "process-authoritative but persists its membership as job.status ==
// queued, so a restart rebuilds the queue from the Store").
func (s *Store) ListQueuedJobs() ([]models.Job, error) {
	var jobs []models.Job
	if err := s.db.Where("status = ?", models.JobStatusQueued).
		Order("created_at asc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimJob atomically transitions a queued Job to running and its Runner to
// assigned (spec §4.D: "Claim is atomic with a Store transition to running
// and a Runner transition to assigned").
func (s *Store) ClaimJob(jobID, runnerID string) (*models.Job, error) {
	var out models.Job
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", jobID).Error; err != nil {
			return err
		}
		if j.Status != models.JobStatusQueued {
			return apperr.New(apperr.KindResourceUnavailable, "job is no longer queued")
		}
		now := time.Now()
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobStatusQueued).
			Updates(map[string]any{
				"status":     models.JobStatusRunning,
				"runner_id":  runnerID,
				"started_at": now,
				"version":    j.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindResourceUnavailable, "lost claim race")
		}
		if err := tx.Model(&models.Runner{}).
			Where("id = ?", runnerID).
			Updates(map[string]any{
				"status":         models.RunnerStatusAssigned,
				"current_job_id": jobID,
			}).Error; err != nil {
			return err
		}
		j.Status = models.JobStatusRunning
		j.RunnerID = runnerID
		j.StartedAt = &now
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(protocol.JobChangedEvent{CardID: out.CardID, JobID: out.ID, Status: string(out.Status)})
	s.publish(protocol.RunnerChangedEvent{RunnerID: runnerID, Status: string(models.RunnerStatusAssigned)})
	return &out, nil
}

// ReleaseJob returns a job to the queue (ack failure, ack timeout) and its
// runner to idle.
func (s *Store) ReleaseJob(jobID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", jobID).Error; err != nil {
			return err
		}
		if j.IsTerminal() {
			return nil
		}
		runnerID := j.RunnerID
		if err := tx.Model(&models.Job{}).Where("id = ?", jobID).Updates(map[string]any{
			"status":    models.JobStatusQueued,
			"runner_id": "",
		}).Error; err != nil {
			return err
		}
		if runnerID != "" {
			if err := tx.Model(&models.Runner{}).Where("id = ?", runnerID).Updates(map[string]any{
				"status":         models.RunnerStatusIdle,
				"current_job_id": "",
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendJobLog appends chunk to the job's append-only log and publishes a
// job_changed event carrying the delta (spec §4.E log streaming).
func (s *Store) AppendJobLog(jobID, chunk string) error {
	var j models.Job
	if err := s.db.First(&j, "id = ?", jobID).Error; err != nil {
		return err
	}
	if j.IsTerminal() {
		storeLog.Warn().Str("job_id", jobID).Msg("ignoring log append for terminal job")
		return nil
	}
	if err := s.db.Model(&models.Job{}).Where("id = ?", jobID).
		Update("logs", gorm.Expr("logs || ?", chunk)).Error; err != nil {
		return err
	}
	s.publish(protocol.JobChangedEvent{CardID: j.CardID, JobID: jobID, Status: string(j.Status), LogDelta: chunk})
	return nil
}

// CompleteJob performs the single terminal transition a Job is allowed
// (spec §3 invariant: "after terminal, no further mutation").
func (s *Store) CompleteJob(jobID string, status models.JobStatus, errMsg, branchName string, results *models.TestResultSummary) (*models.Job, error) {
	var out models.Job
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", jobID).Error; err != nil {
			return err
		}
		if j.IsTerminal() {
			storeLog.Warn().Str("job_id", jobID).Msg("ignoring duplicate terminal job_result")
			out = j
			return nil
		}
		now := time.Now()
		updates := map[string]any{
			"status":       status,
			"error":        errMsg,
			"branch_name":  branchName,
			"completed_at": now,
			"runner_id":    "",
		}
		if results != nil {
			updates["test_results"] = *results
		}
		res := tx.Model(&models.Job{}).Where("id = ? AND status = ?", jobID, j.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Retryable("job already transitioned")
		}
		if j.RunnerID != "" {
			if err := tx.Model(&models.Runner{}).Where("id = ?", j.RunnerID).Updates(map[string]any{
				"status":         models.RunnerStatusIdle,
				"current_job_id": "",
			}).Error; err != nil {
				return err
			}
		}
		j.Status = status
		j.Error = errMsg
		j.BranchName = branchName
		j.CompletedAt = &now
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(protocol.JobChangedEvent{CardID: out.CardID, JobID: out.ID, Status: string(out.Status)})
	return &out, nil
}
