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

// --- Pipeline ---

func (s *Store) CreatePipeline(p *models.Pipeline) (*models.Pipeline, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.Create(p).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create pipeline", err)
	}
	return p, nil
}

func (s *Store) GetPipeline(id string) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "pipeline not found")
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPipelines(repoID string) ([]models.Pipeline, error) {
	q := s.db.Model(&models.Pipeline{})
	if repoID != "" {
		q = q.Where("repo_id = ?", repoID)
	}
	var pipelines []models.Pipeline
	if err := q.Order("created_at asc").Find(&pipelines).Error; err != nil {
		return nil, err
	}
	return pipelines, nil
}

// ListPipelinesWithTrigger returns non-template pipelines belonging to repoID,
// for the Trigger Service's match scan (spec §4.H).
func (s *Store) ListPipelinesWithTrigger(repoID string) ([]models.Pipeline, error) {
	var pipelines []models.Pipeline
	if err := s.db.Where("repo_id = ? AND is_template = ?", repoID, false).Find(&pipelines).Error; err != nil {
		return nil, err
	}
	return pipelines, nil
}

func (s *Store) UpdatePipeline(p *models.Pipeline) (*models.Pipeline, error) {
	if err := s.db.Save(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) DeletePipeline(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pipeline_id IN (SELECT id FROM pipeline_runs WHERE pipeline_id = ?)", id).
			Delete(&models.StepRun{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_id = ?", id).Delete(&models.PipelineRun{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Pipeline{}, "id = ?", id).Error
	})
}

// --- PipelineRun ---

// CreatePipelineRun starts a new run and publishes run_changed (spec §4.G:
// "a fresh PipelineRun begins in pending").
func (s *Store) CreatePipelineRun(r *models.PipelineRun) (*models.PipelineRun, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = models.RunStatusPending
	}
	if err := s.db.Create(r).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create pipeline run", err)
	}
	s.publish(protocol.RunChangedEvent{RunID: r.ID, Status: string(r.Status)})
	return r, nil
}

func (s *Store) GetPipelineRun(id string) (*models.PipelineRun, error) {
	var r models.PipelineRun
	if err := s.db.First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "pipeline run not found")
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListPipelineRuns(pipelineID string) ([]models.PipelineRun, error) {
	var runs []models.PipelineRun
	q := s.db.Model(&models.PipelineRun{})
	if pipelineID != "" {
		q = q.Where("pipeline_id = ?", pipelineID)
	}
	if err := q.Order("created_at desc").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// AdvancePipelineRun applies mutate to the run under a version check, the
// same optimistic-concurrency pattern as Store.TransitionCard.
func (s *Store) AdvancePipelineRun(id string, expectedVersion int, mutate func(*models.PipelineRun)) (*models.PipelineRun, error) {
	var out models.PipelineRun
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var r models.PipelineRun
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			return err
		}
		if r.IsTerminal() {
			out = r
			return nil
		}
		mutate(&r)
		res := tx.Model(&models.PipelineRun{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]any{
				"status":              r.Status,
				"current_step_index":  r.CurrentStepIndex,
				"steps_completed":     r.StepsCompleted,
				"working_branch":      r.WorkingBranch,
				"debug_session_id":    r.DebugSessionID,
				"completed_at":        r.CompletedAt,
				"version":             expectedVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Retryable("pipeline run version mismatch, retry")
		}
		r.Version = expectedVersion + 1
		out = r
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "pipeline run not found")
		}
		return nil, err
	}
	s.publish(protocol.RunChangedEvent{RunID: out.ID, Status: string(out.Status)})
	return &out, nil
}

// --- StepRun ---

func (s *Store) CreateStepRun(sr *models.StepRun) (*models.StepRun, error) {
	if sr.ID == "" {
		sr.ID = uuid.NewString()
	}
	if sr.Status == "" {
		sr.Status = models.RunStatusPending
	}
	if err := s.db.Create(sr).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create step run", err)
	}
	s.publish(protocol.StepChangedEvent{RunID: sr.RunID, StepID: sr.ID, Status: string(sr.Status)})
	return sr, nil
}

func (s *Store) GetStepRun(id string) (*models.StepRun, error) {
	var sr models.StepRun
	if err := s.db.First(&sr, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "step run not found")
		}
		return nil, err
	}
	return &sr, nil
}

func (s *Store) ListStepRuns(runID string) ([]models.StepRun, error) {
	var runs []models.StepRun
	if err := s.db.Where("run_id = ?", runID).Order("step_index asc").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// GetStepRunByJobID looks up the StepRun a dispatched Job belongs to, used by
// the Pipeline Engine to route job_changed events back to the owning run.
// Returns (nil, nil) when no StepRun references jobID (e.g. a Card job).
func (s *Store) GetStepRunByJobID(jobID string) (*models.StepRun, error) {
	var sr models.StepRun
	err := s.db.Where("job_id = ?", jobID).First(&sr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

func stepRunTerminal(status models.RunStatus) bool {
	return status == models.RunStatusPassed || status == models.RunStatusFailed || status == models.RunStatusCancelled
}

// CompleteStepRun is the single terminal transition a StepRun is allowed,
// mirroring Store.CompleteJob's duplicate-result protection.
func (s *Store) CompleteStepRun(id string, status models.RunStatus, errMsg string) (*models.StepRun, error) {
	var out models.StepRun
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var sr models.StepRun
		if err := tx.First(&sr, "id = ?", id).Error; err != nil {
			return err
		}
		if stepRunTerminal(sr.Status) {
			storeLog.Warn().Str("step_run_id", id).Msg("ignoring duplicate terminal step result")
			out = sr
			return nil
		}
		now := time.Now()
		res := tx.Model(&models.StepRun{}).Where("id = ? AND status = ?", id, sr.Status).Updates(map[string]any{
			"status":       status,
			"error":        errMsg,
			"completed_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Retryable("step run already transitioned")
		}
		sr.Status = status
		sr.Error = errMsg
		sr.CompletedAt = &now
		out = sr
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(protocol.StepChangedEvent{RunID: out.RunID, StepID: out.ID, Status: string(out.Status)})
	return &out, nil
}

// StartStepRun marks a StepRun running and records its dispatched JobID.
func (s *Store) StartStepRun(id, jobID string) (*models.StepRun, error) {
	now := time.Now()
	if err := s.db.Model(&models.StepRun{}).Where("id = ?", id).Updates(map[string]any{
		"status":     models.RunStatusRunning,
		"job_id":     jobID,
		"started_at": now,
	}).Error; err != nil {
		return nil, err
	}
	sr, err := s.GetStepRun(id)
	if err != nil {
		return nil, err
	}
	s.publish(protocol.StepChangedEvent{RunID: sr.RunID, StepID: sr.ID, Status: string(sr.Status)})
	return sr, nil
}
