// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/core/internal/store/models"
)

type jobStore interface {
	GetJob(id string) (*models.Job, error)
	CompleteJob(jobID string, status models.JobStatus, errMsg, branchName string, results *models.TestResultSummary) (*models.Job, error)
}

type jobCanceller interface {
	Cancel(runnerID, jobID string) error
}

// GetJobHandler handles GET /jobs/{id}
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /jobs/{id}/cancel. The terminal transition is
// applied directly (the same pattern as the Pipeline Engine's own Cancel);
// the runner is also asked to stop, but a late job_result arriving after
// this is a no-op (Store.CompleteJob ignores duplicate terminal results).
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.jobs.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.IsTerminal() {
		writeJSON(w, http.StatusOK, job)
		return
	}
	if job.RunnerID != "" {
		if err := h.runners.Cancel(job.RunnerID, id); err != nil {
			apiLog.Warn().Err(err).Str("job_id", id).Msg("failed to notify runner of cancellation")
		}
	}
	updated, err := h.jobs.CompleteJob(id, models.JobStatusFailed, "cancelled by user", "", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
