// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/core/internal/store/models"
)

type pipelineStore interface {
	CreatePipeline(p *models.Pipeline) (*models.Pipeline, error)
	GetPipeline(id string) (*models.Pipeline, error)
	ListPipelines(repoID string) ([]models.Pipeline, error)
	UpdatePipeline(p *models.Pipeline) (*models.Pipeline, error)
	DeletePipeline(id string) error
	GetPipelineRun(id string) (*models.PipelineRun, error)
	ListPipelineRuns(pipelineID string) ([]models.PipelineRun, error)
}

type pipelineEngine interface {
	Launch(ctx context.Context, pipelineID string, triggerType models.TriggerKind, triggerRef string, tctx models.TriggerContext) (*models.PipelineRun, error)
	Cancel(runID string) error
}

type debugController interface {
	StartRerun(ctx context.Context, originalRunID string, breakpoints []int, triggerRef string, expiry time.Duration) (*models.PipelineRun, *models.DebugSession, string, error)
	Resume(ctx context.Context, sessionID, token string) (*models.DebugSession, error)
	Abort(sessionID string) (*models.DebugSession, error)
}

type createPipelineRequest struct {
	RepoID     string                    `json:"repo_id"`
	Name       string                    `json:"name"`
	Steps      models.StepDefinitions    `json:"steps"`
	Triggers   models.TriggerDefinitions `json:"triggers,omitempty"`
	IsTemplate bool                      `json:"is_template,omitempty"`
}

// CreatePipeline handles POST /pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var body createPipelineRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.RepoID == "" {
		writeErrJSON(w, http.StatusBadRequest, "repo_id is required")
		return
	}
	if body.Name == "" {
		writeErrJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	pipeline, err := h.pipelines.CreatePipeline(&models.Pipeline{
		RepoID:     body.RepoID,
		Name:       body.Name,
		Steps:      body.Steps,
		Triggers:   body.Triggers,
		IsTemplate: body.IsTemplate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pipeline)
}

// ListPipelines handles GET /pipelines?repo_id=
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.pipelines.ListPipelines(r.URL.Query().Get("repo_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// GetPipelineHandler handles GET /pipelines/{id}
func (h *Handlers) GetPipelineHandler(w http.ResponseWriter, r *http.Request) {
	pipeline, err := h.pipelines.GetPipeline(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// UpdatePipelineHandler handles PUT /pipelines/{id}
func (h *Handlers) UpdatePipelineHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.pipelines.GetPipeline(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body createPipelineRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if name := strings.TrimSpace(body.Name); name != "" {
		existing.Name = name
	}
	if body.Steps != nil {
		existing.Steps = body.Steps
	}
	if body.Triggers != nil {
		existing.Triggers = body.Triggers
	}

	updated, err := h.pipelines.UpdatePipeline(existing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeletePipelineHandler handles DELETE /pipelines/{id}
func (h *Handlers) DeletePipelineHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.pipelines.DeletePipeline(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type runPipelineRequest struct {
	Ref string `json:"ref,omitempty"`
}

// RunPipeline handles POST /pipelines/{id}/run
func (h *Handlers) RunPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body runPipelineRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	run, err := h.engine.Launch(r.Context(), id, models.TriggerManual, body.Ref, models.TriggerContext{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// ListPipelineRunsHandler handles GET /pipeline-runs?pipeline_id=
func (h *Handlers) ListPipelineRunsHandler(w http.ResponseWriter, r *http.Request) {
	runs, err := h.pipelines.ListPipelineRuns(r.URL.Query().Get("pipeline_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetPipelineRunHandler handles GET /pipeline-runs/{id}
func (h *Handlers) GetPipelineRunHandler(w http.ResponseWriter, r *http.Request) {
	run, err := h.pipelines.GetPipelineRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelPipelineRun handles POST /pipeline-runs/{id}/cancel
func (h *Handlers) CancelPipelineRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	run, err := h.pipelines.GetPipelineRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type debugRerunRequest struct {
	Breakpoints       []int  `json:"breakpoints"`
	UseOriginalCommit bool   `json:"use_original_commit,omitempty"`
	CommitSHA         string `json:"commit_sha,omitempty"`
	Branch            string `json:"branch,omitempty"`
	ExpirySeconds     int    `json:"expiry_seconds,omitempty"`
}

type debugRerunResponse struct {
	RunID          string `json:"run_id"`
	DebugSessionID string `json:"debug_session_id"`
	Token          string `json:"token"`
}

// DebugRerun handles POST /pipeline-runs/{id}/debug-rerun
func (h *Handlers) DebugRerun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body debugRerunRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ref := body.CommitSHA
	if ref == "" {
		ref = body.Branch
	}

	var expiry time.Duration
	if body.ExpirySeconds > 0 {
		expiry = time.Duration(body.ExpirySeconds) * time.Second
	}

	run, session, token, err := h.debug.StartRerun(r.Context(), id, body.Breakpoints, ref, expiry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, debugRerunResponse{RunID: run.ID, DebugSessionID: session.ID, Token: token})
}

type debugTokenRequest struct {
	Token string `json:"token"`
}

// ResumeDebugSession handles POST /debug/{session}/resume
func (h *Handlers) ResumeDebugSession(w http.ResponseWriter, r *http.Request) {
	var body debugTokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	session, err := h.debug.Resume(r.Context(), chi.URLParam(r, "session"), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// AbortDebugSession handles POST /debug/{session}/abort
func (h *Handlers) AbortDebugSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.debug.Abort(chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
