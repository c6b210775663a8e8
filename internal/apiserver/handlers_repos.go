// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/store/models"
)

type repoStore interface {
	CreateRepo(r *models.Repo) (*models.Repo, error)
	GetRepo(id string) (*models.Repo, error)
	ListRepos() ([]models.Repo, error)
	SetIngested(id, cloneURL string) (*models.Repo, error)
	DeleteRepo(id string) error
}

type gitHost interface {
	CreateBareRepo(ctx context.Context, repoID string) error
	IngestFromClone(ctx context.Context, repoID, sourceURL string) error
	ListBranches(ctx context.Context, repoID string) ([]githost.Branch, error)
	Commits(ctx context.Context, repoID, branch string, limit int) ([]githost.Commit, error)
	Diff(ctx context.Context, repoID, base, head string) (string, error)
	UploadPack(ctx context.Context, repoID string, stdin []byte) ([]byte, error)
	ReceivePack(ctx context.Context, repoID string, stdin []byte) ([]byte, error)
}

type createRepoRequest struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
}

// CreateRepo handles POST /repos
func (h *Handlers) CreateRepo(w http.ResponseWriter, r *http.Request) {
	var body createRepoRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeErrJSON(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.DefaultBranch == "" {
		body.DefaultBranch = "main"
	}

	repo, err := h.repos.CreateRepo(&models.Repo{Name: body.Name, DefaultBranch: body.DefaultBranch})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

// ListRepos handles GET /repos
func (h *Handlers) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repos.ListRepos()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// GetRepo handles GET /repos/{id}
func (h *Handlers) GetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := h.repos.GetRepo(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// DeleteRepo handles DELETE /repos/{id}
func (h *Handlers) DeleteRepo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repos.DeleteRepo(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type ingestRepoRequest struct {
	SourceURL string `json:"source_url,omitempty"`
}

type ingestRepoResponse struct {
	CloneURL string `json:"clone_url"`
}

// IngestRepo handles POST /repos/{id}/ingest. When source_url is given, the
// bare repo is seeded by fetching that history; otherwise an empty bare repo
// is created. Either way the response carries the server-scoped clone URL
// runners and the UI push/pull through (spec §6).
func (h *Handlers) IngestRepo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	repo, err := h.repos.GetRepo(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body ingestRepoRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	ctx := r.Context()
	if body.SourceURL != "" {
		if err := h.git.IngestFromClone(ctx, id, body.SourceURL); err != nil {
			writeError(w, err)
			return
		}
	} else if err := h.git.CreateBareRepo(ctx, id); err != nil {
		writeError(w, err)
		return
	}

	cloneURL := strings.TrimRight(h.backendBaseURL, "/") + "/git/" + repo.ID + ".git"
	if _, err := h.repos.SetIngested(id, cloneURL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestRepoResponse{CloneURL: cloneURL})
}

// GetBranches handles GET /repos/{id}/branches
func (h *Handlers) GetBranches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	branches, err := h.git.ListBranches(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

// GetCommits handles GET /repos/{id}/commits?branch=&limit=
func (h *Handlers) GetCommits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	repo, err := h.repos.GetRepo(id)
	if err != nil {
		writeError(w, err)
		return
	}
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		branch = repo.DefaultBranch
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	commits, err := h.git.Commits(r.Context(), id, branch, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

// GetDiff handles GET /repos/{id}/diff?base=&head=
func (h *Handlers) GetDiff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	base := r.URL.Query().Get("base")
	head := r.URL.Query().Get("head")
	if base == "" || head == "" {
		writeErrJSON(w, http.StatusBadRequest, "base and head query parameters are required")
		return
	}

	diff, err := h.git.Diff(r.Context(), id, base, head)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"diff": diff})
}
