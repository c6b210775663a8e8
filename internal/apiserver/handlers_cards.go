// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/store/models"
)

type cardStore interface {
	CreateCard(c *models.Card) (*models.Card, error)
	GetCard(id string) (*models.Card, error)
	ListCards(repoID string, status models.CardStatus) ([]models.Card, error)
}

type cardService interface {
	Start(cardID string) (*models.Card, error)
	Approve(ctx context.Context, cardID, target string) (*models.Card, *githost.MergeResult, error)
	Reject(cardID string) (*models.Card, error)
	Retry(cardID string, auto bool) (*models.Card, error)
}

type createCardRequest struct {
	RepoID      string            `json:"repo_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	RunnerType  string            `json:"runner_type"`
	StepConfig  models.StepConfig `json:"step_config"`
}

// CreateCard handles POST /cards
func (h *Handlers) CreateCard(w http.ResponseWriter, r *http.Request) {
	var body createCardRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.RepoID == "" {
		writeErrJSON(w, http.StatusBadRequest, "repo_id is required")
		return
	}
	if body.Title == "" {
		writeErrJSON(w, http.StatusBadRequest, "title is required")
		return
	}

	card, err := h.cards.CreateCard(&models.Card{
		RepoID:      body.RepoID,
		Title:       body.Title,
		Description: body.Description,
		RunnerType:  body.RunnerType,
		StepConfig:  body.StepConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// ListCards handles GET /cards?repo_id=&status=
func (h *Handlers) ListCards(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repo_id")
	status := models.CardStatus(r.URL.Query().Get("status"))

	cards, err := h.cards.ListCards(repoID, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cards)
}

// GetCard handles GET /cards/{id}
func (h *Handlers) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.cards.GetCard(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// StartCard handles POST /cards/{id}/start
func (h *Handlers) StartCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.cardSvc.Start(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type approveCardRequest struct {
	Target string `json:"target,omitempty"`
}

// ApproveCard handles POST /cards/{id}/approve
func (h *Handlers) ApproveCard(w http.ResponseWriter, r *http.Request) {
	var body approveCardRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	card, merge, err := h.cardSvc.Approve(r.Context(), chi.URLParam(r, "id"), body.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	if !merge.Succeeded {
		writeJSON(w, http.StatusConflict, map[string]any{
			"card":           card,
			"merge_conflict": true,
			"conflict_files": merge.ConflictFiles,
		})
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// RejectCard handles POST /cards/{id}/reject
func (h *Handlers) RejectCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.cardSvc.Reject(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

type retryCardRequest struct {
	Auto bool `json:"auto,omitempty"`
}

// RetryCard handles POST /cards/{id}/retry
func (h *Handlers) RetryCard(w http.ResponseWriter, r *http.Request) {
	var body retryCardRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}

	card, err := h.cardSvc.Retry(chi.URLParam(r, "id"), body.Auto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}
