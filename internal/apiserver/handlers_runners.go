// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"net/http"

	"github.com/lazyaf/core/internal/store/models"
)

type runnerStore interface {
	ListRunners() ([]models.Runner, error)
}

// ListRunners handles GET /runners
func (h *Handlers) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := h.runnerList.ListRunners()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runners)
}

type scaleRunnersRequest struct {
	Count int `json:"count"`
}

// ScaleRunners handles POST /runners/scale. Actual scaling happens outside
// the core (spec §6: "informational; actual scaling is out of core") — this
// endpoint only logs the requested count and acknowledges it; nothing is
// stored.
func (h *Handlers) ScaleRunners(w http.ResponseWriter, r *http.Request) {
	var body scaleRunnersRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	apiLog.Info().Int("requested_count", body.Count).Msg("runner scale requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"requested_count": body.Count, "status": "acknowledged"})
}
