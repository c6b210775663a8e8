// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/core/internal/store/models"
)

type agentFileStore interface {
	CreateAgentFile(a *models.AgentFile) (*models.AgentFile, error)
	GetAgentFile(id string) (*models.AgentFile, error)
	ListAgentFiles() ([]models.AgentFile, error)
	UpdateAgentFile(a *models.AgentFile) (*models.AgentFile, error)
	DeleteAgentFile(id string) error
}

type agentFileRequest struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// CreateAgentFile handles POST /agent-files
func (h *Handlers) CreateAgentFile(w http.ResponseWriter, r *http.Request) {
	var body agentFileRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeErrJSON(w, http.StatusBadRequest, "name is required")
		return
	}

	file, err := h.agentFiles.CreateAgentFile(&models.AgentFile{
		Name:        body.Name,
		Content:     body.Content,
		Description: body.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// ListAgentFiles handles GET /agent-files
func (h *Handlers) ListAgentFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.agentFiles.ListAgentFiles()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// GetAgentFileHandler handles GET /agent-files/{id}
func (h *Handlers) GetAgentFileHandler(w http.ResponseWriter, r *http.Request) {
	file, err := h.agentFiles.GetAgentFile(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// UpdateAgentFileHandler handles PUT /agent-files/{id}
func (h *Handlers) UpdateAgentFileHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.agentFiles.GetAgentFile(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var body agentFileRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if name := strings.TrimSpace(body.Name); name != "" {
		existing.Name = name
	}
	existing.Content = body.Content
	existing.Description = body.Description

	updated, err := h.agentFiles.UpdateAgentFile(existing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteAgentFileHandler handles DELETE /agent-files/{id}
func (h *Handlers) DeleteAgentFileHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.agentFiles.DeleteAgentFile(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
