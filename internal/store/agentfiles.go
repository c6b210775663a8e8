// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/store/models"
)

// AgentFile rows are global, platform-scope configuration (spec §3: "not
// per-repo; referenced by name from a Card's StepConfig.AgentFiles").

func (s *Store) CreateAgentFile(a *models.AgentFile) (*models.AgentFile, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.db.Create(a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.AlreadyExists("agent_file", a.Name)
		}
		return nil, apperr.Wrap(apperr.KindIntegrity, "failed to create agent file", err)
	}
	return a, nil
}

func (s *Store) GetAgentFile(id string) (*models.AgentFile, error) {
	var a models.AgentFile
	if err := s.db.First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "agent file not found")
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetAgentFileByName(name string) (*models.AgentFile, error) {
	var a models.AgentFile
	if err := s.db.Where("name = ?", name).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindClientInput, "agent file not found")
		}
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAgentFiles() ([]models.AgentFile, error) {
	var files []models.AgentFile
	if err := s.db.Order("name asc").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Store) UpdateAgentFile(a *models.AgentFile) (*models.AgentFile, error) {
	if err := s.db.Save(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) DeleteAgentFile(id string) error {
	return s.db.Delete(&models.AgentFile{}, "id = ?", id).Error
}
