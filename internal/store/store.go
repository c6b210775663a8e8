// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the Store component of spec §4.A: durable
// entities plus transactional transitions. Card, Job, Runner, PipelineRun
// and StepRun writes publish a change event to the Event Bus after commit
// (ClaimJob publishes two: one for the job, one for the runner). Repo,
// Pipeline, AgentFile and DebugSession writes, ReleaseJob and Heartbeat
// publish none.
//
// Grounded on internal/orchestrator/database/gorm_database.go: a thin wrapper
// around *gorm.DB, dialector selection by driver name, AutoMigrate over the
// full model set, and ValidateSchema's friendly missing-table/column errors.
// Unlike the teacher (which only ever dials sqlite despite declaring a
// postgres driver dependency), this Store actually dials postgres when
// configured to.
package store

import (
	"fmt"

	"github.com/lazyaf/core/internal/common"
	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/store/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the GORM connection and the Event Bus its change events are
// published to.
type Store struct {
	db  *gorm.DB
	bus *eventbus.Bus
}

// New opens a database connection per cfg.Driver and wires it to bus for
// change-event publication.
func New(cfg *config.DatabaseConfig, bus *eventbus.Bus) (*Store, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db, bus: bus}, nil
}

// AutoMigrate creates/updates all tables. Spec §6: "Schema migrations run at
// startup before any request is served."
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Repo{},
		&models.Card{},
		&models.Job{},
		&models.Runner{},
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.StepRun{},
		&models.AgentFile{},
		&models.DebugSession{},
	)
}

// ValidateSchema checks that the GORM models match the database schema.
func (s *Store) ValidateSchema() error {
	var missing []string

	type namedTable struct {
		name  string
		model interface{}
	}
	tables := []namedTable{
		{"repos", &models.Repo{}},
		{"cards", &models.Card{}},
		{"jobs", &models.Job{}},
		{"runners", &models.Runner{}},
		{"pipelines", &models.Pipeline{}},
		{"pipeline_runs", &models.PipelineRun{}},
		{"step_runs", &models.StepRun{}},
		{"agent_files", &models.AgentFile{}},
		{"debug_sessions", &models.DebugSession{}},
	}
	for _, t := range tables {
		if !s.db.Migrator().HasTable(t.model) {
			missing = append(missing, t.name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %v\n\nrun the migrate command to create them", missing)
	}
	return nil
}

var storeLog = logger.GetStoreLogger()

// publish emits one change event after a mutation commits; it is a no-op
// when the Store has no bus.
func (s *Store) publish(event common.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event)
}
