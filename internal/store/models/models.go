// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the GORM entities of spec §3. Grounded on
// internal/orchestrator/models/{gorm_models.go,pipeline.go}: the same
// TableName()/BeforeCreate()/BeforeUpdate() hook shape, the same JSON
// scanner/valuer pattern for structured columns, string primary keys set by
// the caller rather than autoincrement.
//
// Every entity that participates in a transactional transition (spec §4.A)
// carries a Version column for optimistic concurrency: a caller-supplied
// expected version is checked atomically with the write, and a mismatch is
// surfaced as apperr.KindTransientRuntime ("retryable error").
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// --- Repo ---

type Repo struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	DefaultBranch string    `gorm:"type:text" json:"default_branch"`
	Ingested      bool      `gorm:"not null;default:false" json:"ingested"`
	CloneURL      string    `gorm:"type:text" json:"clone_url"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Cards     []Card     `gorm:"foreignKey:RepoID;constraint:OnDelete:CASCADE" json:"cards,omitempty"`
	Pipelines []Pipeline `gorm:"foreignKey:RepoID;constraint:OnDelete:CASCADE" json:"pipelines,omitempty"`
}

func (Repo) TableName() string { return "repos" }

func (r *Repo) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return nil
}

func (r *Repo) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

// --- Card ---

type CardStatus string

const (
	CardStatusTodo       CardStatus = "todo"
	CardStatusInProgress CardStatus = "in_progress"
	CardStatusInReview   CardStatus = "in_review"
	CardStatusDone       CardStatus = "done"
	CardStatusFailed     CardStatus = "failed"
)

type StepKind string

const (
	StepKindAgent     StepKind = "agent"
	StepKindScript    StepKind = "script"
	StepKindContainer StepKind = "container"
)

// StepConfig is the tagged variant for a step's execution contract
// (spec §9 "dynamic step config dictionaries" re-architecture note).
type StepConfig struct {
	Kind StepKind `json:"kind"`

	// Agent
	Prompt     string   `json:"prompt,omitempty"`
	AgentFiles []string `json:"agent_files,omitempty"`

	// Script
	Command string `json:"command,omitempty"`
	Workdir string `json:"workdir,omitempty"`

	// Container
	Image   string            `json:"image,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Volumes []string          `json:"volumes,omitempty"`
}

func (c *StepConfig) Scan(value any) error {
	if value == nil {
		*c = StepConfig{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("cannot scan StepConfig from non-string/[]byte value")
	}
}

func (c StepConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

type Card struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	RepoID      string     `gorm:"not null;type:text;index" json:"repo_id"`
	Title       string     `gorm:"not null;type:text" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Status      CardStatus `gorm:"not null;type:text;index" json:"status"`
	RunnerType  string     `gorm:"type:text" json:"runner_type"`
	StepConfig  StepConfig `gorm:"type:text" json:"step_config"`
	BranchName  string     `gorm:"type:text" json:"branch_name"`

	CurrentJobID string `gorm:"type:text" json:"current_job_id"`

	// Set when this Card was spawned by a Pipeline step (trigger:<card_id> verb).
	PipelineRunID string `gorm:"type:text;index" json:"pipeline_run_id,omitempty"`
	StepIndex     *int   `json:"step_index,omitempty"`

	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Jobs []Job `gorm:"foreignKey:CardID" json:"jobs,omitempty"`
}

func (Card) TableName() string { return "cards" }

func (c *Card) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Version == 0 {
		c.Version = 1
	}
	return nil
}

func (c *Card) BeforeUpdate(tx *gorm.DB) error {
	c.UpdatedAt = time.Now()
	return nil
}

// --- Job ---

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type TestResultSummary struct {
	Ran    bool `json:"ran"`
	Passed int  `json:"passed"`
	Failed int  `json:"failed"`
}

func (t *TestResultSummary) Scan(value any) error {
	if value == nil {
		*t = TestResultSummary{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return errors.New("cannot scan TestResultSummary from non-string/[]byte value")
	}
}

func (t TestResultSummary) Value() (driver.Value, error) {
	return json.Marshal(t)
}

type Job struct {
	ID         string     `gorm:"primaryKey;type:text" json:"id"`
	CardID     string     `gorm:"type:text;index" json:"card_id,omitempty"`
	RunnerType string     `gorm:"not null;type:text;index" json:"runner_type"`
	Status     JobStatus  `gorm:"not null;type:text;index" json:"status"`
	StepConfig StepConfig `gorm:"type:text" json:"step_config"`

	RunnerID string `gorm:"type:text;index" json:"runner_id,omitempty"`

	// Ephemeral marks a playground job (spec §9): terminal transitions skip
	// Card/Pipeline updates and the result is surfaced via SSE only.
	Ephemeral bool `gorm:"not null;default:false" json:"ephemeral"`

	// Continuation marks a continue_in_context step; the runner must reuse
	// the prior step's workspace rather than cloning afresh.
	Continuation bool `gorm:"not null;default:false" json:"continuation"`
	// PinnedRunnerID is set for continuation jobs: the next dispatch must
	// land on this exact runner or the step fails explicitly (spec §5, §9).
	PinnedRunnerID string `gorm:"type:text" json:"pinned_runner_id,omitempty"`

	Logs        string             `gorm:"type:text" json:"logs"`
	Error       string             `gorm:"type:text" json:"error,omitempty"`
	BranchName  string             `gorm:"type:text" json:"branch_name,omitempty"`
	TestResults *TestResultSummary `gorm:"type:text" json:"test_results,omitempty"`

	Deadline time.Time `json:"deadline"`

	Version     int        `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	if j.Version == 0 {
		j.Version = 1
	}
	return nil
}

func (j *Job) BeforeUpdate(tx *gorm.DB) error {
	j.UpdatedAt = time.Now()
	return nil
}

// IsTerminal reports whether the job has reached completed or failed
// (spec §3 Job invariant: "exactly one terminal transition").
func (j Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// --- Runner ---

type RunnerStatus string

const (
	RunnerStatusDisconnected RunnerStatus = "disconnected"
	RunnerStatusConnecting   RunnerStatus = "connecting"
	RunnerStatusIdle         RunnerStatus = "idle"
	RunnerStatusAssigned     RunnerStatus = "assigned"
	RunnerStatusBusy         RunnerStatus = "busy"
	RunnerStatusDead         RunnerStatus = "dead"
)

type Runner struct {
	ID            string       `gorm:"primaryKey;type:text" json:"id"`
	RunnerType    string       `gorm:"not null;type:text;index" json:"runner_type"`
	Status        RunnerStatus `gorm:"not null;type:text;index" json:"status"`
	CurrentJobID  string       `gorm:"type:text" json:"current_job_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`

	Version     int       `gorm:"not null;default:1" json:"version"`
	RegisteredAt time.Time `gorm:"autoCreateTime" json:"registered_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Runner) TableName() string { return "runners" }

func (r *Runner) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return nil
}

func (r *Runner) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

// --- Pipeline / PipelineRun / StepRun ---

type StepDefinition struct {
	ID         string     `json:"id,omitempty"` // stable id, used for context log naming
	Name       string     `json:"name"`
	Kind       StepKind   `json:"kind"`
	Config     StepConfig `json:"config"`
	RunnerType string     `json:"runner_type,omitempty"` // required runner type, or "any"
	Timeout    int        `json:"timeout_seconds,omitempty"` // 0 = use pipeline default

	// ContinueInContext marks a step that must reuse the previous step's
	// runner workspace rather than cloning afresh; the Engine pins dispatch
	// to the prior step's runner id (spec §4.G, §5).
	ContinueInContext bool `json:"continue_in_context,omitempty"`

	OnSuccess string `json:"on_success"` // routing verb
	OnFailure string `json:"on_failure"` // routing verb
}

type StepDefinitions []StepDefinition

func (d *StepDefinitions) Scan(value any) error {
	if value == nil {
		*d = StepDefinitions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return errors.New("cannot scan StepDefinitions from non-string/[]byte value")
	}
}

func (d StepDefinitions) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "[]", nil
	}
	return json.Marshal(d)
}

type TriggerKind string

const (
	TriggerCardComplete TriggerKind = "card_complete"
	TriggerPush         TriggerKind = "push"
	TriggerManual       TriggerKind = "manual"
)

type TriggerDefinition struct {
	Kind        TriggerKind `json:"kind"`
	CardStatus  string      `json:"card_status,omitempty"` // "in_review" | "done", for card_complete
	Branches    []string    `json:"branches,omitempty"`    // shell-style globs, for push
	OnPass      string      `json:"on_pass"`                // "merge"|"merge:<branch>"|"nothing"
	OnFail      string      `json:"on_fail"`                // "fail"|"reject"|"nothing"
}

type TriggerDefinitions []TriggerDefinition

func (d *TriggerDefinitions) Scan(value any) error {
	if value == nil {
		*d = TriggerDefinitions{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return errors.New("cannot scan TriggerDefinitions from non-string/[]byte value")
	}
}

func (d TriggerDefinitions) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "[]", nil
	}
	return json.Marshal(d)
}

type Pipeline struct {
	ID         string              `gorm:"primaryKey;type:text" json:"id"`
	RepoID     string              `gorm:"not null;type:text;index" json:"repo_id"`
	Name       string              `gorm:"not null;type:text" json:"name"`
	Steps      StepDefinitions     `gorm:"type:text" json:"steps"`
	Triggers   TriggerDefinitions  `gorm:"type:text" json:"triggers"`
	IsTemplate bool                `gorm:"not null;default:false" json:"is_template"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Pipeline) TableName() string { return "pipelines" }

func (p *Pipeline) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

func (p *Pipeline) BeforeUpdate(tx *gorm.DB) error {
	p.UpdatedAt = time.Now()
	return nil
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPassed    RunStatus = "passed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// TriggerContext carries the payload described in spec §4.H for the two
// trigger kinds (card_complete, push), plus debug-rerun provenance.
type TriggerContext struct {
	CardID    string `json:"card_id,omitempty"`
	CardTitle string `json:"card_title,omitempty"`
	Branch    string `json:"branch,omitempty"`

	CommitSHA string `json:"commit_sha,omitempty"`
	OldSHA    string `json:"old_sha,omitempty"`
	PushRef   string `json:"push_ref,omitempty"`
}

func (c *TriggerContext) Scan(value any) error {
	if value == nil {
		*c = TriggerContext{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return errors.New("cannot scan TriggerContext from non-string/[]byte value")
	}
}

func (c TriggerContext) Value() (driver.Value, error) {
	return json.Marshal(c)
}

type PipelineRun struct {
	ID          string      `gorm:"primaryKey;type:text" json:"id"`
	PipelineID  string      `gorm:"not null;type:text;index" json:"pipeline_id"`
	Status      RunStatus   `gorm:"not null;type:text;index" json:"status"`
	TriggerType TriggerKind `gorm:"type:text" json:"trigger_type,omitempty"`
	TriggerRef  string      `gorm:"type:text" json:"trigger_ref,omitempty"`
	Context     TriggerContext `gorm:"type:text" json:"trigger_context"`

	CurrentStepIndex int `gorm:"not null;default:0" json:"current_step_index"`
	StepsTotal       int `gorm:"not null" json:"steps_total"`
	StepsCompleted   int `gorm:"not null;default:0" json:"steps_completed"`

	WorkingBranch string `gorm:"type:text" json:"working_branch,omitempty"`

	DebugSessionID string `gorm:"type:text" json:"debug_session_id,omitempty"`

	Version     int        `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StepRuns []StepRun `gorm:"foreignKey:RunID" json:"step_runs,omitempty"`
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

func (r *PipelineRun) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return nil
}

func (r *PipelineRun) BeforeUpdate(tx *gorm.DB) error {
	r.UpdatedAt = time.Now()
	return nil
}

func (r PipelineRun) IsTerminal() bool {
	return r.Status == RunStatusPassed || r.Status == RunStatusFailed || r.Status == RunStatusCancelled
}

type StepRun struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	RunID     string    `gorm:"not null;type:text;index" json:"run_id"`
	StepIndex int       `gorm:"not null" json:"step_index"`
	StepName  string    `gorm:"type:text" json:"step_name"`
	Status    RunStatus `gorm:"not null;type:text;index" json:"status"`

	JobID string `gorm:"type:text" json:"job_id,omitempty"`
	Logs  string `gorm:"type:text" json:"logs"`
	Error string `gorm:"type:text" json:"error,omitempty"`

	Version     int        `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (StepRun) TableName() string { return "step_runs" }

func (s *StepRun) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}

func (s *StepRun) BeforeUpdate(tx *gorm.DB) error {
	s.UpdatedAt = time.Now()
	return nil
}

// --- AgentFile ---

type AgentFile struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	Name        string    `gorm:"not null;type:text;uniqueIndex" json:"name"`
	Content     string    `gorm:"type:text" json:"content"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AgentFile) TableName() string { return "agent_files" }

func (a *AgentFile) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	return nil
}

func (a *AgentFile) BeforeUpdate(tx *gorm.DB) error {
	a.UpdatedAt = time.Now()
	return nil
}

// --- DebugSession ---

type DebugSessionStatus string

const (
	DebugSessionPending     DebugSessionStatus = "pending"
	DebugSessionWaitingAtBP DebugSessionStatus = "waiting_at_bp"
	DebugSessionConnected   DebugSessionStatus = "connected"
	DebugSessionTimeout     DebugSessionStatus = "timeout"
	DebugSessionEnded       DebugSessionStatus = "ended"
)

type IntSet []int

func (s *IntSet) Scan(value any) error {
	if value == nil {
		*s = IntSet{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("cannot scan IntSet from non-string/[]byte value")
	}
}

func (s IntSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	return json.Marshal(s)
}

func (s IntSet) Contains(i int) bool {
	for _, v := range s {
		if v == i {
			return true
		}
	}
	return false
}

type DebugSession struct {
	ID            string             `gorm:"primaryKey;type:text" json:"id"`
	PipelineRunID string             `gorm:"not null;type:text;index" json:"pipeline_run_id"`
	Breakpoints   IntSet             `gorm:"type:text" json:"breakpoints"`
	Status        DebugSessionStatus `gorm:"not null;type:text;index" json:"status"`
	CurrentStep   int                `gorm:"not null;default:0" json:"current_step"`
	ExpiresAt     time.Time          `json:"expires_at"`
	JoinToken     string             `gorm:"type:text" json:"-"`
	TokenUsed     bool               `gorm:"not null;default:false" json:"token_used"`

	Version   int       `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DebugSession) TableName() string { return "debug_sessions" }

func (d *DebugSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.Version == 0 {
		d.Version = 1
	}
	return nil
}

func (d *DebugSession) BeforeUpdate(tx *gorm.DB) error {
	d.UpdatedAt = time.Now()
	return nil
}
