// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// EventType enumerates the Event Bus's ephemeral event union (spec §3).
// Kept as a tagged union rather than duck-typed payloads (spec §9: "keep the
// wire format but back it with a tagged union on the server so that every
// publish site is compile-checked").
type EventType string

const (
	EventCardChanged      EventType = "card_changed"
	EventJobChanged       EventType = "job_changed"
	EventRunnerChanged    EventType = "runner_changed"
	EventStepChanged      EventType = "step_changed"
	EventRunChanged       EventType = "run_changed"
	EventPushReceived     EventType = "push_received"
	EventDebugBreakpoint  EventType = "debug_breakpoint"
	EventDebugResume      EventType = "debug_resume"
	EventPoolStats        EventType = "pool_stats"
)

// CardChangedEvent is published whenever a Card's status or fields change.
type CardChangedEvent struct {
	Metadata
	RepoID string
	CardID string
	Status string
}

func (e CardChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e CardChangedEvent) GetRepoID() string     { return e.RepoID }
func (e CardChangedEvent) GetCardID() string     { return e.CardID }

// JobChangedEvent is published on job creation, terminal transition, or a log
// append (carrying a delta marker rather than the full log).
type JobChangedEvent struct {
	Metadata
	CardID    string
	JobID     string
	Status    string
	LogDelta  string // non-empty only for log-append notifications
}

func (e JobChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e JobChangedEvent) GetCardID() string     { return e.CardID }
func (e JobChangedEvent) GetJobID() string      { return e.JobID }

// RunnerChangedEvent is published on registration, status, or heartbeat
// transitions.
type RunnerChangedEvent struct {
	Metadata
	RunnerID string
	Status   string
}

func (e RunnerChangedEvent) GetMetadata() Metadata { return e.Metadata }

// StepChangedEvent is published on StepRun creation or terminal transition.
type StepChangedEvent struct {
	Metadata
	RunID  string
	StepID string
	Status string
}

func (e StepChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepChangedEvent) GetRunID() string      { return e.RunID }

// RunChangedEvent is published on PipelineRun creation or terminal
// transition.
type RunChangedEvent struct {
	Metadata
	RunID  string
	Status string
}

func (e RunChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e RunChangedEvent) GetRunID() string      { return e.RunID }

// PushReceivedEvent is published by the Git Host's push-hook stream.
type PushReceivedEvent struct {
	Metadata
	RepoID string
	Ref    string
	OldSHA string
	NewSHA string
}

func (e PushReceivedEvent) GetMetadata() Metadata { return e.Metadata }
func (e PushReceivedEvent) GetRepoID() string     { return e.RepoID }

// DebugBreakpointEvent is published when the Pipeline Engine pauses a run at
// a configured breakpoint.
type DebugBreakpointEvent struct {
	Metadata
	RunID     string
	SessionID string
	StepIndex int
}

func (e DebugBreakpointEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugBreakpointEvent) GetRunID() string      { return e.RunID }

// DebugResumeEvent is published when a DebugSession resumes a paused run.
type DebugResumeEvent struct {
	Metadata
	RunID     string
	SessionID string
}

func (e DebugResumeEvent) GetMetadata() Metadata { return e.Metadata }
func (e DebugResumeEvent) GetRunID() string      { return e.RunID }

// PoolStatsEvent summarizes runner pool occupancy for the Broadcast
// Gateway's debounced pool_stats message (spec §4.J).
type PoolStatsEvent struct {
	Metadata
	Idle  int
	Busy  int
	Dead  int
	Total int
}

func (e PoolStatsEvent) GetMetadata() Metadata { return e.Metadata }
