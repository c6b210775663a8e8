// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "encoding/json"

// RunnerMessage is the envelope for both directions of the runner WebSocket
// protocol at /ws/runner (spec §6). Payload is re-marshalled per Type by the
// caller, mirroring the teacher's envelope/payload split in its UI protocol.
type RunnerMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Runner -> Server payloads ---

type RegisterPayload struct {
	RunnerType string `json:"runner_type"`
	RunnerID   string `json:"runner_id,omitempty"` // present on reconnect
}

type HeartbeatPayload struct{}

type JobAckPayload struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
}

type LogAppendPayload struct {
	JobID string `json:"job_id"`
	Chunk string `json:"chunk"`
	Seq   int    `json:"seq"`
}

type TestResults struct {
	Passed int  `json:"passed"`
	Failed int  `json:"failed"`
	Ran    bool `json:"ran"`
}

type JobResultPayload struct {
	JobID       string       `json:"job_id"`
	Status      string       `json:"status"` // "completed" | "failed"
	Error       string       `json:"error,omitempty"`
	BranchName  string       `json:"branch_name,omitempty"`
	TestResults *TestResults `json:"test_results,omitempty"`
}

// --- Server -> Runner payloads ---

type WelcomePayload struct {
	RunnerID string `json:"runner_id"`
}

// StepConfig is the tagged variant for step execution contracts (spec §9:
// "represent them as a tagged variant... validated at pipeline save time").
type StepConfig struct {
	Kind string `json:"kind"` // "agent" | "script" | "container"

	// Agent
	Prompt      string   `json:"prompt,omitempty"`
	AgentFiles  []string `json:"agent_files,omitempty"`

	// Script
	Command string `json:"command,omitempty"`
	Workdir string `json:"workdir,omitempty"`

	// Container
	Image   string            `json:"image,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Volumes []string          `json:"volumes,omitempty"`
}

type RunJobPayload struct {
	JobID          string     `json:"job_id"`
	RepoCloneURL   string     `json:"repo_clone_url"`
	StepConfig     StepConfig `json:"step_config"`
	Continuation   bool       `json:"continuation,omitempty"`
	DeadlineUnix   int64      `json:"deadline"`
	Ephemeral      bool       `json:"ephemeral,omitempty"` // playground job (spec §9)
}

type CancelJobPayload struct {
	JobID string `json:"job_id"`
}

type ShutdownPayload struct{}

// Message type constants for both directions.
const (
	MsgRegister   = "register"
	MsgHeartbeat  = "heartbeat"
	MsgJobAck     = "job_ack"
	MsgLogAppend  = "log_append"
	MsgJobResult  = "job_result"

	MsgWelcome  = "welcome"
	MsgRunJob   = "run_job"
	MsgCancelJob = "cancel_job"
	MsgShutdown = "shutdown"
)
