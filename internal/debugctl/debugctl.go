// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package debugctl implements the Debug Controller of spec §4.I: a
// DebugSession wraps a planned PipelineRun, pausing the Engine before any
// step whose index is in the session's breakpoint set and resuming or
// aborting on command.
//
// Grounded on internal/protocol/signals.go's Signal/Query/Update
// categorization — a doc-only file in the teacher carrying no executable
// Temporal code, only the conceptual vocabulary of "ReadWrite signals change
// workflow state, Read signals inspect it" — reinterpreted here as plain Go
// method calls over Store rows rather than Temporal signal/query primitives,
// since Temporal itself is dropped per spec §9.
package debugctl

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

var debugLog = logger.GetDebugCtlLogger()

// Dispatcher is the narrow slice of the Pipeline Engine the Debug Controller
// needs, kept as an interface so this package does not import
// internal/pipeline directly (which in turn imports this package's
// Breakpointer interface — the cycle is broken by Service.SetBreakpointer
// wiring these two together after both are constructed).
type Dispatcher interface {
	Launch(ctx context.Context, pipelineID string, triggerType models.TriggerKind, triggerRef string, tctx models.TriggerContext) (*models.PipelineRun, error)
	Cancel(runID string) error
	ResumeStep(ctx context.Context, runID string, stepIndex int) error
}

// Service manages DebugSession rows and the pause points they describe.
type Service struct {
	st     *store.Store
	bus    *eventbus.Bus
	engine Dispatcher
	cfg    config.DebugConfig
}

func New(st *store.Store, bus *eventbus.Bus, engine Dispatcher, cfg config.DebugConfig) *Service {
	return &Service{st: st, bus: bus, engine: engine, cfg: cfg}
}

// StartRerun launches a fresh PipelineRun of the pipeline backing runID and
// attaches a DebugSession with the given breakpoints to it (spec §4.I,
// `POST /pipeline-runs/{id}/debug-rerun`). triggerRef selects the commit or
// branch to start from: callers resolve use_original_commit/commit_sha/branch
// to a concrete ref before calling this.
func (s *Service) StartRerun(ctx context.Context, originalRunID string, breakpoints []int, triggerRef string, expiry time.Duration) (*models.PipelineRun, *models.DebugSession, string, error) {
	original, err := s.st.GetPipelineRun(originalRunID)
	if err != nil {
		return nil, nil, "", err
	}

	if expiry <= 0 {
		expiry = s.cfg.DefaultExpiry
	}
	if expiry > s.cfg.MaxExpiry {
		expiry = s.cfg.MaxExpiry
	}

	run, err := s.engine.Launch(ctx, original.PipelineID, original.TriggerType, triggerRef, original.Context)
	if err != nil {
		return nil, nil, "", err
	}

	token := uuid.NewString()
	session, err := s.st.CreateDebugSession(&models.DebugSession{
		PipelineRunID: run.ID,
		Breakpoints:   models.IntSet(breakpoints),
		ExpiresAt:     time.Now().Add(expiry),
		JoinToken:     token,
	})
	if err != nil {
		return nil, nil, "", err
	}
	return run, session, token, nil
}

// CheckBreakpoint implements pipeline.Breakpointer. It returns paused=true
// and transitions the session to waiting_at_bp exactly once per step index;
// a step whose index was already passed through (stale re-check after a
// retry) is not re-paused.
func (s *Service) CheckBreakpoint(runID string, stepIndex int) (bool, error) {
	session, err := s.st.GetDebugSessionByRun(runID)
	if err != nil {
		return false, err
	}
	if session == nil || !session.Breakpoints.Contains(stepIndex) {
		return false, nil
	}
	if session.Status == models.DebugSessionEnded || session.Status == models.DebugSessionTimeout {
		return false, nil
	}
	if session.CurrentStep > stepIndex {
		// already resumed past this index in an earlier attempt
		return false, nil
	}

	session, err = s.st.TransitionDebugSession(session.ID, session.Version, func(d *models.DebugSession) {
		d.Status = models.DebugSessionWaitingAtBP
		d.CurrentStep = stepIndex
	})
	if err != nil {
		return false, err
	}

	s.bus.Publish(protocol.DebugBreakpointEvent{
		RunID:     runID,
		SessionID: session.ID,
		StepIndex: stepIndex,
	})
	return true, nil
}

// Resume advances a paused session past its current breakpoint and tells the
// Engine to dispatch the step it was holding (spec §4.I: "resume — removes
// the hit index from the about-to-run set; emits debug_resume; Engine
// proceeds"). token must match the session's single-use join token on the
// first resume; subsequent resumes on an already-connected session skip the
// check (the CLI has already authenticated).
func (s *Service) Resume(ctx context.Context, sessionID, token string) (*models.DebugSession, error) {
	session, err := s.st.GetDebugSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.DebugSessionWaitingAtBP && session.Status != models.DebugSessionPending {
		return nil, apperr.New(apperr.KindClientInput, "debug session is not paused at a breakpoint")
	}
	if !session.TokenUsed {
		if token == "" || token != session.JoinToken {
			return nil, apperr.New(apperr.KindClientInput, "invalid or missing join token")
		}
	}

	resumedStep := session.CurrentStep
	session, err = s.st.TransitionDebugSession(session.ID, session.Version, func(d *models.DebugSession) {
		d.Status = models.DebugSessionConnected
		d.TokenUsed = true
		d.CurrentStep = resumedStep + 1
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(protocol.DebugResumeEvent{RunID: session.PipelineRunID, SessionID: session.ID})

	if err := s.engine.ResumeStep(ctx, session.PipelineRunID, resumedStep); err != nil {
		debugLog.Warn().Err(err).Str("session_id", session.ID).Msg("failed to resume dispatch after breakpoint")
		return session, err
	}
	return session, nil
}

// Abort sets the wrapped run to cancelled and ends the session (spec §4.I:
// "abort — sets run status to cancelled; Engine short-circuits").
func (s *Service) Abort(sessionID string) (*models.DebugSession, error) {
	session, err := s.st.GetDebugSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.DebugSessionEnded || session.Status == models.DebugSessionTimeout {
		return session, nil
	}

	if err := s.engine.Cancel(session.PipelineRunID); err != nil {
		debugLog.Warn().Err(err).Str("session_id", session.ID).Msg("failed to cancel run on debug abort")
	}

	return s.st.TransitionDebugSession(session.ID, session.Version, func(d *models.DebugSession) {
		d.Status = models.DebugSessionEnded
	})
}

// ReapExpired aborts every session past its expiry (spec §4.I: "on expiry,
// Controller auto-aborts"). Intended to be called on a periodic ticker from
// the composition root.
func (s *Service) ReapExpired(ctx context.Context) {
	sessions, err := s.st.ListExpiredDebugSessions(time.Now())
	if err != nil {
		debugLog.Warn().Err(err).Msg("failed to list expired debug sessions")
		return
	}
	for _, sess := range sessions {
		if err := s.engine.Cancel(sess.PipelineRunID); err != nil {
			debugLog.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to cancel run on debug session expiry")
		}
		if _, err := s.st.TransitionDebugSession(sess.ID, sess.Version, func(d *models.DebugSession) {
			d.Status = models.DebugSessionTimeout
		}); err != nil && apperr.KindOf(err) != apperr.KindTransientRuntime {
			debugLog.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark debug session timed out")
		}
	}
}

// Run ticks ReapExpired on a fixed interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReapExpired(ctx)
		}
	}
}
