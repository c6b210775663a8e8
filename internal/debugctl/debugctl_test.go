// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package debugctl

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

type fakeEngine struct {
	launched []string
	resumed  []int
	cancelled []string
	runStatus models.RunStatus
}

func (f *fakeEngine) Launch(ctx context.Context, pipelineID string, triggerType models.TriggerKind, triggerRef string, tctx models.TriggerContext) (*models.PipelineRun, error) {
	f.launched = append(f.launched, pipelineID)
	return &models.PipelineRun{ID: "rerun-1", PipelineID: pipelineID, Status: models.RunStatusRunning}, nil
}

func (f *fakeEngine) Cancel(runID string) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeEngine) ResumeStep(ctx context.Context, runID string, stepIndex int) error {
	f.resumed = append(f.resumed, stepIndex)
	return nil
}

func setupTestService(t *testing.T, name string) (*Service, *store.Store, *fakeEngine) {
	testDBName := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(testDBName) })

	bus := eventbus.New()
	st, err := store.New(&config.DatabaseConfig{Driver: "sqlite", Database: testDBName}, bus)
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())

	engine := &fakeEngine{}
	cfg := config.DebugConfig{DefaultExpiry: time.Hour, MaxExpiry: 4 * time.Hour}
	return New(st, bus, engine, cfg), st, engine
}

func TestCheckBreakpointPausesOnceThenLetsRetriesThrough(t *testing.T) {
	svc, st, _ := setupTestService(t, "debug_checkbp")

	pl, err := st.CreatePipeline(&models.Pipeline{Name: "ci", Steps: models.StepDefinitions{{Name: "a"}, {Name: "b"}}})
	require.NoError(t, err)
	run, err := st.CreatePipelineRun(&models.PipelineRun{PipelineID: pl.ID, StepsTotal: 2})
	require.NoError(t, err)

	_, err = st.CreateDebugSession(&models.DebugSession{
		PipelineRunID: run.ID,
		Breakpoints:   models.IntSet{1},
		ExpiresAt:     time.Now().Add(time.Hour),
		JoinToken:     "tok",
	})
	require.NoError(t, err)

	paused, err := svc.CheckBreakpoint(run.ID, 0)
	require.NoError(t, err)
	assert.False(t, paused, "step 0 is not in the breakpoint set")

	paused, err = svc.CheckBreakpoint(run.ID, 1)
	require.NoError(t, err)
	assert.True(t, paused)

	session, err := st.GetDebugSessionByRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebugSessionWaitingAtBP, session.Status)

	// a resumed session whose current_step has advanced past stepIndex
	// should not re-pause a stale retry of the same index.
	_, err = st.TransitionDebugSession(session.ID, session.Version, func(d *models.DebugSession) {
		d.CurrentStep = 2
	})
	require.NoError(t, err)
	paused, err = svc.CheckBreakpoint(run.ID, 1)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestStartRerunCreatesSessionWithToken(t *testing.T) {
	svc, st, engine := setupTestService(t, "debug_startrerun")
	ctx := context.Background()

	pl, err := st.CreatePipeline(&models.Pipeline{Name: "ci", Steps: models.StepDefinitions{{Name: "a"}}})
	require.NoError(t, err)
	original, err := st.CreatePipelineRun(&models.PipelineRun{PipelineID: pl.ID, StepsTotal: 1})
	require.NoError(t, err)

	run, session, token, err := svc.StartRerun(ctx, original.ID, []int{0}, "main", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{pl.ID}, engine.launched)
	assert.Equal(t, run.ID, session.PipelineRunID)
	assert.NotEmpty(t, token)
	assert.Equal(t, models.IntSet{0}, session.Breakpoints)
}

func TestResumeRequiresValidToken(t *testing.T) {
	svc, st, engine := setupTestService(t, "debug_resume")

	session, err := st.CreateDebugSession(&models.DebugSession{
		PipelineRunID: "run-1",
		Breakpoints:   models.IntSet{1},
		ExpiresAt:     time.Now().Add(time.Hour),
		JoinToken:     "secret",
	})
	require.NoError(t, err)

	_, err = svc.Resume(context.Background(), session.ID, "")
	assert.Error(t, err, "resume without the join token should be rejected")

	_, err = st.TransitionDebugSession(session.ID, session.Version, func(d *models.DebugSession) {
		d.Status = models.DebugSessionWaitingAtBP
		d.CurrentStep = 1
	})
	require.NoError(t, err)

	_, err = svc.Resume(context.Background(), session.ID, "wrong-token")
	assert.Error(t, err)

	resumed, err := svc.Resume(context.Background(), session.ID, "secret")
	require.NoError(t, err)
	assert.Equal(t, models.DebugSessionConnected, resumed.Status)
	assert.Equal(t, []int{1}, engine.resumed)
}

func TestAbortCancelsRunAndEndsSession(t *testing.T) {
	svc, st, engine := setupTestService(t, "debug_abort")

	session, err := st.CreateDebugSession(&models.DebugSession{
		PipelineRunID: "run-2",
		Breakpoints:   models.IntSet{0},
		ExpiresAt:     time.Now().Add(time.Hour),
		JoinToken:     "tok",
	})
	require.NoError(t, err)

	ended, err := svc.Abort(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebugSessionEnded, ended.Status)
	assert.Equal(t, []string{"run-2"}, engine.cancelled)
}

func TestReapExpiredAbortsPastDeadline(t *testing.T) {
	svc, st, engine := setupTestService(t, "debug_reap")

	session, err := st.CreateDebugSession(&models.DebugSession{
		PipelineRunID: "run-3",
		Breakpoints:   models.IntSet{0},
		ExpiresAt:     time.Now().Add(-time.Minute),
		JoinToken:     "tok",
	})
	require.NoError(t, err)

	svc.ReapExpired(context.Background())

	got, err := st.GetDebugSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DebugSessionTimeout, got.Status)
	assert.Contains(t, engine.cancelled, "run-3")
}
