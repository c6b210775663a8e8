// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runnerpool

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/queue"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

func setupTestRegistry(t *testing.T, name string) (*Registry, *store.Store, *queue.Queue) {
	testDBName := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(testDBName) })

	st, err := store.New(&config.DatabaseConfig{Driver: "sqlite", Database: testDBName}, eventbus.New())
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())

	q := queue.New(st)
	cfg := config.RunnerRegistryConfig{
		HeartbeatInterval:     5 * time.Second,
		HeartbeatMissesToDead: 3,
		AckTimeout:            30 * time.Second,
		CancelGracePeriod:     15 * time.Second,
	}
	return New(st, q, eventbus.New(), cfg), st, q
}

func TestHandleJobResultCompletesJobAndFreesRunner(t *testing.T) {
	reg, st, _ := setupTestRegistry(t, "result_complete")

	repo, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	card, err := st.CreateCard(&models.Card{RepoID: repo.ID, Title: "do the thing"})
	require.NoError(t, err)
	job, err := st.CreateJob(&models.Job{CardID: card.ID, RunnerType: "docker"})
	require.NoError(t, err)
	runner, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)
	_, err = st.ClaimJob(job.ID, runner.ID)
	require.NoError(t, err)

	rc := &runnerConn{runnerID: runner.ID}
	reg.handleJobResult(rc, protocol.JobResultPayload{
		JobID:      job.ID,
		Status:     "completed",
		BranchName: "feature/x",
	})

	gotJob, err := st.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, gotJob.Status)

	gotRunner, err := st.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStatusIdle, gotRunner.Status)
}

func TestSweepDeadRunnersRequeuesInFlightJob(t *testing.T) {
	reg, st, q := setupTestRegistry(t, "sweep_dead")

	repo, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	card, err := st.CreateCard(&models.Card{RepoID: repo.ID, Title: "do the thing"})
	require.NoError(t, err)
	job, err := st.CreateJob(&models.Job{CardID: card.ID, RunnerType: "docker"})
	require.NoError(t, err)
	runner, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)
	_, err = st.ClaimJob(job.ID, runner.ID)
	require.NoError(t, err)

	// A freshly recorded heartbeat survives the first sweep; zeroing
	// HeartbeatMissesToDead below then makes that same heartbeat stale.
	require.NoError(t, st.Heartbeat(runner.ID))
	reg.sweepDeadRunners() // heartbeat is recent; should be a no-op yet
	gotRunner, err := st.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStatusAssigned, gotRunner.Status)

	reg.cfg.HeartbeatMissesToDead = 0 // deadline becomes "now", any heartbeat counts as stale
	reg.sweepDeadRunners()

	gotRunner, err = st.GetRunner(runner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunnerStatusDead, gotRunner.Status)
	assert.Equal(t, 1, q.Len("docker"), "in-flight job must be requeued when its runner dies")
}
