// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

func setupTestStore(t *testing.T, name string) *store.Store {
	testDBName := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(testDBName) })

	s, err := store.New(&config.DatabaseConfig{Driver: "sqlite", Database: testDBName}, eventbus.New())
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestRebuildRestoresQueuedJobsOnly(t *testing.T) {
	st := setupTestStore(t, "queue_rebuild")

	r, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	c, err := st.CreateCard(&models.Card{RepoID: r.ID, Title: "do the thing"})
	require.NoError(t, err)

	queued, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)
	running, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)
	runner, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)
	_, err = st.ClaimJob(running.ID, runner.ID)
	require.NoError(t, err)

	q := New(st)
	require.NoError(t, q.Rebuild())

	assert.Equal(t, 1, q.Len("docker"))
	assert.Equal(t, queued.ID, q.Peek("docker"))
}

func TestClaimDropsLostRaceAndAdvancesToNextJob(t *testing.T) {
	st := setupTestStore(t, "queue_claim_race")

	r, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	c, err := st.CreateCard(&models.Card{RepoID: r.ID, Title: "do the thing"})
	require.NoError(t, err)

	j1, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)
	j2, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)

	q := New(st)
	q.Enqueue(j1.RunnerType, j1.ID)
	q.Enqueue(j2.RunnerType, j2.ID)

	runnerA, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)
	runnerB, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)

	// runnerA wins the Store-level claim out of band, simulating another
	// dispatcher already having claimed the head job before this Claim runs.
	_, err = st.ClaimJob(j1.ID, runnerA.ID)
	require.NoError(t, err)

	claimed, err := q.Claim("docker", runnerB.ID)
	require.NoError(t, err)
	assert.Equal(t, j2.ID, claimed.ID, "Claim should skip the already-claimed head and land on the next queued job")
}

func TestRequeuePutsJobAtFrontAheadOfLaterArrivals(t *testing.T) {
	st := setupTestStore(t, "queue_requeue")

	r, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	c, err := st.CreateCard(&models.Card{RepoID: r.ID, Title: "do the thing"})
	require.NoError(t, err)
	j1, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)
	j2, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)

	q := New(st)
	q.Enqueue("docker", j1.ID)

	runner, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)
	claimed, err := q.Claim("docker", runner.ID)
	require.NoError(t, err)
	require.Equal(t, j1.ID, claimed.ID)

	// An ack timeout releases the job back to the Store queue and the caller
	// requeues it in memory; a second job that arrived meanwhile must not cut
	// ahead of it.
	require.NoError(t, st.ReleaseJob(j1.ID))
	q.Enqueue("docker", j2.ID)
	q.Requeue("docker", j1.ID)

	assert.Equal(t, j1.ID, q.Peek("docker"))
}

func TestClaimSkipsJobPinnedToAnotherRunner(t *testing.T) {
	st := setupTestStore(t, "queue_claim_pinned")

	r, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	c, err := st.CreateCard(&models.Card{RepoID: r.ID, Title: "do the thing"})
	require.NoError(t, err)

	pinned, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker", PinnedRunnerID: "runner-a"})
	require.NoError(t, err)
	free, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)

	q := New(st)
	q.Enqueue(pinned.RunnerType, pinned.ID)
	q.Enqueue(free.RunnerType, free.ID)

	runnerB, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)

	claimed, err := q.Claim("docker", runnerB.ID)
	require.NoError(t, err)
	assert.Equal(t, free.ID, claimed.ID, "a non-pinned runner must not claim a job pinned to someone else")
	assert.Equal(t, pinned.ID, q.Peek("docker"), "the pinned job stays queued for its pinned runner")
}

func TestClaimLetsPinnedRunnerClaimItsJobEvenWhenNotAtFront(t *testing.T) {
	st := setupTestStore(t, "queue_claim_pinned_owner")

	r, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	c, err := st.CreateCard(&models.Card{RepoID: r.ID, Title: "do the thing"})
	require.NoError(t, err)

	runnerA, err := st.RegisterRunner("", "docker")
	require.NoError(t, err)

	other, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker"})
	require.NoError(t, err)
	pinned, err := st.CreateJob(&models.Job{CardID: c.ID, RunnerType: "docker", PinnedRunnerID: runnerA.ID})
	require.NoError(t, err)

	q := New(st)
	q.Enqueue(other.RunnerType, other.ID)
	q.Enqueue(pinned.RunnerType, pinned.ID)

	claimed, err := q.Claim("docker", runnerA.ID)
	require.NoError(t, err)
	assert.Equal(t, pinned.ID, claimed.ID, "the pinned runner claims its own continuation job ahead of the FIFO head")
}
