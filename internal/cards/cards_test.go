// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cards

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/queue"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

func setupTestService(t *testing.T, name string) (*Service, *store.Store, *queue.Queue) {
	testDBName := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(testDBName) })

	bus := eventbus.New()
	st, err := store.New(&config.DatabaseConfig{Driver: "sqlite", Database: testDBName}, bus)
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())

	q := queue.New(st)
	return New(st, q, nil, bus), st, q
}

func TestStartFailsWhenAlreadyRunning(t *testing.T) {
	svc, st, _ := setupTestService(t, "cards_start_twice")

	repo, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	card, err := svc.Create(&models.Card{RepoID: repo.ID, Title: "do the thing", RunnerType: "docker"})
	require.NoError(t, err)

	_, err = svc.Start(card.ID)
	require.NoError(t, err)

	_, err = svc.Start(card.ID)
	require.Error(t, err)
}

func TestOnJobResultMovesCardToInReviewWhenBranchProduced(t *testing.T) {
	svc, st, q := setupTestService(t, "cards_job_result")

	repo, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	card, err := svc.Create(&models.Card{RepoID: repo.ID, Title: "do the thing", RunnerType: "docker"})
	require.NoError(t, err)

	started, err := svc.Start(card.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len("docker"))

	_, err = st.CompleteJob(started.CurrentJobID, models.JobStatusCompleted, "", "feature/fix", nil)
	require.NoError(t, err)

	require.NoError(t, svc.OnJobResult(card.ID))

	got, err := st.GetCard(card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInReview, got.Status)
	assert.Equal(t, "feature/fix", got.BranchName)
}

func TestOnJobResultMovesCardToFailedOnJobFailure(t *testing.T) {
	svc, st, _ := setupTestService(t, "cards_job_failed")

	repo, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	card, err := svc.Create(&models.Card{RepoID: repo.ID, Title: "do the thing", RunnerType: "docker"})
	require.NoError(t, err)

	started, err := svc.Start(card.ID)
	require.NoError(t, err)

	_, err = st.CompleteJob(started.CurrentJobID, models.JobStatusFailed, "boom", "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.OnJobResult(card.ID))

	got, err := st.GetCard(card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusFailed, got.Status)
}

func TestRejectReturnsCardToTodo(t *testing.T) {
	svc, st, _ := setupTestService(t, "cards_reject")

	repo, err := st.CreateRepo(&models.Repo{Name: "widgets"})
	require.NoError(t, err)
	card, err := svc.Create(&models.Card{RepoID: repo.ID, Title: "do the thing", RunnerType: "docker"})
	require.NoError(t, err)
	started, err := svc.Start(card.ID)
	require.NoError(t, err)
	_, err = st.CompleteJob(started.CurrentJobID, models.JobStatusCompleted, "", "feature/fix", nil)
	require.NoError(t, err)
	require.NoError(t, svc.OnJobResult(card.ID))

	got, err := svc.Reject(card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusTodo, got.Status)
}
