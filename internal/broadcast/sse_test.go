// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store/models"
)

type fakeJobFetcher struct {
	job *models.Job
}

func (f *fakeJobFetcher) GetJob(id string) (*models.Job, error) {
	return f.job, nil
}

func TestServeJobLogReplaysFromLastEventID(t *testing.T) {
	job := &models.Job{ID: "job-1", Status: models.JobStatusRunning, Logs: "line1\nline2\n"}
	bus := eventbus.New()
	tail := NewLogTail(&fakeJobFetcher{job: job}, bus)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1/logs/stream", nil)
	req.Header.Set("Last-Event-ID", "6") // already has "line1\n"
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	tail.ServeJobLog(job.ID)(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: logs_batch")
	assert.Contains(t, body, "line2")
	assert.NotContains(t, body, "line1\\n") // the already-seen prefix is not resent
}

func TestServeJobLogStreamsTerminalOnCompletion(t *testing.T) {
	job := &models.Job{ID: "job-2", Status: models.JobStatusRunning, Logs: ""}
	bus := eventbus.New()
	fetcher := &fakeJobFetcher{job: job}
	tail := NewLogTail(fetcher, bus)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-2/logs/stream", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	rec := newFlushRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		fetcher.job = &models.Job{ID: "job-2", Status: models.JobStatusCompleted, Logs: "done\n"}
		bus.Publish(protocol.JobChangedEvent{JobID: "job-2", Status: string(models.JobStatusCompleted)})
	}()

	tail.ServeJobLog("job-2")(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "event: complete")

	reader := bufio.NewReader(strings.NewReader(body))
	_, err := reader.ReadString('\n')
	require.NoError(t, err)
}

// flushRecorder wraps httptest.ResponseRecorder with a no-op Flush, which
// shadows the recorder's own Flush.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func (f *flushRecorder) Flush() {}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}
