// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the Job Queue of spec §4.D: a process-authoritative
// in-memory FIFO, partitioned by runner type, whose membership is always
// reconstructable from the Store's job.status == queued rows. It replaces the
// teacher's Temporal task queue outright (spec §9's explicit re-architecture
// note) and has no direct teacher file to adapt, so its shape is the
// "single authoritative actor behind a mutex" pattern the teacher itself uses
// for anything shared (see internal/server/websocket.go's ClientRegistry).
package queue

import (
	"container/list"
	"sync"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

var queueLog = logger.GetQueueLogger()

// Queue holds one FIFO list per runner type. A single "any" partition serves
// jobs that don't care which runner type claims them.
type Queue struct {
	mu   sync.Mutex
	st   *store.Store
	byRT map[string]*list.List // runner_type -> *list.List of job IDs (string)

	notify chan struct{} // best-effort wakeup for waiting Dispatch loops
}

func New(st *store.Store) *Queue {
	return &Queue{
		st:     st,
		byRT:   make(map[string]*list.List),
		notify: make(chan struct{}, 1),
	}
}

// Rebuild reconstructs queue membership from the Store at startup (spec §4.D:
// "a restart rebuilds the queue from the Store by selecting jobs with
// status == queued, ordered by created_at").
func (q *Queue) Rebuild() error {
	jobs, err := q.st.ListQueuedJobs()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byRT = make(map[string]*list.List)
	for _, j := range jobs {
		q.pushLocked(j.RunnerType, j.ID)
	}
	queueLog.Info().Int("count", len(jobs)).Msg("rebuilt job queue from store")
	return nil
}

func (q *Queue) partition(runnerType string) *list.List {
	l, ok := q.byRT[runnerType]
	if !ok {
		l = list.New()
		q.byRT[runnerType] = l
	}
	return l
}

func (q *Queue) pushLocked(runnerType, jobID string) {
	q.partition(runnerType).PushBack(jobID)
}

// Enqueue adds a job's ID to the back of its runner type's FIFO. The caller
// must have already persisted the job as status == queued.
func (q *Queue) Enqueue(runnerType, jobID string) {
	q.mu.Lock()
	q.pushLocked(runnerType, jobID)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a best-effort signal whenever a job
// is enqueued, for Dispatch loops blocked waiting on idle runners.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Peek returns the head job ID for runnerType without removing it, or ""
// if empty. Callers use this to check availability before attempting a Claim.
func (q *Queue) Peek(runnerType string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.byRT[runnerType]
	if !ok || l.Len() == 0 {
		return ""
	}
	return l.Front().Value.(string)
}

// Claim pops the head job for runnerType and atomically transitions it (and
// the claiming runner) via the Store. "any" jobs match every runner type on
// the claim side (spec §4.D), so a runner declaring a concrete type also
// drains the "any" partition once its own is empty. If the Store transition
// loses a race (another dispatcher claimed it first, or the job was
// cancelled), the ID is simply dropped — the queue's in-memory copy is
// advisory, the Store is authoritative.
func (q *Queue) Claim(runnerType, runnerID string) (*models.Job, error) {
	partitions := []string{runnerType}
	if runnerType != "any" {
		partitions = append(partitions, "any")
	}

	for _, rt := range partitions {
		job, err := q.claimFrom(rt, runnerID)
		if err == nil {
			return job, nil
		}
		if apperr.KindOf(err) != apperr.KindResourceUnavailable {
			return nil, err
		}
	}
	return nil, apperr.New(apperr.KindResourceUnavailable, "no queued jobs for runner type")
}

// claimFrom walks runnerType's FIFO in order looking for the first job
// runnerID may claim: an unpinned job, or one pinned to runnerID itself
// (spec §5 continuation pinning). A job pinned to a different runner is left
// in place for that runner to claim later, rather than letting whichever
// runner reaches the front first fail it out from under its owner.
func (q *Queue) claimFrom(runnerType, runnerID string) (*models.Job, error) {
	for {
		q.mu.Lock()
		l, ok := q.byRT[runnerType]
		if !ok || l.Len() == 0 {
			q.mu.Unlock()
			return nil, apperr.New(apperr.KindResourceUnavailable, "no queued jobs for runner type")
		}
		ids := make([]string, 0, l.Len())
		for e := l.Front(); e != nil; e = e.Next() {
			ids = append(ids, e.Value.(string))
		}
		q.mu.Unlock()

		claimableID := ""
		for _, jobID := range ids {
			job, err := q.st.GetJob(jobID)
			if err != nil {
				continue
			}
			if job.PinnedRunnerID == "" || job.PinnedRunnerID == runnerID {
				claimableID = jobID
				break
			}
		}
		if claimableID == "" {
			return nil, apperr.New(apperr.KindResourceUnavailable, "no queued jobs for runner type")
		}

		q.mu.Lock()
		l, ok = q.byRT[runnerType]
		var elem *list.Element
		if ok {
			for e := l.Front(); e != nil; e = e.Next() {
				if e.Value.(string) == claimableID {
					elem = e
					break
				}
			}
		}
		if elem == nil {
			q.mu.Unlock()
			// Another dispatcher already claimed or requeued it; rescan.
			continue
		}
		l.Remove(elem)
		q.mu.Unlock()

		job, err := q.st.ClaimJob(claimableID, runnerID)
		if err == nil {
			return job, nil
		}
		if apperr.KindOf(err) == apperr.KindResourceUnavailable {
			queueLog.Debug().Str("job_id", claimableID).Msg("lost claim race, trying next queued job")
			continue
		}
		return nil, err
	}
}

// Remove drops jobID from runnerType's FIFO if present, reporting whether it
// was found. Used to pull a continuation job whose pinned runner has died
// before any runner reaches the front of the queue for it.
func (q *Queue) Remove(runnerType, jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.byRT[runnerType]
	if !ok {
		return false
	}
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == jobID {
			l.Remove(e)
			return true
		}
	}
	return false
}

// Requeue pushes a job back onto the front of its runner type's FIFO (ack
// timeout, ack refusal) so it is the next one dispatched rather than going to
// the back of the line.
func (q *Queue) Requeue(runnerType, jobID string) {
	q.mu.Lock()
	q.partition(runnerType).PushFront(jobID)
	q.mu.Unlock()
	q.wake()
}

// Len reports how many jobs are queued for runnerType.
func (q *Queue) Len(runnerType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.byRT[runnerType]
	if !ok {
		return 0
	}
	return l.Len()
}
