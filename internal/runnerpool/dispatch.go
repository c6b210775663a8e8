// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runnerpool

import (
	"encoding/json"
	"time"

	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store/models"
)

// Run starts the Registry's background dispatch and liveness sweeps. It
// blocks until Stop is called, so callers should invoke it in its own
// goroutine from the composition root.
func (reg *Registry) Run() {
	dispatchTicker := time.NewTicker(2 * time.Second)
	livenessTicker := time.NewTicker(reg.cfg.HeartbeatInterval)
	statsTicker := time.NewTicker(5 * time.Second)
	defer dispatchTicker.Stop()
	defer livenessTicker.Stop()
	defer statsTicker.Stop()

	for {
		select {
		case <-reg.stop:
			return
		case <-reg.q.Notify():
			reg.tryDispatchAll()
		case <-dispatchTicker.C:
			reg.tryDispatchAll()
		case <-livenessTicker.C:
			reg.sweepDeadRunners()
			reg.failStalePinnedJobs()
		case <-statsTicker.C:
			reg.publishPoolStats()
		}
	}
}

// publishPoolStats summarizes current runner occupancy for the Broadcast
// Gateway's debounced pool_stats message (spec §4.J).
func (reg *Registry) publishPoolStats() {
	if reg.bus == nil {
		return
	}
	runners, err := reg.st.ListRunners()
	if err != nil {
		return
	}
	stats := protocol.PoolStatsEvent{Total: len(runners)}
	for _, r := range runners {
		switch r.Status {
		case models.RunnerStatusIdle:
			stats.Idle++
		case models.RunnerStatusAssigned, models.RunnerStatusBusy:
			stats.Busy++
		case models.RunnerStatusDead:
			stats.Dead++
		}
	}
	reg.bus.Publish(stats)
}

// tryDispatchAll attempts to claim and dispatch a job for every currently
// idle connected runner (spec §4.E Dispatch).
func (reg *Registry) tryDispatchAll() {
	reg.mu.RLock()
	conns := make([]*runnerConn, 0, len(reg.conns))
	for _, c := range reg.conns {
		conns = append(conns, c)
	}
	reg.mu.RUnlock()

	for _, rc := range conns {
		runner, err := reg.st.GetRunner(rc.runnerID)
		if err != nil || runner.Status != models.RunnerStatusIdle {
			continue
		}
		// Continuation pinning (spec §5, §9): Queue.Claim only ever returns a
		// job this runner is allowed to run, unpinned or pinned to this
		// runner's own id, so a pinned job simply waits in the queue for its
		// pinned runner rather than failing out under some other idle one.
		job, err := reg.q.Claim(runner.RunnerType, runner.ID)
		if err != nil {
			continue
		}
		reg.dispatchJob(rc, job)
	}
}

// failStalePinnedJobs fails queued continuation jobs whose pinned runner is
// no longer idle (spec §5: "fails only if that runner is no longer idle"),
// so a step pinned to a runner that died doesn't sit in the queue forever
// waiting for a claim that can never come.
func (reg *Registry) failStalePinnedJobs() {
	jobs, err := reg.st.ListQueuedJobs()
	if err != nil {
		return
	}
	for _, job := range jobs {
		if job.PinnedRunnerID == "" {
			continue
		}
		runner, err := reg.st.GetRunner(job.PinnedRunnerID)
		if err == nil && runner.Status == models.RunnerStatusIdle {
			continue
		}
		if !reg.q.Remove(job.RunnerType, job.ID) {
			continue
		}
		poolLog.Warn().Str("job_id", job.ID).Str("pinned_runner_id", job.PinnedRunnerID).
			Msg("pinned runner no longer idle, failing continuation job")
		reg.st.CompleteJob(job.ID, models.JobStatusFailed,
			"continuation runner unavailable", "", nil)
	}
}

func (reg *Registry) dispatchJob(rc *runnerConn, job *models.Job) {
	cloneURL := ""
	if job.CardID != "" {
		if card, err := reg.st.GetCard(job.CardID); err == nil {
			if repo, err := reg.st.GetRepo(card.RepoID); err == nil {
				cloneURL = repo.CloneURL
			}
		}
	}

	payload := protocol.RunJobPayload{
		JobID:        job.ID,
		RepoCloneURL: cloneURL,
		StepConfig: protocol.StepConfig{
			Kind:       string(job.StepConfig.Kind),
			Prompt:     job.StepConfig.Prompt,
			AgentFiles: job.StepConfig.AgentFiles,
			Command:    job.StepConfig.Command,
			Workdir:    job.StepConfig.Workdir,
			Image:      job.StepConfig.Image,
			Env:        job.StepConfig.Env,
			Volumes:    job.StepConfig.Volumes,
		},
		Continuation: job.Continuation,
		DeadlineUnix: job.Deadline.Unix(),
		Ephemeral:    job.Ephemeral,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		poolLog.Error().Err(err).Str("job_id", job.ID).Msg("failed to marshal run_job payload")
		return
	}

	ack := make(chan bool, 1)
	rc.mu.Lock()
	rc.pendingJob = job.ID
	rc.pendingAck = ack
	rc.mu.Unlock()

	rc.send <- protocol.RunnerMessage{Type: protocol.MsgRunJob, Payload: data}
	go reg.awaitAck(rc, job, ack)
}

// awaitAck waits for a job_ack within the Registry's configured ack timeout
// (spec §4.E: "a runner that fails to ack within the timeout has its job
// released back to the queue").
func (reg *Registry) awaitAck(rc *runnerConn, job *models.Job, ack chan bool) {
	select {
	case accepted := <-ack:
		if accepted {
			poolLog.Debug().Str("job_id", job.ID).Str("runner_id", rc.runnerID).Msg("job acked")
			return
		}
		reg.releaseAndRequeue(job)
	case <-time.After(reg.cfg.AckTimeout):
		rc.mu.Lock()
		rc.pendingAck = nil
		rc.pendingJob = ""
		rc.mu.Unlock()
		poolLog.Warn().Str("job_id", job.ID).Str("runner_id", rc.runnerID).Msg("ack timeout, releasing job")
		reg.releaseAndRequeue(job)
	}
}

func (reg *Registry) releaseAndRequeue(job *models.Job) {
	if err := reg.st.ReleaseJob(job.ID); err != nil {
		poolLog.Warn().Err(err).Str("job_id", job.ID).Msg("failed to release job")
		return
	}
	reg.q.Requeue(job.RunnerType, job.ID)
}

// sweepDeadRunners marks runners whose heartbeat is older than
// HeartbeatMissesToDead intervals as dead, releasing their in-flight job back
// to the queue (spec §4.E liveness).
func (reg *Registry) sweepDeadRunners() {
	deadline := time.Now().Add(-time.Duration(reg.cfg.HeartbeatMissesToDead) * reg.cfg.HeartbeatInterval)
	stale, err := reg.st.ListStaleRunners(deadline)
	if err != nil {
		poolLog.Warn().Err(err).Msg("failed to list stale runners")
		return
	}
	for _, r := range stale {
		if r.CurrentJobID != "" {
			if err := reg.st.ReleaseJob(r.CurrentJobID); err == nil {
				reg.q.Requeue(r.RunnerType, r.CurrentJobID)
			}
		}
		if err := reg.st.SetRunnerStatus(r.ID, models.RunnerStatusDead); err != nil {
			poolLog.Warn().Err(err).Str("runner_id", r.ID).Msg("failed to mark runner dead")
			continue
		}
		reg.mu.RLock()
		rc, connected := reg.conns[r.ID]
		reg.mu.RUnlock()
		if connected {
			rc.conn.Close()
		}
		poolLog.Warn().Str("runner_id", r.ID).Msg("runner marked dead on missed heartbeats")
	}
}

// Cancel requests cancellation of the job currently running on runnerID, and
// force-closes the connection if it hasn't stopped within the configured
// grace period (spec §4.E: cancellation has a 15s grace period).
func (reg *Registry) Cancel(runnerID, jobID string) error {
	reg.mu.RLock()
	rc, ok := reg.conns[runnerID]
	reg.mu.RUnlock()
	if !ok {
		return reg.st.ReleaseJob(jobID)
	}

	data, _ := json.Marshal(protocol.CancelJobPayload{JobID: jobID})
	rc.send <- protocol.RunnerMessage{Type: protocol.MsgCancelJob, Payload: data}

	go func() {
		time.Sleep(reg.cfg.CancelGracePeriod)
		job, err := reg.st.GetJob(jobID)
		if err != nil || job.IsTerminal() {
			return
		}
		poolLog.Warn().Str("job_id", jobID).Str("runner_id", runnerID).
			Msg("cancellation grace period elapsed, forcing runner disconnect")
		rc.conn.Close()
	}()
	return nil
}

// Shutdown asks every connected runner to stop accepting new work.
func (reg *Registry) Shutdown() {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	data, _ := json.Marshal(protocol.ShutdownPayload{})
	for _, rc := range reg.conns {
		rc.send <- protocol.RunnerMessage{Type: protocol.MsgShutdown, Payload: data}
	}
}
