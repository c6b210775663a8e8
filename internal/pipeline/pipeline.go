// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline implements the Pipeline Engine of spec §4.G: a
// per-PipelineRun cooperative task driving Pending -> Running(step_i) ->
// Terminal(passed|failed|cancelled), with routing verbs and a
// .lazyaf-context/ working-branch commit per step.
//
// Grounded on internal/orchestrator/models/pipeline.go's StepDefinition/
// StepResult shapes, and on the execute -> record -> advance loop in
// other_examples/b907b15a_buildbeaver-buildbeaver__backend-runner-orchestrator.go.go's
// Orchestrator.Run/walkSteps, adapted from in-process step execution to
// Job Queue enqueue + Event Bus wait (replacing the teacher's Temporal
// activity dispatch per spec §9's explicit re-architecture note).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/queue"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

var pipeLog = logger.GetPipelineLogger()

// CardStarter is the narrow slice of the Card Service the Engine needs for
// the trigger:<card_id> routing verb, kept as an interface so this package
// does not import internal/cards directly.
type CardStarter interface {
	Start(cardID string) (*models.Card, error)
}

// Breakpointer is the narrow slice of the Debug Controller the Engine
// consults before dispatching each step (spec §4.I). CheckBreakpoint
// returns paused=true when stepIndex hit an active session's breakpoint
// set; the Engine then skips dispatch and waits for ResumeStep to be driven
// by the session's resume operation. Set post-construction via
// SetBreakpointer to break the debugctl<->pipeline import cycle.
type Breakpointer interface {
	CheckBreakpoint(runID string, stepIndex int) (paused bool, err error)
}

// Service drives every active PipelineRun. Per-run execution is strictly
// sequential (spec §5: "no two steps of the same run execute in parallel"),
// enforced by a lock striped by run id.
type Service struct {
	st    *store.Store
	q     *queue.Queue
	git   *githost.Host
	bus   *eventbus.Bus
	cards CardStarter
	cfg   config.PipelineConfig

	debugMu sync.RWMutex
	debug   Breakpointer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer // step_run_id -> timeout timer
}

// SetBreakpointer wires the Debug Controller in after construction, since
// debugctl.New takes a Service as its Dispatcher. Safe to call once during
// composition-root wiring, before Run starts serving events.
func (s *Service) SetBreakpointer(b Breakpointer) {
	s.debugMu.Lock()
	s.debug = b
	s.debugMu.Unlock()
}

func (s *Service) breakpointer() Breakpointer {
	s.debugMu.RLock()
	defer s.debugMu.RUnlock()
	return s.debug
}

func New(st *store.Store, q *queue.Queue, git *githost.Host, bus *eventbus.Bus, cards CardStarter, cfg config.PipelineConfig) *Service {
	return &Service{
		st: st, q: q, git: git, bus: bus, cards: cards, cfg: cfg,
		locks:  make(map[string]*sync.Mutex),
		timers: make(map[string]*time.Timer),
	}
}

func (s *Service) lockFor(runID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// Launch creates a PipelineRun for pipelineID and dispatches its first step.
func (s *Service) Launch(ctx context.Context, pipelineID string, triggerType models.TriggerKind, triggerRef string, tctx models.TriggerContext) (*models.PipelineRun, error) {
	pipeline, err := s.st.GetPipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	if len(pipeline.Steps) == 0 {
		return nil, apperr.New(apperr.KindClientInput, "pipeline has no steps")
	}

	run, err := s.st.CreatePipelineRun(&models.PipelineRun{
		PipelineID:  pipeline.ID,
		TriggerType: triggerType,
		TriggerRef:  triggerRef,
		Context:     tctx,
		StepsTotal:  len(pipeline.Steps),
	})
	if err != nil {
		return nil, err
	}

	branch := fmt.Sprintf("lazyaf/run-%s", run.ID)
	base := triggerRef
	if base == "" {
		base = "HEAD"
	}
	if err := s.git.EnsureWorkingBranch(ctx, s.repoIDFor(pipeline), branch, base); err != nil {
		pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to create working branch for run")
	}
	run, err = s.st.AdvancePipelineRun(run.ID, run.Version, func(r *models.PipelineRun) {
		r.Status = models.RunStatusRunning
		r.WorkingBranch = branch
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatchStep(ctx, pipeline, run, 0); err != nil {
		return nil, err
	}
	return run, nil
}

// repoIDFor is a placeholder seam: Pipeline rows are repo-scoped already
// (RepoID), so this simply returns it; kept as a method for call-site
// clarity at the Engine's one git-repo boundary.
func (s *Service) repoIDFor(p *models.Pipeline) string { return p.RepoID }

// dispatchStep materializes a Job for stepIndex and enqueues it, or marks
// the run terminal=passed if stepIndex is past the last step.
func (s *Service) dispatchStep(ctx context.Context, pipeline *models.Pipeline, run *models.PipelineRun, stepIndex int) error {
	return s.dispatchStepChecked(ctx, pipeline, run, stepIndex, true)
}

// ResumeStep dispatches stepIndex without consulting the Debug Controller,
// since the caller (debugctl.Service.Resume) has already cleared the
// breakpoint that paused it.
func (s *Service) ResumeStep(ctx context.Context, runID string, stepIndex int) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.st.GetPipelineRun(runID)
	if err != nil {
		return err
	}
	pipeline, err := s.st.GetPipeline(run.PipelineID)
	if err != nil {
		return err
	}
	return s.dispatchStepChecked(ctx, pipeline, run, stepIndex, false)
}

func (s *Service) dispatchStepChecked(ctx context.Context, pipeline *models.Pipeline, run *models.PipelineRun, stepIndex int, checkBreakpoint bool) error {
	if stepIndex >= len(pipeline.Steps) {
		return s.finishRun(run.ID, models.RunStatusPassed)
	}

	if checkBreakpoint {
		if bp := s.breakpointer(); bp != nil {
			paused, err := bp.CheckBreakpoint(run.ID, stepIndex)
			if err != nil {
				pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("breakpoint check failed, dispatching anyway")
			} else if paused {
				pipeLog.Info().Str("run_id", run.ID).Int("step_index", stepIndex).Msg("run paused at breakpoint")
				return nil
			}
		}
	}

	step := pipeline.Steps[stepIndex]

	sr, err := s.st.CreateStepRun(&models.StepRun{
		RunID:     run.ID,
		StepIndex: stepIndex,
		StepName:  step.Name,
	})
	if err != nil {
		return err
	}

	runnerType := step.RunnerType
	if runnerType == "" {
		runnerType = "any"
	}

	job := &models.Job{
		RunnerType:   runnerType,
		StepConfig:   step.Config,
		Continuation: step.ContinueInContext,
		Deadline:     time.Now().Add(s.stepTimeout(step)),
	}

	if step.ContinueInContext && stepIndex > 0 {
		if pinned, err := s.pinnedRunnerFor(run.ID, stepIndex-1); err == nil {
			job.PinnedRunnerID = pinned
		}
	}

	job, err = s.st.CreateJob(job)
	if err != nil {
		return err
	}
	s.q.Enqueue(job.RunnerType, job.ID)

	if _, err := s.st.StartStepRun(sr.ID, job.ID); err != nil {
		return err
	}
	if _, err := s.st.AdvancePipelineRun(run.ID, run.Version, func(r *models.PipelineRun) {
		r.CurrentStepIndex = stepIndex
	}); err != nil {
		return err
	}

	s.armStepTimeout(sr.ID, job.ID, s.stepTimeout(step))
	return nil
}

func (s *Service) stepTimeout(step models.StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout) * time.Second
	}
	return s.cfg.DefaultStepTimeout
}

// pinnedRunnerFor looks up the runner that executed a prior step's job, for
// continue_in_context pinning (spec §4.G, §5).
func (s *Service) pinnedRunnerFor(runID string, stepIndex int) (string, error) {
	runs, err := s.st.ListStepRuns(runID)
	if err != nil {
		return "", err
	}
	for _, r := range runs {
		if r.StepIndex == stepIndex && r.JobID != "" {
			job, err := s.st.GetJob(r.JobID)
			if err != nil {
				return "", err
			}
			return job.RunnerID, nil
		}
	}
	return "", apperr.New(apperr.KindClientInput, "no prior step run found to pin continuation to")
}

func (s *Service) armStepTimeout(stepRunID, jobID string, d time.Duration) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.timers[stepRunID] = time.AfterFunc(d, func() {
		pipeLog.Warn().Str("step_run_id", stepRunID).Str("job_id", jobID).Msg("step timed out")
		s.st.CompleteJob(jobID, models.JobStatusFailed, "step timeout", "", nil)
	})
}

func (s *Service) disarmStepTimeout(stepRunID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[stepRunID]; ok {
		t.Stop()
		delete(s.timers, stepRunID)
	}
}

// finishRun applies a terminal status to a run.
func (s *Service) finishRun(runID string, status models.RunStatus) error {
	run, err := s.st.GetPipelineRun(runID)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.st.AdvancePipelineRun(runID, run.Version, func(r *models.PipelineRun) {
		r.Status = status
		r.CompletedAt = &now
	})
	return err
}

// Cancel short-circuits a run to terminal=cancelled, cancelling the current
// step's job.
func (s *Service) Cancel(runID string) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.st.GetPipelineRun(runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}
	runs, err := s.st.ListStepRuns(runID)
	if err != nil {
		return err
	}
	for _, sr := range runs {
		if sr.StepIndex == run.CurrentStepIndex && sr.JobID != "" {
			s.st.CompleteJob(sr.JobID, models.JobStatusFailed, "run cancelled", "", nil)
		}
	}
	return s.finishRun(runID, models.RunStatusCancelled)
}

// onJobTerminal handles a job_changed event for a Job belonging to a
// StepRun: records the step outcome, writes its context log, and routes to
// the next step per the completed step's routing verb.
func (s *Service) onJobTerminal(jobID string) {
	sr, err := s.st.GetStepRunByJobID(jobID)
	if err != nil || sr == nil {
		return
	}
	lock := s.lockFor(sr.RunID)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.st.GetJob(jobID)
	if err != nil || !job.IsTerminal() {
		return
	}
	s.disarmStepTimeout(sr.ID)

	stepStatus := models.RunStatusPassed
	if job.Status == models.JobStatusFailed {
		stepStatus = models.RunStatusFailed
	}
	sr, err = s.st.CompleteStepRun(sr.ID, stepStatus, job.Error)
	if err != nil {
		pipeLog.Warn().Err(err).Str("step_run_id", sr.ID).Msg("failed to complete step run")
		return
	}

	run, err := s.st.GetPipelineRun(sr.RunID)
	if err != nil || run.IsTerminal() {
		return
	}
	pipeline, err := s.st.GetPipeline(run.PipelineID)
	if err != nil || sr.StepIndex >= len(pipeline.Steps) {
		return
	}
	step := pipeline.Steps[sr.StepIndex]

	ctx := context.Background()
	s.writeContextLog(ctx, pipeline, run, sr, step, job)

	verb := step.OnSuccess
	if stepStatus == models.RunStatusFailed {
		verb = step.OnFailure
	}
	s.route(ctx, pipeline, run, sr.StepIndex, verb, stepStatus)
}

// contextMetadata is metadata.json's shape in the context directory (spec
// §4.G "Context directory"), rewritten on every step completion so a
// continuation step, or a debug session inspecting a run mid-flight, can
// resolve a step's stable id to its log file without walking run history.
type contextMetadata struct {
	RunID          string            `json:"run_id"`
	StepsCompleted int               `json:"steps_completed"`
	StepIDMap      map[string]string `json:"step_id_map"`
}

// contextLogName names a step's context log. A step with a stable
// StepDefinition.ID is named id_<step_id>_NNN.log, so a continue_in_context
// step (spec §4.G, §5) can locate its predecessor's log by id even if the
// pipeline is edited and step indices shift between runs; steps without one
// fall back to their index and name.
func contextLogName(step models.StepDefinition, sr *models.StepRun) string {
	if step.ID != "" {
		return fmt.Sprintf("id_%s_%03d.log", step.ID, sr.StepIndex)
	}
	if sr.StepName != "" {
		return fmt.Sprintf("step_%03d_%s.log", sr.StepIndex, sr.StepName)
	}
	return fmt.Sprintf("step_%03d.log", sr.StepIndex)
}

func (s *Service) writeContextLog(ctx context.Context, pipeline *models.Pipeline, run *models.PipelineRun, sr *models.StepRun, step models.StepDefinition, job *models.Job) {
	if run.WorkingBranch == "" {
		return
	}
	name := contextLogName(step, sr)
	relPath := s.cfg.ContextDirName + "/" + name
	msg := fmt.Sprintf("pipeline: step %d (%s) %s", sr.StepIndex, sr.StepName, sr.Status)
	if _, err := s.git.CommitFile(ctx, pipeline.RepoID, run.WorkingBranch, relPath, job.Logs, msg); err != nil {
		pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to commit step context log")
		return
	}
	s.writeContextMetadata(ctx, pipeline, run)
}

// writeContextMetadata rewrites metadata.json from the run's StepRun history,
// rather than threading running counters through the dispatch path, so it
// stays correct across process restarts and resumed debug sessions.
func (s *Service) writeContextMetadata(ctx context.Context, pipeline *models.Pipeline, run *models.PipelineRun) {
	stepRuns, err := s.st.ListStepRuns(run.ID)
	if err != nil {
		pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to list step runs for context metadata")
		return
	}

	meta := contextMetadata{RunID: run.ID, StepIDMap: map[string]string{}}
	for i := range stepRuns {
		sr := &stepRuns[i]
		if sr.Status == models.RunStatusPassed || sr.Status == models.RunStatusFailed || sr.Status == models.RunStatusCancelled {
			meta.StepsCompleted++
		}
		if sr.StepIndex >= len(pipeline.Steps) {
			continue
		}
		step := pipeline.Steps[sr.StepIndex]
		if step.ID == "" {
			continue
		}
		meta.StepIDMap[step.ID] = contextLogName(step, sr)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to marshal context metadata")
		return
	}
	relPath := s.cfg.ContextDirName + "/metadata.json"
	msg := fmt.Sprintf("pipeline: update context metadata (%d/%d steps completed)", meta.StepsCompleted, len(pipeline.Steps))
	if _, err := s.git.CommitFile(ctx, pipeline.RepoID, run.WorkingBranch, relPath, string(data), msg); err != nil {
		pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to commit context metadata")
	}
}

// route applies the completed step's routing verb (spec §4.G). stepStatus is
// the just-completed step's outcome (passed or failed), which is also the
// run's terminal status for the "stop" verb.
func (s *Service) route(ctx context.Context, pipeline *models.Pipeline, run *models.PipelineRun, completedIndex int, verb string, stepStatus models.RunStatus) {
	switch {
	case verb == "" || verb == "next":
		s.dispatchStep(ctx, pipeline, run, completedIndex+1)

	case verb == "stop":
		s.finishRun(run.ID, stepStatus)

	case len(verb) > len("trigger:pipeline:") && verb[:len("trigger:pipeline:")] == "trigger:pipeline:":
		targetID := verb[len("trigger:pipeline:"):]
		if _, err := s.Launch(ctx, targetID, run.TriggerType, run.TriggerRef, run.Context); err != nil {
			pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("failed to launch triggered pipeline")
		}
		s.dispatchStep(ctx, pipeline, run, completedIndex+1)

	case len(verb) > len("trigger:") && verb[:len("trigger:")] == "trigger:":
		cardID := verb[len("trigger:"):]
		if s.cards != nil {
			if _, err := s.cards.Start(cardID); err != nil {
				pipeLog.Warn().Err(err).Str("run_id", run.ID).Str("card_id", cardID).Msg("failed to start triggered card")
			}
		}
		s.dispatchStep(ctx, pipeline, run, completedIndex+1)

	case len(verb) > len("merge:") && verb[:len("merge:")] == "merge:":
		target := verb[len("merge:"):]
		s.mergeAndFinish(ctx, pipeline.RepoID, run, target)

	default:
		pipeLog.Warn().Str("verb", verb).Msg("unrecognized routing verb, treating as next")
		s.dispatchStep(ctx, pipeline, run, completedIndex+1)
	}
}

func (s *Service) mergeAndFinish(ctx context.Context, repoID string, run *models.PipelineRun, target string) {
	result, err := s.git.MergeBranch(ctx, repoID, target, run.WorkingBranch)
	if err != nil {
		pipeLog.Warn().Err(err).Str("run_id", run.ID).Msg("merge verb failed")
		s.finishRun(run.ID, models.RunStatusFailed)
		return
	}
	if !result.Succeeded {
		s.finishRun(run.ID, models.RunStatusFailed)
		return
	}
	s.git.RemoveContextDir(ctx, repoID, run.WorkingBranch, s.cfg.ContextDirName)
	s.finishRun(run.ID, models.RunStatusPassed)
}

// Run subscribes to job_changed events and drives step completion for every
// active PipelineRun. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe(protocol.EventJobChanged)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			jc, ok := event.(protocol.JobChangedEvent)
			if !ok {
				continue
			}
			s.onJobTerminal(jc.JobID)
		}
	}
}
