// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package trigger implements the Trigger Service of spec §4.H: matches
// card_changed and push_received events against each repo's Pipeline
// trigger definitions, deduplicates within a 60s window, launches runs, and
// applies on_pass/on_fail terminal actions back onto the originating Card.
//
// New code: the teacher has no trigger bus, only Temporal signal starts, so
// there is no direct file to adapt. Glob matching against push branches uses
// stdlib path.Match — justified, no pack library specializes in shell-style
// globbing beyond what stdlib covers for the single-segment patterns this
// spec requires (e.g. "release/*"); adding a dependency for one call site
// would be exactly the kind of fabricated dependency the process forbids.
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sync"
	"time"

	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

var trigLog = logger.GetTriggerLogger()

const dedupWindow = 60 * time.Second

// Launcher is the narrow slice of the Pipeline Engine the Trigger Service
// needs, kept as an interface so this package does not import
// internal/pipeline directly.
type Launcher interface {
	Launch(ctx context.Context, pipelineID string, triggerType models.TriggerKind, triggerRef string, tctx models.TriggerContext) (*models.PipelineRun, error)
}

// Service matches events to Pipeline triggers and drives terminal actions.
type Service struct {
	st      *store.Store
	git     *githost.Host
	bus     *eventbus.Bus
	engine  Launcher

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

func New(st *store.Store, git *githost.Host, bus *eventbus.Bus, engine Launcher) *Service {
	return &Service{st: st, git: git, bus: bus, engine: engine, dedup: make(map[string]time.Time)}
}

func triggerKey(pipelineID string, kind models.TriggerKind, disambiguator string) string {
	h := sha256.Sum256([]byte(string(pipelineID) + "|" + string(kind) + "|" + disambiguator))
	return hex.EncodeToString(h[:16])
}

// seen returns true if key was already recorded within the dedup window, and
// records it if not (spec §4.H: "duplicate keys within 60s are suppressed").
func (s *Service) seen(key string) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	now := time.Now()
	for k, t := range s.dedup {
		if now.Sub(t) > dedupWindow {
			delete(s.dedup, k)
		}
	}
	if t, ok := s.dedup[key]; ok && now.Sub(t) <= dedupWindow {
		return true
	}
	s.dedup[key] = now
	return false
}

// Run subscribes to card_changed, push_received, and run_changed events and
// blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe(protocol.EventCardChanged, protocol.EventPushReceived, protocol.EventRunChanged)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e := event.(type) {
			case protocol.CardChangedEvent:
				s.onCardChanged(ctx, e)
			case protocol.PushReceivedEvent:
				s.onPushReceived(ctx, e)
			case protocol.RunChangedEvent:
				s.onRunChanged(ctx, e)
			}
		}
	}
}

func (s *Service) onCardChanged(ctx context.Context, e protocol.CardChangedEvent) {
	if e.Status != string(models.CardStatusInReview) && e.Status != string(models.CardStatusDone) {
		return
	}
	pipelines, err := s.st.ListPipelinesWithTrigger(e.RepoID)
	if err != nil {
		trigLog.Warn().Err(err).Str("repo_id", e.RepoID).Msg("failed to list pipelines for card_complete match")
		return
	}
	card, err := s.st.GetCard(e.CardID)
	if err != nil {
		return
	}

	for _, pl := range pipelines {
		for _, t := range pl.Triggers {
			if t.Kind != models.TriggerCardComplete || t.CardStatus != e.Status {
				continue
			}
			key := triggerKey(pl.ID, t.Kind, e.CardID)
			if s.seen(key) {
				continue
			}
			tctx := models.TriggerContext{CardID: card.ID, CardTitle: card.Title, Branch: card.BranchName}
			if _, err := s.engine.Launch(ctx, pl.ID, t.Kind, card.BranchName, tctx); err != nil {
				trigLog.Warn().Err(err).Str("pipeline_id", pl.ID).Msg("failed to launch card_complete triggered run")
			}
		}
	}
}

func (s *Service) onPushReceived(ctx context.Context, e protocol.PushReceivedEvent) {
	pipelines, err := s.st.ListPipelinesWithTrigger(e.RepoID)
	if err != nil {
		trigLog.Warn().Err(err).Str("repo_id", e.RepoID).Msg("failed to list pipelines for push match")
		return
	}

	for _, pl := range pipelines {
		for _, t := range pl.Triggers {
			if t.Kind != models.TriggerPush || !matchesAnyGlob(e.Ref, t.Branches) {
				continue
			}
			key := triggerKey(pl.ID, t.Kind, e.NewSHA)
			if s.seen(key) {
				continue
			}
			tctx := models.TriggerContext{Branch: e.Ref, CommitSHA: e.NewSHA, OldSHA: e.OldSHA, PushRef: e.Ref}
			if _, err := s.engine.Launch(ctx, pl.ID, t.Kind, e.Ref, tctx); err != nil {
				trigLog.Warn().Err(err).Str("pipeline_id", pl.ID).Msg("failed to launch push triggered run")
			}
		}
	}
}

func matchesAnyGlob(ref string, globs []string) bool {
	for _, g := range globs {
		if ok, err := path.Match(g, ref); err == nil && ok {
			return true
		}
	}
	return false
}

// onRunChanged applies a terminated triggered run's on_pass/on_fail action
// to its originating card (spec §4.H "Terminal actions").
func (s *Service) onRunChanged(ctx context.Context, e protocol.RunChangedEvent) {
	status := models.RunStatus(e.Status)
	if status != models.RunStatusPassed && status != models.RunStatusFailed {
		return
	}
	run, err := s.st.GetPipelineRun(e.RunID)
	if err != nil || run.Context.CardID == "" {
		return
	}
	pl, err := s.st.GetPipeline(run.PipelineID)
	if err != nil {
		return
	}
	trig := firstTriggerOfKind(pl.Triggers, run.TriggerType)
	if trig == nil {
		return
	}

	card, err := s.st.GetCard(run.Context.CardID)
	if err != nil {
		return
	}

	if status == models.RunStatusPassed {
		s.applyOnPass(ctx, trig.OnPass, card)
	} else {
		s.applyOnFail(trig.OnFail, card)
	}
}

func firstTriggerOfKind(triggers models.TriggerDefinitions, kind models.TriggerKind) *models.TriggerDefinition {
	for i := range triggers {
		if triggers[i].Kind == kind {
			return &triggers[i]
		}
	}
	return nil
}

func (s *Service) applyOnPass(ctx context.Context, action string, card *models.Card) {
	target := ""
	switch {
	case action == "nothing" || action == "":
		return
	case action == "merge":
		repo, err := s.st.GetRepo(card.RepoID)
		if err != nil {
			return
		}
		target = repo.DefaultBranch
	case len(action) > len("merge:") && action[:len("merge:")] == "merge:":
		target = action[len("merge:"):]
	default:
		trigLog.Warn().Str("action", action).Msg("unrecognized on_pass action")
		return
	}

	result, err := s.git.MergeBranch(ctx, card.RepoID, target, card.BranchName)
	if err != nil {
		trigLog.Warn().Err(err).Str("card_id", card.ID).Msg("on_pass merge failed")
		return
	}
	if !result.Succeeded {
		s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
			c.Status = models.CardStatusFailed
		})
		return
	}
	s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
		c.Status = models.CardStatusDone
	})
}

func (s *Service) applyOnFail(action string, card *models.Card) {
	var newStatus models.CardStatus
	switch action {
	case "fail":
		newStatus = models.CardStatusFailed
	case "reject":
		newStatus = models.CardStatusTodo
	case "nothing", "":
		return
	default:
		trigLog.Warn().Str("action", action).Msg("unrecognized on_fail action")
		return
	}
	s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
		c.Status = newStatus
	})
}
