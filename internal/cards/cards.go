// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cards implements the Card Service of spec §4.F: card lifecycle,
// job creation on start, and job-result consumption.
//
// Grounded on internal/orchestrator/services/pipeline_service.go's
// lookup-before-create idempotency pattern (FindTaskByProjectAndTitle /
// checkIdempotency), generalized from the teacher's 4-state TaskStatus to
// the spec's 5-state Card lifecycle (todo, in_progress, in_review, done,
// failed).
package cards

import (
	"context"
	"sync"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/queue"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

var cardsLog = logger.GetCardsLogger()

// Service owns Card lifecycle transitions. Per-card mutual exclusion (spec
// §5: "Per-Card: at most one active Job; transitions are serialized by the
// Card Service's per-card lock") is provided by a lock striped by card id.
type Service struct {
	st  *store.Store
	q   *queue.Queue
	git *githost.Host
	bus *eventbus.Bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st *store.Store, q *queue.Queue, git *githost.Host, bus *eventbus.Bus) *Service {
	return &Service{st: st, q: q, git: git, bus: bus, locks: make(map[string]*sync.Mutex)}
}

func (s *Service) lockFor(cardID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[cardID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[cardID] = l
	}
	return l
}

// Create makes a fresh Card in status todo.
func (s *Service) Create(card *models.Card) (*models.Card, error) {
	return s.st.CreateCard(card)
}

// Start snapshots the card's step kind/config into a new Job, enqueues it,
// and transitions the card to in_progress. Starting an already-running card
// fails with "already running" (spec §4.F).
func (s *Service) Start(cardID string) (*models.Card, error) {
	lock := s.lockFor(cardID)
	lock.Lock()
	defer lock.Unlock()

	card, err := s.st.GetCard(cardID)
	if err != nil {
		return nil, err
	}
	if card.Status == models.CardStatusInProgress {
		return nil, apperr.New(apperr.KindClientInput, "card already running")
	}

	job, err := s.st.CreateJob(&models.Job{
		CardID:     card.ID,
		RunnerType: card.RunnerType,
		StepConfig: card.StepConfig,
	})
	if err != nil {
		return nil, err
	}
	s.q.Enqueue(job.RunnerType, job.ID)

	updated, err := s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
		c.Status = models.CardStatusInProgress
		c.CurrentJobID = job.ID
	})
	if err != nil {
		return nil, err
	}
	cardsLog.Info().Str("card_id", card.ID).Str("job_id", job.ID).Msg("started card")
	return updated, nil
}

// OnJobResult consumes a terminal job_changed event for a card's active job
// and advances the card's status accordingly (spec §4.F).
func (s *Service) OnJobResult(cardID string) error {
	lock := s.lockFor(cardID)
	lock.Lock()
	defer lock.Unlock()

	card, err := s.st.GetCard(cardID)
	if err != nil {
		return err
	}
	if card.CurrentJobID == "" {
		return nil
	}
	job, err := s.st.GetJob(card.CurrentJobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return nil
	}

	var newStatus models.CardStatus
	switch job.Status {
	case models.JobStatusFailed:
		newStatus = models.CardStatusFailed
	case models.JobStatusCompleted:
		if job.BranchName != "" {
			newStatus = models.CardStatusInReview
		} else if job.TestResults == nil || job.TestResults.Failed == 0 {
			newStatus = models.CardStatusDone
		} else {
			newStatus = models.CardStatusFailed
		}
	default:
		return nil
	}

	_, err = s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
		c.Status = newStatus
		c.BranchName = job.BranchName
	})
	if err != nil {
		return err
	}
	cardsLog.Info().Str("card_id", card.ID).Str("job_id", job.ID).Str("new_status", string(newStatus)).
		Msg("card advanced on job result")
	return nil
}

// Approve merges the card's result branch into target (the repo's default
// branch if empty). On success the card moves to done; on conflict the
// status is left unchanged and the conflict is returned to the caller.
func (s *Service) Approve(ctx context.Context, cardID, target string) (*models.Card, *githost.MergeResult, error) {
	lock := s.lockFor(cardID)
	lock.Lock()
	defer lock.Unlock()

	card, err := s.st.GetCard(cardID)
	if err != nil {
		return nil, nil, err
	}
	if card.Status != models.CardStatusInReview {
		return nil, nil, apperr.New(apperr.KindClientInput, "card is not in_review")
	}

	if target == "" {
		repo, err := s.st.GetRepo(card.RepoID)
		if err != nil {
			return nil, nil, err
		}
		target = repo.DefaultBranch
	}

	result, err := s.git.MergeBranch(ctx, card.RepoID, target, card.BranchName)
	if err != nil {
		return nil, nil, err
	}
	if !result.Succeeded {
		return card, result, nil
	}

	updated, err := s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
		c.Status = models.CardStatusDone
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, result, nil
}

// Reject returns a card from in_review to todo; the result branch is left in
// place for inspection.
func (s *Service) Reject(cardID string) (*models.Card, error) {
	lock := s.lockFor(cardID)
	lock.Lock()
	defer lock.Unlock()

	card, err := s.st.GetCard(cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != models.CardStatusInReview {
		return nil, apperr.New(apperr.KindClientInput, "card is not in_review")
	}
	return s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
		c.Status = models.CardStatusTodo
	})
}

// Retry moves a failed card back to todo and, if auto, immediately starts it
// again.
func (s *Service) Retry(cardID string, auto bool) (*models.Card, error) {
	lock := s.lockFor(cardID)
	lock.Lock()
	if card, err := s.st.GetCard(cardID); err != nil {
		lock.Unlock()
		return nil, err
	} else if card.Status != models.CardStatusFailed {
		lock.Unlock()
		return nil, apperr.New(apperr.KindClientInput, "card is not failed")
	} else {
		updated, err := s.st.TransitionCard(card.ID, card.Version, func(c *models.Card) {
			c.Status = models.CardStatusTodo
		})
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		if !auto {
			return updated, nil
		}
		return s.Start(cardID)
	}
}

// Run subscribes to job_changed events on the Event Bus and drives
// OnJobResult for terminal results belonging to a card. It blocks until ctx
// is cancelled, so callers invoke it in its own goroutine from the
// composition root.
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
			if !ok || jc.CardID == "" {
				continue
			}
			if err := s.OnJobResult(jc.CardID); err != nil {
				cardsLog.Warn().Err(err).Str("card_id", jc.CardID).Msg("failed to apply job result to card")
			}
		}
	}
}
