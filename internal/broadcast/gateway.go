// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lazyaf/core/internal/common"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/protocol"
)

// poolStatsDebounce coalesces bursts of runner pool_stats events into a
// single send (spec §4.J: "Pool-stats messages are coalesced with a 500 ms
// debounce").
const poolStatsDebounce = 500 * time.Millisecond

// Gateway subscribes to the Event Bus and forwards compact change messages
// to every connected UI client via Hub.
type Gateway struct {
	hub *Hub
	bus *eventbus.Bus

	poolMu      sync.Mutex
	poolPending *protocol.PoolStatsEvent
	poolTimer   *time.Timer
}

func NewGateway(hub *Hub, bus *eventbus.Bus) *Gateway {
	return &Gateway{hub: hub, bus: bus}
}

// Run subscribes to the events the Broadcast Gateway forwards to the UI
// (spec §4.J's enumerated message kinds) and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.bus.Subscribe(
		protocol.EventCardChanged,
		protocol.EventJobChanged,
		protocol.EventRunnerChanged,
		protocol.EventStepChanged,
		protocol.EventRunChanged,
		protocol.EventPoolStats,
	)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			g.poolMu.Lock()
			if g.poolTimer != nil {
				g.poolTimer.Stop()
			}
			g.poolMu.Unlock()
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			g.dispatch(event)
		}
	}
}

func (g *Gateway) dispatch(event common.Event) {
	repoID, cardID, runID := scopeOf(event)

	switch e := event.(type) {
	case protocol.CardChangedEvent:
		g.send(fmt.Sprintf("card.%s", e.CardID), e, repoID, cardID, runID)
	case protocol.JobChangedEvent:
		g.send(fmt.Sprintf("job.%s", e.JobID), e, repoID, cardID, runID)
	case protocol.RunnerChangedEvent:
		g.send(fmt.Sprintf("runner.%s", e.RunnerID), e, repoID, cardID, runID)
	case protocol.StepChangedEvent:
		g.send(fmt.Sprintf("step_run.%s", e.StepID), e, repoID, cardID, runID)
	case protocol.RunChangedEvent:
		g.send(fmt.Sprintf("pipeline_run.%s", e.RunID), e, repoID, cardID, runID)
	case protocol.PoolStatsEvent:
		g.schedulePoolStats(e)
	}
}

func (g *Gateway) send(kind string, payload any, repoID, cardID, runID string) {
	data, err := marshalChange(kind, payload)
	if err != nil {
		broadcastLog.Warn().Err(err).Str("kind", kind).Msg("failed to marshal UI change message")
		return
	}
	g.hub.broadcastRaw(data, repoID, cardID, runID)
}

// schedulePoolStats keeps only the most recent PoolStatsEvent and flushes it
// at most once per debounce window, rather than flooding clients with every
// intermediate occupancy change.
func (g *Gateway) schedulePoolStats(e protocol.PoolStatsEvent) {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()

	g.poolPending = &e
	if g.poolTimer != nil {
		return
	}
	g.poolTimer = time.AfterFunc(poolStatsDebounce, func() {
		g.poolMu.Lock()
		pending := g.poolPending
		g.poolPending = nil
		g.poolTimer = nil
		g.poolMu.Unlock()
		if pending != nil {
			g.send("pool_stats", *pending, "", "", "")
		}
	})
}
