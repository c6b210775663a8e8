// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/protocol"
)

func TestClientMatchesEmptyFilterMatchesEverything(t *testing.T) {
	c := &client{}
	assert.True(t, c.matches("repo-1", "card-1", "run-1"))
}

func TestClientMatchesScopedFilter(t *testing.T) {
	c := &client{filters: []Filter{{CardID: "card-1"}}}
	assert.True(t, c.matches("repo-1", "card-1", ""))
	assert.False(t, c.matches("repo-1", "card-2", ""))
}

func TestGatewayForwardsCardChanged(t *testing.T) {
	bus := eventbus.New()
	hub := NewHub()
	gw := NewGateway(hub, bus)

	recv := make(chan []byte, 1)
	c := &client{send: make(chan []byte, 1)}
	hub.clients = map[*client]struct{}{c: {}}
	go func() {
		select {
		case data := <-c.send:
			recv <- data
		case <-time.After(time.Second):
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	// give Run a moment to subscribe before publishing
	time.Sleep(10 * time.Millisecond)
	bus.Publish(protocol.CardChangedEvent{RepoID: "repo-1", CardID: "card-1", Status: "done"})

	select {
	case data := <-recv:
		assert.Contains(t, string(data), `"kind":"card.card-1"`)
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded card.* message")
	}
}

func TestSchedulePoolStatsDebouncesBursts(t *testing.T) {
	bus := eventbus.New()
	hub := NewHub()
	gw := NewGateway(hub, bus)

	c := &client{send: make(chan []byte, 4)}
	hub.clients = map[*client]struct{}{c: {}}

	gw.schedulePoolStats(protocol.PoolStatsEvent{Idle: 1})
	gw.schedulePoolStats(protocol.PoolStatsEvent{Idle: 2})
	gw.schedulePoolStats(protocol.PoolStatsEvent{Idle: 3})

	time.Sleep(poolStatsDebounce + 100*time.Millisecond)
	require.Len(t, c.send, 1, "three bursts within the debounce window should coalesce into one send")
}
