// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus implements the process-local publish/subscribe broker
// described in spec §4.C. It backs both the WebSocket fan-out (Broadcast
// Gateway, §4.J) and internal wiring such as the Pipeline Engine and Trigger
// Service.
//
// Grounded on internal/server/websocket.go's ClientRegistry: bounded
// per-subscriber channel, non-blocking send, drop (here: unsubscribe) on a
// full buffer rather than back-pressuring the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/lazyaf/core/internal/common"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

var nextSubID uint64

// Subscription is a live subscriber handle. Events arrive on Events(); the
// channel is closed when the subscriber is removed (explicitly via
// Unsubscribe, or implicitly after falling behind).
type Subscription struct {
	id     uint64
	ch     chan common.Event
	topics map[protocol.EventType]struct{} // empty = all topics
	bus    *Bus
}

func (s *Subscription) Events() <-chan common.Event {
	return s.ch
}

func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

func (s *Subscription) matches(topic protocol.EventType) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus is the event broker. All cross-component communication described in
// spec §5 ("all cross-component communication goes through the Event Bus or
// through explicit Store transitions") routes through one Bus instance.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber. When topics is empty the subscriber
// receives every published event; otherwise only events whose EventType
// method matches one of the given topics.
func (b *Bus) Subscribe(topics ...protocol.EventType) *Subscription {
	topicSet := make(map[protocol.EventType]struct{}, len(topics))
	for _, t := range topics {
		topicSet[t] = struct{}{}
	}

	sub := &Subscription{
		id:     atomic.AddUint64(&nextSubID, 1),
		ch:     make(chan common.Event, DefaultBufferSize),
		topics: topicSet,
		bus:    b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// topicOf maps a common.Event to the EventType topic used for filtering.
// Topic-less events (any type not in protocol's event union) map to "" and
// reach only subscribers that have no topic filter.
func topicOf(event common.Event) protocol.EventType {
	switch event.(type) {
	case protocol.CardChangedEvent:
		return protocol.EventCardChanged
	case protocol.JobChangedEvent:
		return protocol.EventJobChanged
	case protocol.RunnerChangedEvent:
		return protocol.EventRunnerChanged
	case protocol.StepChangedEvent:
		return protocol.EventStepChanged
	case protocol.RunChangedEvent:
		return protocol.EventRunChanged
	case protocol.PushReceivedEvent:
		return protocol.EventPushReceived
	case protocol.DebugBreakpointEvent:
		return protocol.EventDebugBreakpoint
	case protocol.DebugResumeEvent:
		return protocol.EventDebugResume
	case protocol.PoolStatsEvent:
		return protocol.EventPoolStats
	default:
		return ""
	}
}

// Publish delivers event to every matching subscriber. Publish holds the
// registry read lock for the duration of the fan-out, so concurrent
// publishers do not serialize against each other; per-publisher FIFO
// ordering (spec §5) holds because one publisher's sends to each subscriber
// channel happen in the order of its Publish calls.
func (b *Bus) Publish(event common.Event) {
	topic := topicOf(event)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			logger.GetEventBusLogger().Warn().
				Uint64("subscriber_id", sub.id).
				Str("topic", string(topic)).
				Msg("dropping slow event bus subscriber")
			go b.remove(sub)
		}
	}
}
