// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package broadcast implements the Broadcast Gateway of spec §4.J: a set of
// UI WebSocket clients fed from the Event Bus with compact change messages,
// plus a separate SSE path for tailing a single job's live log.
//
// Hub/client is adapted directly from the teacher's
// internal/server/websocket.go ClientRegistry/wsClient — same bounded
// send-channel-then-drop shape, same read/write pump split — with
// project/task/run filters renamed to this domain's repo/card/run and the
// event-scoping interfaces narrowed to the events this gateway actually
// forwards.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazyaf/core/internal/common"
	"github.com/lazyaf/core/internal/logger"
)

const (
	maxMessageSize = 4096
	maxFilters     = 50
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000

	// clientSendBuffer is the per-client bounded buffer spec §4.J requires
	// ("e.g., 256 messages"); overflow disconnects the client.
	clientSendBuffer = 256
)

var broadcastLog = logger.GetBroadcastLogger()

// Filter selects which compact messages a client receives. An empty Filter
// matches every message.
type Filter struct {
	RepoID string `json:"repo_id,omitempty"`
	CardID string `json:"card_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	filters []Filter
	mu      sync.RWMutex
}

// Hub manages connected UI WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxClients {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcastRaw sends pre-marshaled data to every client whose filter matches
// the given repo/card/run scope (empty string in a field means "unscoped",
// matches every filter value for that field).
func (h *Hub) broadcastRaw(data []byte, repoID, cardID, runID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(repoID, cardID, runID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			broadcastLog.Warn().Msg("dropping UI client, send buffer full")
			go h.remove(c)
		}
	}
}

func (c *client) matches(repoID, cardID, runID string) bool {
	c.mu.RLock()
	filters := make([]Filter, len(c.filters))
	copy(filters, c.filters)
	c.mu.RUnlock()

	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.RepoID != "" && f.RepoID != repoID {
			continue
		}
		if f.CardID != "" && f.CardID != cardID {
			continue
		}
		if f.RunID != "" && f.RunID != runID {
			continue
		}
		return true
	}
	return false
}

// message is the envelope sent to UI clients.
type message struct {
	Type    string `json:"type"`    // "snapshot", "change", or "error"
	Kind    string `json:"kind,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

func marshalChange(kind string, payload any) ([]byte, error) {
	return json.Marshal(message{Type: "change", Kind: kind, Payload: payload})
}

// inMessage is the envelope for client -> server control messages.
type inMessage struct {
	Type    string `json:"type"` // "subscribe" or "unsubscribe"
	Filters Filter `json:"filters"`
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// HandleWebSocket upgrades the connection, registers the client, sends it an
// initial snapshot (spec §4.J: "each client also receives an initial
// snapshot on connect"), and runs its read/write pumps until disconnect.
func (h *Hub) HandleWebSocket(snapshot Snapshotter, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			broadcastLog.Error().Err(err).Msg("UI websocket upgrade failed")
			return
		}

		c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
		if !h.add(c) {
			broadcastLog.Warn().Msg("UI websocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}

		if snapshot != nil {
			if snap, err := snapshot.Snapshot(); err == nil {
				if data, err := json.Marshal(message{Type: "snapshot", Payload: snap}); err == nil {
					select {
					case c.send <- data:
					default:
					}
				}
			} else {
				broadcastLog.Warn().Err(err).Msg("failed to build UI snapshot")
			}
		}

		go c.writePump()
		c.readPump(h)
	}
}

// Snapshotter supplies the initial state payload sent to a newly connected
// UI client.
type Snapshotter interface {
	Snapshot() (any, error)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				broadcastLog.Debug().Err(err).Msg("UI websocket read error")
			}
			return
		}
		var in inMessage
		if err := json.Unmarshal(data, &in); err != nil {
			broadcastLog.Warn().Err(err).Msg("invalid UI websocket message")
			continue
		}
		c.mu.Lock()
		switch in.Type {
		case "subscribe":
			if len(c.filters) < maxFilters {
				c.filters = append(c.filters, in.Filters)
			}
		case "unsubscribe":
			filtered := c.filters[:0]
			for _, f := range c.filters {
				if f != in.Filters {
					filtered = append(filtered, f)
				}
			}
			c.filters = filtered
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// repoScoped, cardScoped, and runScoped let events declare their IDs without
// this package enumerating every event type (mirrors the teacher's
// projectScoped/taskScoped/runScoped trio).
type repoScoped interface{ GetRepoID() string }
type cardScoped interface{ GetCardID() string }
type runScoped interface{ GetRunID() string }

func scopeOf(event common.Event) (repoID, cardID, runID string) {
	if rs, ok := event.(repoScoped); ok {
		repoID = rs.GetRepoID()
	}
	if cs, ok := event.(cardScoped); ok {
		cardID = cs.GetCardID()
	}
	if rns, ok := event.(runScoped); ok {
		runID = rns.GetRunID()
	}
	return repoID, cardID, runID
}
