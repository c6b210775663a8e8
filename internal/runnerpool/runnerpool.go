// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runnerpool implements the Runner Registry of spec §4.E: a
// bidirectional WebSocket control plane over the /ws/runner endpoint,
// heartbeat-driven liveness, job dispatch with ack timeout, log streaming,
// cancellation with a grace period, and continuation pinning.
//
// Grounded on internal/server/websocket.go's ClientRegistry/wsClient shape
// (upgrader, readPump/writePump goroutine pair, a buffered send channel per
// connection) generalized from a one-way broadcast socket to the
// bidirectional register/heartbeat/dispatch/ack/result protocol described by
// internal/protocol/runner_ws.go.
package runnerpool

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazyaf/core/internal/apperr"
	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/protocol"
	"github.com/lazyaf/core/internal/queue"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/store/models"
)

var poolLog = logger.GetRunnerPoolLogger()

const (
	maxMessageSize = 1 << 20 // runner logs can be chunky; generous over the UI socket's 4096
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
)

// runnerConn is one live /ws/runner connection.
type runnerConn struct {
	conn       *websocket.Conn
	send       chan protocol.RunnerMessage
	runnerID   string
	runnerType string

	mu         sync.Mutex
	pendingAck chan bool // non-nil while a run_job ack is outstanding
	pendingJob string
}

// Registry tracks connected runners and drives dispatch, liveness, and
// cancellation against the Store and Job Queue.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*runnerConn

	st  *store.Store
	q   *queue.Queue
	bus *eventbus.Bus
	cfg config.RunnerRegistryConfig

	stopOnce sync.Once
	stop     chan struct{}
}

func New(st *store.Store, q *queue.Queue, bus *eventbus.Bus, cfg config.RunnerRegistryConfig) *Registry {
	return &Registry{
		conns: make(map[string]*runnerConn),
		st:    st,
		q:     q,
		bus:   bus,
		cfg:   cfg,
		stop:  make(chan struct{}),
	}
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

// HandleWebSocket upgrades an HTTP connection and speaks the runner control
// protocol until the connection closes, at which point the runner is marked
// disconnected and its in-flight job (if any) is released back to the queue.
func (reg *Registry) HandleWebSocket(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			poolLog.Error().Err(err).Msg("runner websocket upgrade failed")
			return
		}

		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		rc, err := reg.awaitRegister(conn)
		if err != nil {
			poolLog.Warn().Err(err).Msg("runner failed to register")
			conn.Close()
			return
		}

		reg.mu.Lock()
		reg.conns[rc.runnerID] = rc
		reg.mu.Unlock()
		poolLog.Info().Str("runner_id", rc.runnerID).Msg("runner connected")

		go rc.writePump()
		reg.readPump(rc)
	}
}

// awaitRegister blocks for the runner's first message, which must be a
// register frame, and confirms/creates its Runner row.
func (reg *Registry) awaitRegister(conn *websocket.Conn) (*runnerConn, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg protocol.RunnerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type != protocol.MsgRegister {
		return nil, apperr.New(apperr.KindClientInput, "first message must be register")
	}
	var p protocol.RegisterPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, err
	}

	runner, err := reg.st.RegisterRunner(p.RunnerID, p.RunnerType)
	if err != nil {
		return nil, err
	}

	rc := &runnerConn{
		conn:       conn,
		send:       make(chan protocol.RunnerMessage, 64),
		runnerID:   runner.ID,
		runnerType: runner.RunnerType,
	}
	welcome, _ := json.Marshal(protocol.WelcomePayload{RunnerID: runner.ID})
	rc.send <- protocol.RunnerMessage{Type: protocol.MsgWelcome, Payload: welcome}
	return rc, nil
}

func (reg *Registry) readPump(rc *runnerConn) {
	defer reg.handleDisconnect(rc)

	for {
		_, raw, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				poolLog.Error().Err(err).Str("runner_id", rc.runnerID).Msg("runner websocket read error")
			}
			return
		}
		var msg protocol.RunnerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			poolLog.Warn().Err(err).Msg("invalid runner message")
			continue
		}
		reg.dispatchInbound(rc, msg)
	}
}

func (reg *Registry) dispatchInbound(rc *runnerConn, msg protocol.RunnerMessage) {
	switch msg.Type {
	case protocol.MsgHeartbeat:
		if err := reg.st.Heartbeat(rc.runnerID); err != nil {
			poolLog.Warn().Err(err).Str("runner_id", rc.runnerID).Msg("failed to record heartbeat")
		}

	case protocol.MsgJobAck:
		var p protocol.JobAckPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		rc.mu.Lock()
		if rc.pendingJob == p.JobID && rc.pendingAck != nil {
			rc.pendingAck <- p.Accepted
			rc.pendingAck = nil
		}
		rc.mu.Unlock()

	case protocol.MsgLogAppend:
		var p protocol.LogAppendPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		if err := reg.st.AppendJobLog(p.JobID, p.Chunk); err != nil {
			poolLog.Warn().Err(err).Str("job_id", p.JobID).Msg("failed to append job log")
		}

	case protocol.MsgJobResult:
		var p protocol.JobResultPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		reg.handleJobResult(rc, p)

	default:
		poolLog.Warn().Str("type", msg.Type).Msg("unrecognized runner message type")
	}
}

func (reg *Registry) handleJobResult(rc *runnerConn, p protocol.JobResultPayload) {
	status := models.JobStatusCompleted
	if p.Status == string(models.JobStatusFailed) {
		status = models.JobStatusFailed
	}
	var results *models.TestResultSummary
	if p.TestResults != nil {
		results = &models.TestResultSummary{
			Ran:    p.TestResults.Ran,
			Passed: p.TestResults.Passed,
			Failed: p.TestResults.Failed,
		}
	}
	if _, err := reg.st.CompleteJob(p.JobID, status, p.Error, p.BranchName, results); err != nil {
		poolLog.Warn().Err(err).Str("job_id", p.JobID).Msg("failed to record job result")
	}
	if err := reg.st.SetRunnerStatus(rc.runnerID, models.RunnerStatusIdle); err != nil {
		poolLog.Warn().Err(err).Str("runner_id", rc.runnerID).Msg("failed to mark runner idle after result")
	}
}

func (reg *Registry) handleDisconnect(rc *runnerConn) {
	reg.mu.Lock()
	delete(reg.conns, rc.runnerID)
	reg.mu.Unlock()

	close(rc.send)
	rc.conn.Close()

	runner, err := reg.st.GetRunner(rc.runnerID)
	if err == nil && runner.CurrentJobID != "" {
		if err := reg.st.ReleaseJob(runner.CurrentJobID); err != nil {
			poolLog.Warn().Err(err).Str("job_id", runner.CurrentJobID).Msg("failed to release job on disconnect")
		} else {
			reg.q.Requeue(runner.RunnerType, runner.CurrentJobID)
		}
	}
	if err := reg.st.SetRunnerStatus(rc.runnerID, models.RunnerStatusDisconnected); err != nil {
		poolLog.Warn().Err(err).Str("runner_id", rc.runnerID).Msg("failed to mark runner disconnected")
	}
	poolLog.Info().Str("runner_id", rc.runnerID).Msg("runner disconnected")
}

func (rc *runnerConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-rc.send:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				rc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				poolLog.Error().Err(err).Msg("failed to marshal runner message")
				continue
			}
			if err := rc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				poolLog.Error().Err(err).Str("runner_id", rc.runnerID).Msg("runner websocket write error")
				return
			}
		case <-ticker.C:
			rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stop halts the Registry's background sweeps (liveness, dispatch).
func (reg *Registry) Stop() {
	reg.stopOnce.Do(func() { close(reg.stop) })
}
