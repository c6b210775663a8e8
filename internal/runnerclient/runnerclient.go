// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runnerclient implements the runner side of the /ws/runner control
// plane described by internal/protocol/runner_ws.go and driven server-side
// by internal/runnerpool. It is the reference external runner: it clones the
// job's repo, executes an agent/script/container step, pushes a result
// branch, and reports back.
//
// Grounded on internal/runnerpool/runnerpool.go's readPump/writePump pair
// and message envelope handling, mirrored from the server's perspective to
// the runner's.
package runnerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lazyaf/core/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// heartbeatPeriod matches the server's default heartbeat interval.
	heartbeatPeriod = 5 * time.Second
)

// Config configures one runner process.
type Config struct {
	ServerURL    string // ws(s)://host:port
	RunnerType   string
	RunnerID     string // set on reconnect; empty registers a new runner
	DockerHost   string // empty uses the local Docker daemon's default
	AgentCommand string // external command invoked for "agent" steps
	WorkDir      string // scratch directory for clones; defaults to os.TempDir()
}

// Client is one connected runner.
type Client struct {
	cfg Config
	log zerolog.Logger

	conn     *websocket.Conn
	send     chan protocol.RunnerMessage
	runnerID string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // jobID -> cancel for its running step
}

// New prepares a runner client. Docker is not dialed eagerly: container
// steps shell out to the docker CLI per invocation (steps.go), so there is
// no daemon connection to establish up front.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Client{cfg: cfg, log: log, cancels: make(map[string]context.CancelFunc)}
}

// Run dials the server, registers, and serves the protocol until ctx is
// cancelled or the connection drops. Callers typically loop Run in a
// reconnect-with-backoff wrapper.
func (c *Client) Run(ctx context.Context) error {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	u.Path = "/ws/runner"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	c.conn = conn
	defer conn.Close()

	c.send = make(chan protocol.RunnerMessage, 64)

	regPayload, _ := json.Marshal(protocol.RegisterPayload{
		RunnerType: c.cfg.RunnerType,
		RunnerID:   c.cfg.RunnerID,
	})
	if err := conn.WriteJSON(protocol.RunnerMessage{Type: protocol.MsgRegister, Payload: regPayload}); err != nil {
		return fmt.Errorf("failed to send register: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	var welcome protocol.RunnerMessage
	if err := json.Unmarshal(raw, &welcome); err != nil || welcome.Type != protocol.MsgWelcome {
		return fmt.Errorf("expected welcome message, got %q", welcome.Type)
	}
	var wp protocol.WelcomePayload
	if err := json.Unmarshal(welcome.Payload, &wp); err != nil {
		return fmt.Errorf("invalid welcome payload: %w", err)
	}
	c.runnerID = wp.RunnerID
	c.log.Info().Str("runner_id", c.runnerID).Msg("registered with server")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(runCtx)
	go c.heartbeatLoop(runCtx)

	return c.readPump(runCtx)
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Error().Err(err).Msg("failed to write message")
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(protocol.HeartbeatPayload{})
			select {
			case c.send <- protocol.RunnerMessage{Type: protocol.MsgHeartbeat, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg protocol.RunnerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn().Err(err).Msg("invalid server message")
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg protocol.RunnerMessage) {
	switch msg.Type {
	case protocol.MsgRunJob:
		var p protocol.RunJobPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.log.Warn().Err(err).Msg("invalid run_job payload")
			return
		}
		c.acceptJob(ctx, p)

	case protocol.MsgCancelJob:
		var p protocol.CancelJobPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		if cancel, ok := c.cancels[p.JobID]; ok {
			cancel()
		}
		c.mu.Unlock()

	case protocol.MsgShutdown:
		c.log.Info().Msg("server requested shutdown")

	default:
		c.log.Warn().Str("type", msg.Type).Msg("unrecognized server message type")
	}
}

func (c *Client) acceptJob(ctx context.Context, p protocol.RunJobPayload) {
	ack, _ := json.Marshal(protocol.JobAckPayload{JobID: p.JobID, Accepted: true})
	c.send <- protocol.RunnerMessage{Type: protocol.MsgJobAck, Payload: ack}

	jobCtx, cancel := context.WithDeadline(ctx, time.Unix(p.DeadlineUnix, 0))
	c.mu.Lock()
	c.cancels[p.JobID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, p.JobID)
			c.mu.Unlock()
		}()
		result := c.runStep(jobCtx, p)
		data, _ := json.Marshal(result)
		c.send <- protocol.RunnerMessage{Type: protocol.MsgJobResult, Payload: data}
	}()
}

func (c *Client) appendLog(jobID, chunk string, seq int) {
	payload, _ := json.Marshal(protocol.LogAppendPayload{JobID: jobID, Chunk: chunk, Seq: seq})
	select {
	case c.send <- protocol.RunnerMessage{Type: protocol.MsgLogAppend, Payload: payload}:
	default:
		c.log.Warn().Str("job_id", jobID).Msg("dropped log chunk, send buffer full")
	}
}
