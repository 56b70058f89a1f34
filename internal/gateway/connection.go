// Package gateway implements the WebSocket server: per-connection request
// multiplexing (this file) and the listening/admission/heartbeat engine
// (server.go, health.go).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/bridgews/internal/obs"
	"github.com/basket/bridgews/internal/protocol"
	"github.com/basket/bridgews/internal/runner"
)

// RunnerFactory builds a fresh runner for a given provider tag. The server
// engine supplies the real one; tests substitute a factory that returns an
// in-memory runner triggering handlers synchronously.
type RunnerFactory func(provider string) runner.Runner

// connection owns one admitted socket's request registry and per-provider
// runner cache. A connection exclusively owns its runners; nothing here is
// shared with any other connection.
type connection struct {
	id      string
	conn    *websocket.Conn
	logger  *slog.Logger
	build   RunnerFactory
	metrics *obs.Metrics
	tracer  trace.Tracer

	writeMu sync.Mutex

	mu       sync.Mutex
	alive    bool
	requests map[string]runner.Runner
	runners  map[string]runner.Runner
}

func newConnection(id string, conn *websocket.Conn, logger *slog.Logger, build RunnerFactory, metrics *obs.Metrics, tracer trace.Tracer) *connection {
	return &connection{
		id:       id,
		conn:     conn,
		logger:   logger,
		build:    build,
		metrics:  metrics,
		tracer:   tracer,
		alive:    true,
		requests: make(map[string]runner.Runner),
		runners:  make(map[string]runner.Runner),
	}
}

func (c *connection) markAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

func (c *connection) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// write is best-effort: a closed socket drops the frame and logs, never
// propagating the failure to the caller. data is an already-serialized
// JSON frame.
func (c *connection) write(ctx context.Context, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn("gateway: write failed, dropping frame", "connection", c.id, "error", err)
	}
}

func (c *connection) ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *connection) close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}

// handleFrame validates and dispatches one inbound text frame.
func (c *connection) handleFrame(ctx context.Context, raw []byte) {
	ctx = obs.WithConnID(ctx, c.id)

	parsed, err := protocol.Parse(raw)
	if err != nil {
		c.write(ctx, errorFrame(err.Error(), ""))
		return
	}
	switch v := parsed.(type) {
	case *protocol.Prompt:
		c.dispatchPrompt(ctx, v)
	case *protocol.Cancel:
		c.dispatchCancel(ctx, v)
	}
}

func (c *connection) dispatchPrompt(ctx context.Context, p *protocol.Prompt) {
	c.mu.Lock()
	if _, exists := c.requests[p.RequestID]; exists {
		c.mu.Unlock()
		c.write(ctx, errorFrame(fmt.Sprintf("Request %s is already in progress", p.RequestID), p.RequestID))
		return
	}

	r, existed := c.runners[p.Provider]
	if !existed {
		r = c.build(p.Provider)
		c.runners[p.Provider] = r
	}
	c.requests[p.RequestID] = r
	c.mu.Unlock()

	ctx = obs.WithRequestID(ctx, p.RequestID)
	ctx = obs.WithProvider(ctx, p.Provider)

	var span trace.Span
	if c.tracer != nil {
		ctx, span = obs.StartServerSpan(ctx, c.tracer, "gateway.prompt",
			obs.AttrConnID.String(c.id),
			obs.AttrRequestID.String(p.RequestID),
			obs.AttrProvider.String(p.Provider),
			obs.AttrModel.String(p.Model),
		)
	}
	if !existed && c.metrics != nil {
		c.metrics.IncActiveRunners(ctx)
	}

	start := time.Now()
	finish := func(err error) {
		if c.metrics != nil {
			c.metrics.RecordRequestDuration(ctx, time.Since(start))
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	handlers := runner.Handlers{
		OnChunk: func(text, requestID string, thinking bool) {
			if c.metrics != nil {
				c.metrics.RecordChunk(ctx)
			}
			c.write(ctx, chunkFrame(text, requestID, thinking))
		},
		OnComplete: func(requestID string) {
			c.mu.Lock()
			delete(c.requests, requestID)
			c.mu.Unlock()
			finish(nil)
			c.write(ctx, completeFrame(requestID))
		},
		OnError: func(message, requestID string) {
			c.mu.Lock()
			delete(c.requests, requestID)
			c.mu.Unlock()
			finish(errors.New(message))
			c.write(ctx, errorFrame(message, requestID))
		},
	}

	r.Run(runner.Options{
		RequestID:      p.RequestID,
		Prompt:         p.Prompt,
		Model:          p.Model,
		SystemPrompt:   p.SystemPrompt,
		ProjectID:      p.ProjectID,
		ThinkingTokens: p.ThinkingTokens,
		Images:         convertImages(p.Images),
	}, handlers)
}

func (c *connection) dispatchCancel(ctx context.Context, cancel *protocol.Cancel) {
	c.mu.Lock()
	r, ok := c.requests[cancel.RequestID]
	if ok {
		delete(c.requests, cancel.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.write(ctx, errorFrame(fmt.Sprintf("No active request with id: %s", cancel.RequestID), cancel.RequestID))
		return
	}
	// Kill suppresses the runner's own terminal event; this is the only
	// event this request will ever receive.
	r.Kill()
	if c.metrics != nil {
		c.metrics.RecordKill(ctx)
	}
	c.write(ctx, errorFrame("Request cancelled", cancel.RequestID))
}

func convertImages(images []protocol.Image) []runner.Image {
	if len(images) == 0 {
		return nil
	}
	out := make([]runner.Image, len(images))
	for i, img := range images {
		out[i] = runner.Image{MediaType: img.MediaType, Data: img.Data}
	}
	return out
}

// disposeAll disposes every runner cached on this connection, clearing the
// request registry. Called on peer close, heartbeat timeout, and shutdown.
func (c *connection) disposeAll() {
	c.mu.Lock()
	runners := make([]runner.Runner, 0, len(c.runners))
	for _, r := range c.runners {
		runners = append(runners, r)
	}
	c.requests = make(map[string]runner.Runner)
	c.mu.Unlock()

	for _, r := range runners {
		r.Dispose()
		if c.metrics != nil {
			c.metrics.DecActiveRunners(context.Background())
		}
	}
}

func errorFrame(message, requestID string) []byte {
	b, _ := protocol.EncodeError(protocol.ErrorFrame{Message: message, RequestID: requestID})
	return b
}

func chunkFrame(content, requestID string, thinking bool) []byte {
	b, _ := protocol.EncodeChunk(protocol.Chunk{Content: content, RequestID: requestID, Thinking: thinking})
	return b
}

func completeFrame(requestID string) []byte {
	b, _ := protocol.EncodeComplete(protocol.Complete{RequestID: requestID})
	return b
}
