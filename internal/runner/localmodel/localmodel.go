// Package localmodel implements the HTTP-streaming provider (tag "C"):
// runner.Runner over an abortable NDJSON POST to a local model server,
// with no subprocess involved.
package localmodel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/bridgews/internal/obs"
	"github.com/basket/bridgews/internal/runner"
)

// Config configures the HTTP streaming provider.
type Config struct {
	BaseURL      string
	DefaultModel string
}

// Runner implements runner.Runner over HTTP NDJSON streaming.
type Runner struct {
	baseURL      string
	defaultModel string
	timeout      time.Duration
	client       *http.Client
	metrics      *obs.Metrics

	mu       sync.Mutex
	current  *call
	disposed bool
}

// New builds a runner.Runner for provider C.
func New(cfg Config, timeout time.Duration, opts ...Option) *Runner {
	r := &Runner{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		timeout:      timeout,
		client:       &http.Client{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithMetrics records runner-timeout events on the given instruments.
func WithMetrics(m *obs.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

var _ runner.Runner = (*Runner)(nil)

type call struct {
	cancel context.CancelFunc
	timer  *time.Timer
	done   sync.Once
	killed bool
	mu     sync.Mutex
}

func (c *call) markKilled() {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
}

func (c *call) isKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

func (c *call) finish(cb func()) {
	c.done.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		cb()
		if c.cancel != nil {
			c.cancel()
		}
	})
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	System string `json:"system,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Run starts one HTTP request. Any prior in-flight call on this runner is
// aborted first.
func (r *Runner) Run(opts runner.Options, handlers runner.Handlers) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		handlers.OnError("Runner has been disposed", opts.RequestID)
		return
	}
	prior := r.current
	r.current = nil
	r.mu.Unlock()

	if prior != nil {
		prior.finish(func() { prior.markKilled() })
	}

	model := opts.Model
	if model == "" {
		model = r.defaultModel
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: opts.Prompt,
		Stream: true,
		System: opts.SystemPrompt,
	})
	if err != nil {
		handlers.OnError(fmt.Sprintf("marshal request: %s", err), opts.RequestID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{cancel: cancel}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		handlers.OnError(fmt.Sprintf("build request: %s", err), opts.RequestID)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	r.mu.Lock()
	r.current = c
	r.mu.Unlock()

	if r.timeout > 0 {
		c.timer = time.AfterFunc(r.timeout, func() {
			c.finish(func() {
				c.markKilled()
				if r.metrics != nil {
					r.metrics.RecordTimeout(context.Background())
				}
				handlers.OnError("Request timed out", opts.RequestID)
			})
		})
	}

	go r.stream(c, req, opts.RequestID, handlers)
}

func (r *Runner) stream(c *call, req *http.Request, requestID string, handlers runner.Handlers) {
	resp, err := r.client.Do(req)
	if err != nil {
		c.finish(func() {
			if c.isKilled() {
				return
			}
			var netErr *net.OpError
			dialRefused := errors.As(err, &netErr) && netErr.Op == "dial" && errors.Is(netErr.Err, syscall.ECONNREFUSED)
			if dialRefused || strings.Contains(err.Error(), "connection refused") {
				handlers.OnError(fmt.Sprintf("server not reachable at %s", r.baseURL), requestID)
				return
			}
			handlers.OnError(fmt.Sprintf("request failed: %s", err), requestID)
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		buf := make([]byte, 200)
		n, _ := io.ReadFull(resp.Body, buf)
		c.finish(func() {
			if c.isKilled() {
				return
			}
			handlers.OnError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(buf[:n])), requestID)
		})
		return
	}

	reader := bufio.NewReader(resp.Body)
	sawDone := false

	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			var chunk generateChunk
			if jsonErr := json.Unmarshal([]byte(line), &chunk); jsonErr == nil {
				if chunk.Error != "" {
					c.finish(func() {
						if c.isKilled() {
							return
						}
						handlers.OnError(chunk.Error, requestID)
					})
					return
				}
				if chunk.Done {
					sawDone = true
					c.finish(func() {
						if c.isKilled() {
							return
						}
						handlers.OnComplete(requestID)
					})
					return
				}
				if chunk.Response != "" {
					handlers.OnChunk(chunk.Response, requestID, false)
				}
			}
		}
		if err != nil {
			break
		}
	}

	if !sawDone {
		c.finish(func() {
			if c.isKilled() {
				return
			}
			handlers.OnComplete(requestID)
		})
	}
}

// Kill aborts the current in-flight call, if any. Idempotent.
func (r *Runner) Kill() {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return
	}
	cur.finish(func() { cur.markKilled() })
}

// Dispose marks the runner terminally unusable and aborts any in-flight call.
func (r *Runner) Dispose() {
	r.mu.Lock()
	r.disposed = true
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur != nil {
		cur.finish(func() { cur.markKilled() })
	}
}
