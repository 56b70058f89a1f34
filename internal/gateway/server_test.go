package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/bridgews/internal/runner"
)

// fakeRunner is the test seam substitute for a real provider runner: it
// records calls and lets the test control exactly when handlers fire.
type fakeRunner struct {
	mu           sync.Mutex
	runCount     int
	killCount    int
	disposeCount int
	disposed     bool
	onRun        func(opts runner.Options, handlers runner.Handlers)
}

func (f *fakeRunner) Run(opts runner.Options, handlers runner.Handlers) {
	f.mu.Lock()
	f.runCount++
	disposed := f.disposed
	hook := f.onRun
	f.mu.Unlock()

	if disposed {
		handlers.OnError("Runner has been disposed", opts.RequestID)
		return
	}
	if hook != nil {
		hook(opts, handlers)
	}
}

func (f *fakeRunner) Kill() {
	f.mu.Lock()
	f.killCount++
	f.mu.Unlock()
}

func (f *fakeRunner) Dispose() {
	f.mu.Lock()
	f.disposed = true
	f.disposeCount++
	f.mu.Unlock()
}

func (f *fakeRunner) killed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCount
}

// echoRunner immediately answers with one chunk and completes.
func echoRunner() *fakeRunner {
	r := &fakeRunner{}
	r.onRun = func(opts runner.Options, handlers runner.Handlers) {
		handlers.OnChunk("echo: "+opts.Prompt, opts.RequestID, false)
		handlers.OnComplete(opts.RequestID)
	}
	return r
}

// blockingRunner never fires a terminal event on its own; the test drives
// Kill() to observe cancel suppression.
func blockingRunner() *fakeRunner {
	return &fakeRunner{}
}

func testServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.NewRunner == nil {
		single := echoRunner()
		cfg.NewRunner = func(provider string) runner.Runner { return single }
	}
	s := New(cfg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, hs *httptest.Server, header http.Header) (*websocket.Conn, *http.Response) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, wsURL(hs), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	return conn, resp
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestScenario1_PromptEchoesAndCompletes(t *testing.T) {
	_, hs := testServer(t, Config{AgentName: "bridge-ws"})
	conn, _ := dial(t, hs, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	connected := readFrame(t, conn)
	assert.Equal(t, "connected", connected["type"])
	assert.Equal(t, "2.0", connected["version"])
	assert.Equal(t, "bridge-ws", connected["agent"])

	sendFrame(t, conn, map[string]any{"type": "prompt", "prompt": "hi", "requestId": "r1"})

	chunk := readFrame(t, conn)
	assert.Equal(t, "chunk", chunk["type"])
	assert.Equal(t, "echo: hi", chunk["content"])
	assert.Equal(t, "r1", chunk["requestId"])

	complete := readFrame(t, conn)
	assert.Equal(t, "complete", complete["type"])
	assert.Equal(t, "r1", complete["requestId"])
}

func TestScenario2_DuplicateRequestIDRejected(t *testing.T) {
	blocked := blockingRunner()
	_, hs := testServer(t, Config{NewRunner: func(provider string) runner.Runner { return blocked }})
	conn, _ := dial(t, hs, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame(t, conn) // connected

	sendFrame(t, conn, map[string]any{"type": "prompt", "prompt": "hi", "requestId": "r1"})
	sendFrame(t, conn, map[string]any{"type": "prompt", "prompt": "hi again", "requestId": "r1"})

	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "Request r1 is already in progress", errFrame["message"])
	assert.Equal(t, "r1", errFrame["requestId"])

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, func() int { blocked.mu.Lock(); defer blocked.mu.Unlock(); return blocked.runCount }())
}

func TestScenario3_CancelSuppressesTerminalEventAndAllowsRerun(t *testing.T) {
	blocked := blockingRunner()
	_, hs := testServer(t, Config{NewRunner: func(provider string) runner.Runner { return blocked }})
	conn, _ := dial(t, hs, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame(t, conn) // connected

	sendFrame(t, conn, map[string]any{"type": "prompt", "prompt": "hi", "requestId": "r1"})
	sendFrame(t, conn, map[string]any{"type": "cancel", "requestId": "r1"})

	cancelled := readFrame(t, conn)
	assert.Equal(t, "error", cancelled["type"])
	assert.Equal(t, "Request cancelled", cancelled["message"])
	assert.Equal(t, "r1", cancelled["requestId"])
	assert.Equal(t, 1, blocked.killed())

	// A fresh prompt with the same id is accepted since it was removed from
	// the registry on cancel.
	blocked.mu.Lock()
	blocked.onRun = func(opts runner.Options, handlers runner.Handlers) {
		handlers.OnComplete(opts.RequestID)
	}
	blocked.mu.Unlock()
	sendFrame(t, conn, map[string]any{"type": "prompt", "prompt": "hi", "requestId": "r1"})

	complete := readFrame(t, conn)
	assert.Equal(t, "complete", complete["type"])
	assert.Equal(t, "r1", complete["requestId"])
}

func TestScenario4_CancelUnknownID(t *testing.T) {
	_, hs := testServer(t, Config{})
	conn, _ := dial(t, hs, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readFrame(t, conn) // connected

	sendFrame(t, conn, map[string]any{"type": "cancel", "requestId": "nope"})

	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "No active request with id: nope", errFrame["message"])
	assert.Equal(t, "nope", errFrame["requestId"])
}

func TestScenario5_OriginRejected(t *testing.T) {
	_, hs := testServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	conn, _ := dial(t, hs, header)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(4003), websocket.CloseStatus(err))
}

func TestScenario6_APIKeyRequired(t *testing.T) {
	_, hs := testServer(t, Config{APIKey: "secret-key"})

	conn, _ := dial(t, hs, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(4001), websocket.CloseStatus(err))

	header := http.Header{}
	header.Set("Authorization", "Bearer secret-key")
	authed, _ := dial(t, hs, header)
	defer authed.Close(websocket.StatusNormalClosure, "")
	connected := readFrame(t, authed)
	assert.Equal(t, "connected", connected["type"])
}

func TestHealthz_ReportsConnectionCount(t *testing.T) {
	s, hs := testServer(t, Config{})
	conn, _ := dial(t, hs, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // connected

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, s.ConnectionCount(), body.Connections)
}

func TestHealthz_UnknownPathNotFound(t *testing.T) {
	_, hs := testServer(t, Config{})
	resp, err := http.Get(hs.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidJSON_ReportsConnectionScopedError(t *testing.T) {
	_, hs := testServer(t, Config{})
	conn, _ := dial(t, hs, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	errFrame := readFrame(t, conn)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "Invalid JSON", errFrame["message"])
	_, hasRequestID := errFrame["requestId"]
	assert.False(t, hasRequestID)
}
