// Package runner defines the capability set shared by every provider
// execution backend: run, kill, dispose.
package runner

// Image is one inline image attached to a request, already validated by
// the protocol layer.
type Image struct {
	MediaType string
	Data      string
}

// Options carries everything a runner needs to execute one request. It is
// a narrower view of protocol.Prompt — runners never see protocol types
// directly, so the wire format can change without touching a runner.
type Options struct {
	RequestID      string
	Prompt         string
	Model          string
	SystemPrompt   string
	ProjectID      string
	ThinkingTokens *int64
	Images         []Image
}

// Handlers binds a runner's callbacks to whatever is consuming them (in
// production, a connection's frame writer; in tests, a recorder).
//
// Contract: for one execution, exactly one of OnComplete or OnError fires,
// preceded by zero or more OnChunk calls. No callback fires after a kill()
// caused by cancellation or timeout — that path emits its own terminal
// error (or nothing) upstream of the runner.
type Handlers struct {
	OnChunk    func(text, requestID string, thinking bool)
	OnComplete func(requestID string)
	OnError    func(message, requestID string)
}

// Runner is a stateful executor bound to one provider. It holds at most one
// inflight execution; a Run call while already running implicitly kills the
// prior execution first (subprocess-backed runners only — see package
// subprocess). Runners transition idle -> running -> idle, and terminally
// disposed. A disposed runner fails every subsequent Run through
// Handlers.OnError rather than panicking or returning an error value.
type Runner interface {
	// Run starts executing one request. Must not block past accepting the
	// work — results stream back asynchronously via handlers.
	Run(opts Options, handlers Handlers)

	// Kill cooperatively stops the current execution, if any. Idempotent.
	Kill()

	// Dispose marks the runner terminally unusable. Implies Kill.
	Dispose()
}

// Factory constructs a Runner for one provider kind. Production wiring
// supplies the real constructors; tests substitute a factory that returns
// an in-memory runner driving handlers synchronously, per the design's
// test-seam convention (no production-time branches).
type Factory func() Runner
