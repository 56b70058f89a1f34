package obs

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's metric instruments plus the plain in-memory
// counters GET /metrics reports, since otel counters are write-only without
// a configured reader/exporter.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	ActiveConnections metric.Int64UpDownCounter
	ActiveRunners     metric.Int64UpDownCounter
	ChunksEmitted     metric.Int64Counter
	RunnerKills       metric.Int64Counter
	RunnerTimeouts    metric.Int64Counter
	AdmissionRejects  metric.Int64Counter

	activeRunners    atomic.Int64
	chunksEmitted    atomic.Int64
	runnerKills      atomic.Int64
	runnerTimeouts   atomic.Int64
	admissionRejects atomic.Int64
}

// Snapshot is the in-memory counter view served by GET /metrics.
type Snapshot struct {
	ActiveRunners    int64 `json:"active_runners"`
	ChunksEmitted    int64 `json:"chunks_emitted"`
	RunnerKills      int64 `json:"runner_kills"`
	RunnerTimeouts   int64 `json:"runner_timeouts"`
	AdmissionRejects int64 `json:"admission_rejects"`
}

// Snapshot reads the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ActiveRunners:    m.activeRunners.Load(),
		ChunksEmitted:    m.chunksEmitted.Load(),
		RunnerKills:      m.runnerKills.Load(),
		RunnerTimeouts:   m.runnerTimeouts.Load(),
		AdmissionRejects: m.admissionRejects.Load(),
	}
}

// RecordRequestDuration records the time from prompt receipt to terminal event.
func (m *Metrics) RecordRequestDuration(ctx context.Context, d time.Duration) {
	m.RequestDuration.Record(ctx, d.Seconds())
}

// IncActiveRunners records a new runner entering the per-connection cache.
func (m *Metrics) IncActiveRunners(ctx context.Context) {
	m.ActiveRunners.Add(ctx, 1)
	m.activeRunners.Add(1)
}

// DecActiveRunners records a cached runner being evicted (disposed).
func (m *Metrics) DecActiveRunners(ctx context.Context) {
	m.ActiveRunners.Add(ctx, -1)
	m.activeRunners.Add(-1)
}

// RecordChunk records one chunk frame written to a client.
func (m *Metrics) RecordChunk(ctx context.Context) {
	m.ChunksEmitted.Add(ctx, 1)
	m.chunksEmitted.Add(1)
}

// RecordKill records one runner Kill() invocation (cancel, supersede, dispose).
func (m *Metrics) RecordKill(ctx context.Context) {
	m.RunnerKills.Add(ctx, 1)
	m.runnerKills.Add(1)
}

// RecordTimeout records one execution hitting its wall-clock timeout.
func (m *Metrics) RecordTimeout(ctx context.Context) {
	m.RunnerTimeouts.Add(ctx, 1)
	m.runnerTimeouts.Add(1)
}

// RecordAdmissionReject records one connection rejected at admission.
func (m *Metrics) RecordAdmissionReject(ctx context.Context) {
	m.AdmissionRejects.Add(ctx, 1)
	m.admissionRejects.Add(1)
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("bridgews.request.duration",
		metric.WithDescription("Time from prompt receipt to terminal event, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("bridgews.connections.active",
		metric.WithDescription("Currently admitted WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRunners, err = meter.Int64UpDownCounter("bridgews.runners.active",
		metric.WithDescription("Currently running provider executions"),
	)
	if err != nil {
		return nil, err
	}

	m.ChunksEmitted, err = meter.Int64Counter("bridgews.chunks.emitted",
		metric.WithDescription("Total chunk frames written to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.RunnerKills, err = meter.Int64Counter("bridgews.runner.kills",
		metric.WithDescription("Total runner kill() invocations (cancel, supersede, dispose)"),
	)
	if err != nil {
		return nil, err
	}

	m.RunnerTimeouts, err = meter.Int64Counter("bridgews.runner.timeouts",
		metric.WithDescription("Total executions that hit the wall-clock timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionRejects, err = meter.Int64Counter("bridgews.admission.rejects",
		metric.WithDescription("Connections rejected at admission (origin or auth)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
