package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent carries a freshly reloaded Config along with whether the
// admission-relevant fields (API key, allowed origins) actually changed.
type ReloadEvent struct {
	Config  Config
	Changed bool
}

// Watcher hot-reloads config.yaml so the origin allowlist and API key can be
// rotated without restarting the gateway.
type Watcher struct {
	homeDir        string
	logger         *slog.Logger
	events         chan ReloadEvent
	lastFingerprint string
}

// NewWatcher creates a Watcher rooted at homeDir, seeded from the given
// already-loaded config's fingerprint so the first real change is detected.
func NewWatcher(homeDir string, logger *slog.Logger, initial Config) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:         homeDir,
		logger:          logger,
		events:          make(chan ReloadEvent, 16),
		lastFingerprint: initial.Fingerprint(),
	}
}

// Events returns the channel of reload events. Closed when Start's context
// is cancelled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches config.yaml for writes and re-runs Load on each change,
// pushing a ReloadEvent whenever admission-relevant fields differ from the
// last known configuration.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := ConfigPath(w.homeDir)
	if err := fsw.Add(path); err != nil {
		w.logger.Warn("config watch target not found, skipping live reload", "path", path, "error", err)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}

	fp := cfg.Fingerprint()
	changed := fp != w.lastFingerprint
	w.lastFingerprint = fp

	w.logger.Info("config reloaded", "changed", changed)

	select {
	case w.events <- ReloadEvent{Config: cfg, Changed: changed}:
	default:
		w.logger.Warn("config reload event dropped, channel full")
	}
}
