// Command bridgews runs the bridge-ws gateway: a WebSocket server that
// multiplexes streaming prompt requests onto the agent-assistant,
// coding-assistant, and local-model provider backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/bridgews/internal/config"
	"github.com/basket/bridgews/internal/gateway"
	"github.com/basket/bridgews/internal/obs"
	"github.com/basket/bridgews/internal/protocol"
	"github.com/basket/bridgews/internal/runner"
	"github.com/basket/bridgews/internal/runner/agentcli"
	"github.com/basket/bridgews/internal/runner/codingcli"
	"github.com/basket/bridgews/internal/runner/localmodel"
	"github.com/basket/bridgews/internal/runner/subprocess"
)

func main() {
	validateSchema := flag.String("validate-schema", "", "validate a prompt frame file against the debug JSON Schema and exit")
	quiet := flag.Bool("quiet", false, "force JSON log output even on a TTY")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "bridgews: a WebSocket gateway fronting agent, coding and local-model providers\n\n")
		fmt.Fprintf(os.Stderr, "usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *validateSchema != "" {
		os.Exit(runValidateSchema(*validateSchema))
	}

	if err := run(*quiet); err != nil {
		fmt.Fprintln(os.Stderr, "bridgews:", err)
		os.Exit(1)
	}
}

func runValidateSchema(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgews: read", path+":", err)
		return 1
	}
	violations, err := protocol.Lint(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgews: lint:", err)
		return 1
	}
	if len(violations) == 0 {
		fmt.Println("ok: frame matches schema")
		return 0
	}
	for _, v := range violations {
		fmt.Println("violation:", v)
	}
	return 1
}

func run(quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := obs.NewLogger(filepath.Join(cfg.HomeDir, "logs"), cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	logger.Info("bridgews: starting", "addr", cfg.Addr(), "home", cfg.HomeDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := obs.InitTelemetry(ctx, obs.TelemetryConfig{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("bridgews: telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := obs.NewMetrics(telemetry.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	srv := gateway.New(gateway.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		AgentName:         cfg.AgentName,
		APIKey:            cfg.APIKey,
		AllowedOrigins:    cfg.AllowedOrigins,
		NewRunner:         newRunnerFactory(cfg, logger, metrics),
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            telemetry.Tracer,
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger, cfg)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("bridgews: config watcher disabled", "error", err)
	} else {
		go watchReloads(watcher, srv, logger)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("bridgews: stopped")
	return nil
}

// watchReloads applies hot-reloaded admission fields to the running server
// until the watcher's event channel closes on shutdown.
func watchReloads(w *config.Watcher, srv *gateway.Server, logger *slog.Logger) {
	for ev := range w.Events() {
		if !ev.Changed {
			continue
		}
		logger.Info("bridgews: applying reloaded admission config")
		srv.UpdateAdmission(ev.Config.APIKey, ev.Config.AllowedOrigins)
	}
}

// newRunnerFactory dispatches provider tags ("A", "B", "C") to their
// concrete runner constructor, each wrapped with the configured request
// timeout where the provider honors one, and the shared metrics instruments
// so runner-timeout events surface on GET /metrics regardless of provider.
func newRunnerFactory(cfg config.Config, logger *slog.Logger, metrics *obs.Metrics) gateway.RunnerFactory {
	return func(provider string) runner.Runner {
		switch provider {
		case "A":
			return agentcli.New(agentcli.Config{
				Path:         cfg.AgentCLI.Path,
				DefaultTools: cfg.AgentCLI.DefaultTools,
				MaxTurns:     cfg.AgentCLI.MaxTurns,
				SessionDir:   cfg.SessionDir,
			}, subprocess.WithTimeout(cfg.RequestTimeout()), subprocess.WithLogger(logger), subprocess.WithMetrics(metrics))
		case "B":
			return codingcli.New(codingcli.Config{
				Path:       cfg.CodingCLI.Path,
				SessionDir: cfg.SessionDir,
			}, subprocess.WithTimeout(cfg.RequestTimeout()), subprocess.WithLogger(logger), subprocess.WithMetrics(metrics))
		case "C":
			return localmodel.New(localmodel.Config{
				BaseURL:      cfg.LocalModel.BaseURL,
				DefaultModel: cfg.LocalModel.DefaultModel,
			}, cfg.RequestTimeout(), localmodel.WithMetrics(metrics))
		default:
			logger.Error("bridgews: unknown provider tag requested", "provider", provider)
			return unknownProviderRunner{provider: provider}
		}
	}
}

// unknownProviderRunner rejects every Run call. Parse already restricts
// the provider field to "A"/"B"/"C", so this only guards against a future
// enum value reaching the gateway before its runner wiring exists.
type unknownProviderRunner struct{ provider string }

func (r unknownProviderRunner) Run(opts runner.Options, handlers runner.Handlers) {
	handlers.OnError(fmt.Sprintf("no runner wired for provider %q", r.provider), opts.RequestID)
}
func (unknownProviderRunner) Kill()    {}
func (unknownProviderRunner) Dispose() {}
