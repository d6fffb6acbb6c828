// Package daemonrun assembles the daemon process: logger, stores, agent
// host, execution manager and daemon, run until a termination signal.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"harvest/internal/config"
	"harvest/internal/daemon"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/execution/procdriver"
	"harvest/internal/kvstore"
	"harvest/internal/logging"
	"harvest/internal/notifications"
	"harvest/internal/preflight"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
	// AgentLogLevel is the minimum level forwarded from agent log lines.
	AgentLogLevel string
}

// Run starts the harvest daemon and blocks until SIGINT/SIGTERM or cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logPreflightSnapshot(signalCtx, logger, cfg)
	pidPath := filepath.Join(cfg.Paths.RuntimeDir, "harvestd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	durable, err := kvstore.OpenDurable(cfg)
	if err != nil {
		logger.Error("open durable store", logging.Error(err))
		return err
	}
	defer durable.Close()
	volatile, err := kvstore.OpenVolatile(cfg)
	if err != nil {
		logger.Error("open volatile store", logging.Error(err))
		return err
	}
	defer volatile.Close()

	hub := events.NewHub(cfg.Events.Capacity)
	hub.AddSink(eventLogger{logger: logging.NewComponentLogger(logger, "events")})

	router := execution.NewRouter()
	driverOpts := []procdriver.Option{
		procdriver.WithArgs(cfg.Agent.Args...),
		procdriver.WithLogger(logger),
		procdriver.WithCloseTimeout(cfg.CloseTimeout()),
	}
	if opts.AgentLogLevel != "" {
		driverOpts = append(driverOpts, procdriver.WithAgentLogLevel(logging.ParseLevel(opts.AgentLogLevel)))
	}
	driver := procdriver.New(cfg.Agent.Command, router, driverOpts...)
	manager := execution.NewManager(driver, router,
		execution.WithLogger(logger),
		execution.WithPollInterval(cfg.ReadyPollInterval()),
		execution.WithResponseTimeout(cfg.ResponseTimeout()),
		execution.WithCloseTimeout(cfg.CloseTimeout()),
	)

	d, err := daemon.New(cfg, daemon.Dependencies{
		Executor:   manager,
		Router:     router,
		Durable:    durable,
		Volatile:   volatile,
		Hub:        hub,
		Notifier:   notifications.NewService(cfg),
		Originator: notifications.NewOriginator(cfg),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Run(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon stopped with error", "daemon_failed", logging.ErrorAttrs(err)...)
		return err
	}
	logger.Info("harvest daemon shutting down")
	return nil
}

// eventLogger mirrors hub events into the debug log.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Append(evt events.Event) {
	l.logger.Debug("event published",
		logging.Int64("seq", int64(evt.Sequence)),
		logging.String("type", string(evt.Type)),
		logging.String(logging.FieldRunID, evt.RunID),
	)
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logPreflightSnapshot(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	results := preflight.RunAll(ctx, cfg)
	attrs := []logging.Attr{logging.String(logging.FieldEventType, "preflight_snapshot")}
	for _, r := range results {
		key := strings.ReplaceAll(strings.ToLower(r.Name), " ", "_") + "_ok"
		attrs = append(attrs, logging.Bool(key, r.Passed))
	}
	logger.Info("preflight snapshot", logging.Args(attrs...)...)
	for _, r := range preflight.Failed(results) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "fix the reported path or command before submitting work"),
		)
	}
}
