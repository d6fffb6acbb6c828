package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"harvest/internal/config"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/kvstore"
	"harvest/internal/logging"
	"harvest/internal/notifications"
	"harvest/internal/workflow"
)

// Dependencies are the collaborators the daemon wires into its workflow
// service.
type Dependencies struct {
	Executor   workflow.Executor
	Router     *execution.Router
	Durable    kvstore.Store
	Volatile   kvstore.Store
	Hub        *events.Hub
	Notifier   notifications.Service
	Originator notifications.Originator
	Logger     *slog.Logger
}

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	deps     Dependencies
	workflow *workflow.Service
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	// work scopes background batches and import drive loops.
	work     context.Context
	stopWork context.CancelFunc

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool
	PID           int
	LockFilePath  string
	DurableStore  string
	VolatileStore string
	Workflow      workflow.StatusSummary
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Dependencies) (*Daemon, error) {
	if cfg == nil || deps.Executor == nil || deps.Router == nil || deps.Durable == nil || deps.Volatile == nil {
		return nil, errors.New("daemon requires config, executor, router, and both stores")
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(cfg.Events.Capacity)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	work, stopWork := context.WithCancel(context.Background())
	lockPath := cfg.DaemonLockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(deps.Logger, "daemon"),
		deps:     deps,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		work:     work,
		stopWork: stopWork,
	}
	d.workflow = workflow.NewService(work, cfg, workflow.Dependencies{
		Executor:   deps.Executor,
		Volatile:   deps.Volatile,
		Durable:    deps.Durable,
		Hub:        deps.Hub,
		Notifier:   deps.Notifier,
		Originator: deps.Originator,
		Logger:     deps.Logger,
	})
	d.api = newAPIServer(cfg, d, deps.Logger)
	return d, nil
}

// Start acquires the daemon lock, opens the API listener and recovers
// interrupted work.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another harvest daemon instance is already running")
	}

	// Recover may start an import drive loop, so it runs only once listening
	// has succeeded.
	if err := d.api.listen(); err != nil {
		_ = d.lock.Unlock()
		return err
	}
	if err := d.workflow.Recover(ctx); err != nil {
		d.api.shutdown()
		d.stopWork()
		d.workflow.Wait()
		_ = d.lock.Unlock()
		return fmt.Errorf("recover workflow: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("harvest daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api_address", d.api.address()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Run starts the daemon and serves until ctx is cancelled, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.api.serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		d.api.shutdown()
		return nil
	})
	return g.Wait()
}

// Stop stops background work, closes the API and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.shutdown()
	d.stopWork()
	d.workflow.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("harvest daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	d.stopWork()
	return nil
}

// Workflow exposes the workflow service.
func (d *Daemon) Workflow() *workflow.Service {
	return d.workflow
}

// Addr reports the address the API listener is bound to, once started.
func (d *Daemon) Addr() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	summary, err := d.workflow.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		LockFilePath:  d.lockPath,
		DurableStore:  d.cfg.DurableStorePath(),
		VolatileStore: d.cfg.VolatileStorePath(),
		Workflow:      summary,
	}, nil
}
