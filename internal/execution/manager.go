package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"harvest/internal/logging"
	"harvest/internal/services"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultCloseTimeout = 10 * time.Second
)

// Manager runs Dispatch calls against a Driver.
type Manager struct {
	driver          Driver
	router          *Router
	logger          *slog.Logger
	pollInterval    time.Duration
	responseTimeout time.Duration
	closeTimeout    time.Duration

	mu   sync.Mutex
	open map[string]*Context
}

// Option configures optional Manager behaviour.
type Option func(*Manager)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPollInterval sets the readiness polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithResponseTimeout bounds the wait for the agent's reply. Zero waits
// until the context dies or the caller's context ends.
func WithResponseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.responseTimeout = d
		}
	}
}

// WithCloseTimeout bounds teardown.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.closeTimeout = d
		}
	}
}

// NewManager builds a Manager. The router must be the same ReplySink the
// driver delivers agent replies to.
func NewManager(driver Driver, router *Router, opts ...Option) *Manager {
	m := &Manager{
		driver:       driver,
		router:       router,
		pollInterval: defaultPollInterval,
		closeTimeout: defaultCloseTimeout,
		open:         make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "execution")
	return m
}

// Dispatch runs item in a fresh execution context and returns its outcome.
// Exactly one context is opened and closed, and exactly one completion is
// registered and removed, per call.
func (m *Manager) Dispatch(ctx context.Context, item WorkItem, agent AgentDescriptor, readyTimeout time.Duration) TaskResult {
	ctx = services.WithItemLabel(ctx, item.Label)

	handle, err := m.driver.Open(ctx, item.Target)
	if err != nil {
		return m.fail(ctx, services.Wrap(services.ErrContextUnavailable, "execution", "open", item.Target, err))
	}
	ctx = services.WithContextID(ctx, handle.ID())
	logger := logging.WithContext(ctx, m.logger)
	record := m.track(handle, item.Label)
	defer m.teardown(ctx, handle)

	logger.Debug("execution context opened", logging.String("target", item.Target))

	if err := m.awaitReady(ctx, handle, readyTimeout); err != nil {
		return m.fail(ctx, err)
	}

	if err := m.driver.Inject(ctx, handle, agent); err != nil {
		return m.fail(ctx, services.Wrap(services.ErrContextUnavailable, "execution", "inject", agent.Name, err))
	}
	m.markInjected(record)

	reply, err := m.router.Register(handle.ID())
	if err != nil {
		return m.fail(ctx, services.Wrap(services.ErrContextUnavailable, "execution", "register", "", err))
	}
	defer m.router.Remove(handle.ID())

	if err := m.driver.Send(ctx, handle, Describe(handle.ID(), item)); err != nil {
		return m.fail(ctx, services.Wrap(services.ErrContextUnavailable, "execution", "send", "", err))
	}

	msg, err := m.awaitReply(ctx, handle, reply)
	if err != nil {
		return m.fail(ctx, err)
	}
	if !msg.Success {
		reason := msg.Error
		if reason == "" {
			reason = "agent reported failure without a reason"
		}
		return m.fail(ctx, services.Wrap(services.ErrAgentReportedFailure, "execution", "reply", reason, nil))
	}
	label := msg.SourceLabel
	if label == "" {
		label = item.Label
	}
	logger.Debug("agent reply received", logging.Int("payload_bytes", len(msg.Payload)))
	return Success(msg.Payload, label)
}

func (m *Manager) awaitReady(ctx context.Context, handle Handle, readyTimeout time.Duration) error {
	deadline := time.NewTimer(readyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		ready, err := m.driver.Ready(ctx, handle)
		switch {
		case errors.Is(err, ErrContextGone):
			return services.Wrap(services.ErrContextUnavailable, "execution", "ready", "context exited before becoming ready", err)
		case err != nil:
			return services.Wrap(services.ErrContextUnavailable, "execution", "ready", "", err)
		case ready:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return services.Wrap(services.ErrContextLoadTimeout, "execution", "ready",
				fmt.Sprintf("target not ready after %s", readyTimeout), nil)
		case <-ticker.C:
		}
	}
}

func (m *Manager) awaitReply(ctx context.Context, handle Handle, reply <-chan Message) (Message, error) {
	var timeout <-chan time.Time
	if m.responseTimeout > 0 {
		timer := time.NewTimer(m.responseTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	var gone <-chan struct{}
	if live, ok := handle.(Liveness); ok {
		gone = live.Gone()
	}

	select {
	case msg := <-reply:
		return msg, nil
	case <-gone:
		// A reply that raced the exit still wins.
		select {
		case msg := <-reply:
			return msg, nil
		default:
		}
		return Message{}, services.Wrap(services.ErrContextUnavailable, "execution", "await", "context exited without replying", nil)
	case <-timeout:
		return Message{}, services.Wrap(services.ErrResponseTimeout, "execution", "await",
			fmt.Sprintf("no reply after %s", m.responseTimeout), nil)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (m *Manager) teardown(ctx context.Context, handle Handle) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.closeTimeout)
	defer cancel()
	if err := m.driver.Close(closeCtx, handle); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "execution context teardown failed", "context_close_failed",
			append(logging.ErrorAttrs(err), logging.String(logging.FieldErrorHint, "orphaned agent processes may need manual cleanup"))...)
	}
	m.mu.Lock()
	delete(m.open, handle.ID())
	m.mu.Unlock()
}

func (m *Manager) fail(ctx context.Context, err error) TaskResult {
	logger := logging.WithContext(ctx, m.logger)
	if errors.Is(err, context.Canceled) {
		logger.Debug("dispatch cancelled")
	} else {
		logger.Warn("dispatch failed", logging.Args(append(logging.ErrorAttrs(err),
			logging.String(logging.FieldEventType, "dispatch_failed"))...)...)
	}
	return Failure(err)
}

func (m *Manager) track(handle Handle, label string) *Context {
	record := &Context{ID: handle.ID(), Target: handle.Target(), Label: label, CreatedAt: handle.CreatedAt()}
	m.mu.Lock()
	m.open[record.ID] = record
	m.mu.Unlock()
	return record
}

func (m *Manager) markInjected(record *Context) {
	m.mu.Lock()
	record.AgentInjected = true
	m.mu.Unlock()
}

// Contexts returns the currently open execution contexts.
func (m *Manager) Contexts() []Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Context, 0, len(m.open))
	for _, c := range m.open {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Router exposes the completion registry so external transports can deliver
// replies.
func (m *Manager) Router() *Router {
	return m.router
}
