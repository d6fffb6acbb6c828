// Package procdriver hosts execution contexts as agent child processes that
// speak line-delimited JSON over stdio.
package procdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"harvest/internal/execution"
	"harvest/internal/logging"
)

var commandContext = exec.CommandContext

const maxLineBytes = 16 << 20

// Environment variables handed to every agent process.
const (
	EnvContextID = "HARVEST_CONTEXT_ID"
	EnvTarget    = "HARVEST_TARGET"
)

// Line types exchanged with the agent.
const (
	lineReady  = "ready"
	lineResult = "result"
	lineLog    = "log"
	lineInject = "inject"
	lineTask   = "task"
)

type agentLine struct {
	Type        string          `json:"type"`
	Success     bool            `json:"success,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SourceLabel string          `json:"source_label,omitempty"`
	Error       string          `json:"error,omitempty"`
	Level       string          `json:"level,omitempty"`
	Msg         string          `json:"msg,omitempty"`
}

type driverLine struct {
	Type  string                     `json:"type"`
	Agent *execution.AgentDescriptor `json:"agent,omitempty"`
	Task  *execution.TaskDescriptor  `json:"task,omitempty"`
}

// Option configures the Driver.
type Option func(*Driver)

// WithArgs sets the agent command arguments.
func WithArgs(args ...string) Option {
	return func(d *Driver) { d.args = append([]string(nil), args...) }
}

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithAgentLogLevel sets the minimum level of forwarded agent log lines.
func WithAgentLogLevel(level slog.Level) Option {
	return func(d *Driver) { d.agentLevel = level }
}

// WithCloseTimeout bounds how long Close waits for a graceful exit before
// killing the agent.
func WithCloseTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.closeTimeout = timeout
		}
	}
}

// Driver is an execution.Driver backed by child processes.
type Driver struct {
	command      string
	args         []string
	sink         execution.ReplySink
	logger       *slog.Logger
	agentLevel   slog.Level
	closeTimeout time.Duration

	mu    sync.Mutex
	procs map[string]*process
}

// New builds a driver that runs command per context and forwards result
// lines into sink.
func New(command string, sink execution.ReplySink, opts ...Option) *Driver {
	d := &Driver{
		command:      strings.TrimSpace(command),
		sink:         sink,
		agentLevel:   slog.LevelInfo,
		closeTimeout: 5 * time.Second,
		procs:        make(map[string]*process),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "agent-host")
	return d
}

type process struct {
	id      string
	target  string
	created time.Time
	cmd     *exec.Cmd

	stdin   io.WriteCloser
	writeMu sync.Mutex

	ready   atomic.Bool
	done    chan struct{}
	exitErr error
}

func (p *process) ID() string            { return p.id }
func (p *process) Target() string        { return p.target }
func (p *process) CreatedAt() time.Time  { return p.created }
func (p *process) Gone() <-chan struct{} { return p.done }

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Open starts one agent process for target.
func (d *Driver) Open(ctx context.Context, target string) (execution.Handle, error) {
	if d.command == "" {
		return nil, errors.New("agent command not configured")
	}
	id := uuid.NewString()
	// The process outlives cancellation of the dispatch; Close owns its end.
	cmd := commandContext(context.WithoutCancel(ctx), d.command, d.args...) //nolint:gosec
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, EnvContextID+"="+id, EnvTarget+"="+target)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", d.command, err)
	}

	p := &process{id: id, target: target, created: time.Now(), cmd: cmd, stdin: stdin, done: make(chan struct{})}
	logger := d.logger.With(logging.String(logging.FieldContextID, id))
	agentLogger := logging.WithLevelOverride(logger.With(logging.String("source", "agent")), d.agentLevel)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		d.readLoop(p, stdout, logger, agentLogger)
	}()
	go func() {
		defer readers.Done()
		drainStderr(stderr, agentLogger)
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		close(p.done)
		if p.exitErr != nil {
			logger.Debug("agent process exited", logging.Error(p.exitErr))
		} else {
			logger.Debug("agent process exited")
		}
	}()

	d.mu.Lock()
	d.procs[id] = p
	d.mu.Unlock()
	return p, nil
}

func (d *Driver) readLoop(p *process, stdout io.Reader, logger, agentLogger *slog.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var line agentLine
		if err := json.Unmarshal(raw, &line); err != nil {
			logger.Debug("ignoring non-json agent output", logging.String("line", truncate(string(raw), 200)))
			continue
		}
		switch line.Type {
		case lineReady:
			p.ready.Store(true)
		case lineResult:
			msg := execution.Message{
				ContextID:   p.id,
				Success:     line.Success,
				Payload:     line.Payload,
				SourceLabel: line.SourceLabel,
				Error:       line.Error,
			}
			if err := d.sink.Deliver(msg); err != nil {
				logging.WarnWithContext(logger, "agent reply rejected", "agent_reply_rejected",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "agent sent more than one result"),
				)
			}
		case lineLog:
			agentLogger.Log(context.Background(), logging.ParseLevel(line.Level), line.Msg)
		default:
			logger.Debug("ignoring unknown agent line", logging.String("type", line.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read agent output failed", logging.Error(err))
	}
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Debug(line)
		}
	}
}

func (d *Driver) lookup(h execution.Handle) (*process, error) {
	if p, ok := h.(*process); ok {
		return p, nil
	}
	if h == nil {
		return nil, errors.New("nil handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.procs[h.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrUnknownContext, h.ID())
	}
	return p, nil
}

// Ready reports whether the agent announced readiness.
func (d *Driver) Ready(_ context.Context, h execution.Handle) (bool, error) {
	p, err := d.lookup(h)
	if err != nil {
		return false, err
	}
	if p.exited() {
		return false, execution.ErrContextGone
	}
	return p.ready.Load(), nil
}

// Inject hands the agent descriptor to the process.
func (d *Driver) Inject(_ context.Context, h execution.Handle, agent execution.AgentDescriptor) error {
	p, err := d.lookup(h)
	if err != nil {
		return err
	}
	return p.write(driverLine{Type: lineInject, Agent: &agent})
}

// Send delivers the task descriptor.
func (d *Driver) Send(_ context.Context, h execution.Handle, task execution.TaskDescriptor) error {
	p, err := d.lookup(h)
	if err != nil {
		return err
	}
	return p.write(driverLine{Type: lineTask, Task: &task})
}

func (p *process) write(line driverLine) error {
	if p.exited() {
		return execution.ErrContextGone
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode %s line: %w", line.Type, err)
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write %s line: %w", line.Type, err)
	}
	return nil
}

// Close closes the agent's stdin and waits for it to exit, killing it after
// the close timeout or when ctx ends.
func (d *Driver) Close(ctx context.Context, h execution.Handle) error {
	p, err := d.lookup(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.procs, p.id)
	d.mu.Unlock()

	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()

	timer := time.NewTimer(d.closeTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(d.closeTimeout):
		return fmt.Errorf("agent %s did not exit after kill", p.id)
	}
	return fmt.Errorf("agent %s ignored stdin close; killed", p.id)
}

// Live reports how many agent processes are tracked.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.procs)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

var _ execution.Driver = (*Driver)(nil)
