// Package executiontest provides a scriptable in-memory execution.Driver.
package executiontest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"harvest/internal/execution"
)

// Behavior scripts how a context opened for one target acts.
type Behavior struct {
	// ReadyAfter is the number of Ready polls answered false before true.
	ReadyAfter int
	NeverReady bool
	// GoneBeforeReady makes Ready report ErrContextGone.
	GoneBeforeReady bool
	OpenErr         error
	InjectErr       error
	CloseErr        error
	// NoReply leaves the completion pending.
	NoReply bool
	// DieAfterSend closes the handle's Gone channel instead of replying.
	DieAfterSend bool
	// Duplicate sends the reply twice; the second delivery error is recorded.
	Duplicate  bool
	ReplyDelay time.Duration
	Success    bool
	Payload    any
	Error      string
	// SourceLabel overrides the label echoed back by the agent.
	SourceLabel string
}

// Succeed is a Behavior replying with payload.
func Succeed(payload any) Behavior {
	return Behavior{Success: true, Payload: payload}
}

// Fail is a Behavior replying with an agent-side error.
func Fail(reason string) Behavior {
	return Behavior{Error: reason}
}

type handle struct {
	id      string
	target  string
	created time.Time
	polls   int
	gone    chan struct{}
	once    sync.Once
}

func (h *handle) ID() string            { return h.id }
func (h *handle) Target() string        { return h.target }
func (h *handle) CreatedAt() time.Time  { return h.created }
func (h *handle) Gone() <-chan struct{} { return h.gone }
func (h *handle) kill()                 { h.once.Do(func() { close(h.gone) }) }

// Driver is an execution.Driver whose contexts follow scripted behaviours.
type Driver struct {
	sink execution.ReplySink

	mu          sync.Mutex
	behaviors   map[string]Behavior
	fallback    Behavior
	opened      int
	closed      int
	live        map[string]*handle
	tasks       []execution.TaskDescriptor
	agents      []execution.AgentDescriptor
	deliverErrs []error
}

// NewDriver builds a driver delivering replies into sink. Targets without a
// script use fallback.
func NewDriver(sink execution.ReplySink, fallback Behavior) *Driver {
	return &Driver{sink: sink, fallback: fallback, behaviors: map[string]Behavior{}, live: map[string]*handle{}}
}

// Script assigns behaviour to target.
func (d *Driver) Script(target string, b Behavior) *Driver {
	d.mu.Lock()
	d.behaviors[target] = b
	d.mu.Unlock()
	return d
}

func (d *Driver) behavior(target string) Behavior {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.behaviors[target]; ok {
		return b
	}
	return d.fallback
}

func (d *Driver) Open(_ context.Context, target string) (execution.Handle, error) {
	b := d.behavior(target)
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	h := &handle{id: uuid.NewString(), target: target, created: time.Now(), gone: make(chan struct{})}
	d.mu.Lock()
	d.opened++
	d.live[h.id] = h
	d.mu.Unlock()
	return h, nil
}

func (d *Driver) Ready(_ context.Context, eh execution.Handle) (bool, error) {
	h := eh.(*handle)
	b := d.behavior(h.target)
	if b.GoneBeforeReady {
		h.kill()
		return false, execution.ErrContextGone
	}
	if b.NeverReady {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h.polls++
	return h.polls > b.ReadyAfter, nil
}

func (d *Driver) Inject(_ context.Context, eh execution.Handle, agent execution.AgentDescriptor) error {
	b := d.behavior(eh.Target())
	d.mu.Lock()
	d.agents = append(d.agents, agent)
	d.mu.Unlock()
	return b.InjectErr
}

func (d *Driver) Send(_ context.Context, eh execution.Handle, task execution.TaskDescriptor) error {
	h := eh.(*handle)
	b := d.behavior(h.target)
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()

	switch {
	case b.DieAfterSend:
		go h.kill()
		return nil
	case b.NoReply:
		return nil
	}

	var payload json.RawMessage
	if b.Payload != nil {
		raw, err := json.Marshal(b.Payload)
		if err != nil {
			return fmt.Errorf("encode scripted payload: %w", err)
		}
		payload = raw
	}
	msg := execution.Message{ContextID: h.id, Success: b.Success, Payload: payload, Error: b.Error, SourceLabel: b.SourceLabel}
	go func() {
		if b.ReplyDelay > 0 {
			time.Sleep(b.ReplyDelay)
		}
		d.deliver(msg)
		if b.Duplicate {
			d.deliver(msg)
		}
	}()
	return nil
}

func (d *Driver) deliver(msg execution.Message) {
	if err := d.sink.Deliver(msg); err != nil {
		d.mu.Lock()
		d.deliverErrs = append(d.deliverErrs, err)
		d.mu.Unlock()
	}
}

func (d *Driver) Close(_ context.Context, eh execution.Handle) error {
	h, ok := eh.(*handle)
	if !ok {
		return errors.New("foreign handle")
	}
	h.kill()
	d.mu.Lock()
	d.closed++
	delete(d.live, h.id)
	d.mu.Unlock()
	return d.behavior(h.target).CloseErr
}

// Counts reports how many contexts were opened and closed.
func (d *Driver) Counts() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

// Live reports how many contexts are still open.
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Tasks returns the task descriptors sent so far, in order.
func (d *Driver) Tasks() []execution.TaskDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]execution.TaskDescriptor(nil), d.tasks...)
}

// Agents returns the agent descriptors injected so far.
func (d *Driver) Agents() []execution.AgentDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]execution.AgentDescriptor(nil), d.agents...)
}

// DeliveryErrors returns errors returned by the sink, such as rejected duplicates.
func (d *Driver) DeliveryErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.deliverErrs...)
}
