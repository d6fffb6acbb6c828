package execution

import (
	"context"
	"time"
)

// Handle is an opaque reference to an open execution context.
type Handle interface {
	ID() string
	Target() string
	CreatedAt() time.Time
}

// Liveness is optionally implemented by handles whose host can report that the
// context died. The channel closes when it does.
type Liveness interface {
	Gone() <-chan struct{}
}

// Driver hosts execution contexts.
type Driver interface {
	Open(ctx context.Context, target string) (Handle, error)
	// Ready reports whether the context finished loading. It returns
	// ErrContextGone once the context can never become ready.
	Ready(ctx context.Context, h Handle) (bool, error)
	Inject(ctx context.Context, h Handle, agent AgentDescriptor) error
	Send(ctx context.Context, h Handle, task TaskDescriptor) error
	Close(ctx context.Context, h Handle) error
}

// ReplySink accepts agent replies addressed by context id.
type ReplySink interface {
	Deliver(msg Message) error
}
