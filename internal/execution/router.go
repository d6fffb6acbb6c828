package execution

import (
	"fmt"
	"sync"
)

const settledMemory = 256

type pendingReply struct {
	ch      chan Message
	settled bool
}

// Router matches agent replies to the Dispatch call waiting on them. Each
// registered context accepts exactly one reply.
type Router struct {
	mu      sync.Mutex
	pending map[string]*pendingReply
	// recent remembers removed ids so late replies are reported as settled
	// rather than unknown.
	recent    []string
	recentSet map[string]struct{}
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{
		pending:   make(map[string]*pendingReply),
		recentSet: make(map[string]struct{}),
	}
}

// Register creates the single-shot completion for id.
func (r *Router) Register(id string) (<-chan Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("register %s: already registered", id)
	}
	p := &pendingReply{ch: make(chan Message, 1)}
	r.pending[id] = p
	return p.ch, nil
}

// Deliver settles the completion addressed by msg.ContextID.
func (r *Router) Deliver(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[msg.ContextID]
	if !ok {
		if _, seen := r.recentSet[msg.ContextID]; seen {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, msg.ContextID)
		}
		return fmt.Errorf("%w: %s", ErrUnknownContext, msg.ContextID)
	}
	if p.settled {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, msg.ContextID)
	}
	p.settled = true
	p.ch <- msg
	return nil
}

// Remove drops the completion for id.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return
	}
	delete(r.pending, id)
	r.recent = append(r.recent, id)
	r.recentSet[id] = struct{}{}
	if len(r.recent) > settledMemory {
		delete(r.recentSet, r.recent[0])
		r.recent = r.recent[1:]
	}
}

// Pending reports how many completions are registered.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
