// Package lockreg implements named boolean locks that keep long-running
// operations from overlapping. Locks live in the volatile store under
// lock:<name> and are cleared by Reset when the daemon starts.
package lockreg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"harvest/internal/kvstore"
	"harvest/internal/logging"
	"harvest/internal/services"
)

// Lock families.
const (
	BatchProcessing  = "batch-processing"
	ReportGeneration = "report-generation"
	DataDeletion     = "data-deletion"
	ObjectiveImport  = "objective-import"
)

const keyPrefix = "lock:"

var (
	held     = []byte("true")
	released = []byte("false")
)

// Registry serializes check-and-set on lock keys.
type Registry struct {
	mu     sync.Mutex
	store  kvstore.Store
	logger *slog.Logger
}

// New builds a registry over the volatile store.
func New(store kvstore.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logging.NewComponentLogger(logger, "lockreg")}
}

// TryAcquire sets the lock and returns true, or returns false without side
// effects when it is already held.
func (r *Registry) TryAcquire(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	isHeld, err := r.isHeldLocked(ctx, name)
	if err != nil {
		return false, err
	}
	if isHeld {
		r.logger.Debug("lock busy", logging.String(logging.FieldLock, name))
		return false, nil
	}
	if err := r.store.Set(ctx, keyPrefix+name, held); err != nil {
		return false, services.Wrap(services.ErrPersistence, "lockreg", "acquire", name, err)
	}
	r.logger.Debug("lock acquired", logging.String(logging.FieldLock, name))
	return true, nil
}

// Release clears the lock. Releasing a free lock is a no-op.
func (r *Registry) Release(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Set(ctx, keyPrefix+name, released); err != nil {
		return services.Wrap(services.ErrPersistence, "lockreg", "release", name, err)
	}
	r.logger.Debug("lock released", logging.String(logging.FieldLock, name))
	return nil
}

// IsHeld reports the current value of the lock.
func (r *Registry) IsHeld(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isHeldLocked(ctx, name)
}

// Acquire is TryAcquire that reports a busy lock as ErrLockHeld.
func (r *Registry) Acquire(ctx context.Context, name string) error {
	ok, err := r.TryAcquire(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return services.Wrap(services.ErrLockHeld, "lockreg", "acquire", name, nil)
	}
	return nil
}

// Guard runs fn while holding name. The lock is released on every exit path,
// including a panic in fn, which is re-raised after release.
func (r *Registry) Guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if err := r.Acquire(ctx, name); err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the lock.
		if releaseErr := r.Release(context.WithoutCancel(ctx), name); releaseErr != nil {
			logging.WarnWithContext(r.logger, "lock release failed", "lock_release_failed",
				append(logging.ErrorAttrs(releaseErr), logging.String(logging.FieldLock, name))...)
			if err == nil {
				err = releaseErr
			}
		}
	}()
	return fn(ctx)
}

// Held lists the names of currently held locks.
func (r *Registry) Held(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, err := r.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		name := strings.TrimPrefix(key, keyPrefix)
		isHeld, err := r.isHeldLocked(ctx, name)
		if err != nil {
			return nil, err
		}
		if isHeld {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Reset clears every lock. It returns the names that were held, which after a
// crash are the operations interrupted mid-flight.
func (r *Registry) Reset(ctx context.Context) ([]string, error) {
	stale, err := r.Held(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range stale {
		if err := r.store.Set(ctx, keyPrefix+name, released); err != nil {
			return stale, services.Wrap(services.ErrPersistence, "lockreg", "reset", name, err)
		}
	}
	if len(stale) > 0 {
		r.logger.Info("stale locks cleared",
			logging.String(logging.FieldEventType, "locks_reset"),
			logging.Strings("locks", stale),
		)
	}
	return stale, nil
}

func (r *Registry) isHeldLocked(ctx context.Context, name string) (bool, error) {
	raw, ok, err := r.store.Get(ctx, keyPrefix+name)
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", name, err)
	}
	return ok && string(raw) == string(held), nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return services.Wrap(services.ErrValidation, "lockreg", "", "empty lock name", nil)
	}
	return nil
}
