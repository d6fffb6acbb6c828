package workflow

import "context"

// ComponentHealth reports readiness for one backing component.
type ComponentHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Service) health(ctx context.Context) []ComponentHealth {
	return []ComponentHealth{
		storeHealth(ctx, "durable_store", s.deps.Durable),
		storeHealth(ctx, "volatile_store", s.deps.Volatile),
	}
}

func storeHealth(ctx context.Context, name string, store any) ComponentHealth {
	p, ok := store.(pinger)
	if !ok {
		return ComponentHealth{Name: name, Ready: store != nil}
	}
	if err := p.Ping(ctx); err != nil {
		return ComponentHealth{Name: name, Detail: err.Error()}
	}
	return ComponentHealth{Name: name, Ready: true}
}
