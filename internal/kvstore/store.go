package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is the key/value surface consumed by the orchestration packages.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PrefixRemover is implemented by stores that can drop a key range in one call.
type PrefixRemover interface {
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

// GetJSON decodes the value stored under key into dst. It reports false when
// the key is absent.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// RemovePrefix drops every key under prefix, using the store's native range
// delete when available.
func RemovePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	if remover, ok := s.(PrefixRemover); ok {
		return remover.RemovePrefix(ctx, prefix)
	}
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.Remove(ctx, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}
