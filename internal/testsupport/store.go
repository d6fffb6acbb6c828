package testsupport

import (
	"testing"

	"harvest/internal/config"
	"harvest/internal/kvstore"
)

// MustOpenDurable opens the durable store for tests and registers cleanup.
func MustOpenDurable(t testing.TB, cfg *config.Config) *kvstore.SQLiteStore {
	t.Helper()

	store, err := kvstore.OpenDurable(cfg)
	if err != nil {
		t.Fatalf("kvstore.OpenDurable: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenVolatile opens the volatile store for tests and registers cleanup.
func MustOpenVolatile(t testing.TB, cfg *config.Config) *kvstore.SQLiteStore {
	t.Helper()

	store, err := kvstore.OpenVolatile(cfg)
	if err != nil {
		t.Fatalf("kvstore.OpenVolatile: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
