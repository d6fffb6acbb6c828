// Package records stores the payloads extracted by batch runs in the durable
// store.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"harvest/internal/kvstore"
	"harvest/internal/services"
)

// KeyPrefix is the durable-store prefix shared by every record.
const KeyPrefix = "record:"

// Persister consumes successful extraction payloads.
type Persister interface {
	Persist(ctx context.Context, payload json.RawMessage, label string, year, month int) error
}

// Record is one stored extraction result.
type Record struct {
	Label    string          `json:"label"`
	Year     int             `json:"year,omitempty"`
	Month    int             `json:"month,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
}

// Key returns the durable key for label and period. Items without a period
// are stored under the bare label.
func Key(label string, year, month int) string {
	label = strings.TrimSpace(label)
	if year <= 0 {
		return KeyPrefix + label
	}
	if month <= 0 {
		return fmt.Sprintf("%s%s:%04d", KeyPrefix, label, year)
	}
	return fmt.Sprintf("%s%s:%04d-%02d", KeyPrefix, label, year, month)
}

// Store is the default Persister backed by a kvstore.
type Store struct {
	kv  kvstore.Store
	now func() time.Time
}

// NewStore wraps the durable store.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

// Persist writes payload under Key(label, year, month), replacing any earlier
// record for the same period.
func (s *Store) Persist(ctx context.Context, payload json.RawMessage, label string, year, month int) error {
	if strings.TrimSpace(label) == "" {
		return services.Wrap(services.ErrValidation, "records", "persist", "label is required", nil)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	rec := Record{Label: strings.TrimSpace(label), Year: year, Month: month, Payload: payload, StoredAt: s.now().UTC()}
	if err := kvstore.SetJSON(ctx, s.kv, Key(label, year, month), rec); err != nil {
		return services.Wrap(services.ErrPersistence, "records", "persist", rec.Label, err)
	}
	return nil
}

// List returns every stored record in key order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		var rec Record
		ok, err := kvstore.GetJSON(ctx, s.kv, key, &rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Count reports how many records are stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return len(keys), nil
}

// Purge deletes every stored record and returns how many were removed.
// Callers hold the data-deletion lock.
func (s *Store) Purge(ctx context.Context) (int, error) {
	n, err := kvstore.RemovePrefix(ctx, s.kv, KeyPrefix)
	if err != nil {
		return n, services.Wrap(services.ErrPersistence, "records", "purge", "", err)
	}
	return n, nil
}

var _ Persister = (*Store)(nil)
