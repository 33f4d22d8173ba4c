package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/allaspectsdev/switchyard/internal/breaker"
	"github.com/allaspectsdev/switchyard/internal/gateway"
)

// RequestRecorder adapts Store to gateway.Recorder.
type RequestRecorder struct {
	store *Store
}

// NewRequestRecorder wraps s.
func NewRequestRecorder(s *Store) *RequestRecorder {
	return &RequestRecorder{store: s}
}

// RecordRequest inserts one request log row.
func (a *RequestRecorder) RecordRequest(ctx context.Context, e gateway.RequestLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := []byte("[]")
	if len(e.Attempts) > 0 {
		b, err := json.Marshal(e.Attempts)
		if err != nil {
			return fmt.Errorf("store: encode attempts: %w", err)
		}
		attempts = b
	}
	return a.store.InsertRequest(&Request{
		ID:           e.ID,
		Timestamp:    formatTime(e.Timestamp),
		Service:      e.Service,
		Operation:    e.Operation,
		Fingerprint:  e.Fingerprint,
		Outcome:      e.Outcome,
		Provider:     e.Provider,
		Degraded:     e.Degraded,
		Attempts:     string(attempts),
		LatencyMs:    e.Latency.Milliseconds(),
		ErrorMessage: e.Error,
	})
}

// DecodeAttempts parses a stored attempt list.
func DecodeAttempts(r *Request) ([]gateway.Attempt, error) {
	var out []gateway.Attempt
	if r.Attempts == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Attempts), &out); err != nil {
		return nil, fmt.Errorf("store: decode attempts for %s: %w", r.ID, err)
	}
	return out, nil
}

// BreakerAdapter persists breaker.Snapshot values.
type BreakerAdapter struct {
	store *Store
}

// NewBreakerAdapter wraps s.
func NewBreakerAdapter(s *Store) *BreakerAdapter {
	return &BreakerAdapter{store: s}
}

// Save writes snap, tagged with the current schema version.
func (a *BreakerAdapter) Save(snap breaker.Snapshot) error {
	return a.store.UpsertBreaker(&BreakerRow{
		Provider:            snap.Provider,
		State:               snap.State.String(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		NextAttemptAt:       formatTime(snap.NextAttemptAt),
		OpenThreshold:       snap.OpenThreshold,
		LastError:           snap.LastError,
		SchemaVersion:       SchemaVersion(),
		UpdatedAt:           formatTime(a.store.now()),
	})
}

// SaveAll writes every snapshot, stopping at the first error.
func (a *BreakerAdapter) SaveAll(snaps []breaker.Snapshot) error {
	for _, s := range snaps {
		if err := a.Save(s); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the snapshots usable under openThreshold. Rows written by a
// different schema version, with a different threshold, or with an
// unrecognised state are deleted and skipped.
func (a *BreakerAdapter) Load(openThreshold int) ([]breaker.Snapshot, error) {
	rows, err := a.store.ListBreakers()
	if err != nil {
		return nil, err
	}
	out := make([]breaker.Snapshot, 0, len(rows))
	for _, r := range rows {
		state, ok := breaker.ParseState(r.State)
		if !ok || r.SchemaVersion != SchemaVersion() || r.OpenThreshold != openThreshold {
			if err := a.store.DeleteBreaker(r.Provider); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, breaker.Snapshot{
			Provider:            r.Provider,
			State:               state,
			StateName:           state.String(),
			ConsecutiveFailures: r.ConsecutiveFailures,
			NextAttemptAt:       parseTime(r.NextAttemptAt),
			OpenThreshold:       r.OpenThreshold,
			LastError:           r.LastError,
		})
	}
	return out, nil
}
