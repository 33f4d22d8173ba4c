package store

import (
	"fmt"
	"time"
)

// BreakerRow is the persisted state of one provider's circuit breaker.
// NextAttemptAt is RFC 3339 or empty.
type BreakerRow struct {
	Provider            string
	State               string
	ConsecutiveFailures int
	NextAttemptAt       string
	OpenThreshold       int
	LastError           string
	SchemaVersion       int
	UpdatedAt           string
}

// UpsertBreaker writes b, replacing any earlier row for the same provider.
func (s *Store) UpsertBreaker(b *BreakerRow) error {
	_, err := s.writer.Exec(`
		INSERT INTO breaker_snapshots (
			provider, state, consecutive_failures, next_attempt_at,
			open_threshold, last_error, schema_version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			next_attempt_at = excluded.next_attempt_at,
			open_threshold = excluded.open_threshold,
			last_error = excluded.last_error,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at`,
		b.Provider, b.State, b.ConsecutiveFailures, b.NextAttemptAt,
		b.OpenThreshold, b.LastError, b.SchemaVersion, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert breaker %s: %w", b.Provider, err)
	}
	return nil
}

// ListBreakers returns every stored breaker row ordered by provider.
func (s *Store) ListBreakers() ([]*BreakerRow, error) {
	rows, err := s.reader.Query(`
		SELECT provider, state, consecutive_failures, next_attempt_at,
		       open_threshold, last_error, schema_version, updated_at
		FROM breaker_snapshots ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("store: list breakers: %w", err)
	}
	defer rows.Close()

	var out []*BreakerRow
	for rows.Next() {
		b := &BreakerRow{}
		if err := rows.Scan(&b.Provider, &b.State, &b.ConsecutiveFailures, &b.NextAttemptAt,
			&b.OpenThreshold, &b.LastError, &b.SchemaVersion, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan breaker row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list breakers iteration: %w", err)
	}
	return out, nil
}

// DeleteBreaker removes the row for provider, if any.
func (s *Store) DeleteBreaker(provider string) error {
	if _, err := s.writer.Exec("DELETE FROM breaker_snapshots WHERE provider = ?", provider); err != nil {
		return fmt.Errorf("store: delete breaker %s: %w", provider, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
