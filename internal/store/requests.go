package store

import (
	"fmt"
	"strings"
	"time"
)

// Request is one row of the request log. Attempts holds the JSON-encoded
// attempt list.
type Request struct {
	ID           string
	Timestamp    string
	Service      string
	Operation    string
	Fingerprint  string
	Outcome      string
	Provider     string
	Degraded     string
	Attempts     string
	LatencyMs    int64
	ErrorMessage string
}

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	Service string
	Outcome string
	Limit   int
	Offset  int
}

// RequestStats aggregates the request log since a point in time.
type RequestStats struct {
	TotalRequests int64            `json:"total_requests"`
	Degraded      int64            `json:"degraded"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	ByOutcome     map[string]int64 `json:"by_outcome"`
}

const requestColumns = `id, timestamp, service, operation, fingerprint, outcome,
	provider, degraded, attempts, latency_ms, error_message`

// InsertRequest stores r. The caller supplies a unique ID.
func (s *Store) InsertRequest(r *Request) error {
	attempts := r.Attempts
	if attempts == "" {
		attempts = "[]"
	}
	_, err := s.writer.Exec(`INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Service, r.Operation, r.Fingerprint, r.Outcome,
		r.Provider, r.Degraded, attempts, r.LatencyMs, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: insert request: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	r := &Request{}
	err := sc.Scan(
		&r.ID, &r.Timestamp, &r.Service, &r.Operation, &r.Fingerprint, &r.Outcome,
		&r.Provider, &r.Degraded, &r.Attempts, &r.LatencyMs, &r.ErrorMessage,
	)
	return r, err
}

// GetRequest returns the request with id, wrapping sql.ErrNoRows when absent.
func (s *Store) GetRequest(id string) (*Request, error) {
	r, err := scanRequest(s.reader.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("store: get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns matching requests, newest first.
func (s *Store) ListRequests(f RequestFilter) ([]*Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	q := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan request row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list requests iteration: %w", err)
	}
	return out, nil
}

// GetRequestStats aggregates every request at or after since.
func (s *Store) GetRequestStats(since time.Time) (*RequestStats, error) {
	sinceStr := since.UTC().Format(time.RFC3339Nano)
	stats := &RequestStats{ByOutcome: make(map[string]int64)}

	err := s.reader.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN degraded != '' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(latency_ms), 0.0)
		FROM requests
		WHERE timestamp >= ?`, sinceStr,
	).Scan(&stats.TotalRequests, &stats.Degraded, &stats.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("store: get request stats: %w", err)
	}

	rows, err := s.reader.Query(`
		SELECT outcome, COUNT(*) FROM requests
		WHERE timestamp >= ?
		GROUP BY outcome`, sinceStr)
	if err != nil {
		return nil, fmt.Errorf("store: request outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("store: scan outcome row: %w", err)
		}
		stats.ByOutcome[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: request outcomes iteration: %w", err)
	}
	return stats, nil
}
