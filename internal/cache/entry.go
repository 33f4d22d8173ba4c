package cache

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Backend when no entry matches.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrEntryTooLarge is returned when a single entry exceeds the cache
	// size bound.
	ErrEntryTooLarge = errors.New("cache: entry larger than cache bound")
	// ErrInvalidEntry is returned for entries that violate their
	// invariants.
	ErrInvalidEntry = errors.New("cache: invalid entry")
)

// Entry is one cached canonical result.
type Entry struct {
	Fingerprint    string          `json:"fingerprint"`
	Namespace      string          `json:"namespace"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	SourceProvider string          `json:"source_provider"`
	SizeBytes      int64           `json:"size_bytes"`
}

// ExpiredAt reports whether now is strictly past the entry's expiry.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *Entry) meta() meta {
	return meta{
		namespace:   e.Namespace,
		fingerprint: e.Fingerprint,
		size:        e.SizeBytes,
		createdAt:   e.CreatedAt,
		expiresAt:   e.ExpiresAt,
	}
}

// Status is the outcome of a lookup.
type Status int

const (
	Miss Status = iota
	Hit
	Expired
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Expired:
		return "expired"
	default:
		return "miss"
	}
}

// Lookup is the result of Get. Entry is set for Hit and Expired.
type Lookup struct {
	Status Status
	Entry  *Entry
}

// meta is the index record kept in memory for every stored entry.
type meta struct {
	namespace   string
	fingerprint string
	size        int64
	createdAt   time.Time
	expiresAt   time.Time
}

func indexKey(ns, fp string) string { return ns + "/" + fp }
