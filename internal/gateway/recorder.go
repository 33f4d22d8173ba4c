package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RequestLog is one completed request as handed to a Recorder.
type RequestLog struct {
	ID          string
	Timestamp   time.Time
	Service     string
	Operation   string
	Fingerprint string
	Outcome     string
	Provider    string
	Degraded    string
	Attempts    []Attempt
	Latency     time.Duration
	Error       string
}

// Recorder persists the request log. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordRequest(ctx context.Context, entry RequestLog) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, entry RequestLog) error

func (f RecorderFunc) RecordRequest(ctx context.Context, entry RequestLog) error {
	return f(ctx, entry)
}

const recordTimeout = 2 * time.Second

func (g *Gateway) record(p *prepared, res *Result, err error, outcome string, latency time.Duration, logger zerolog.Logger) {
	entry := RequestLog{
		Timestamp:   g.clk.Now().UTC(),
		Service:     string(p.service),
		Operation:   string(p.op),
		Fingerprint: p.fingerprint,
		Outcome:     outcome,
		Latency:     latency,
	}
	if res != nil {
		entry.ID = res.RequestID
		entry.Provider = res.Provider
		entry.Attempts = res.Attempts
		if res.Degraded != nil {
			entry.Degraded = string(res.Degraded.Reason)
		}
	} else {
		var ex *ExhaustedError
		if errors.As(err, &ex) {
			entry.Attempts = ex.Attempts
		}
		if err != nil {
			entry.Error = err.Error()
		}
	}

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str("outcome", outcome).
		Str("provider", entry.Provider).
		Int("attempts", len(entry.Attempts)).
		Dur("latency", latency).
		Msg("request completed")

	if g.recorder == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = newRequestID()
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if rerr := g.recorder.RecordRequest(ctx, entry); rerr != nil {
		logger.Warn().Err(rerr).Msg("failed to record request")
	}
}
