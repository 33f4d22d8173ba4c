package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Classification is the outcome category of a single upstream exchange.
type Classification int

const (
	Success Classification = iota
	ProviderUnreachable
	ProviderTimeout
	ProviderRateLimited
	ProviderServerError
	ProviderAuthFailure
	// ProviderMisconfigured means no request could be built from the
	// provider's record, e.g. a kind that cannot express the operation.
	ProviderMisconfigured
	CallerError
	MalformedResponse
	Cancelled
)

var classificationNames = [...]string{
	Success:               "success",
	ProviderUnreachable:   "provider_unreachable",
	ProviderTimeout:       "provider_timeout",
	ProviderRateLimited:   "provider_rate_limited",
	ProviderServerError:   "provider_server_error",
	ProviderAuthFailure:   "provider_auth_failure",
	ProviderMisconfigured: "provider_misconfigured",
	CallerError:           "caller_error",
	MalformedResponse:     "malformed_response",
	Cancelled:             "cancelled",
}

func (c Classification) String() string {
	if int(c) >= 0 && int(c) < len(classificationNames) {
		return classificationNames[c]
	}
	return "unknown"
}

// MarshalText renders the classification by name in JSON attempt logs.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ProviderFault reports whether the outcome counts against the provider's
// circuit breaker.
func (c Classification) ProviderFault() bool {
	switch c {
	case ProviderUnreachable, ProviderTimeout, ProviderServerError, ProviderAuthFailure,
		ProviderMisconfigured, MalformedResponse:
		return true
	}
	return false
}

// Failover reports whether the dispatcher should move on to the next
// candidate after this outcome. Caller errors and cancellation end the
// request.
func (c Classification) Failover() bool {
	switch c {
	case Success, CallerError, Cancelled:
		return false
	}
	return true
}

// Disables reports whether the provider should be taken out of rotation
// until an operator re-enables it.
func (c Classification) Disables() bool {
	return c == ProviderAuthFailure || c == ProviderMisconfigured
}

// classifyStatus maps a completed HTTP response to a classification. 2xx is
// reported as Success here; body validation happens afterwards.
func classifyStatus(code int, header http.Header) Classification {
	switch {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusTooManyRequests:
		return ProviderRateLimited
	case code == http.StatusServiceUnavailable && header.Get("Retry-After") != "":
		return ProviderRateLimited
	case code == http.StatusRequestTimeout:
		return ProviderTimeout
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ProviderAuthFailure
	case code >= 400 && code < 500:
		return CallerError
	default:
		return ProviderServerError
	}
}

// classifyError maps a transport error to a classification. parent is the
// caller's context; its cancellation wins over everything else.
func classifyError(parent context.Context, err error) Classification {
	if parent.Err() != nil {
		return Cancelled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ProviderUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ProviderUnreachable
	}

	if isTLSError(err) {
		return ProviderUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProviderTimeout
	}

	return ProviderUnreachable
}

func isTLSError(err error) bool {
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}

// retryAfter parses the Retry-After header, either delta-seconds or an
// HTTP-date relative to now. It returns 0 if absent or unparsable.
func retryAfter(header http.Header, now time.Time) time.Duration {
	ra := strings.TrimSpace(header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
