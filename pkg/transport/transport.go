// Package transport provides the HTTP capability the Bitrix24 client sends
// requests through.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Transport performs one HTTP exchange. A non-2xx status is not an error;
// err is reserved for failures to obtain a response at all.
type Transport interface {
	Send(ctx context.Context, method, url string, params map[string]any, timeout time.Duration) (status int, body []byte, err error)
}

// Kind classifies a transport failure.
type Kind string

const (
	// KindTimeout is a per-attempt deadline or a network timeout.
	KindTimeout Kind = "timeout"

	// KindConnection covers refused, reset and prematurely closed connections.
	KindConnection Kind = "connection"

	// KindDNS is a name resolution failure.
	KindDNS Kind = "dns"

	// KindCanceled means the caller's context ended.
	KindCanceled Kind = "canceled"

	// KindOther is anything else (TLS, malformed URL, ...).
	KindOther Kind = "other"
)

// Error is a failure to complete an HTTP exchange. URL has its credential
// segment redacted.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("transport %s error for %s: %v", e.Kind, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same request may succeed.
func (e *Error) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnection
}

// Classify wraps err into an *Error. parent is the caller's context, used to
// tell a caller cancellation apart from a per-attempt timeout. The webhook
// key or access token in rawURL is redacted, in the returned Error and in a
// wrapped *url.Error alike.
func Classify(parent context.Context, rawURL string, err error) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		existing.URL = RedactURL(existing.URL)
		return existing
	}

	redacted := RedactURL(rawURL)
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = RedactURL(urlErr.URL)
	}

	kind := KindOther
	var dnsErr *net.DNSError
	var netErr net.Error
	var opErr *net.OpError

	switch {
	case parent != nil && parent.Err() != nil:
		kind = KindCanceled
		err = fmt.Errorf("%w: %w", parent.Err(), err)
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &opErr):
		kind = KindConnection
	}

	return &Error{Kind: kind, URL: redacted, Err: err}
}

// Redacted replaces the credential segment of a REST URL.
const Redacted = "REDACTED"

// RedactURL hides the token in /rest/<token>/<method> and
// /rest/<user_id>/<token>/<method>. Other URLs are returned unchanged.
func RedactURL(rawURL string) string {
	idx := strings.Index(rawURL, "/rest/")
	if idx < 0 {
		return rawURL
	}
	prefix, rest := rawURL[:idx+len("/rest/")], rawURL[idx+len("/rest/"):]

	suffix := ""
	if cut := strings.IndexAny(rest, "?#"); cut >= 0 {
		rest, suffix = rest[:cut], rest[cut:]
	}

	segments := strings.Split(rest, "/")
	if len(segments) < 2 {
		return rawURL
	}
	segments[len(segments)-2] = Redacted
	return prefix + strings.Join(segments, "/") + suffix
}
