// Package syncerr defines the failure kinds a sync cycle can run into.
//
// Callers decide per kind whether to degrade or propagate:
//
//	if errors.Is(err, syncerr.ErrNotConfigured) { ... }
//	switch syncerr.KindOf(err) { ... }
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotConfigured: a required URL or credential is missing. No
	// network call was attempted.
	KindNotConfigured
	// KindUpstreamUnavailable: transport error, timeout or non-2xx status.
	KindUpstreamUnavailable
	// KindMalformedPayload: the response or one record had an unexpected shape.
	KindMalformedPayload
	// KindPublishConflict: the remote rejected an update because the
	// version token was stale.
	KindPublishConflict
	// KindRenderFailure: the report could not be produced at all.
	KindRenderFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotConfigured:
		return "not_configured"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindPublishConflict:
		return "publish_conflict"
	case KindRenderFailure:
		return "render_failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrNotConfigured       = &Error{Kind: KindNotConfigured}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrMalformedPayload    = &Error{Kind: KindMalformedPayload}
	ErrPublishConflict     = &Error{Kind: KindPublishConflict}
	ErrRenderFailure       = &Error{Kind: KindRenderFailure}
)

// Error carries enough context (service, endpoint, status) to diagnose a
// failure from the log alone.
type Error struct {
	Kind     Kind
	Service  string
	Endpoint string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Service != "" {
		b.WriteString(e.Service)
		b.WriteString(": ")
	}
	b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	if e.Endpoint != "" {
		b.WriteString(" (")
		b.WriteString(e.Endpoint)
		b.WriteString(")")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of service or endpoint.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NotConfigured reports a required setting that is empty.
func NotConfigured(service, what string) error {
	return &Error{Kind: KindNotConfigured, Service: service, Err: fmt.Errorf("%s is empty", what)}
}

// Upstream reports a transport failure or a non-success status.
func Upstream(service, endpoint string, status int, err error) error {
	return &Error{Kind: KindUpstreamUnavailable, Service: service, Endpoint: endpoint, Status: status, Err: err}
}

// Malformed reports a payload that could not be decoded.
func Malformed(service, endpoint string, err error) error {
	return &Error{Kind: KindMalformedPayload, Service: service, Endpoint: endpoint, Err: err}
}

// Conflict reports a rejected remote write, typically a stale sha.
func Conflict(service, endpoint string, status int, err error) error {
	return &Error{Kind: KindPublishConflict, Service: service, Endpoint: endpoint, Status: status, Err: err}
}

// Render reports a report that could not be produced.
func Render(err error) error {
	return &Error{Kind: KindRenderFailure, Service: "report", Err: err}
}
