// Package onionerr defines the error-kind vocabulary shared across the
// daemons: every failure is one of four kinds. The relay and the
// directory wrap the errors they return or log with a kind; the FAILED
// tag a relay emits is chosen by the failing step, not by the kind, and
// the originator does not inspect kinds.
package onionerr

import "errors"

// Kind classifies a failure.
type Kind int

const (
	// Network covers connect, reset, refused, and timeout failures.
	Network Kind = iota
	// Crypto covers decrypt failure, signature mismatch, and key load failure.
	Crypto
	// Protocol covers wrong cell type, malformed cell, and unexpected stream termination.
	Protocol
	// Upstream covers exit-side HTTP failures.
	Upstream
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "NetworkError"
	case Crypto:
		return "CryptoError"
	case Protocol:
		return "ProtocolError"
	case Upstream:
		return "UpstreamError"
	default:
		return "UnknownError"
	}
}

// kindError wraps an underlying error with a Kind, comparable via
// errors.Is against the Kind's sentinel (Network, Crypto, ...).
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	k, ok := target.(*kindError)
	return ok && k.kind == e.kind && k.err == nil
}

// sentinel returns a zero-payload kindError usable as an errors.Is target.
func sentinel(k Kind) error { return &kindError{kind: k} }

// Sentinels for errors.Is comparisons, e.g. errors.Is(err, onionerr.ErrCrypto).
var (
	ErrNetwork  = sentinel(Network)
	ErrCrypto   = sentinel(Crypto)
	ErrProtocol = sentinel(Protocol)
	ErrUpstream = sentinel(Upstream)
)

// Wrap annotates err with kind so callers can later recover it with
// errors.Is against the matching sentinel.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the Kind wrapped around err, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}
