package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the connector.
type ErrorKind string

// Error kinds.
const (
	KindConnection ErrorKind = "connection"
	KindCapability ErrorKind = "capability"
	KindTransport  ErrorKind = "transport"
	KindState      ErrorKind = "state"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels such as ErrConnection.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels, for use with errors.Is.
var (
	ErrConnection = &Error{Kind: KindConnection}
	ErrCapability = &Error{Kind: KindCapability}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrState      = &Error{Kind: KindState}
)

// Reasons.
var (
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrWalletNotReady        = errors.New("wallet not ready")
	ErrUserRejected          = errors.New("user rejected the request")
	ErrWalletLost            = errors.New("wallet lost")
	ErrNoAccounts            = errors.New("wallet returned no accounts")
	ErrPairingCancelled      = errors.New("pairing cancelled")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrInvalidAccount        = errors.New("invalid account")
	ErrConnectInProgress     = errors.New("connection already in progress")
	ErrNotConnected          = errors.New("not connected")
	ErrUnknownCluster        = errors.New("unknown cluster")
	ErrTimeout               = errors.New("request timed out")
	ErrRateLimited           = errors.New("rate limited")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrRPC                   = errors.New("rpc error")
	ErrNetwork               = errors.New("network error")
)

func ConnectionError(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func CapabilityError(op string, err error) error {
	return &Error{Kind: KindCapability, Op: op, Err: err}
}

func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func StateError(op string, err error) error {
	return &Error{Kind: KindState, Op: op, Err: err}
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNetwork)
}
