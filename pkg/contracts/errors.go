package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Negotiation errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("expired")
	ErrUnsubscribed     = errors.New("unsubscribed")
	ErrAlreadyCountered = errors.New("proposal already countered")
	ErrNotCompatible    = errors.New("proposal not compatible with demand")
	ErrFinallyRejected  = errors.New("negotiation finally rejected")
	ErrRejected         = errors.New("rejected by negotiator")
	ErrRateLimited      = errors.New("rate limited")
	ErrTransport        = errors.New("transport failure")
	ErrInvalidSignature = errors.New("invalid signature")
)

// StateError reports a transition attempted from an incompatible state. The
// entity is left untouched.
type StateError struct {
	Entity   string
	ID       string
	Expected []string
	Actual   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: invalid state %s, expected %s", e.Entity, e.ID, e.Actual, strings.Join(e.Expected, "|"))
}

// RemoteCode classifies a protocol-level rejection reported by the peer.
type RemoteCode string

// Remote codes.
const (
	RemoteUnsubscribed RemoteCode = "unsubscribed"
	RemoteExpired      RemoteCode = "expired"
	RemoteNotFound     RemoteCode = "not_found"
	RemoteInvalidState RemoteCode = "invalid_state"
	RemoteRejected     RemoteCode = "rejected"
	RemoteRateLimited  RemoteCode = "rate_limited"
	RemoteInternal     RemoteCode = "internal"
)

var remoteSentinels = map[RemoteCode]error{
	RemoteUnsubscribed: ErrUnsubscribed,
	RemoteExpired:      ErrExpired,
	RemoteNotFound:     ErrNotFound,
	RemoteRejected:     ErrRejected,
	RemoteRateLimited:  ErrRateLimited,
}

// RemoteError is a rejection received from the peer. It is never retryable
// with the same request.
type RemoteError struct {
	Code    RemoteCode `json:"code" cbor:"code"`
	Message string     `json:"message" cbor:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// Is lets errors.Is match the sentinel corresponding to the code.
func (e *RemoteError) Is(target error) bool {
	s, ok := remoteSentinels[e.Code]
	return ok && s == target
}

// ToRemote converts a local handler error into the RemoteError reported back
// to the peer. A nil error yields nil.
func ToRemote(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	var stateErr *StateError
	switch {
	case errors.As(err, &stateErr):
		return &RemoteError{Code: RemoteInvalidState, Message: err.Error()}
	case errors.Is(err, ErrUnsubscribed):
		return &RemoteError{Code: RemoteUnsubscribed, Message: err.Error()}
	case errors.Is(err, ErrExpired):
		return &RemoteError{Code: RemoteExpired, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &RemoteError{Code: RemoteNotFound, Message: err.Error()}
	case errors.Is(err, ErrRejected), errors.Is(err, ErrFinallyRejected), errors.Is(err, ErrAlreadyCountered), errors.Is(err, ErrNotCompatible):
		return &RemoteError{Code: RemoteRejected, Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return &RemoteError{Code: RemoteRateLimited, Message: err.Error()}
	}
	return &RemoteError{Code: RemoteInternal, Message: err.Error()}
}

// OpError wraps a failed negotiation operation with the operation name and
// the id it targeted.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.ID + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a local transport failure that may
// succeed if the same request is sent again. Rejections by the peer and
// local validation failures are not retryable.
func IsRetryable(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, ErrTransport)
}
