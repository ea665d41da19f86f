package contracts

import (
	"fmt"
	"time"
)

// ProviderCodeKey is the extra field carrying the machine-readable code of a
// provider-issued termination.
const ProviderCodeKey = "golem.provider.code"

// Reason is a structured explanation attached to rejections and
// terminations.
type Reason struct {
	Message string         `json:"message" cbor:"message"`
	Code    string         `json:"code,omitempty" cbor:"code,omitempty"`
	Extra   map[string]any `json:"extra,omitempty" cbor:"extra,omitempty"`
}

// NewReason returns a reason with only a message.
func NewReason(message string) *Reason {
	return &Reason{Message: message}
}

func (r *Reason) String() string {
	if r == nil {
		return "<none>"
	}
	if r.Code == "" {
		return r.Message
	}
	return r.Code + ": " + r.Message
}

// BreakKind enumerates why a provider breaks an agreement.
type BreakKind string

// Break kinds.
const (
	BreakInitializationError  BreakKind = "InitializationError"
	BreakExpired              BreakKind = "Expired"
	BreakNoActivity           BreakKind = "NoActivity"
	BreakDebitNoteDeadline    BreakKind = "DebitNoteDeadline"
	BreakDebitNoteRejected    BreakKind = "DebitNoteRejected"
	BreakDebitNoteCancelled   BreakKind = "DebitNoteCancelled"
	BreakDebitNoteNotPaid     BreakKind = "DebitNoteNotPaid"
	BreakRequestorUnreachable BreakKind = "RequestorUnreachable"
)

// BreakReason is a typed termination cause. Detail carries the
// initialization error text, Deadline the expiration instant and Timeout the
// inactivity window, depending on Kind.
type BreakReason struct {
	Kind     BreakKind
	Detail   string
	Deadline time.Time
	Timeout  time.Duration
}

// Reason renders the break cause as a Reason.
func (b BreakReason) Reason() *Reason {
	var msg string
	switch b.Kind {
	case BreakInitializationError:
		msg = "Initialization error: " + b.Detail
	case BreakExpired:
		msg = "Agreement expired @ " + b.Deadline.UTC().Format(time.RFC3339)
	case BreakNoActivity:
		msg = fmt.Sprintf("No activity created within %s from agreement approval", b.Timeout)
	case BreakDebitNoteDeadline:
		msg = "Requestor didn't accept debit note within timeout"
	case BreakDebitNoteRejected:
		msg = "Requestor rejected debit note"
	case BreakDebitNoteCancelled:
		msg = "Requestor cancelled debit note"
	case BreakDebitNoteNotPaid:
		msg = "Requestor did not pay the debit note in time"
	case BreakRequestorUnreachable:
		msg = fmt.Sprintf("Requestor unreachable for more than %s", b.Timeout)
	default:
		msg = string(b.Kind)
	}
	return &Reason{
		Message: msg,
		Code:    string(b.Kind),
		Extra:   map[string]any{ProviderCodeKey: string(b.Kind)},
	}
}
