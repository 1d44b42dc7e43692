package ledger

import (
	"errors"
	"fmt"
)

// Kind tells callers whether a failed call may be retried.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Reason narrows a gateway failure for logs and traces.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonUnavailable Reason = "unavailable"
	ReasonMalformed   Reason = "malformed"
	ReasonRejected    Reason = "rejected"
	ReasonSignature   Reason = "signature"
	ReasonUnknown     Reason = "unknown"
)

// Error is returned by every gateway operation.
type Error struct {
	Op     string
	Kind   Kind
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a gateway error the caller may retry.
func IsTransient(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Kind == KindTransient
}

// ReasonOf returns the reason carried by a gateway error, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Reason
	}
	return ReasonUnknown
}
