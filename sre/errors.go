package sre

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind/RuleID rather than matching error strings.
// Error() strings are human-readable and may evolve.
type Kind string

const (
	// Trust and state errors. These always fail closed.
	KindMalformed        Kind = "MalformedWireDocument"
	KindSignatureInvalid Kind = "SignatureInvalid"
	KindEnvelopeExpired  Kind = "EnvelopeExpired"
	KindNonceReplay      Kind = "NonceReplay"
	KindRoundConflict    Kind = "RoundConflict"
	KindStaleRound       Kind = "StaleRound"
	KindRoundOutOfOrder  Kind = "RoundOutOfOrder"
	KindStoreUnavailable Kind = "StoreUnavailable"

	// Delivery errors.
	KindTransientDelivery Kind = "TransientDeliveryFailure"
	KindPermanentDelivery Kind = "PermanentDeliveryFailure"
	KindDeliveryAbandoned Kind = "DeliveryAbandoned"

	KindInternal Kind = "Internal"
)

// Error is the structured error type shared by every package in this module.
//
// RuleID is a stable identifier (e.g. SRE-WIRE-003, SRE-ROUND-007) naming the
// violated rule. Message is for humans; do not match on it.
type Error struct {
	Kind    Kind
	RuleID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError returns a structured error without a cause.
func NewError(kind Kind, ruleID, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: msg}
}

// WrapError returns a structured error wrapping cause. A nil cause is allowed.
func WrapError(kind Kind, ruleID, msg string, cause error) error {
	if cause == nil {
		return NewError(kind, ruleID, msg)
	}
	return &Error{Kind: kind, RuleID: ruleID, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of a structured error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// RuleIDOf returns the stable RuleID for a structured error, or "" if unknown.
func RuleIDOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}
