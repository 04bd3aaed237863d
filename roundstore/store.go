// Package roundstore tracks, per (subject, task), the current round, the
// nonces already accepted and the task status.
//
// Stores are the only mutable trust state in the protocol. Every operation is
// a compare-and-swap on one record; any storage failure surfaces as a
// StoreUnavailable *sre.Error and callers must fail closed.
package roundstore

import (
	"context"
	"errors"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// Status is the lifecycle state of a RoundRecord.
type Status string

const (
	StatusOpen           Status = "open"
	StatusAwaitingResult Status = "awaiting_result"
	StatusClosed         Status = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAwaitingResult, StatusClosed:
		return true
	}
	return false
}

// DefaultNonceLimit is how many recent nonces a record keeps.
const DefaultNonceLimit = 64

var (
	// ErrStaleRound is returned by RecordAccepted when a fresh nonce claims a
	// round at or below the current one.
	ErrStaleRound = errors.New("roundstore: stale round")
	// ErrNonceReused is returned when a recorded nonce is presented with a
	// different round or payload digest.
	ErrNonceReused = errors.New("roundstore: nonce already recorded with different payload")
	// ErrStatusMismatch is returned by SetStatus when the current status is
	// not the expected one.
	ErrStatusMismatch = errors.New("roundstore: status mismatch")
	// ErrNotFound is returned when no record exists for (subject, task).
	ErrNotFound = errors.New("roundstore: record not found")
	// ErrInvalid is returned for malformed arguments.
	ErrInvalid = errors.New("roundstore: invalid argument")
)

// NonceEntry is one accepted nonce with the round and canonical digest of
// the envelope that carried it.
type NonceEntry struct {
	Nonce  string `json:"nonce"`
	Round  uint64 `json:"round"`
	Digest string `json:"digest"`
}

// RoundRecord is the per-(subject, task) tracking entity.
type RoundRecord struct {
	Subject      string       `json:"subject"`
	Task         string       `json:"task"`
	CurrentRound uint64       `json:"current_round"`
	Status       Status       `json:"status"`
	Nonces       []NonceEntry `json:"nonces"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// FindNonce returns the entry for nonce, if recorded.
func (r RoundRecord) FindNonce(nonce string) (NonceEntry, bool) {
	for _, n := range r.Nonces {
		if n.Nonce == nonce {
			return n, true
		}
	}
	return NonceEntry{}, false
}

func (r RoundRecord) clone() RoundRecord {
	r.Nonces = append([]NonceEntry(nil), r.Nonces...)
	return r
}

// Acceptance is the input to RecordAccepted.
type Acceptance struct {
	Subject string
	Task    string
	Round   uint64
	Nonce   string
	Digest  string
}

func (a Acceptance) validate() error {
	if a.Subject == "" || a.Task == "" || a.Nonce == "" || a.Round < 1 {
		return ErrInvalid
	}
	return nil
}

// Store is the envelope store consulted by the round state machine.
type Store interface {
	// Lookup returns the record for (subject, task); ok is false when none exists.
	Lookup(ctx context.Context, subject, task string) (RoundRecord, bool, error)

	// RecordAccepted inserts the nonce, advances CurrentRound to a.Round and
	// sets the status to open. Recording an identical entry twice is a no-op.
	RecordAccepted(ctx context.Context, a Acceptance) error

	// IsReplay reports whether nonce was already recorded for (subject, task).
	IsReplay(ctx context.Context, subject, task, nonce string) (bool, error)

	// SetStatus moves the record from `from` to `to` atomically.
	SetStatus(ctx context.Context, subject, task string, from, to Status) error
}

// Unavailable wraps a storage failure as a StoreUnavailable error.
func Unavailable(op string, err error) error {
	return sre.WrapError(sre.KindStoreUnavailable, "SRE-STORE-001", "round store unavailable: "+op, err)
}

// applyAcceptance mutates rec (which may be the zero record when exists is
// false) for a. It reports whether rec changed.
func applyAcceptance(rec *RoundRecord, exists bool, a Acceptance, limit int, now time.Time) (bool, error) {
	if err := a.validate(); err != nil {
		return false, err
	}
	if exists {
		if n, ok := rec.FindNonce(a.Nonce); ok {
			if n.Round == a.Round && n.Digest == a.Digest {
				return false, nil
			}
			return false, ErrNonceReused
		}
		if a.Round <= rec.CurrentRound {
			return false, ErrStaleRound
		}
	} else {
		*rec = RoundRecord{Subject: a.Subject, Task: a.Task}
	}

	rec.CurrentRound = a.Round
	rec.Status = StatusOpen
	rec.Nonces = append(rec.Nonces, NonceEntry{Nonce: a.Nonce, Round: a.Round, Digest: a.Digest})
	if limit <= 0 {
		limit = DefaultNonceLimit
	}
	if over := len(rec.Nonces) - limit; over > 0 {
		rec.Nonces = append([]NonceEntry(nil), rec.Nonces[over:]...)
	}
	rec.UpdatedAt = now.UTC()
	return true, nil
}

func applyStatus(rec *RoundRecord, from, to Status, now time.Time) error {
	if !from.Valid() || !to.Valid() {
		return ErrInvalid
	}
	if rec.Status != from {
		return ErrStatusMismatch
	}
	rec.Status = to
	rec.UpdatedAt = now.UTC()
	return nil
}

// Option configures the bundled Store implementations.
type Option func(*options)

type options struct {
	nonceLimit int
	now        func() time.Time
}

func defaultOptions() options {
	return options{nonceLimit: DefaultNonceLimit, now: time.Now}
}

// WithNonceLimit bounds the number of nonces kept per record.
func WithNonceLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.nonceLimit = n
		}
	}
}

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
