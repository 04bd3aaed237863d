// Package rounds implements the round state machine that decides whether an
// envelope starts a task, repeats a known envelope, begins an adaptive
// follow-up round, or must be rejected.
//
//	NoRecord --round 1--> Open --MarkAwaiting--> AwaitingResult
//	AwaitingResult --round current+1--> Open
//	AwaitingResult --Close--> Closed
//
// Verification and store mutation for one (subject, task) run under a
// per-key lock; unrelated tasks never contend.
package rounds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/keys"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// DefaultClockSkew is tolerated on both ends of the validity window. Zero
// enforces issued_at <= now <= expires_at exactly; widen it with WithClockSkew.
const DefaultClockSkew time.Duration = 0

// Logger receives operator-facing diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Decision is the outcome of Accept.
type Decision struct {
	Code    sre.Code
	Subject string
	Task    string
	Round   uint64
	Nonce   string
	Digest  string
	// Record is the store's view after the decision (zero when unknown).
	Record roundstore.RoundRecord
}

// Machine is the round state machine over an injected Store.
type Machine struct {
	store  roundstore.Store
	pub    keys.PublicKey
	clock  func() time.Time
	skew   time.Duration
	logger Logger
	locks  roundstore.KeyedMutex
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock overrides the clock used for window checks.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithClockSkew sets the tolerated skew; negative values are ignored.
func WithClockSkew(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.skew = d
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns a Machine verifying envelopes against pub.
func New(store roundstore.Store, pub keys.PublicKey, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("rounds: store is required")
	}
	if pub.IsZero() {
		return nil, errors.New("rounds: verification key is required")
	}
	m := &Machine{
		store:  store,
		pub:    pub,
		clock:  time.Now,
		skew:   DefaultClockSkew,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// PublicKey returns the verification key.
func (m *Machine) PublicKey() keys.PublicKey { return m.pub }

func reject(kind sre.Kind, rule, format string, args ...any) error {
	return sre.NewError(kind, rule, fmt.Sprintf(format, args...))
}

// Accept verifies env and applies it to the store.
//
// A nil error means the Decision code is Accepted or DuplicateIgnored. Any
// rejection returns a *sre.Error and a Decision whose Code is sre.CodeOf(err).
func (m *Machine) Accept(ctx context.Context, env *sre.Envelope) (Decision, error) {
	d := Decision{}
	if err := sre.Validate(env); err != nil {
		d.Code = sre.CodeOf(err)
		return d, err
	}
	d.Subject, d.Task, d.Round, d.Nonce = env.Subject, env.Task, env.Round, env.Nonce

	unlock := m.locks.Lock(roundstore.Key(env.Subject, env.Task))
	defer unlock()

	err := m.accept(ctx, env, &d)
	if err != nil {
		d.Code = sre.CodeOf(err)
		m.logger.Printf("rounds: reject subject=%q task=%q round=%d: %s (%s)", env.Subject, env.Task, env.Round, sre.KindOf(err), sre.RuleIDOf(err))
		if sre.IsKind(err, sre.KindRoundConflict) {
			m.logger.Printf("rounds: conflicting envelope for subject=%q task=%q round=%d requires operator attention", env.Subject, env.Task, env.Round)
		}
	}
	return d, err
}

func (m *Machine) accept(ctx context.Context, env *sre.Envelope, d *Decision) error {
	if err := sre.VerifyEnvelope(env, m.pub); err != nil {
		return err
	}
	if now := m.clock(); !env.InWindow(now, m.skew) {
		return reject(sre.KindEnvelopeExpired, "SRE-ROUND-002",
			"envelope valid from %s to %s, now %s", sre.CanonicalTime(env.IssuedAt), sre.CanonicalTime(env.ExpiresAt), sre.CanonicalTime(now))
	}

	d.Digest = sre.CanonicalDigest(env)
	rec, ok, err := m.store.Lookup(ctx, env.Subject, env.Task)
	if err != nil {
		return storeError("lookup", err)
	}
	d.Record = rec

	if ok {
		if seen, found := rec.FindNonce(env.Nonce); found {
			if seen.Digest == d.Digest && seen.Round == env.Round {
				d.Code = sre.DuplicateIgnored
				return nil
			}
			return reject(sre.KindNonceReplay, "SRE-ROUND-004", "nonce %q already used for a different envelope", env.Nonce)
		}
	}

	switch {
	case !ok:
		if env.Round != 1 {
			return reject(sre.KindRoundOutOfOrder, "SRE-ROUND-005", "unknown task must start at round 1, got %d", env.Round)
		}
	case rec.Status == roundstore.StatusClosed:
		return reject(sre.KindStaleRound, "SRE-ROUND-006", "task is closed at round %d", rec.CurrentRound)
	case env.Round < rec.CurrentRound:
		return reject(sre.KindStaleRound, "SRE-ROUND-006", "round %d is behind current round %d", env.Round, rec.CurrentRound)
	case env.Round == rec.CurrentRound && rec.Status != roundstore.StatusOpen:
		return reject(sre.KindStaleRound, "SRE-ROUND-006", "round %d already progressed to %s", env.Round, rec.Status)
	case env.Round == rec.CurrentRound:
		return reject(sre.KindRoundConflict, "SRE-ROUND-007", "round %d already accepted with a different nonce", env.Round)
	case env.Round == rec.CurrentRound+1 && rec.Status != roundstore.StatusAwaitingResult:
		return reject(sre.KindRoundOutOfOrder, "SRE-ROUND-008", "follow-up round %d before a result was reported", env.Round)
	case env.Round > rec.CurrentRound+1:
		return reject(sre.KindRoundOutOfOrder, "SRE-ROUND-009", "round %d skips ahead of current round %d", env.Round, rec.CurrentRound)
	}

	err = m.store.RecordAccepted(ctx, roundstore.Acceptance{
		Subject: env.Subject,
		Task:    env.Task,
		Round:   env.Round,
		Nonce:   env.Nonce,
		Digest:  d.Digest,
	})
	if err != nil {
		return storeError("record", err)
	}
	rec, _, err = m.store.Lookup(ctx, env.Subject, env.Task)
	if err != nil {
		return storeError("lookup", err)
	}
	d.Record = rec
	d.Code = sre.Accepted
	return nil
}

// storeError maps store failures onto the error taxonomy. Anything that is
// not a known compare-and-swap outcome is treated as unavailability.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, roundstore.ErrStaleRound):
		return sre.WrapError(sre.KindStaleRound, "SRE-ROUND-006", "store rejected round", err)
	case errors.Is(err, roundstore.ErrNonceReused):
		return sre.WrapError(sre.KindNonceReplay, "SRE-ROUND-004", "store rejected nonce", err)
	case sre.IsKind(err, sre.KindStoreUnavailable):
		return err
	default:
		return roundstore.Unavailable(op, err)
	}
}

// MarkAwaiting records that work for round has completed and a result was
// reported. It is idempotent when the record is already awaiting that round.
func (m *Machine) MarkAwaiting(ctx context.Context, subject, task string, round uint64) error {
	unlock := m.locks.Lock(roundstore.Key(subject, task))
	defer unlock()

	rec, err := m.current(ctx, subject, task, round)
	if err != nil {
		return err
	}
	switch rec.Status {
	case roundstore.StatusAwaitingResult:
		return nil
	case roundstore.StatusClosed:
		return reject(sre.KindStaleRound, "SRE-ROUND-006", "task is closed at round %d", rec.CurrentRound)
	}
	if err := m.store.SetStatus(ctx, subject, task, roundstore.StatusOpen, roundstore.StatusAwaitingResult); err != nil {
		return transitionError("mark awaiting", err)
	}
	return nil
}

// Close ends the task after its final result. Closing a closed task at the
// same round is a no-op.
func (m *Machine) Close(ctx context.Context, subject, task string, round uint64) error {
	unlock := m.locks.Lock(roundstore.Key(subject, task))
	defer unlock()

	rec, err := m.current(ctx, subject, task, round)
	if err != nil {
		return err
	}
	switch rec.Status {
	case roundstore.StatusClosed:
		return nil
	case roundstore.StatusOpen:
		return reject(sre.KindRoundOutOfOrder, "SRE-ROUND-011", "round %d has no reported result", round)
	}
	if err := m.store.SetStatus(ctx, subject, task, roundstore.StatusAwaitingResult, roundstore.StatusClosed); err != nil {
		return transitionError("close", err)
	}
	return nil
}

// current loads the record and checks that round is its current round.
func (m *Machine) current(ctx context.Context, subject, task string, round uint64) (roundstore.RoundRecord, error) {
	rec, ok, err := m.store.Lookup(ctx, subject, task)
	if err != nil {
		return roundstore.RoundRecord{}, storeError("lookup", err)
	}
	if !ok {
		return roundstore.RoundRecord{}, reject(sre.KindRoundOutOfOrder, "SRE-ROUND-010", "no record for subject %q task %q", subject, task)
	}
	switch {
	case round < rec.CurrentRound:
		return rec, reject(sre.KindStaleRound, "SRE-ROUND-006", "round %d is behind current round %d", round, rec.CurrentRound)
	case round > rec.CurrentRound:
		return rec, reject(sre.KindRoundOutOfOrder, "SRE-ROUND-009", "round %d is ahead of current round %d", round, rec.CurrentRound)
	}
	return rec, nil
}

func transitionError(op string, err error) error {
	if errors.Is(err, roundstore.ErrStatusMismatch) || errors.Is(err, roundstore.ErrNotFound) {
		return sre.WrapError(sre.KindRoundOutOfOrder, "SRE-ROUND-011", op+": unexpected status", err)
	}
	return storeError(op, err)
}

// Lookup returns the store's record for (subject, task).
func (m *Machine) Lookup(ctx context.Context, subject, task string) (roundstore.RoundRecord, bool, error) {
	rec, ok, err := m.store.Lookup(ctx, subject, task)
	if err != nil {
		return roundstore.RoundRecord{}, false, storeError("lookup", err)
	}
	return rec, ok, nil
}
