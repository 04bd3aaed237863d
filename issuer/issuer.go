// Package issuer signs and tracks the envelopes a server hands out: the
// first round of a task, adaptive follow-up rounds, and task closure.
//
// Every issued envelope is fed back through the issuer's own round machine
// before it is returned, so the issuer never hands out an envelope it would
// not itself accept.
package issuer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/keys"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/rounds"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// DefaultTTL is the validity window of issued envelopes.
const DefaultTTL = 24 * time.Hour

// Logger receives operator-facing diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Payload is the opaque task content carried by an envelope.
type Payload struct {
	Brief         string
	Checks        []string
	EvaluationURL string
	Attachments   []sre.Attachment
	Extensions    map[string]string
}

// Issued is a freshly signed, self-accepted envelope.
type Issued struct {
	Envelope *sre.Envelope
	Wire     []byte
	// ArchiveID is the archive CID of the envelope record, or "" when no
	// archive is configured.
	ArchiveID string
}

// Issuer signs envelopes for one issuing key.
type Issuer struct {
	signer  keys.Signer
	machine *rounds.Machine
	ttl     time.Duration
	nonce   func() string
	clock   func() time.Time
	archive archive.Archive
	logger  Logger
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithTTL sets the envelope validity window. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl = d
		}
	}
}

// WithNonceSource replaces the random UUID nonce generator.
func WithNonceSource(f func() string) Option {
	return func(i *Issuer) {
		if f != nil {
			i.nonce = f
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(i *Issuer) {
		if clock != nil {
			i.clock = clock
		}
	}
}

func WithArchive(a archive.Archive) Option {
	return func(i *Issuer) { i.archive = a }
}

func WithLogger(l Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

// New returns an Issuer. machine must verify with signer's public key.
func New(signer keys.Signer, machine *rounds.Machine, opts ...Option) (*Issuer, error) {
	if signer == nil {
		return nil, errors.New("issuer: signer is required")
	}
	if machine == nil {
		return nil, errors.New("issuer: round machine is required")
	}
	pub, mpub := signer.PublicKey(), machine.PublicKey()
	if pub.Alg != mpub.Alg || !bytes.Equal(pub.Key, mpub.Key) {
		return nil, fmt.Errorf("issuer: signer key %s does not match verification key %s", pub, mpub)
	}
	i := &Issuer{
		signer:  signer,
		machine: machine,
		ttl:     DefaultTTL,
		nonce:   uuid.NewString,
		clock:   time.Now,
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Machine returns the round machine tracking issued rounds.
func (i *Issuer) Machine() *rounds.Machine { return i.machine }

// PublicKey returns the key agents must verify with.
func (i *Issuer) PublicKey() keys.PublicKey { return i.signer.PublicKey() }

// Issue starts a task at round 1.
func (i *Issuer) Issue(ctx context.Context, subject, task string, p Payload) (Issued, error) {
	return i.issue(ctx, subject, task, 1, p)
}

// IssueFollowUp issues the next round of a task whose current round has a
// reported result.
func (i *Issuer) IssueFollowUp(ctx context.Context, subject, task string, p Payload) (Issued, error) {
	rec, ok, err := i.machine.Lookup(ctx, subject, task)
	if err != nil {
		return Issued{}, err
	}
	if !ok {
		return Issued{}, sre.NewError(sre.KindRoundOutOfOrder, "SRE-ROUND-010", fmt.Sprintf("no record for subject %q task %q", subject, task))
	}
	switch rec.Status {
	case roundstore.StatusAwaitingResult:
	case roundstore.StatusClosed:
		return Issued{}, sre.NewError(sre.KindStaleRound, "SRE-ROUND-006", fmt.Sprintf("task is closed at round %d", rec.CurrentRound))
	default:
		return Issued{}, sre.NewError(sre.KindRoundOutOfOrder, "SRE-ROUND-008",
			fmt.Sprintf("round %d has no reported result", rec.CurrentRound))
	}
	return i.issue(ctx, subject, task, rec.CurrentRound+1, p)
}

// Close ends a task at its current round.
func (i *Issuer) Close(ctx context.Context, subject, task string) error {
	rec, ok, err := i.machine.Lookup(ctx, subject, task)
	if err != nil {
		return err
	}
	if !ok {
		return sre.NewError(sre.KindRoundOutOfOrder, "SRE-ROUND-010", fmt.Sprintf("no record for subject %q task %q", subject, task))
	}
	return i.machine.Close(ctx, subject, task, rec.CurrentRound)
}

func (i *Issuer) issue(ctx context.Context, subject, task string, round uint64, p Payload) (Issued, error) {
	now := i.clock().UTC()
	env := &sre.Envelope{
		Version:       sre.WireVersion,
		Subject:       subject,
		Task:          task,
		Round:         round,
		Nonce:         i.nonce(),
		Brief:         p.Brief,
		Checks:        append([]string(nil), p.Checks...),
		EvaluationURL: p.EvaluationURL,
		Attachments:   append([]sre.Attachment(nil), p.Attachments...),
		Extensions:    copyMap(p.Extensions),
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.ttl),
	}
	if err := sre.Sign(env, i.signer); err != nil {
		return Issued{}, err
	}
	// Round-trip through the wire form so the recorded digest is the one
	// an agent will compute.
	wire, err := sre.MarshalEnvelope(env)
	if err != nil {
		return Issued{}, sre.WrapError(sre.KindInternal, "SRE-ISSUE-001", "encode envelope", err)
	}
	parsed, err := sre.ParseEnvelope(wire, sre.ParseOptions{})
	if err != nil {
		return Issued{}, sre.WrapError(sre.KindInternal, "SRE-ISSUE-001", "issued envelope does not parse", err)
	}
	d, err := i.machine.Accept(ctx, parsed)
	if err != nil {
		return Issued{}, err
	}
	if d.Code != sre.Accepted {
		return Issued{}, sre.NewError(sre.KindInternal, "SRE-ISSUE-002", fmt.Sprintf("issued envelope was %s", d.Code))
	}

	out := Issued{Envelope: parsed, Wire: wire}
	id, err := archive.PutRecord(ctx, i.archive, archive.Record{
		Kind:      archive.KindEnvelope,
		Subject:   subject,
		Task:      task,
		Round:     round,
		Key:       env.Nonce,
		CreatedAt: now,
		Body:      wire,
	})
	if err != nil {
		i.logger.Printf("issuer: archive envelope subject=%q task=%q round=%d: %v", subject, task, round, err)
	} else if id.Defined() {
		out.ArchiveID = id.String()
	}
	i.logger.Printf("issuer: issued subject=%q task=%q round=%d nonce=%s", subject, task, round, env.Nonce)
	return out, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
