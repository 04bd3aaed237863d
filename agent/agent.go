// Package agent implements the submitting side of the protocol: accepting
// signed envelopes, building result notifications, and delivering them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/delivery"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
	"github.com/Sarbajit-2004/llm-code-deploy/internal/fsutil"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/rounds"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// AcceptedFile is the name of the latest accepted envelope under the state
// directory.
const AcceptedFile = "accepted_sre.json"

// Logger receives operator-facing diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// AcceptedTask is an envelope that passed verification and the round
// machine.
type AcceptedTask struct {
	Envelope *sre.Envelope
	Wire     []byte
	Code     sre.Code
}

// Sent is the outcome of SendNotification.
type Sent struct {
	Result delivery.Result
	// FollowUp is set when the ack carried the next round and it was
	// accepted.
	FollowUp *AcceptedTask
	Closed   bool
}

// Agent ties a round machine to a delivery client.
type Agent struct {
	machine  *rounds.Machine
	client   *delivery.Client
	archive  archive.Archive
	stateDir string
	mode     sre.Mode
	clock    func() time.Time
	logger   Logger
}

// Option customizes an Agent.
type Option func(*Agent)

// WithStateDir saves the latest accepted envelope to <dir>/accepted_sre.json.
func WithStateDir(dir string) Option {
	return func(a *Agent) { a.stateDir = dir }
}

func WithArchive(arc archive.Archive) Option {
	return func(a *Agent) { a.archive = arc }
}

func WithParseMode(m sre.Mode) Option {
	return func(a *Agent) { a.mode = m }
}

func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

func WithLogger(l Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Agent. client may be nil for an agent that only accepts
// envelopes.
func New(machine *rounds.Machine, client *delivery.Client, opts ...Option) (*Agent, error) {
	if machine == nil {
		return nil, errors.New("agent: round machine is required")
	}
	a := &Agent{
		machine: machine,
		client:  client,
		clock:   time.Now,
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Machine returns the agent's round machine.
func (a *Agent) Machine() *rounds.Machine { return a.machine }

// AcceptEnvelope parses, verifies and records a wire envelope.
//
// A repeated envelope returns Code DuplicateIgnored and no error. Newly
// accepted envelopes are archived and saved to the state directory.
func (a *Agent) AcceptEnvelope(ctx context.Context, raw []byte) (AcceptedTask, error) {
	env, err := sre.ParseEnvelope(raw, sre.ParseOptions{Mode: a.mode})
	if err != nil {
		return AcceptedTask{Code: sre.CodeOf(err)}, err
	}
	d, err := a.machine.Accept(ctx, env)
	task := AcceptedTask{Envelope: env, Wire: raw, Code: d.Code}
	if err != nil || d.Code != sre.Accepted {
		return task, err
	}

	if _, aerr := archive.PutRecord(ctx, a.archive, archive.Record{
		Kind:      archive.KindEnvelope,
		Subject:   env.Subject,
		Task:      env.Task,
		Round:     env.Round,
		Key:       env.Nonce,
		CreatedAt: a.clock(),
		Body:      raw,
	}); aerr != nil {
		a.logger.Printf("agent: archive envelope subject=%q task=%q round=%d: %v", env.Subject, env.Task, env.Round, aerr)
	}
	if a.stateDir != "" {
		if werr := fsutil.WriteFileAtomic(filepath.Join(a.stateDir, AcceptedFile), raw, 0o600); werr != nil {
			return task, roundstore.Unavailable("save accepted envelope", werr)
		}
	}
	return task, nil
}

// Task returns the AcceptedTask for an envelope this agent accepted
// earlier. Unlike AcceptEnvelope it does not check the validity window, so
// a result can still be reported after the envelope expires.
func (a *Agent) Task(ctx context.Context, raw []byte) (AcceptedTask, error) {
	env, err := sre.ParseEnvelope(raw, sre.ParseOptions{Mode: a.mode})
	if err != nil {
		return AcceptedTask{Code: sre.CodeOf(err)}, err
	}
	if err := sre.VerifyEnvelope(env, a.machine.PublicKey()); err != nil {
		return AcceptedTask{Code: sre.CodeOf(err)}, err
	}
	rec, ok, err := a.machine.Lookup(ctx, env.Subject, env.Task)
	if err != nil {
		return AcceptedTask{Code: sre.CodeOf(err)}, err
	}
	seen, found := rec.FindNonce(env.Nonce)
	if !ok || !found || seen.Digest != sre.CanonicalDigest(env) {
		err := sre.NewError(sre.KindRoundOutOfOrder, "SRE-AGENT-001",
			fmt.Sprintf("envelope for subject %q task %q round %d was never accepted", env.Subject, env.Task, env.Round))
		return AcceptedTask{Code: sre.CodeOf(err)}, err
	}
	return AcceptedTask{Envelope: env, Wire: raw, Code: sre.DuplicateIgnored}, nil
}

// BuildNotification describes a finished result for task's round.
//
// resultDigest must be a result CID (see digest.Of). The idempotency key is
// derived from the task identity and the digest, so rebuilding the same
// notification later yields the same key.
func (a *Agent) BuildNotification(task AcceptedTask, resultDigest string, evidence map[string]string, final bool) (*sre.Notification, error) {
	if task.Envelope == nil {
		return nil, errors.New("agent: accepted task has no envelope")
	}
	if _, err := digest.Parse(resultDigest); err != nil {
		return nil, sre.WrapError(sre.KindMalformed, "SRE-NOTE-004", "result_digest is not a result CID", err)
	}
	env := task.Envelope
	n := &sre.Notification{
		Subject:        env.Subject,
		Task:           env.Task,
		Round:          env.Round,
		IdempotencyKey: digest.IdempotencyKey(env.Subject, env.Task, env.Round, resultDigest),
		ResultDigest:   resultDigest,
		Timestamp:      a.clock().UTC(),
		Final:          final,
	}
	if len(evidence) > 0 {
		n.Evidence = make(map[string]string, len(evidence))
		for k, v := range evidence {
			n.Evidence[k] = v
		}
	}
	return n, nil
}

// SendNotification reports n to endpoint and applies the ack.
//
// The round is marked AwaitingResult before the first attempt; reporting a
// result is the agent's side of that transition whether or not delivery
// succeeds.
func (a *Agent) SendNotification(ctx context.Context, n *sre.Notification, endpoint string) (Sent, error) {
	if a.client == nil {
		return Sent{}, errors.New("agent: no delivery client configured")
	}
	if n == nil {
		return Sent{}, errors.New("agent: nil notification")
	}
	if err := a.machine.MarkAwaiting(ctx, n.Subject, n.Task, n.Round); err != nil {
		return Sent{}, err
	}
	res, err := a.client.Deliver(ctx, endpoint, n)
	out := Sent{Result: res}
	if err != nil {
		return out, err
	}
	if res.Ack == nil {
		return out, nil
	}
	follow, closed, err := a.HandleAck(ctx, res.Ack)
	out.FollowUp, out.Closed = follow, closed
	return out, err
}

// HandleAck applies a delivered ack: a follow-up envelope is accepted as the
// next round and a final ack closes the task.
func (a *Agent) HandleAck(ctx context.Context, ack *sre.Ack) (*AcceptedTask, bool, error) {
	if ack == nil || ack.Code != sre.Accepted {
		return nil, false, nil
	}
	switch {
	case ack.Final:
		if err := a.machine.Close(ctx, ack.Subject, ack.Task, ack.Round); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	case len(ack.FollowUp) > 0:
		task, err := a.AcceptEnvelope(ctx, ack.FollowUp)
		if err != nil {
			return nil, false, fmt.Errorf("agent: follow-up envelope: %w", err)
		}
		if task.Envelope.Subject != ack.Subject || task.Envelope.Task != ack.Task {
			a.logger.Printf("agent: follow-up for subject=%q task=%q arrived in ack for subject=%q task=%q",
				task.Envelope.Subject, task.Envelope.Task, ack.Subject, ack.Task)
		}
		return &task, false, nil
	}
	return nil, false, nil
}
