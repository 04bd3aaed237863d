// Package receiver is the issuer side of notification delivery: it collapses
// retried notifications into one effect, hands results to an Evaluator, and
// answers with an ack that may carry the next round's signed envelope.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/delivery"
	"github.com/Sarbajit-2004/llm-code-deploy/issuer"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// Logger receives operator-facing diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Reply is the answer to one notification.
type Reply struct {
	Ack sre.Ack
	// Body is the wire form of Ack. Every replay of an idempotency key gets
	// the same Body.
	Body []byte
	// Replayed is set when Body came from the ack store.
	Replayed bool
}

// Receiver processes notifications for one issuer.
type Receiver struct {
	issuer    *issuer.Issuer
	evaluator Evaluator
	acks      AckStore
	archive   archive.Archive
	logger    Logger
	clock     func() time.Time
	mode      sre.Mode
	evalURL   string
	locks     roundstore.KeyedMutex

	// unsaved holds accepted acks the AckStore refused, keyed by
	// idempotency key, until a retry persists them.
	mu      sync.Mutex
	unsaved map[string][]byte
}

// Option customizes a Receiver.
type Option func(*Receiver)

func WithAckStore(s AckStore) Option {
	return func(r *Receiver) {
		if s != nil {
			r.acks = s
		}
	}
}

// WithArchive archives every evaluation.
func WithArchive(a archive.Archive) Option {
	return func(r *Receiver) { r.archive = a }
}

func WithLogger(l Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(r *Receiver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithParseMode selects strict (default) or permissive notification parsing.
func WithParseMode(m sre.Mode) Option {
	return func(r *Receiver) { r.mode = m }
}

// WithEvaluationURL is written into follow-up envelopes whose payload does
// not name a notification endpoint.
func WithEvaluationURL(u string) Option {
	return func(r *Receiver) { r.evalURL = u }
}

// New returns a Receiver. A nil evaluator closes every task on its first
// result.
func New(iss *issuer.Issuer, ev Evaluator, opts ...Option) (*Receiver, error) {
	if iss == nil {
		return nil, errors.New("receiver: issuer is required")
	}
	if ev == nil {
		ev = FinalEvaluator
	}
	r := &Receiver{
		issuer:    iss,
		evaluator: ev,
		acks:      NewMemoryAckStore(),
		logger:    nopLogger{},
		clock:     time.Now,
		unsaved:   make(map[string][]byte),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Receive handles one wire notification.
//
// A nil error means the ack is Accepted (or a replay of a stored ack). A
// rejection returns the rejection Reply together with its *sre.Error.
// Rejections caused by store unavailability or evaluator failure are not
// remembered, so a retry is processed again.
func (r *Receiver) Receive(ctx context.Context, raw []byte) (Reply, error) {
	n, err := sre.ParseNotification(raw, sre.ParseOptions{Mode: r.mode})
	if err == nil {
		err = delivery.CheckKey(n)
	}
	if err != nil {
		return r.reject(ctx, nil, err, false)
	}

	unlock := r.locks.Lock(roundstore.Key(n.Subject, n.Task))
	defer unlock()

	if body, ok, err := r.acks.Get(ctx, n.IdempotencyKey); err != nil {
		return r.reject(ctx, n, roundstore.Unavailable("load ack", err), false)
	} else if ok {
		ack, perr := sre.ParseAck(body)
		if perr != nil {
			return r.reject(ctx, n, roundstore.Unavailable("decode stored ack", perr), false)
		}
		return Reply{Ack: *ack, Body: body, Replayed: true}, nil
	}
	if body, ok := r.retryUnsaved(ctx, n.IdempotencyKey); ok {
		ack, perr := sre.ParseAck(body)
		if perr != nil {
			return r.reject(ctx, n, sre.WrapError(sre.KindInternal, "SRE-RECV-002", "decode pending ack", perr), false)
		}
		return Reply{Ack: *ack, Body: body, Replayed: true}, nil
	}

	machine := r.issuer.Machine()
	if err := machine.MarkAwaiting(ctx, n.Subject, n.Task, n.Round); err != nil {
		return r.reject(ctx, n, err, true)
	}

	verdict, err := r.evaluator.Evaluate(ctx, n)
	if err != nil {
		r.logger.Printf("receiver: evaluate subject=%q task=%q round=%d: %v", n.Subject, n.Task, n.Round, err)
		return r.reject(ctx, n, sre.WrapError(sre.KindStoreUnavailable, "SRE-RECV-001", "evaluation failed", err), false)
	}
	r.archiveEvaluation(ctx, n, verdict)

	ack := sre.Ack{
		Code:           sre.Accepted,
		IdempotencyKey: n.IdempotencyKey,
		Subject:        n.Subject,
		Task:           n.Task,
		Round:          n.Round,
		Details:        verdict.Details,
		ReceivedAt:     r.clock().UTC(),
	}
	switch {
	case verdict.Final:
		if verdict.FollowUp != nil {
			r.logger.Printf("receiver: final verdict for subject=%q task=%q also requested a follow-up; ignoring it", n.Subject, n.Task)
		}
		if err := machine.Close(ctx, n.Subject, n.Task, n.Round); err != nil {
			return r.reject(ctx, n, err, true)
		}
		ack.Final = true
	case verdict.FollowUp != nil:
		p := *verdict.FollowUp
		if p.EvaluationURL == "" {
			p.EvaluationURL = r.evalURL
		}
		issued, err := r.issuer.IssueFollowUp(ctx, n.Subject, n.Task, p)
		if err != nil {
			return r.reject(ctx, n, err, true)
		}
		ack.FollowUp = json.RawMessage(issued.Wire)
	}
	return r.store(ctx, ack)
}

func (r *Receiver) reject(ctx context.Context, n *sre.Notification, err error, remember bool) (Reply, error) {
	ack := sre.RejectionAck(n, err, r.clock())
	if n != nil {
		r.logger.Printf("receiver: reject subject=%q task=%q round=%d: %s (%s)", n.Subject, n.Task, n.Round, ack.Code, ack.RuleID)
	}
	body, merr := sre.MarshalAck(&ack)
	if merr != nil {
		return Reply{Ack: ack}, err
	}
	if remember && n != nil && !sre.IsKind(err, sre.KindStoreUnavailable) && sre.KindOf(err) != "" {
		if perr := r.acks.Put(ctx, n.IdempotencyKey, body); perr != nil {
			r.logger.Printf("receiver: store rejection ack %s: %v", n.IdempotencyKey, perr)
		}
	}
	return Reply{Ack: ack, Body: body}, err
}

// store persists an accepted ack. The round transition has already
// happened, so a failure to store is logged and the ack is still returned.
// The ack is then held in memory and replayed (and re-stored) for retries of
// the same key. A restart before a retry succeeds loses it: the retry then
// sees the advanced round and is answered RejectedStale.
func (r *Receiver) store(ctx context.Context, ack sre.Ack) (Reply, error) {
	body, err := sre.MarshalAck(&ack)
	if err != nil {
		return Reply{Ack: ack}, sre.WrapError(sre.KindInternal, "SRE-RECV-002", "encode ack", err)
	}
	if err := r.acks.Put(ctx, ack.IdempotencyKey, body); err != nil {
		r.logger.Printf("receiver: store ack %s: %v", ack.IdempotencyKey, err)
		r.mu.Lock()
		r.unsaved[ack.IdempotencyKey] = body
		r.mu.Unlock()
	}
	return Reply{Ack: ack, Body: body}, nil
}

// retryUnsaved returns a held ack for key and tries to persist it again.
func (r *Receiver) retryUnsaved(ctx context.Context, key string) ([]byte, bool) {
	r.mu.Lock()
	body, ok := r.unsaved[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if err := r.acks.Put(ctx, key, body); err != nil {
		r.logger.Printf("receiver: store ack %s (retry): %v", key, err)
		return body, true
	}
	r.mu.Lock()
	delete(r.unsaved, key)
	r.mu.Unlock()
	return body, true
}

// Unsaved reports how many accepted acks are waiting to be persisted.
func (r *Receiver) Unsaved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsaved)
}

type evaluationRecord struct {
	Notification *sre.Notification `json:"notification"`
	Final        bool              `json:"final"`
	FollowUp     bool              `json:"follow_up"`
	Details      map[string]string `json:"details,omitempty"`
}

func (r *Receiver) archiveEvaluation(ctx context.Context, n *sre.Notification, v Verdict) {
	if r.archive == nil {
		return
	}
	body, err := json.Marshal(evaluationRecord{Notification: n, Final: v.Final, FollowUp: v.FollowUp != nil, Details: v.Details})
	if err == nil {
		_, err = archive.PutRecord(ctx, r.archive, archive.Record{
			Kind:      archive.KindEvaluation,
			Subject:   n.Subject,
			Task:      n.Task,
			Round:     n.Round,
			Key:       n.IdempotencyKey,
			CreatedAt: r.clock(),
			Body:      body,
		})
	}
	if err != nil {
		r.logger.Printf("receiver: archive evaluation %s: %v", n.IdempotencyKey, err)
	}
}
