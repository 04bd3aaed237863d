package receiver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
	"github.com/Sarbajit-2004/llm-code-deploy/issuer"
	"github.com/Sarbajit-2004/llm-code-deploy/keys"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/rounds"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	issuer *issuer.Issuer
	signer *keys.Ed25519Signer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(3 * i)
	}
	s, err := keys.NewEd25519SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	clock := func() time.Time { return now }
	m, err := rounds.New(roundstore.NewMemoryStore(), s.PublicKey(), rounds.WithClock(clock))
	if err != nil {
		t.Fatalf("rounds.New: %v", err)
	}
	iss, err := issuer.New(s, m, issuer.WithClock(clock))
	if err != nil {
		t.Fatalf("issuer.New: %v", err)
	}
	return fixture{issuer: iss, signer: s}
}

func (f fixture) issue(t *testing.T, subject, task string) {
	t.Helper()
	if _, err := f.issuer.Issue(context.Background(), subject, task, issuer.Payload{Brief: "b"}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
}

func notification(t *testing.T, subject, task string, round uint64, result string) []byte {
	t.Helper()
	n := &sre.Notification{
		Subject:      subject,
		Task:         task,
		Round:        round,
		ResultDigest: digest.Of([]byte(result)),
		Timestamp:    now,
		Evidence:     map[string]string{"sha": "abc123", "pages_url": "https://example.org/"},
	}
	n.IdempotencyKey = digest.IdempotencyKey(n.Subject, n.Task, n.Round, n.ResultDigest)
	raw, err := sre.MarshalNotification(n)
	if err != nil {
		t.Fatalf("MarshalNotification: %v", err)
	}
	return raw
}

func newReceiver(t *testing.T, f fixture, ev Evaluator, opts ...Option) *Receiver {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return now })}
	r, err := New(f.issuer, ev, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestReceiveFinalClosesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	arc := archive.NewMemory()
	r := newReceiver(t, f, nil, WithArchive(arc))

	reply, err := r.Receive(ctx, notification(t, "s", "t", 1, "result-1"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if reply.Ack.Code != sre.Accepted || !reply.Ack.Final || reply.Replayed {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	rec, _, _ := f.issuer.Machine().Lookup(ctx, "s", "t")
	if rec.Status != roundstore.StatusClosed {
		t.Fatalf("expected closed task, got %+v", rec)
	}
	if arc.Len() != 1 {
		t.Fatalf("expected one archived evaluation, got %d", arc.Len())
	}
}

func TestReceiveReplaysIdenticalAck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	var calls atomic.Int32
	ev := EvaluatorFunc(func(context.Context, *sre.Notification) (Verdict, error) {
		calls.Add(1)
		return Verdict{Final: true, Details: map[string]string{"score": "3"}}, nil
	})
	r := newReceiver(t, f, ev)
	raw := notification(t, "s", "t", 1, "result-1")

	first, err := r.Receive(ctx, raw)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	second, err := r.Receive(ctx, raw)
	if err != nil {
		t.Fatalf("Receive(replay): %v", err)
	}
	if !second.Replayed || !bytes.Equal(first.Body, second.Body) {
		t.Fatalf("replay must return identical bytes:\n%s\n%s", first.Body, second.Body)
	}
	if calls.Load() != 1 {
		t.Fatalf("evaluator ran %d times", calls.Load())
	}
}

type failingAckStore struct {
	*MemoryAckStore
	failures atomic.Int32
}

func (s *failingAckStore) Put(ctx context.Context, key string, ack []byte) error {
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("disk full")
	}
	return s.MemoryAckStore.Put(ctx, key, ack)
}

func TestReceiveReplaysAckAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	acks := &failingAckStore{MemoryAckStore: NewMemoryAckStore()}
	acks.failures.Store(2)
	r := newReceiver(t, f, RoundLimit(3, nil), WithAckStore(acks))
	raw := notification(t, "s", "t", 1, "result-1")

	first, err := r.Receive(ctx, raw)
	if err != nil || first.Ack.Code != sre.Accepted || len(first.Ack.FollowUp) == 0 {
		t.Fatalf("Receive: %+v %v", first.Ack, err)
	}
	if r.Unsaved() != 1 {
		t.Fatalf("expected the ack to be held, got %d", r.Unsaved())
	}

	// The store still fails: the held ack is served anyway.
	second, err := r.Receive(ctx, raw)
	if err != nil || !second.Replayed || !bytes.Equal(first.Body, second.Body) {
		t.Fatalf("retry while store is down: %+v %v", second.Ack, err)
	}
	third, err := r.Receive(ctx, raw)
	if err != nil || !bytes.Equal(first.Body, third.Body) {
		t.Fatalf("retry after store recovers: %+v %v", third.Ack, err)
	}
	if r.Unsaved() != 0 {
		t.Fatalf("ack not persisted on retry")
	}
	if stored, ok, _ := acks.Get(ctx, first.Ack.IdempotencyKey); !ok || !bytes.Equal(stored, first.Body) {
		t.Fatalf("stored ack differs from the one sent")
	}
	rec, _, _ := f.issuer.Machine().Lookup(ctx, "s", "t")
	if rec.CurrentRound != 2 {
		t.Fatalf("retries must not advance the task again: %+v", rec)
	}
}

func TestReceiveConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	var calls atomic.Int32
	ev := EvaluatorFunc(func(context.Context, *sre.Notification) (Verdict, error) {
		calls.Add(1)
		return Verdict{FollowUp: &issuer.Payload{Brief: "again"}}, nil
	})
	r := newReceiver(t, f, ev)
	raw := notification(t, "s", "t", 1, "result-1")

	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := r.Receive(ctx, raw)
			if err != nil {
				t.Errorf("Receive: %v", err)
				return
			}
			bodies[i] = reply.Body
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(bodies); i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("ack %d differs", i)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("evaluator ran %d times", calls.Load())
	}
}

func TestReceiveFollowUpEmbedsSignedEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	ev := EvaluatorFunc(func(context.Context, *sre.Notification) (Verdict, error) {
		return Verdict{FollowUp: &issuer.Payload{Brief: "add a footer"}}, nil
	})
	r := newReceiver(t, f, ev, WithEvaluationURL("http://127.0.0.1:8088/notifications"))

	reply, err := r.Receive(ctx, notification(t, "s", "t", 1, "result-1"))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if reply.Ack.Final || len(reply.Ack.FollowUp) == 0 {
		t.Fatalf("expected follow-up ack: %+v", reply.Ack)
	}
	env, err := sre.ParseEnvelope(reply.Ack.FollowUp, sre.ParseOptions{})
	if err != nil {
		t.Fatalf("follow-up does not parse: %v", err)
	}
	if err := sre.VerifyEnvelope(env, f.signer.PublicKey()); err != nil {
		t.Fatalf("follow-up does not verify: %v", err)
	}
	if env.Round != 2 || env.Brief != "add a footer" || env.EvaluationURL != "http://127.0.0.1:8088/notifications" {
		t.Fatalf("unexpected follow-up: %+v", env)
	}

	// A different result for the finished round is stale now.
	_, err = r.Receive(ctx, notification(t, "s", "t", 1, "result-other"))
	if sre.CodeOf(err) != sre.RejectedStale {
		t.Fatalf("expected RejectedStale, got %v", err)
	}
}

func TestReceiveRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := newReceiver(t, f, nil)

	reply, err := r.Receive(ctx, []byte(`{"subject":"s"`))
	if reply.Ack.Code != sre.RejectedMalformed || err == nil {
		t.Fatalf("expected RejectedMalformed, got %+v %v", reply.Ack, err)
	}

	tampered := bytes.Replace(notification(t, "s", "t", 1, "r"), []byte(`"round":1`), []byte(`"round":2`), 1)
	reply, err = r.Receive(ctx, tampered)
	if reply.Ack.Code != sre.RejectedMalformed || reply.Ack.RuleID != "SRE-NOTE-006" {
		t.Fatalf("expected key mismatch, got %+v %v", reply.Ack, err)
	}

	unknown := notification(t, "s", "never-issued", 1, "r")
	reply, err = r.Receive(ctx, unknown)
	if reply.Ack.Code != sre.RejectedOutOfOrder || err == nil {
		t.Fatalf("expected RejectedOutOfOrder, got %+v %v", reply.Ack, err)
	}
	again, err := r.Receive(ctx, unknown)
	if err != nil || !again.Replayed || !bytes.Equal(again.Body, reply.Body) {
		t.Fatalf("rejection ack should be replayed: %+v %v", again, err)
	}
}

func TestReceiveEvaluatorFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	var fail atomic.Bool
	fail.Store(true)
	ev := EvaluatorFunc(func(context.Context, *sre.Notification) (Verdict, error) {
		if fail.Load() {
			return Verdict{}, errors.New("probe timed out")
		}
		return Verdict{Final: true}, nil
	})
	r := newReceiver(t, f, ev)
	raw := notification(t, "s", "t", 1, "r")

	reply, err := r.Receive(ctx, raw)
	if reply.Ack.Code != sre.RejectedUnavailable || err == nil {
		t.Fatalf("expected RejectedUnavailable, got %+v %v", reply.Ack, err)
	}
	fail.Store(false)
	reply, err = r.Receive(ctx, raw)
	if err != nil || reply.Replayed || !reply.Ack.Final {
		t.Fatalf("retry should be processed: %+v %v", reply, err)
	}
}

func TestArchiveAckStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	arc := archive.NewMemory()
	index := filepath.Join(t.TempDir(), "acks", "index.json")
	s, err := OpenArchiveAckStore(arc, index)
	if err != nil {
		t.Fatalf("OpenArchiveAckStore: %v", err)
	}
	ack := sre.Ack{Code: sre.Accepted, IdempotencyKey: "k1", Subject: "s", Task: "t", Round: 1, ReceivedAt: now}
	body, err := sre.MarshalAck(&ack)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "k1", body); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := OpenArchiveAckStore(arc, index)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Get(ctx, "k1")
	if err != nil || !ok || !bytes.Equal(got, body) {
		t.Fatalf("Get: %s ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := reopened.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing): ok=%v err=%v", ok, err)
	}
}

func TestReceiverWithArchiveAckStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issue(t, "s", "t")
	store, err := OpenArchiveAckStore(archive.NewMemory(), filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	r := newReceiver(t, f, nil, WithAckStore(store))
	raw := notification(t, "s", "t", 1, "r")
	first, err := r.Receive(ctx, raw)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	second, err := r.Receive(ctx, raw)
	if err != nil || !second.Replayed || !bytes.Equal(first.Body, second.Body) {
		t.Fatalf("replay through archive store failed: %+v %v", second, err)
	}
}

func TestRoundLimit(t *testing.T) {
	ev := RoundLimit(3, nil)
	ctx := context.Background()
	v, err := ev.Evaluate(ctx, &sre.Notification{Round: 1, ResultDigest: "d"})
	if err != nil || v.Final || v.FollowUp == nil || v.FollowUp.Brief != "round 2 of 3" {
		t.Fatalf("round 1: %+v %v", v, err)
	}
	v, _ = ev.Evaluate(ctx, &sre.Notification{Round: 3})
	if !v.Final {
		t.Fatalf("round 3 should close: %+v", v)
	}
	v, _ = ev.Evaluate(ctx, &sre.Notification{Round: 1, Final: true})
	if !v.Final {
		t.Fatalf("final notification should close: %+v", v)
	}
}
