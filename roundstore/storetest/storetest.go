// Package storetest is a conformance suite for roundstore.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
)

// NewStore constructs a fresh, empty Store for a test. The store must keep
// at most nonceLimit nonces per record.
type NewStore func(t *testing.T, nonceLimit int) roundstore.Store

func acc(round uint64, nonce, digest string) roundstore.Acceptance {
	return roundstore.Acceptance{Subject: "s1", Task: "t1", Round: round, Nonce: nonce, Digest: digest}
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("LookupMissing", func(t *testing.T) {
		s := newStore(t, 0)
		_, ok, err := s.Lookup(ctx, "s1", "t1")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if ok {
			t.Fatalf("expected no record")
		}
		replay, err := s.IsReplay(ctx, "s1", "t1", "n1")
		if err != nil || replay {
			t.Fatalf("IsReplay on empty store: %v %v", replay, err)
		}
	})

	t.Run("RecordAndAdvance", func(t *testing.T) {
		s := newStore(t, 0)
		if err := s.RecordAccepted(ctx, acc(1, "n1", "d1")); err != nil {
			t.Fatalf("RecordAccepted(1): %v", err)
		}
		rec, ok, err := s.Lookup(ctx, "s1", "t1")
		if err != nil || !ok {
			t.Fatalf("Lookup: ok=%v err=%v", ok, err)
		}
		if rec.CurrentRound != 1 || rec.Status != roundstore.StatusOpen {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if err := s.SetStatus(ctx, "s1", "t1", roundstore.StatusOpen, roundstore.StatusAwaitingResult); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		if err := s.RecordAccepted(ctx, acc(2, "n2", "d2")); err != nil {
			t.Fatalf("RecordAccepted(2): %v", err)
		}
		rec, _, err = s.Lookup(ctx, "s1", "t1")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if rec.CurrentRound != 2 || rec.Status != roundstore.StatusOpen || len(rec.Nonces) != 2 {
			t.Fatalf("unexpected record after advance: %+v", rec)
		}
		for _, n := range []string{"n1", "n2"} {
			replay, err := s.IsReplay(ctx, "s1", "t1", n)
			if err != nil || !replay {
				t.Fatalf("IsReplay(%s) = %v, %v", n, replay, err)
			}
		}
		replay, err := s.IsReplay(ctx, "s1", "other", "n1")
		if err != nil || replay {
			t.Fatalf("nonces must be scoped to (subject, task): %v %v", replay, err)
		}
	})

	t.Run("IdenticalRecordIsNoop", func(t *testing.T) {
		s := newStore(t, 0)
		if err := s.RecordAccepted(ctx, acc(1, "n1", "d1")); err != nil {
			t.Fatalf("RecordAccepted: %v", err)
		}
		before, _, _ := s.Lookup(ctx, "s1", "t1")
		if err := s.RecordAccepted(ctx, acc(1, "n1", "d1")); err != nil {
			t.Fatalf("RecordAccepted(again): %v", err)
		}
		after, _, _ := s.Lookup(ctx, "s1", "t1")
		if len(after.Nonces) != len(before.Nonces) || !after.UpdatedAt.Equal(before.UpdatedAt) {
			t.Fatalf("identical record must not mutate state")
		}
	})

	t.Run("CompareAndSwapRejectsStale", func(t *testing.T) {
		s := newStore(t, 0)
		if err := s.RecordAccepted(ctx, acc(1, "n1", "d1")); err != nil {
			t.Fatalf("RecordAccepted: %v", err)
		}
		if err := s.RecordAccepted(ctx, acc(1, "n2", "d2")); !errors.Is(err, roundstore.ErrStaleRound) {
			t.Fatalf("expected ErrStaleRound for same round fresh nonce, got %v", err)
		}
		if err := s.RecordAccepted(ctx, acc(1, "n1", "other")); !errors.Is(err, roundstore.ErrNonceReused) {
			t.Fatalf("expected ErrNonceReused, got %v", err)
		}
		rec, _, _ := s.Lookup(ctx, "s1", "t1")
		if rec.CurrentRound != 1 || len(rec.Nonces) != 1 {
			t.Fatalf("rejected writes must not mutate: %+v", rec)
		}
	})

	t.Run("SetStatusCompareAndSwap", func(t *testing.T) {
		s := newStore(t, 0)
		if err := s.SetStatus(ctx, "s1", "t1", roundstore.StatusOpen, roundstore.StatusClosed); !errors.Is(err, roundstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.RecordAccepted(ctx, acc(1, "n1", "d1")); err != nil {
			t.Fatalf("RecordAccepted: %v", err)
		}
		if err := s.SetStatus(ctx, "s1", "t1", roundstore.StatusAwaitingResult, roundstore.StatusClosed); !errors.Is(err, roundstore.ErrStatusMismatch) {
			t.Fatalf("expected ErrStatusMismatch, got %v", err)
		}
		if err := s.SetStatus(ctx, "s1", "t1", roundstore.StatusOpen, "bogus"); !errors.Is(err, roundstore.ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("NonceSetIsBounded", func(t *testing.T) {
		s := newStore(t, 3)
		for r := uint64(1); r <= 5; r++ {
			if r > 1 {
				if err := s.SetStatus(ctx, "s1", "t1", roundstore.StatusOpen, roundstore.StatusAwaitingResult); err != nil {
					t.Fatalf("SetStatus: %v", err)
				}
			}
			if err := s.RecordAccepted(ctx, acc(r, fmt.Sprintf("n%d", r), "d")); err != nil {
				t.Fatalf("RecordAccepted(%d): %v", r, err)
			}
		}
		rec, _, _ := s.Lookup(ctx, "s1", "t1")
		if len(rec.Nonces) != 3 || rec.Nonces[0].Nonce != "n3" || rec.Nonces[2].Nonce != "n5" {
			t.Fatalf("expected the 3 most recent nonces, got %+v", rec.Nonces)
		}
		// An evicted nonce belongs to an old round, so it is still rejected.
		if err := s.RecordAccepted(ctx, acc(1, "n1", "d")); !errors.Is(err, roundstore.ErrStaleRound) {
			t.Fatalf("expected evicted nonce to be stale, got %v", err)
		}
	})

	t.Run("ConcurrentSameRoundOneWinner", func(t *testing.T) {
		s := newStore(t, 0)
		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.RecordAccepted(ctx, acc(1, fmt.Sprintf("n%d", i), fmt.Sprintf("d%d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)
		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, roundstore.ErrStaleRound):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("DistinctPairsDoNotCollide", func(t *testing.T) {
		s := newStore(t, 0)
		a := roundstore.Acceptance{Subject: "a\x00b", Task: "c", Round: 1, Nonce: "n1", Digest: "d1"}
		b := roundstore.Acceptance{Subject: "a", Task: "b\x00c", Round: 1, Nonce: "n2", Digest: "d2"}
		if err := s.RecordAccepted(ctx, a); err != nil {
			t.Fatalf("RecordAccepted(a): %v", err)
		}
		if err := s.RecordAccepted(ctx, b); err != nil {
			t.Fatalf("RecordAccepted(b): %v", err)
		}
		rec, ok, err := s.Lookup(ctx, "a", "b\x00c")
		if err != nil || !ok {
			t.Fatalf("Lookup(b): ok=%v err=%v", ok, err)
		}
		if rec.Subject != "a" || rec.Task != "b\x00c" || len(rec.Nonces) != 1 || rec.Nonces[0].Nonce != "n2" {
			t.Fatalf("record for b holds another task: %+v", rec)
		}
		if replay, err := s.IsReplay(ctx, "a\x00b", "c", "n2"); err != nil || replay {
			t.Fatalf("nonce leaked across pairs: %v %v", replay, err)
		}
	})

	t.Run("CancelledContextIsUnavailable", func(t *testing.T) {
		s := newStore(t, 0)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := s.RecordAccepted(cctx, acc(1, "n1", "d1")); err == nil {
			t.Fatalf("expected error for cancelled context")
		}
		if _, _, err := s.Lookup(cctx, "s1", "t1"); err == nil {
			t.Fatalf("expected error for cancelled context")
		}
	})
}
