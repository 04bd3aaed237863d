package roundstore_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore/storetest"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, limit int) roundstore.Store {
		return roundstore.NewMemoryStore(roundstore.WithNonceLimit(limit))
	})
}

func TestFileStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, limit int) roundstore.Store {
		s, err := roundstore.OpenFileStore(t.TempDir(), roundstore.WithNonceLimit(limit))
		if err != nil {
			t.Fatalf("OpenFileStore: %v", err)
		}
		return s
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := roundstore.OpenFileStore(dir, roundstore.WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	a := roundstore.Acceptance{Subject: "s1", Task: "t1", Round: 1, Nonce: "n1", Digest: "d1"}
	if err := s.RecordAccepted(ctx, a); err != nil {
		t.Fatalf("RecordAccepted: %v", err)
	}

	reopened, err := roundstore.OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore(reopen): %v", err)
	}
	rec, ok, err := reopened.Lookup(ctx, "s1", "t1")
	if err != nil || !ok {
		t.Fatalf("Lookup after reopen: ok=%v err=%v", ok, err)
	}
	if rec.CurrentRound != 1 || !rec.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
	list, err := reopened.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %v %v", list, err)
	}
}

func TestFileStoreCorruptRecordFailsClosed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := roundstore.OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.RecordAccepted(ctx, roundstore.Acceptance{Subject: "s1", Task: "t1", Round: 1, Nonce: "n1"}); err != nil {
		t.Fatalf("RecordAccepted: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir: %v %v", entries, err)
	}
	if err := os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err = s.Lookup(ctx, "s1", "t1")
	if !sre.IsKind(err, sre.KindStoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
	if sre.CodeOf(err) != sre.RejectedUnavailable {
		t.Fatalf("expected RejectedUnavailable code")
	}
}

func TestKeyIsUnambiguous(t *testing.T) {
	if roundstore.Key("a\x00b", "c") == roundstore.Key("a", "b\x00c") {
		t.Fatalf("distinct (subject, task) pairs share a key")
	}
	if roundstore.Key("a:1", "b") == roundstore.Key("a", "1:b") {
		t.Fatalf("colon in subject collides")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km roundstore.KeyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(roundstore.Key("s", "t"))
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d", counter)
	}
	if km.Len() != 0 {
		t.Fatalf("expected lock entries to be released, got %d", km.Len())
	}

	// Different keys do not block each other.
	unlockA := km.Lock(roundstore.Key("s", "a"))
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock(roundstore.Key("s", "b"))
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("independent keys blocked each other")
	}
	unlockA()
}
