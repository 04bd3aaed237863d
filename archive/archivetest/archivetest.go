// Package archivetest is a conformance suite for archive.Archive implementations.
package archivetest

import (
	"bytes"
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
)

// NewArchive constructs a fresh, empty Archive for a test. The returned
// archive must be isolated from other tests.
type NewArchive func(t *testing.T) archive.Archive

// Run executes the conformance suite.
func Run(t *testing.T, newArchive NewArchive) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		a := newArchive(t)
		want := []byte(`{"kind":"envelope"}`)
		id, err := a.Put(ctx, want)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		wantID, err := digest.CID(want)
		if err != nil {
			t.Fatalf("digest.CID: %v", err)
		}
		if !id.Equals(wantID) {
			t.Fatalf("Put CID mismatch: got %s want %s", id, wantID)
		}
		got, err := a.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		a := newArchive(t)
		b := []byte("same bytes")
		id1, err := a.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(1): %v", err)
		}
		id2, err := a.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(2): %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		a := newArchive(t)
		b := []byte("missing")
		id, err := digest.CID(b)
		if err != nil {
			t.Fatalf("digest.CID: %v", err)
		}
		if ok, err := a.Has(ctx, id); err != nil || ok {
			t.Fatalf("Has(missing) = %v, %v", ok, err)
		}
		if _, err := a.Get(ctx, id); !archive.IsNotFound(err) {
			t.Fatalf("Get missing: got err=%v want ErrNotFound", err)
		}
		if _, err := a.Put(ctx, b); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if ok, err := a.Has(ctx, id); err != nil || !ok {
			t.Fatalf("Has after Put = %v, %v", ok, err)
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		a := newArchive(t)
		var undef cid.Cid
		if ok, _ := a.Has(ctx, undef); ok {
			t.Fatalf("Has should be false for undefined CID")
		}
		if _, err := a.Get(ctx, undef); err == nil {
			t.Fatalf("Get should fail for undefined CID")
		}
	})

	t.Run("RecordRoundTrip", func(t *testing.T) {
		a := newArchive(t)
		id, err := archive.PutRecord(ctx, a, archive.Record{
			Kind:    archive.KindAck,
			Subject: "s1",
			Task:    "t1",
			Round:   2,
			Key:     "k",
			Body:    []byte(`{"code":"Accepted"}`),
		})
		if err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
		rec, err := archive.GetRecord(ctx, a, id)
		if err != nil {
			t.Fatalf("GetRecord: %v", err)
		}
		if rec.Kind != archive.KindAck || rec.Round != 2 || string(rec.Body) != `{"code":"Accepted"}` {
			t.Fatalf("unexpected record: %+v", rec)
		}
	})
}
