package archive_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/archivetest"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
)

func TestMemoryConformance(t *testing.T) {
	archivetest.Run(t, func(t *testing.T) archive.Archive { return archive.NewMemory() })
}

func TestFallbackConformance(t *testing.T) {
	archivetest.Run(t, func(t *testing.T) archive.Archive {
		return archive.Fallback{Backends: []archive.Named{
			{Name: "primary", Archive: archive.NewMemory()},
			{Name: "secondary", Archive: archive.NewMemory()},
		}}
	})
}

func TestReplicatingConformance(t *testing.T) {
	archivetest.Run(t, func(t *testing.T) archive.Archive {
		return archive.Replicating{Backends: []archive.Named{
			{Name: "a", Archive: archive.NewMemory()},
			{Name: "b", Archive: archive.NewMemory()},
		}}
	})
}

func TestFallbackReadsSecondary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := archive.NewMemory(), archive.NewMemory()
	id, err := secondary.Put(ctx, []byte("only in secondary"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	f := archive.Fallback{Backends: []archive.Named{{Name: "p", Archive: primary}, {Name: "s", Archive: secondary}}}
	got, err := f.Get(ctx, id)
	if err != nil || string(got) != "only in secondary" {
		t.Fatalf("Get: %q %v", got, err)
	}
	if _, err := f.Put(ctx, []byte("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if primary.Len() != 1 || secondary.Len() != 1 {
		t.Fatalf("Fallback must write only to the primary")
	}
}

type lyingArchive struct{ archive.Archive }

func (lyingArchive) Put(context.Context, []byte) (cid.Cid, error) {
	return digest.CID([]byte("something else"))
}

func TestReplicatingWritesAllAndDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	a, b := archive.NewMemory(), archive.NewMemory()
	r := archive.Replicating{Backends: []archive.Named{{Name: "a", Archive: a}, {Name: "b", Archive: b}}}
	_, per, err := r.PutAll(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if len(per) != 2 || a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("expected both backends written")
	}

	bad := archive.Replicating{Backends: []archive.Named{{Name: "a", Archive: a}, {Name: "liar", Archive: lyingArchive{archive.NewMemory()}}}}
	if _, err := bad.Put(ctx, []byte("y")); !errors.Is(err, archive.ErrIDMismatch) {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}
}

func TestPutRecordRejectsBadBody(t *testing.T) {
	ctx := context.Background()
	if _, err := archive.PutRecord(ctx, archive.NewMemory(), archive.Record{Kind: archive.KindAck, Body: []byte("{")}); err == nil {
		t.Fatalf("expected error for invalid body")
	}
	if id, err := archive.PutRecord(ctx, nil, archive.Record{Kind: archive.KindAck}); err != nil || id.Defined() {
		t.Fatalf("nil archive must be a no-op: %v %v", id, err)
	}
}
