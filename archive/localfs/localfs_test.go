package localfs

import (
	"context"
	"os"
	"testing"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/archivetest"
)

func TestConformance(t *testing.T) {
	archivetest.Run(t, func(t *testing.T) archive.Archive {
		a, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return a
	})
}

func TestGetDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := a.Put(ctx, []byte("original"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := a.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := a.Get(ctx, id); err != archive.ErrIDMismatch {
		t.Fatalf("expected ErrIDMismatch, got %v", err)
	}
	if _, err := a.Put(ctx, []byte("original")); err != archive.ErrImmutable {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
