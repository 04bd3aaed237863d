package grpcarchive

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/archivetest"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/localfs"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
)

func startServer(t *testing.T, backend archive.Archive) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterArchiveServer(srv, &Server{Archive: backend})
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	client, err := Dial("passthrough:///bufnet", DialOptions{
		Timeout: 2 * time.Second,
		Extra:   []grpc.DialOption{grpc.WithContextDialer(dialer)},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConformanceOverLocalFS(t *testing.T) {
	archivetest.Run(t, func(t *testing.T) archive.Archive {
		backend, err := localfs.New(t.TempDir())
		if err != nil {
			t.Fatalf("localfs.New: %v", err)
		}
		return startServer(t, backend)
	})
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	client := startServer(t, archive.NewMemory())
	id, err := digest.CID([]byte("absent"))
	if err != nil {
		t.Fatalf("digest.CID: %v", err)
	}
	if _, err := client.Get(context.Background(), id); !archive.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingBackendFailsPrecondition(t *testing.T) {
	client := startServer(t, nil)
	if _, err := client.Put(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error from server without archive")
	}
}
