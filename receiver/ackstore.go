package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/internal/fsutil"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// AckStore remembers the exact ack bytes sent for each idempotency key.
type AckStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, ack []byte) error
}

// MemoryAckStore is an in-process AckStore.
type MemoryAckStore struct {
	mu   sync.RWMutex
	acks map[string][]byte
}

func NewMemoryAckStore() *MemoryAckStore {
	return &MemoryAckStore{acks: make(map[string][]byte)}
}

func (s *MemoryAckStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.acks[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryAckStore) Put(_ context.Context, key string, ack []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[key] = append([]byte(nil), ack...)
	return nil
}

// ArchiveAckStore keeps ack records in an archive and a small JSON index
// (idempotency key -> archive CID) on local disk.
type ArchiveAckStore struct {
	archive   archive.Archive
	indexPath string
	clock     func() time.Time

	mu    sync.Mutex
	index map[string]string
}

// OpenArchiveAckStore loads the index at indexPath, creating it on first
// write.
func OpenArchiveAckStore(a archive.Archive, indexPath string) (*ArchiveAckStore, error) {
	if a == nil {
		return nil, errors.New("receiver: archive is required")
	}
	if strings.TrimSpace(indexPath) == "" {
		return nil, errors.New("receiver: ack index path is required")
	}
	s := &ArchiveAckStore{archive: a, indexPath: indexPath, clock: time.Now, index: make(map[string]string)}
	data, err := os.ReadFile(indexPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.index); err != nil {
			return nil, fmt.Errorf("receiver: decode ack index %s: %w", indexPath, err)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return s, nil
}

func (s *ArchiveAckStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	ref, ok := s.index[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	id, err := cid.Decode(ref)
	if err != nil {
		return nil, false, fmt.Errorf("receiver: ack index entry %s: %w", key, err)
	}
	rec, err := archive.GetRecord(ctx, s.archive, id)
	if err != nil {
		return nil, false, err
	}
	if rec.Kind != archive.KindAck || rec.Key != key {
		return nil, false, fmt.Errorf("receiver: archived record %s is not the ack for %s", ref, key)
	}
	return []byte(rec.Body), true, nil
}

func (s *ArchiveAckStore) Put(ctx context.Context, key string, ack []byte) error {
	parsed, err := sre.ParseAck(ack)
	if err != nil {
		return err
	}
	id, err := archive.PutRecord(ctx, s.archive, archive.Record{
		Kind:      archive.KindAck,
		Subject:   parsed.Subject,
		Task:      parsed.Task,
		Round:     parsed.Round,
		Key:       key,
		CreatedAt: s.clock(),
		Body:      ack,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]string, len(s.index)+1)
	for k, v := range s.index {
		next[k] = v
	}
	next[key] = id.String()
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.indexPath, data, 0o600); err != nil {
		return err
	}
	s.index = next
	return nil
}
