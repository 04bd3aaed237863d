package roundstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	opts    options
	records map[string]RoundRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &MemoryStore{opts: o, records: make(map[string]RoundRecord)}
}

func (s *MemoryStore) Lookup(ctx context.Context, subject, task string) (RoundRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return RoundRecord{}, false, Unavailable("lookup", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key(subject, task)]
	if !ok {
		return RoundRecord{}, false, nil
	}
	return rec.clone(), true, nil
}

func (s *MemoryStore) RecordAccepted(ctx context.Context, a Acceptance) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(a.Subject, a.Task)
	rec, ok := s.records[key]
	rec = rec.clone()
	changed, err := applyAcceptance(&rec, ok, a, s.opts.nonceLimit, s.opts.now())
	if err != nil || !changed {
		return err
	}
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) IsReplay(ctx context.Context, subject, task, nonce string) (bool, error) {
	rec, ok, err := s.Lookup(ctx, subject, task)
	if err != nil || !ok {
		return false, err
	}
	_, seen := rec.FindNonce(nonce)
	return seen, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, subject, task string, from, to Status) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("set status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(subject, task)
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if err := applyStatus(&rec, from, to, s.opts.now()); err != nil {
		return err
	}
	s.records[key] = rec
	return nil
}
