package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// Outcome is the lifecycle state of an Attempt.
type Outcome string

const (
	Pending   Outcome = "pending"
	Delivered Outcome = "delivered"
	Abandoned Outcome = "abandoned"
)

// Attempt tracks delivery of one notification to one endpoint.
type Attempt struct {
	Key          string           `json:"key"`
	Endpoint     string           `json:"endpoint"`
	Notification sre.Notification `json:"notification"`
	AttemptCount int              `json:"attempt_count"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	Outcome      Outcome          `json:"outcome"`
	LastError    string           `json:"last_error,omitempty"`
	LastStatus   int              `json:"last_status,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Ledger persists in-flight attempts so delivery survives restarts.
//
// Put replaces the stored attempt for a.Key. Finished attempts are removed
// with Delete after being archived.
type Ledger interface {
	Put(ctx context.Context, a Attempt) error
	Get(ctx context.Context, key string) (Attempt, bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]Attempt, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	attempts map[string]Attempt
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{attempts: make(map[string]Attempt)}
}

func (l *MemoryLedger) Put(ctx context.Context, a Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[a.Key] = a
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, key string) (Attempt, bool, error) {
	if err := ctx.Err(); err != nil {
		return Attempt{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[key]
	return a, ok, nil
}

func (l *MemoryLedger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
	return nil
}

func (l *MemoryLedger) List(ctx context.Context) ([]Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	out := make([]Attempt, 0, len(l.attempts))
	for _, a := range l.attempts {
		out = append(out, a)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
