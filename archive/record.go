package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// RecordKind names what an archived Record holds.
type RecordKind string

const (
	KindEnvelope   RecordKind = "envelope"
	KindAck        RecordKind = "ack"
	KindAttempt    RecordKind = "attempt"
	KindEvaluation RecordKind = "evaluation"
)

// Record wraps one archived artifact with the identity it belongs to.
type Record struct {
	Kind      RecordKind      `json:"kind"`
	Subject   string          `json:"subject"`
	Task      string          `json:"task"`
	Round     uint64          `json:"round"`
	Key       string          `json:"key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Body      json.RawMessage `json:"body"`
}

// PutRecord encodes rec as JSON and stores it. A nil archive is a no-op that
// returns cid.Undef.
func PutRecord(ctx context.Context, a Archive, rec Record) (cid.Cid, error) {
	if a == nil {
		return cid.Undef, nil
	}
	if rec.Kind == "" {
		return cid.Undef, fmt.Errorf("archive: record kind is required")
	}
	if !json.Valid(rec.Body) {
		return cid.Undef, fmt.Errorf("archive: %s record body is not JSON", rec.Kind)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return cid.Undef, err
	}
	return a.Put(ctx, data)
}

// GetRecord loads and decodes a Record.
func GetRecord(ctx context.Context, a Archive, id cid.Cid) (Record, error) {
	data, err := a.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("archive: decode record %s: %w", id, err)
	}
	return rec, nil
}
