// Package archive stores immutable protocol artifacts (signed envelopes,
// acknowledgments, finished delivery attempts and evaluation results) by
// content identifier.
//
// Contract for every Archive:
//   - Put is idempotent and returns the CIDv1 (raw, sha2-256) of the bytes.
//   - Stored objects are immutable.
//   - Get returns ErrNotFound when the identifier is absent and verifies the
//     returned bytes against the identifier.
package archive

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// Archive is a content-addressed object store.
type Archive interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}

var (
	ErrNotFound   = errors.New("archive: not found")
	ErrInvalidID  = errors.New("archive: invalid cid")
	ErrIDMismatch = errors.New("archive: cid mismatch")
	ErrImmutable  = errors.New("archive: immutable object mismatch")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
