package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/Sarbajit-2004/llm-code-deploy/digest"
)

// Named associates an Archive with a stable backend name.
type Named struct {
	Name    string
	Archive Archive
}

// Fallback reads from backends in order and writes only to the first.
//
// Read order is the slice order; callers must supply a fixed order.
type Fallback struct {
	Backends []Named
}

var _ Archive = Fallback{}

func (f Fallback) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if len(f.Backends) == 0 || f.Backends[0].Archive == nil {
		return cid.Undef, errors.New("archive: Fallback has no primary backend")
	}
	return f.Backends[0].Archive.Put(ctx, data)
}

func (f Fallback) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return getInOrder(ctx, f.Backends, id)
}

func (f Fallback) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return hasAny(ctx, f.Backends, id)
}

// Replicating writes to every backend and requires all of them to agree on
// the identifier. Reads fall back in order.
type Replicating struct {
	Backends []Named
}

var _ Archive = Replicating{}

// PutAll writes data to all backends and returns the per-backend identifiers.
func (r Replicating) PutAll(ctx context.Context, data []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := digest.CID(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	if len(r.Backends) == 0 {
		return cid.Undef, nil, errors.New("archive: Replicating has no backends")
	}
	out := make(map[string]cid.Cid, len(r.Backends))
	for _, b := range r.Backends {
		if b.Archive == nil {
			return cid.Undef, nil, fmt.Errorf("archive: nil backend %q", b.Name)
		}
		got, err := b.Archive.Put(ctx, data)
		if err != nil {
			return cid.Undef, out, fmt.Errorf("archive: backend %q: %w", b.Name, err)
		}
		out[b.Name] = got
		if !got.Equals(want) {
			return cid.Undef, out, ErrIDMismatch
		}
	}
	return want, out, nil
}

func (r Replicating) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(ctx, data)
	return id, err
}

func (r Replicating) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return getInOrder(ctx, r.Backends, id)
}

func (r Replicating) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return hasAny(ctx, r.Backends, id)
}

func getInOrder(ctx context.Context, backends []Named, id cid.Cid) ([]byte, error) {
	for _, b := range backends {
		if b.Archive == nil {
			continue
		}
		out, err := b.Archive.Get(ctx, id)
		if err == nil {
			return out, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, fmt.Errorf("archive: backend %q: %w", b.Name, err)
	}
	return nil, ErrNotFound
}

func hasAny(ctx context.Context, backends []Named, id cid.Cid) (bool, error) {
	var firstErr error
	for _, b := range backends {
		if b.Archive == nil {
			continue
		}
		ok, err := b.Archive.Has(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}
