package roundstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Sarbajit-2004/llm-code-deploy/internal/fsutil"
)

// FileStore keeps one JSON document per record under a directory:
//
//	<dir>/<sha256(Key(subject, task))>.json
//
// Writes are atomic and durable (temp file, fsync, rename, directory fsync).
// A FileStore must be the only writer of its directory.
type FileStore struct {
	dir   string
	opts  options
	locks KeyedMutex
}

var _ Store = (*FileStore)(nil)

// OpenFileStore creates dir if needed and returns a store rooted there.
func OpenFileStore(dir string, opts ...Option) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("roundstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, Unavailable("open", err)
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &FileStore{dir: dir, opts: o}, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(subject, task string) string {
	sum := sha256.Sum256([]byte(Key(subject, task)))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

func (s *FileStore) read(path string) (RoundRecord, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RoundRecord{}, false, nil
		}
		return RoundRecord{}, false, err
	}
	var rec RoundRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return RoundRecord{}, false, err
	}
	if !rec.Status.Valid() {
		return RoundRecord{}, false, errors.New("invalid status on disk: " + string(rec.Status))
	}
	return rec, true, nil
}

func (s *FileStore) write(path string, rec RoundRecord) error {
	if rec.Nonces == nil {
		rec.Nonces = []NonceEntry{}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o600)
}

func (s *FileStore) Lookup(ctx context.Context, subject, task string) (RoundRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return RoundRecord{}, false, Unavailable("lookup", err)
	}
	unlock := s.locks.Lock(Key(subject, task))
	defer unlock()
	rec, ok, err := s.read(s.path(subject, task))
	if err != nil {
		return RoundRecord{}, false, Unavailable("lookup", err)
	}
	return rec, ok, nil
}

func (s *FileStore) RecordAccepted(ctx context.Context, a Acceptance) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("record", err)
	}
	unlock := s.locks.Lock(Key(a.Subject, a.Task))
	defer unlock()
	path := s.path(a.Subject, a.Task)
	rec, ok, err := s.read(path)
	if err != nil {
		return Unavailable("record", err)
	}
	changed, err := applyAcceptance(&rec, ok, a, s.opts.nonceLimit, s.opts.now())
	if err != nil || !changed {
		return err
	}
	if err := s.write(path, rec); err != nil {
		return Unavailable("record", err)
	}
	return nil
}

func (s *FileStore) IsReplay(ctx context.Context, subject, task, nonce string) (bool, error) {
	rec, ok, err := s.Lookup(ctx, subject, task)
	if err != nil || !ok {
		return false, err
	}
	_, seen := rec.FindNonce(nonce)
	return seen, nil
}

func (s *FileStore) SetStatus(ctx context.Context, subject, task string, from, to Status) error {
	if err := ctx.Err(); err != nil {
		return Unavailable("set status", err)
	}
	unlock := s.locks.Lock(Key(subject, task))
	defer unlock()
	path := s.path(subject, task)
	rec, ok, err := s.read(path)
	if err != nil {
		return Unavailable("set status", err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := applyStatus(&rec, from, to, s.opts.now()); err != nil {
		return err
	}
	if err := s.write(path, rec); err != nil {
		return Unavailable("set status", err)
	}
	return nil
}

// List returns every record, sorted by subject then task.
func (s *FileStore) List(ctx context.Context) ([]RoundRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, Unavailable("list", err)
	}
	var out []RoundRecord
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, Unavailable("list", err)
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, ok, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, Unavailable("list", err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Task < out[j].Task
	})
	return out, nil
}
