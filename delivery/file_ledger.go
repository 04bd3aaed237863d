package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Sarbajit-2004/llm-code-deploy/digest"
	"github.com/Sarbajit-2004/llm-code-deploy/internal/fsutil"
)

const ledgerExt = ".msgpack"

// FileLedger stores one msgpack record per attempt under a directory,
// named by idempotency key. Writes are atomic, so a crash leaves either the
// previous record or the new one.
type FileLedger struct {
	dir string
}

var _ Ledger = (*FileLedger)(nil)

// OpenFileLedger creates dir if needed.
func OpenFileLedger(dir string) (*FileLedger, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("delivery: ledger directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileLedger{dir: dir}, nil
}

func (l *FileLedger) path(key string) (string, error) {
	// Keys are CIDs, which also makes them safe file names.
	if _, err := digest.Parse(key); err != nil {
		return "", fmt.Errorf("delivery: invalid ledger key: %w", err)
	}
	return filepath.Join(l.dir, key+ledgerExt), nil
}

func encodeAttempt(a Attempt) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAttempt(data []byte) (Attempt, error) {
	var a Attempt
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&a); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (l *FileLedger) Put(ctx context.Context, a Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(a.Key)
	if err != nil {
		return err
	}
	data, err := encodeAttempt(a)
	if err != nil {
		return fmt.Errorf("delivery: encode attempt: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

func (l *FileLedger) Get(ctx context.Context, key string) (Attempt, bool, error) {
	if err := ctx.Err(); err != nil {
		return Attempt{}, false, err
	}
	path, err := l.path(key)
	if err != nil {
		return Attempt{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Attempt{}, false, nil
		}
		return Attempt{}, false, err
	}
	a, err := decodeAttempt(data)
	if err != nil {
		return Attempt{}, false, fmt.Errorf("delivery: decode attempt %s: %w", key, err)
	}
	return a, true, nil
}

func (l *FileLedger) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(key)
	if err != nil {
		return err
	}
	return fsutil.RemoveDurable(path)
}

func (l *FileLedger) List(ctx context.Context) ([]Attempt, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var out []Attempt
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ledgerExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		a, err := decodeAttempt(data)
		if err != nil {
			return nil, fmt.Errorf("delivery: decode %s: %w", e.Name(), err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
