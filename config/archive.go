package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/grpcarchive"
	"github.com/Sarbajit-2004/llm-code-deploy/archive/localfs"
)

// Archive backend names.
const (
	BackendMemory  = "memory"
	BackendLocalFS = "localfs"
	BackendGRPC    = "grpc"
)

// ArchiveConfig selects one or more archive backends.
//
// WritePolicy values:
//   - "first" (default): write only to the first backend; reads fall back in order
//   - "all": write to all backends and require CID equality (see archive.Replicating)
//
// Example:
//
//	archive:
//	  write_policy: all
//	  backends:
//	    - name: localfs
//	      config: {dir: /var/lib/sre/archive}
//	    - name: grpc
//	      id: central
//	      config: {target: "archive.internal:7400", timeout: 5s}
type ArchiveConfig struct {
	WritePolicy string          `yaml:"write_policy,omitempty"`
	Backends    []BackendConfig `yaml:"backends"`
}

// BackendConfig names one backend. Config keys are backend-specific:
// localfs takes "dir"; grpc takes "target", "timeout" and "max_msg_bytes".
type BackendConfig struct {
	Name string `yaml:"name"`
	// ID is an optional stable alias; Name is used when empty.
	ID     string            `yaml:"id,omitempty"`
	Config map[string]string `yaml:"config,omitempty"`
}

func (b BackendConfig) id() string {
	if b.ID != "" {
		return b.ID
	}
	return b.Name
}

// Validate checks backend names, ids and the write policy. An empty backend
// list is valid and means archiving is disabled.
func (c ArchiveConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		switch b.Name {
		case BackendMemory, BackendLocalFS:
		case BackendGRPC:
			if b.Config["target"] == "" {
				return fmt.Errorf("archive.backends[%d]: grpc backend requires config.target", i)
			}
		case "":
			return fmt.Errorf("archive.backends[%d]: name is required", i)
		default:
			return fmt.Errorf("archive.backends[%d]: unknown backend %q", i, b.Name)
		}
		if _, ok := seen[b.id()]; ok {
			return fmt.Errorf("archive: duplicate backend id %q", b.id())
		}
		seen[b.id()] = struct{}{}
	}
	switch c.WritePolicy {
	case "", "first", "all":
		return nil
	default:
		return fmt.Errorf("archive: invalid write_policy %q", c.WritePolicy)
	}
}

// Open opens the configured backends. stateDir resolves a localfs backend
// without an explicit dir. The returned archive is nil when no backends are
// configured; close is always non-nil.
func (c ArchiveConfig) Open(stateDir string) (archive.Archive, func() error, error) {
	noop := func() error { return nil }
	if err := c.Validate(); err != nil {
		return nil, noop, err
	}
	if len(c.Backends) == 0 {
		return nil, noop, nil
	}

	named := make([]archive.Named, 0, len(c.Backends))
	closers := make([]func() error, 0, len(c.Backends))
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	for _, b := range c.Backends {
		a, closeFn, err := openBackend(b, stateDir)
		if err != nil {
			_ = closeAll()
			return nil, noop, fmt.Errorf("archive backend %q: %w", b.id(), err)
		}
		named = append(named, archive.Named{Name: b.id(), Archive: a})
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	if len(named) == 1 {
		return named[0].Archive, closeAll, nil
	}
	if c.WritePolicy == "all" {
		return archive.Replicating{Backends: named}, closeAll, nil
	}
	return archive.Fallback{Backends: named}, closeAll, nil
}

func openBackend(b BackendConfig, stateDir string) (archive.Archive, func() error, error) {
	switch b.Name {
	case BackendMemory:
		return archive.NewMemory(), nil, nil
	case BackendLocalFS:
		dir := b.Config["dir"]
		if dir == "" {
			if stateDir == "" {
				return nil, nil, errors.New("localfs backend requires config.dir or a state directory")
			}
			dir = filepath.Join(stateDir, "archive")
		}
		a, err := localfs.New(dir)
		return a, nil, err
	case BackendGRPC:
		opts := grpcarchive.DialOptions{}
		if v := b.Config["timeout"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid timeout %q: %w", v, err)
			}
			opts.Timeout = d
		}
		if v := b.Config["max_msg_bytes"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, nil, fmt.Errorf("invalid max_msg_bytes %q", v)
			}
			opts.MaxMsgBytes = n
		}
		c, err := grpcarchive.Dial(b.Config["target"], opts)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", b.Name)
}
