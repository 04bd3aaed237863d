// Package config loads the YAML configuration shared by the sre commands.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment
// variables (SRE_PUBLIC_KEY_PATH, SRE_STATE_DIR, SRE_LISTEN).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sarbajit-2004/llm-code-deploy/delivery"
	"github.com/Sarbajit-2004/llm-code-deploy/receiver"
	"github.com/Sarbajit-2004/llm-code-deploy/rounds"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

const (
	EnvPublicKeyPath = "SRE_PUBLIC_KEY_PATH"
	EnvStateDir      = "SRE_STATE_DIR"
	EnvListen        = "SRE_LISTEN"

	DefaultStateDir = ".state"
	DefaultWorkers  = 4
)

// DefaultYAML is written by `sre-server config` as a starting point.
const DefaultYAML = `# sre configuration
version: 1
state_dir: .state
# public_key_path: issuer.pub
clock_skew: 0s
parse_mode: strict

agent:
  endpoint: ""

server:
  listen: 127.0.0.1:8088
  key_name: issuer
  key_role: ""
  envelope_ttl: 24h
  evaluation_url: ""

delivery:
  base_delay: 1s
  max_delay: 30s
  max_attempts: 6
  attempt_timeout: 10s
  jitter: 0.2
  workers: 4

archive:
  write_policy: first
  backends:
    - name: localfs
`

// AgentConfig configures the submitting side.
type AgentConfig struct {
	// Endpoint overrides the envelope's evaluation_url when set.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// ServerConfig configures the issuing side.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	KeyDir        string        `yaml:"key_dir,omitempty"`
	KeyName       string        `yaml:"key_name"`
	KeyRole       string        `yaml:"key_role,omitempty"`
	EnvelopeTTL   time.Duration `yaml:"envelope_ttl"`
	EvaluationURL string        `yaml:"evaluation_url,omitempty"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes,omitempty"`
	ReadTimeout   time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout  time.Duration `yaml:"write_timeout,omitempty"`
}

// DeliveryConfig is the retry policy plus dispatcher sizing.
type DeliveryConfig struct {
	delivery.Policy `yaml:",inline"`
	Workers         int `yaml:"workers"`
}

// Config is the whole file.
type Config struct {
	Version       int            `yaml:"version"`
	StateDir      string         `yaml:"state_dir"`
	PublicKeyPath string         `yaml:"public_key_path,omitempty"`
	ClockSkew     time.Duration  `yaml:"clock_skew"`
	ParseMode     string         `yaml:"parse_mode"`
	Agent         AgentConfig    `yaml:"agent"`
	Server        ServerConfig   `yaml:"server"`
	Delivery      DeliveryConfig `yaml:"delivery"`
	Archive       ArchiveConfig  `yaml:"archive"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version:   1,
		StateDir:  DefaultStateDir,
		ClockSkew: rounds.DefaultClockSkew,
		ParseMode: "strict",
		Server: ServerConfig{
			Listen:      net.JoinHostPort(receiver.DefaultHost, strconv.Itoa(receiver.DefaultPort)),
			KeyName:     "issuer",
			EnvelopeTTL: 24 * time.Hour,
		},
		Delivery: DeliveryConfig{Policy: delivery.DefaultPolicy(), Workers: DefaultWorkers},
		Archive: ArchiveConfig{
			WritePolicy: "first",
			Backends:    []BackendConfig{{Name: BackendLocalFS}},
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result. A missing file is an error only when
// path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("config: %s does not exist", path)
			}
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvPublicKeyPath)); v != "" {
		c.PublicKeyPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStateDir)); v != "" {
		c.StateDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Server.Listen = v
	}
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	c.ParseMode = strings.ToLower(strings.TrimSpace(c.ParseMode))
	if c.ParseMode == "" {
		c.ParseMode = "strict"
	}
	if c.Delivery.Workers <= 0 {
		c.Delivery.Workers = DefaultWorkers
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported version %d", c.Version)
	}
	if c.ClockSkew < 0 {
		return errors.New("clock_skew must not be negative")
	}
	if _, err := parseMode(c.ParseMode); err != nil {
		return err
	}
	if _, _, err := splitListen(c.Server.Listen); err != nil {
		return err
	}
	if c.Server.EnvelopeTTL <= 0 {
		return errors.New("server.envelope_ttl must be positive")
	}
	if err := c.Delivery.Policy.Validate(); err != nil {
		return err
	}
	return c.Archive.Validate()
}

func parseMode(s string) (sre.Mode, error) {
	switch s {
	case "strict":
		return sre.Strict, nil
	case "permissive":
		return sre.Permissive, nil
	}
	return sre.Strict, fmt.Errorf("invalid parse_mode %q", s)
}

// Mode returns the wire parsing mode.
func (c Config) Mode() sre.Mode {
	m, _ := parseMode(c.ParseMode)
	return m
}

func splitListen(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("server.listen %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("server.listen %q: invalid port", addr)
	}
	return host, port, nil
}

// ServerSettings converts the server section into receiver.Settings.
func (c Config) ServerSettings() receiver.Settings {
	host, port, _ := splitListen(c.Server.Listen)
	s := receiver.Settings{
		Host:         host,
		Port:         port,
		MaxBodyBytes: c.Server.MaxBodyBytes,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
	}
	s.Normalize()
	return s
}

// RoundStoreDir holds the agent's round records.
func (c Config) RoundStoreDir() string { return filepath.Join(c.StateDir, "rounds") }

// IssuerRoundStoreDir holds the server's round records. It is separate from
// RoundStoreDir so an agent and a server can share one state directory.
func (c Config) IssuerRoundStoreDir() string { return filepath.Join(c.StateDir, "issuer", "rounds") }

// LedgerDir holds pending delivery attempts.
func (c Config) LedgerDir() string { return filepath.Join(c.StateDir, "ledger") }

// AckIndexPath is the receiver's idempotency index.
func (c Config) AckIndexPath() string { return filepath.Join(c.StateDir, "acks", "index.json") }
