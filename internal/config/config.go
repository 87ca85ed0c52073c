// Package config carries the engine options and the simulator's YAML config.
package config

import (
	"fmt"
	"os"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAutoDismiss  = 5 * time.Second
	DefaultMaxQueueSize = 5
	// ExitAnimation is the fixed window an item spends in the exiting state
	// before removal, mirroring the UI transition it models.
	ExitAnimation = 300 * time.Millisecond
)

// Backoff configures the reconnect delay schedule for both transports.
type Backoff struct {
	BaseMs     int     `yaml:"base_ms"`
	Multiplier float64 `yaml:"multiplier"`
	MaxMs      int     `yaml:"max_ms"`
	Jitter     bool    `yaml:"jitter"`
	// MaxRetries caps consecutive failed attempts; 0 means retry forever.
	MaxRetries int `yaml:"max_retries"`
}

func DefaultBackoff() Backoff {
	return Backoff{BaseMs: 1000, Multiplier: 2, MaxMs: 30000, Jitter: true}
}

// New builds the delay schedule. The returned BackOff never stops on elapsed
// time; retry caps are enforced by the caller counting attempts.
func (b Backoff) New() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(b.BaseMs) * time.Millisecond
	eb.Multiplier = b.Multiplier
	eb.MaxInterval = time.Duration(b.MaxMs) * time.Millisecond
	eb.MaxElapsedTime = 0
	if !b.Jitter {
		eb.RandomizationFactor = 0
	}
	eb.Reset()
	return eb
}

// Options is the engine configuration the UI layer supplies.
type Options struct {
	// Endpoint is the registry feed URL (SSE or WS, by scheme).
	Endpoint string
	// SearchEndpoint is the streaming-search URL; the query is appended as
	// a `q` parameter.
	SearchEndpoint string
	// AutoDismiss is how long a notification stays active before the exit
	// animation starts. Zero disables auto-dismiss entirely.
	AutoDismiss time.Duration
	// MaxQueueSize bounds the number of active notifications; enqueuing
	// past it evicts the oldest active item.
	MaxQueueSize int
	// SnapshotOnSubscribe pushes current queue and session state to a new
	// subscriber immediately, instead of only deltas from then on.
	SnapshotOnSubscribe bool
	Backoff             Backoff
	// OnDiagnostic, when set, receives non-fatal stream diagnostics
	// (decode failures, protocol violations) in addition to logging.
	OnDiagnostic func(error)
}

func DefaultOptions() Options {
	return Options{
		AutoDismiss:  DefaultAutoDismiss,
		MaxQueueSize: DefaultMaxQueueSize,
		Backoff:      DefaultBackoff(),
	}
}

// Normalize fills zero values with defaults. AutoDismiss is deliberately not
// defaulted: zero is the documented "no auto-dismiss" setting.
func (o Options) Normalize() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.Backoff.BaseMs <= 0 {
		o.Backoff.BaseMs = DefaultBackoff().BaseMs
	}
	if o.Backoff.Multiplier < 1 {
		o.Backoff.Multiplier = DefaultBackoff().Multiplier
	}
	if o.Backoff.MaxMs < o.Backoff.BaseMs {
		o.Backoff.MaxMs = DefaultBackoff().MaxMs
	}
	return o
}

// Sim is the feedsim server configuration.
type Sim struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`
	Feed struct {
		// EmitInterval is the delay between synthetic registry events.
		EmitInterval time.Duration `yaml:"emit_interval"`
	} `yaml:"feed"`
	Search struct {
		// ResultDelay is the gap between streamed result events.
		ResultDelay time.Duration `yaml:"result_delay"`
	} `yaml:"search"`
}

// LoadSim reads the simulator config, seeding defaults before unmarshal so a
// partial file only overrides what it names. A missing path returns defaults.
func LoadSim(path string) (*Sim, error) {
	cfg := &Sim{}
	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"
	cfg.Feed.EmitInterval = 2 * time.Second
	cfg.Search.ResultDelay = 150 * time.Millisecond

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sim config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing sim config: %w", err)
	}
	return cfg, nil
}
