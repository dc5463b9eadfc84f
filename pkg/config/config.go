package config

import (
	"encoding/json"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/baxromumarov/walsim/pkg/logger"
	"github.com/baxromumarov/walsim/pkg/safekeeper"
	"github.com/baxromumarov/walsim/pkg/sim"
	"github.com/baxromumarov/walsim/pkg/types"
	"github.com/baxromumarov/walsim/pkg/walproposer"
)

// Config holds the configuration of a simulated cluster.
type Config struct {
	// Seed drives the single random source of a world.
	Seed           uint64 `json:"seed"`
	NumSafekeepers int    `json:"num_safekeepers"`
	LogLevel       string `json:"log_level"`

	Network    sim.NetworkOptions  `json:"network"`
	Proposer   walproposer.Options `json:"proposer"`
	Safekeeper safekeeper.Options  `json:"safekeeper"`

	// SyncTimeout bounds a blocking sync, in virtual milliseconds.
	SyncTimeout uint64 `json:"sync_timeout_ms"`

	// Seed sweeps
	StressRuns int `json:"stress_runs"`
	Parallel   int `json:"parallel"`
	// TraceEvents is how many processed events a failure report shows.
	TraceEvents int `json:"trace_events"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Seed:           0,
		NumSafekeepers: 3,
		LogLevel:       "warn",

		Network:    sim.DefaultNetworkOptions(),
		Proposer:   walproposer.DefaultOptions(),
		Safekeeper: safekeeper.DefaultOptions(),

		SyncTimeout: 60_000,

		StressRuns:  1000,
		Parallel:    4,
		TraceEvents: 64,
	}
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}

	return cfg, nil
}

// envOverrides lists the settings that can be replaced from the
// environment, e.g. WALSIM_SEED to replay a failing run.
type envOverrides struct {
	Seed            uint64  `long:"seed" env:"WALSIM_SEED"`
	NumSafekeepers  int     `long:"safekeepers" env:"WALSIM_SAFEKEEPERS"`
	LogLevel        string  `long:"log-level" env:"WALSIM_LOG_LEVEL"`
	SyncTimeout     uint64  `long:"sync-timeout" env:"WALSIM_SYNC_TIMEOUT_MS"`
	StressRuns      int     `long:"stress-runs" env:"WALSIM_STRESS_RUNS"`
	Parallel        int     `long:"parallel" env:"WALSIM_PARALLEL"`
	MaxFlushDelay   uint64  `long:"max-flush-delay" env:"WALSIM_MAX_FLUSH_DELAY_MS"`
	ConnectFailProb float64 `long:"connect-fail-prob" env:"WALSIM_CONNECT_FAIL_PROB"`
	SendFailProb    float64 `long:"send-fail-prob" env:"WALSIM_SEND_FAIL_PROB"`
}

// LoadFromEnv returns the default configuration with environment
// overrides applied.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv replaces the settings whose WALSIM_* variable is set.
func (c *Config) ApplyEnv() error {
	o := envOverrides{
		Seed:            c.Seed,
		NumSafekeepers:  c.NumSafekeepers,
		LogLevel:        c.LogLevel,
		SyncTimeout:     c.SyncTimeout,
		StressRuns:      c.StressRuns,
		Parallel:        c.Parallel,
		MaxFlushDelay:   c.Safekeeper.MaxFlushDelay,
		ConnectFailProb: c.Network.ConnectDelay.FailProb,
		SendFailProb:    c.Network.SendDelay.FailProb,
	}
	// Unset variables leave the prefilled values alone.
	if _, err := flags.NewParser(&o, flags.None).ParseArgs([]string{}); err != nil {
		return errors.Wrapf(types.ErrConfiguration, "environment: %v", err)
	}

	c.Seed = o.Seed
	c.NumSafekeepers = o.NumSafekeepers
	c.LogLevel = o.LogLevel
	c.SyncTimeout = o.SyncTimeout
	c.StressRuns = o.StressRuns
	c.Parallel = o.Parallel
	c.Safekeeper.MaxFlushDelay = o.MaxFlushDelay
	c.Network.ConnectDelay.FailProb = o.ConnectFailProb
	c.Network.SendDelay.FailProb = o.SendFailProb
	return nil
}

// Validate rejects unusable settings and fills in defaults for the rest.
func (c *Config) Validate() error {
	if c.NumSafekeepers < 1 {
		return errors.Wrapf(types.ErrConfiguration, "num_safekeepers %d, need at least 1", c.NumSafekeepers)
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}

	def := walproposer.DefaultOptions()
	if c.Proposer.HeartbeatInterval == 0 {
		c.Proposer.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.Proposer.ReconnectTimeout == 0 {
		c.Proposer.ReconnectTimeout = def.ReconnectTimeout
	}
	if c.Proposer.ConnectionTimeout == 0 {
		c.Proposer.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.Proposer.ElectionTimeout == 0 {
		c.Proposer.ElectionTimeout = def.ElectionTimeout
	}
	if c.Proposer.MaxBatch <= 0 {
		c.Proposer.MaxBatch = def.MaxBatch
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = 60_000
	}
	if c.StressRuns <= 0 {
		c.StressRuns = 1000
	}
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	if c.TraceEvents < 0 {
		c.TraceEvents = 0
	}

	return nil
}

// Level returns the configured log level.
func (c *Config) Level() logger.Level {
	return logger.ParseLevel(c.LogLevel)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Network = c.Network.Clone()
	return &out
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// String returns a string representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
