// Package config is the tunable surface of a flock node: multicast group,
// timing constants, and retry policy. Values, not mechanism.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the protocol core consumes.
type Config struct {
	// Group is the multicast group address all participants must reach.
	Group string `yaml:"group"`
	// TTL bounds how many hops multicast frames survive.
	TTL int `yaml:"ttl"`
	// Compression selects the wire codec wrapping: "" or "lz4". Every
	// participant in the group must agree.
	Compression string `yaml:"compression"`
	// OpsAddr serves /metrics, /status, and /healthz over HTTP. Empty
	// disables the ops endpoint.
	OpsAddr string `yaml:"ops_addr"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ServerTimeout     time.Duration `yaml:"server_timeout"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	StartupGrace      time.Duration `yaml:"startup_grace"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`

	DiscoveryAttempts int           `yaml:"discovery_attempts"`
	DiscoveryDelay    time.Duration `yaml:"discovery_delay"`
	DiscoveryWindow   time.Duration `yaml:"discovery_window"`
}

// Default returns the stock policy constants.
func Default() Config {
	return Config{
		Group:             "224.1.1.1:5008",
		TTL:               2,
		OpsAddr:           ":8080",
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ElectionTimeout:   5 * time.Second,
		SweepInterval:     15 * time.Second,
		ServerTimeout:     30 * time.Second,
		ClientTimeout:     60 * time.Second,
		StartupGrace:      30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		ProbeInterval:     10 * time.Second,
		RetryAttempts:     3,
		RetryDelay:        2 * time.Second,
		DiscoveryAttempts: 3,
		DiscoveryDelay:    2 * time.Second,
		DiscoveryWindow:   15 * time.Second,
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %q", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %q", path)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Group == "":
		return errors.New("config: group must be set")
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return errors.New("config: heartbeat interval and timeout must be positive")
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return errors.New("config: heartbeat timeout must exceed the interval")
	case c.ElectionTimeout <= 0:
		return errors.New("config: election timeout must be positive")
	case c.SweepInterval <= 0 || c.ServerTimeout <= 0 || c.ClientTimeout <= 0:
		return errors.New("config: membership sweep interval and timeouts must be positive")
	case c.ProbeTimeout <= 0 || c.ProbeInterval <= 0:
		return errors.New("config: probe timeout and interval must be positive")
	case c.RetryAttempts < 1:
		return errors.New("config: retry attempts must be at least 1")
	case c.DiscoveryAttempts < 1:
		return errors.New("config: discovery attempts must be at least 1")
	case c.Compression != "" && c.Compression != "lz4":
		return errors.Errorf("config: unknown compression %q", c.Compression)
	}
	return nil
}
