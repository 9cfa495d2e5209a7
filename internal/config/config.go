// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-ec/internal/piecestore"
)

// RaftPeer is one voter of the membership raft group.
type RaftPeer struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type Config struct {
	// Listen is the QUIC address peers reach this node on, Advertise the
	// one other nodes dial. Advertise defaults to Listen.
	Listen    string  `yaml:"listen"`
	Advertise string  `yaml:"advertise"`
	HTTP      string  `yaml:"http"`
	DataDir   string  `yaml:"dataDir"`
	Store     string  `yaml:"store"`
	Compress  bool    `yaml:"compress"`
	Capacity  float64 `yaml:"capacity"` // overrides the disk-derived weight when above zero
	LogLevel  string  `yaml:"logLevel"`

	RaftID    uint64     `yaml:"raftID"`
	RaftPeers []RaftPeer `yaml:"raftPeers"`
	// Bootstrap proposes this node's own AddNode once the raft group is up.
	Bootstrap bool `yaml:"bootstrap"`

	ReportInterval      time.Duration `yaml:"reportInterval"`
	ProbeInterval       time.Duration `yaml:"probeInterval"`
	PingTimeout         time.Duration `yaml:"pingTimeout"`
	NotifyTimeout       time.Duration `yaml:"notifyTimeout"` // bounds removing a confirmed dead member
	RebuildInterval     time.Duration `yaml:"rebuildInterval"`
	StabilizeInterval   time.Duration `yaml:"stabilizeInterval"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval"`
}

// Default returns a configuration for a single local node.
func Default() Config {
	return Config{
		Listen:              "127.0.0.1:4242",
		HTTP:                "127.0.0.1:4243",
		DataDir:             "./data",
		Store:               piecestore.BackendBadger,
		LogLevel:            "info",
		RaftID:              1,
		ReportInterval:      time.Second,
		ProbeInterval:       time.Second,
		PingTimeout:         time.Second,
		NotifyTimeout:       10 * time.Second,
		RebuildInterval:     500 * time.Millisecond,
		StabilizeInterval:   100 * time.Millisecond,
		MaintenanceInterval: 10 * time.Minute,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.finish()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.finish()
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.finish()
}

func (c *Config) finish() error {
	if c.Advertise == "" {
		c.Advertise = c.Listen
	}
	if len(c.RaftPeers) == 0 {
		c.RaftPeers = []RaftPeer{{ID: c.RaftID, Address: c.Advertise}}
	}
	return c.Validate()
}

// Validate checks the fields the daemon cannot run without.
func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("config: listen address is required")
	case c.RaftID == 0:
		return errors.New("config: raftID must be non-zero")
	}
	switch c.Store {
	case piecestore.BackendMemory, piecestore.BackendBadger, piecestore.BackendSQLite:
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	for _, d := range []time.Duration{c.ReportInterval, c.ProbeInterval, c.RebuildInterval, c.StabilizeInterval} {
		if d <= 0 {
			return errors.New("config: tick intervals must be positive")
		}
	}
	found := false
	for _, p := range c.RaftPeers {
		if p.ID == c.RaftID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("config: raftID %d is not among raftPeers", c.RaftID)
	}
	return nil
}
