// Package config loads gaffer daemon configuration with koanf/v2: a YAML
// file, overlaid with GAFFER_-prefixed environment variables. CLI flags are
// applied on top by each command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/oca159/gaffer/internal/manager"
)

var (
	ErrInvalidBind        = errors.New("invalid bind address")
	ErrInvalidLookupdAddr = errors.New("invalid lookupd address")
	ErrInvalidInterval    = errors.New("interval must be positive")
	ErrInvalidProcess     = errors.New("invalid process definition")
)

// Config is the combined configuration for both gaffer daemons. Each binary
// reads its own section; the Log section is shared.
type Config struct {
	Lookupd LookupdConfig `koanf:"lookupd"`
	Node    NodeConfig    `koanf:"node"`
	Log     LogConfig     `koanf:"log"`

	// Processes are the jobs gafferd loads at startup.
	Processes []manager.ProcessConfig `koanf:"processes"`
}

// LookupdConfig configures the lookup service.
type LookupdConfig struct {
	// Bind is the HTTP listen address.
	Bind string `koanf:"bind"`

	// IdleCutoff closes a registration channel silent for this long.
	// Should be twice the nodes' ping interval.
	IdleCutoff time.Duration `koanf:"idle_cutoff"`
}

// NodeConfig configures gafferd.
type NodeConfig struct {
	// Bind is the node's local HTTP listen address.
	Bind string `koanf:"bind"`

	// LookupdAddresses are the lookup services to register with, one
	// persistent channel each, e.g. "ws://lookup1:5010/ws".
	LookupdAddresses []string `koanf:"lookupd_addresses"`

	// BroadcastAddress is the address advertised to lookup services for
	// client reach. Defaults to the OS hostname.
	BroadcastAddress string `koanf:"broadcast_address"`

	// BroadcastPort is the port advertised alongside BroadcastAddress.
	// Zero means the port of Bind.
	BroadcastPort int `koanf:"broadcast_port"`

	PingInterval   time.Duration `koanf:"ping_interval"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	BackoffBase    time.Duration `koanf:"backoff_base"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `koanf:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Lookupd: LookupdConfig{
			Bind:       "0.0.0.0:5010",
			IdleCutoff: 30 * time.Second,
		},
		Node: NodeConfig{
			Bind:           "0.0.0.0:5000",
			PingInterval:   15 * time.Second,
			RequestTimeout: 10 * time.Second,
			BackoffBase:    1 * time.Second,
			BackoffMax:     60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional; "" skips the file) and the environment on top
// of the defaults. GAFFER_NODE_PING_INTERVAL=5s maps to node.ping_interval.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("GAFFER_", ".", envKeyMapper), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Processes start unless the definition says otherwise; a zero-valued
	// bool cannot express that default, so consult the raw entries. koanf
	// does not flatten slices, so each entry is inspected as a map.
	rawProcs, _ := k.Get("processes").([]any)
	for i := range cfg.Processes {
		explicit := false
		if i < len(rawProcs) {
			if entry, ok := rawProcs[i].(map[string]any); ok {
				_, explicit = entry["start"]
			}
		}
		if !explicit {
			cfg.Processes[i].Start = true
		}
	}

	normalize(&cfg)
	return cfg, nil
}

// envKeyMapper transforms GAFFER_NODE_PING_INTERVAL -> node.ping_interval.
// The first underscore separates the section; the rest of the key keeps its
// underscores, matching the koanf tags.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "GAFFER_"))
	if section, rest, ok := strings.Cut(s, "_"); ok {
		return section + "." + rest
	}
	return s
}

// normalize fills derived defaults that cannot be expressed statically.
func normalize(cfg *Config) {
	if cfg.Node.BroadcastAddress == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Node.BroadcastAddress = hostname
		}
	}
	for i := range cfg.Processes {
		if cfg.Processes[i].Session == "" {
			cfg.Processes[i].Session = "default"
		}
	}
}

// Validate checks cfg for both daemons' sections.
func Validate(cfg Config) error {
	if cfg.Lookupd.Bind == "" {
		return fmt.Errorf("config: lookupd.bind: %w", ErrInvalidBind)
	}
	if cfg.Node.Bind == "" {
		return fmt.Errorf("config: node.bind: %w", ErrInvalidBind)
	}
	if cfg.Lookupd.IdleCutoff <= 0 {
		return fmt.Errorf("config: lookupd.idle_cutoff: %w", ErrInvalidInterval)
	}
	for _, d := range []time.Duration{
		cfg.Node.PingInterval, cfg.Node.RequestTimeout,
		cfg.Node.BackoffBase, cfg.Node.BackoffMax,
	} {
		if d <= 0 {
			return fmt.Errorf("config: node intervals: %w", ErrInvalidInterval)
		}
	}
	for _, addr := range cfg.Node.LookupdAddresses {
		if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
			return fmt.Errorf("config: %q: %w", addr, ErrInvalidLookupdAddr)
		}
	}
	for _, p := range cfg.Processes {
		if p.Name == "" || p.Cmd == "" {
			return fmt.Errorf("config: process %q: %w", p.Name, ErrInvalidProcess)
		}
		if strings.Contains(p.Name, ".") {
			return fmt.Errorf("config: process name %q contains a dot: %w", p.Name, ErrInvalidProcess)
		}
	}
	return nil
}
