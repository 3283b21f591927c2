package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blewatch/internal/ble"
	"github.com/chaz8081/blewatch/internal/central"
)

// Config holds all application configuration.
type Config struct {
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Naming   NamingConfig  `yaml:"naming"`
	Adapter  AdapterConfig `yaml:"adapter"`
	LogLevel string        `yaml:"log_level"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Duration     time.Duration `yaml:"duration"`
	StopOnSelect bool          `yaml:"stop_on_select"`

	// Throttle: at most Burst starts at once, refilled one per MinInterval.
	// A zero MinInterval disables throttling.
	MinInterval time.Duration `yaml:"min_interval"`
	Burst       int           `yaml:"burst"`
}

// ConnectConfig holds connection lifecycle timing.
type ConnectConfig struct {
	AttachTimeout    time.Duration `yaml:"attach_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// NamingConfig controls how nameless peers are labelled.
type NamingConfig struct {
	UnknownLabel     string            `yaml:"unknown_label"`
	VendorPrefixes   map[string]string `yaml:"vendor_prefixes"` // address prefix -> label
	DisableHeuristic bool              `yaml:"disable_heuristic"`
}

// AdapterConfig selects the local radio.
type AdapterConfig struct {
	BlueZPath   string `yaml:"bluez_path"`
	ManagePower bool   `yaml:"manage_power"` // false: assume the adapter is usable
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blewatch")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Duration:     10 * time.Second,
			StopOnSelect: true,
			MinInterval:  6 * time.Second,
			Burst:        5,
		},
		Connect: ConnectConfig{
			AttachTimeout:    10 * time.Second,
			SettleDelay:      600 * time.Millisecond,
			OperationTimeout: 5 * time.Second,
		},
		Naming: NamingConfig{
			UnknownLabel: ble.DefaultUnknownLabel,
			VendorPrefixes: map[string]string{
				"24:0A:C4": "Espressif device",
				"30:AE:A4": "Espressif device",
				"DC:A6:32": "Raspberry Pi",
				"B8:27:EB": "Raspberry Pi",
				"A4:C1:38": "Telink device",
			},
		},
		Adapter: AdapterConfig{
			BlueZPath:   ble.DefaultBlueZAdapterPath,
			ManagePower: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A vendor_prefixes map in the file replaces the built-in
// one instead of extending it; an empty map disables every prefix.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	prefixes := cfg.Naming.VendorPrefixes
	cfg.Naming.VendorPrefixes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Naming.VendorPrefixes == nil {
		cfg.Naming.VendorPrefixes = prefixes
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0, got %s", c.Scan.Duration)
	}
	if c.Scan.MinInterval < 0 {
		return fmt.Errorf("scan.min_interval must not be negative, got %s", c.Scan.MinInterval)
	}
	if c.Scan.MinInterval > 0 && c.Scan.Burst <= 0 {
		return fmt.Errorf("scan.burst must be > 0 when scan.min_interval is set, got %d", c.Scan.Burst)
	}
	if c.Connect.AttachTimeout <= 0 {
		return fmt.Errorf("connect.attach_timeout must be > 0, got %s", c.Connect.AttachTimeout)
	}
	if c.Connect.SettleDelay < 0 {
		return fmt.Errorf("connect.settle_delay must not be negative, got %s", c.Connect.SettleDelay)
	}
	if c.Connect.OperationTimeout <= 0 {
		return fmt.Errorf("connect.operation_timeout must be > 0, got %s", c.Connect.OperationTimeout)
	}

	if strings.TrimSpace(c.Naming.UnknownLabel) == "" {
		return fmt.Errorf("naming.unknown_label must not be empty")
	}
	for prefix, label := range c.Naming.VendorPrefixes {
		if strings.Trim(prefix, ":-. ") == "" {
			return fmt.Errorf("naming.vendor_prefixes has an empty prefix")
		}
		if label == "" {
			return fmt.Errorf("naming.vendor_prefixes[%q] has an empty label", prefix)
		}
	}

	if c.Adapter.ManagePower && !strings.HasPrefix(c.Adapter.BlueZPath, "/") {
		return fmt.Errorf("adapter.bluez_path must be an absolute object path, got %q", c.Adapter.BlueZPath)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Resolver builds the peer naming chain described by the Naming section.
func (c *Config) Resolver() *ble.Resolver {
	prefixes := c.Naming.VendorPrefixes
	if c.Naming.DisableHeuristic {
		prefixes = nil
	}
	return ble.NewResolver(prefixes, c.Naming.UnknownLabel)
}

// CentralOptions maps the timing and naming settings onto central.Options.
func (c *Config) CentralOptions() central.Options {
	opts := central.DefaultOptions()
	opts.ScanDuration = c.Scan.Duration
	opts.StopScanOnSelect = c.Scan.StopOnSelect
	opts.AttachTimeout = c.Connect.AttachTimeout
	opts.SettleDelay = c.Connect.SettleDelay
	opts.OperationTimeout = c.Connect.OperationTimeout
	opts.Resolver = c.Resolver()
	if c.Scan.MinInterval > 0 {
		opts.ScanLimiter = rate.NewLimiter(rate.Every(c.Scan.MinInterval), c.Scan.Burst)
	}
	return opts
}

const defaultHeader = `# blewatch configuration
# Durations use Go syntax (10s, 600ms). Delete a key to fall back to its default.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns the
// written path, or "" if a config file already exists there.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
