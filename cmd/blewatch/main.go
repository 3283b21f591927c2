package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/blewatch/internal/ble"
	"github.com/chaz8081/blewatch/internal/central"
	"github.com/chaz8081/blewatch/internal/config"
	"github.com/chaz8081/blewatch/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blewatch/config.yaml)")
	device := flag.String("device", "", "address of a peer to connect to as soon as it is discovered")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	printBanner(cfg, *device)

	opts := cfg.CentralOptions()
	opts.OnTransition = func(from, to central.ConnectionState) {
		slog.Info("[CONN] state", "from", from.Phase, "to", to)
	}
	c := central.New(ble.NewRadioAdapter(), newGate(cfg), opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.StartScan(ctx); err != nil {
		slog.Error("scan could not start", "error", err)
	}

	watch(ctx, c, *device)

	log.Println("Shutting down...")
	if err := c.Close(); err != nil {
		slog.Error("close", "error", err)
	}
	log.Println("Goodbye!")
}

// watch prints every snapshot until ctx ends or the subscription closes.
// When target is set it is selected once, the first time it appears.
func watch(ctx context.Context, c *central.Central, target string) {
	snaps, cancel := c.Subscribe()
	defer cancel()

	selected := false
	var prev session.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			report(prev, snap)
			prev = snap

			if target == "" || selected {
				continue
			}
			if _, found := snap.Peer(target); !found {
				continue
			}
			selected = true
			if err := c.SelectPeer(ctx, target); err != nil {
				slog.Error("select failed", "address", target, "error", err)
			}
		}
	}
}

// report prints the parts of snap that differ from prev.
func report(prev, snap session.Snapshot) {
	for _, p := range snap.Discovered[min(len(prev.Discovered), len(snap.Discovered)):] {
		fmt.Printf("  found  %-20s %-24s %4d dBm\n", p.Address, p.Name, p.RSSI)
	}
	if snap.Scanning != prev.Scanning {
		fmt.Printf("  scan   %s\n", onOff(snap.Scanning))
	}
	if snap.Connected != prev.Connected || snap.BatteryLevel != prev.BatteryLevel {
		if snap.Connected {
			fmt.Printf("  link   %s, battery %d%%\n", snap.ConnectedDeviceName, snap.BatteryLevel)
		} else {
			fmt.Println("  link   none")
		}
	}
	if snap.LastError != "" && snap.LastError != prev.LastError {
		fmt.Printf("  error  %s\n", snap.LastError)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// newGate returns the BlueZ power gate, or AlwaysGranted when power
// management is off or the system bus is unreachable.
func newGate(cfg *config.Config) ble.AccessGate {
	if !cfg.Adapter.ManagePower {
		return ble.AlwaysGranted{}
	}
	gate, err := ble.NewBlueZGate(cfg.Adapter.BlueZPath)
	if err != nil {
		slog.Warn("[BLUEZ] power management unavailable, assuming adapter is usable", "error", err)
		return ble.AlwaysGranted{}
	}
	return gate
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking %s: %w", defaultPath, err)
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, device string) {
	fmt.Println("=== blewatch ===")
	fmt.Printf("  Scan:     %s\n", cfg.Scan.Duration)
	fmt.Printf("  Attach:   timeout %s, settle %s\n", cfg.Connect.AttachTimeout, cfg.Connect.SettleDelay)
	if cfg.Adapter.ManagePower {
		fmt.Printf("  Adapter:  %s (power managed)\n", cfg.Adapter.BlueZPath)
	} else {
		fmt.Println("  Adapter:  default")
	}
	if device != "" {
		fmt.Printf("  Target:   %s\n", device)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}
