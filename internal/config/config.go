// Package config manages the DPP endpoint daemon's configuration using
// koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete dppd configuration (spec.md §6, §9: the
// reference daemon's CLI flags and persistent state folded into one
// structured document).
type Config struct {
	Admin   AdminConfig   `koanf:"admin"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	DPP     DPPConfig     `koanf:"dpp"`
	Relay   RelayConfig   `koanf:"relay"`
}

// AdminConfig holds the JSON administrative introspection API
// configuration (SPEC_FULL.md's replacement for the dropped
// ConnectRPC/protobuf control surface).
type AdminConfig struct {
	// Addr is the HTTP listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DPPConfig holds the per-role endpoint configuration: interface
// selection, bootstrap persistence, radio parameters, and role-specific
// behavior (spec.md §3, §6, §9).
type DPPConfig struct {
	// Role selects sss, relay, or controller (spec.md §1).
	Role string `koanf:"role"`

	// Interface is the radio or loopback interface name to bind to.
	Interface string `koanf:"interface"`

	// Driver selects the non-loopback Frame I/O Adapter transport
	// variant (spec.md §4.1, §9 "transport polymorphism"): "nl80211"
	// (the real nl80211 generic-netlink transport) or "rawsock" (an
	// AF_PACKET tap, for test rigs without a real 802.11 driver).
	// Ignored when Interface is "lo".
	Driver string `koanf:"driver"`

	// BootstrapFile is the path to the append-only bootstrap key store
	// (spec.md §3 "Bootstrap entry", persisted one line per entry).
	BootstrapFile string `koanf:"bootstrap_file"`

	// MyKeyFile is the path to this endpoint's own DPP signing key
	// (spec.md §6). dppd does not read this field; the daemon never
	// parses key material.
	MyKeyFile string `koanf:"my_keyfile"`

	// MACOverride sets the local address of the loopback transport, as
	// hex with no separators (spec.md §3, §8). It is used only when
	// Interface is "lo"; real interfaces always use their hardware
	// address.
	MACOverride string `koanf:"mac_override"`

	// OpClass and Channel select the initial operating channel
	// (spec.md §4.1, resolved to a frequency via internal/regdb).
	OpClass uint8 `koanf:"opclass"`
	Channel uint8 `koanf:"channel"`

	// MutualAuth requests mutual authentication on initiator-created
	// DPP sessions (spec.md §3 "DPP session").
	MutualAuth bool `koanf:"mutual_auth"`

	// Chirp enables periodic chirping of this endpoint's bootstrap key
	// hash (spec.md §9 supplemented feature 1).
	Chirp bool `koanf:"chirp"`

	// PKEXPassword and PKEXIdentifier configure an outbound PKEX
	// bootstrap initiation (spec.md §6).
	PKEXPassword   string `koanf:"pkex_password"`
	PKEXIdentifier string `koanf:"pkex_identifier"`

	// BootstrapIndex selects an existing bootstrap-file entry to
	// initiate against (spec.md §3 "consumed by bootstrap_peer").
	BootstrapIndex uint32 `koanf:"bootstrap_index"`

	// QuitAfter is loaded and defaulted like every other field, but dppd
	// does not read it: the daemon runs until SIGINT/SIGTERM whatever
	// its value, and does not exit when an initiation or provisioning
	// completes.
	QuitAfter bool `koanf:"quit_after"`
}

// RelayConfig holds Relay/Controller-role TCP tunnel parameters
// (spec.md §4.7).
type RelayConfig struct {
	// ControllerAddr is the controller's host:port, dialed by a relay.
	ControllerAddr string `koanf:"controller_addr"`

	// ListenAddr is the address a controller listens on for relays.
	ListenAddr string `koanf:"listen_addr"`

	// InboundPort is the default port on the relay that a controller
	// dials (spec.md §4.7: "8741 inbound"). dppd does not read it.
	InboundPort int `koanf:"inbound_port"`

	// OutboundPort is the default port a relay dials on the controller
	// (spec.md §4.7: "8908 outbound"). dppd does not read it: the relay
	// dials ControllerAddr and the controller listens on ListenAddr.
	OutboundPort int `koanf:"outbound_port"`

	// ClientIdleTimeout tears down a ClientState with no activity
	// (spec.md §3, §9 supplemented feature 2).
	ClientIdleTimeout time.Duration `koanf:"client_idle_timeout"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DPP: DPPConfig{
			Role:      "sss",
			Interface: "lo",
			Driver:    "nl80211",
			OpClass:   81,
			Channel:   6,
		},
		Relay: RelayConfig{
			InboundPort:       8741,
			OutboundPort:      8908,
			ClientIdleTimeout: 10 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for dppd configuration.
// Variables are named DPPD_<section>_<key>, e.g., DPPD_DPP_INTERFACE.
const envPrefix = "DPPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (DPPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DPPD_DPP_INTERFACE -> dpp.interface. Strips
// the DPPD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                defaults.Admin.Addr,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"dpp.role":                  defaults.DPP.Role,
		"dpp.interface":             defaults.DPP.Interface,
		"dpp.driver":                defaults.DPP.Driver,
		"dpp.opclass":               defaults.DPP.OpClass,
		"dpp.channel":               defaults.DPP.Channel,
		"relay.inbound_port":        defaults.Relay.InboundPort,
		"relay.outbound_port":       defaults.Relay.OutboundPort,
		"relay.client_idle_timeout": defaults.Relay.ClientIdleTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidRole indicates dpp.role is not one of sss/relay/controller.
	ErrInvalidRole = errors.New("dpp.role must be one of sss, relay, controller")

	// ErrEmptyInterface indicates dpp.interface is empty.
	ErrEmptyInterface = errors.New("dpp.interface must not be empty")

	// ErrInvalidDriver indicates dpp.driver is not one of nl80211/rawsock.
	ErrInvalidDriver = errors.New("dpp.driver must be one of nl80211, rawsock")

	// ErrEmptyBootstrapFile indicates dpp.bootstrap_file is empty.
	ErrEmptyBootstrapFile = errors.New("dpp.bootstrap_file must not be empty")

	// ErrRelayMissingControllerAddr indicates a relay role with no
	// controller address configured.
	ErrRelayMissingControllerAddr = errors.New("relay.controller_addr is required for the relay role")

	// ErrControllerMissingListenAddr indicates a controller role with no
	// listen address configured.
	ErrControllerMissingListenAddr = errors.New("relay.listen_addr is required for the controller role")

	// ErrInvalidIdleTimeout indicates a non-positive client idle timeout.
	ErrInvalidIdleTimeout = errors.New("relay.client_idle_timeout must be > 0")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	switch cfg.DPP.Role {
	case "sss", "relay", "controller":
	default:
		return ErrInvalidRole
	}

	if cfg.DPP.Interface == "" {
		return ErrEmptyInterface
	}

	if cfg.DPP.Interface != "lo" {
		switch cfg.DPP.Driver {
		case "nl80211", "rawsock":
		default:
			return ErrInvalidDriver
		}
	}

	if cfg.DPP.BootstrapFile == "" && cfg.DPP.Role == "sss" {
		return ErrEmptyBootstrapFile
	}

	if cfg.DPP.Role == "relay" && cfg.Relay.ControllerAddr == "" {
		return ErrRelayMissingControllerAddr
	}

	if cfg.DPP.Role == "controller" && cfg.Relay.ListenAddr == "" {
		return ErrControllerMissingListenAddr
	}

	if cfg.Relay.ClientIdleTimeout <= 0 {
		return ErrInvalidIdleTimeout
	}

	return nil
}

// ParseLogLevel maps a configured log level string to a slog.Level,
// defaulting to Info for anything unrecognized.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
