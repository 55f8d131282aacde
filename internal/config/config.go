// Package config manages rfc5444d daemon configuration using koanf/v2.
//
// Load layers built-in defaults, a YAML file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
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

// Config holds the complete rfc5444d configuration.
type Config struct {
	RFC5444    RFC5444Config     `koanf:"rfc5444"`
	Interfaces []InterfaceConfig `koanf:"interface"`
	Metrics    MetricsConfig     `koanf:"metrics"`
	Log        LogConfig         `koanf:"log"`
}

// RFC5444Config holds the engine's singleton protocol configuration.
type RFC5444Config struct {
	// Port is the UDP port the protocol listens on and sends from. A
	// value of 0 delays interface configuration until a nonzero port is
	// set, matching the engine's "delay configuration" behavior.
	Port uint16 `koanf:"port"`

	// FixedLocalPort, when true on a protocol, makes an interface whose
	// unicast_port is 0 bind its unicast socket to Port. The daemon passes
	// this value to AddProtocol for the built-in "rfc5444" protocol, which
	// Engine.Init has already created with the flag set; AddProtocol
	// ignores the flag for an existing protocol, so false has no effect.
	FixedLocalPort bool `koanf:"fixed_local_port"`

	// AgregationInterval is the per-target aggregation window. The key
	// name preserves an intentional misspelling ("agregation", one "g")
	// carried over from the original wire-visible configuration format;
	// do not "fix" it, or existing deployments' config files stop
	// parsing this field.
	AgregationInterval time.Duration `koanf:"agregation_interval"`
}

// InterfaceConfig describes one named, repeatable interface entry.
type InterfaceConfig struct {
	// Name is the local network interface name, or the reserved
	// "_unicast_" for the engine's default unbound interface.
	Name string `koanf:"name"`

	// BindV4 and BindV6 are the local addresses the managed socket binds
	// to for each family; empty means that family is not bound.
	BindV4 string `koanf:"bind_v4"`
	BindV6 string `koanf:"bind_v6"`

	// MulticastV4 and MulticastV6 are the multicast group addresses this
	// interface joins and sends its multicast target to.
	MulticastV4 string `koanf:"multicast_v4"`
	MulticastV6 string `koanf:"multicast_v6"`

	// UnicastPort overrides the protocol's port for this interface's
	// unicast socket; 0 inherits the protocol port when FixedLocalPort
	// is set.
	UnicastPort uint16 `koanf:"unicast_port"`

	// AllowFrom and DenyFrom are CIDR prefixes gating inbound datagrams;
	// an empty AllowFrom accepts all sources not explicitly denied.
	AllowFrom []string `koanf:"allow_from"`
	DenyFrom  []string `koanf:"deny_from"`
}

// BindV4Addr parses BindV4, returning the zero netip.Addr if unset.
func (ic InterfaceConfig) BindV4Addr() (netip.Addr, error) {
	return parseOptionalAddr(ic.BindV4)
}

// BindV6Addr parses BindV6, returning the zero netip.Addr if unset.
func (ic InterfaceConfig) BindV6Addr() (netip.Addr, error) {
	return parseOptionalAddr(ic.BindV6)
}

// MulticastV4Addr parses MulticastV4, returning the zero netip.Addr if unset.
func (ic InterfaceConfig) MulticastV4Addr() (netip.Addr, error) {
	return parseOptionalAddr(ic.MulticastV4)
}

// MulticastV6Addr parses MulticastV6, returning the zero netip.Addr if unset.
func (ic InterfaceConfig) MulticastV6Addr() (netip.Addr, error) {
	return parseOptionalAddr(ic.MulticastV6)
}

func parseOptionalAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return addr, nil
}

// AllowPrefixes parses AllowFrom into netip.Prefix values.
func (ic InterfaceConfig) AllowPrefixes() ([]netip.Prefix, error) {
	return parsePrefixes(ic.AllowFrom)
}

// DenyPrefixes parses DenyFrom into netip.Prefix values.
func (ic InterfaceConfig) DenyPrefixes() ([]netip.Prefix, error) {
	return parsePrefixes(ic.DenyFrom)
}

func parsePrefixes(ss []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
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

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RFC5444: RFC5444Config{
			Port:               0,
			FixedLocalPort:     true,
			AgregationInterval: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for rfc5444d configuration.
// Variables are named RFC5444D_<section>_<key>, e.g., RFC5444D_RFC5444_PORT.
const envPrefix = "RFC5444D_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (RFC5444D_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
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

// envKeyMapper transforms RFC5444D_RFC5444_PORT -> rfc5444.port.
// Strips the RFC5444D_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"rfc5444.port":                defaults.RFC5444.Port,
		"rfc5444.fixed_local_port":    defaults.RFC5444.FixedLocalPort,
		"rfc5444.agregation_interval": defaults.RFC5444.AgregationInterval.String(),
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
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
	// ErrInvalidAgregationInterval indicates the aggregation interval is
	// not positive.
	ErrInvalidAgregationInterval = errors.New("rfc5444.agregation_interval must be > 0")

	// ErrEmptyInterfaceName indicates an interface entry has no name.
	ErrEmptyInterfaceName = errors.New("interface name must not be empty")

	// ErrDuplicateInterfaceName indicates two interface entries share a
	// case-insensitive name.
	ErrDuplicateInterfaceName = errors.New("duplicate interface name")

	// ErrInvalidInterfaceAddr indicates an interface entry's address
	// field failed to parse.
	ErrInvalidInterfaceAddr = errors.New("interface address is invalid")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.RFC5444.AgregationInterval <= 0 {
		return ErrInvalidAgregationInterval
	}
	return validateInterfaces(cfg.Interfaces)
}

func validateInterfaces(ifcs []InterfaceConfig) error {
	seen := make(map[string]struct{}, len(ifcs))

	for i, ic := range ifcs {
		if ic.Name == "" {
			return fmt.Errorf("interface[%d]: %w", i, ErrEmptyInterfaceName)
		}

		key := strings.ToLower(ic.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("interface[%d] name %q: %w", i, ic.Name, ErrDuplicateInterfaceName)
		}
		seen[key] = struct{}{}

		for _, parse := range []func() (netip.Addr, error){
			ic.BindV4Addr, ic.BindV6Addr, ic.MulticastV4Addr, ic.MulticastV6Addr,
		} {
			if _, err := parse(); err != nil {
				return fmt.Errorf("interface[%d] %q: %w: %w", i, ic.Name, ErrInvalidInterfaceAddr, err)
			}
		}
		if _, err := ic.AllowPrefixes(); err != nil {
			return fmt.Errorf("interface[%d] %q allow_from: %w", i, ic.Name, err)
		}
		if _, err := ic.DenyPrefixes(); err != nil {
			return fmt.Errorf("interface[%d] %q deny_from: %w", i, ic.Name, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
