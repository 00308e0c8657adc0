// Package config manages lowpannd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
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
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/dantte-lp/lowpannd/internal/nd"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete lowpannd configuration.
type Config struct {
	Node      NodeConfig      `koanf:"node"      yaml:"node"`
	Transport TransportConfig `koanf:"transport" yaml:"transport"`
	Log       LogConfig       `koanf:"log"       yaml:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"   yaml:"metrics"`
}

// NodeConfig holds the host identity and ND protocol timing.
type NodeConfig struct {
	// EUI64 is the node's EUI-64 (e.g., "02:00:00:00:01:02:03:04").
	EUI64 string `koanf:"eui64" yaml:"eui64"`

	// DelayRS delays the first multicast RS after start.
	DelayRS time.Duration `koanf:"delay_rs" yaml:"delay_rs"`

	// DelayNS delays each registration NS.
	DelayNS time.Duration `koanf:"delay_ns" yaml:"delay_ns"`

	// NSTimeout is how long a registration NS waits for its NA.
	NSTimeout time.Duration `koanf:"ns_timeout" yaml:"ns_timeout"`

	// RouterRefreshTime is the lead time of the unicast RS before router
	// or prefix expiry.
	RouterRefreshTime time.Duration `koanf:"router_refresh_time" yaml:"router_refresh_time"`

	// AddressRefreshTime is the lead time of the renewal NS before
	// registration expiry.
	AddressRefreshTime time.Duration `koanf:"address_refresh_time" yaml:"address_refresh_time"`
}

// Transport types.
const (
	TransportUDP  = "udp"
	TransportICMP = "icmp"
)

// TransportConfig selects and configures the link transport.
type TransportConfig struct {
	// Type is "udp" (tunnel to a test harness) or "icmp" (raw ICMPv6 on
	// Interface).
	Type string `koanf:"type" yaml:"type"`

	// Listen is the local UDP address of the tunnel (udp only).
	Listen string `koanf:"listen" yaml:"listen"`

	// Peer is the harness UDP address (udp only, optional). When empty the
	// peer is learned from the first frame.
	Peer string `koanf:"peer" yaml:"peer"`

	// Interface is the network interface. Required for icmp; optional
	// SO_BINDTODEVICE for udp.
	Interface string `koanf:"interface" yaml:"interface"`

	// QueueSize is the capacity of the inbound message channel.
	QueueSize int `koanf:"queue_size" yaml:"queue_size"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the console output format: "json", "text" or "pretty".
	Format string `koanf:"format" yaml:"format"`
	// File optionally duplicates logs as text to this path.
	File string `koanf:"file" yaml:"file"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g.,
	// ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// NDConfig converts the node section into an nd.Config.
func (nc NodeConfig) NDConfig() (nd.Config, error) {
	if nc.EUI64 == "" {
		return nd.Config{}, ErrMissingEUI64
	}

	eui, err := nd.ParseEUI64(nc.EUI64)
	if err != nil {
		return nd.Config{}, fmt.Errorf("node.eui64: %w", err)
	}

	cfg := nd.Config{
		EUI64:              eui,
		DelayRS:            nc.DelayRS,
		DelayNS:            nc.DelayNS,
		NSTimeout:          nc.NSTimeout,
		RouterRefreshTime:  nc.RouterRefreshTime,
		AddressRefreshTime: nc.AddressRefreshTime,
	}
	if err := cfg.Validate(); err != nil {
		return nd.Config{}, fmt.Errorf("node: %w", err)
	}

	return cfg, nil
}

// ListenAddr parses the Listen string as a netip.AddrPort.
func (tc TransportConfig) ListenAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(tc.Listen)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse transport listen %q: %w: %w", tc.Listen, ErrInvalidListenAddr, err)
	}
	return ap, nil
}

// PeerAddr parses the Peer string as a netip.AddrPort. An empty Peer
// yields the zero value.
func (tc TransportConfig) PeerAddr() (netip.AddrPort, error) {
	if tc.Peer == "" {
		return netip.AddrPort{}, nil
	}
	ap, err := netip.ParseAddrPort(tc.Peer)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse transport peer %q: %w: %w", tc.Peer, ErrInvalidPeerAddr, err)
	}
	return ap, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the ND timing defaults and
// a UDP tunnel transport. The EUI-64 has no default.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DelayRS:            nd.DefaultDelayRS,
			DelayNS:            nd.DefaultDelayNS,
			NSTimeout:          nd.DefaultNSTimeout,
			RouterRefreshTime:  nd.DefaultRouterRefreshTime,
			AddressRefreshTime: nd.DefaultAddressRefreshTime,
		},
		Transport: TransportConfig{
			Type:      TransportUDP,
			Listen:    "[::]:6775",
			QueueSize: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for lowpannd configuration.
// Variables are named LOWPANND_<section>_<key>, e.g., LOWPANND_NODE_EUI64.
const envPrefix = "LOWPANND_"

// Load reads configuration from a YAML file at path (skipped when path is
// empty), overlays environment variable overrides (LOWPANND_ prefix), and
// merges on top of DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	LOWPANND_NODE_EUI64           -> node.eui64
//	LOWPANND_NODE_NS_TIMEOUT      -> node.ns_timeout
//	LOWPANND_TRANSPORT_TYPE       -> transport.type
//	LOWPANND_TRANSPORT_PEER       -> transport.peer
//	LOWPANND_LOG_LEVEL            -> log.level
//	LOWPANND_METRICS_ADDR         -> metrics.addr
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
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
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms LOWPANND_NODE_DELAY_RS -> node.delay_rs. Only
// the first underscore after the prefix separates section and key.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"node.eui64":                defaults.Node.EUI64,
		"node.delay_rs":             defaults.Node.DelayRS.String(),
		"node.delay_ns":             defaults.Node.DelayNS.String(),
		"node.ns_timeout":           defaults.Node.NSTimeout.String(),
		"node.router_refresh_time":  defaults.Node.RouterRefreshTime.String(),
		"node.address_refresh_time": defaults.Node.AddressRefreshTime.String(),
		"transport.type":            defaults.Transport.Type,
		"transport.listen":          defaults.Transport.Listen,
		"transport.peer":            defaults.Transport.Peer,
		"transport.interface":       defaults.Transport.Interface,
		"transport.queue_size":      defaults.Transport.QueueSize,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"log.file":                  defaults.Log.File,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrMissingEUI64 indicates node.eui64 is empty.
	ErrMissingEUI64 = errors.New("node.eui64 must be set")

	// ErrInvalidTransportType indicates an unrecognized transport.type.
	ErrInvalidTransportType = errors.New("transport.type must be udp or icmp")

	// ErrInvalidListenAddr indicates transport.listen is not host:port.
	ErrInvalidListenAddr = errors.New("transport.listen is invalid")

	// ErrInvalidPeerAddr indicates transport.peer is not host:port.
	ErrInvalidPeerAddr = errors.New("transport.peer is invalid")

	// ErrMissingInterface indicates the icmp transport has no interface.
	ErrMissingInterface = errors.New("transport.interface is required for icmp")

	// ErrInvalidQueueSize indicates a non-positive inbound queue size.
	ErrInvalidQueueSize = errors.New("transport.queue_size must be >= 1")

	// ErrInvalidLogFormat indicates an unrecognized log.format.
	ErrInvalidLogFormat = errors.New("log.format must be json, text or pretty")

	// ErrEmptyMetricsPath indicates metrics are enabled without a path.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty")
)

// ValidLogFormats lists the recognized log format strings.
var ValidLogFormats = map[string]bool{
	"json":   true,
	"text":   true,
	"pretty": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.Node.NDConfig(); err != nil {
		return err
	}

	if err := validateTransport(cfg.Transport); err != nil {
		return err
	}

	if !ValidLogFormats[cfg.Log.Format] {
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	return nil
}

// validateTransport checks the transport section for its type.
func validateTransport(tc TransportConfig) error {
	if tc.QueueSize < 1 {
		return ErrInvalidQueueSize
	}

	switch tc.Type {
	case TransportUDP:
		if _, err := tc.ListenAddr(); err != nil {
			return err
		}
		if _, err := tc.PeerAddr(); err != nil {
			return err
		}
	case TransportICMP:
		if tc.Interface == "" {
			return ErrMissingInterface
		}
	default:
		return fmt.Errorf("transport.type %q: %w", tc.Type, ErrInvalidTransportType)
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
