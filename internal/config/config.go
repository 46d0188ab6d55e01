// Package config manages the tunnel daemon's configuration using koanf/v2.
//
// Supports YAML files and environment variables, layered over defaults.
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

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete daemon configuration.
type Config struct {
	Link     LinkConfig    `koanf:"link"`
	VIF      VIFConfig     `koanf:"vif"`
	Control  ControlConfig `koanf:"control"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Log      LogConfig     `koanf:"log"`
	Server   ServerConfig  `koanf:"server"`
	Peers    []PeerConfig  `koanf:"peers"`
}

// LinkConfig describes the wire-facing transport the daemon binds.
type LinkConfig struct {
	// Proto selects the wire transport: "udp" or "tcp".
	Proto string `koanf:"proto"`
	// Addr is the listen address (e.g., "0.0.0.0:1194").
	Addr string `koanf:"addr"`
}

// VIFConfig describes the TUN/TAP device the daemon opens.
type VIFConfig struct {
	// Type selects "tun" (bare IP) or "tap" (Ethernet) mode.
	Type string `koanf:"type"`
	// Name is the requested interface name; empty lets the OS assign one.
	Name string `koanf:"name"`
	// Prefix is the inner-address pool this daemon allocates from, e.g.
	// "10.8.0.0/24".
	Prefix string `koanf:"prefix"`
	// PersistPath is where the virtual-address pool's assignment table is
	// saved across restarts (see internal/netio's FilePoolStore). Empty
	// disables persistence.
	PersistPath string `koanf:"persist_path"`
}

// ControlConfig describes the Unix-socket control protocol endpoint and
// the periodic status file sink.
type ControlConfig struct {
	// SocketPath is the Unix-domain socket path the control listener
	// binds, e.g. "/run/govpnd/control.sock".
	SocketPath string `koanf:"socket_path"`
	// StatusFileVersion selects the status row schema version (1, 2, or
	// 3) used by the status file.
	StatusFileVersion int `koanf:"status_file_version"`
	// StatusFilePath is where the formatted session status is written
	// on every StatusWriteInterval tick. Empty disables the status file.
	StatusFilePath string `koanf:"status_file_path"`
	// StatusWriteInterval is how often the status file is refreshed.
	StatusWriteInterval time.Duration `koanf:"status_write_interval_secs"`
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

// ServerConfig holds the tunnel core's own tunables, per spec.md §3/§6.
type ServerConfig struct {
	// MaxClients caps concurrent instances; 0 means unbounded.
	MaxClients int `koanf:"max_clients"`
	// TCPQueueLimit is the per-instance deferred-write queue depth before
	// ErrQueueOverflow, per spec.md §4.6.
	TCPQueueLimit int `koanf:"tcp_queue_limit"`
	// EnableC2C turns on direct client-to-client forwarding.
	EnableC2C bool `koanf:"enable_c2c"`
	// LocalInnerAddr is this server's own inner address, excluded from
	// learning (spec.md §4.8's "Learn" step).
	LocalInnerAddr string `koanf:"local_inner_addr"`
	// MrouteAgeableTTL is how long an ageable route survives without a
	// refresh before the reaper reclaims it.
	MrouteAgeableTTL time.Duration `koanf:"mroute_ageable_ttl_secs"`
	// ReapMaxWakeup bounds how long the reaper may go between passes,
	// guaranteeing full-table coverage within this window.
	ReapMaxWakeup time.Duration `koanf:"reap_max_wakeup_secs"`
	// ReapDivisor, ReapMin, ReapMax compute the bucket count swept per
	// reaper pass: clamp(bucketCount/ReapDivisor, ReapMin, ReapMax).
	ReapDivisor int `koanf:"reap_divisor"`
	ReapMin     int `koanf:"reap_min"`
	ReapMax     int `koanf:"reap_max"`
}

// PeerConfig describes a statically configured peer from the
// configuration file. On daemon startup and SIGHUP reload, each entry with
// a virtual address has that address pinned to its wire address; no
// instance is admitted until the peer's first packet arrives.
type PeerConfig struct {
	// Addr is the peer's wire-level address (host:port).
	Addr string `koanf:"addr"`
	// VirtualAddr is the peer's pinned inner address, bypassing the pool.
	VirtualAddr string `koanf:"virtual_addr"`
}

// PeerKey returns a unique identifier for the peer, used to reject
// duplicate peer entries during validation.
func (pc PeerConfig) PeerKey() string {
	return pc.Addr + "|" + pc.VirtualAddr
}

// AddrPort parses Addr as a netip.AddrPort.
func (pc PeerConfig) AddrPort() (netip.AddrPort, error) {
	if pc.Addr == "" {
		return netip.AddrPort{}, fmt.Errorf("peer addr: %w", ErrInvalidPeerAddr)
	}
	ap, err := netip.ParseAddrPort(pc.Addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse peer addr %q: %w", pc.Addr, err)
	}
	return ap, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults,
// mirroring tunnel.DefaultConfig()'s tunnel-core tunables.
func DefaultConfig() *Config {
	tc := tunnel.DefaultConfig()
	return &Config{
		Link: LinkConfig{
			Proto: "udp",
			Addr:  ":1194",
		},
		VIF: VIFConfig{
			Type: "tun",
		},
		Control: ControlConfig{
			SocketPath:          "/run/govpnd/control.sock",
			StatusFileVersion:   tc.StatusFileVersion,
			StatusFilePath:      "/run/govpnd/status",
			StatusWriteInterval: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			MaxClients:       tc.MaxClients,
			TCPQueueLimit:    tc.TCPQueueLimit,
			EnableC2C:        tc.EnableC2C,
			MrouteAgeableTTL: tc.Reaper.AgeableTTL,
			ReapMaxWakeup:    tc.Reaper.ReapMaxWakeup,
			ReapDivisor:      tc.Reaper.ReapDivisor,
			ReapMin:          tc.Reaper.ReapMin,
			ReapMax:          tc.Reaper.ReapMax,
		},
	}
}

// TunnelConfig translates the loaded Config into tunnel.Config, the
// shape MultiContext consumes.
func (c *Config) TunnelConfig() (tunnel.Config, error) {
	tc := tunnel.Config{
		MaxClients:    c.Server.MaxClients,
		TCPQueueLimit: c.Server.TCPQueueLimit,
		EnableC2C:     c.Server.EnableC2C,
		Reaper: tunnel.ReaperConfig{
			AgeableTTL:    c.Server.MrouteAgeableTTL,
			ReapMaxWakeup: c.Server.ReapMaxWakeup,
			ReapDivisor:   c.Server.ReapDivisor,
			ReapMin:       c.Server.ReapMin,
			ReapMax:       c.Server.ReapMax,
		},
		StatusFileVersion: c.Control.StatusFileVersion,
	}
	if c.Server.LocalInnerAddr != "" {
		addr, err := netip.ParseAddr(c.Server.LocalInnerAddr)
		if err != nil {
			return tunnel.Config{}, fmt.Errorf("parse server.local_inner_addr %q: %w", c.Server.LocalInnerAddr, err)
		}
		tc.LocalInnerAddr = tunnel.InnerAddrFromIP(addr)
	}
	return tc, nil
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for daemon configuration.
// Variables are named GOVPND_<section>_<key>, e.g., GOVPND_LINK_ADDR.
const envPrefix = "GOVPND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOVPND_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOVPND_LINK_ADDR        -> link.addr
//	GOVPND_VIF_PREFIX       -> vif.prefix
//	GOVPND_CONTROL_SOCKET_PATH -> control.socket_path
//	GOVPND_METRICS_ADDR     -> metrics.addr
//	GOVPND_LOG_LEVEL        -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
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

// envKeyMapper transforms GOVPND_LINK_ADDR -> link.addr.
// Strips the GOVPND_ prefix, lowercases, and replaces the first _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"link.proto":                     defaults.Link.Proto,
		"link.addr":                      defaults.Link.Addr,
		"vif.type":                       defaults.VIF.Type,
		"vif.name":                       defaults.VIF.Name,
		"vif.prefix":                     defaults.VIF.Prefix,
		"vif.persist_path":               defaults.VIF.PersistPath,
		"control.socket_path":            defaults.Control.SocketPath,
		"control.status_file_version":    defaults.Control.StatusFileVersion,
		"control.status_file_path":       defaults.Control.StatusFilePath,
		"control.status_write_interval_secs": defaults.Control.StatusWriteInterval.String(),
		"metrics.addr":                   defaults.Metrics.Addr,
		"metrics.path":                   defaults.Metrics.Path,
		"log.level":                      defaults.Log.Level,
		"log.format":                     defaults.Log.Format,
		"server.max_clients":             defaults.Server.MaxClients,
		"server.tcp_queue_limit":         defaults.Server.TCPQueueLimit,
		"server.enable_c2c":              defaults.Server.EnableC2C,
		"server.local_inner_addr":        defaults.Server.LocalInnerAddr,
		"server.mroute_ageable_ttl_secs": defaults.Server.MrouteAgeableTTL.String(),
		"server.reap_max_wakeup_secs":    defaults.Server.ReapMaxWakeup.String(),
		"server.reap_divisor":            defaults.Server.ReapDivisor,
		"server.reap_min":                defaults.Server.ReapMin,
		"server.reap_max":                defaults.Server.ReapMax,
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
	// ErrEmptyLinkAddr indicates the wire listen address is empty.
	ErrEmptyLinkAddr = errors.New("link.addr must not be empty")

	// ErrInvalidLinkProto indicates link.proto is not "udp" or "tcp".
	ErrInvalidLinkProto = errors.New("link.proto must be udp or tcp")

	// ErrInvalidVIFType indicates vif.type is not "tun" or "tap".
	ErrInvalidVIFType = errors.New("vif.type must be tun or tap")

	// ErrInvalidVIFPrefix indicates vif.prefix is not a parseable CIDR.
	ErrInvalidVIFPrefix = errors.New("vif.prefix is invalid")

	// ErrEmptyControlSocketPath indicates control.socket_path is empty.
	ErrEmptyControlSocketPath = errors.New("control.socket_path must not be empty")

	// ErrInvalidTCPQueueLimit indicates server.tcp_queue_limit is less than 1.
	ErrInvalidTCPQueueLimit = errors.New("server.tcp_queue_limit must be >= 1")

	// ErrInvalidPeerAddr indicates a peer has an invalid wire address.
	ErrInvalidPeerAddr = errors.New("peer address is invalid")

	// ErrDuplicatePeerKey indicates two peers share the same (addr, virtual_addr) key.
	ErrDuplicatePeerKey = errors.New("duplicate peer key")

	// ErrInvalidStatusFileVersion indicates control.status_file_version
	// is outside {1, 2, 3}.
	ErrInvalidStatusFileVersion = errors.New("control.status_file_version must be 1, 2, or 3")
)

// ValidVIFTypes lists the recognized vif.type strings.
var ValidVIFTypes = map[string]bool{
	"tun": true,
	"tap": true,
}

// ValidLinkProtos lists the recognized link.proto strings.
var ValidLinkProtos = map[string]bool{
	"udp": true,
	"tcp": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Link.Addr == "" {
		return ErrEmptyLinkAddr
	}
	if !ValidLinkProtos[cfg.Link.Proto] {
		return fmt.Errorf("link.proto %q: %w", cfg.Link.Proto, ErrInvalidLinkProto)
	}
	if !ValidVIFTypes[cfg.VIF.Type] {
		return fmt.Errorf("vif.type %q: %w", cfg.VIF.Type, ErrInvalidVIFType)
	}
	if cfg.VIF.Prefix != "" {
		if _, err := netip.ParsePrefix(cfg.VIF.Prefix); err != nil {
			return fmt.Errorf("vif.prefix %q: %w: %w", cfg.VIF.Prefix, ErrInvalidVIFPrefix, err)
		}
	}
	if cfg.Control.SocketPath == "" {
		return ErrEmptyControlSocketPath
	}
	switch cfg.Control.StatusFileVersion {
	case 1, 2, 3:
	default:
		return fmt.Errorf("control.status_file_version %d: %w", cfg.Control.StatusFileVersion, ErrInvalidStatusFileVersion)
	}
	if cfg.Server.TCPQueueLimit < 1 {
		return ErrInvalidTCPQueueLimit
	}
	if cfg.Server.LocalInnerAddr != "" {
		if _, err := netip.ParseAddr(cfg.Server.LocalInnerAddr); err != nil {
			return fmt.Errorf("server.local_inner_addr %q: %w", cfg.Server.LocalInnerAddr, err)
		}
	}

	if err := validatePeers(cfg.Peers); err != nil {
		return err
	}

	return nil
}

// validatePeers checks each declarative peer entry for correctness.
func validatePeers(peers []PeerConfig) error {
	seen := make(map[string]struct{}, len(peers))

	for i, pc := range peers {
		if _, err := pc.AddrPort(); err != nil {
			return fmt.Errorf("peers[%d]: %w: %w", i, ErrInvalidPeerAddr, err)
		}

		if pc.VirtualAddr != "" {
			if _, err := netip.ParseAddr(pc.VirtualAddr); err != nil {
				return fmt.Errorf("peers[%d] virtual_addr %q: %w", i, pc.VirtualAddr, err)
			}
		}

		key := pc.PeerKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("peers[%d] key %q: %w", i, key, ErrDuplicatePeerKey)
		}
		seen[key] = struct{}{}
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
