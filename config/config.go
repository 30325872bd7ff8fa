// Package config loads and persists the local device settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"peerlink/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PEERLINK_DATA_DIR"

	DefaultDiscoveryPort           = 1716
	DefaultTCPPortMin              = 1716
	DefaultTCPPortMax              = 1764
	DefaultAnnounceIntervalMS      = 1000
	DefaultPairingTimeoutMS        = 30000
	DefaultCertificateValidityDays = 3650
	DefaultAuditRetentionDays      = 90

	configFileName = "config.json"
	fallbackName   = "peerlink device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                string `json:"device_id"`
	DeviceName              string `json:"device_name"`
	DeviceType              string `json:"device_type"`
	DiscoveryPort           int    `json:"discovery_port"`
	TCPPortMin              int    `json:"tcp_port_min"`
	TCPPortMax              int    `json:"tcp_port_max"`
	AnnounceIntervalMS      int    `json:"announce_interval_ms"`
	PairingTimeoutMS        int    `json:"pairing_timeout_ms"`
	CertificateValidityDays int    `json:"certificate_validity_days"`
	MDNSEnabled             *bool  `json:"mdns_enabled"`
	// AuditRetentionDays bounds the security event log; negative keeps
	// events forever.
	AuditRetentionDays int `json:"audit_retention_days"`
	// KeyFingerprint caches the certificate fingerprint for display.
	KeyFingerprint string `json:"key_fingerprint"`
}

func (c *DeviceConfig) AnnounceInterval() time.Duration {
	return time.Duration(c.AnnounceIntervalMS) * time.Millisecond
}

func (c *DeviceConfig) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutMS) * time.Millisecond
}

func (c *DeviceConfig) CertificateValidity() time.Duration {
	return time.Duration(c.CertificateValidityDays) * 24 * time.Hour
}

// AuditRetention is how long security events are kept, negative for ever.
func (c *DeviceConfig) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// MDNS reports whether the mDNS advertiser and browser should run.
func (c *DeviceConfig) MDNS() bool {
	return c.MDNSEnabled == nil || *c.MDNSEnabled
}

// Type is the parsed device type.
func (c *DeviceConfig) Type() protocol.DeviceType {
	return protocol.ParseDeviceType(c.DeviceType)
}

// ResolveDataDir returns PEERLINK_DATA_DIR when set, otherwise the
// peerlink directory under the user's config directory.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// KeysDir holds the identity certificate and private key.
func KeysDir(dataDir string) string {
	return filepath.Join(dataDir, "keys")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, KeysDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path through a temporary file, so a crash never
// leaves a truncated config behind.
func Save(path string, cfg *DeviceConfig) (err error) {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), configFileName+".*")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config and the data directory. An empty dataDir is resolved with
// ResolveDataDir.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &DeviceConfig{}
		normalizeDefaults(cfg)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, dataDir, nil
}

// NewDeviceID returns a random id usable on the wire. Dashes are not
// accepted by every peer implementation, so they become underscores.
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "_")
}

func hostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackName
}

// normalizeDefaults repairs missing or invalid fields and reports whether
// anything changed.
func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false
	set := func(field *int, value int) {
		*field = value
		updated = true
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = NewDeviceID()
		updated = true
	} else if strings.Contains(cfg.DeviceID, "-") {
		cfg.DeviceID = strings.ReplaceAll(cfg.DeviceID, "-", "_")
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = hostName()
		updated = true
	}
	if parsed := protocol.ParseDeviceType(cfg.DeviceType); string(parsed) != cfg.DeviceType || parsed == protocol.DeviceTypeUnknown {
		if parsed == protocol.DeviceTypeUnknown {
			parsed = protocol.DeviceTypeDesktop
		}
		cfg.DeviceType = string(parsed)
		updated = true
	}

	if cfg.DiscoveryPort <= 0 || cfg.DiscoveryPort > 65535 {
		set(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	}
	if cfg.TCPPortMin <= 0 || cfg.TCPPortMin > 65535 {
		set(&cfg.TCPPortMin, DefaultTCPPortMin)
	}
	if cfg.TCPPortMax < cfg.TCPPortMin || cfg.TCPPortMax > 65535 {
		set(&cfg.TCPPortMax, max(DefaultTCPPortMax, cfg.TCPPortMin))
	}
	if cfg.AnnounceIntervalMS <= 0 {
		set(&cfg.AnnounceIntervalMS, DefaultAnnounceIntervalMS)
	}
	if cfg.PairingTimeoutMS <= 0 {
		set(&cfg.PairingTimeoutMS, DefaultPairingTimeoutMS)
	}
	if cfg.CertificateValidityDays <= 0 {
		set(&cfg.CertificateValidityDays, DefaultCertificateValidityDays)
	}
	if cfg.AuditRetentionDays == 0 {
		set(&cfg.AuditRetentionDays, DefaultAuditRetentionDays)
	}
	if cfg.MDNSEnabled == nil {
		enabled := true
		cfg.MDNSEnabled = &enabled
		updated = true
	}
	return updated
}
