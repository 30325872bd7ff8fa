package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, dataDir, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.DeviceID == "" || strings.Contains(firstCfg.DeviceID, "-") {
		t.Fatalf("unexpected device ID %q", firstCfg.DeviceID)
	}
	if firstCfg.DeviceType != "desktop" {
		t.Fatalf("expected default device type desktop, got %q", firstCfg.DeviceType)
	}
	if firstCfg.DiscoveryPort != DefaultDiscoveryPort || firstCfg.TCPPortMin != 1716 || firstCfg.TCPPortMax != 1764 {
		t.Fatalf("unexpected default ports: %+v", firstCfg)
	}
	if firstCfg.AnnounceInterval() != time.Second || firstCfg.PairingTimeout() != 30*time.Second {
		t.Fatalf("unexpected default durations: %s %s", firstCfg.AnnounceInterval(), firstCfg.PairingTimeout())
	}
	if firstCfg.CertificateValidity() != 3650*24*time.Hour || !firstCfg.MDNS() {
		t.Fatalf("unexpected defaults: %+v", firstCfg)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "config.json")); err != nil {
		t.Fatalf("config.json not written: %v", err)
	}
	if _, err := os.Stat(KeysDir(tempDir)); err != nil {
		t.Fatalf("keys directory not created: %v", err)
	}

	secondCfg, _, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
}

func TestExplicitDataDirWinsOverEnvironment(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())
	explicit := t.TempDir()

	_, dataDir, err := LoadOrCreate(explicit)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if dataDir != explicit {
		t.Fatalf("expected %q, got %q", explicit, dataDir)
	}
}

func TestLoadOrCreateRepairsExistingConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	disabled := false
	legacy := &DeviceConfig{
		DeviceID:      "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		DeviceName:    "Legacy",
		DeviceType:    "Phone",
		DiscoveryPort: 1816,
		TCPPortMin:    1800,
		TCPPortMax:    1700,
		MDNSEnabled:   &disabled,
	}
	if err := Save(ConfigPath(tempDir), legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "1b4e28ba_2fa1_11d2_883f_0016d3cca427" {
		t.Fatalf("device id not made wire safe: %q", cfg.DeviceID)
	}
	if cfg.DeviceType != "phone" || cfg.DeviceName != "Legacy" {
		t.Fatalf("unexpected device fields: %+v", cfg)
	}
	if cfg.DiscoveryPort != 1816 || cfg.TCPPortMin != 1800 || cfg.TCPPortMax != 1800 {
		t.Fatalf("unexpected ports: %d %d-%d", cfg.DiscoveryPort, cfg.TCPPortMin, cfg.TCPPortMax)
	}
	if cfg.MDNS() {
		t.Fatalf("explicit mdns_enabled=false must be kept")
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.DeviceID != cfg.DeviceID || reloaded.PairingTimeoutMS != DefaultPairingTimeoutMS {
		t.Fatalf("repairs were not persisted: %+v", reloaded)
	}
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(ConfigPath(tempDir), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, err := LoadOrCreate(tempDir); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveReplacesFileWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir)

	cfg := &DeviceConfig{DeviceID: "abc", DeviceName: "First"}
	normalizeDefaults(cfg)
	if cfg.AuditRetention() != 90*24*time.Hour {
		t.Fatalf("default audit retention = %s", cfg.AuditRetention())
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	cfg.DeviceName = "Second"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DeviceName != "Second" {
		t.Fatalf("loaded name %q", loaded.DeviceName)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only config.json, found %d entries", len(entries))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}
}
