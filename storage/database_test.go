package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestOpenMigratesSchemaInWALMode(t *testing.T) {
	dataDir := t.TempDir()
	store, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if want := filepath.Join(dataDir, DefaultDBFileName); store.Path() != want {
		t.Fatalf("Path() = %q, want %q", store.Path(), want)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("database file missing: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("user_version = %d, want %d", version, len(migrations))
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q", mode)
	}

	var tables int
	if err := store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name IN ('trusted_devices', 'security_events', 'service_settings')",
	).Scan(&tables); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if tables != 3 {
		t.Fatalf("found %d of 3 tables", tables)
	}
}

func TestReopenKeepsTrustRecords(t *testing.T) {
	dataDir := t.TempDir()
	store, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustSaveDevice(t, store, "peer_a", "Alice Phone")
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	reopened, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	device, err := reopened.GetTrustedDevice("peer_a")
	if err != nil {
		t.Fatalf("GetTrustedDevice after reopen failed: %v", err)
	}
	if device.DeviceName != "Alice Phone" {
		t.Fatalf("device after reopen = %+v", device)
	}
}

func TestMaintenanceTickPrunesExpiredEvents(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testEpoch)
	store, err := Open(t.TempDir(),
		WithClock(mock),
		WithEventRetention(time.Minute),
		WithMaintenanceInterval(time.Hour),
	)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.RecordSecurityEvent(EventUnpaired, "peer_a", SeverityInfo, nil); err != nil {
		t.Fatalf("RecordSecurityEvent failed: %v", err)
	}

	mock.Add(time.Hour)
	deadline := time.Now().Add(5 * time.Second)
	for {
		events, err := store.SecurityEvents(SecurityEventFilter{})
		if err != nil {
			t.Fatalf("SecurityEvents failed: %v", err)
		}
		if len(events) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("event was not pruned by the maintenance tick: %+v", events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
