package storage

import (
	"errors"
	"testing"
	"time"
)

func TestSaveAndGetTrustedDevice(t *testing.T) {
	store, _ := newTestStore(t)
	mustSaveDevice(t, store, "peer_a", "Alice Phone")

	device, err := store.GetTrustedDevice("peer_a")
	if err != nil {
		t.Fatalf("GetTrustedDevice failed: %v", err)
	}
	if device.CertificateFingerprint != "fingerprint-peer_a" || device.ProtocolVersion != 7 {
		t.Fatalf("unexpected device: %+v", device)
	}
	if device.PairedAt != testEpoch.UnixMilli() {
		t.Fatalf("paired_at = %d, want clock time %d", device.PairedAt, testEpoch.UnixMilli())
	}
	if device.LastSeenTimestamp != nil || device.LastKnownAddress != nil {
		t.Fatalf("new device should have no last-seen data: %+v", device)
	}

	if _, err := store.GetTrustedDevice("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrustedDevice missing err = %v, want ErrNotFound", err)
	}
}

func TestSaveTrustedDeviceUpsertsPin(t *testing.T) {
	store, mock := newTestStore(t)
	mustSaveDevice(t, store, "peer_a", "Alice Phone")
	if err := store.TouchTrustedDevice("peer_a", "10.0.0.2:1716", time.Time{}); err != nil {
		t.Fatalf("TouchTrustedDevice failed: %v", err)
	}

	mock.Add(time.Hour)
	if err := store.SaveTrustedDevice(TrustedDevice{
		DeviceID:               "peer_a",
		DeviceName:             "Alice Tablet",
		DeviceType:             "tablet",
		CertificateFingerprint: "fingerprint-new",
	}); err != nil {
		t.Fatalf("SaveTrustedDevice update failed: %v", err)
	}

	device, err := store.GetTrustedDevice("peer_a")
	if err != nil {
		t.Fatalf("GetTrustedDevice failed: %v", err)
	}
	if device.CertificateFingerprint != "fingerprint-new" || device.DeviceName != "Alice Tablet" {
		t.Fatalf("upsert did not replace pin and name: %+v", device)
	}
	if device.PairedAt != testEpoch.UnixMilli() {
		t.Fatalf("paired_at changed on update: %d", device.PairedAt)
	}
	if device.LastKnownAddress == nil || *device.LastKnownAddress != "10.0.0.2:1716" {
		t.Fatalf("upsert dropped last known address: %+v", device.LastKnownAddress)
	}
}

func TestSaveTrustedDeviceValidates(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.SaveTrustedDevice(TrustedDevice{CertificateFingerprint: "fp"}); err == nil {
		t.Fatalf("expected error for missing device id")
	}
	if err := store.SaveTrustedDevice(TrustedDevice{DeviceID: "peer"}); err == nil {
		t.Fatalf("expected error for missing fingerprint")
	}

	if err := store.SaveTrustedDevice(TrustedDevice{DeviceID: "peer", CertificateFingerprint: "fp"}); err != nil {
		t.Fatalf("SaveTrustedDevice failed: %v", err)
	}
	device, err := store.GetTrustedDevice("peer")
	if err != nil {
		t.Fatalf("GetTrustedDevice failed: %v", err)
	}
	if device.DeviceName != "peer" || device.DeviceType != "unknown" {
		t.Fatalf("defaults not applied: %+v", device)
	}
}

func TestListAndRemoveTrustedDevices(t *testing.T) {
	store, _ := newTestStore(t)
	mustSaveDevice(t, store, "peer_b", "Bob")
	mustSaveDevice(t, store, "peer_a", "Alice")

	devices, err := store.ListTrustedDevices()
	if err != nil {
		t.Fatalf("ListTrustedDevices failed: %v", err)
	}
	if len(devices) != 2 || devices[0].DeviceID != "peer_a" || devices[1].DeviceID != "peer_b" {
		t.Fatalf("unexpected order: %+v", devices)
	}

	if err := store.RemoveTrustedDevice("peer_a"); err != nil {
		t.Fatalf("RemoveTrustedDevice failed: %v", err)
	}
	if err := store.RemoveTrustedDevice("peer_a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}

	devices, err = store.ListTrustedDevices()
	if err != nil {
		t.Fatalf("ListTrustedDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "peer_b" {
		t.Fatalf("unexpected devices after remove: %+v", devices)
	}
}

func TestTouchTrustedDevice(t *testing.T) {
	store, _ := newTestStore(t)
	mustSaveDevice(t, store, "peer_a", "Alice")

	seen := testEpoch.Add(5 * time.Minute)
	if err := store.TouchTrustedDevice("peer_a", "10.0.0.9:1739", seen); err != nil {
		t.Fatalf("TouchTrustedDevice failed: %v", err)
	}
	if err := store.TouchTrustedDevice("peer_a", "", seen.Add(time.Minute)); err != nil {
		t.Fatalf("TouchTrustedDevice without address failed: %v", err)
	}

	device, err := store.GetTrustedDevice("peer_a")
	if err != nil {
		t.Fatalf("GetTrustedDevice failed: %v", err)
	}
	if device.LastSeenTimestamp == nil || *device.LastSeenTimestamp != seen.Add(time.Minute).UnixMilli() {
		t.Fatalf("last seen = %v", device.LastSeenTimestamp)
	}
	if device.LastKnownAddress == nil || *device.LastKnownAddress != "10.0.0.9:1739" {
		t.Fatalf("empty address must keep the previous one, got %v", device.LastKnownAddress)
	}

	if err := store.TouchTrustedDevice("missing", "", seen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch missing err = %v, want ErrNotFound", err)
	}
}
