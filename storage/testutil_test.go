package storage

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var testEpoch = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(testEpoch)

	store, err := Open(t.TempDir(), WithClock(mock))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store, mock
}

func mustSaveDevice(t *testing.T, store *Store, deviceID, name string) {
	t.Helper()

	if err := store.SaveTrustedDevice(TrustedDevice{
		DeviceID:               deviceID,
		DeviceName:             name,
		DeviceType:             "phone",
		CertificateFingerprint: "fingerprint-" + deviceID,
		ProtocolVersion:        7,
	}); err != nil {
		t.Fatalf("save device %q: %v", deviceID, err)
	}
}
