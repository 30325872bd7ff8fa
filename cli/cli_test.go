package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/config"
	"peerlink/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seedTrustedDevice(t *testing.T, dataDir, deviceID string) {
	t.Helper()
	store, err := storage.Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.SaveTrustedDevice(storage.TrustedDevice{
		DeviceID:               deviceID,
		DeviceName:             "Phone",
		DeviceType:             "phone",
		CertificateFingerprint: "aabbccddeeff",
		ProtocolVersion:        7,
	}))
	require.NoError(t, store.Close())
}

func TestIdentityCreatesAndReusesDevice(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, "identity", "--data-dir", dataDir)
	require.NoError(t, err)

	cfg, err := config.Load(config.ConfigPath(dataDir))
	require.NoError(t, err)
	assert.Contains(t, out, "Device ID:       "+cfg.DeviceID)
	assert.Contains(t, out, "Data Directory:  "+dataDir)

	again, err := execute(t, "identity", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestDevicesAndUnpair(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, "devices", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "No paired devices.")

	seedTrustedDevice(t, dataDir, "phone_1")
	out, err = execute(t, "devices", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "phone_1")
	assert.Contains(t, out, "Phone")

	out, err = execute(t, "unpair", "phone_1", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Unpaired phone_1")

	_, err = execute(t, "unpair", "phone_1", "--data-dir", dataDir)
	assert.ErrorContains(t, err, "not paired")

	out, err = execute(t, "events", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, string(storage.EventUnpaired))
	assert.Contains(t, out, "phone_1")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:  "+Version)
	assert.Contains(t, out, "Protocol: 7")
}

func TestUnpairRequiresDeviceID(t *testing.T) {
	_, err := execute(t, "unpair", "--data-dir", t.TempDir())
	assert.Error(t, err)
}

func TestServicesSettings(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, "services", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "All services enabled.")

	out, err = execute(t, "services", "disable", "ping", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "default: ping disabled")

	out, err = execute(t, "services", "enable", "ping", "--device", "phone_1", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "phone_1: ping enabled")

	out, err = execute(t, "services", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "(default)")
	assert.Contains(t, out, "phone_1")

	store, err := storage.Open(dataDir)
	require.NoError(t, err)
	settings, err := store.ServiceSettings()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, settings, 2)
	assert.False(t, settings[0].Enabled)
	assert.True(t, settings[1].Enabled)

	out, err = execute(t, "services", "reset", "ping", "--device", "phone_1", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "phone_1: ping reset")

	_, err = execute(t, "services", "reset", "ping", "--device", "phone_1", "--data-dir", dataDir)
	assert.ErrorContains(t, err, "no setting")
}
