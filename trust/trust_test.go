package trust

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderIsIdempotentAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFileProvider(dir)
	require.NoError(t, err)
	identity, err := first.GetOrCreateIdentity("device_a", DefaultValidity)
	require.NoError(t, err)

	again, err := first.GetOrCreateIdentity("device_a", DefaultValidity)
	require.NoError(t, err)
	assert.Same(t, identity, again)

	second, err := NewFileProvider(dir)
	require.NoError(t, err)
	reloaded, err := second.GetOrCreateIdentity("device_a", time.Hour)
	require.NoError(t, err)
	assert.True(t, Compare(identity.Certificate, reloaded.Certificate))
	assert.Equal(t, "device_a", reloaded.Certificate.Subject.CommonName)

	info, err := os.Stat(filepath.Join(dir, "device_a.key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDeleteIdentityProducesNewIdentity(t *testing.T) {
	provider, err := NewFileProvider(t.TempDir())
	require.NoError(t, err)

	original, err := provider.GetOrCreateIdentity("device_a", DefaultValidity)
	require.NoError(t, err)
	require.NoError(t, provider.DeleteIdentity("device_a"))
	assert.ErrorIs(t, provider.DeleteIdentity("device_a"), ErrNotFound)

	replacement, err := provider.GetOrCreateIdentity("device_a", DefaultValidity)
	require.NoError(t, err)
	assert.False(t, Compare(original.Certificate, replacement.Certificate))
	assert.NotEqual(t, original.Fingerprint(), replacement.Fingerprint())
}

func TestGeneratedCertificateValidity(t *testing.T) {
	provider := NewMemoryProvider()
	identity, err := provider.GetOrCreateIdentity("device_a", 10*365*24*time.Hour)
	require.NoError(t, err)

	lifetime := identity.Certificate.NotAfter.Sub(identity.Certificate.NotBefore)
	assert.InDelta(t, (10*365*24*time.Hour + time.Hour).Hours(), lifetime.Hours(), 1)
	assert.False(t, identity.Expired(time.Now()))
	assert.True(t, identity.Expired(time.Now().Add(11*365*24*time.Hour)))
}

func TestInvalidNamesRejected(t *testing.T) {
	provider, err := NewFileProvider(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", " padded", "../escape", "a/b"} {
		_, err := provider.GetOrCreateIdentity(name, DefaultValidity)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestDigestAndFormat(t *testing.T) {
	provider := NewMemoryProvider()
	a, err := provider.GetOrCreateIdentity("a", DefaultValidity)
	require.NoError(t, err)
	b, err := provider.GetOrCreateIdentity("b", DefaultValidity)
	require.NoError(t, err)

	assert.Len(t, Digest(a.Certificate), 64)
	assert.Equal(t, Digest(a.Certificate), Digest(a.Certificate))
	assert.True(t, Compare(a.Certificate, a.Certificate))
	assert.False(t, Compare(a.Certificate, b.Certificate))
	assert.False(t, EqualFingerprints("", ""))
	assert.False(t, EqualFingerprints(Digest(a.Certificate), Digest(a.Certificate)[:32]))

	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
}

func TestVerificationKeyIsSymmetric(t *testing.T) {
	provider := NewMemoryProvider()
	a, err := provider.GetOrCreateIdentity("a", DefaultValidity)
	require.NoError(t, err)
	b, err := provider.GetOrCreateIdentity("b", DefaultValidity)
	require.NoError(t, err)
	c, err := provider.GetOrCreateIdentity("c", DefaultValidity)
	require.NoError(t, err)

	ab := VerificationKey(a.Certificate, b.Certificate)
	assert.Len(t, ab, 9)
	assert.Equal(t, ab, VerificationKey(b.Certificate, a.Certificate))
	assert.NotEqual(t, ab, VerificationKey(a.Certificate, c.Certificate))
}

func TestPinnedTLSHandshake(t *testing.T) {
	provider := NewMemoryProvider()
	dialer, err := provider.GetOrCreateIdentity("dialer", DefaultValidity)
	require.NoError(t, err)
	acceptor, err := provider.GetOrCreateIdentity("acceptor", DefaultValidity)
	require.NoError(t, err)
	impostor, err := provider.GetOrCreateIdentity("impostor", DefaultValidity)
	require.NoError(t, err)

	t.Run("pinned match", func(t *testing.T) {
		serverErr, clientErr := handshake(t,
			ServerConfig(dialer, PinVerifier("acceptor", acceptor.Fingerprint())),
			ClientConfig(acceptor, PinVerifier("dialer", dialer.Fingerprint())),
		)
		assert.NoError(t, serverErr)
		assert.NoError(t, clientErr)
	})

	t.Run("first use accepts any certificate", func(t *testing.T) {
		serverErr, clientErr := handshake(t,
			ServerConfig(dialer, PinVerifier("acceptor", "")),
			ClientConfig(acceptor, PinVerifier("dialer", "")),
		)
		assert.NoError(t, serverErr)
		assert.NoError(t, clientErr)
	})

	t.Run("client detects impostor server", func(t *testing.T) {
		_, clientErr := handshake(t,
			ServerConfig(impostor, PinVerifier("acceptor", "")),
			ClientConfig(acceptor, PinVerifier("dialer", dialer.Fingerprint())),
		)
		require.Error(t, clientErr)
		assert.ErrorIs(t, clientErr, ErrFingerprintMismatch)

		var mismatch *MismatchError
		require.True(t, errors.As(clientErr, &mismatch))
		assert.Equal(t, "dialer", mismatch.DeviceID)
		assert.Equal(t, impostor.Fingerprint(), mismatch.Presented)
	})

	t.Run("server detects impostor client", func(t *testing.T) {
		serverErr, _ := handshake(t,
			ServerConfig(dialer, PinVerifier("acceptor", acceptor.Fingerprint())),
			ClientConfig(impostor, PinVerifier("dialer", "")),
		)
		require.Error(t, serverErr)
		assert.ErrorIs(t, serverErr, ErrFingerprintMismatch)
	})
}

func handshake(t *testing.T, serverConfig, clientConfig *tls.Config) (error, error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	acceptedConn, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		_ = dialed.Close()
		_ = acceptedConn.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	_ = dialed.SetDeadline(deadline)
	_ = acceptedConn.SetDeadline(deadline)

	// The dialing side is the TLS server.
	server := tls.Server(dialed, serverConfig)
	client := tls.Client(acceptedConn, clientConfig)

	serverDone := make(chan error, 1)
	go func() {
		err := server.Handshake()
		if err != nil {
			_ = dialed.Close()
		}
		serverDone <- err
	}()

	clientErr := client.Handshake()
	if clientErr != nil {
		_ = acceptedConn.Close()
	}
	return <-serverDone, clientErr
}
