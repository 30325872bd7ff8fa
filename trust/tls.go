package trust

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// PinVerifier builds a VerifyPeerCertificate callback. With an empty pinned
// fingerprint any certificate is accepted (trust on first use); otherwise the
// leaf must digest to exactly pinned.
func PinVerifier(deviceID, pinned string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrNoCertificate
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("trust: parse peer certificate: %w", err)
		}
		if pinned == "" {
			return nil
		}
		presented := Digest(leaf)
		if !EqualFingerprints(presented, pinned) {
			return &MismatchError{DeviceID: deviceID, Pinned: pinned, Presented: presented}
		}
		return nil
	}
}

// ServerConfig is used by the side that dialed the TCP connection. Clients
// must present a certificate; it is checked by verify, not a CA pool.
func ServerConfig(identity *Identity, verify func([][]byte, [][]*x509.Certificate) error) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{identity.TLSCertificate()},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verify,
		MinVersion:            tls.VersionTLS12,
	}
}

// ClientConfig is used by the side that accepted the TCP connection.
func ClientConfig(identity *Identity, verify func([][]byte, [][]*x509.Certificate) error) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{identity.TLSCertificate()},
		// Self-signed peers: chain verification is replaced by verify.
		InsecureSkipVerify:    true, //nolint:gosec
		VerifyPeerCertificate: verify,
		MinVersion:            tls.VersionTLS12,
	}
}
