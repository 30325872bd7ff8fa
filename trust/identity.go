// Package trust manages the local self-signed identity certificate and the
// fingerprint pinning used to recognise paired peers.
package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultValidity is the lifetime of a generated identity certificate.
	DefaultValidity = 10 * 365 * 24 * time.Hour

	certOrganization = "peerlink"
)

var (
	// ErrInvalidName indicates an identity name that cannot be stored.
	ErrInvalidName = errors.New("trust: invalid identity name")
	// ErrNotFound indicates no identity is cached under the name.
	ErrNotFound = errors.New("trust: identity not found")
)

// Provider generates, caches and deletes local identities.
type Provider interface {
	// GetOrCreateIdentity is idempotent: it returns the cached identity for
	// name, generating one valid for validity when none exists.
	GetOrCreateIdentity(name string, validity time.Duration) (*Identity, error)
	// DeleteIdentity removes the cached key and certificate. Later
	// GetOrCreateIdentity calls produce a different identity.
	DeleteIdentity(name string) error
}

// Identity is a private key bound to its self-signed certificate.
type Identity struct {
	Name        string
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// Fingerprint returns the certificate digest.
func (i *Identity) Fingerprint() string {
	return Digest(i.Certificate)
}

// TLSCertificate packages the identity for crypto/tls.
func (i *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{i.Certificate.Raw},
		PrivateKey:  i.PrivateKey,
		Leaf:        i.Certificate,
	}
}

// Expired reports whether now falls outside the certificate validity window.
func (i *Identity) Expired(now time.Time) bool {
	return now.Before(i.Certificate.NotBefore) || now.After(i.Certificate.NotAfter)
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\:`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// generateIdentity creates an ECDSA P-256 key and a self-signed certificate
// whose common name is name.
func generateIdentity(name string, validity time.Duration, now time.Time) (*Identity, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         name,
			Organization:       []string{certOrganization},
			OrganizationalUnit: []string{certOrganization},
		},
		// Backdated to tolerate peer clock skew.
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &Identity{Name: name, Certificate: cert, PrivateKey: key}, nil
}
