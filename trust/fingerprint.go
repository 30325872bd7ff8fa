package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFingerprintMismatch is matched by MismatchError via errors.Is.
	ErrFingerprintMismatch = errors.New("trust: certificate fingerprint mismatch")
	// ErrNoCertificate indicates the peer presented no certificate.
	ErrNoCertificate = errors.New("trust: no certificate provided")
)

// MismatchError reports a paired device presenting a certificate other than
// the one pinned at pairing time.
type MismatchError struct {
	DeviceID  string
	Pinned    string
	Presented string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("trust: device %s presented certificate %s, pinned %s",
		e.DeviceID, shortFingerprint(e.Presented), shortFingerprint(e.Pinned))
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrFingerprintMismatch
}

// Digest returns the lowercase hex SHA-256 of the certificate DER.
func Digest(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Compare reports exact fingerprint equality of two certificates.
func Compare(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return false
	}
	return EqualFingerprints(Digest(a), Digest(b))
}

// EqualFingerprints compares two digests in constant time. Empty never matches.
func EqualFingerprints(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	groups := make([]string, 0, len(clean)/4+1)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	groups = append(groups, clean)
	return strings.Join(groups, " ")
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) <= 16 {
		return fingerprint
	}
	return fingerprint[:16]
}
