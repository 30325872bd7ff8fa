package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const verificationInfo = "peerlink pairing verification"

// VerificationKey derives a short code from both certificates that the two
// users can compare before accepting a pairing request. The result does not
// depend on argument order.
func VerificationKey(local, peer *x509.Certificate) string {
	if local == nil || peer == nil {
		return ""
	}

	a := sha256.Sum256(local.Raw)
	b := sha256.Sum256(peer.Raw)
	first, second := a[:], b[:]
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	secret := make([]byte, 0, len(first)+len(second))
	secret = append(secret, first...)
	secret = append(secret, second...)

	out := make([]byte, 4)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(verificationInfo)), out); err != nil {
		return ""
	}
	return FormatFingerprint(strings.ToUpper(hex.EncodeToString(out)))
}
