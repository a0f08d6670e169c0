package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the SHA-256 digest of the DER certificate as
// colon-separated uppercase hex pairs.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return FormatFingerprint(sum[:])
}

// FormatFingerprint renders raw digest bytes as AA:BB:....
func FormatFingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// NormalizeFingerprint lowercases a fingerprint and strips an optional
// "sha256:" prefix plus any ':', ' ' or '-' separators.
func NormalizeFingerprint(fp string) string {
	fp = strings.ToLower(strings.TrimSpace(fp))
	fp = strings.TrimPrefix(fp, "sha256:")
	fp = strings.TrimPrefix(fp, "sha-256:")
	var b strings.Builder
	for _, r := range fp {
		switch r {
		case ':', ' ', '-':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidFingerprint reports whether fp normalizes to 64 hex characters.
func ValidFingerprint(fp string) bool {
	n := NormalizeFingerprint(fp)
	if len(n) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(n)
	return err == nil
}

// FingerprintsEqual compares two fingerprints after normalization.
func FingerprintsEqual(a, b string) bool {
	na, nb := NormalizeFingerprint(a), NormalizeFingerprint(b)
	if na == "" || nb == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(na), []byte(nb)) == 1
}
