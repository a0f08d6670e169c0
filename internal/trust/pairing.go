package trust

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrPairingDeclined is returned when the operator does not confirm the
// observed fingerprint.
var ErrPairingDeclined = errors.New("pairing declined")

// PinWriter persists a confirmed pin.
type PinWriter interface {
	PutPin(ctx context.Context, stableID, fingerprint, label string) error
}

// ObserveFingerprint completes a TLS handshake with addr only to read the
// leaf certificate fingerprint for display. The result is untrusted until a
// human confirms it.
func ObserveFingerprint(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         host,
			InsecureSkipVerify: true,
		},
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("tls handshake with %s: no peer certificate", addr)
	}
	return Fingerprint(state.PeerCertificates[0]), nil
}

// Pair stores observed as the pin for ep once confirm accepts it. confirm is
// the human verification step and must not be bypassed.
func Pair(ctx context.Context, pins PinWriter, ep Endpoint, observed string, confirm func(fingerprint string) bool) error {
	if pins == nil {
		return fmt.Errorf("pair %s: pin store unavailable", ep.StableID)
	}
	if !ValidFingerprint(observed) {
		return fmt.Errorf("pair %s: invalid fingerprint %q", ep.StableID, observed)
	}
	if confirm == nil || !confirm(observed) {
		return ErrPairingDeclined
	}
	label := strings.TrimSpace(ep.Name)
	if label == "" {
		label = ep.Addr()
	}
	if err := pins.PutPin(ctx, ep.StableID, canonicalFingerprint(observed), label); err != nil {
		return fmt.Errorf("pair %s: %w", ep.StableID, err)
	}
	return nil
}

// ConfirmTyped returns a confirm function that accepts when typed matches
// the fingerprint, either in full or as its first 16 hex characters.
func ConfirmTyped(typed string) func(string) bool {
	return func(fingerprint string) bool {
		t := NormalizeFingerprint(typed)
		f := NormalizeFingerprint(fingerprint)
		if len(t) < 16 || len(t) > len(f) {
			return false
		}
		return strings.HasPrefix(f, t)
	}
}

func canonicalFingerprint(fp string) string {
	n := NormalizeFingerprint(fp)
	pairs := make([]string, 0, len(n)/2)
	for i := 0; i+1 < len(n); i += 2 {
		pairs = append(pairs, strings.ToUpper(n[i:i+2]))
	}
	return strings.Join(pairs, ":")
}
