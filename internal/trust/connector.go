package trust

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/dmms-ai/dmms-ai/internal/bus"
)

var (
	// ErrUntrustedEndpoint means TLS is required but no verified fingerprint
	// exists. The caller must run the pairing flow before connecting.
	ErrUntrustedEndpoint = errors.New("untrusted gateway endpoint: pairing required")
	// ErrFingerprintMismatch is returned from the TLS handshake when the
	// presented leaf certificate is not the pinned one.
	ErrFingerprintMismatch = errors.New("gateway certificate does not match pinned fingerprint")
)

// PinStore reads the fingerprint pinned for a stable id ("" when none).
type PinStore interface {
	GetPin(ctx context.Context, stableID string) (string, error)
}

// Target is a connection plan for one endpoint.
type Target struct {
	Endpoint Endpoint
	Decision *Decision
	URL      string
	TLS      *tls.Config
}

// Connector turns endpoints into connection targets, consulting the pin
// store and Resolve before any byte is sent.
type Connector struct {
	Pins      PinStore
	ManualTLS bool
	Logger    *slog.Logger
	Bus       *bus.Bus
}

// Prepare resolves the trust decision for ep. It fails with
// ErrUntrustedEndpoint when TLS is required without a pinned fingerprint.
func (c *Connector) Prepare(ctx context.Context, ep Endpoint) (*Target, error) {
	var stored string
	if c.Pins != nil {
		fp, err := c.Pins.GetPin(ctx, ep.StableID)
		if err != nil {
			return nil, fmt.Errorf("read pin for %s: %w", ep.StableID, err)
		}
		stored = fp
	}

	decision := Resolve(ep, stored, c.ManualTLS)
	target := &Target{Endpoint: ep, Decision: decision}
	if decision == nil || !decision.Required {
		target.URL = wsURL("ws", ep)
		return target, nil
	}
	if !decision.Pinned() {
		c.reject(ep, "tls required without pinned fingerprint")
		return nil, fmt.Errorf("%w (%s)", ErrUntrustedEndpoint, ep.StableID)
	}
	target.URL = wsURL("wss", ep)
	target.TLS = c.pinnedTLSConfig(ep, decision.ExpectedFingerprint)
	return target, nil
}

func (c *Connector) pinnedTLSConfig(ep Endpoint, expected string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: ep.Host,
		// Chain validation is replaced by the pin comparison below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				c.reject(ep, "no peer certificate")
				return ErrFingerprintMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if !FingerprintsEqual(FormatFingerprint(sum[:]), expected) {
				c.reject(ep, "fingerprint mismatch")
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}

func (c *Connector) reject(ep Endpoint, reason string) {
	if c.Logger != nil {
		c.Logger.Warn("gateway endpoint rejected", "stable_id", ep.StableID, "addr", ep.Addr(), "reason", reason)
	}
	if c.Bus != nil {
		c.Bus.Publish(bus.TopicTrustRejected, bus.TrustEvent{StableID: ep.StableID, Reason: reason})
	}
}

func wsURL(scheme string, ep Endpoint) string {
	u := url.URL{Scheme: scheme, Host: ep.Addr(), Path: "/ws"}
	return u.String()
}
