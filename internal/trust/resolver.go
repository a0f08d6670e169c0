// Package trust decides whether a client may talk to a gateway endpoint and
// how its TLS certificate must be verified before any credential is sent.
//
// Only a fingerprint persisted after a human-confirmed pairing can act as a
// trust anchor. Discovery hints can raise the bar to "TLS required" but never
// supply the expected fingerprint, and trust-on-first-use is never enabled.
package trust

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ManualPrefix marks stable ids of manually entered endpoints.
const ManualPrefix = "manual|"

// Endpoint is a candidate gateway location. TLSEnabled and
// TLSFingerprintSHA256 come from discovery and are unauthenticated.
type Endpoint struct {
	StableID             string `json:"stableId"`
	Name                 string `json:"name,omitempty"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	TLSEnabled           bool   `json:"tlsEnabled"`
	TLSFingerprintSHA256 string `json:"tlsFingerprintSha256,omitempty"`
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Manual reports whether the endpoint was entered by hand.
func (e Endpoint) Manual() bool {
	return IsManual(e.StableID)
}

// Decision is the TLS requirement for one endpoint.
type Decision struct {
	StableID            string `json:"stableId"`
	Required            bool   `json:"required"`
	ExpectedFingerprint string `json:"expectedFingerprint,omitempty"`
	AllowTOFU           bool   `json:"allowTOFU"`
}

// Pinned reports whether the decision carries a verified fingerprint.
func (d *Decision) Pinned() bool {
	return d != nil && d.ExpectedFingerprint != ""
}

// IsManual reports whether stableID denotes a manually entered endpoint.
func IsManual(stableID string) bool {
	return strings.HasPrefix(stableID, ManualPrefix)
}

// ManualEndpoint builds the endpoint for a hand-entered host and port.
func ManualEndpoint(host string, port int) Endpoint {
	host = strings.ToLower(strings.TrimSpace(host))
	return Endpoint{
		StableID: fmt.Sprintf("%s%s|%d", ManualPrefix, host, port),
		Name:     host,
		Host:     host,
		Port:     port,
	}
}

// ParseManualAddr parses "host:port" (or a bare host, using defaultPort) into a manual endpoint.
func ParseManualAddr(addr string, defaultPort int) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Endpoint{}, fmt.Errorf("gateway address required")
	}
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return ManualEndpoint(strings.Trim(addr, "[]"), defaultPort), nil
		}
		return Endpoint{}, fmt.Errorf("invalid gateway address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid gateway port %q", portText)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid gateway address %q: missing host", addr)
	}
	return ManualEndpoint(host, port), nil
}

// Resolve returns how TLS must be used for endpoint, or nil when the
// connection may proceed in plaintext. storedFingerprint is the pin recorded
// for endpoint.StableID ("" when none). The first matching rule wins:
//
//  1. manual endpoint: nil when manual TLS is off, otherwise required with
//     the stored pin (if any) as the expected fingerprint
//  2. stored pin: required, expected fingerprint = pin, whatever discovery says
//  3. discovery hints TLS: required, no expected fingerprint
//  4. nil
func Resolve(endpoint Endpoint, storedFingerprint string, manualTLSEnabled bool) *Decision {
	stored := strings.TrimSpace(storedFingerprint)

	if IsManual(endpoint.StableID) {
		if !manualTLSEnabled {
			return nil
		}
		return &Decision{StableID: endpoint.StableID, Required: true, ExpectedFingerprint: stored}
	}

	if stored != "" {
		return &Decision{StableID: endpoint.StableID, Required: true, ExpectedFingerprint: stored}
	}

	if endpoint.TLSEnabled || strings.TrimSpace(endpoint.TLSFingerprintSHA256) != "" {
		return &Decision{StableID: endpoint.StableID, Required: true}
	}

	return nil
}
