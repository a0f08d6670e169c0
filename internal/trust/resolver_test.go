package trust

import (
	"fmt"
	"testing"
)

const (
	pinA = "AA:BB:CC:DD"
	pinB = "11:22:33:44"
)

func TestResolve(t *testing.T) {
	lan := Endpoint{StableID: "_dmms-gw._tcp|local.|studio", Host: "studio.local", Port: 18789}
	manual := ManualEndpoint("gw.example.com", 18789)

	tests := []struct {
		name      string
		endpoint  Endpoint
		stored    string
		manualTLS bool
		want      *Decision
	}{
		{
			name:     "no hints no pin is plaintext",
			endpoint: lan,
			want:     nil,
		},
		{
			name:     "tls hint requires tls without fingerprint",
			endpoint: withHints(lan, true, ""),
			want:     &Decision{StableID: lan.StableID, Required: true},
		},
		{
			name:     "advertised fingerprint alone requires tls but is not trusted",
			endpoint: withHints(lan, false, pinB),
			want:     &Decision{StableID: lan.StableID, Required: true},
		},
		{
			name:     "blank advertised fingerprint is ignored",
			endpoint: withHints(lan, false, "   "),
			want:     nil,
		},
		{
			name:     "stored pin wins over different advertised fingerprint",
			endpoint: withHints(lan, true, pinB),
			stored:   pinA,
			want:     &Decision{StableID: lan.StableID, Required: true, ExpectedFingerprint: pinA},
		},
		{
			name:     "stored pin without hints still requires tls",
			endpoint: lan,
			stored:   "  " + pinA + "  ",
			want:     &Decision{StableID: lan.StableID, Required: true, ExpectedFingerprint: pinA},
		},
		{
			name:      "manual with tls disabled is plaintext even when pinned",
			endpoint:  withHints(manual, true, pinB),
			stored:    pinA,
			manualTLS: false,
			want:      nil,
		},
		{
			name:      "manual with tls enabled and no pin requires pairing",
			endpoint:  manual,
			manualTLS: true,
			want:      &Decision{StableID: manual.StableID, Required: true},
		},
		{
			name:      "manual with tls enabled uses stored pin",
			endpoint:  withHints(manual, false, pinB),
			stored:    pinA,
			manualTLS: true,
			want:      &Decision{StableID: manual.StableID, Required: true, ExpectedFingerprint: pinA},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.endpoint, tc.stored, tc.manualTLS)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("Resolve() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Resolve() = nil, want %+v", tc.want)
			}
			if *got != *tc.want {
				t.Fatalf("Resolve() = %+v, want %+v", *got, *tc.want)
			}
		})
	}
}

func TestResolveNeverAllowsTOFU(t *testing.T) {
	ids := []string{"lan|a", "manual|host|1", "", "manual|"}
	fps := []string{"", " ", pinA, pinB}
	for _, id := range ids {
		for _, tlsEnabled := range []bool{false, true} {
			for _, hint := range fps {
				for _, stored := range fps {
					for _, manualTLS := range []bool{false, true} {
						ep := Endpoint{StableID: id, TLSEnabled: tlsEnabled, TLSFingerprintSHA256: hint}
						d := Resolve(ep, stored, manualTLS)
						if d != nil && d.AllowTOFU {
							t.Fatalf("AllowTOFU set for %+v stored=%q manualTLS=%v", ep, stored, manualTLS)
						}
					}
				}
			}
		}
	}
}

func TestResolveStoredPinAlwaysExpected(t *testing.T) {
	for i, hint := range []string{"", pinA, pinB, "ff:ee"} {
		for _, tlsEnabled := range []bool{false, true} {
			ep := Endpoint{StableID: fmt.Sprintf("lan|%d", i), TLSEnabled: tlsEnabled, TLSFingerprintSHA256: hint}
			d := Resolve(ep, pinA, false)
			if d == nil || d.ExpectedFingerprint != pinA || !d.Required {
				t.Fatalf("Resolve(%+v) = %+v, want required with stored pin", ep, d)
			}
		}
	}
}

func TestParseManualAddr(t *testing.T) {
	tests := []struct {
		in       string
		wantID   string
		wantPort int
		wantErr  bool
	}{
		{in: "GW.local:19001", wantID: "manual|gw.local|19001", wantPort: 19001},
		{in: "gw.local", wantID: "manual|gw.local|18789", wantPort: 18789},
		{in: "[::1]:18789", wantID: "manual|::1|18789", wantPort: 18789},
		{in: "gw.local:0", wantErr: true},
		{in: "gw.local:abc", wantErr: true},
		{in: " ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ep, err := ParseManualAddr(tc.in, 18789)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ep)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseManualAddr: %v", err)
			}
			if ep.StableID != tc.wantID || ep.Port != tc.wantPort {
				t.Fatalf("got %+v", ep)
			}
			if !ep.Manual() {
				t.Fatal("expected manual endpoint")
			}
		})
	}
}

func withHints(ep Endpoint, tlsEnabled bool, fp string) Endpoint {
	ep.TLSEnabled = tlsEnabled
	ep.TLSFingerprintSHA256 = fp
	return ep
}
