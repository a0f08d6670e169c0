// Package discovery advertises and browses gateways over DNS-SD.
//
// Everything learned from the network here is an unauthenticated hint: the
// tls and tlsSha256 TXT values only ever feed trust.Resolve, which may raise
// the requirement to TLS but never accepts them as a trust anchor.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/dmms-ai/dmms-ai/internal/trust"
)

const (
	ServiceType     = "_dmms-gw._tcp"
	Domain          = "local."
	ProtocolVersion = "1"
)

// AdvertiseConfig is what the gateway publishes about itself.
type AdvertiseConfig struct {
	Instance    string
	Port        int
	TLS         bool
	Fingerprint string
}

// Advertiser manages the DNS-SD registration of a running gateway.
type Advertiser struct {
	cfg    AdvertiseConfig
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser(cfg AdvertiseConfig, logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{cfg: cfg, logger: logger}
}

// TXTRecords builds the TXT payload for cfg.
func TXTRecords(cfg AdvertiseConfig) []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + instanceName(cfg.Instance),
	}
	if cfg.TLS {
		txt = append(txt, "tls=1")
		if cfg.Fingerprint != "" {
			txt = append(txt, "tlsSha256="+cfg.Fingerprint)
		}
	}
	return txt
}

// Start registers the service. Calling it twice is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}
	name := instanceName(a.cfg.Instance)
	server, err := zeroconf.Register(name, ServiceType, Domain, a.cfg.Port, TXTRecords(a.cfg), nil)
	if err != nil {
		return fmt.Errorf("dns-sd register: %w", err)
	}
	a.server = server
	a.logger.Info("dns-sd advertisement started", "instance", name, "port", a.cfg.Port, "tls", a.cfg.TLS)
	return nil
}

// Stop unregisters the service. Safe on a stopped advertiser.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Browse collects gateway endpoints until ctx is done. Results are keyed by
// stable id; a later record for the same id replaces the earlier one.
func Browse(ctx context.Context) ([]trust.Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("dns-sd resolver: %w", err)
	}

	var (
		mu    sync.Mutex
		found = map[string]trust.Endpoint{}
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			ep, ok := EndpointFromEntry(entry.Instance, entryHost(entry), entry.Port, entry.Text)
			if !ok {
				continue
			}
			mu.Lock()
			found[ep.StableID] = ep
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("dns-sd browse: %w", err)
	}
	<-ctx.Done()
	wg.Wait()

	out := make([]trust.Endpoint, 0, len(found))
	for _, ep := range found {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StableID < out[j].StableID })
	return out, nil
}

// StableID derives the pin-store key for a DNS-SD instance.
func StableID(instance string) string {
	return fmt.Sprintf("%s|%s|%s", ServiceType, Domain, strings.ToLower(strings.TrimSpace(instance)))
}

// EndpointFromEntry converts a resolved DNS-SD record into an endpoint.
func EndpointFromEntry(instance, host string, port int, txt []string) (trust.Endpoint, bool) {
	instance = strings.TrimSpace(instance)
	if instance == "" || host == "" || port <= 0 || port > 65535 {
		return trust.Endpoint{}, false
	}
	ep := trust.Endpoint{
		StableID: StableID(instance),
		Name:     instance,
		Host:     host,
		Port:     port,
	}
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			if v := strings.TrimSpace(value); v != "" {
				ep.Name = v
			}
		case "tls":
			enabled, err := strconv.ParseBool(strings.TrimSpace(value))
			ep.TLSEnabled = err == nil && enabled
		case "tlssha256":
			ep.TLSFingerprintSHA256 = strings.TrimSpace(value)
		}
	}
	return ep, true
}

func entryHost(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return strings.TrimSuffix(entry.HostName, ".")
}

func instanceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "dmms-ai"
}
