// Package publicip discovers the public addresses of this host, either from
// HTTP echo services or from the OpenDNS "myip" name.
package publicip

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

// Source returns the current public address of each family.
type Source interface {
	IPv4(ctx context.Context) (netip.Addr, error)
	IPv6(ctx context.Context) (netip.Addr, error)
}

// NewSource builds the source selected by cfg.Method.
func NewSource(log logr.Logger, cfg config.PublicIPConfig, timeout time.Duration) (Source, error) {
	switch cfg.Method {
	case "", config.PublicIPHTTP:
		return NewHTTPSource(log, cfg, timeout), nil
	case config.PublicIPDNS:
		return NewDNSSource(log, timeout), nil
	default:
		return nil, fmt.Errorf("publicip: unsupported method %q", cfg.Method)
	}
}

// parseAddr parses an echoed address and checks it belongs to family t.
func parseAddr(raw string, t dns.RecordType) (netip.Addr, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("publicip: parse %q: %w", raw, err)
	}
	addr = addr.Unmap()
	if !t.Matches(addr) {
		return netip.Addr{}, fmt.Errorf("publicip: %s is not a valid %s address", addr, t)
	}
	return addr, nil
}
