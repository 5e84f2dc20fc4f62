// Package resolver looks up the currently published address of the managed
// name in public DNS.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/go-logr/logr"
	miekg "github.com/miekg/dns"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

const resolvConf = "/etc/resolv.conf"

var fallbackNameservers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Resolver queries a fixed list of nameservers in order.
type Resolver struct {
	client  *miekg.Client
	servers []string
	log     logr.Logger
}

// New creates a resolver from cfg. Without configured nameservers the ones
// from /etc/resolv.conf are used, and public resolvers if that is unreadable.
func New(log logr.Logger, cfg config.ResolverConfig) *Resolver {
	servers := normalizeServers(cfg.Nameservers)
	if len(servers) == 0 {
		servers = systemNameservers()
	}
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log.V(1).Info("resolver configured", "nameservers", servers)
	return &Resolver{client: &miekg.Client{Timeout: timeout}, servers: servers, log: log}
}

func normalizeServers(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		out = append(out, s)
	}
	return out
}

func systemNameservers() []string {
	cc, err := miekg.ClientConfigFromFile(resolvConf)
	if err != nil || len(cc.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// Resolve returns the first address of type t published for host. A name
// without such a record is reported as (zero, false, nil).
func (r *Resolver) Resolve(ctx context.Context, host string, t dns.RecordType) (netip.Addr, bool, error) {
	qtype := miekg.TypeA
	if t == dns.TypeAAAA {
		qtype = miekg.TypeAAAA
	}
	m := new(miekg.Msg)
	m.SetQuestion(miekg.Fqdn(host), qtype)
	m.RecursionDesired = true

	var errs []error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch resp.Rcode {
		case miekg.RcodeSuccess:
		case miekg.RcodeNameError:
			r.log.V(1).Info("name does not exist", "host", host, "type", t, "server", server)
			return netip.Addr{}, false, nil
		default:
			errs = append(errs, fmt.Errorf("%s: rcode %s", server, miekg.RcodeToString[resp.Rcode]))
			continue
		}

		addr, ok := firstAddress(resp.Answer, t)
		r.log.V(1).Info("resolved", "host", host, "type", t, "server", server, "found", ok, "address", addr)
		return addr, ok, nil
	}
	if len(errs) == 0 {
		return netip.Addr{}, false, fmt.Errorf("resolver: no nameservers configured")
	}
	return netip.Addr{}, false, fmt.Errorf("resolver: lookup %s %s: %w", t, host, utilerrors.NewAggregate(errs))
}

// firstAddress picks the first record of type t, skipping the CNAME chain.
func firstAddress(answer []miekg.RR, t dns.RecordType) (netip.Addr, bool) {
	for _, rr := range answer {
		var ip net.IP
		switch v := rr.(type) {
		case *miekg.A:
			ip = v.A
		case *miekg.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if t.Matches(addr) {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
