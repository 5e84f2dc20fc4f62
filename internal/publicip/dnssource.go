package publicip

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	miekg "github.com/miekg/dns"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

// OpenDNS answers this name with the address the query came from.
const myIPName = "myip.opendns.com."

var (
	openDNSv4 = []string{"208.67.222.222:53", "208.67.220.220:53"}
	openDNSv6 = []string{"[2620:119:35::35]:53", "[2620:119:53::53]:53"}
)

// DNSSource discovers public addresses by asking the OpenDNS resolvers for
// myip.opendns.com over each address family.
type DNSSource struct {
	client   *miekg.Client
	servers4 []string
	servers6 []string
	log      logr.Logger
}

// NewDNSSource creates a DNSSource querying the OpenDNS resolvers.
func NewDNSSource(log logr.Logger, timeout time.Duration) *DNSSource {
	return &DNSSource{
		client:   &miekg.Client{Timeout: timeout},
		servers4: openDNSv4,
		servers6: openDNSv6,
		log:      log,
	}
}

// IPv4 returns the public IPv4 address.
func (s *DNSSource) IPv4(ctx context.Context) (netip.Addr, error) {
	return s.query(ctx, dns.TypeA, s.servers4)
}

// IPv6 returns the public IPv6 address.
func (s *DNSSource) IPv6(ctx context.Context) (netip.Addr, error) {
	return s.query(ctx, dns.TypeAAAA, s.servers6)
}

func (s *DNSSource) query(ctx context.Context, t dns.RecordType, servers []string) (netip.Addr, error) {
	qtype := miekg.TypeA
	if t == dns.TypeAAAA {
		qtype = miekg.TypeAAAA
	}
	if len(servers) == 0 {
		return netip.Addr{}, fmt.Errorf("publicip: no %s resolvers configured", t)
	}
	m := new(miekg.Msg)
	m.SetQuestion(myIPName, qtype)

	var errs []error
	for _, server := range servers {
		r, _, err := s.client.ExchangeContext(ctx, m, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if r.Rcode != miekg.RcodeSuccess {
			errs = append(errs, fmt.Errorf("%s: rcode %s", server, miekg.RcodeToString[r.Rcode]))
			continue
		}
		for _, rr := range r.Answer {
			var raw string
			switch v := rr.(type) {
			case *miekg.A:
				raw = v.A.String()
			case *miekg.AAAA:
				raw = v.AAAA.String()
			default:
				continue
			}
			addr, err := parseAddr(raw, t)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.log.V(1).Info("public address discovered", "type", t, "address", addr, "source", server)
			return addr, nil
		}
		errs = append(errs, fmt.Errorf("%s: empty answer", server))
	}
	return netip.Addr{}, fmt.Errorf("publicip: no %s address: %w", t, utilerrors.NewAggregate(errs))
}
