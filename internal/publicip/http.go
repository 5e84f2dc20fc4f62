package publicip

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

const maxEchoSize = 256

type echoFamily struct {
	typ    dns.RecordType
	urls   []string
	client *http.Client
}

// HTTPSource asks plain-text echo services for the caller's address. Each
// family dials over its own network so a dual-stack host reports both.
type HTTPSource struct {
	v4  echoFamily
	v6  echoFamily
	log logr.Logger
}

// NewHTTPSource creates an HTTPSource for the configured echo URLs. The URLs
// of a family are tried in order until one answers with a valid address.
func NewHTTPSource(log logr.Logger, cfg config.PublicIPConfig, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		v4:  echoFamily{typ: dns.TypeA, urls: cfg.IPv4URLs, client: familyClient("tcp4", timeout)},
		v6:  echoFamily{typ: dns.TypeAAAA, urls: cfg.IPv6URLs, client: familyClient("tcp6", timeout)},
		log: log,
	}
}

func familyClient(network string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// IPv4 returns the public IPv4 address.
func (s *HTTPSource) IPv4(ctx context.Context) (netip.Addr, error) {
	return s.lookup(ctx, s.v4)
}

// IPv6 returns the public IPv6 address.
func (s *HTTPSource) IPv6(ctx context.Context) (netip.Addr, error) {
	return s.lookup(ctx, s.v6)
}

func (s *HTTPSource) lookup(ctx context.Context, f echoFamily) (netip.Addr, error) {
	if len(f.urls) == 0 {
		return netip.Addr{}, fmt.Errorf("publicip: no %s echo urls configured", f.typ)
	}
	var errs []error
	for _, u := range f.urls {
		addr, err := s.fetch(ctx, f, u)
		if err == nil {
			s.log.V(1).Info("public address discovered", "type", f.typ, "address", addr, "source", u)
			return addr, nil
		}
		if ctx.Err() != nil {
			return netip.Addr{}, err
		}
		s.log.V(1).Info("echo service failed", "type", f.typ, "source", u, "error", err.Error())
		errs = append(errs, err)
	}
	return netip.Addr{}, fmt.Errorf("publicip: no %s address: %w", f.typ, utilerrors.NewAggregate(errs))
}

func (s *HTTPSource) fetch(ctx context.Context, f echoFamily, url string) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("publicip: build request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("publicip: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("publicip: %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEchoSize))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("publicip: %s: read body: %w", url, err)
	}
	return parseAddr(strings.TrimSpace(string(body)), f.typ)
}
