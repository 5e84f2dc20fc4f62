package config

import (
	"fmt"
	"net/url"
	"time"
)

// Public IP discovery methods.
const (
	PublicIPHTTP = "http"
	PublicIPDNS  = "dns"
)

const (
	DefaultPortalURL      = "https://www.united-domains.de"
	DefaultPortalLanguage = "de"

	defaultRequestsPerSecond = 2
	defaultBurst             = 4
)

var (
	defaultIPv4URLs = []string{
		"https://api.ipify.org",
		"https://ipv4.icanhazip.com/",
		"https://checkip.amazonaws.com/",
	}
	defaultIPv6URLs = []string{
		"https://api6.ipify.org",
		"https://ipv6.icanhazip.com/",
	}
)

// PortalConfig holds the provider web portal connection settings.
type PortalConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Language          string   `yaml:"language"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

// Timeout returns the per-request timeout.
func (p PortalConfig) Timeout() time.Duration { return time.Duration(p.RequestTimeout) }

func (p *PortalConfig) applyDefaults(interval time.Duration) {
	if p.BaseURL == "" {
		p.BaseURL = DefaultPortalURL
	}
	if p.Language == "" {
		p.Language = DefaultPortalLanguage
	}
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = defaultRequestsPerSecond
	}
	if p.Burst <= 0 {
		p.Burst = defaultBurst
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = Duration(interval)
	}
}

// PublicIPConfig selects how the desired addresses are discovered.
type PublicIPConfig struct {
	Method   string   `yaml:"method"`
	IPv4URLs []string `yaml:"ipv4_urls"`
	IPv6URLs []string `yaml:"ipv6_urls"`
}

func (p *PublicIPConfig) validate() error {
	switch p.Method {
	case "", PublicIPHTTP, PublicIPDNS:
	default:
		return fmt.Errorf("config: unsupported public_ip.method %q (want %q or %q)", p.Method, PublicIPHTTP, PublicIPDNS)
	}
	for _, raw := range append(append([]string{}, p.IPv4URLs...), p.IPv6URLs...) {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: invalid public_ip url %q", raw)
		}
	}
	return nil
}

func (p *PublicIPConfig) applyDefaults() {
	if p.Method == "" {
		p.Method = PublicIPHTTP
	}
	if len(p.IPv4URLs) == 0 {
		p.IPv4URLs = defaultIPv4URLs
	}
	if len(p.IPv6URLs) == 0 {
		p.IPv6URLs = defaultIPv6URLs
	}
}

// ResolverConfig configures the DNS lookups used by the "dns" observe mode.
// An empty nameserver list means the system resolv.conf.
type ResolverConfig struct {
	Nameservers []string `yaml:"nameservers"`
	Timeout     Duration `yaml:"timeout"`
}

func (r *ResolverConfig) applyDefaults(interval time.Duration) {
	if r.Timeout <= 0 {
		r.Timeout = Duration(interval)
	}
}
