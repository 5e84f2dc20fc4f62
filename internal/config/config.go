package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
	"golang.org/x/net/idna"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

// Observation modes select where the currently published address is read from.
const (
	ObserveProvider = "provider"
	ObserveDNS      = "dns"
)

const (
	defaultGrace = 10 * time.Minute
	// Multiples of the update interval used when no explicit backoff is configured.
	defaultBackoffIntervals = 5
	defaultMaxBackoffFactor = 4
)

// Credentials are the portal login credentials.
type Credentials struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// DomainConfig is the managed name as written in the config file.
type DomainConfig struct {
	Name string `yaml:"name"`
	TTL  int    `yaml:"ttl"`
}

// Config is a validated configuration snapshot.
type Config struct {
	Credentials      Credentials    `yaml:"credentials"`
	Domain           DomainConfig   `yaml:"domain"`
	UpdateIntervalMS int            `yaml:"update_interval_ms"`
	IPv4             *bool          `yaml:"ipv4"`
	IPv6             *bool          `yaml:"ipv6"`
	Observe          string         `yaml:"observe"`
	CacheGrace       *Duration      `yaml:"address_cache_grace"`
	TimeoutBackoff   Duration       `yaml:"timeout_backoff"`
	MaxBackoff       Duration       `yaml:"max_backoff"`
	Portal           PortalConfig   `yaml:"portal"`
	PublicIP         PublicIPConfig `yaml:"public_ip"`
	Resolver         ResolverConfig `yaml:"resolver"`

	// Derived at load time.
	SubLabel   string `yaml:"-"`
	BaseDomain string `yaml:"-"`
}

// Duration accepts Go duration strings ("10m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Interval returns the poll interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.UpdateIntervalMS) * time.Millisecond
}

// ManagedDomain returns the domain model used by the provider client.
func (c *Config) ManagedDomain() dns.Domain {
	return dns.NewDomain(c.Domain.Name, c.Domain.TTL)
}

// ManageIPv4 reports whether the A record is reconciled.
func (c *Config) ManageIPv4() bool { return c.IPv4 == nil || *c.IPv4 }

// ManageIPv6 reports whether the AAAA record is reconciled.
func (c *Config) ManageIPv6() bool { return c.IPv6 == nil || *c.IPv6 }

// AddressCacheGrace returns how long a just-written address is trusted
// without re-reading the provider. Zero disables the cache.
func (c *Config) AddressCacheGrace() time.Duration {
	if c.CacheGrace == nil {
		return defaultGrace
	}
	return time.Duration(*c.CacheGrace)
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Credentials.Email = expandEnv(cfg.Credentials.Email)
	cfg.Credentials.Password = expandEnv(cfg.Credentials.Password)
	cfg.Portal.BaseURL = expandEnv(cfg.Portal.BaseURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

var envRefPattern = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${ENV_VAR} references only. Any other '$' is kept
// literally, and $${ENV_VAR} escapes to the literal text ${ENV_VAR}.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		if strings.HasPrefix(ref, "$$") {
			return ref[1:]
		}
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func (c *Config) validate() error {
	if c.Credentials.Email == "" {
		return fmt.Errorf("config: missing required field 'credentials.email'")
	}
	if c.Credentials.Password == "" {
		return fmt.Errorf("config: missing required field 'credentials.password'")
	}
	if c.UpdateIntervalMS <= 0 {
		return fmt.Errorf("config: 'update_interval_ms' must be positive, got %d", c.UpdateIntervalMS)
	}
	if c.Domain.TTL <= 0 {
		return fmt.Errorf("config: 'domain.ttl' must be positive, got %d", c.Domain.TTL)
	}

	name, err := NormalizeFQDN(c.Domain.Name)
	if err != nil {
		return err
	}
	c.Domain.Name = name
	c.SubLabel, c.BaseDomain = dns.SplitFQDN(name)

	switch c.Observe {
	case "":
		c.Observe = ObserveProvider
	case ObserveProvider, ObserveDNS:
	default:
		return fmt.Errorf("config: unsupported observe mode %q (want %q or %q)", c.Observe, ObserveProvider, ObserveDNS)
	}
	if !c.ManageIPv4() && !c.ManageIPv6() {
		return fmt.Errorf("config: both ipv4 and ipv6 are disabled, nothing to manage")
	}
	if err := c.PublicIP.validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TimeoutBackoff <= 0 {
		c.TimeoutBackoff = Duration(defaultBackoffIntervals * c.Interval())
	}
	if c.MaxBackoff < c.TimeoutBackoff {
		c.MaxBackoff = Duration(defaultMaxBackoffFactor * time.Duration(c.TimeoutBackoff))
	}
	c.Portal.applyDefaults(c.Interval())
	c.PublicIP.applyDefaults()
	c.Resolver.applyDefaults(c.Interval())
}

// NormalizeFQDN converts name to its lower-case ASCII form and checks that it
// is a hostname with at least two labels.
func NormalizeFQDN(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", fmt.Errorf("config: missing required field 'domain.name'")
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("config: invalid domain name %q: %w", name, err)
	}
	ascii = strings.ToLower(ascii)
	if errs := validation.IsDNS1123Subdomain(ascii); len(errs) > 0 {
		return "", fmt.Errorf("config: invalid domain name %q: %s", name, strings.Join(errs, "; "))
	}
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("config: domain name %q needs at least two labels", name)
	}
	return ascii, nil
}
