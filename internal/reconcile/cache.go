package reconcile

import (
	"net/netip"
	"time"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

type cacheKey struct {
	fqdn string
	typ  dns.RecordType
}

type cacheEntry struct {
	addr    netip.Addr
	expires time.Time
}

// addressCache remembers addresses this process wrote, so the provider is not
// re-read for them until the entry expires.
type addressCache struct {
	entries map[cacheKey]cacheEntry
}

// fresh reports whether addr was written for name and type t and the entry
// has not expired at now.
func (c *addressCache) fresh(fqdn string, t dns.RecordType, addr netip.Addr, now time.Time) bool {
	e, ok := c.entries[cacheKey{fqdn, t}]
	return ok && e.addr == addr && now.Before(e.expires)
}

func (c *addressCache) store(fqdn string, t dns.RecordType, addr netip.Addr, now time.Time, grace time.Duration) {
	if grace <= 0 {
		c.forget(fqdn, t)
		return
	}
	if c.entries == nil {
		c.entries = map[cacheKey]cacheEntry{}
	}
	c.entries[cacheKey{fqdn, t}] = cacheEntry{addr: addr, expires: now.Add(grace)}
}

func (c *addressCache) forget(fqdn string, t dns.RecordType) {
	delete(c.entries, cacheKey{fqdn, t})
}
