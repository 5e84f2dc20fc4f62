package dns

import (
	"fmt"
	"net/netip"
)

// RecordType is the DNS record type managed by the daemon.
type RecordType string

const (
	TypeA    RecordType = "A"
	TypeAAAA RecordType = "AAAA"
)

// Matches reports whether addr belongs to the address family of t.
func (t RecordType) Matches(addr netip.Addr) bool {
	switch t {
	case TypeA:
		return addr.Is4()
	case TypeAAAA:
		return addr.Is6() && !addr.Is4In6()
	}
	return false
}

// Domain is the managed name as the provider sees it.
type Domain struct {
	FQDN       string // e.g. "home.example.com"
	SubLabel   string // "home", empty for the root record
	BaseDomain string // "example.com"
	TTL        int    // seconds
}

// NewDomain derives the sub-label and base domain from fqdn.
func NewDomain(fqdn string, ttl int) Domain {
	sub, base := SplitFQDN(fqdn)
	return Domain{FQDN: fqdn, SubLabel: sub, BaseDomain: base, TTL: ttl}
}

// DomainRecord is the provider's current A/AAAA record for the managed name.
type DomainRecord struct {
	DomainID int64
	RecordID *int64 // nil when the record does not exist yet
	Address  netip.Addr
	Type     RecordType
}

// Exists reports whether the record is already known to the provider.
func (r DomainRecord) Exists() bool {
	return r.RecordID != nil
}

func (r DomainRecord) String() string {
	id := "new"
	if r.RecordID != nil {
		id = fmt.Sprintf("%d", *r.RecordID)
	}
	return fmt.Sprintf("%s %s (domain %d, record %s)", r.Type, r.Address, r.DomainID, id)
}
