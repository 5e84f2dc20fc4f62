package reconcile

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

// eventLog records the order of calls across all mocks.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// mockAddresses returns fixed public addresses.
type mockAddresses struct {
	mu     sync.Mutex
	v4, v6 netip.Addr
	err4   error
	err6   error
	panic4 bool
	calls  chan struct{}
	log    *eventLog
}

func (m *mockAddresses) IPv4(_ context.Context) (netip.Addr, error) {
	m.log.add("ipv4")
	if m.calls != nil {
		m.calls <- struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic4 {
		m.panic4 = false
		panic("boom")
	}
	return m.v4, m.err4
}

func (m *mockAddresses) IPv6(_ context.Context) (netip.Addr, error) {
	m.log.add("ipv6")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v6, m.err6
}

func (m *mockAddresses) set(v4, v6 string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v4, m.v6 = netip.MustParseAddr(v4), netip.MustParseAddr(v6)
}

// mockSession tracks probes and logins.
type mockSession struct {
	mu            sync.Mutex
	authenticated bool
	probeErr      error
	loginErr      error
	logins        int
	log           *eventLog
}

func (m *mockSession) IsAuthenticated(_ context.Context) (bool, error) {
	m.log.add("probe")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated, m.probeErr
}

func (m *mockSession) Login(_ context.Context, _ config.Credentials) error {
	m.log.add("login")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	if m.loginErr != nil {
		return m.loginErr
	}
	m.authenticated = true
	return nil
}

type upsertCall struct {
	Type     dns.RecordType
	RecordID *int64
	Address  netip.Addr
}

// mockRecords is an in-memory provider record store.
type mockRecords struct {
	mu        sync.Mutex
	records   map[dns.RecordType]*dns.DomainRecord
	lookupErr error
	upsertErr map[dns.RecordType]error
	lookups   []dns.RecordType
	upserts   []upsertCall
	log       *eventLog
}

func (m *mockRecords) Lookup(_ context.Context, _ config.Credentials, _ dns.Domain, t dns.RecordType) (*dns.DomainRecord, error) {
	m.log.add("lookup " + string(t))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, t)
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	rec, ok := m.records[t]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRecords) Upsert(_ context.Context, _ config.Credentials, _ dns.Domain, rec dns.DomainRecord, addr netip.Addr) error {
	m.log.add("upsert " + string(rec.Type))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, upsertCall{Type: rec.Type, RecordID: rec.RecordID, Address: addr})
	if err := m.upsertErr[rec.Type]; err != nil {
		return err
	}
	id := int64(900)
	if rec.RecordID != nil {
		id = *rec.RecordID
	}
	m.records[rec.Type] = &dns.DomainRecord{DomainID: 42, RecordID: &id, Address: addr, Type: rec.Type}
	return nil
}

func (m *mockRecords) setRecord(t dns.RecordType, id int64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[t] = &dns.DomainRecord{DomainID: 42, RecordID: &id, Address: netip.MustParseAddr(addr), Type: t}
}

func (m *mockRecords) upsertCalls() []upsertCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]upsertCall(nil), m.upserts...)
}

func (m *mockRecords) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lookups)
}

// mockResolver answers from a fixed table; a missing entry is "no record".
type mockResolver struct {
	mu    sync.Mutex
	addrs map[dns.RecordType]netip.Addr
	err   error
	log   *eventLog
}

func (m *mockResolver) Resolve(_ context.Context, _ string, t dns.RecordType) (netip.Addr, bool, error) {
	m.log.add("resolve " + string(t))
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.addrs[t]
	return addr, ok, m.err
}

// fixture bundles a reconciler with its mocks.
type fixture struct {
	cfg       *config.Config
	log       *eventLog
	addresses *mockAddresses
	session   *mockSession
	records   *mockRecords
	resolver  *mockResolver
	r         *Reconciler
}

const baseConfig = `
credentials:
  email: user@example.com
  password: secret
domain:
  name: home.example.com
  ttl: 300
update_interval_ms: 60000
`

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(baseConfig + extra))
	if err != nil {
		t.Fatalf("failed to parse test config: %v", err)
	}

	log := &eventLog{}
	f := &fixture{
		cfg: cfg,
		log: log,
		addresses: &mockAddresses{
			v4:  netip.MustParseAddr("203.0.113.9"),
			v6:  netip.MustParseAddr("2001:db8::1"),
			log: log,
		},
		session:  &mockSession{authenticated: true, log: log},
		records:  &mockRecords{records: map[dns.RecordType]*dns.DomainRecord{}, upsertErr: map[dns.RecordType]error{}, log: log},
		resolver: &mockResolver{addrs: map[dns.RecordType]netip.Addr{}, log: log},
	}
	f.r = &Reconciler{
		Config:    config.Static{Config: cfg},
		Addresses: f.addresses,
		Session:   f.session,
		Records:   f.records,
		Resolver:  f.resolver,
		Log:       testLogger(),
	}
	return f
}
