package portal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logrtesting "github.com/go-logr/logr/testing"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/portal/portaltest"
)

const (
	testEmail    = "user@example.com"
	testPassword = "secret"
	testDomainID = 42
)

var (
	testCreds  = config.Credentials{Email: testEmail, Password: testPassword}
	testDomain = dns.NewDomain("home.example.com", 300)
)

type testPortal struct {
	fake    *portaltest.Server
	client  *Client
	session *Session
	repo    *Repository
}

func newTestPortal(t *testing.T) *testPortal {
	t.Helper()
	fake := portaltest.NewServer(testEmail, testPassword)
	fake.AddDomain("example.com", testDomainID)
	fake.AddDomain("other.org", 7)
	return newTestPortalWithHandler(t, fake, fake)
}

func newTestPortalWithHandler(t *testing.T, fake *portaltest.Server, h http.Handler) *testPortal {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	log := logrtesting.NewTestLogger(t)
	client, err := NewClient(log, config.PortalConfig{
		BaseURL:        srv.URL,
		RequestTimeout: config.Duration(5 * time.Second),
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	session := NewSession(log, client, "de")
	return &testPortal{
		fake:    fake,
		client:  client,
		session: session,
		repo:    NewRepository(log, client, session),
	}
}
