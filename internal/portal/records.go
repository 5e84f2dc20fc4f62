package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

const domainListPath = "/pfapi/domain-list"

func recordsPath(domainID int64) string {
	return fmt.Sprintf("/pfapi/dns/domain/%d/records", domainID)
}

// domainListResponse is the shape returned by the domain list endpoint.
type domainListResponse struct {
	Data []struct {
		Domain string `json:"domain"`
		ID     int64  `json:"id"`
	} `json:"data"`
}

// recordEntry is a single A/AAAA row of the records endpoint.
type recordEntry struct {
	Domain    string `json:"domain"`
	SubDomain string `json:"sub_domain"`
	Address   string `json:"address"`
	ID        int64  `json:"id"`
}

// recordsResponse is the shape returned by the records endpoint.
type recordsResponse struct {
	Data struct {
		A    []recordEntry `json:"A"`
		AAAA []recordEntry `json:"AAAA"`
	} `json:"data"`
}

// recordPayload is the body of a record write. The key set mirrors what the
// portal's own DNS editor sends.
type recordPayload struct {
	Record          recordBody `json:"record"`
	DomainLockState lockState  `json:"domain_lock_state"`
}

type recordBody struct {
	Address       string `json:"address"`
	FilterValue   string `json:"filter_value"`
	TTL           int    `json:"ttl"`
	Type          string `json:"type"`
	StandardValue bool   `json:"standard_value"`
	SubDomain     string `json:"sub_domain"`
	Domain        string `json:"domain"`
	ID            *int64 `json:"id"`
	Webspace      bool   `json:"webspace"`
	FormID        *int64 `json:"formId"`
}

type lockState struct {
	DomainLocked bool `json:"domain_locked"`
	EmailLocked  bool `json:"email_locked"`
}

// buildRecordPayload creates the JSON body for a record write. A nil record
// id asks the portal to create the record.
func buildRecordPayload(domain dns.Domain, t dns.RecordType, recordID *int64, addr netip.Addr) recordPayload {
	return recordPayload{
		Record: recordBody{
			Address:     addr.String(),
			FilterValue: domain.BaseDomain,
			TTL:         domain.TTL,
			Type:        string(t),
			SubDomain:   domain.SubLabel,
			Domain:      domain.BaseDomain,
			ID:          recordID,
			FormID:      recordID,
		},
	}
}

// Repository reads and writes the managed A/AAAA records through an
// authenticated portal session.
type Repository struct {
	client  *Client
	session *Session
	log     logr.Logger
}

// NewRepository creates a record repository using session for authentication.
func NewRepository(log logr.Logger, client *Client, session *Session) *Repository {
	return &Repository{client: client, session: session, log: log}
}

// withSession runs op, and if it finds no session, logs in once and runs it
// again. A second ErrNotAuthenticated is returned to the caller.
func (r *Repository) withSession(ctx context.Context, creds config.Credentials, op func() error) error {
	err := op()
	if !errors.Is(err, ErrNotAuthenticated) {
		return err
	}

	r.log.Info("session not authenticated, logging in before retry")
	if err := r.session.Login(ctx, creds); err != nil {
		return err
	}
	if err := op(); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return fmt.Errorf("portal: still not authenticated after login: %w", err)
		}
		return err
	}
	return nil
}

func (r *Repository) requireSession(ctx context.Context) error {
	ok, err := r.session.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthenticated
	}
	return nil
}

// getJSON fetches an API path and decodes it into v. Auth failures and HTML
// answers from the API map to ErrNotAuthenticated.
func (r *Repository) getJSON(ctx context.Context, op, path string, v interface{}) error {
	resp, err := r.client.get(ctx, path)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrNotAuthenticated
	case !resp.ok():
		return providerError(op, resp)
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		if strings.HasPrefix(strings.TrimSpace(string(resp.Body)), "<") {
			// The portal answers API calls of expired sessions with the login page.
			return ErrNotAuthenticated
		}
		return fmt.Errorf("portal: decode %s response: %w", op, err)
	}
	return nil
}

func (r *Repository) domainID(ctx context.Context, domain dns.Domain) (int64, error) {
	var list domainListResponse
	if err := r.getJSON(ctx, "domain list", domainListPath, &list); err != nil {
		return 0, err
	}
	for _, d := range list.Data {
		if strings.EqualFold(d.Domain, domain.BaseDomain) {
			return d.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrDomainNotFound, domain.BaseDomain)
}

// Lookup returns the published record of type t for the managed name, or nil
// if the portal has no such record yet.
func (r *Repository) Lookup(ctx context.Context, creds config.Credentials, domain dns.Domain, t dns.RecordType) (*dns.DomainRecord, error) {
	var rec *dns.DomainRecord
	err := r.withSession(ctx, creds, func() error {
		var err error
		rec, err = r.lookup(ctx, domain, t)
		return err
	})
	return rec, err
}

func (r *Repository) lookup(ctx context.Context, domain dns.Domain, t dns.RecordType) (*dns.DomainRecord, error) {
	if err := r.requireSession(ctx); err != nil {
		return nil, err
	}
	domainID, err := r.domainID(ctx, domain)
	if err != nil {
		return nil, err
	}

	var records recordsResponse
	if err := r.getJSON(ctx, "records", recordsPath(domainID), &records); err != nil {
		return nil, err
	}

	entries := records.Data.A
	if t == dns.TypeAAAA {
		entries = records.Data.AAAA
	}
	for _, e := range entries {
		if !matchesDomain(e, domain) {
			continue
		}
		id := e.ID
		rec := &dns.DomainRecord{DomainID: domainID, RecordID: &id, Type: t}
		addr, err := netip.ParseAddr(e.Address)
		if err != nil {
			r.log.Info("ignoring unparsable published address", "type", t, "address", e.Address)
		} else {
			rec.Address = addr.Unmap()
		}
		return rec, nil
	}
	return nil, nil
}

// matchesDomain reports whether a record row belongs to the managed name.
// Rows either carry the full name, or the base domain plus a sub-label.
func matchesDomain(e recordEntry, domain dns.Domain) bool {
	if e.SubDomain == "" && strings.EqualFold(e.Domain, domain.FQDN) {
		return true
	}
	return strings.EqualFold(e.Domain, domain.BaseDomain) && strings.EqualFold(e.SubDomain, domain.SubLabel)
}

// Upsert writes addr into rec. A record without id is created, otherwise
// updated in place. Every write carries a freshly loaded page token.
func (r *Repository) Upsert(ctx context.Context, creds config.Credentials, domain dns.Domain, rec dns.DomainRecord, addr netip.Addr) error {
	if !rec.Type.Matches(addr) {
		return fmt.Errorf("portal: address %s does not fit a %s record", addr, rec.Type)
	}
	return r.withSession(ctx, creds, func() error {
		return r.upsert(ctx, domain, rec, addr)
	})
}

func (r *Repository) upsert(ctx context.Context, domain dns.Domain, rec dns.DomainRecord, addr netip.Addr) error {
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	domainID := rec.DomainID
	if domainID == 0 {
		var err error
		if domainID, err = r.domainID(ctx, domain); err != nil {
			return err
		}
	}

	body, err := json.Marshal(buildRecordPayload(domain, rec.Type, rec.RecordID, addr))
	if err != nil {
		return fmt.Errorf("portal: marshal record: %w", err)
	}

	token, err := r.session.FreshMutationToken(ctx)
	if err != nil {
		return fmt.Errorf("portal: write %s record: %w", rec.Type, err)
	}
	header := http.Header{}
	header.Set(csrfHeader, token)
	header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := r.client.do(ctx, http.MethodPut, recordsPath(domainID), body, header)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	if !resp.ok() {
		return providerError("write "+string(rec.Type)+" record", resp)
	}

	action := "updated"
	if !rec.Exists() {
		action = "created"
	}
	r.log.Info("record "+action, "name", domain.FQDN, "type", rec.Type, "address", addr, "domainID", domainID)
	return nil
}
