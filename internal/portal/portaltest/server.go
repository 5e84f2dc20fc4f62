// Package portaltest provides an in-memory fake of the provider web portal
// for tests: cookie sessions, page-bound CSRF tokens that rotate on every
// landing page load, and a records store behind the pfapi endpoints.
package portaltest

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const sessionCookie = "PHPSESSID"

// Record is a stored A/AAAA row.
type Record struct {
	Domain    string `json:"domain"`
	SubDomain string `json:"sub_domain"`
	Address   string `json:"address"`
	ID        int64  `json:"id"`
}

// Write is a decoded record write as received by the fake.
type Write struct {
	DomainID  int64
	Address   string
	Type      string
	TTL       int
	SubDomain string
	Domain    string
	ID        *int64
	FormID    *int64
	Token     string
}

type session struct {
	authenticated bool
	language      string
	loginToken    string
	freeToken     string
}

// Server is a fake portal. Email and Password are the only accepted
// credentials.
type Server struct {
	Email    string
	Password string

	mu          sync.Mutex
	omitTokens  bool
	writeStatus int
	delay       time.Duration
	domains     map[string]int64
	records     map[int64]map[string][]Record
	sessions    map[string]*session
	nextID      int64
	seq         int
	calls       []string
	writes      []Write
	logins      int
}

// NewServer creates a fake portal accepting the given credentials.
func NewServer(email, password string) *Server {
	return &Server{
		Email:    email,
		Password: password,
		domains:  map[string]int64{},
		records:  map[int64]map[string][]Record{},
		sessions: map[string]*session{},
		nextID:   1000,
	}
}

// AddDomain registers a base domain in the account.
func (s *Server) AddDomain(name string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[name] = id
	if s.records[id] == nil {
		s.records[id] = map[string][]Record{}
	}
}

// SetRecord stores a row for a domain id and returns its record id.
func (s *Server) SetRecord(domainID int64, typ string, rec Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		s.nextID++
		rec.ID = s.nextID
	}
	if s.records[domainID] == nil {
		s.records[domainID] = map[string][]Record{}
	}
	s.records[domainID][typ] = append(s.records[domainID][typ], rec)
	return rec.ID
}

// Records returns a copy of the stored rows of one type.
func (s *Server) Records(domainID int64, typ string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records[domainID][typ]...)
}

// Calls returns the "METHOD /path" log of handled requests.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Writes returns the accepted and rejected record writes in order.
func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// Logins returns the number of login form posts received.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// SetOmitTokens makes landing pages render without any CSRF markers, as
// after a portal redesign or on an error page.
func (s *Server) SetOmitTokens(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitTokens = omit
}

// SetWriteStatus makes every record write fail with status. Zero restores
// normal behaviour.
func (s *Server) SetWriteStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeStatus = status
}

// SetDelay holds every request for d before handling it.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// ExpireSessions logs every client out, as a provider-side timeout would.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.authenticated = false
	}
}

// ResetCalls clears the request log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, r.Method+" "+r.URL.Path)
	sess := s.session(w, r)

	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleLanding(w, sess)
	case r.URL.Path == "/portfolio" && r.Method == http.MethodGet:
		s.handlePortfolio(w, sess)
	case r.URL.Path == "/set-user-language" && r.Method == http.MethodPost:
		s.handleLanguage(w, r, sess)
	case r.URL.Path == "/login" && r.Method == http.MethodPost:
		s.handleLogin(w, r, sess)
	case r.URL.Path == "/pfapi/domain-list" && r.Method == http.MethodGet:
		s.handleDomainList(w, sess)
	case strings.HasPrefix(r.URL.Path, "/pfapi/dns/domain/") && strings.HasSuffix(r.URL.Path, "/records"):
		s.handleRecords(w, r, sess)
	default:
		http.NotFound(w, r)
	}
}

// session returns the caller's session, starting a new anonymous one when
// the request carries no known cookie.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := s.sessions[c.Value]; ok {
			return sess
		}
	}
	s.seq++
	id := fmt.Sprintf("sess-%d", s.seq)
	sess := &session{}
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/"})
	return sess
}

func (s *Server) handleLanding(w http.ResponseWriter, sess *session) {
	s.seq++
	sess.loginToken = fmt.Sprintf("login-%d", s.seq)
	sess.freeToken = fmt.Sprintf("free-%d", s.seq)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if s.omitTokens {
		fmt.Fprint(w, `<html><body><h1>Wartungsarbeiten</h1></body></html>`)
		return
	}
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><script>window.UD = {"CSRF_TOKEN":"%s","AJAX_TOKEN":"ajax-%d"};</script></head>
<body>
<form id="login-form-1" action="/login" method="post">
  <input type="hidden" name="csrf" value="%s">
  <input type="text" name="email">
  <input type="password" name="pwd">
</form>
</body></html>`, html.EscapeString(sess.freeToken), s.seq, html.EscapeString(sess.loginToken))
}

func (s *Server) handlePortfolio(w http.ResponseWriter, sess *session) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if !sess.authenticated {
		fmt.Fprint(w, `<html><body><a href="/login">Zum login</a></body></html>`)
		return
	}
	fmt.Fprint(w, `<html><body><h1>Portfolio</h1><a href="/logout">Abmelden</a></body></html>`)
}

func (s *Server) handleLanguage(w http.ResponseWriter, r *http.Request, sess *session) {
	if r.Header.Get("Http-X-Csrf-Token") != sess.freeToken || sess.freeToken == "" {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess.language = r.PostForm.Get("language")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, sess *session) {
	s.logins++
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := r.PostForm
	if f.Get("csrf") == sess.loginToken && sess.loginToken != "" &&
		f.Get("selector") == "login" && f.Get("loginBtn") == "Login" &&
		f.Get("email") == s.Email && f.Get("pwd") == s.Password {
		sess.authenticated = true
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body>ok</body></html>`)
}

func (s *Server) handleDomainList(w http.ResponseWriter, sess *session) {
	if !sess.authenticated {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	type row struct {
		Domain string `json:"domain"`
		ID     int64  `json:"id"`
	}
	rows := []row{}
	for name, id := range s.domains {
		rows = append(rows, row{Domain: name, ID: id})
	}
	writeJSON(w, map[string]interface{}{"data": rows})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, sess *session) {
	if !sess.authenticated {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/pfapi/dns/domain/"), "/records")
	domainID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || s.records[domainID] == nil {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data := map[string][]Record{"A": {}, "AAAA": {}}
		for typ, recs := range s.records[domainID] {
			data[typ] = append(data[typ], recs...)
		}
		writeJSON(w, map[string]interface{}{"data": data})
	case http.MethodPut:
		s.handleWrite(w, r, sess, domainID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, sess *session, domainID int64) {
	var payload struct {
		Record struct {
			Address   string `json:"address"`
			TTL       int    `json:"ttl"`
			Type      string `json:"type"`
			SubDomain string `json:"sub_domain"`
			Domain    string `json:"domain"`
			ID        *int64 `json:"id"`
			FormID    *int64 `json:"formId"`
		} `json:"record"`
		DomainLockState *struct {
			DomainLocked bool `json:"domain_locked"`
			EmailLocked  bool `json:"email_locked"`
		} `json:"domain_lock_state"`
	}
	data, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(data, &payload)
	}
	if err != nil || payload.DomainLockState == nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	rec := payload.Record
	token := r.Header.Get("Http-X-Csrf-Token")
	s.writes = append(s.writes, Write{
		DomainID:  domainID,
		Address:   rec.Address,
		Type:      rec.Type,
		TTL:       rec.TTL,
		SubDomain: rec.SubDomain,
		Domain:    rec.Domain,
		ID:        rec.ID,
		FormID:    rec.FormID,
		Token:     token,
	})

	if s.writeStatus != 0 {
		http.Error(w, "write refused", s.writeStatus)
		return
	}
	// Only the token of the most recent landing page load is honoured.
	if token == "" || token != sess.freeToken {
		http.Error(w, "invalid csrf token", http.StatusForbidden)
		return
	}

	rows := s.records[domainID][rec.Type]
	if rec.ID == nil {
		s.nextID++
		rows = append(rows, Record{Domain: rec.Domain, SubDomain: rec.SubDomain, Address: rec.Address, ID: s.nextID})
	} else {
		found := false
		for i := range rows {
			if rows[i].ID == *rec.ID {
				rows[i].Address = rec.Address
				found = true
			}
		}
		if !found {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
	}
	s.records[domainID][rec.Type] = rows
	writeJSON(w, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
