package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/go-querystring/query"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/metrics"
)

const (
	landingPath   = "/"
	portfolioPath = "/portfolio"
	loginPath     = "/login"
	languagePath  = "/set-user-language"

	// Only the logged-out variant of the portfolio page contains this.
	loggedOutMarker = "login"

	csrfHeader = "Http-X-Csrf-Token"
	formType   = "application/x-www-form-urlencoded"
)

type loginForm struct {
	CSRF     string `url:"csrf"`
	Selector string `url:"selector"`
	Email    string `url:"email"`
	Password string `url:"pwd"`
	Button   string `url:"loginBtn"`
}

type languageForm struct {
	Language string `url:"language"`
}

// Session tracks authentication against the portal. Validity is probed on
// demand; the session is never assumed to last for any duration.
type Session struct {
	client   *Client
	language string
	log      logr.Logger
}

// NewSession creates a session manager on top of client. language is the UI
// language selected before login; page markers depend on it.
func NewSession(log logr.Logger, client *Client, language string) *Session {
	if language == "" {
		language = config.DefaultPortalLanguage
	}
	return &Session{client: client, language: language, log: log}
}

// IsAuthenticated probes the portfolio page. Transport failures are returned
// as errors, never reported as logged out.
func (s *Session) IsAuthenticated(ctx context.Context) (bool, error) {
	resp, err := s.client.get(ctx, portfolioPath)
	if err != nil {
		return false, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return false, providerError("probe session", resp)
	}
	authenticated := !bytes.Contains(resp.Body, []byte(loggedOutMarker))
	s.log.V(1).Info("session probed", "authenticated", authenticated)
	return authenticated, nil
}

// Login selects the UI language, posts the credentials with a fresh login
// token and re-probes the session. A refused login returns ErrAuthRejected.
func (s *Session) Login(ctx context.Context, creds config.Credentials) error {
	err := s.login(ctx, creds)
	switch {
	case err == nil:
		metrics.Logins.WithLabelValues(metrics.ResultSuccess).Inc()
	case errors.Is(err, ErrAuthRejected):
		metrics.Logins.WithLabelValues(metrics.ResultRejected).Inc()
	default:
		metrics.Logins.WithLabelValues(metrics.ResultError).Inc()
	}
	return err
}

func (s *Session) login(ctx context.Context, creds config.Credentials) error {
	s.log.Info("logging in", "email", creds.Email)

	if err := s.SetLanguage(ctx); err != nil {
		return err
	}

	page, err := s.client.get(ctx, landingPath)
	if err != nil {
		return err
	}
	token, err := ExtractLoginToken(page.Body)
	if err != nil {
		return fmt.Errorf("portal: login: %w", err)
	}

	form, err := query.Values(loginForm{
		CSRF:     token,
		Selector: "login",
		Email:    creds.Email,
		Password: creds.Password,
		Button:   "Login",
	})
	if err != nil {
		return fmt.Errorf("portal: encode login form: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", formType)
	header.Set("Origin", s.client.BaseURL())

	resp, err := s.client.do(ctx, http.MethodPost, loginPath, []byte(form.Encode()), header)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return providerError("login", resp)
	}

	ok, err := s.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthRejected
	}
	s.log.Info("logged in", "email", creds.Email)
	return nil
}

// SetLanguage switches the portal UI language for this session.
func (s *Session) SetLanguage(ctx context.Context) error {
	token, err := s.FreshMutationToken(ctx)
	if err != nil {
		return fmt.Errorf("portal: set language: %w", err)
	}

	form, err := query.Values(languageForm{Language: s.language})
	if err != nil {
		return fmt.Errorf("portal: encode language form: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", formType)
	header.Set(csrfHeader, token)

	resp, err := s.client.do(ctx, http.MethodPost, languagePath, []byte(form.Encode()), header)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return providerError("set language", resp)
	}
	return nil
}

// FreshMutationToken loads the landing page and returns its page-bound
// token. The portal only honours the token of the most recent page load, so
// it must be fetched immediately before every state-changing call.
func (s *Session) FreshMutationToken(ctx context.Context) (string, error) {
	page, err := s.client.get(ctx, landingPath)
	if err != nil {
		return "", err
	}
	return ExtractFreeToken(page.Body)
}
