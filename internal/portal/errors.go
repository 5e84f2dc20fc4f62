package portal

import (
	"context"
	"errors"
	"fmt"

	utilnet "k8s.io/apimachinery/pkg/util/net"
)

var (
	// ErrTokenNotFound means an expected CSRF marker was missing from a page,
	// either because the portal layout changed or an error page came back.
	ErrTokenNotFound = errors.New("portal: csrf token not found")
	// ErrAuthRejected means the login request went through but the portal
	// still serves the logged-out page afterwards.
	ErrAuthRejected = errors.New("portal: login rejected")
	// ErrNotAuthenticated means an operation found no valid session.
	ErrNotAuthenticated = errors.New("portal: not authenticated")
	// ErrDomainNotFound means the account does not list the managed base domain.
	ErrDomainNotFound = errors.New("portal: domain not found in account")
)

// TransportError wraps a failure to get any response from the portal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("portal: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline rather than a refused or
// broken connection.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded) || utilnet.IsTimeout(e.Err)
}

// ProviderError is a non-success HTTP status returned by the portal.
type ProviderError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("portal: %s returned %s", e.Op, e.Status)
	}
	return fmt.Sprintf("portal: %s returned %s: %s", e.Op, e.Status, e.Body)
}
