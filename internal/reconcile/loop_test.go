package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/portal"
)

const testInterval = time.Minute

// swapConfig stands in for the file watcher.
type swapConfig struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (s *swapConfig) Current() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *swapConfig) set(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func parseWith(extra string, interval time.Duration) (*config.Config, error) {
	doc := strings.Replace(baseConfig, "update_interval_ms: 60000", fmt.Sprintf("update_interval_ms: %d", interval.Milliseconds()), 1)
	return config.Parse([]byte(doc + extra))
}

// loopHarness runs Reconciler.Run on a fake clock.
type loopHarness struct {
	t      *testing.T
	f      *fixture
	clock  *testingclock.FakeClock
	cycles chan struct{}
	cancel context.CancelFunc
	done   chan error
}

func startLoop(t *testing.T, f *fixture) *loopHarness {
	t.Helper()
	h := &loopHarness{
		t:      t,
		f:      f,
		clock:  testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		cycles: make(chan struct{}, 16),
		done:   make(chan error, 1),
	}
	f.addresses.calls = h.cycles
	f.r.Clock = h.clock

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- f.r.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *loopHarness) stop() {
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		h.t.Error("Run did not stop after cancellation")
	}
}

// waitCycle waits for the next cycle to start.
func (h *loopHarness) waitCycle() {
	h.t.Helper()
	select {
	case <-h.cycles:
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a cycle")
	}
}

// expectNoCycle checks that no cycle starts without the clock moving.
func (h *loopHarness) expectNoCycle() {
	h.t.Helper()
	select {
	case <-h.cycles:
		h.t.Fatal("unexpected cycle")
	case <-time.After(50 * time.Millisecond):
	}
}

// waitSleeping waits until the loop blocks on the clock.
func (h *loopHarness) waitSleeping() {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !h.clock.HasWaiters() {
		if time.Now().After(deadline) {
			h.t.Fatal("loop never went to sleep")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRun_PacesToInterval(t *testing.T) {
	f := newFixture(t, "ipv6: false\n")
	h := startLoop(t, f)

	h.waitCycle()
	h.waitSleeping()
	h.expectNoCycle()

	h.clock.Step(testInterval - time.Second)
	h.expectNoCycle()

	h.clock.Step(time.Second)
	h.waitCycle()
}

func TestRun_TimeoutAddsBackoff(t *testing.T) {
	f := newFixture(t, "ipv6: false\ntimeout_backoff: 5m\nmax_backoff: 20m\n")
	f.addresses.err4 = &portal.TransportError{Op: "GET /", Err: context.DeadlineExceeded}
	h := startLoop(t, f)

	h.waitCycle()
	h.waitSleeping()
	h.clock.Step(testInterval)
	h.expectNoCycle()

	h.clock.Step(5 * time.Minute)
	h.waitCycle()

	// The second timeout in a row doubles the pause.
	h.waitSleeping()
	h.clock.Step(testInterval + 5*time.Minute)
	h.expectNoCycle()
	h.clock.Step(5 * time.Minute)
	h.waitCycle()
}

func TestRun_OtherErrorsKeepInterval(t *testing.T) {
	f := newFixture(t, "ipv6: false\n")
	f.addresses.err4 = errors.New("parse failure")
	h := startLoop(t, f)

	h.waitCycle()
	h.waitSleeping()
	h.clock.Step(testInterval)
	h.waitCycle()
}

func TestRun_LoginRejectedAddsBackoff(t *testing.T) {
	f := newFixture(t, "ipv6: false\ntimeout_backoff: 2m\n")
	f.session.authenticated = false
	f.session.loginErr = portal.ErrAuthRejected
	h := startLoop(t, f)

	h.waitCycle()
	h.waitSleeping()
	h.clock.Step(testInterval)
	h.expectNoCycle()
	h.clock.Step(2 * time.Minute)
	h.waitCycle()
}

func TestRun_SurvivesPanic(t *testing.T) {
	f := newFixture(t, "ipv6: false\n")
	f.addresses.panic4 = true
	h := startLoop(t, f)

	h.waitCycle()
	h.waitSleeping()
	h.clock.Step(testInterval)
	h.waitCycle()
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, "ipv6: false\n")
	h := startLoop(t, f)

	h.waitCycle()
	h.waitSleeping()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
		h.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_PicksUpNewConfig(t *testing.T) {
	f := newFixture(t, "ipv6: false\n")
	src := &swapConfig{cfg: f.cfg}
	f.r.Config = src
	h := startLoop(t, f)

	h.waitCycle()
	faster, err := parseWith("ipv6: false\n", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	src.set(faster)

	// The current sleep still uses the old interval.
	h.waitSleeping()
	h.clock.Step(testInterval)
	h.waitCycle()

	h.waitSleeping()
	h.clock.Step(10 * time.Second)
	h.waitCycle()
}

func TestRun_SwitchesToDNSObservation(t *testing.T) {
	f := newFixture(t, "ipv6: false\n")
	f.records.setRecord(dns.TypeA, 11, "203.0.113.9")
	f.resolver.addrs[dns.TypeA] = netip.MustParseAddr("203.0.113.9")
	src := &swapConfig{cfg: f.cfg}
	f.r.Config = src
	h := startLoop(t, f)

	h.waitCycle()
	reloaded, err := parseWith("ipv6: false\nobserve: dns\n", testInterval)
	if err != nil {
		t.Fatal(err)
	}
	src.set(reloaded)

	h.waitSleeping()
	h.clock.Step(testInterval)
	h.waitCycle()
	h.waitSleeping()

	if !slices.Contains(f.log.list(), "resolve A") {
		t.Errorf("expected the reloaded config to observe through DNS, got %v", f.log.list())
	}
	if got := f.records.lookupCount(); got != 1 {
		t.Errorf("expected only the first cycle to look up the portal record, got %d lookups", got)
	}
}

func TestReady(t *testing.T) {
	f := newFixture(t, "")
	fc := testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f.r.Clock = fc
	req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)

	if err := f.r.Ready(req); err == nil {
		t.Fatal("expected not ready before the loop starts")
	}

	f.r.started = fc.Now()
	if err := f.r.Ready(req); err == nil {
		t.Fatal("expected not ready before the first successful cycle")
	}

	f.r.markSuccess(fc.Now())
	if err := f.r.Ready(req); err != nil {
		t.Fatalf("expected ready after a success, got %v", err)
	}

	// 3 intervals + 20m max backoff (the default for a 5m timeout backoff).
	fc.Step(3*testInterval + 20*time.Minute)
	if err := f.r.Ready(req); err != nil {
		t.Fatalf("expected ready at the edge of the window, got %v", err)
	}
	fc.Step(time.Second)
	if err := f.r.Ready(req); err == nil {
		t.Fatal("expected not ready once the last success is too old")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNeedsBackoff(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("reconcile: x: %w", context.DeadlineExceeded), true},
		{"transport timeout", &portal.TransportError{Op: "GET /", Err: &url.Error{Op: "Get", URL: "/", Err: timeoutErr{}}}, true},
		{"transport refused", &portal.TransportError{Op: "GET /", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}, false},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"auth rejected", fmt.Errorf("reconcile: login: %w", portal.ErrAuthRejected), true},
		{"aggregate with timeout", utilerrors.NewAggregate([]error{errors.New("a"), context.DeadlineExceeded}), true},
		{"aggregate with rejection", utilerrors.NewAggregate([]error{fmt.Errorf("login: %w", portal.ErrAuthRejected)}), true},
		{"aggregate without", utilerrors.NewAggregate([]error{errors.New("a"), portal.ErrNotAuthenticated}), false},
		{"provider error", &portal.ProviderError{Op: "write", StatusCode: 500, Status: "500"}, false},
		{"token not found", portal.ErrTokenNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsBackoff(tt.err); got != tt.want {
				t.Errorf("needsBackoff(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
