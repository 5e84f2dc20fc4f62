// Package reconcile runs the drift detection loop: it compares the host's
// public addresses with the published A/AAAA records and corrects them
// through the portal.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/util/flowcontrol"
	"k8s.io/utils/clock"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/metrics"
)

// ErrNoResolver is returned when DNS observation is selected but the
// reconciler was built without a resolver.
var ErrNoResolver = errors.New("reconcile: observe mode dns needs a resolver")

// AddressSource discovers the desired public addresses.
type AddressSource interface {
	IPv4(ctx context.Context) (netip.Addr, error)
	IPv6(ctx context.Context) (netip.Addr, error)
}

// Session is the portal authentication state.
type Session interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	Login(ctx context.Context, creds config.Credentials) error
}

// Records reads and writes the managed records at the provider.
type Records interface {
	Lookup(ctx context.Context, creds config.Credentials, domain dns.Domain, t dns.RecordType) (*dns.DomainRecord, error)
	Upsert(ctx context.Context, creds config.Credentials, domain dns.Domain, rec dns.DomainRecord, addr netip.Addr) error
}

// Resolver returns the address published in public DNS.
type Resolver interface {
	Resolve(ctx context.Context, host string, t dns.RecordType) (netip.Addr, bool, error)
}

// ConfigSource hands out the configuration snapshot for the next cycle.
type ConfigSource interface {
	Current() *config.Config
}

// Reconciler keeps the managed records in line with the public addresses.
// Cycles never overlap; the portal session is not safe for concurrent use.
type Reconciler struct {
	Config    ConfigSource
	Addresses AddressSource
	Session   Session
	Records   Records
	Resolver  Resolver // used when observing through DNS
	Log       logr.Logger
	Clock     clock.Clock

	cycleMu     sync.Mutex
	cache       addressCache
	backoff     *flowcontrol.Backoff
	backoffCfg  [2]time.Duration
	mu          sync.Mutex
	started     time.Time
	lastSuccess time.Time
}

func (r *Reconciler) clock() clock.Clock {
	if r.Clock == nil {
		return clock.RealClock{}
	}
	return r.Clock
}

// Cycle runs one reconciliation pass against cfg. Failures for A and AAAA are
// independent and returned together.
func (r *Reconciler) Cycle(ctx context.Context, cfg *config.Config) error {
	_, err := r.cycle(ctx, cfg)
	return err
}

// cycle is Cycle, also reporting whether any record was written.
func (r *Reconciler) cycle(ctx context.Context, cfg *config.Config) (bool, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	summary := &cycleSummary{ID: uuid.NewString(), Domain: cfg.Domain.Name, Observe: cfg.Observe}
	log := r.Log.WithValues("cycle", summary.ID, "domain", cfg.Domain.Name)
	domain := cfg.ManagedDomain()

	if cfg.ManageIPv4() {
		summary.Families = append(summary.Families, &familyResult{Type: dns.TypeA})
	}
	if cfg.ManageIPv6() {
		summary.Families = append(summary.Families, &familyResult{Type: dns.TypeAAAA})
	}

	var errs []error
	drift := false
	for _, f := range summary.Families {
		if err := r.observe(ctx, log, cfg, domain, f); err != nil {
			f.Action, f.Err = actionFailed, err
			errs = append(errs, err)
			continue
		}
		drift = drift || f.drift
	}

	if drift {
		if err := r.ensureSession(ctx, log, cfg.Credentials); err != nil {
			errs = append(errs, err)
			for _, f := range summary.Families {
				if f.drift {
					f.Action, f.Err = actionFailed, err
				}
			}
		} else {
			for _, f := range summary.Families {
				if !f.drift {
					continue
				}
				if err := r.write(ctx, log, cfg, domain, f); err != nil {
					f.Action, f.Err = actionFailed, err
					errs = append(errs, err)
				}
			}
		}
	}

	if log.V(1).Enabled() {
		log.V(1).Info("cycle finished\n" + formatCycle(summary))
	}
	changed := false
	for _, f := range summary.Families {
		changed = changed || f.Action == actionCreated || f.Action == actionUpdated
	}
	return changed, utilerrors.NewAggregate(errs)
}

// observe fills in the desired and observed address of f and decides whether
// the record drifted.
func (r *Reconciler) observe(ctx context.Context, log logr.Logger, cfg *config.Config, domain dns.Domain, f *familyResult) error {
	desired, err := r.desired(ctx, f.Type)
	if err != nil {
		return fmt.Errorf("reconcile: discover public %s address: %w", f.Type, err)
	}
	f.Desired = desired

	if r.cache.fresh(domain.FQDN, f.Type, desired, r.clock().Now()) {
		f.Observed, f.Action = desired, actionCached
		log.V(1).Info("address written recently, skipping lookup", "type", f.Type, "address", desired)
		return nil
	}

	switch cfg.Observe {
	case config.ObserveDNS:
		if r.Resolver == nil {
			return ErrNoResolver
		}
		addr, found, err := r.Resolver.Resolve(ctx, domain.FQDN, f.Type)
		if err != nil {
			return fmt.Errorf("reconcile: resolve %s %s: %w", f.Type, domain.FQDN, err)
		}
		if found {
			f.Observed = addr
		}
	default:
		rec, err := r.Records.Lookup(ctx, cfg.Credentials, domain, f.Type)
		if err != nil {
			return fmt.Errorf("reconcile: look up %s record: %w", f.Type, err)
		}
		if rec != nil {
			f.record = rec
			f.Observed = rec.Address
		}
	}

	if f.Observed == desired {
		f.Action = actionNone
		log.V(1).Info("record up to date", "type", f.Type, "address", desired)
		return nil
	}
	f.drift = true
	log.Info("drift detected", "type", f.Type, "desired", desired, "observed", addrOrDash(f.Observed))
	return nil
}

func (r *Reconciler) desired(ctx context.Context, t dns.RecordType) (netip.Addr, error) {
	if t == dns.TypeAAAA {
		return r.Addresses.IPv6(ctx)
	}
	return r.Addresses.IPv4(ctx)
}

// ensureSession logs in when the probe reports no session, so that no write
// is attempted unauthenticated.
func (r *Reconciler) ensureSession(ctx context.Context, log logr.Logger, creds config.Credentials) error {
	ok, err := r.Session.IsAuthenticated(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: probe session: %w", err)
	}
	if ok {
		return nil
	}
	log.Info("not logged in, logging in before writing")
	if err := r.Session.Login(ctx, creds); err != nil {
		return fmt.Errorf("reconcile: login: %w", err)
	}
	return nil
}

// write creates or updates the record of f with the desired address.
func (r *Reconciler) write(ctx context.Context, log logr.Logger, cfg *config.Config, domain dns.Domain, f *familyResult) error {
	rec := f.record
	if rec == nil && cfg.Observe == config.ObserveDNS {
		// DNS only gave us the address; the record id comes from the portal.
		var err error
		if rec, err = r.Records.Lookup(ctx, cfg.Credentials, domain, f.Type); err != nil {
			return fmt.Errorf("reconcile: look up %s record: %w", f.Type, err)
		}
		if rec != nil && rec.Address == f.Desired {
			// Published but not yet visible in DNS.
			f.Action = actionNone
			r.cache.store(domain.FQDN, f.Type, f.Desired, r.clock().Now(), cfg.AddressCacheGrace())
			return nil
		}
	}
	if rec == nil {
		rec = &dns.DomainRecord{Type: f.Type}
	}

	action := actionUpdated
	if !rec.Exists() {
		action = actionCreated
	}
	log.Info("writing record", "type", f.Type, "address", f.Desired, "action", action, "record", rec.String())

	if err := r.Records.Upsert(ctx, cfg.Credentials, domain, *rec, f.Desired); err != nil {
		metrics.RecordWrites.WithLabelValues(string(f.Type), metrics.ResultError).Inc()
		r.cache.forget(domain.FQDN, f.Type)
		return fmt.Errorf("reconcile: write %s record: %w", f.Type, err)
	}
	metrics.RecordWrites.WithLabelValues(string(f.Type), metrics.ResultSuccess).Inc()
	r.cache.store(domain.FQDN, f.Type, f.Desired, r.clock().Now(), cfg.AddressCacheGrace())
	f.Action = action
	return nil
}
