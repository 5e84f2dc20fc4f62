package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/metrics"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/portal"
)

const (
	backoffKey = "cycle"

	// readyIntervals is how many intervals may pass without a successful
	// cycle before the daemon reports itself not ready.
	readyIntervals = 3
)

// Run executes cycles until ctx is cancelled. Each cycle starts one interval
// after the previous one started; timeouts and refused logins add an extra
// pause that grows while they keep happening.
func (r *Reconciler) Run(ctx context.Context) error {
	clk := r.clock()
	r.mu.Lock()
	r.started = clk.Now()
	r.mu.Unlock()

	r.Log.Info("starting reconcile loop")
	for {
		start := clk.Now()
		cfg := r.Config.Current()

		err := r.safeCycle(ctx, cfg)
		if ctx.Err() != nil {
			r.Log.Info("stopping reconcile loop")
			return nil
		}

		delay := cfg.Interval() - clk.Since(start)
		backoff := r.backoffFor(cfg)
		switch {
		case err == nil:
			backoff.Reset(backoffKey)
			r.markSuccess(clk.Now())
		case needsBackoff(err):
			backoff.Next(backoffKey, clk.Now())
			extra := backoff.Get(backoffKey)
			delay += extra
			metrics.Cycles.WithLabelValues(metrics.ResultTimeout).Inc()
			r.Log.Error(err, "cycle failed, backing off", "extraDelay", extra.String())
		default:
			metrics.Cycles.WithLabelValues(metrics.ResultError).Inc()
			r.Log.Error(err, "cycle failed")
		}

		if delay < 0 {
			delay = 0
		}
		select {
		case <-ctx.Done():
			r.Log.Info("stopping reconcile loop")
			return nil
		case <-clk.After(delay):
		}
	}
}

// safeCycle runs Cycle and turns a panic into an error.
func (r *Reconciler) safeCycle(ctx context.Context, cfg *config.Config) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.Log.Info("recovered from panic in cycle", "stack", string(debug.Stack()))
			err = fmt.Errorf("reconcile: cycle panicked: %v", p)
		}
	}()
	changed, err := r.cycle(ctx, cfg)
	switch {
	case err != nil:
	case changed:
		metrics.Cycles.WithLabelValues(metrics.ResultSuccess).Inc()
	default:
		metrics.Cycles.WithLabelValues(metrics.ResultNoop).Inc()
	}
	return err
}

// backoffFor returns the extra-delay tracker, rebuilt when the configured
// bounds change.
func (r *Reconciler) backoffFor(cfg *config.Config) *flowcontrol.Backoff {
	bounds := [2]time.Duration{time.Duration(cfg.TimeoutBackoff), time.Duration(cfg.MaxBackoff)}
	if r.backoff == nil || r.backoffCfg != bounds {
		r.backoff = flowcontrol.NewBackOff(bounds[0], bounds[1])
		r.backoff.Clock = r.clock()
		r.backoffCfg = bounds
	}
	return r.backoff
}

func (r *Reconciler) markSuccess(now time.Time) {
	r.mu.Lock()
	r.lastSuccess = now
	r.mu.Unlock()
	metrics.LastSuccess.Set(float64(now.Unix()))
}

// Ready is a readiness check: it fails when no cycle succeeded within the
// last few intervals plus the maximum backoff.
func (r *Reconciler) Ready(_ *http.Request) error {
	cfg := r.Config.Current()
	window := readyIntervals*cfg.Interval() + time.Duration(cfg.MaxBackoff)

	r.mu.Lock()
	last, started := r.lastSuccess, r.started
	r.mu.Unlock()

	switch {
	case started.IsZero():
		return errors.New("reconcile loop not started")
	case last.IsZero():
		return errors.New("no successful cycle yet")
	}
	if age := r.clock().Since(last); age > window {
		return fmt.Errorf("last successful cycle %s ago", age.Truncate(time.Second))
	}
	return nil
}

// needsBackoff reports whether err warrants the extra pause: a timeout
// anywhere in the cycle, or a login the portal refused.
func needsBackoff(err error) bool {
	return isTimeout(err) || errors.Is(err, portal.ErrAuthRejected)
}

func isTimeout(err error) bool {
	var agg utilerrors.Aggregate
	if errors.As(err, &agg) {
		for _, e := range agg.Errors() {
			if isTimeout(e) {
				return true
			}
		}
		return false
	}
	var terr *portal.TransportError
	if errors.As(err, &terr) {
		return terr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded) || utilnet.IsTimeout(err)
}
