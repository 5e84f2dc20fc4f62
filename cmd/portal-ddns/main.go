package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/config"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns/resolver"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/portal"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/publicip"
	"github.com/yuriy-kovalchuk/portal-ddns/internal/reconcile"
)

var Version = "dev"

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath  string
	envFile     string
	metricsAddr string
	probeAddr   string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to the YAML config file (default $CONFIG_PATH or configs/portal-ddns.yaml).")
	flag.StringVar(&o.envFile, "env-file", ".env", "Optional dotenv file loaded before the config.")
	flag.StringVar(&o.metricsAddr, "metrics-bind-address", ":9090", "Address the metrics endpoint binds to. \"0\" disables it.")
	flag.StringVar(&o.probeAddr, "health-probe-bind-address", ":8081", "Address the health probe endpoint binds to. \"0\" disables it.")
	zopts := zap.Options{
		Development: true,
	}
	zopts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zopts)))

	if err := run(ctrl.SetupSignalHandler(), o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	log := ctrl.Log.WithName("setup")

	log.Info("starting portal-ddns", "version", Version, "headerSet", portal.HeaderSetVersion)

	if err := godotenv.Load(o.envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unable to load env file %s: %w", o.envFile, err)
		}
	} else {
		log.Info("loaded env file", "path", o.envFile)
	}

	configPath := o.configPath
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "configs/portal-ddns.yaml"
	}
	watcher, err := config.NewWatcher(configPath, ctrl.Log.WithName("config"))
	if err != nil {
		return fmt.Errorf("unable to load config: %w", err)
	}
	cfg := watcher.Current()
	log.Info("loaded config", "path", configPath, "domain", cfg.Domain.Name, "observe", cfg.Observe,
		"interval", cfg.Interval().String(), "ipv4", cfg.ManageIPv4(), "ipv6", cfg.ManageIPv6())

	client, err := portal.NewClient(ctrl.Log.WithName("portal"), cfg.Portal)
	if err != nil {
		return fmt.Errorf("unable to create portal client: %w", err)
	}
	session := portal.NewSession(ctrl.Log.WithName("portal"), client, cfg.Portal.Language)

	addresses, err := publicip.NewSource(ctrl.Log.WithName("publicip"), cfg.PublicIP, cfg.Portal.Timeout())
	if err != nil {
		return fmt.Errorf("unable to create public IP source: %w", err)
	}

	reconciler := &reconcile.Reconciler{
		Config:    watcher,
		Addresses: addresses,
		Session:   session,
		Records:   portal.NewRepository(ctrl.Log.WithName("portal"), client, session),
		Resolver:  resolver.New(ctrl.Log.WithName("resolver"), cfg.Resolver),
		Log:       ctrl.Log.WithName("reconcile"),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })

	if o.probeAddr != "0" {
		probes := http.NewServeMux()
		healthzHandler := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
		readyzHandler := &healthz.Handler{Checks: map[string]healthz.Checker{"reconcile": reconciler.Ready}}
		probes.Handle("/healthz", http.StripPrefix("/healthz", healthzHandler))
		probes.Handle("/healthz/", http.StripPrefix("/healthz", healthzHandler))
		probes.Handle("/readyz", http.StripPrefix("/readyz", readyzHandler))
		probes.Handle("/readyz/", http.StripPrefix("/readyz", readyzHandler))
		g.Go(func() error { return serve(ctx, "health probes", o.probeAddr, probes) })
	}
	if o.metricsAddr != "0" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
		g.Go(func() error { return serve(ctx, "metrics", o.metricsAddr, metricsMux) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon exited with error: %w", err)
	}
	log.Info("shut down")
	return nil
}

// serve runs an HTTP server until ctx is done.
func serve(ctx context.Context, name, addr string, handler http.Handler) error {
	log := ctrl.Log.WithName("setup")
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "name", name, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	return nil
}
