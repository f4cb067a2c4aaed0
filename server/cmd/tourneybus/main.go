package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"tourney-bus/server/internal/api"
	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/config"
	"tourney-bus/server/internal/lifecycle"
	"tourney-bus/server/internal/metrics"
	"tourney-bus/server/internal/notify"
	"tourney-bus/server/internal/schedule"
	"tourney-bus/server/internal/session"
	"tourney-bus/server/internal/session/sqlite"
	"tourney-bus/server/internal/stream"
)

var logger = loggo.GetLogger("tourneybus")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr string
	flagSet := pflag.NewFlagSet("tourneybus", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file (TOURNEYBUS_* env vars override it)")
	flagSet.StringVar(&addr, "addr", "", "http listen address, overrides server.host/server.port")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingSpec()); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions, closeSessions, err := openSessions(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeSessions()

	if cfg.Storage.Schedule != "" {
		scheduled, err := schedule.Load(cfg.Storage.Schedule)
		if err != nil {
			return err
		}
		if _, err := schedule.Seed(context.Background(), sessions, scheduled); err != nil {
			return fmt.Errorf("seed sessions: %w", err)
		}
	}

	b := bus.New(
		stream.NewInMemoryStore(cfg.Bus.RecoveryBuffer, nil),
		bus.WithMetrics(collector),
		bus.WithSubscriptionBuffer(cfg.Bus.SubscriptionBuffer),
	)
	hub := notify.NewHub()
	machine, err := lifecycle.New(sessions, b, clock.WallClock, cfg.Session.Length,
		lifecycle.WithHub(hub),
		lifecycle.WithMetrics(collector),
	)
	if err != nil {
		return err
	}
	defer machine.Close()
	if _, err := machine.Resume(context.Background()); err != nil {
		return err
	}

	server, err := api.NewServer(cfg, api.Deps{
		Bus:      b,
		Sessions: sessions,
		Machine:  machine,
		Hub:      hub,
		Metrics:  collector,
		Gatherer: registry,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("tourneybus listening on %s (storage=%s, recovery buffer=%d, session length=%v)",
			addr, cfg.Storage.Driver, cfg.Bus.RecoveryBuffer, machine.SessionLength())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openSessions(cfg config.StorageConfig) (session.Store, func(), error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create storage dir: %w", err)
		}
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warningf("close session store: %v", err)
			}
		}, nil
	default:
		return session.NewInMemoryStore(), func() {}, nil
	}
}
