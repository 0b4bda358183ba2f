package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/connectpng/roadmon/internal/cache"
	"github.com/connectpng/roadmon/internal/ledger"
	"github.com/connectpng/roadmon/internal/notify"
	"github.com/connectpng/roadmon/internal/realtime"
	"github.com/connectpng/roadmon/internal/store"
)

// app bundles the local store and everything built on it.
type app struct {
	store   *store.SQLite
	cache   *cache.Cache
	ledger  *ledger.Ledger
	service *realtime.Service
}

type appOptions struct {
	// online connects to the relay; otherwise the service stays local.
	online   bool
	notifier notify.Notifier
}

// openApp opens the local cache database and wires the sync service.
func openApp(opts appOptions) (*app, error) {
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	c := cache.New(st, logs.Logger("cache"))
	l := ledger.New(st, cfg.LedgerPolicy, logs.Logger("ledger"))

	sc := realtime.DefaultConfig()
	sc.Logger = logs.Logger("realtime")
	sc.Reconnect = realtime.Backoff{
		Delay:       cfg.ReconnectDelay,
		Multiplier:  cfg.ReconnectMultiplier,
		MaxDelay:    cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}
	sc.ResyncInterval = cfg.ResyncInterval
	sc.Deliverer = newDeliverer()
	sc.Notifier = opts.notifier
	if opts.online {
		sc.Endpoints = cfg.Endpoints()
	}

	svc, err := realtime.New(c, l, sc)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{store: st, cache: c, ledger: l, service: svc}, nil
}

// newDeliverer returns the HTTP resync deliverer, or nil when no API URL is
// configured.
func newDeliverer() ledger.Deliverer {
	if cfg.ResyncURL == "" {
		return nil
	}
	d := ledger.NewHTTPDeliverer(cfg.ResyncURL, cfg.ResyncTimeout)
	d.Token = cfg.Token
	return d
}

// Close stops the service and closes the store.
func (a *app) Close() error {
	if err := a.service.Stop(); err != nil {
		return err
	}
	return a.store.Close()
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
