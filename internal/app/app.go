// Package app wires every component into one runnable daemon. Process-wide
// registries (subscription map, stream hub, notifier) hang off a single App
// value threaded through constructors; there are no hidden singletons.
package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/config"
	"github.com/ocelloids/ocnwatch/internal/httpapi"
	"github.com/ocelloids/ocnwatch/internal/matching"
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/notifier"
	"github.com/ocelloids/ocnwatch/internal/store"
	"github.com/ocelloids/ocnwatch/internal/streamhub"
	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/switchboard"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

const (
	pendingDBFile       = "pending.db"
	subscriptionsSubdir = "databases"
	subscriptionsDBFile = "subscriptions.db"
)

// Options bundles everything App cannot build itself: the chain-connectivity
// collaborator, the protocol decoders, and optional store overrides.
type Options struct {
	Config     config.Config
	Log        zerolog.Logger
	Source     chainsource.FinalizedBlockSource
	Extractors switchboard.Extractors

	// Registry overrides the topology derived from Config.Networks.
	Registry *network.Registry
	// SubscriptionStore overrides the default SQLite-backed store.
	SubscriptionStore subscription.Store
	// Telemetry lets callers share one recorder with components built
	// outside App, such as the extractors. A fresh recorder is created when
	// nil.
	Telemetry *telemetry.Recorder
}

// App owns every long-lived component of the daemon.
type App struct {
	cfg config.Config
	log zerolog.Logger

	telemetry *telemetry.Recorder
	pending   store.Store
	subStore  subscription.Store
	hub       *streamhub.Hub
	engine    *matching.Engine
	board     *switchboard.Switchboard
	notify    *notifier.Hub
	wsSink    *notifier.WebSocketSink
	webhooks  *notifier.WebhookSink
	api       *httpapi.Server
}

// New builds and wires the daemon. Start must be called to begin observing.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	log := opts.Log

	rec := opts.Telemetry
	if rec == nil {
		rec = telemetry.New(log)
	}

	pending, err := store.OpenBolt(filepath.Join(cfg.DataDir, pendingDBFile))
	if err != nil {
		return nil, errors.Wrap(err, "app: failed to open pending store")
	}

	subStore := opts.SubscriptionStore
	if subStore == nil {
		subStore, err = subscription.OpenGormStore(filepath.Join(cfg.DataDir, subscriptionsSubdir), subscriptionsDBFile)
		if err != nil {
			_ = pending.Close()
			return nil, errors.Wrap(err, "app: failed to open subscription store")
		}
	}

	registry := opts.Registry
	if registry == nil {
		registry = registryFromConfig(cfg)
	}

	hub := streamhub.New(opts.Source, log)

	notifyHub := notifier.New(rec, log)
	wsSink := notifier.NewWebSocketSink(log)
	webhooks := notifier.NewWebhookSink()
	notifyHub.On("", notifier.NewLogSink(log))
	notifyHub.On("", webhooks)
	notifyHub.On("", wsSink)

	// The engine emits back into the switchboard, which is constructed
	// after it; the closure closes over the App so the pointer is bound by
	// the time the first block arrives.
	a := &App{
		cfg:       cfg,
		log:       log,
		telemetry: rec,
		pending:   pending,
		subStore:  subStore,
		hub:       hub,
		notify:    notifyHub,
		wsSink:    wsSink,
		webhooks:  webhooks,
	}

	a.engine = matching.New(
		pending,
		func(msg xcm.NotifyMessage) { a.board.HandleWaypoint(msg) },
		rec,
		log,
		cfg.SchedulerFrequency(),
		cfg.SweepExpiry(),
	)

	a.board = switchboard.New(switchboard.Options{
		Registry:      registry,
		Hub:           hub,
		Engine:        a.engine,
		Store:         subStore,
		Extractors:    opts.Extractors,
		Notify:        notifyHub.Dispatch,
		Telemetry:     rec,
		Log:           log,
		MaxEphemeral:  cfg.SubscriptionMaxEphemeral,
		MaxPersistent: cfg.SubscriptionMaxPersistent,
		RetryBackoff:  cfg.SubErrorRetry(),
	})

	a.api = httpapi.New(cfg.HTTPPort, wsSink, log)

	return a, nil
}

// registryFromConfig builds the relay/parachain topology declared in the
// config file.
func registryFromConfig(cfg config.Config) *network.Registry {
	registry := network.NewRegistry()
	for _, n := range cfg.Networks {
		id, err := network.Parse(n.ID)
		if err != nil {
			continue
		}
		if n.Relay {
			registry.RegisterRelay(id)
			continue
		}
		if relay, err := network.Parse(n.RelayOf); err == nil {
			registry.BindParachain(id, relay)
		}
	}
	return registry
}

// Start launches the sweep loop, loads persisted subscriptions, and begins
// serving the admin surface.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start()
	if err := a.board.Start(ctx); err != nil {
		a.engine.Stop()
		return err
	}
	a.api.Start()
	a.log.Info().Msg("ocnwatch started")
	return nil
}

// Stop tears everything down in reverse dependency order.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("admin http server shutdown failed")
	}

	a.board.Stop()
	a.engine.Stop()

	if err := a.pending.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close pending store")
	}
	if err := a.subStore.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close subscription store")
	}
	a.log.Info().Msg("ocnwatch stopped")
}

// Switchboard exposes the subscription registry for callers that manage
// subscriptions programmatically.
func (a *App) Switchboard() *switchboard.Switchboard { return a.board }

// Hub exposes the per-chain stream hub, mainly for diagnostics.
func (a *App) Hub() *streamhub.Hub { return a.hub }

// Notifier exposes the notification hub for additional listeners.
func (a *App) Notifier() *notifier.Hub { return a.notify }

// Webhooks exposes the webhook sink so delivery URLs can be registered.
func (a *App) Webhooks() *notifier.WebhookSink { return a.webhooks }
