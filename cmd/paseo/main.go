// Package main is the entry point for the paseo daemon. One process owns the
// agent supervisor, the timeline engine, persistence under PASEO_HOME, and the
// WebSocket ingress (direct listener plus optional relay tunnel).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paseo-dev/paseo/internal/agent"
	"github.com/paseo-dev/paseo/internal/bridge"
	"github.com/paseo-dev/paseo/internal/checkout"
	"github.com/paseo-dev/paseo/internal/common/config"
	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/internal/notify"
	"github.com/paseo-dev/paseo/internal/provider"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/internal/terminal"
	"github.com/paseo-dev/paseo/internal/timeline"
	"github.com/paseo-dev/paseo/internal/transport"
)

// version is stamped at build time.
var version = "dev"

// Exit codes. Bind conflicts and corrupt persistence get distinct codes so
// supervisors can tell "another daemon is running" from "the store is broken".
const (
	exitFatal        = 1
	exitBindConflict = 2
	exitCorruptStore = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flagHome       = flag.String("home", "", "daemon home directory (default $PASEO_HOME or ~/.paseo)")
		flagListen     = flag.String("listen", "", "listen address, host:port or unix:/path")
		flagRelay      = flag.String("relay", "", "relay endpoint wss URL; enables the relay tunnel")
		flagConfig     = flag.String("config", "", "config directory (default the home directory)")
		flagPrintOffer = flag.Bool("print-offer", false, "print the pairing offer URL and exit")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatal
	}

	// Flags win over env and file.
	if *flagHome != "" {
		cfg.Home = *flagHome
	}
	if *flagListen != "" {
		cfg.Listen = *flagListen
	}
	if *flagRelay != "" {
		cfg.Relay.Endpoint = *flagRelay
		cfg.Relay.Enabled = true
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFatal
	}
	defer log.Sync()
	logger.SetDefault(log)

	st, err := store.Open(cfg.Home, log)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeCorruptTimeline {
			log.Error("persistence is corrupt", zap.String("home", cfg.Home), zap.Error(err))
			return exitCorruptStore
		}
		log.Error("cannot open store", zap.String("home", cfg.Home), zap.Error(err))
		return exitFatal
	}
	defer st.Close()

	identity, err := transport.LoadIdentity(st)
	if err != nil {
		log.Error("cannot load daemon identity", zap.Error(err))
		return exitFatal
	}

	offer := identity.OfferURL(cfg.Pairing.AppBaseURL)
	if *flagPrintOffer {
		fmt.Println(offer)
		return 0
	}

	log.Info("starting paseo daemon",
		zap.String("version", version),
		zap.String("home", cfg.Home),
		zap.String("server_id", identity.ServerID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Error("cannot connect to NATS", zap.String("url", cfg.NATS.URL), zap.Error(err))
			return exitFatal
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	registry := provider.NewRegistry(
		provider.NewClaudeProvider("", log),
		provider.NewCodexProvider("", log),
	)

	engine := timeline.NewEngine(st, log)
	manager := agent.NewManager(registry, engine, st, eventBus, log)
	if err := manager.Restore(ctx); err != nil {
		log.Error("cannot restore agents", zap.Error(err))
		return exitFatal
	}
	defer manager.Close()

	checkouts := checkout.NewService(log)
	defer checkouts.Close()
	terminals := terminal.NewService(log)
	defer terminals.CloseAll()

	b := bridge.NewBridge(manager, engine, eventBus, checkouts, terminals, cfg.Session, log)
	defer b.CloseAll()

	dispatcher := notify.NewDispatcher(b, nil, b.Staleness(), log)
	if err := dispatcher.Start(eventBus); err != nil {
		log.Error("cannot start notification dispatcher", zap.Error(err))
		return exitFatal
	}
	defer dispatcher.Stop()

	pairings, err := transport.LoadPairings(st, log)
	if err != nil {
		log.Error("cannot load pairings", zap.Error(err))
		return exitFatal
	}

	server := transport.NewServer(cfg, b, identity, version, log)

	fmt.Println(offer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })
	if cfg.Relay.Enabled {
		relay := transport.NewRelayClient(cfg, b, identity, pairings, version, log)
		group.Go(func() error { return relay.Run(groupCtx) })
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, transport.ErrBindConflict) {
			log.Error("listen address already in use", zap.String("listen", cfg.Listen))
			return exitBindConflict
		}
		log.Error("daemon failed", zap.Error(err))
		return exitFatal
	}

	log.Info("paseo daemon stopped")
	return 0
}
