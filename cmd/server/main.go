package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voip-ivr/ivr-handler/internal/ari"
	"github.com/voip-ivr/ivr-handler/internal/callstats"
	"github.com/voip-ivr/ivr-handler/internal/config"
	"github.com/voip-ivr/ivr-handler/internal/dispatch"
	"github.com/voip-ivr/ivr-handler/internal/health"
	"github.com/voip-ivr/ivr-handler/internal/logging"
	"github.com/voip-ivr/ivr-handler/internal/menu"
	"github.com/voip-ivr/ivr-handler/internal/metrics"
	"github.com/voip-ivr/ivr-handler/internal/mock"
	"github.com/voip-ivr/ivr-handler/internal/notify"
	"github.com/voip-ivr/ivr-handler/internal/retry"
	"github.com/voip-ivr/ivr-handler/internal/session"
	"github.com/voip-ivr/ivr-handler/internal/supervisor"
	"github.com/voip-ivr/ivr-handler/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Simulate a switch instead of connecting to one")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override operator API port")
	flag.Parse()

	if err := run(*configPath, *port, *mockMode); err != nil {
		fmt.Fprintf(os.Stderr, "ivr-handler: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, port int, mockMode bool) error {
	started := time.Now()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tree := menu.Default()
	if cfg.Menu.File != "" {
		if tree, err = menu.Load(cfg.Menu.File); err != nil {
			return fmt.Errorf("load menu: %w", err)
		}
	}
	logger.Info("menu loaded", "file", cfg.Menu.File, "nodes", tree.Len())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	tracker := health.NewTracker(cfg.Server.HealthThreshold, health.EventStream, health.ControlAPI, health.Notifier)

	registry := session.NewRegistry(logger)
	broadcaster := ws.NewBroadcaster(registry, cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, cfg.Server.MaxConnections, logger)
	defer broadcaster.Stop()
	broadcaster.SetPrivacyFilter(cfg.Privacy.NewPrivacyFilter())

	var stats *callstats.Tracker
	if cfg.Stats.Enabled {
		store := callstats.NewStore(cfg.Stats.Dir)
		if stats, err = callstats.NewTracker(store, cfg.Stats.SaveInterval, logger); err != nil {
			return fmt.Errorf("load call stats: %w", err)
		}
		logger.Info("call stats enabled", "path", store.Path())
	}
	registry.SetHook(func(ev session.Event) {
		broadcaster.Observe(ev)
		if stats != nil {
			stats.Observe(ev)
		}
	})

	var (
		source     supervisor.Source
		controller ari.Controller
	)
	if mockMode {
		logger.Info("starting in mock mode")
		gen := mock.NewGenerator(0, logger)
		source, controller = gen, gen
	} else {
		sw := cfg.Switch
		stream := ari.NewStream(ari.StreamConfig{
			URL:             ari.EventsURL(sw.Host, sw.Port, sw.TLS, sw.User, sw.Password, sw.App),
			ReconnectBase:   sw.ReconnectBase,
			ReconnectMax:    sw.ReconnectMax,
			ConnectAttempts: sw.ConnectAttempts,
		}, logger, m, tracker)
		if err := stream.Connect(ctx); err != nil {
			return err
		}
		source = stream
		controller = ari.NewControl(ari.ControlConfig{
			Host:               sw.Host,
			Port:               sw.Port,
			TLS:                sw.TLS,
			User:               sw.User,
			Password:           sw.Password,
			Timeout:            sw.RequestTimeout,
			InsecureSkipVerify: sw.InsecureSkipVerify,
			ForwardEndpoint:    sw.ForwardEndpoint,
		})
	}

	policy := retry.DefaultConfig()
	policy.MaxAttempts = cfg.Switch.ActionAttempts
	executor := ari.NewExecutor(controller, policy, logger, m, tracker)

	notifier := notify.New(notify.Config{
		URL:           cfg.Notify.URL,
		APIKey:        cfg.Notify.APIKey,
		Timeout:       cfg.Notify.Timeout,
		RatePerSecond: cfg.Notify.RatePerSecond,
		QueueSize:     cfg.Queues.NotifySize,
	}, logger, m, tracker)

	dispatcher := dispatch.New(tree, registry, executor, notifier, dispatch.Config{
		DefaultPrompt: cfg.Menu.DefaultPrompt,
		GreetOnStart:  cfg.Menu.GreetOnStart,
	}, logger, m)

	sup := supervisor.New(source, dispatcher, notifier, cfg.Queues.InboundSize, logger)

	api := ws.NewServer(registry, broadcaster, tracker, m.Handler(), cfg.Server.AllowedOrigins, cfg.Server.AuthToken, logger)
	api.SetStatsTracker(stats)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return ws.ListenAndServe(gctx, addr, api.Handler(), logger) })
	if stats != nil {
		g.Go(func() error { return stats.Run(gctx) })
	}

	err = g.Wait()
	if err != nil {
		logger.Error("shutting down on error", "error", err)
		return err
	}
	logger.Info("shut down", "active_sessions", registry.Len(), "uptime", time.Since(started).Round(time.Second))
	return nil
}
