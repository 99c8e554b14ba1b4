// Command coordinatord runs the session coordination server: it accepts
// WebSocket connections, dispatches inbound events against the session
// registry, leader-role manager, transport engine, and clock-sync engine,
// and exposes health/metrics over a separate HTTP listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/agent-racer/coordinator/internal/config"
	"github.com/agent-racer/coordinator/internal/dispatch"
	"github.com/agent-racer/coordinator/internal/registry"
	"github.com/agent-racer/coordinator/internal/role"
	"github.com/agent-racer/coordinator/internal/store"
	"github.com/agent-racer/coordinator/internal/syncengine"
	"github.com/agent-racer/coordinator/internal/telemetry"
	"github.com/agent-racer/coordinator/internal/transport"
	"github.com/agent-racer/coordinator/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to XDG config dir)")
	port := flag.Int("port", 0, "override server port")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	backend := store.NewManager(cfg.Backend, log)
	defer backend.Close()

	reg := registry.New(registry.Config{
		DefaultMaxMembers: cfg.Session.DefaultMaxMembers,
		IdleTTL:           cfg.Session.IdleTTL,
		SweepInterval:     cfg.Session.SweepInterval,
		EmptyGraceTTL:     cfg.Session.EmptyGraceTTL,
	}, backend.Current, log)

	roleMgr := role.New(backend.Current, log)

	transportEngine := transport.New(transport.Config{
		TickPeriod: cfg.Transport.TickPeriod,
		MinTempo:   cfg.Transport.MinTempo,
		MaxTempo:   cfg.Transport.MaxTempo,
	}, backend.Current, log)

	syncEngine := syncengine.New(syncengine.Config{
		ProbeCount:        cfg.Sync.ProbeCount,
		ProbeInterval:     cfg.Sync.ProbeInterval,
		DriftThresholdMs:  cfg.Sync.DriftThresholdMs,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Sync.HeartbeatTimeout,
	}, log)

	hub := ws.NewHub(log)
	limiter := dispatch.NewRateLimiter(cfg.RateLimit)
	dispatcher := dispatch.New(reg, roleMgr, transportEngine, syncEngine, hub, limiter, log)
	transportEngine.OnPosition(dispatcher.OnTick)

	telemetryBus := telemetry.New(telemetry.Config{}, hub, backend, log)
	dispatcher.OnObserve(telemetryBus.Observe)

	server := ws.NewServer(cfg.Server, hub, dispatcher, log)
	server.OnConnect(func(c *ws.Conn) {
		syncEngine.OnConnect(c.ConnectionID)
		c.OnPongRTT(func(rttMs int64) {
			syncEngine.RecordHeartbeatRTT(c.ConnectionID, rttMs)
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); reg.Start(ctx) }()
	go func() { defer wg.Done(); transportEngine.Start(ctx) }()
	telemetryBus.Start(ctx)

	wsMux := http.NewServeMux()
	server.SetupRoutes(wsMux)
	wsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: wsMux,
	}

	metricsMux := chi.NewRouter()
	telemetryBus.Routes(metricsMux)
	metricsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: metricsMux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received, draining")
		cancel()
		reg.Stop()
		transportEngine.Close()
		telemetryBus.Close()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
		defer drainCancel()
		if err := wsServer.Shutdown(drainCtx); err != nil {
			log.Warn().Err(err).Msg("ws server did not drain cleanly")
		}
		if err := metricsServer.Shutdown(drainCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server did not drain cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", metricsServer.Addr).Msg("telemetry listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	log.Info().Str("addr", wsServer.Addr).Str("backend", string(backend.Kind())).Msg("coordinator listening")
	if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}

	wg.Wait()
}
