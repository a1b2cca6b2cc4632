package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/pulsehub/internal/auth"
	"github.com/adred-codev/pulsehub/internal/batcher"
	"github.com/adred-codev/pulsehub/internal/config"
	"github.com/adred-codev/pulsehub/internal/hub"
	"github.com/adred-codev/pulsehub/internal/logging"
	"github.com/adred-codev/pulsehub/internal/metrics"
	"github.com/adred-codev/pulsehub/internal/store"
	"github.com/adred-codev/pulsehub/internal/telemetry"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	authMgr := auth.NewManager(cfg.JWTSecret)
	tel := telemetry.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// h is constructed below; the closure defers the ActiveConnections call
	// until after assignment, breaking the Hub/Batcher construction cycle.
	var h *hub.Hub
	b := batcher.New(st, logger, func() int { return h.ActiveConnections() }, cfg.CachedMessageUploadTimer)

	h = hub.New(ctx, logger, st, authMgr, b, tel, hub.Config{
		SendQueueSize:        cfg.SendQueueSize,
		SendTimeout:          cfg.BroadcastSendTimeout,
		InboundRateBurst:     cfg.InboundRateBurst,
		InboundRatePerSecond: cfg.InboundRatePerSec,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"alive"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		health := st.HealthCheck(r.Context())
		if health.OK {
			w.Write([]byte(`{"status":"ready"}`))
			return
		}
		w.Write([]byte(`{"status":"` + health.Detail + `"}`))
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("pulsehub server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	b.Stop(shutdownCtx)
	server.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
}
