package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/pulsehub/internal/loadgen"
	"github.com/adred-codev/pulsehub/internal/monitorclient"
)

// Config mirrors loadtest/main.go's flag/env style, distinct from the
// server binary's caarlos0/env struct tags — the load generator is a
// standalone script, not a long-lived service.
type Config struct {
	WSURL   string
	AuthURL string

	NumUsers            int
	ConnectionDelaySec  float64
	DelayBeforeActions  float64
	NumActions          int
	DelayBetweenActions float64

	Channels []string
}

func main() {
	cfg := parseFlags()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	log.SetFlags(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("received shutdown signal, canceling run")
		cancel()
	}()

	accounts := buildAccountPool(cfg.NumUsers)
	tokens := &loadgen.HTTPTokenSource{BaseURL: cfg.AuthURL}

	monitorToken, err := tokens.Token(ctx, monitorclient.MonitorUsername, "monitor-password")
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor failed to acquire bearer token")
	}
	mon, err := monitorclient.Connect(ctx, monitorclient.Config{
		WSURL:  cfg.WSURL,
		Token:  monitorToken,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("monitor failed to connect")
	}
	go mon.Run(ctx)

	loadgen.Run(ctx, loadgen.Config{
		WSURL:               cfg.WSURL,
		Tokens:              tokens,
		Logger:              logger,
		TestChannels:        cfg.Channels,
		ConnectionDelay:     time.Duration(cfg.ConnectionDelaySec * float64(time.Second)),
		DelayBeforeActions:  time.Duration(cfg.DelayBeforeActions * float64(time.Second)),
		NumActions:          cfg.NumActions,
		DelayBetweenActions: time.Duration(cfg.DelayBetweenActions * float64(time.Second)),
	}, accounts)

	// All virtual-user action loops have finished; only now ask the monitor
	// to log out, per spec.md §4.6's Monitor coexistence rule.
	mon.Logout()

	summary := monitorclient.Summarize(mon.Samples())
	logger.Info().
		Int("samples", summary.SampleCount).
		Dur("p90", summary.P90).
		Dur("p95", summary.P95).
		Dur("p99", summary.P99).
		Msg("run complete")
}

func buildAccountPool(n int) []loadgen.Account {
	accounts := make([]loadgen.Account, n)
	for i := range accounts {
		accounts[i] = loadgen.Account{
			Username: fmt.Sprintf("loadtest-user-%d", i),
			Password: "loadtest-password",
		}
	}
	return accounts
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:3002/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.AuthURL, "auth-url", getEnv("URL", "http://localhost:3002"), "Auth collaborator base URL")
	flag.IntVar(&cfg.NumUsers, "users", getEnvInt("NUM_USERS", 50), "Number of virtual users")
	flag.Float64Var(&cfg.ConnectionDelaySec, "connection-delay", getEnvFloat("CONNECTION_DELAY", 0.1), "Seconds between spawning virtual users")
	flag.Float64Var(&cfg.DelayBeforeActions, "delay-before-actions", getEnvFloat("DELAY_BEFORE_ACTIONS", 1.0), "Warm-up seconds before a user's action loop starts")
	flag.IntVar(&cfg.NumActions, "num-actions", getEnvInt("NUM_ACTIONS", 20), "Actions per virtual user")
	flag.Float64Var(&cfg.DelayBetweenActions, "delay-between-actions", getEnvFloat("DELAY_BETWEEN_ACTIONS", 2.0), "Seconds slept between actions")

	channelsStr := flag.String("channels", getEnv("CHANNELS", "welcome,general,random,sports,news"), "Comma-separated test-channel pool")
	flag.Parse()

	for _, c := range strings.Split(*channelsStr, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			cfg.Channels = append(cfg.Channels, c)
		}
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
