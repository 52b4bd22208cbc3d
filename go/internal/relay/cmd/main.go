package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/config"
	"github.com/mcdev12/sprintgates/go/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	relayConfig := cfg.RelayConfig()
	log.Info().
		Str("port", cfg.Relay.Port).
		Dur("ping_interval", relayConfig.PingInterval).
		Dur("stale_after", relayConfig.StaleAfter).
		Msg("starting sprint relay")

	service := relay.NewService(clockwork.NewRealClock(), relayConfig)

	mux := http.NewServeMux()
	mux.Handle("/", service.Handler())
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := service.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":     "sprint-relay",
			"connections": stats["total_connections"],
			"registered":  stats["registered"],
		})
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Relay.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		service.Start(ctx)
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Hijacked websocket conns are not tracked by Shutdown.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	<-serviceDone

	log.Info().Msg("sprint relay shutdown complete")
}
