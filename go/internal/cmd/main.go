package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/config"
	"github.com/mcdev12/sprintgates/go/internal/session"
	"github.com/mcdev12/sprintgates/go/internal/timing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	host := flag.Bool("host", false, "host a session on start")
	code := flag.String("code", "", "session code to host under, generated when empty")
	join := flag.String("join", "", "session code to join on start")
	name := flag.String("name", "", "display name for this device")
	frames := flag.String("frames", "", "directory of frames to run the motion detector on")
	httpAddr := flag.String("http", "", "address for the control API, disabled when empty")
	live := flag.Bool("live", true, "render the running stopwatch on stdout")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	if *name != "" {
		cfg.Session.DeviceName = *name
	}
	if cfg.Session.DeviceName == "" {
		cfg.Session.DeviceName = session.DeviceName()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	tr, closeTransport, err := setupTransport(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("transport", cfg.Session.Transport).Msg("failed to set up transport")
	}
	defer closeTransport()

	timingConfig := cfg.TimingConfig()
	if *live {
		screen := newDisplay(os.Stdout, clock, 100*time.Millisecond)
		timingConfig.OnStateChange = screen.StateChanged
		timingConfig.Stopwatch.OnTick = screen.Tick
	}
	machine := timing.New(clock, timingConfig)
	machine.Attach(session.NewManager(clock, tr, machine.Loop(), machine, cfg.SessionConfig()))

	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		machine.Run(ctx)
	}()

	log.Info().
		Str("device_name", cfg.Session.DeviceName).
		Str("transport", cfg.Session.Transport).
		Int("sensitivity", cfg.Detection.Sensitivity).
		Msg("device started")

	switch {
	case *join != "":
		if err := machine.Join(*join); err != nil {
			log.Error().Err(err).Str("code", *join).Msg("failed to join session")
		}
	case *host:
		assigned, err := machine.Host(*code)
		if err != nil {
			log.Error().Err(err).Msg("failed to host session")
		} else {
			log.Info().Str("code", assigned).Msg("share this code with the other devices")
		}
	}

	if *frames != "" {
		runner, err := setupDetector(clock, cfg, *frames, machine)
		if err != nil {
			log.Error().Err(err).Str("dir", *frames).Msg("motion detector unavailable, manual triggers only")
		} else {
			go func() {
				if err := runner.Run(ctx); err != nil {
					log.Error().Err(err).Msg("motion detector failed")
				}
			}()
		}
	}

	var server *http.Server
	if *httpAddr != "" {
		server = setupServer(*httpAddr, machine)
		go func() {
			log.Info().Str("addr", server.Addr).Msg("control API starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("control API failed")
			}
		}()
	}

	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		runConsole(os.Stdin, machine)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-consoleDone:
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control API shutdown failed")
		}
	}

	if err := machine.Leave(); err != nil {
		log.Warn().Err(err).Msg("failed to leave session")
	}
	cancel()
	<-machineDone
	log.Info().Msg("device shutdown complete")
}
