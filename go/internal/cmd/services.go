package main

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/config"
	"github.com/mcdev12/sprintgates/go/internal/detector"
	"github.com/mcdev12/sprintgates/go/internal/timing"
	"github.com/mcdev12/sprintgates/go/internal/transport"
	"github.com/mcdev12/sprintgates/go/internal/transport/memory"
	"github.com/mcdev12/sprintgates/go/internal/transport/natsbus"
	"github.com/mcdev12/sprintgates/go/internal/transport/wsrelay"
	"github.com/rs/zerolog/log"
)

func setupTransport(cfg *config.Config) (transport.Transport, func(), error) {
	switch cfg.Session.Transport {
	case config.TransportRelay:
		log.Info().Str("relay_url", cfg.Session.RelayURL).Msg("using relay transport")
		return wsrelay.New(cfg.Session.RelayURL), func() {}, nil

	case config.TransportNATS:
		natsConfig := natsbus.DefaultConfig()
		natsConfig.URL = cfg.Session.NATSURL
		tr, err := natsbus.Connect(natsConfig)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("nats_url", cfg.Session.NATSURL).Msg("using NATS transport")
		return tr, func() {
			if err := tr.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close NATS connection")
			}
		}, nil

	case config.TransportMemory:
		log.Warn().Msg("using in-process transport, only standalone runs are possible")
		return memory.NewHub(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Session.Transport)
	}
}

func setupDetector(clock clockwork.Clock, cfg *config.Config, dir string, machine *timing.Machine) (*detector.Runner, error) {
	source, err := detector.NewSequenceSource(dir, true)
	if err != nil {
		return nil, err
	}

	layout := detector.NewTripleBeam()
	layout.SetPosition(cfg.Detection.BeamPosition)

	var lastActivity time.Time
	return detector.NewRunner(clock, detector.New(cfg.DetectorConfig()), source, layout, detector.RunnerConfig{
		FrameInterval: cfg.Detection.FrameInterval,
		Active:        machine.AcceptsTriggers,
		OnTrigger:     machine.Trigger,
		OnResult: func(res detector.Result) {
			if clock.Since(lastActivity) < time.Second {
				return
			}
			lastActivity = clock.Now()
			log.Debug().
				Float64("activity", res.Activity).
				Float64("threshold", res.Threshold).
				Msg("detector activity")
		},
	}), nil
}
