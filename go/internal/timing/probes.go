package timing

import (
	"time"

	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/protocol"
	"github.com/mcdev12/sprintgates/go/internal/schedule"
	"github.com/rs/zerolog/log"
)

// refreshProbes keeps exactly one probe task running on a host with peers,
// at the fast cadence while calibrating and the slow one otherwise.
func (m *Machine) refreshProbes() {
	if m.session == nil || !m.isHost() || m.session.PeerCount() == 0 {
		m.stopProbes()
		return
	}

	interval := m.config.Probes.For(m.state == models.AppStateCalibrating)
	if m.probes != nil && m.probeInterval == interval {
		return
	}

	m.stopProbes()
	m.probeInterval = interval
	generation := m.probeGeneration
	m.probes = schedule.Every(m.clock, interval, func() {
		m.loop.Post(func() { m.probe(generation) })
	})
	log.Debug().Dur("interval", interval).Msg("probe cadence set")
}

func (m *Machine) stopProbes() {
	m.probeGeneration++
	m.probes.Stop()
	m.probes = nil
	m.probeInterval = 0
}

func (m *Machine) probe(generation uint64) {
	if generation != m.probeGeneration {
		return
	}
	m.session.Broadcast(protocol.Ping(m.clock.Now().UnixMilli()))
}

// ProbeInterval returns the active probe cadence, zero when not probing.
func (m *Machine) ProbeInterval() time.Duration {
	var interval time.Duration
	_ = m.loop.Call(func() { interval = m.probeInterval })
	return interval
}
