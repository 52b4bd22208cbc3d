package timing

import (
	"time"

	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Snapshot returns the state pushed to a newly connected peer.
func (m *Machine) Snapshot() models.TimerStateSnapshot {
	elapsed := m.stopwatch.Elapsed()
	snapshot := models.TimerStateSnapshot{
		State:         m.state,
		Splits:        m.stopwatch.Splits(),
		ElapsedOffset: models.Millis(elapsed),
	}
	if m.state == models.AppStateRunning {
		snapshot.StartAnchor = models.UnixMilli(m.clock.Now().Add(-elapsed))
	}
	return snapshot
}

// HandleMessage routes TRIGGER to the host and STATE_SYNC to clients.
func (m *Machine) HandleMessage(peerID string, msg protocol.Message) {
	switch {
	case msg.Type == protocol.TypeTrigger && m.isHost():
		log.Info().Str("peer_id", peerID).Msg("received TRIGGER")
		m.handleTrigger(peerID)

	case msg.Type == protocol.TypeStateSync && m.session.Role() == models.RoleClient:
		payload, err := protocol.ParsePayload(msg)
		if err != nil {
			log.Warn().Err(err).Str("peer_id", peerID).Msg("dropping bad STATE_SYNC")
			return
		}
		m.applySync(payload.(models.TimerStateSnapshot))

	default:
		log.Debug().
			Str("peer_id", peerID).
			Str("message_type", string(msg.Type)).
			Str("role", string(m.session.Role())).
			Msg("message ignored for role")
	}
}

// HandleRTT collects calibration samples while calibrating.
func (m *Machine) HandleRTT(peerID string, rtt time.Duration) {
	if m.state != models.AppStateCalibrating {
		return
	}
	m.calibrator.Record(peerID, rtt)
}

// HandlePeerOpened starts probing the new peer.
func (m *Machine) HandlePeerOpened(peerID string) {
	m.refreshProbes()
}

// HandlePeerClosed drops the peer's samples. A client that loses its host
// continues standalone.
func (m *Machine) HandlePeerClosed(peerID string) {
	m.calibrator.Forget(peerID)
	if m.session.Role() == models.RoleClient {
		m.triggerLocked = false
	}
	m.refreshProbes()
}

// HandleStatus logs connection status changes.
func (m *Machine) HandleStatus(status models.ConnectionStatus) {
	log.Debug().Str("status", string(status)).Msg("session status")
	m.refreshProbes()
}
