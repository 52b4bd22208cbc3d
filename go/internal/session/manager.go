// Package session owns peer connections: hosting and joining, the HELLO
// handshake, the host roster, and best-effort broadcast.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/protocol"
	"github.com/mcdev12/sprintgates/go/internal/transport"
	"github.com/rs/zerolog/log"
)

// Dispatcher queues work onto the owner's event loop.
type Dispatcher interface {
	Post(fn func())
}

// Handler receives session events. Every method is called on the loop.
type Handler interface {
	// Snapshot is pushed to a peer as soon as it connects to the host.
	Snapshot() models.TimerStateSnapshot
	// HandleMessage receives TRIGGER and STATE_SYNC messages.
	HandleMessage(peerID string, msg protocol.Message)
	// HandleRTT receives every probe round trip measured by the host.
	HandleRTT(peerID string, rtt time.Duration)
	HandlePeerOpened(peerID string)
	HandlePeerClosed(peerID string)
	HandleStatus(status models.ConnectionStatus)
}

// Config holds session tuning.
type Config struct {
	Namespace  string
	DeviceName string
	// StaleProbeTimeout bounds the check for a dead prior registration.
	StaleProbeTimeout time.Duration
	// StaleSettleDelay is waited after tearing down a stale registration.
	StaleSettleDelay time.Duration
	// HostRetryDelay is the backoff after an identifier collision.
	HostRetryDelay time.Duration
	HostMaxRetries int
}

// DefaultConfig returns the defaults used by the app.
func DefaultConfig() Config {
	return Config{
		Namespace:         DefaultNamespace,
		DeviceName:        DeviceName(),
		StaleProbeTimeout: 2 * time.Second,
		StaleSettleDelay:  500 * time.Millisecond,
		HostRetryDelay:    2 * time.Second,
		HostMaxRetries:    5,
	}
}

// Manager owns the active session. Except for the constructor, its methods
// must be called on the dispatcher's loop; network work runs on goroutines
// and posts its results back.
type Manager struct {
	clock     clockwork.Clock
	transport transport.Transport
	dispatch  Dispatcher
	handler   Handler
	config    Config

	session    *Session
	generation uint64
}

// NewManager creates a manager with no active session.
func NewManager(clock clockwork.Clock, tr transport.Transport, dispatch Dispatcher, handler Handler, config Config) *Manager {
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if config.DeviceName == "" {
		config.DeviceName = DeviceName()
	}
	return &Manager{
		clock:     clock,
		transport: tr,
		dispatch:  dispatch,
		handler:   handler,
		config:    config,
	}
}

// DeviceName returns this device's display name.
func (m *Manager) DeviceName() string {
	return m.config.DeviceName
}

// Host tears down any session and starts hosting under code, generating one
// when code is empty. Registration completes asynchronously.
func (m *Manager) Host(code string) (string, error) {
	if code == "" {
		code = GenerateCode()
	} else if err := ValidateCode(code); err != nil {
		return "", err
	}

	s := m.begin(models.RoleHost, code)
	log.Info().Str("code", code).Str("transport_id", s.TransportID).Msg("starting host")

	go m.register(s.ctx, s.generation, s.TransportID)
	return code, nil
}

// Join tears down any session and connects to the host for code.
func (m *Manager) Join(code string) error {
	if err := ValidateCode(code); err != nil {
		return err
	}

	s := m.begin(models.RoleClient, code)
	log.Info().Str("code", code).Msg("joining session")

	go m.dial(s.ctx, s.generation, s.TransportID)
	return nil
}

// Teardown closes every connection and forgets the session.
func (m *Manager) Teardown() {
	s := m.session
	if s == nil {
		return
	}
	m.session = nil
	m.generation++

	s.cancel()
	if s.endpoint != nil {
		if err := s.endpoint.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close endpoint")
		}
	}
	log.Info().Str("role", string(s.Role)).Str("code", s.Code).Msg("session torn down")
	m.handler.HandleStatus(models.ConnectionStatusDisconnected)
}

// Role returns the local role, RoleNone without a session.
func (m *Manager) Role() models.Role {
	if m.session == nil {
		return models.RoleNone
	}
	return m.session.Role
}

// Info returns a copy of the session state.
func (m *Manager) Info() models.SessionInfo {
	info := models.SessionInfo{Role: models.RoleNone, Status: models.ConnectionStatusDisconnected}
	if m.session != nil {
		info = m.session.info()
	}
	info.DeviceName = m.DeviceName()
	return info
}

// PeerCount returns the number of open connections.
func (m *Manager) PeerCount() int {
	if m.session == nil {
		return 0
	}
	n := 0
	for _, c := range m.session.conns {
		if c.Open() {
			n++
		}
	}
	return n
}

// Roster returns the host's device list in connection order.
func (m *Manager) Roster() []models.Device {
	if m.session == nil {
		return nil
	}
	return m.session.roster.list()
}

// SetAvgLatency stores a device's calibrated average RTT.
func (m *Manager) SetAvgLatency(peerID string, avgRTT int64) bool {
	if m.session == nil {
		return false
	}
	return m.session.roster.update(peerID, func(d *models.Device) { d.AvgLatency = avgRTT })
}

// Device looks up a roster entry.
func (m *Manager) Device(peerID string) (models.Device, bool) {
	if m.session == nil {
		return models.Device{}, false
	}
	return m.session.roster.get(peerID)
}

// Broadcast sends msg to every open connection and returns how many were
// sent. Closed connections are skipped; nothing is retried or queued.
func (m *Manager) Broadcast(msg protocol.Message) int {
	if m.session == nil {
		return 0
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode broadcast")
		return 0
	}

	sent := 0
	for _, peerID := range m.session.order {
		if m.sendRaw(peerID, data) {
			sent++
		}
	}

	log.Debug().
		Str("message_type", string(msg.Type)).
		Int("connections", sent).
		Msg("message broadcasted")
	return sent
}

// SendTo sends msg to one peer if its connection is open.
func (m *Manager) SendTo(peerID string, msg protocol.Message) bool {
	if m.session == nil {
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode message")
		return false
	}
	return m.sendRaw(peerID, data)
}

// SendToHost sends msg over a client's connection to its host.
func (m *Manager) SendToHost(msg protocol.Message) bool {
	if m.session == nil || m.session.Role != models.RoleClient || len(m.session.order) == 0 {
		return false
	}
	return m.SendTo(m.session.order[0], msg)
}

func (m *Manager) sendRaw(peerID string, data []byte) bool {
	conn, ok := m.session.conns[peerID]
	if !ok || !conn.Open() {
		return false
	}
	if err := conn.Send(data); err != nil {
		log.Warn().Err(err).Str("peer_id", peerID).Msg("failed to send message")
		return false
	}
	return true
}

func (m *Manager) begin(role models.Role, code string) *Session {
	m.Teardown()
	m.generation++

	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(ctx, cancel, m.generation, role, code, TransportID(m.config.Namespace, code))
	m.session = s
	m.setStatus(models.ConnectionStatusConnecting)
	return s
}

func (m *Manager) current(generation uint64) *Session {
	if m.session == nil || m.session.generation != generation {
		return nil
	}
	return m.session
}

func (m *Manager) setStatus(status models.ConnectionStatus) {
	if m.session != nil {
		if m.session.Status == status {
			return
		}
		m.session.Status = status
	}
	log.Info().Str("status", string(status)).Msg("connection status changed")
	m.handler.HandleStatus(status)
}

// register runs on its own goroutine: clear a stale registration, then
// listen, retrying with backoff while the identifier is still held.
func (m *Manager) register(ctx context.Context, generation uint64, id string) {
	m.clearStale(ctx, id)

	var (
		ep  transport.Endpoint
		err error
	)
	for attempt := 0; ; attempt++ {
		ep, err = m.transport.Listen(ctx, id)
		if err == nil || !errors.Is(err, transport.ErrUnavailableID) || attempt >= m.config.HostMaxRetries {
			break
		}
		log.Warn().
			Str("transport_id", id).
			Int("attempt", attempt+1).
			Dur("retry_in", m.config.HostRetryDelay).
			Msg("session ID still in use, retrying")
		select {
		case <-m.clock.After(m.config.HostRetryDelay):
		case <-ctx.Done():
			return
		}
	}

	if err != nil {
		m.dispatch.Post(func() { m.connectFailed(generation, fmt.Errorf("register %s: %w", id, err)) })
		return
	}
	m.dispatch.Post(func() { m.attach(generation, ep) })
}

// clearStale probes for a live registration under id and hangs up on it so
// the transport can release a registration left by a dead host.
func (m *Manager) clearStale(ctx context.Context, id string) {
	log.Info().Str("transport_id", id).Msg("checking for stale session")

	probe, err := m.transport.Anonymous(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("stale check failed, proceeding")
		return
	}
	defer probe.Close()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.StaleProbeTimeout)
	defer cancel()

	conn, err := probe.Connect(probeCtx, id)
	switch {
	case err == nil:
		log.Info().Str("transport_id", id).Msg("found stale session, cleaning up")
		conn.Close()
		probe.Close()
		select {
		case <-m.clock.After(m.config.StaleSettleDelay):
		case <-ctx.Done():
		}
	case errors.Is(err, context.DeadlineExceeded):
		log.Info().Str("transport_id", id).Msg("stale check timed out, proceeding")
	default:
		log.Info().Str("transport_id", id).Msg("no stale session found")
	}
}

// dial runs on its own goroutine and connects a client to its host.
func (m *Manager) dial(ctx context.Context, generation uint64, hostID string) {
	ep, err := m.transport.Anonymous(ctx)
	if err != nil {
		m.dispatch.Post(func() { m.connectFailed(generation, fmt.Errorf("open client endpoint: %w", err)) })
		return
	}

	if _, err := ep.Connect(ctx, hostID); err != nil {
		ep.Close()
		m.dispatch.Post(func() { m.connectFailed(generation, fmt.Errorf("connect to %s: %w", hostID, err)) })
		return
	}
	m.dispatch.Post(func() { m.attach(generation, ep) })
}

func (m *Manager) attach(generation uint64, ep transport.Endpoint) {
	s := m.current(generation)
	if s == nil {
		ep.Close()
		return
	}
	s.endpoint = ep

	if s.Role == models.RoleHost {
		log.Info().Str("transport_id", ep.ID()).Str("code", s.Code).Msg("host registered")
		m.setStatus(models.ConnectionStatusWaiting)
	}
	go m.pump(s.ctx, generation, ep)
}

func (m *Manager) connectFailed(generation uint64, err error) {
	if m.current(generation) == nil {
		return
	}
	log.Error().Err(err).Msg("session connection failed")
	m.setStatus(models.ConnectionStatusDisconnected)
}

// pump forwards endpoint events onto the loop.
func (m *Manager) pump(ctx context.Context, generation uint64, ep transport.Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ep.Events():
			m.dispatch.Post(func() { m.handleEvent(generation, ev) })
			if ev.Kind == transport.EventError && ev.Conn == nil {
				return
			}
		}
	}
}

func (m *Manager) handleEvent(generation uint64, ev transport.Event) {
	s := m.current(generation)
	if s == nil {
		if ev.Kind == transport.EventOpen && ev.Conn != nil {
			ev.Conn.Close()
		}
		return
	}

	switch ev.Kind {
	case transport.EventOpen:
		m.handleOpen(s, ev.Conn)
	case transport.EventData:
		m.handleData(s, ev.Conn, ev.Data)
	case transport.EventClose:
		m.handleClose(s, ev.Conn)
	case transport.EventError:
		if ev.Conn == nil {
			log.Error().Err(ev.Err).Msg("transport endpoint failed")
			m.setStatus(models.ConnectionStatusDisconnected)
			return
		}
		log.Warn().Err(ev.Err).Str("peer_id", ev.Conn.PeerID()).Msg("connection error")
	}
}

func (m *Manager) handleOpen(s *Session, conn transport.Conn) {
	peerID := conn.PeerID()
	log.Info().Str("peer_id", peerID).Str("conn_id", conn.ID()).Msg("connection open")

	s.addConn(conn)
	m.setStatus(models.ConnectionStatusConnected)
	m.SendTo(peerID, protocol.Hello(m.config.DeviceName))

	if s.Role == models.RoleHost {
		s.roster.add(models.NewDevice(peerID))
		log.Info().Str("peer_id", peerID).Msg("syncing state to new peer")
		m.SendTo(peerID, protocol.StateSync(m.handler.Snapshot()))
	}
	m.handler.HandlePeerOpened(peerID)
}

func (m *Manager) handleData(s *Session, conn transport.Conn, data []byte) {
	peerID := conn.PeerID()
	if _, ok := s.conns[peerID]; !ok {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("peer_id", peerID).Msg("dropping malformed message")
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		payload, err := protocol.ParsePayload(msg)
		if err != nil {
			log.Warn().Err(err).Str("peer_id", peerID).Msg("bad HELLO")
			return
		}
		name := payload.(protocol.HelloPayload).Name
		if name == "" {
			name = "Unknown Device"
		}
		log.Info().Str("peer_id", peerID).Str("name", name).Msg("device hello")
		if s.Role == models.RoleHost {
			s.roster.update(peerID, func(d *models.Device) { d.DisplayName = name })
		}

	case protocol.TypePing:
		payload, err := protocol.ParsePayload(msg)
		if err != nil {
			return
		}
		m.SendTo(peerID, protocol.Pong(payload.(protocol.ProbePayload).TS))

	case protocol.TypePong:
		if s.Role != models.RoleHost {
			return
		}
		payload, err := protocol.ParsePayload(msg)
		if err != nil {
			return
		}
		rtt := m.clock.Now().Sub(time.UnixMilli(payload.(protocol.ProbePayload).TS))
		if rtt < 0 {
			rtt = 0
		}
		s.roster.update(peerID, func(d *models.Device) { d.LastRTT = rtt.Milliseconds() })
		m.handler.HandleRTT(peerID, rtt)

	default:
		m.handler.HandleMessage(peerID, msg)
	}
}

func (m *Manager) handleClose(s *Session, conn transport.Conn) {
	peerID := conn.PeerID()
	if current, ok := s.conns[peerID]; !ok || current.ID() != conn.ID() {
		return
	}
	log.Info().Str("peer_id", peerID).Msg("connection closed")

	s.removeConn(peerID)
	s.roster.remove(peerID)
	m.handler.HandlePeerClosed(peerID)

	if len(s.conns) > 0 {
		return
	}
	if s.Role == models.RoleHost {
		m.setStatus(models.ConnectionStatusWaiting)
	} else {
		m.setStatus(models.ConnectionStatusDisconnected)
	}
}
