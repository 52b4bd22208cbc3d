// Package relay is the rendezvous server behind the wsrelay transport. Peers
// register an identifier over a websocket, and the relay opens and forwards
// connections between registered peers.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds websocket and registry tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// StaleAfter is how long a registration may go without a pong before a
	// new claim on its identifier evicts it.
	StaleAfter time.Duration
	// ClaimTimeout is how long a holder has to answer a ping when another
	// peer claims its identifier.
	ClaimTimeout time.Duration
	CheckOrigin  func(r *http.Request) bool
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    20 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		StaleAfter:      45 * time.Second,
		ClaimTimeout:    time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Hub tracks connected peers, their registrations and the links between them.
type Hub struct {
	clock    clockwork.Clock
	config   Config
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	peers      map[*Peer]bool
	registered map[string]*Peer
	links      map[string]*link
}

// link is one relayed connection between two peers.
type link struct {
	id     string
	dialer *Peer
	target *Peer
}

func (l *link) other(p *Peer) *Peer {
	if l.dialer == p {
		return l.target
	}
	return l.dialer
}

// Peer is one websocket client of the relay.
type Peer struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte
	Hub         *Hub
	ConnectedAt time.Time

	mu           sync.Mutex
	registeredID string
	lastPong     time.Time
	closeOnce    sync.Once

	// alive is signalled by every pong or frame from the peer.
	alive chan struct{}
}

// NewHub creates an empty hub.
func NewHub(clock clockwork.Clock, config Config) *Hub {
	return &Hub{
		clock:  clock,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		peers:      make(map[*Peer]bool),
		registered: make(map[string]*Peer),
		links:      make(map[string]*link),
	}
}

// Upgrade upgrades an HTTP request and starts the peer's pumps.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := h.clock.Now()
	peer := &Peer{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Hub:         h,
		ConnectedAt: now,
		lastPong:    now,
		alive:       make(chan struct{}, 1),
	}

	h.mu.Lock()
	h.peers[peer] = true
	h.mu.Unlock()

	go peer.writePump()
	go peer.readPump()

	log.Info().
		Str("connection_id", peer.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("relay peer connected")
	return nil
}

// Shutdown disconnects every peer.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		p.close()
	}
}

// Run evicts dead registrations every ping interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	log.Info().Dur("ping_interval", h.config.PingInterval).Msg("relay hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay hub shutting down")
			h.Shutdown()
			return
		case <-ticker.Chan():
			h.sweep()
		}
	}
}

// sweep drops peers that have gone quiet for longer than the read timeout.
func (h *Hub) sweep() {
	deadline := h.clock.Now().Add(-h.config.ReadTimeout)

	h.mu.RLock()
	var dead []*Peer
	for p := range h.peers {
		if p.LastPong().Before(deadline) {
			dead = append(dead, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range dead {
		log.Warn().Str("connection_id", p.ID).Msg("peer missed pongs, disconnecting")
		p.close()
	}
}

// Stats returns counts of peers, registrations and open links.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"total_connections": len(h.peers),
		"registered":        len(h.registered),
		"links":             len(h.links),
	}
}

// Registered reports whether id is held by a peer.
func (h *Hub) Registered(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.registered[id]
	return ok
}

func (h *Hub) register(p *Peer, id string) Frame {
	if id == "" {
		id = uuid.NewString()
	}

	h.mu.Lock()
	if p.RegisteredID() != "" {
		h.mu.Unlock()
		return errorFrame(CodeBadFrame, "")
	}

	var evicted *Peer
	if holder, taken := h.registered[id]; taken {
		stale := h.clock.Since(holder.LastPong()) >= h.config.StaleAfter
		h.mu.Unlock()

		if !stale && holder.answersPing(h.config.ClaimTimeout) {
			log.Info().Str("transport_id", id).Str("connection_id", p.ID).Msg("identifier already registered")
			return errorFrame(CodeUnavailableID, "")
		}

		h.mu.Lock()
		if current, ok := h.registered[id]; ok {
			if current != holder {
				h.mu.Unlock()
				return errorFrame(CodeUnavailableID, "")
			}
			delete(h.registered, id)
			evicted = holder
		}
	}

	h.registered[id] = p
	p.setRegisteredID(id)
	h.mu.Unlock()

	if evicted != nil {
		log.Warn().Str("transport_id", id).Str("connection_id", evicted.ID).Msg("evicting stale registration")
		evicted.close()
	}

	log.Info().Str("transport_id", id).Str("connection_id", p.ID).Msg("peer registered")
	return Frame{Op: OpRegistered, ID: id}
}

func (h *Hub) connect(p *Peer, f Frame) {
	if p.RegisteredID() == "" {
		p.enqueue(errorFrame(CodeNotRegistered, f.Conn))
		return
	}
	if f.Conn == "" {
		p.enqueue(errorFrame(CodeBadFrame, ""))
		return
	}

	h.mu.Lock()
	target, ok := h.registered[f.Peer]
	if !ok || target == p {
		h.mu.Unlock()
		p.enqueue(errorFrame(CodePeerUnavailable, f.Conn))
		return
	}
	if _, exists := h.links[f.Conn]; exists {
		h.mu.Unlock()
		p.enqueue(errorFrame(CodeBadFrame, f.Conn))
		return
	}
	h.links[f.Conn] = &link{id: f.Conn, dialer: p, target: target}
	h.mu.Unlock()

	target.enqueue(Frame{Op: OpOpen, Conn: f.Conn, Peer: p.RegisteredID()})
	p.enqueue(Frame{Op: OpOpen, Conn: f.Conn, Peer: f.Peer})

	log.Debug().
		Str("conn_id", f.Conn).
		Str("from", p.RegisteredID()).
		Str("to", f.Peer).
		Msg("link opened")
}

func (h *Hub) forward(p *Peer, f Frame) {
	h.mu.RLock()
	l, ok := h.links[f.Conn]
	h.mu.RUnlock()
	if !ok || (l.dialer != p && l.target != p) {
		return
	}
	l.other(p).enqueue(Frame{Op: OpData, Conn: f.Conn, Data: f.Data})
}

func (h *Hub) closeLink(p *Peer, connID string) {
	h.mu.Lock()
	l, ok := h.links[connID]
	if !ok || (l.dialer != p && l.target != p) {
		h.mu.Unlock()
		return
	}
	delete(h.links, connID)
	h.mu.Unlock()

	l.other(p).enqueue(Frame{Op: OpClose, Conn: connID})
	log.Debug().Str("conn_id", connID).Msg("link closed")
}

// unregister removes a disconnected peer and closes its links.
func (h *Hub) unregister(p *Peer) {
	h.mu.Lock()
	if !h.peers[p] {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p)
	if id := p.RegisteredID(); id != "" && h.registered[id] == p {
		delete(h.registered, id)
	}

	var orphaned []*link
	for id, l := range h.links {
		if l.dialer == p || l.target == p {
			orphaned = append(orphaned, l)
			delete(h.links, id)
		}
	}
	close(p.Send)
	h.mu.Unlock()

	for _, l := range orphaned {
		l.other(p).enqueue(Frame{Op: OpClose, Conn: l.id})
	}

	log.Info().
		Str("connection_id", p.ID).
		Str("transport_id", p.RegisteredID()).
		Int("links_closed", len(orphaned)).
		Msg("relay peer disconnected")
}

// RegisteredID returns the identifier this peer holds, if any.
func (p *Peer) RegisteredID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registeredID
}

// LastPong returns when the peer last answered a ping.
func (p *Peer) LastPong() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPong
}

func (p *Peer) setRegisteredID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registeredID = id
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastPong = p.Hub.clock.Now()
	p.mu.Unlock()

	select {
	case p.alive <- struct{}{}:
	default:
	}
}

// answersPing pings the peer and reports whether it shows any sign of life
// within timeout.
func (p *Peer) answersPing(timeout time.Duration) bool {
	select {
	case <-p.alive:
	default:
	}

	deadline := time.Now().Add(p.Hub.config.WriteTimeout)
	if err := p.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return false
	}

	select {
	case <-p.alive:
		return true
	case <-p.Hub.clock.After(timeout):
		log.Warn().Str("connection_id", p.ID).Dur("timeout", timeout).Msg("holder did not answer ping")
		return false
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { p.Conn.Close() })
}

// enqueue queues a frame, dropping the peer if its buffer is full.
func (p *Peer) enqueue(f Frame) {
	data, err := f.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal frame")
		return
	}

	h := p.Hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.peers[p] {
		return
	}

	select {
	case p.Send <- data:
	default:
		log.Warn().Str("connection_id", p.ID).Msg("peer send buffer full, closing connection")
		go p.close()
	}
}

func (p *Peer) writePump() {
	ticker := p.Hub.clock.NewTicker(p.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		p.close()
	}()

	for {
		select {
		case message, ok := <-p.Send:
			p.Conn.SetWriteDeadline(time.Now().Add(p.Hub.config.WriteTimeout))
			if !ok {
				p.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", p.ID).Msg("failed to write frame")
				return
			}

		case <-ticker.Chan():
			p.Conn.SetWriteDeadline(time.Now().Add(p.Hub.config.WriteTimeout))
			if err := p.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", p.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (p *Peer) readPump() {
	defer func() {
		p.Hub.unregister(p)
		p.close()
	}()

	p.Conn.SetReadLimit(p.Hub.config.MaxMessageSize)
	p.Conn.SetReadDeadline(time.Now().Add(p.Hub.config.ReadTimeout))
	p.Conn.SetPongHandler(func(string) error {
		p.Conn.SetReadDeadline(time.Now().Add(p.Hub.config.ReadTimeout))
		p.touch()
		return nil
	})

	for {
		_, message, err := p.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", p.ID).Msg("unexpected websocket close error")
			}
			return
		}

		p.Conn.SetReadDeadline(time.Now().Add(p.Hub.config.ReadTimeout))
		p.touch()
		p.handleFrame(message)
	}
}

func (p *Peer) handleFrame(message []byte) {
	f, err := ParseFrame(message)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", p.ID).Msg("dropping bad frame")
		p.enqueue(errorFrame(CodeBadFrame, ""))
		return
	}

	switch f.Op {
	case OpRegister:
		p.enqueue(p.Hub.register(p, f.ID))
	case OpConnect:
		p.Hub.connect(p, f)
	case OpData:
		p.Hub.forward(p, f)
	case OpClose:
		p.Hub.closeLink(p, f.Conn)
	default:
		p.enqueue(errorFrame(CodeBadFrame, f.Conn))
	}
}
