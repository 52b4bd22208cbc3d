// Package natsbus is a transport.Transport over NATS. An endpoint is a
// wildcard subscription on its identifier's subject; connections are opened
// with request/reply and carry data as plain publishes. Both sides of a
// connection publish heartbeats, and a connection whose peer goes quiet is
// closed locally.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPrefix roots every subject used by the transport.
	DefaultPrefix = "sprintgates"

	eventBuffer = 1024

	verbProbe     = "probe"
	verbConnect   = "connect"
	verbData      = "data"
	verbClose     = "close"
	verbHeartbeat = "hb"
)

// Config holds connection settings.
type Config struct {
	URL           string
	Prefix        string
	MaxReconnects int
	ReconnectWait time.Duration
	// ProbeTimeout bounds the liveness check made before registering.
	ProbeTimeout time.Duration
	// HeartbeatInterval is how often each side of a connection announces
	// itself to the other.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals a peer may stay silent before
	// its connection is closed.
	MissedHeartbeats int
	Clock            clockwork.Clock
}

// DefaultConfig returns a config for a local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Prefix:        DefaultPrefix,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		ProbeTimeout:  500 * time.Millisecond,

		HeartbeatInterval: time.Second,
		MissedHeartbeats:  3,
	}
}

// Transport creates endpoints on one NATS connection.
type Transport struct {
	nc     *nats.Conn
	config Config
	clock  clockwork.Clock

	mu        sync.Mutex
	endpoints map[*endpoint]struct{}
}

// Connect dials NATS and returns a transport that owns the connection.
func Connect(config Config) (*Transport, error) {
	opts := []nats.Option{
		nats.Name("sprintgates"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return New(nc, config), nil
}

// New wraps an existing connection and takes over its disconnect handler:
// every open connection is closed when NATS drops, since the peer will stop
// hearing our heartbeats either way.
func New(nc *nats.Conn, config Config) *Transport {
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.MissedHeartbeats <= 0 {
		config.MissedHeartbeats = defaults.MissedHeartbeats
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	t := &Transport{
		nc:        nc,
		config:    config,
		clock:     config.Clock,
		endpoints: make(map[*endpoint]struct{}),
	}
	nc.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		if err != nil {
			log.Error().Err(err).Msg("NATS disconnected")
		} else {
			log.Debug().Msg("NATS connection closed")
		}
		t.dropConns()
	})
	return t
}

func (t *Transport) dropConns() {
	t.mu.Lock()
	endpoints := make([]*endpoint, 0, len(t.endpoints))
	for e := range t.endpoints {
		endpoints = append(endpoints, e)
	}
	t.mu.Unlock()

	for _, e := range endpoints {
		e.dropConns()
	}
}

func (t *Transport) add(e *endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[e] = struct{}{}
}

func (t *Transport) remove(e *endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.endpoints, e)
}

// Close drains and closes the NATS connection.
func (t *Transport) Close() error {
	return t.nc.Drain()
}

// Listen subscribes under id after checking that no live endpoint answers
// probes on it.
func (t *Transport) Listen(ctx context.Context, id string) (transport.Endpoint, error) {
	if strings.ContainsAny(id, ".*> ") || id == "" {
		return nil, fmt.Errorf("invalid endpoint id %q", id)
	}

	probeCtx, cancel := context.WithTimeout(ctx, t.config.ProbeTimeout)
	defer cancel()
	_, err := t.nc.RequestWithContext(probeCtx, subject(t.config.Prefix, id, verbProbe), nil)
	switch {
	case err == nil:
		return nil, fmt.Errorf("listen %s: %w", id, transport.ErrUnavailableID)
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("probe %s: %w", id, err)
	}

	e := &endpoint{
		transport: t,
		id:        id,
		events:    make(chan transport.Event, eventBuffer),
		done:      make(chan struct{}),
		conns:     make(map[string]*conn),
	}
	sub, err := t.nc.Subscribe(subject(t.config.Prefix, id, ">"), e.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	e.sub = sub
	t.add(e)
	go e.monitor()

	log.Debug().Str("transport_id", id).Msg("NATS endpoint registered")
	return e, nil
}

// Anonymous registers a random identifier.
func (t *Transport) Anonymous(ctx context.Context) (transport.Endpoint, error) {
	return t.Listen(ctx, uuid.NewString())
}

func subject(prefix, id, verb string, rest ...string) string {
	parts := append([]string{prefix, "peer", id, verb}, rest...)
	return strings.Join(parts, ".")
}

// parseSubject splits "<prefix>.peer.<id>.<verb>[.<conn>]".
func parseSubject(prefix, subj string) (verb, connID string, ok bool) {
	rest, found := strings.CutPrefix(subj, prefix+".peer.")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, ".")
	if len(parts) < 2 {
		return "", "", false
	}
	verb = parts[1]
	if len(parts) > 2 {
		connID = parts[2]
	}
	return verb, connID, true
}

type connectRequest struct {
	Conn string `json:"conn"`
	From string `json:"from"`
}

type endpoint struct {
	transport *Transport
	id        string
	sub       *nats.Subscription
	events    chan transport.Event
	done      chan struct{}
	once      sync.Once
	deliverMu sync.Mutex

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Events() <-chan transport.Event { return e.events }

func (e *endpoint) Connect(ctx context.Context, remoteID string) (transport.Conn, error) {
	if e.isClosed() {
		return nil, transport.ErrClosed
	}

	cr := connectRequest{Conn: uuid.NewString(), From: e.id}
	req, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal connect request: %w", err)
	}

	// tracked before the request so data sent right after the remote's
	// open is held until ours is announced
	c := e.track(cr.Conn, remoteID, false)

	_, err = e.transport.nc.RequestWithContext(ctx, subject(e.transport.config.Prefix, remoteID, verbConnect), req)
	if err != nil {
		e.forget(cr.Conn)
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("connect %s: %w", remoteID, transport.ErrPeerUnavailable)
		}
		return nil, fmt.Errorf("connect %s: %w", remoteID, err)
	}

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	backlog := c.announce()
	e.deliver(transport.Event{Kind: transport.EventOpen, Conn: c})
	for _, data := range backlog {
		e.deliver(transport.Event{Kind: transport.EventData, Conn: c, Data: data})
	}
	return c, nil
}

func (e *endpoint) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		conns := make([]*conn, 0, len(e.conns))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
		e.mu.Unlock()

		close(e.done)
		e.transport.remove(e)
		for _, c := range conns {
			c.Close()
		}
		if err := e.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("transport_id", e.id).Msg("failed to unsubscribe")
		}
	})
	return nil
}

func (e *endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *endpoint) track(connID, peerID string, announced bool) *conn {
	c := &conn{
		id:        connID,
		peerID:    peerID,
		endpoint:  e,
		open:      true,
		announced: announced,
		lastSeen:  e.transport.clock.Now(),
	}
	e.mu.Lock()
	e.conns[connID] = c
	e.mu.Unlock()
	return c
}

// announcedConns returns the conns the owner has been told about.
func (e *endpoint) announcedConns() []*conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		if c.isAnnounced() {
			conns = append(conns, c)
		}
	}
	return conns
}

// dropConns closes every announced conn locally without telling the peers.
func (e *endpoint) dropConns() {
	for _, c := range e.announcedConns() {
		if c.markClosed() {
			e.forget(c.id)
			e.deliver(transport.Event{Kind: transport.EventClose, Conn: c})
		}
	}
}

// monitor sends heartbeats on every conn and closes conns whose peer has
// missed too many of its own.
func (e *endpoint) monitor() {
	config := e.transport.config
	limit := time.Duration(config.MissedHeartbeats) * config.HeartbeatInterval

	ticker := e.transport.clock.NewTicker(config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.Chan():
			now := e.transport.clock.Now()
			for _, c := range e.announcedConns() {
				if silent := now.Sub(c.seen()); silent > limit {
					log.Warn().
						Str("peer_id", c.peerID).
						Str("conn_id", c.id).
						Dur("silent_for", silent).
						Msg("peer stopped sending heartbeats, closing connection")
					c.Close()
					continue
				}
				c.heartbeat()
			}
		}
	}
}

func (e *endpoint) lookup(connID string) (*conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[connID]
	return c, ok
}

func (e *endpoint) forget(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, connID)
}

func (e *endpoint) deliver(ev transport.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// handle runs on the subscription's goroutine, so messages for one endpoint
// are processed in arrival order.
func (e *endpoint) handle(msg *nats.Msg) {
	verb, connID, ok := parseSubject(e.transport.config.Prefix, msg.Subject)
	if !ok || e.isClosed() {
		return
	}

	switch verb {
	case verbProbe:
		msg.Respond([]byte("ok"))

	case verbConnect:
		var req connectRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Conn == "" {
			log.Debug().Err(err).Msg("dropping bad connect request")
			return
		}
		c := e.track(req.Conn, req.From, true)
		if err := msg.Respond([]byte("ok")); err != nil {
			e.forget(req.Conn)
			return
		}
		e.deliver(transport.Event{Kind: transport.EventOpen, Conn: c})

	case verbHeartbeat:
		if c, ok := e.lookup(connID); ok {
			c.touch()
		}

	case verbData:
		c, ok := e.lookup(connID)
		if !ok {
			return
		}
		c.touch()
		e.deliverMu.Lock()
		if !c.hold(msg.Data) {
			e.deliver(transport.Event{Kind: transport.EventData, Conn: c, Data: msg.Data})
		}
		e.deliverMu.Unlock()

	case verbClose:
		c, ok := e.lookup(connID)
		if !ok {
			return
		}
		e.forget(connID)
		if c.markClosed() {
			e.deliver(transport.Event{Kind: transport.EventClose, Conn: c})
		}
	}
}

type conn struct {
	id       string
	peerID   string
	endpoint *endpoint

	mu        sync.Mutex
	open      bool
	announced bool
	backlog   [][]byte
	lastSeen  time.Time
}

func (c *conn) ID() string     { return c.id }
func (c *conn) PeerID() string { return c.peerID }

func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *conn) Send(data []byte) error {
	if !c.Open() {
		return transport.ErrClosed
	}
	t := c.endpoint.transport
	if err := t.nc.Publish(subject(t.config.Prefix, c.peerID, verbData, c.id), data); err != nil {
		return fmt.Errorf("publish to %s: %w", c.peerID, err)
	}
	return nil
}

func (c *conn) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.endpoint.forget(c.id)
	c.endpoint.deliver(transport.Event{Kind: transport.EventClose, Conn: c})

	t := c.endpoint.transport
	return t.nc.Publish(subject(t.config.Prefix, c.peerID, verbClose, c.id), nil)
}

// hold queues data that arrives before the dialer has announced the conn.
func (c *conn) hold(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announced {
		return false
	}
	c.backlog = append(c.backlog, data)
	return true
}

func (c *conn) announce() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announced = true
	c.lastSeen = c.endpoint.transport.clock.Now()
	backlog := c.backlog
	c.backlog = nil
	return backlog
}

func (c *conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.open = false
	return true
}

func (c *conn) isAnnounced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announced
}

func (c *conn) touch() {
	now := c.endpoint.transport.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

func (c *conn) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *conn) heartbeat() {
	t := c.endpoint.transport
	if err := t.nc.Publish(subject(t.config.Prefix, c.peerID, verbHeartbeat, c.id), nil); err != nil {
		log.Debug().Err(err).Str("peer_id", c.peerID).Msg("failed to send heartbeat")
	}
}
