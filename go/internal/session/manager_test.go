package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/eventloop"
	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/protocol"
	"github.com/mcdev12/sprintgates/go/internal/transport"
	"github.com/mcdev12/sprintgates/go/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type recordingHandler struct {
	mu       sync.Mutex
	snapshot models.TimerStateSnapshot
	messages []protocol.Message
	rtts     map[string]time.Duration
	opened   []string
	closed   []string
	statuses []models.ConnectionStatus
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		snapshot: models.TimerStateSnapshot{State: models.AppStateIdle, Splits: []models.Split{}},
		rtts:     make(map[string]time.Duration),
	}
}

func (h *recordingHandler) Snapshot() models.TimerStateSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot
}

func (h *recordingHandler) HandleMessage(peerID string, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleRTT(peerID string, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rtts[peerID] = rtt
}

func (h *recordingHandler) HandlePeerOpened(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, peerID)
}

func (h *recordingHandler) HandlePeerClosed(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, peerID)
}

func (h *recordingHandler) HandleStatus(status models.ConnectionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *recordingHandler) messagesOfType(t protocol.MessageType) []protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Message
	for _, msg := range h.messages {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (h *recordingHandler) rtt(peerID string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rtt, ok := h.rtts[peerID]
	return rtt, ok
}

type node struct {
	t       *testing.T
	loop    *eventloop.Loop
	manager *Manager
	handler *recordingHandler
}

func newNode(t *testing.T, tr transport.Transport, name string, mutate func(*Config)) *node {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New(0)
	go loop.Run(ctx)

	config := Config{
		Namespace:         DefaultNamespace,
		DeviceName:        name,
		StaleProbeTimeout: 200 * time.Millisecond,
		StaleSettleDelay:  10 * time.Millisecond,
		HostRetryDelay:    10 * time.Millisecond,
		HostMaxRetries:    2,
	}
	if mutate != nil {
		mutate(&config)
	}

	handler := newRecordingHandler()
	n := &node{
		t:       t,
		loop:    loop,
		manager: NewManager(clockwork.NewRealClock(), tr, loop, handler, config),
		handler: handler,
	}
	t.Cleanup(func() {
		_ = loop.Call(n.manager.Teardown)
		cancel()
	})
	return n
}

func (n *node) do(fn func(m *Manager)) {
	n.t.Helper()
	require.NoError(n.t, n.loop.Call(func() { fn(n.manager) }))
}

func (n *node) info() models.SessionInfo {
	var info models.SessionInfo
	n.do(func(m *Manager) { info = m.Info() })
	return info
}

func (n *node) status() models.ConnectionStatus {
	return n.info().Status
}

func (n *node) host(code string) {
	n.t.Helper()
	n.do(func(m *Manager) {
		_, err := m.Host(code)
		require.NoError(n.t, err)
	})
	require.Eventually(n.t, func() bool {
		return n.status() == models.ConnectionStatusWaiting
	}, waitFor, tick)
}

func (n *node) join(code string) {
	n.t.Helper()
	n.do(func(m *Manager) { require.NoError(n.t, m.Join(code)) })
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := GenerateCode()
		require.NoError(t, ValidateCode(code))
		assert.GreaterOrEqual(t, code, "100")
		assert.LessOrEqual(t, code, "999")
	}
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, ValidateCode("042"))
	assert.NoError(t, ValidateCode("999"))
	for _, bad := range []string{"", "12", "1234", "12a", " 12"} {
		assert.ErrorIs(t, ValidateCode(bad), ErrInvalidCode, bad)
	}
}

func TestTransportID(t *testing.T) {
	assert.Equal(t, "sb-sprint-v1-123", TransportID(DefaultNamespace, "123"))
}

func TestDeviceName(t *testing.T) {
	assert.Regexp(t, `^Unit-\d{3}$`, DeviceName())
}

func TestHostRejectsInvalidCode(t *testing.T) {
	n := newNode(t, memory.NewHub(), "Host", nil)
	n.do(func(m *Manager) {
		_, err := m.Host("12")
		assert.ErrorIs(t, err, ErrInvalidCode)
		assert.ErrorIs(t, m.Join("abc"), ErrInvalidCode)
		assert.Equal(t, models.RoleNone, m.Role())
	})
}

func TestHostGeneratesCode(t *testing.T) {
	n := newNode(t, memory.NewHub(), "Host", nil)
	var code string
	n.do(func(m *Manager) {
		var err error
		code, err = m.Host("")
		require.NoError(t, err)
	})
	require.NoError(t, ValidateCode(code))
	require.Eventually(t, func() bool { return n.status() == models.ConnectionStatusWaiting }, waitFor, tick)

	info := n.info()
	assert.Equal(t, models.RoleHost, info.Role)
	assert.Equal(t, code, info.Code)
	assert.Equal(t, DefaultNamespace+code, info.TransportID)
	assert.Equal(t, "Host", info.DeviceName)
}

func TestInfoWithoutSession(t *testing.T) {
	n := newNode(t, memory.NewHub(), "Lane 4", nil)

	info := n.info()
	assert.Equal(t, models.RoleNone, info.Role)
	assert.Equal(t, models.ConnectionStatusDisconnected, info.Status)
	assert.Equal(t, "Lane 4", info.DeviceName)
}

func TestJoinHandshake(t *testing.T) {
	hub := memory.NewHub()
	host := newNode(t, hub, "Host", nil)
	client := newNode(t, hub, "Unit-123", nil)

	host.handler.snapshot = models.TimerStateSnapshot{State: models.AppStateArmed, Splits: []models.Split{}}
	host.host("123")
	client.join("123")

	require.Eventually(t, func() bool {
		roster := host.info().Roster
		return len(roster) == 1 && roster[0].DisplayName == "Unit-123"
	}, waitFor, tick)
	assert.Equal(t, models.ConnectionStatusConnected, host.status())
	assert.Equal(t, models.ConnectionStatusConnected, client.status())
	assert.Equal(t, models.RoleClient, client.info().Role)

	device := host.info().Roster[0]
	assert.Equal(t, int64(-1), device.LastRTT)
	assert.Zero(t, device.AvgLatency)

	// a joining client is pushed the host's state immediately
	require.Eventually(t, func() bool {
		return len(client.handler.messagesOfType(protocol.TypeStateSync)) == 1
	}, waitFor, tick)
	payload, err := protocol.ParsePayload(client.handler.messagesOfType(protocol.TypeStateSync)[0])
	require.NoError(t, err)
	assert.Equal(t, models.AppStateArmed, payload.(models.TimerStateSnapshot).State)

	// HELLO is consumed by the session layer
	assert.Empty(t, host.handler.messagesOfType(protocol.TypeHello))
	assert.Empty(t, client.handler.messagesOfType(protocol.TypeHello))
}

func TestBroadcastAndSendToHost(t *testing.T) {
	hub := memory.NewHub()
	host := newNode(t, hub, "Host", nil)
	first := newNode(t, hub, "A", nil)
	second := newNode(t, hub, "B", nil)

	host.host("321")
	first.join("321")
	second.join("321")
	require.Eventually(t, func() bool { return len(host.info().Roster) == 2 }, waitFor, tick)

	var sent int
	host.do(func(m *Manager) { sent = m.Broadcast(protocol.Trigger()) })
	assert.Equal(t, 2, sent)

	for _, n := range []*node{first, second} {
		require.Eventually(t, func() bool {
			return len(n.handler.messagesOfType(protocol.TypeTrigger)) == 1
		}, waitFor, tick)
	}

	var ok bool
	first.do(func(m *Manager) { ok = m.SendToHost(protocol.Trigger()) })
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		return len(host.handler.messagesOfType(protocol.TypeTrigger)) == 1
	}, waitFor, tick)

	host.do(func(m *Manager) { ok = m.SendToHost(protocol.Trigger()) })
	assert.False(t, ok, "hosts have no upstream")
}

func TestProbeRoundTrip(t *testing.T) {
	hub := memory.NewHub()
	host := newNode(t, hub, "Host", nil)
	client := newNode(t, hub, "Client", nil)

	host.host("777")
	client.join("777")
	require.Eventually(t, func() bool { return len(host.info().Roster) == 1 }, waitFor, tick)
	peerID := host.info().Roster[0].ID

	host.do(func(m *Manager) { m.Broadcast(protocol.Ping(time.Now().UnixMilli())) })

	require.Eventually(t, func() bool {
		_, ok := host.handler.rtt(peerID)
		return ok
	}, waitFor, tick)
	rtt, _ := host.handler.rtt(peerID)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))

	device := host.info().Roster[0]
	assert.GreaterOrEqual(t, device.LastRTT, int64(0))

	host.do(func(m *Manager) {
		assert.True(t, m.SetAvgLatency(peerID, 120))
		d, found := m.Device(peerID)
		require.True(t, found)
		assert.True(t, d.Calibrated())
		assert.False(t, m.SetAvgLatency("missing", 1))
	})
}

func TestClientLeaves(t *testing.T) {
	hub := memory.NewHub()
	host := newNode(t, hub, "Host", nil)
	client := newNode(t, hub, "Client", nil)

	host.host("456")
	client.join("456")
	require.Eventually(t, func() bool { return len(host.info().Roster) == 1 }, waitFor, tick)

	client.do(func(m *Manager) { m.Teardown() })
	assert.Equal(t, models.RoleNone, client.info().Role)

	require.Eventually(t, func() bool {
		return len(host.info().Roster) == 0 && host.status() == models.ConnectionStatusWaiting
	}, waitFor, tick)

	host.handler.mu.Lock()
	assert.Len(t, host.handler.closed, 1)
	host.handler.mu.Unlock()
}

func TestHostLeaves(t *testing.T) {
	hub := memory.NewHub()
	host := newNode(t, hub, "Host", nil)
	client := newNode(t, hub, "Client", nil)

	host.host("654")
	client.join("654")
	require.Eventually(t, func() bool { return client.status() == models.ConnectionStatusConnected }, waitFor, tick)

	host.do(func(m *Manager) { m.Teardown() })
	require.Eventually(t, func() bool {
		return client.status() == models.ConnectionStatusDisconnected
	}, waitFor, tick)
	assert.False(t, hub.Registered(DefaultNamespace+"654"))

	var sent int
	client.do(func(m *Manager) { sent = m.Broadcast(protocol.Trigger()) })
	assert.Zero(t, sent)
}

func TestJoinUnknownSession(t *testing.T) {
	client := newNode(t, memory.NewHub(), "Client", nil)
	client.join("999")

	require.Eventually(t, func() bool {
		return client.status() == models.ConnectionStatusDisconnected
	}, waitFor, tick)
	assert.Equal(t, models.RoleClient, client.info().Role)
}

func TestHostReclaimsStaleRegistration(t *testing.T) {
	hub := memory.NewHub()
	id := DefaultNamespace + "111"

	_, err := hub.Listen(context.Background(), id)
	require.NoError(t, err)
	hub.Abandon(id)

	host := newNode(t, hub, "Host", nil)
	host.host("111")
	assert.True(t, hub.Registered(id))
	assert.Equal(t, id, host.info().TransportID)
}

func TestHostGivesUpOnLiveCollision(t *testing.T) {
	hub := memory.NewHub()
	existing := newNode(t, hub, "First", nil)
	existing.host("222")

	second := newNode(t, hub, "Second", func(c *Config) { c.HostMaxRetries = 1 })
	second.do(func(m *Manager) {
		_, err := m.Host("222")
		require.NoError(t, err)
	})

	require.Eventually(t, func() bool {
		second.handler.mu.Lock()
		defer second.handler.mu.Unlock()
		n := len(second.handler.statuses)
		return n > 0 && second.handler.statuses[n-1] == models.ConnectionStatusDisconnected
	}, waitFor, tick)
	assert.Empty(t, second.info().TransportID)

	// the probe was a real connection that came and went
	require.Eventually(t, func() bool { return len(existing.info().Roster) == 0 }, waitFor, tick)
	assert.Equal(t, models.ConnectionStatusWaiting, existing.status())
}

func TestRehostDiscardsOldSession(t *testing.T) {
	hub := memory.NewHub()
	n := newNode(t, hub, "Host", nil)

	n.host("333")
	n.host("334")

	assert.False(t, hub.Registered(DefaultNamespace+"333"))
	assert.True(t, hub.Registered(DefaultNamespace+"334"))
	assert.Equal(t, "334", n.info().Code)
}
