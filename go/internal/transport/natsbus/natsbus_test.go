package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/mcdev12/sprintgates/go/internal/transport"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "sprintgates.peer.sb-sprint-v1-123.probe", subject(DefaultPrefix, "sb-sprint-v1-123", verbProbe))
	assert.Equal(t, "sprintgates.peer.abc.data.c1", subject(DefaultPrefix, "abc", verbData, "c1"))

	verb, connID, ok := parseSubject(DefaultPrefix, "sprintgates.peer.abc.data.c1")
	require.True(t, ok)
	assert.Equal(t, verbData, verb)
	assert.Equal(t, "c1", connID)

	verb, connID, ok = parseSubject(DefaultPrefix, "sprintgates.peer.abc.connect")
	require.True(t, ok)
	assert.Equal(t, verbConnect, verb)
	assert.Empty(t, connID)

	_, _, ok = parseSubject(DefaultPrefix, "other.peer.abc.data.c1")
	assert.False(t, ok)
	_, _, ok = parseSubject(DefaultPrefix, "sprintgates.peer.abc")
	assert.False(t, ok)
}

// runServer starts an in-process NATS server on a random port.
func runServer(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server did not start")
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func newTransport(t *testing.T, url string) *Transport {
	t.Helper()

	config := DefaultConfig()
	config.URL = url
	config.Prefix = "sprintgates-test"
	config.HeartbeatInterval = 50 * time.Millisecond
	config.MissedHeartbeats = 3
	tr, err := Connect(config)
	require.NoError(t, err)
	t.Cleanup(func() { tr.nc.Close() })
	return tr
}

func nextEvent(t *testing.T, ep transport.Endpoint) transport.Event {
	t.Helper()
	select {
	case ev := <-ep.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

// connectPair opens a conn from a fresh anonymous endpoint on client to the
// endpoint listening as hostID, and returns both ends.
func connectPair(t *testing.T, host transport.Endpoint, client transport.Endpoint, hostID string) (transport.Conn, transport.Conn) {
	t.Helper()

	dialed, err := client.Connect(context.Background(), hostID)
	require.NoError(t, err)

	opened := nextEvent(t, host)
	require.Equal(t, transport.EventOpen, opened.Kind)
	assert.Equal(t, client.ID(), opened.Conn.PeerID())

	mine := nextEvent(t, client)
	require.Equal(t, transport.EventOpen, mine.Kind)
	assert.Equal(t, dialed.ID(), mine.Conn.ID())
	return opened.Conn, dialed
}

func TestConnectSendClose(t *testing.T) {
	tr := newTransport(t, runServer(t))
	ctx := context.Background()

	host, err := tr.Listen(ctx, "sb-sprint-v1-321")
	require.NoError(t, err)
	defer host.Close()

	client, err := tr.Anonymous(ctx)
	require.NoError(t, err)
	defer client.Close()

	accepted, dialed := connectPair(t, host, client, "sb-sprint-v1-321")

	require.NoError(t, dialed.Send([]byte("hello")))
	data := nextEvent(t, host)
	require.Equal(t, transport.EventData, data.Kind)
	assert.Equal(t, "hello", string(data.Data))

	require.NoError(t, accepted.Send([]byte("welcome")))
	reply := nextEvent(t, client)
	require.Equal(t, transport.EventData, reply.Kind)
	assert.Equal(t, "welcome", string(reply.Data))

	require.NoError(t, dialed.Close())
	assert.Equal(t, transport.EventClose, nextEvent(t, client).Kind)
	closed := nextEvent(t, host)
	assert.Equal(t, transport.EventClose, closed.Kind)
	assert.False(t, closed.Conn.Open())
	assert.ErrorIs(t, dialed.Send([]byte("late")), transport.ErrClosed)
}

func TestDataSentOnOpenArrivesAfterOpen(t *testing.T) {
	url := runServer(t)
	hostTr := newTransport(t, url)
	clientTr := newTransport(t, url)
	ctx := context.Background()

	host, err := hostTr.Listen(ctx, "sb-sprint-v1-222")
	require.NoError(t, err)
	defer host.Close()

	// the host greets every conn as soon as it opens
	go func() {
		for ev := range host.Events() {
			if ev.Kind == transport.EventOpen {
				ev.Conn.Send([]byte("HELLO"))
			}
		}
	}()

	client, err := clientTr.Anonymous(ctx)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Connect(ctx, "sb-sprint-v1-222")
	require.NoError(t, err)

	assert.Equal(t, transport.EventOpen, nextEvent(t, client).Kind)
	greeting := nextEvent(t, client)
	require.Equal(t, transport.EventData, greeting.Kind)
	assert.Equal(t, "HELLO", string(greeting.Data))
}

func TestListenCollision(t *testing.T) {
	tr := newTransport(t, runServer(t))
	ctx := context.Background()

	first, err := tr.Listen(ctx, "sb-sprint-v1-555")
	require.NoError(t, err)

	_, err = tr.Listen(ctx, "sb-sprint-v1-555")
	assert.ErrorIs(t, err, transport.ErrUnavailableID)

	// released once the holder closes
	require.NoError(t, first.Close())
	second, err := tr.Listen(ctx, "sb-sprint-v1-555")
	require.NoError(t, err)
	second.Close()
}

func TestListenRejectsBadID(t *testing.T) {
	tr := newTransport(t, runServer(t))

	_, err := tr.Listen(context.Background(), "a.b")
	assert.Error(t, err)
	_, err = tr.Listen(context.Background(), "")
	assert.Error(t, err)
}

func TestConnectUnknown(t *testing.T) {
	tr := newTransport(t, runServer(t))

	ep, err := tr.Anonymous(context.Background())
	require.NoError(t, err)
	defer ep.Close()

	_, err = ep.Connect(context.Background(), "sb-sprint-v1-000")
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)
}

func TestPeerDeathClosesConn(t *testing.T) {
	url := runServer(t)
	hostTr := newTransport(t, url)
	clientTr := newTransport(t, url)
	ctx := context.Background()

	host, err := hostTr.Listen(ctx, "sb-sprint-v1-999")
	require.NoError(t, err)
	defer host.Close()

	client, err := clientTr.Anonymous(ctx)
	require.NoError(t, err)

	accepted, _ := connectPair(t, host, client, "sb-sprint-v1-999")

	// idle but alive: heartbeats keep the conn open
	time.Sleep(300 * time.Millisecond)
	assert.True(t, accepted.Open())

	// the client process dies without saying goodbye
	clientTr.nc.Close()

	closed := nextEvent(t, host)
	require.Equal(t, transport.EventClose, closed.Kind)
	assert.Equal(t, accepted.ID(), closed.Conn.ID())
	assert.False(t, accepted.Open())
}

func TestDisconnectClosesLocalConns(t *testing.T) {
	url := runServer(t)
	hostTr := newTransport(t, url)
	clientTr := newTransport(t, url)
	ctx := context.Background()

	host, err := hostTr.Listen(ctx, "sb-sprint-v1-888")
	require.NoError(t, err)
	defer host.Close()

	client, err := clientTr.Anonymous(ctx)
	require.NoError(t, err)
	defer client.Close()

	_, dialed := connectPair(t, host, client, "sb-sprint-v1-888")

	clientTr.nc.Close()

	closed := nextEvent(t, client)
	require.Equal(t, transport.EventClose, closed.Kind)
	assert.Equal(t, dialed.ID(), closed.Conn.ID())
}
