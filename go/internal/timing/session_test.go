package timing

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/sprintgates/go/internal/calibration"
	"github.com/mcdev12/sprintgates/go/internal/eventloop"
	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/mcdev12/sprintgates/go/internal/session"
	"github.com/mcdev12/sprintgates/go/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, hub *memory.Hub, name string) *Machine {
	t.Helper()

	clock := clockwork.NewRealClock()
	config := DefaultConfig()
	config.CalibrationWarmup = 20 * time.Millisecond
	config.CalibrationWindow = 150 * time.Millisecond
	config.StandaloneArmDelay = 20 * time.Millisecond
	config.Probes = calibration.Intervals{Fast: 10 * time.Millisecond, Slow: 50 * time.Millisecond}

	m := New(clock, config)
	m.Attach(session.NewManager(clock, hub, m.Loop(), m, session.Config{
		DeviceName:        name,
		StaleProbeTimeout: 100 * time.Millisecond,
		StaleSettleDelay:  10 * time.Millisecond,
		HostRetryDelay:    10 * time.Millisecond,
		HostMaxRetries:    1,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m
}

func status(t *testing.T, m *Machine) Status {
	t.Helper()
	st, err := m.Status()
	require.NoError(t, err)
	return st
}

func eventually(t *testing.T, m *Machine, cond func(Status) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(status(t, m)) }, 3*time.Second, 5*time.Millisecond)
}

func TestSessionRunEndToEnd(t *testing.T) {
	hub := memory.NewHub()
	host := newDevice(t, hub, "Start Gate")
	client := newDevice(t, hub, "Finish Gate")

	code, err := host.Host("")
	require.NoError(t, err)
	eventually(t, host, func(s Status) bool { return s.Session.Status == models.ConnectionStatusWaiting })

	require.NoError(t, client.Join(code))
	eventually(t, host, func(s Status) bool {
		return len(s.Session.Roster) == 1 && s.Session.Roster[0].DisplayName == "Finish Gate"
	})

	host.Arm()
	eventually(t, client, func(s Status) bool { return s.State == models.AppStateArmed })
	assert.Equal(t, models.AppStateArmed, status(t, host).State)

	// the client's crossing starts the host's clock
	client.Trigger()
	eventually(t, host, func(s Status) bool { return s.State == models.AppStateRunning })
	eventually(t, client, func(s Status) bool { return s.State == models.AppStateRunning })

	time.Sleep(150 * time.Millisecond)
	client.Trigger()
	eventually(t, host, func(s Status) bool { return len(s.Splits) == 1 })
	eventually(t, client, func(s Status) bool { return len(s.Splits) == 1 })

	hostSplit := status(t, host).Splits[0]
	clientSplit := status(t, client).Splits[0]
	assert.Equal(t, hostSplit, clientSplit)
	assert.GreaterOrEqual(t, hostSplit.Time, int64(100))

	host.Reset()
	eventually(t, client, func(s Status) bool {
		return s.State == models.AppStateIdle && len(s.Splits) == 0
	})
}

func TestLateJoinerCatchesUp(t *testing.T) {
	hub := memory.NewHub()
	host := newDevice(t, hub, "Host")

	_, err := host.Host("808")
	require.NoError(t, err)
	host.Arm()
	eventually(t, host, func(s Status) bool { return s.State == models.AppStateArmed })
	host.Trigger()
	eventually(t, host, func(s Status) bool { return s.State == models.AppStateRunning })
	time.Sleep(200 * time.Millisecond)

	late := newDevice(t, hub, "Late")
	require.NoError(t, late.Join("808"))
	eventually(t, late, func(s Status) bool { return s.State == models.AppStateRunning })

	assert.GreaterOrEqual(t, status(t, late).Elapsed, 200*time.Millisecond)
}

func TestClientFallsBackToStandalone(t *testing.T) {
	hub := memory.NewHub()
	host := newDevice(t, hub, "Host")
	client := newDevice(t, hub, "Client")

	_, err := host.Host("909")
	require.NoError(t, err)
	require.NoError(t, client.Join("909"))
	eventually(t, client, func(s Status) bool { return s.Session.Status == models.ConnectionStatusConnected })

	require.NoError(t, host.Leave())
	eventually(t, client, func(s Status) bool { return s.Session.Status == models.ConnectionStatusDisconnected })

	client.Arm()
	eventually(t, client, func(s Status) bool { return s.State == models.AppStateArmed })
	client.Trigger()
	eventually(t, client, func(s Status) bool { return s.State == models.AppStateRunning })
}

func TestLeaveReleasesRegistrationBeforeReturning(t *testing.T) {
	hub := memory.NewHub()
	host := newDevice(t, hub, "Host")

	_, err := host.Host("404")
	require.NoError(t, err)
	eventually(t, host, func(s Status) bool { return s.Session.Status == models.ConnectionStatusWaiting })
	require.True(t, hub.Registered(session.TransportID(session.DefaultNamespace, "404")))

	require.NoError(t, host.Leave())
	assert.False(t, hub.Registered(session.TransportID(session.DefaultNamespace, "404")))
}

func TestLeaveAfterShutdown(t *testing.T) {
	clock := clockwork.NewRealClock()
	m := New(clock, DefaultConfig())
	m.Attach(session.NewManager(clock, memory.NewHub(), m.Loop(), m, session.DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, m.Leave(), eventloop.ErrStopped)
}
