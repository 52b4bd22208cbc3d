package protocol

import (
	"testing"

	"github.com/mcdev12/sprintgates/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"ARM"}`))
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestPongEchoesPingTimestamp(t *testing.T) {
	data, err := Encode(Ping(1712345678901))
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	payload, err := ParsePayload(msg)
	require.NoError(t, err)

	probe := payload.(ProbePayload)
	pong, err := ParsePayload(Pong(probe.TS))
	require.NoError(t, err)
	assert.Equal(t, int64(1712345678901), pong.(ProbePayload).TS)
}

func TestStateSyncWireShape(t *testing.T) {
	data, err := Encode(StateSync(models.TimerStateSnapshot{State: models.AppStateIdle}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STATE_SYNC","payload":{"state":"IDLE","startTime":null,"splits":[]}}`, string(data))

	anchor := int64(1000)
	offset := int64(250)
	msg := StateSync(models.TimerStateSnapshot{
		State:         models.AppStateRunning,
		StartAnchor:   &anchor,
		Splits:        []models.Split{{ID: "a", Time: 250, Diff: 250}},
		ElapsedOffset: &offset,
	})
	payload, err := ParsePayload(msg)
	require.NoError(t, err)

	snapshot := payload.(models.TimerStateSnapshot)
	assert.True(t, snapshot.Running())
	assert.Equal(t, int64(1000), *snapshot.StartAnchor)
	assert.Equal(t, int64(250), snapshot.Elapsed().Milliseconds())
	assert.Len(t, snapshot.Splits, 1)
}

func TestStateSyncRejectsUnknownState(t *testing.T) {
	_, err := ParsePayload(Message{Type: TypeStateSync, Payload: []byte(`{"state":"PAUSED","splits":[]}`)})
	require.Error(t, err)
}

func TestTriggerHasNoPayload(t *testing.T) {
	data, err := Encode(Trigger())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"TRIGGER"}`, string(data))

	msg, err := Decode(data)
	require.NoError(t, err)
	_, err = ParsePayload(msg)
	require.NoError(t, err)
}
