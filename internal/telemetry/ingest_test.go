package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

type fakeHealth struct {
	successes []string
	failures  []string
	openings  map[string]float64
}

func (f *fakeHealth) RecordCommSuccess(id string) { f.successes = append(f.successes, id) }
func (f *fakeHealth) RecordCommFailure(id, cause string) error {
	f.failures = append(f.failures, id)
	return nil
}
func (f *fakeHealth) UpdateTelemetry(id string, opening, flow float64) {
	if f.openings == nil {
		f.openings = map[string]float64{}
	}
	f.openings[id] = opening
}

func msgFor(t *testing.T, subject string, v interface{}) *nats.Msg {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &nats.Msg{Subject: subject, Data: raw}
}

func TestBufferDrain(t *testing.T) {
	b := NewBuffer()
	b.Add(messaging.TelemetryReading{StructureID: "N1", Kind: "level", Value: 101.2})
	b.Add(messaging.TelemetryReading{StructureID: "N1", Kind: "level", Value: 101.4})
	assert.Equal(t, 2, b.Pending())

	got := b.Drain()
	require.Len(t, got, 2)
	// Arrival order preserved so the later reading wins on merge.
	assert.Equal(t, 101.2, got[0].Value)
	assert.Equal(t, 101.4, got[1].Value)
	assert.Empty(t, b.Drain())
}

func TestBridgeGateReading(t *testing.T) {
	buf := NewBuffer()
	health := &fakeHealth{}
	br := NewBridge(buf, health)

	br.handleGateReading(msgFor(t, "telemetry.gate.G1", messaging.TelemetryReading{
		StructureID: "G1", Kind: "opening", Value: 0.75, Source: "scada",
		MeasuredAt: time.Now().UTC(),
	}))

	assert.Equal(t, 1, buf.Pending())
	assert.Equal(t, []string{"G1"}, health.successes)
	assert.Equal(t, 0.75, health.openings["G1"])
}

func TestBridgeAcks(t *testing.T) {
	health := &fakeHealth{}
	br := NewBridge(NewBuffer(), health)

	t.Run("positive ack is a heartbeat", func(t *testing.T) {
		br.handleAck(msgFor(t, "scada.ack", messaging.GateCommandAck{GateID: "G1", OK: true}))
		assert.Contains(t, health.successes, "G1")
	})

	t.Run("negative ack counts as comm failure", func(t *testing.T) {
		br.handleAck(msgFor(t, "scada.ack", messaging.GateCommandAck{GateID: "G2", OK: false, Error: "no response"}))
		assert.Contains(t, health.failures, "G2")
	})

	t.Run("garbage payload ignored", func(t *testing.T) {
		br.handleAck(&nats.Msg{Subject: "scada.ack", Data: []byte("{")})
	})
}

func TestBridgeFieldUpdateStampsTime(t *testing.T) {
	buf := NewBuffer()
	br := NewBridge(buf, nil)

	br.handleReading(msgFor(t, "field.update", messaging.TelemetryReading{
		StructureID: "N3", Kind: "level", Value: 100.9, Source: "field",
	}))

	got := buf.Drain()
	require.Len(t, got, 1)
	assert.False(t, got[0].MeasuredAt.IsZero())
}
