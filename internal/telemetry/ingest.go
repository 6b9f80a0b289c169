package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Buffer accumulates asynchronous readings from the SCADA bridge and field
// teams. The solver drains it at solve boundaries; nothing is applied
// mid-solve. Add never blocks.
type Buffer struct {
	mu       sync.Mutex
	readings []messaging.TelemetryReading
}

// NewBuffer creates an empty merge buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add records a reading. Later readings for the same structure supersede
// earlier ones when drained in order.
func (b *Buffer) Add(r messaging.TelemetryReading) {
	b.mu.Lock()
	b.readings = append(b.readings, r)
	b.mu.Unlock()
}

// Drain returns and clears everything accumulated since the last call,
// in arrival order.
func (b *Buffer) Drain() []messaging.TelemetryReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.readings
	b.readings = nil
	return out
}

// Pending returns the number of buffered readings.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// GateHealth is the slice of the control layer the bridge reports into.
type GateHealth interface {
	RecordCommSuccess(gateID string)
	RecordCommFailure(gateID string, cause string) error
	UpdateTelemetry(gateID string, opening, flow float64)
}

// Subscriber is the messaging surface the bridge needs.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Bridge subscribes the buffer and the gate-health tracker to the
// telemetry and acknowledgement subjects.
type Bridge struct {
	buf    *Buffer
	health GateHealth
}

// NewBridge wires a bridge over the buffer and the control layer.
func NewBridge(buf *Buffer, health GateHealth) *Bridge {
	return &Bridge{buf: buf, health: health}
}

// Start registers all subscriptions.
func (br *Bridge) Start(sub Subscriber) error {
	if err := sub.Subscribe(messaging.SubjectTelemetryLevel, br.handleReading); err != nil {
		return err
	}
	if err := sub.Subscribe(messaging.SubjectTelemetryGate, br.handleGateReading); err != nil {
		return err
	}
	if err := sub.Subscribe(messaging.SubjectFieldUpdate, br.handleReading); err != nil {
		return err
	}
	return sub.Subscribe(messaging.SubjectCommandAck, br.handleAck)
}

func (br *Bridge) handleReading(msg *nats.Msg) {
	var r messaging.TelemetryReading
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		slog.Error("malformed telemetry reading", "subject", msg.Subject, "err", err)
		return
	}
	if r.MeasuredAt.IsZero() {
		r.MeasuredAt = time.Now().UTC()
	}
	br.buf.Add(r)
}

// handleGateReading also feeds the control layer: a gate position report is
// both a solver input and a comm-health heartbeat.
func (br *Bridge) handleGateReading(msg *nats.Msg) {
	var r messaging.TelemetryReading
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		slog.Error("malformed gate telemetry", "subject", msg.Subject, "err", err)
		return
	}
	br.buf.Add(r)
	if br.health == nil {
		return
	}
	br.health.RecordCommSuccess(r.StructureID)
	if r.Kind == "opening" {
		br.health.UpdateTelemetry(r.StructureID, r.Value, 0)
	}
}

func (br *Bridge) handleAck(msg *nats.Msg) {
	var ack messaging.GateCommandAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		slog.Error("malformed command ack", "err", err)
		return
	}
	if br.health == nil {
		return
	}
	if ack.OK {
		br.health.RecordCommSuccess(ack.GateID)
		return
	}
	if err := br.health.RecordCommFailure(ack.GateID, ack.Error); err != nil {
		slog.Error("failed to record comm failure", "gate", ack.GateID, "err", err)
	}
}
