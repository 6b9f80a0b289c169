package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects and event types used across the water-control services.
const (
	EventTypeStateUpdated    = "network.state_updated"
	EventTypeSolveFailed     = "network.solve_failed"
	EventTypeConstraintAlert = "network.constraint_violated"

	EventTypeGateModeChanged  = "gate.mode_changed"
	EventTypeGateCommFailure  = "gate.comm_failure"
	EventTypeGateCommandSent  = "gate.command_sent"
	EventTypeGateCommandAcked = "gate.command_acked"

	EventTypePlanCreated      = "schedule.plan_created"
	EventTypePlanSuperseded   = "schedule.plan_superseded"
	EventTypeDeliveryStarted  = "schedule.delivery_started"
	EventTypeDeliveryComplete = "schedule.delivery_complete"
	EventTypeRequestDeferred  = "schedule.request_deferred"
)

// NATS subjects. Telemetry arrives on wildcarded subjects keyed by the
// sensor's structure id; commands and acks are durable JetStream subjects.
const (
	SubjectTelemetryLevel = "telemetry.level.*"
	SubjectTelemetryGate  = "telemetry.gate.*"
	SubjectFieldUpdate    = "field.update"
	SubjectCommand        = "scada.command"
	SubjectCommandAck     = "scada.ack"
	SubjectStateBroadcast = "network.state"
	SubjectGateEvents     = "gate.events"
	SubjectScheduleEvents = "schedule.events"

	SubjectRequestSubmit = "schedule.request.submit"
	SubjectRequestCancel = "schedule.request.cancel"
	SubjectModeRequest   = "gate.mode.request"
	SubjectEmergencyStop = "control.emergency_stop"
	SubjectDemandUpdate  = "schedule.demands"
)

// Event is the envelope published on every subject.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent wraps payload data into an envelope. Marshal errors surface when
// the event itself is published.
func NewEvent(eventType, source string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// GateModeEvent reports a completed mode transition.
type GateModeEvent struct {
	GateID       string    `json:"gate_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Reason       string    `json:"reason"`
	SavedOpening float64   `json:"saved_opening"`
	SavedFlow    float64   `json:"saved_flow"`
	At           time.Time `json:"at"`
}

// GateCommand is the payload sent to the SCADA bridge.
type GateCommand struct {
	OperationID   uuid.UUID `json:"operation_id"`
	GateID        string    `json:"gate_id"`
	Action        string    `json:"action"`
	TargetOpening float64   `json:"target_opening"`
	Reason        string    `json:"reason"`
	IssuedAt      time.Time `json:"issued_at"`
}

// GateCommandAck is the SCADA bridge's execution acknowledgement. A
// negative ack feeds the per-gate communication failure counter.
type GateCommandAck struct {
	OperationID uuid.UUID `json:"operation_id"`
	GateID      string    `json:"gate_id"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	AckedAt     time.Time `json:"acked_at"`
}

// TelemetryReading is a measured level, flow or gate position pushed by the
// sensor bridge or reported by a field team.
type TelemetryReading struct {
	StructureID string    `json:"structure_id"`
	Kind        string    `json:"kind"` // "level", "flow", "opening"
	Value       float64   `json:"value"`
	Source      string    `json:"source"` // "scada", "field"
	MeasuredAt  time.Time `json:"measured_at"`
}

// StateUpdate is broadcast after every completed solve.
type StateUpdate struct {
	Version    uint64             `json:"version"`
	Timestamp  time.Time          `json:"timestamp"`
	Converged  bool               `json:"converged"`
	Iterations int                `json:"iterations"`
	Residual   float64            `json:"residual"`
	Levels     map[string]float64 `json:"levels"`
	Flows      map[string]float64 `json:"flows"`
	Openings   map[string]float64 `json:"openings"`
	Violations []string           `json:"violations,omitempty"`
}

// IrrigationRequest is the gateway-to-scheduler submission payload.
// Volume travels as a decimal string to keep volumetric accounting exact.
type IrrigationRequest struct {
	ID             uuid.UUID `json:"id"`
	Zone           string    `json:"zone"`
	VolumeM3       string    `json:"volume_m3"`
	FlowRate       float64   `json:"flow_rate"`
	Priority       int       `json:"priority"`
	RequestedStart time.Time `json:"requested_start"`
}

// ModeChangeRequest asks the control service to move a gate between
// automatic and manual control.
type ModeChangeRequest struct {
	GateID string `json:"gate_id"`
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// EmergencyStopRequest closes every controllable gate immediately.
type EmergencyStopRequest struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// DemandUpdate carries the scheduler's current net outflow per node to
// the solver loop.
type DemandUpdate struct {
	Demands map[string]float64 `json:"demands"`
	At      time.Time          `json:"at"`
}

// DeliveryEvent reports progress on an irrigation request.
type DeliveryEvent struct {
	RequestID    uuid.UUID `json:"request_id"`
	Zone         string    `json:"zone"`
	DeliveredM3  string    `json:"delivered_m3"` // decimal string
	TargetM3     string    `json:"target_m3"`
	At           time.Time `json:"at"`
}
