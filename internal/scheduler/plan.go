package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action is what a gate operation does.
type Action string

const (
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionAdjust Action = "adjust"
)

// RequestStatus tracks an irrigation request's lifecycle.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusScheduled RequestStatus = "scheduled"
	StatusActive    RequestStatus = "active"
	StatusComplete  RequestStatus = "complete"
	StatusDeferred  RequestStatus = "deferred"
)

// Request is a volumetric water delivery request for a zone. Planning and
// delivery tracking update the lifecycle status from different goroutines,
// so it sits behind an atomic accessor instead of a plain field.
type Request struct {
	ID             uuid.UUID       `json:"id"`
	Zone           string          `json:"zone"`
	Volume         decimal.Decimal `json:"volume"`    // m^3
	FlowRate       float64         `json:"flow_rate"` // m^3/s
	Priority       int             `json:"priority"`  // higher wins on conflicts
	RequestedStart time.Time       `json:"requested_start"`

	status atomic.Value // RequestStatus
}

// Status returns the request's current lifecycle status.
func (r *Request) Status() RequestStatus {
	if st, ok := r.status.Load().(RequestStatus); ok {
		return st
	}
	return StatusPending
}

// SetStatus records a lifecycle transition.
func (r *Request) SetStatus(st RequestStatus) {
	r.status.Store(st)
}

// Duration is the delivery time at the requested flow rate.
func (r *Request) Duration() time.Duration {
	if r.FlowRate <= 0 {
		return 0
	}
	seconds, _ := r.Volume.Div(decimal.NewFromFloat(r.FlowRate)).Float64()
	return time.Duration(seconds * float64(time.Second))
}

// Operation is one timestamped gate action. Immutable once executed;
// corrections are new operations.
type Operation struct {
	ID            uuid.UUID `json:"id"`
	GateID        string    `json:"gate_id"`
	Action        Action    `json:"action"`
	TargetOpening float64   `json:"target_opening"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Reason        string    `json:"reason"`
}

// ZoneTimeline reports expected water arrival and delivery completion.
type ZoneTimeline struct {
	Zone       string    `json:"zone"`
	Arrival    time.Time `json:"arrival"`
	Completion time.Time `json:"completion"`
}

// Deferral explains why a request was not scheduled in this plan.
type Deferral struct {
	RequestID uuid.UUID `json:"request_id"`
	Zone      string    `json:"zone"`
	Reason    string    `json:"reason"`
}

// Plan is a complete, time-ordered gate operation schedule. Plans are
// deterministic: the same requests against the same topology and state
// produce identical operations with identical IDs.
type Plan struct {
	ID         uuid.UUID               `json:"id"`
	CreatedAt  time.Time               `json:"created_at"`
	Operations []Operation             `json:"operations"`
	Timelines  map[string]ZoneTimeline `json:"timelines"`
	Deferred   []Deferral              `json:"deferred"`
	Warnings   []string                `json:"warnings,omitempty"`
}

// planNamespace seeds deterministic (UUIDv5) operation identifiers so a
// re-derived plan carries the same IDs and re-dispatch stays idempotent.
var planNamespace = uuid.MustParse("8d36c236-5d3e-5b68-9c6a-d1f3f8a6f001")

func operationID(gateID string, action Action, target float64, at time.Time) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%.6f|%d", gateID, action, target, at.UnixNano())
	return uuid.NewSHA1(planNamespace, []byte(key))
}
