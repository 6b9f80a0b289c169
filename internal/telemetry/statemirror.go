package telemetry

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// StateMirror rebuilds the control service's published network state in
// another process. The scheduler runs one to size gate openings and to
// integrate delivered volumes without owning the solver.
type StateMirror struct {
	holder  *network.Holder
	onState func(*network.State, time.Time)
}

// NewStateMirror wires a mirror over a holder. onState, if set, runs after
// every accepted broadcast.
func NewStateMirror(holder *network.Holder, onState func(*network.State, time.Time)) *StateMirror {
	return &StateMirror{holder: holder, onState: onState}
}

// Start subscribes the mirror to the state broadcast subject.
func (m *StateMirror) Start(sub Subscriber) error {
	return sub.Subscribe(messaging.SubjectStateBroadcast, func(msg *nats.Msg) {
		var update messaging.StateUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			slog.Error("malformed state broadcast", "err", err)
			return
		}
		m.Apply(update)
	})
}

// Apply folds one broadcast into the mirrored holder.
func (m *StateMirror) Apply(update messaging.StateUpdate) {
	st := m.holder.Load().Clone()
	st.Timestamp = update.Timestamp
	st.Converged = update.Converged
	st.Iterations = update.Iterations
	st.Residual = update.Residual
	for k, v := range update.Levels {
		st.Levels[k] = v
	}
	for k, v := range update.Flows {
		st.GateFlows[k] = v
	}
	for k, v := range update.Openings {
		st.GateOpenings[k] = v
	}
	published := m.holder.Publish(st)
	if m.onState != nil {
		ts := update.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		m.onState(published, ts)
	}
}
