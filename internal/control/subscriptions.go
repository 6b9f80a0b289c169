package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/nats-io/nats.go"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Subscriber registers bus handlers.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// GateIDs lists every controlled gate, sorted.
func (m *Manager) GateIDs() []string {
	ids := make([]string, 0, len(m.gates))
	for id := range m.gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartBus registers the manager's command subscriptions: operator mode
// changes and the emergency stop. Malformed payloads are logged and
// dropped; a command bus hiccup must never corrupt gate state.
func (m *Manager) StartBus(ctx context.Context, sub Subscriber) error {
	if err := sub.Subscribe(messaging.SubjectModeRequest, func(msg *nats.Msg) {
		var req messaging.ModeChangeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("discarding malformed mode request", "err", err)
			return
		}
		if _, err := m.RequestTransition(req.GateID, Mode(req.Mode), req.Reason); err != nil {
			slog.Warn("mode change rejected", "gate", req.GateID, "to", req.Mode, "err", err)
		}
	}); err != nil {
		return err
	}

	return sub.Subscribe(messaging.SubjectEmergencyStop, func(msg *nats.Msg) {
		var req messaging.EmergencyStopRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("discarding malformed emergency stop", "err", err)
			return
		}
		slog.Error("emergency stop received", "reason", req.Reason)
		for gate, err := range m.EmergencyStop(ctx, m.GateIDs(), req.Reason) {
			if err != nil {
				slog.Error("emergency close failed", "gate", gate, "err", err)
			}
		}
	})
}
