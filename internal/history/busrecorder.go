package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SubhajL/munbon2-backend-sub009/internal/control"
	"github.com/SubhajL/munbon2-backend-sub009/internal/scheduler"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Subscriber registers bus handlers.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// BusRecorder tails the command and gate-event subjects into the audit
// store. It is deliberately passive: recording failures are logged, never
// propagated onto control paths.
type BusRecorder struct {
	rec *Recorder
}

// NewBusRecorder wraps a recorder for bus consumption.
func NewBusRecorder(rec *Recorder) *BusRecorder {
	return &BusRecorder{rec: rec}
}

// Start registers the audit subscriptions.
func (b *BusRecorder) Start(ctx context.Context, sub Subscriber) error {
	if err := sub.Subscribe(messaging.SubjectCommand, func(msg *nats.Msg) {
		var cmd messaging.GateCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			slog.Warn("unrecordable gate command", "err", err)
			return
		}
		op := scheduler.Operation{
			ID:            cmd.OperationID,
			GateID:        cmd.GateID,
			Action:        scheduler.Action(cmd.Action),
			TargetOpening: cmd.TargetOpening,
			Reason:        cmd.Reason,
		}
		executedAt := cmd.IssuedAt
		if executedAt.IsZero() {
			executedAt = time.Now().UTC()
		}
		if err := b.rec.RecordOperation(ctx, op, executedAt); err != nil {
			slog.Error("operation audit write failed", "op", cmd.OperationID, "err", err)
		}
	}); err != nil {
		return err
	}

	return sub.Subscribe(messaging.SubjectGateEvents, func(msg *nats.Msg) {
		var ev messaging.GateModeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("unrecordable gate event", "err", err)
			return
		}
		tr := control.TransitionRecord{
			GateID: ev.GateID,
			From:   control.Mode(ev.From),
			To:     control.Mode(ev.To),
			Reason: ev.Reason,
			At:     ev.At,
		}
		if ev.SavedOpening != 0 || ev.SavedFlow != 0 {
			tr.Saved = &control.SavedState{Opening: ev.SavedOpening, Flow: ev.SavedFlow}
		}
		if err := b.rec.RecordTransition(ctx, tr); err != nil {
			slog.Error("transition audit write failed", "gate", ev.GateID, "err", err)
		}
	})
}
