package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Subscriber registers bus handlers.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// StartBus registers the service's intake subscriptions: request
// submissions and cancellations from the gateway.
func (s *Service) StartBus(ctx context.Context, sub Subscriber) error {
	if err := sub.Subscribe(messaging.SubjectRequestSubmit, func(msg *nats.Msg) {
		var in messaging.IrrigationRequest
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			slog.Warn("discarding malformed request submission", "err", err)
			return
		}
		volume, err := decimal.NewFromString(in.VolumeM3)
		if err != nil {
			slog.Warn("discarding request with bad volume", "request", in.ID, "volume", in.VolumeM3)
			return
		}
		req := &Request{
			ID:             in.ID,
			Zone:           in.Zone,
			Volume:         volume,
			FlowRate:       in.FlowRate,
			Priority:       in.Priority,
			RequestedStart: in.RequestedStart,
		}
		if _, err := s.Submit(ctx, req); err != nil {
			slog.Warn("request rejected", "request", in.ID, "zone", in.Zone, "err", err)
		}
	}); err != nil {
		return err
	}

	return sub.Subscribe(messaging.SubjectRequestCancel, func(msg *nats.Msg) {
		var in struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			slog.Warn("discarding malformed cancellation", "err", err)
			return
		}
		if _, err := s.Cancel(ctx, in.ID); err != nil {
			slog.Warn("cancellation rejected", "request", in.ID, "err", err)
		}
	})
}

// PublishDemands periodically pushes the current per-node demand to the
// control service's solver loop. Demand changes with the clock (a request
// becomes active when its start passes), so this runs on a ticker rather
// than only on replans.
func (s *Service) PublishDemands(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update := messaging.DemandUpdate{Demands: s.Demands(), At: time.Now().UTC()}
			if err := s.bus.Publish(ctx, messaging.SubjectDemandUpdate, update); err != nil {
				slog.Error("demand publish failed", "err", err)
			}
		}
	}
}
