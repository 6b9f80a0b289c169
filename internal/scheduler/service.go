package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// EventPublisher is the bus surface for schedule lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Service owns irrigation requests end to end: intake, planning, dispatch,
// delivery tracking and replanning on every demand change (new request,
// completion, manual override).
type Service struct {
	executor *Executor
	bus      EventPublisher
	opts     PlanOptions

	mu       sync.Mutex
	topo     *network.Topology
	holder   *network.Holder
	requests map[uuid.UUID]*Request
	plan     *Plan
	tails    []Operation

	tracker *Tracker
}

// tailGrace keeps an already-due closure operation in the plan a little
// longer, so a replan cannot cancel a close the queue is mid-delivering.
const tailGrace = time.Minute

// NewService wires a scheduler over the shared state holder.
func NewService(topo *network.Topology, holder *network.Holder, executor *Executor, bus EventPublisher, opts PlanOptions) *Service {
	s := &Service{
		executor: executor,
		bus:      bus,
		opts:     opts,
		topo:     topo,
		holder:   holder,
		requests: make(map[uuid.UUID]*Request),
	}
	s.tracker = NewTracker(s.onComplete)
	return s
}

// SetTopology swaps the topology and replans against it.
func (s *Service) SetTopology(topo *network.Topology) {
	s.mu.Lock()
	s.topo = topo
	s.mu.Unlock()
	if _, err := s.Replan(context.Background()); err != nil {
		slog.Error("replan after topology change failed", "err", err)
	}
}

// Submit accepts a new irrigation request and returns the revised plan.
// Re-submitting an identical request set yields an identical plan.
func (s *Service) Submit(ctx context.Context, req *Request) (*Plan, error) {
	if req.ID == uuid.Nil {
		return nil, fmt.Errorf("request id is required")
	}
	if req.Volume.Sign() <= 0 {
		return nil, fmt.Errorf("volume must be positive")
	}

	s.mu.Lock()
	if _, dup := s.requests[req.ID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("request %s already submitted", req.ID)
	}
	req.SetStatus(StatusPending)
	s.requests[req.ID] = req
	s.mu.Unlock()

	return s.Replan(ctx)
}

// Cancel withdraws a request and replans without it.
func (s *Service) Cancel(ctx context.Context, reqID uuid.UUID) (*Plan, error) {
	s.mu.Lock()
	req, ok := s.requests[reqID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown request %s", reqID)
	}
	delete(s.requests, reqID)
	s.mu.Unlock()

	s.tracker.Untrack(req.ID)
	return s.Replan(ctx)
}

// Replan rebuilds the operation plan from every open request against the
// current network state, supersedes the live plan in the executor and
// starts delivery tracking for newly scheduled requests. Closure tails of
// already-completed deliveries are carried into the rebuilt plan until
// they expire, so superseding the plan never drops a pending close.
func (s *Service) Replan(ctx context.Context) (*Plan, error) {
	s.mu.Lock()
	topo := s.topo
	open := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		if r.Status() != StatusComplete {
			open = append(open, r)
		}
	}
	s.mu.Unlock()

	plan, err := BuildPlan(open, topo, s.holder.Load(), s.opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tails = liveTails(s.tails, time.Now().UTC())
	if len(s.tails) > 0 {
		plan.Operations = append(plan.Operations, s.tails...)
		sortOperations(plan.Operations)
		plan.ID = planFingerprint(plan.Operations)
	}
	superseded := s.plan
	s.plan = plan
	s.mu.Unlock()

	if s.executor != nil {
		s.executor.Dispatch(plan)
	}
	for _, r := range open {
		if status := r.Status(); status == StatusScheduled || status == StatusActive {
			if zone, ok := topo.Zones[r.Zone]; ok {
				s.tracker.Track(r, zone.DeliveryGate)
			}
		}
	}

	if s.bus != nil {
		if superseded != nil && superseded.ID != plan.ID {
			ev, _ := messaging.NewEvent(messaging.EventTypePlanSuperseded, "scheduler", superseded.ID)
			_ = s.bus.Publish(ctx, messaging.SubjectScheduleEvents, ev)
		}
		ev, _ := messaging.NewEvent(messaging.EventTypePlanCreated, "scheduler", plan)
		_ = s.bus.Publish(ctx, messaging.SubjectScheduleEvents, ev)
		for _, d := range plan.Deferred {
			ev, _ := messaging.NewEvent(messaging.EventTypeRequestDeferred, "scheduler", d)
			_ = s.bus.Publish(ctx, messaging.SubjectScheduleEvents, ev)
		}
	}
	return plan, nil
}

// Plan returns the live plan.
func (s *Service) Plan() *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Requests returns a snapshot of all known requests.
func (s *Service) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	return out
}

// Observe feeds a freshly solved state into delivery tracking. Called by
// the control loop after every publish; completions trigger a replan,
// which is what cascades the flow reduction upstream.
func (s *Service) Observe(st *network.State, now time.Time) {
	s.tracker.Observe(st, now)
}

// Delivered reports the volume delivered so far for a request.
func (s *Service) Delivered(reqID uuid.UUID) string {
	return s.tracker.Delivered(reqID).String()
}

// Demands implements the solver's demand source: the net outflow at every
// zone delivery node whose request window covers now.
func (s *Service) Demands() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make(map[string]float64)
	for _, r := range s.requests {
		if status := r.Status(); status != StatusScheduled && status != StatusActive {
			continue
		}
		if now.Before(r.RequestedStart) {
			continue
		}
		zone, ok := s.topo.Zones[r.Zone]
		if !ok {
			continue
		}
		out[zone.DeliveryNode] += r.FlowRate
	}
	return out
}

func (s *Service) onComplete(req *Request, delivered decimal.Decimal) {
	slog.Info("delivery complete", "request", req.ID, "zone", req.Zone,
		"delivered_m3", delivered.String(), "target_m3", req.Volume.String())

	// The measured completion replaces the plan's estimate: build the
	// close cascade from the actual instant and carry it through the
	// replan, which no longer contains this request.
	now := time.Now().UTC()
	s.mu.Lock()
	others := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		if r.ID != req.ID {
			others = append(others, r)
		}
	}
	tail := closureTail(req, others, s.topo, s.holder.Load(), now, s.opts)
	s.tails = append(s.tails, tail...)
	s.mu.Unlock()

	if s.bus != nil {
		ev, _ := messaging.NewEvent(messaging.EventTypeDeliveryComplete, "scheduler", messaging.DeliveryEvent{
			RequestID:   req.ID,
			Zone:        req.Zone,
			DeliveredM3: delivered.String(),
			TargetM3:    req.Volume.String(),
			At:          now,
		})
		_ = s.bus.Publish(context.Background(), messaging.SubjectScheduleEvents, ev)
	}
	if _, err := s.Replan(context.Background()); err != nil {
		slog.Error("replan after completion failed", "request", req.ID, "err", err)
	}
}

// liveTails drops closure operations that are comfortably past due; the
// executor has already delivered them.
func liveTails(tails []Operation, now time.Time) []Operation {
	out := tails[:0]
	for _, op := range tails {
		if now.Sub(op.ScheduledAt) < tailGrace {
			out = append(out, op)
		}
	}
	return out
}
