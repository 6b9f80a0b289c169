package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/circuit"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/delayqueue"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Authorizer filters operations through the gate control layer: manual,
// maintenance and failed gates refuse automatic commands.
type Authorizer interface {
	AuthorizeSetpoint(gateID string, target float64) (float64, error)
}

// CommandPublisher sends gate commands to the SCADA bridge.
type CommandPublisher interface {
	PublishDurable(ctx context.Context, subject string, data interface{}) error
}

// ExecutedSet records operation IDs that have already been executed, so a
// re-dispatched plan after a restart never repeats an operation. Mark
// returns false when the ID was already present.
type ExecutedSet interface {
	Mark(ctx context.Context, id uuid.UUID) (bool, error)
}

// FailureSink receives command-channel failures for the fallback counter.
type FailureSink interface {
	RecordCommFailure(gateID string, cause string) error
}

// Executor dispatches plan operations at their scheduled instants. A new
// plan supersedes the previous one: not-yet-executed operations are
// revoked before the new ones are enqueued. The SCADA channel sits behind
// a circuit breaker so transient faults retry without hammering a dead
// bridge.
type Executor struct {
	queue    *delayqueue.Queue
	auth     Authorizer
	bus      CommandPublisher
	executed ExecutedSet
	failures FailureSink
	breaker  *circuit.Breaker

	mu      sync.Mutex
	current uuid.UUID // active plan
	pending []uuid.UUID
}

// NewExecutor wires an executor. executed may be nil (no restart
// idempotency, e.g. in tests); failures may be nil.
func NewExecutor(auth Authorizer, bus CommandPublisher, executed ExecutedSet, failures FailureSink) *Executor {
	return &Executor{
		queue:    delayqueue.New(),
		auth:     auth,
		bus:      bus,
		executed: executed,
		failures: failures,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "scada-command",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 2,
		}),
	}
}

// Dispatch installs a plan, revoking every pending operation of the
// previous plan first. Operations whose instant already passed are still
// enqueued; the queue delivers them immediately and the executed set
// keeps the dispatch idempotent.
func (e *Executor) Dispatch(plan *Plan) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.pending {
		e.queue.Cancel(id)
	}
	e.pending = e.pending[:0]
	e.current = plan.ID

	for _, op := range plan.Operations {
		op := op
		if err := e.queue.Push(&delayqueue.Item{ID: op.ID, At: op.ScheduledAt, Payload: &op}); err != nil {
			// Identical operation already queued from the prior plan.
			continue
		}
		e.pending = append(e.pending, op.ID)
	}
	slog.Info("plan dispatched", "plan", plan.ID, "operations", len(plan.Operations))
}

// Pending returns how many operations await execution.
func (e *Executor) Pending() int {
	return e.queue.Len()
}

// Run delivers due operations until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	e.queue.Run(ctx, func(item *delayqueue.Item) {
		op := item.Payload.(*Operation)
		e.execute(ctx, op)
	})
}

func (e *Executor) execute(ctx context.Context, op *Operation) {
	if e.executed != nil {
		fresh, err := e.executed.Mark(ctx, op.ID)
		if err != nil {
			slog.Error("idempotency check failed, executing anyway", "op", op.ID, "err", err)
		} else if !fresh {
			slog.Info("operation already executed, skipping", "op", op.ID, "gate", op.GateID)
			return
		}
	}

	target := op.TargetOpening
	if e.auth != nil {
		authorized, err := e.auth.AuthorizeSetpoint(op.GateID, op.TargetOpening)
		if err != nil {
			slog.Warn("operation blocked by gate mode", "op", op.ID, "gate", op.GateID, "err", err)
			return
		}
		target = authorized
	}

	cmd := messaging.GateCommand{
		OperationID:   op.ID,
		GateID:        op.GateID,
		Action:        string(op.Action),
		TargetOpening: target,
		Reason:        op.Reason,
		IssuedAt:      time.Now().UTC(),
	}
	err := e.breaker.Execute(ctx, func() error {
		return e.bus.PublishDurable(ctx, messaging.SubjectCommand, cmd)
	})
	if err != nil {
		slog.Error("gate command failed", "op", op.ID, "gate", op.GateID, "err", err)
		if e.failures != nil {
			_ = e.failures.RecordCommFailure(op.GateID, err.Error())
		}
	}
}
