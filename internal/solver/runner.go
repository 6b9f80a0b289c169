package solver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// TelemetrySource hands over buffered external readings at solve
// boundaries. Drain must return readings accumulated since the last call.
type TelemetrySource interface {
	Drain() []messaging.TelemetryReading
}

// DemandSource supplies the current signed net outflow per node.
type DemandSource interface {
	Demands() map[string]float64
}

// OpeningSource supplies the actual gate openings as tracked by the gate
// control layer (which may differ from scheduled targets).
type OpeningSource interface {
	Openings() map[string]float64
}

// Publisher is the event-bus surface the runner needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// SnapshotWriter persists solved states for audit and replay.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, st *network.State, violations []Violation) error
}

// Runner is the continuous solve loop: merge external updates, solve,
// publish. It owns the authoritative state holder.
type Runner struct {
	Holder    *network.Holder
	Telemetry TelemetrySource
	Demands   DemandSource
	Openings  OpeningSource
	Bus       Publisher
	History   SnapshotWriter

	Opts         Options
	Interval     time.Duration
	SolveTimeout time.Duration

	mu   sync.RWMutex
	topo *network.Topology
}

// NewRunner wires a solve loop over the given topology and state holder.
func NewRunner(topo *network.Topology, holder *network.Holder) *Runner {
	return &Runner{
		Holder:       holder,
		Interval:     10 * time.Second,
		SolveTimeout: 5 * time.Second,
		topo:         topo,
	}
}

// SetTopology swaps in a replacement topology; picked up at the next cycle.
func (r *Runner) SetTopology(topo *network.Topology) {
	r.mu.Lock()
	r.topo = topo
	r.mu.Unlock()
	slog.Info("topology replaced", "nodes", len(topo.Nodes), "gates", len(topo.Gates))
}

// Topology returns the active topology.
func (r *Runner) Topology() *network.Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topo
}

// Run executes solve cycles until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	slog.Info("solver runner starting", "interval", r.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("solver runner stopping")
			return
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle performs one merge-solve-publish pass. Exported so tests and the
// scheduler can force an immediate recomputation.
func (r *Runner) Cycle(ctx context.Context) *Result {
	topo := r.Topology()
	prev := r.Holder.Load()

	initial := prev.Clone()
	r.applyTelemetry(topo, initial)

	var demands map[string]float64
	if r.Demands != nil {
		demands = r.Demands.Demands()
	}
	var openings map[string]float64
	if r.Openings != nil {
		openings = r.Openings.Openings()
	}

	sctx, cancel := context.WithTimeout(ctx, r.SolveTimeout)
	defer cancel()

	res, err := Solve(sctx, topo, initial, demands, openings, r.Opts)
	if err != nil && !errors.Is(err, ErrNotConverged) {
		slog.Error("solve failed", "err", err)
		return res
	}
	if !res.Converged {
		slog.Warn("solve did not converge, publishing flagged state",
			"iterations", res.Iterations, "residual", res.Residual)
	}

	st := r.Holder.Publish(res.State)
	r.broadcast(ctx, st, res)

	if r.History != nil {
		if err := r.History.WriteSnapshot(ctx, st, res.Violations); err != nil {
			slog.Error("snapshot write failed", "err", err)
		}
	}
	return res
}

func (r *Runner) applyTelemetry(topo *network.Topology, st *network.State) {
	if r.Telemetry == nil {
		return
	}
	for _, reading := range r.Telemetry.Drain() {
		switch reading.Kind {
		case "level":
			if _, ok := topo.Nodes[reading.StructureID]; ok {
				st.Levels[reading.StructureID] = reading.Value
			}
		case "opening":
			if _, ok := topo.Gates[reading.StructureID]; ok {
				st.GateOpenings[reading.StructureID] = reading.Value
			}
		case "flow":
			if _, ok := topo.Gates[reading.StructureID]; ok {
				st.GateFlows[reading.StructureID] = reading.Value
			}
		}
	}
}

func (r *Runner) broadcast(ctx context.Context, st *network.State, res *Result) {
	if r.Bus == nil {
		return
	}
	update := messaging.StateUpdate{
		Version:    st.Version,
		Timestamp:  st.Timestamp,
		Converged:  res.Converged,
		Iterations: res.Iterations,
		Residual:   res.Residual,
		Levels:     st.Levels,
		Flows:      st.GateFlows,
		Openings:   st.GateOpenings,
	}
	for _, v := range res.Violations {
		update.Violations = append(update.Violations, v.Message)
	}
	if err := r.Bus.Publish(ctx, messaging.SubjectStateBroadcast, update); err != nil {
		slog.Error("state broadcast failed", "err", err)
	}
}
