package solver

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
)

// ErrNotConverged is returned when the iteration cap or deadline is reached
// before the residual falls under tolerance. The partial result is still
// returned alongside it.
var ErrNotConverged = errors.New("solver did not converge")

// Options tune a solve. Zero values fall back to defaults.
type Options struct {
	Tolerance     float64 // max node imbalance, m^3/s
	MaxIterations int
	Workers       int     // parallel gate/reach evaluations per iteration
	LevelGain     float64 // m of level change per m^3/s of imbalance
	MaxLevelStep  float64 // m, clamp on a single level adjustment

	// Feasibility bands checked on the converged state.
	VelocityMin     float64 // m/s, stagnation floor
	VelocityMax     float64 // m/s, erosion ceiling
	DepthMinPercent float64 // fraction of design depth
	DepthMaxPercent float64
}

func (o Options) withDefaults() Options {
	out := o
	if out.Tolerance <= 0 {
		out.Tolerance = 0.001
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = 500
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.LevelGain <= 0 {
		out.LevelGain = 0.05
	}
	if out.MaxLevelStep <= 0 {
		out.MaxLevelStep = 0.25
	}
	if out.VelocityMin <= 0 {
		out.VelocityMin = 0.3
	}
	if out.VelocityMax <= 0 {
		out.VelocityMax = 2.0
	}
	if out.DepthMinPercent <= 0 {
		out.DepthMinPercent = 0.5
	}
	if out.DepthMaxPercent <= 0 {
		out.DepthMaxPercent = 1.25
	}
	return out
}

// Result carries the solved state plus convergence and feasibility
// metadata. Non-convergence and constraint violations are reported here,
// never masked.
type Result struct {
	State      *network.State
	Converged  bool
	Iterations int
	Residual   float64
	Warnings   []string
	Violations []Violation
}

// relaxation state per node: classic under/over-relaxation control. The
// factor halves when the imbalance oscillates in sign and grows by 20%
// after three consecutive monotone reductions.
type relaxation struct {
	factor    float64
	lastImb   float64
	shrinkRun int
}

const (
	relaxInitial = 0.5
	relaxFloor   = 0.01
	relaxCeil    = 1.0
	relaxGrowth  = 1.2
)

func (r *relaxation) update(imb float64) {
	switch {
	case r.lastImb != 0 && imb*r.lastImb < 0:
		r.factor = math.Max(relaxFloor, r.factor*0.5)
		r.shrinkRun = 0
	case math.Abs(imb) < math.Abs(r.lastImb):
		r.shrinkRun++
		if r.shrinkRun >= 3 {
			r.factor = math.Min(relaxCeil, r.factor*relaxGrowth)
			r.shrinkRun = 0
		}
	default:
		r.shrinkRun = 0
	}
	r.lastImb = imb
}

// Solve runs the fixed-point mass-balance iteration over node water levels.
// The source node is a fixed-level boundary; every other node's level is
// adjusted proportionally to its flow imbalance until max |imbalance| falls
// under tolerance. The returned state is a new snapshot; initial is not
// mutated. Gate openings come from the caller (actual, post-state-machine
// values), demands are signed net outflows per node.
func Solve(ctx context.Context, topo *network.Topology, initial *network.State,
	demands map[string]float64, openings map[string]float64, opts Options) (*Result, error) {

	o := opts.withDefaults()

	st := initial.Clone()
	st.Timestamp = time.Now().UTC()
	for id, op := range openings {
		st.GateOpenings[id] = op
	}
	for id, n := range topo.Nodes {
		if _, ok := st.Levels[id]; !ok {
			st.Levels[id] = n.DesignLevel
		}
	}

	// Deterministic orderings: goroutines write only their own index.
	gateIDs := sortedKeys(topo.Gates)
	reachIDs := sortedKeys(topo.Reaches)
	nodeIDs := sortedKeys(topo.Nodes)

	gateFlows := make([]float64, len(gateIDs))
	gateWarnings := make([][]string, len(gateIDs))
	reachFlows := make([]float64, len(reachIDs))
	reachDepths := make([]float64, len(reachIDs))

	relax := make(map[string]*relaxation, len(nodeIDs))
	for _, id := range nodeIDs {
		relax[id] = &relaxation{factor: relaxInitial}
	}

	res := &Result{}
	for iter := 1; iter <= o.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			res.State = finish(st, res, gateIDs, gateFlows, reachIDs, reachFlows, reachDepths)
			res.Iterations = iter - 1
			return res, ErrNotConverged
		default:
		}

		// Evaluate every gate and reach against the current levels. The
		// levels map is read-only inside this fan-out; results land in
		// pre-allocated slices so the combination is deterministic.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.Workers)
		for i, id := range gateIDs {
			i, gl := i, topo.Gates[id]
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				fr := gl.Flow(st.GateOpenings[gl.Gate.ID], st.Levels[gl.UpNode], st.Levels[gl.DownNode])
				gateFlows[i] = fr.Rate
				gateWarnings[i] = fr.Warnings
				return nil
			})
		}
		for i, id := range reachIDs {
			i, rl := i, topo.Reaches[id]
			g.Go(func() error {
				q, d := reachTransfer(rl, topo, st)
				reachFlows[i] = q
				reachDepths[i] = d
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			res.State = finish(st, res, gateIDs, gateFlows, reachIDs, reachFlows, reachDepths)
			res.Iterations = iter - 1
			return res, ErrNotConverged
		}

		// Net imbalance per node: inflows - outflows - demand.
		imbalance := make(map[string]float64, len(nodeIDs))
		for i, id := range gateIDs {
			gl := topo.Gates[id]
			imbalance[gl.UpNode] -= gateFlows[i]
			imbalance[gl.DownNode] += gateFlows[i]
		}
		for i, id := range reachIDs {
			rl := topo.Reaches[id]
			imbalance[rl.UpNode] -= reachFlows[i]
			imbalance[rl.DownNode] += reachFlows[i]
		}
		for id, d := range demands {
			imbalance[id] -= d
		}

		// Level update at the iteration barrier; the source is a boundary.
		worst := 0.0
		for _, id := range nodeIDs {
			if id == topo.SourceNode {
				continue
			}
			imb := imbalance[id]
			if math.Abs(imb) > worst {
				worst = math.Abs(imb)
			}
			r := relax[id]
			r.update(imb)
			step := r.factor * o.LevelGain * imb
			if step > o.MaxLevelStep {
				step = o.MaxLevelStep
			} else if step < -o.MaxLevelStep {
				step = -o.MaxLevelStep
			}
			lvl := st.Levels[id] + step
			if bed := topo.Nodes[id].BedElevation; lvl < bed {
				lvl = bed
			}
			st.Levels[id] = lvl
		}

		res.Iterations = iter
		res.Residual = worst
		if worst < o.Tolerance {
			res.Converged = true
			break
		}
	}

	// Per-gate warnings from the last completed evaluation, in gate order.
	for i := range gateIDs {
		res.Warnings = append(res.Warnings, gateWarnings[i]...)
	}
	res.State = finish(st, res, gateIDs, gateFlows, reachIDs, reachFlows, reachDepths)
	res.Violations = checkFeasibility(topo, res.State, o)

	if !res.Converged {
		return res, ErrNotConverged
	}
	return res, nil
}

// reachTransfer computes the signed flow and mean depth through a reach
// from the current water-surface gradient. Flow follows the gradient; a
// reversed surface yields a negative rate.
func reachTransfer(rl *network.ReachLink, topo *network.Topology, st *network.State) (float64, float64) {
	upLvl, dnLvl := st.Levels[rl.UpNode], st.Levels[rl.DownNode]
	upBed := topo.Nodes[rl.UpNode].BedElevation
	dnBed := topo.Nodes[rl.DownNode].BedElevation

	sign := 1.0
	if dnLvl > upLvl {
		sign = -1.0
		upLvl, dnLvl = dnLvl, upLvl
		upBed, dnBed = dnBed, upBed
	}

	depth := ((upLvl - upBed) + (dnLvl - dnBed)) / 2
	if depth <= 0 {
		return 0, 0
	}
	slope := (upLvl - dnLvl) / rl.Length
	if slope <= 0 {
		return 0, depth
	}
	return sign * rl.FlowFromManning(depth, slope), depth
}

func finish(st *network.State, res *Result, gateIDs []string, gateFlows []float64,
	reachIDs []string, reachFlows, reachDepths []float64) *network.State {
	st.Converged = res.Converged
	st.Iterations = res.Iterations
	st.Residual = res.Residual
	for i, id := range gateIDs {
		st.GateFlows[id] = gateFlows[i]
	}
	for i, id := range reachIDs {
		st.ReachFlows[id] = reachFlows[i]
		st.ReachDepths[id] = reachDepths[i]
	}
	return st
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
