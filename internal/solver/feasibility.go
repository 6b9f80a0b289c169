package solver

import (
	"fmt"
	"math"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
)

// ViolationKind classifies a physical-constraint finding.
type ViolationKind string

const (
	ViolationVelocityLow  ViolationKind = "velocity_low"
	ViolationVelocityHigh ViolationKind = "velocity_high"
	ViolationDepthLow     ViolationKind = "depth_low"
	ViolationDepthHigh    ViolationKind = "depth_high"
	ViolationOverCapacity ViolationKind = "over_capacity"
)

// Violation is a structured physical-constraint finding on a solved state.
// Violations are returned with the result, never raised as errors.
type Violation struct {
	Kind      ViolationKind
	SubjectID string // reach or node id
	Value     float64
	Limit     float64
	Message   string
}

func checkFeasibility(topo *network.Topology, st *network.State, o Options) []Violation {
	var out []Violation

	for id, rl := range topo.Reaches {
		q := math.Abs(st.ReachFlows[id])
		depth := st.ReachDepths[id]
		if q == 0 || depth <= 0 {
			continue
		}
		v := rl.Velocity(q, depth)
		if v < o.VelocityMin {
			out = append(out, Violation{
				Kind: ViolationVelocityLow, SubjectID: id, Value: v, Limit: o.VelocityMin,
				Message: fmt.Sprintf("reach %s: velocity %.2f m/s below stagnation floor %.2f", id, v, o.VelocityMin),
			})
		}
		if v > o.VelocityMax {
			out = append(out, Violation{
				Kind: ViolationVelocityHigh, SubjectID: id, Value: v, Limit: o.VelocityMax,
				Message: fmt.Sprintf("reach %s: velocity %.2f m/s above erosion ceiling %.2f", id, v, o.VelocityMax),
			})
		}
		if rl.Capacity > 0 && q > rl.Capacity {
			out = append(out, Violation{
				Kind: ViolationOverCapacity, SubjectID: id, Value: q, Limit: rl.Capacity,
				Message: fmt.Sprintf("reach %s: flow %.2f m^3/s exceeds design capacity %.2f", id, q, rl.Capacity),
			})
		}
	}

	for id, n := range topo.Nodes {
		if n.DesignDepth <= 0 || id == topo.SourceNode {
			continue
		}
		depth := st.Depth(topo, id)
		if depth < o.DepthMinPercent*n.DesignDepth {
			out = append(out, Violation{
				Kind: ViolationDepthLow, SubjectID: id, Value: depth, Limit: o.DepthMinPercent * n.DesignDepth,
				Message: fmt.Sprintf("node %s: depth %.2f m below %.0f%% of design depth", id, depth, o.DepthMinPercent*100),
			})
		}
		if depth > o.DepthMaxPercent*n.DesignDepth {
			out = append(out, Violation{
				Kind: ViolationDepthHigh, SubjectID: id, Value: depth, Limit: o.DepthMaxPercent * n.DesignDepth,
				Message: fmt.Sprintf("node %s: depth %.2f m above %.0f%% of design depth", id, depth, o.DepthMaxPercent*100),
			})
		}
	}

	return out
}
