package solver

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/hydraulics"
)

func testReachGeom(id string, length float64) hydraulics.Reach {
	return hydraulics.Reach{
		ID: id, Length: length, BottomWidth: 3.0, SideSlope: 1.5,
		Roughness: 0.025, BedSlope: 0.0005, DesignDepth: 1.5, Capacity: 15,
	}
}

func testGateGeom(id string, sill float64) hydraulics.Gate {
	return hydraulics.Gate{
		ID: id, Kind: hydraulics.GateSlide, Width: 2.0, SillElevation: sill,
		MaxOpening: 2.0, DesignOpening: 1.0, K1: 0.61, K2: -0.1,
	}
}

// singleReachTopo: fixed-level source feeding one demand node through a
// single reach. The node's level must settle where the reach carries
// exactly the demand.
func singleReachTopo() *network.Topology {
	return &network.Topology{
		SourceNode: "SRC",
		Nodes: map[string]*network.Node{
			"SRC": {ID: "SRC", BedElevation: 100.0, DesignLevel: 102.0, DesignDepth: 2.0},
			"N1":  {ID: "N1", BedElevation: 99.5, DesignLevel: 101.5, DesignDepth: 2.0},
		},
		Reaches: map[string]*network.ReachLink{
			"R1": {Reach: testReachGeom("R1", 2000), UpNode: "SRC", DownNode: "N1"},
		},
		Gates: map[string]*network.GateLink{},
		Zones: map[string]*network.Zone{},
	}
}

func testOpts() Options {
	return Options{Tolerance: 0.001, MaxIterations: 2000, Workers: 4}
}

func nodeBalance(topo *network.Topology, st *network.State, node string) float64 {
	sum := 0.0
	for id, g := range topo.Gates {
		if g.UpNode == node {
			sum -= st.GateFlows[id]
		}
		if g.DownNode == node {
			sum += st.GateFlows[id]
		}
	}
	for id, r := range topo.Reaches {
		if r.UpNode == node {
			sum -= st.ReachFlows[id]
		}
		if r.DownNode == node {
			sum += st.ReachFlows[id]
		}
	}
	return sum
}

func TestSolveSingleDemandNode(t *testing.T) {
	topo := singleReachTopo()
	demands := map[string]float64{"N1": 1.0}

	res, err := Solve(context.Background(), topo, network.DesignState(topo), demands, nil, testOpts())
	require.NoError(t, err)
	require.True(t, res.Converged)

	// Mass balance: net inflow at N1 equals its demand within tolerance.
	assert.InDelta(t, 1.0, nodeBalance(topo, res.State, "N1"), 0.002)
	// The node backed up toward the source level to choke the inflow.
	assert.Greater(t, res.State.Levels["N1"], topo.Nodes["N1"].DesignLevel)
	assert.Less(t, res.State.Levels["N1"], topo.Nodes["SRC"].DesignLevel)
}

func TestSolveBranchingNetwork(t *testing.T) {
	topo := singleReachTopo()
	topo.Nodes["N2"] = &network.Node{ID: "N2", BedElevation: 99.4, DesignLevel: 101.4, DesignDepth: 2.0}
	topo.Reaches["R2"] = &network.ReachLink{Reach: testReachGeom("R2", 2500), UpNode: "SRC", DownNode: "N2"}
	demands := map[string]float64{"N1": 0.5, "N2": 0.8}

	res, err := Solve(context.Background(), topo, network.DesignState(topo), demands, nil, testOpts())
	require.NoError(t, err)
	require.True(t, res.Converged)

	for node, want := range demands {
		assert.InDelta(t, want, nodeBalance(topo, res.State, node), 0.002, "node %s", node)
	}
}

func TestSolveGateFedChain(t *testing.T) {
	topo := &network.Topology{
		SourceNode: "SRC",
		Nodes: map[string]*network.Node{
			"SRC": {ID: "SRC", BedElevation: 100.0, DesignLevel: 102.0, DesignDepth: 2.0},
			"N1":  {ID: "N1", BedElevation: 98.0, DesignLevel: 99.5, DesignDepth: 1.5},
			"N2":  {ID: "N2", BedElevation: 97.5, DesignLevel: 99.0, DesignDepth: 1.5},
		},
		Gates: map[string]*network.GateLink{
			"G1": {Gate: testGateGeom("G1", 100.0), UpNode: "SRC", DownNode: "N1"},
		},
		Reaches: map[string]*network.ReachLink{
			"R1": {Reach: testReachGeom("R1", 2000), UpNode: "N1", DownNode: "N2"},
		},
		Zones: map[string]*network.Zone{},
	}

	opening := 0.5
	supply := topo.Gates["G1"].Flow(opening, 102.0, 99.5).Rate
	require.Positive(t, supply)

	res, err := Solve(context.Background(), topo, network.DesignState(topo),
		map[string]float64{"N2": supply},
		map[string]float64{"G1": opening}, testOpts())
	require.NoError(t, err)
	require.True(t, res.Converged)

	// The reach passes the gate's supply through to the demand node.
	assert.InDelta(t, supply, res.State.ReachFlows["R1"], 0.005)
	assert.InDelta(t, 0, nodeBalance(topo, res.State, "N1"), 0.002)
}

func TestSolveSurfacesGateWarnings(t *testing.T) {
	topo := &network.Topology{
		SourceNode: "SRC",
		Nodes: map[string]*network.Node{
			"SRC": {ID: "SRC", BedElevation: 100.0, DesignLevel: 102.0, DesignDepth: 2.0},
			"N1":  {ID: "N1", BedElevation: 98.0, DesignLevel: 99.5, DesignDepth: 1.5},
			"N2":  {ID: "N2", BedElevation: 97.5, DesignLevel: 99.0, DesignDepth: 1.5},
		},
		Gates: map[string]*network.GateLink{
			"G1": {Gate: testGateGeom("G1", 100.0), UpNode: "SRC", DownNode: "N1"},
		},
		Reaches: map[string]*network.ReachLink{
			"R1": {Reach: testReachGeom("R1", 2000), UpNode: "N1", DownNode: "N2"},
		},
		Zones: map[string]*network.Zone{},
	}

	// An opening well under the calibrated fit forces a coefficient
	// extrapolation warning on every gate evaluation.
	opening := 0.2
	supply := topo.Gates["G1"].Flow(opening, 102.0, 99.5).Rate
	require.Positive(t, supply)

	res, err := Solve(context.Background(), topo, network.DesignState(topo),
		map[string]float64{"N2": supply},
		map[string]float64{"G1": opening}, testOpts())
	require.NoError(t, err)

	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "G1")
	assert.Contains(t, res.Warnings[0], "extrapolated")
}

func TestSolveNonConvergenceReported(t *testing.T) {
	topo := singleReachTopo()
	// Demand far beyond what the reach can physically carry.
	demands := map[string]float64{"N1": 50.0}

	opts := testOpts()
	opts.MaxIterations = 200
	res, err := Solve(context.Background(), topo, network.DesignState(topo), demands, nil, opts)

	require.ErrorIs(t, err, ErrNotConverged)
	require.NotNil(t, res.State)
	assert.False(t, res.Converged)
	assert.Equal(t, 200, res.Iterations)
	assert.Greater(t, res.Residual, 0.001)
	assert.False(t, res.State.Converged)
}

func TestSolveHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	topo := singleReachTopo()
	res, err := Solve(ctx, topo, network.DesignState(topo), map[string]float64{"N1": 1.0}, nil, testOpts())
	require.ErrorIs(t, err, ErrNotConverged)
	assert.False(t, res.Converged)
	assert.NotNil(t, res.State)
}

func TestSolveDeterministic(t *testing.T) {
	topo := singleReachTopo()
	topo.Nodes["N2"] = &network.Node{ID: "N2", BedElevation: 99.4, DesignLevel: 101.4, DesignDepth: 2.0}
	topo.Reaches["R2"] = &network.ReachLink{Reach: testReachGeom("R2", 2500), UpNode: "SRC", DownNode: "N2"}
	demands := map[string]float64{"N1": 0.5, "N2": 0.8}

	a, err := Solve(context.Background(), topo, network.DesignState(topo), demands, nil, testOpts())
	require.NoError(t, err)
	b, err := Solve(context.Background(), topo, network.DesignState(topo), demands, nil, testOpts())
	require.NoError(t, err)

	assert.Equal(t, a.Iterations, b.Iterations)
	for id := range topo.Nodes {
		assert.Equal(t, a.State.Levels[id], b.State.Levels[id], "node %s", id)
	}
}

func TestAdaptiveRelaxation(t *testing.T) {
	t.Run("halves on oscillation", func(t *testing.T) {
		r := &relaxation{factor: 0.8}
		r.update(1.0)
		r.update(-0.5)
		assert.InDelta(t, 0.4, r.factor, 1e-9)
	})

	t.Run("grows after sustained shrink", func(t *testing.T) {
		r := &relaxation{factor: 0.5}
		for _, imb := range []float64{4.0, 3.0, 2.0, 1.0} {
			r.update(imb)
		}
		assert.InDelta(t, 0.6, r.factor, 1e-9)
	})

	t.Run("respects floor", func(t *testing.T) {
		r := &relaxation{factor: relaxFloor}
		r.update(1.0)
		r.update(-1.0)
		assert.GreaterOrEqual(t, r.factor, relaxFloor)
	})
}

func TestFeasibilityChecks(t *testing.T) {
	topo := singleReachTopo()
	st := network.DesignState(topo)
	o := Options{}.withDefaults()

	t.Run("clean state has no findings", func(t *testing.T) {
		st := st.Clone()
		st.ReachFlows["R1"] = 5.0
		st.ReachDepths["R1"] = 1.5
		// velocity = 5.0 / ((3+1.5*1.5)*1.5) = 0.63 m/s
		assert.Empty(t, checkFeasibility(topo, st, o))
	})

	t.Run("erosion velocity flagged", func(t *testing.T) {
		st := st.Clone()
		st.ReachFlows["R1"] = 14.0
		st.ReachDepths["R1"] = 0.8
		found := checkFeasibility(topo, st, o)
		require.NotEmpty(t, found)
		assert.Equal(t, ViolationVelocityHigh, found[0].Kind)
	})

	t.Run("over capacity flagged", func(t *testing.T) {
		st := st.Clone()
		st.ReachFlows["R1"] = 16.0
		st.ReachDepths["R1"] = 4.0
		kinds := map[ViolationKind]bool{}
		for _, v := range checkFeasibility(topo, st, o) {
			kinds[v.Kind] = true
		}
		assert.True(t, kinds[ViolationOverCapacity])
	})

	t.Run("depth bands flagged", func(t *testing.T) {
		st := st.Clone()
		st.Levels["N1"] = topo.Nodes["N1"].BedElevation + 0.2 // well under 50% of design
		found := checkFeasibility(topo, st, o)
		require.NotEmpty(t, found)
		low := false
		for _, v := range found {
			if v.Kind == ViolationDepthLow && v.SubjectID == "N1" {
				low = true
			}
		}
		assert.True(t, low)
	})
}

func TestReachTransferDirection(t *testing.T) {
	topo := singleReachTopo()
	st := network.DesignState(topo)
	rl := topo.Reaches["R1"]

	q, _ := reachTransfer(rl, topo, st)
	assert.Positive(t, q)

	// Reverse the surface gradient; flow follows it.
	st.Levels["N1"] = st.Levels["SRC"] + 0.5
	q, _ = reachTransfer(rl, topo, st)
	assert.Negative(t, q)

	// Flat surface carries nothing.
	st.Levels["N1"] = st.Levels["SRC"]
	q, _ = reachTransfer(rl, topo, st)
	assert.Zero(t, q)

	if math.IsNaN(q) {
		t.Fatal("NaN flow")
	}
}
