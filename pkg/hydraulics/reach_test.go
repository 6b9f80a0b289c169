package hydraulics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReach() *Reach {
	return &Reach{
		ID:          "LMC-03",
		Length:      4200,
		BottomWidth: 4.0,
		SideSlope:   1.5,
		Roughness:   0.025,
		BedSlope:    0.0004,
		DesignDepth: 1.8,
		Capacity:    12.0,
	}
}

func TestTrapezoidGeometry(t *testing.T) {
	r := testReach()

	t.Run("area grows superlinearly with depth", func(t *testing.T) {
		assert.InDelta(t, 0, r.Area(0), 1e-12)
		assert.InDelta(t, (4.0+1.5*1.0)*1.0, r.Area(1.0), 1e-9)
		assert.InDelta(t, (4.0+1.5*2.0)*2.0, r.Area(2.0), 1e-9)
	})

	t.Run("dry channel has bottom-width perimeter", func(t *testing.T) {
		assert.InDelta(t, 4.0, r.WettedPerimeter(0), 1e-12)
	})
}

func TestFlowFromManning(t *testing.T) {
	r := testReach()

	t.Run("zero depth carries nothing", func(t *testing.T) {
		assert.Zero(t, r.FlowFromManning(0, r.BedSlope))
	})

	t.Run("flow increases with depth", func(t *testing.T) {
		prev := 0.0
		for _, d := range []float64{0.3, 0.6, 0.9, 1.2, 1.5, 1.8} {
			q := r.FlowFromManning(d, r.BedSlope)
			assert.Greater(t, q, prev)
			prev = q
		}
	})

	t.Run("flow increases with slope", func(t *testing.T) {
		assert.Greater(t,
			r.FlowFromManning(1.2, 2*r.BedSlope),
			r.FlowFromManning(1.2, r.BedSlope))
	})
}

func TestNormalDepthRoundTrip(t *testing.T) {
	r := testReach()
	for _, depth := range []float64{0.25, 0.5, 1.0, 1.5, 1.8, 2.4} {
		q := r.FlowFromManning(depth, r.BedSlope)
		got, ok := r.NormalDepth(q, r.BedSlope)
		require.True(t, ok, "depth %.2f", depth)
		assert.InEpsilon(t, depth, got, 0.01, "depth %.2f", depth)
	}
}

func TestNormalDepthEdgeCases(t *testing.T) {
	r := testReach()

	t.Run("zero flow means zero depth", func(t *testing.T) {
		d, ok := r.NormalDepth(0, r.BedSlope)
		assert.True(t, ok)
		assert.Zero(t, d)
	})

	t.Run("flat channel cannot converge", func(t *testing.T) {
		_, ok := r.NormalDepth(2.0, 0)
		assert.False(t, ok)
	})
}

func TestVelocityMonotoneInFlow(t *testing.T) {
	r := testReach()
	prev := 0.0
	for _, q := range []float64{0.5, 1.0, 2.0, 4.0, 8.0, 12.0} {
		depth, ok := r.NormalDepth(q, r.BedSlope)
		require.True(t, ok)
		v := r.Velocity(q, depth)
		assert.GreaterOrEqual(t, v, prev, "flow %.1f", q)
		prev = v
	}
}

func TestTravelTime(t *testing.T) {
	r := testReach()

	t.Run("higher flow travels faster", func(t *testing.T) {
		slow := r.TravelTime(1.0, r.BedSlope)
		fast := r.TravelTime(8.0, r.BedSlope)
		assert.Less(t, fast, slow)
		assert.Positive(t, fast)
	})

	t.Run("zero flow never arrives", func(t *testing.T) {
		assert.True(t, r.TravelTime(0, r.BedSlope) > 1e18)
	})
}
