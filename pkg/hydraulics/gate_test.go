package hydraulics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGate() *Gate {
	return &Gate{
		ID:            "RG-01",
		Kind:          GateRadial,
		Width:         2.5,
		SillElevation: 100.0,
		MaxOpening:    2.0,
		DesignOpening: 1.0,
		K1:            0.61,
		K2:            -0.12,
	}
}

func TestGateFlowNoHead(t *testing.T) {
	g := testGate()

	t.Run("equal levels produce zero flow", func(t *testing.T) {
		res := g.Flow(0.8, 102.0, 102.0)
		assert.Zero(t, res.Rate)
	})

	t.Run("sign flips when levels swap", func(t *testing.T) {
		fwd := g.Flow(0.8, 102.5, 101.5)
		rev := g.Flow(0.8, 101.5, 102.5)
		require.Positive(t, fwd.Rate)
		assert.InDelta(t, fwd.Rate, -rev.Rate, 1e-9)
	})
}

func TestGateFlowRegimes(t *testing.T) {
	g := testGate()

	t.Run("near-zero opening is closed", func(t *testing.T) {
		res := g.Flow(0.0005, 102.5, 101.0)
		assert.Equal(t, RegimeClosed, res.Regime)
		assert.Zero(t, res.Rate)
	})

	t.Run("low tailwater is free flow", func(t *testing.T) {
		res := g.Flow(0.8, 102.5, 100.5)
		assert.Equal(t, RegimeFree, res.Regime)
		assert.Positive(t, res.Rate)
	})

	t.Run("high tailwater is submerged and slower", func(t *testing.T) {
		free := g.Flow(0.8, 102.5, 100.5)
		sub := g.Flow(0.8, 102.5, 102.2)
		assert.Equal(t, RegimeSubmerged, sub.Regime)
		assert.Less(t, sub.Rate, free.Rate)
		assert.Positive(t, sub.Rate)
	})

	t.Run("water below sill is closed", func(t *testing.T) {
		res := g.Flow(0.8, 99.5, 99.0)
		assert.Equal(t, RegimeClosed, res.Regime)
		assert.Zero(t, res.Rate)
	})
}

func TestGateBackflow(t *testing.T) {
	t.Run("radial gate passes reverse flow with warning", func(t *testing.T) {
		g := testGate()
		res := g.Flow(0.8, 101.5, 102.5)
		assert.Negative(t, res.Rate)
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("weir blocks reverse flow", func(t *testing.T) {
		g := testGate()
		g.Kind = GateWeir
		res := g.Flow(0.8, 101.5, 102.5)
		assert.Zero(t, res.Rate)
		assert.NotEmpty(t, res.Warnings)
	})
}

func TestGateCoefficientExtrapolation(t *testing.T) {
	g := testGate()

	t.Run("within calibrated range no warning", func(t *testing.T) {
		res := g.Flow(0.9, 102.5, 101.0)
		assert.Empty(t, res.Warnings)
	})

	t.Run("beyond design opening warns but computes", func(t *testing.T) {
		res := g.Flow(1.6, 102.5, 101.0)
		assert.Positive(t, res.Rate)
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("far below design opening warns but computes", func(t *testing.T) {
		res := g.Flow(0.1, 102.5, 101.0)
		assert.Positive(t, res.Rate)
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("coefficient flags both ends of the fit", func(t *testing.T) {
		_, high := g.Coefficient(1.6)
		assert.True(t, high)
		_, low := g.Coefficient(0.1)
		assert.True(t, low)
		_, mid := g.Coefficient(0.9)
		assert.False(t, mid)
	})
}

func TestGateFlowMonotoneInOpening(t *testing.T) {
	g := testGate()
	prev := 0.0
	for _, opening := range []float64{0.2, 0.4, 0.6, 0.8, 1.0} {
		q := g.Flow(opening, 102.5, 100.5).Rate
		assert.Greater(t, q, prev, "opening %.1f", opening)
		prev = q
	}
}

func TestOpeningForFlow(t *testing.T) {
	g := testGate()

	t.Run("round-trips through Flow", func(t *testing.T) {
		want := g.Flow(0.75, 102.5, 100.8).Rate
		opening, ok := g.OpeningForFlow(want, 102.5, 100.8)
		require.True(t, ok)
		got := g.Flow(opening, 102.5, 100.8).Rate
		assert.InEpsilon(t, want, got, 0.01)
	})

	t.Run("zero target closes the gate", func(t *testing.T) {
		opening, ok := g.OpeningForFlow(0, 102.5, 100.8)
		assert.True(t, ok)
		assert.Zero(t, opening)
	})

	t.Run("unreachable target reports non-convergence", func(t *testing.T) {
		opening, ok := g.OpeningForFlow(1e6, 102.5, 100.8)
		assert.False(t, ok)
		assert.Equal(t, g.MaxOpening, opening)
	})
}
