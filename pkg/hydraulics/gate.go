package hydraulics

import (
	"fmt"
	"math"
)

// Gravity is the standard gravitational acceleration in m/s^2.
const Gravity = 9.80665

// submergenceRatio is the downstream/upstream head ratio above which a
// sluice-type gate operates submerged.
const submergenceRatio = 0.67

// closedFraction of maximum opening below which a gate is treated as closed.
const closedFraction = 0.001

// calibrationFloor is the fraction of the design opening below which the
// power-law coefficient fit is extrapolating rather than interpolating.
const calibrationFloor = 0.25

// GateKind identifies the physical gate construction.
type GateKind string

const (
	GateRadial GateKind = "radial"
	GateSlide  GateKind = "slide"
	GateWeir   GateKind = "weir"
)

// Regime classifies the hydraulic flow condition at a gate.
type Regime string

const (
	RegimeClosed    Regime = "closed"
	RegimeFree      Regime = "free"
	RegimeSubmerged Regime = "submerged"
)

// Gate holds the calibrated physical parameters of a control gate.
// It is immutable during computation; Flow is safe for concurrent use.
type Gate struct {
	ID            string
	Kind          GateKind
	Width         float64 // m
	SillElevation float64 // m above datum
	MaxOpening    float64 // m
	DesignOpening float64 // m, opening at which K1 was fitted
	K1            float64 // discharge coefficient at design opening
	K2            float64 // calibration exponent
}

// FlowResult is the outcome of a single gate flow computation. Rate is
// signed: positive in the declared upstream->downstream direction.
type FlowResult struct {
	Rate        float64 // m^3/s
	Regime      Regime
	Coefficient float64
	Warnings    []string
}

// Coefficient returns the discharge coefficient for the given opening,
// extrapolating the power-law fit outside its calibrated range.
func (g *Gate) Coefficient(opening float64) (float64, bool) {
	if g.DesignOpening <= 0 || opening <= 0 {
		return g.K1, false
	}
	extrapolated := opening > g.DesignOpening || opening > g.MaxOpening ||
		opening < calibrationFloor*g.DesignOpening
	return g.K1 * math.Pow(opening/g.DesignOpening, g.K2), extrapolated
}

// Flow computes the signed flow rate through the gate for the given opening
// and water-surface elevations. A reverse head gradient yields a negative
// rate with a backflow warning; weirs block reverse flow entirely.
func (g *Gate) Flow(opening, upstream, downstream float64) FlowResult {
	if g.MaxOpening > 0 && opening <= closedFraction*g.MaxOpening {
		return FlowResult{Rate: 0, Regime: RegimeClosed}
	}

	res := FlowResult{}
	if opening > g.MaxOpening {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("gate %s: opening %.3f exceeds maximum %.3f", g.ID, opening, g.MaxOpening))
	}

	sign := 1.0
	up, dn := upstream, downstream
	if dn > up {
		if g.Kind == GateWeir {
			res.Regime = RegimeClosed
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("gate %s: reverse gradient blocked by weir crest", g.ID))
			return res
		}
		sign = -1.0
		up, dn = dn, up
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("gate %s: reverse head gradient, backflow", g.ID))
	}

	hu := up - g.SillElevation
	hd := dn - g.SillElevation
	if hu <= 0 {
		// Water surface below the sill on both sides.
		res.Regime = RegimeClosed
		return res
	}
	if hd < 0 {
		hd = 0
	}

	cd, extrapolated := g.Coefficient(opening)
	if extrapolated {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("gate %s: opening %.3f outside calibrated range, coefficient extrapolated", g.ID, opening))
	}
	res.Coefficient = cd

	var effectiveHead, headDiff float64
	switch g.Kind {
	case GateWeir:
		effectiveHead = hu
		headDiff = hu
		if hd/hu > submergenceRatio {
			res.Regime = RegimeSubmerged
			headDiff = hu - hd
		} else {
			res.Regime = RegimeFree
		}
	default: // radial and slide gates share the orifice form
		effectiveHead = math.Min(opening, hu)
		if hd/hu > submergenceRatio {
			res.Regime = RegimeSubmerged
			headDiff = hu - hd
		} else {
			res.Regime = RegimeFree
			headDiff = hu
		}
	}

	if headDiff <= 0 {
		res.Rate = 0
		return res
	}

	res.Rate = sign * cd * g.Width * effectiveHead * math.Sqrt(2*Gravity*headDiff)
	return res
}

// OpeningForFlow solves the gate equation for the opening that produces the
// target flow at the given levels. Bounded bisection over [0, MaxOpening];
// returns the best estimate and whether it converged. A target beyond the
// gate's fully-open capacity returns MaxOpening unconverged.
func (g *Gate) OpeningForFlow(target, upstream, downstream float64) (float64, bool) {
	if target <= 0 {
		return 0, true
	}
	atMax := g.Flow(g.MaxOpening, upstream, downstream).Rate
	if atMax < target {
		return g.MaxOpening, false
	}

	lo, hi := 0.0, g.MaxOpening
	opening := hi / 2
	for i := 0; i < maxIterations; i++ {
		opening = (lo + hi) / 2
		q := g.Flow(opening, upstream, downstream).Rate
		if relErr(q, target) < relTolerance {
			return opening, true
		}
		if q < target {
			lo = opening
		} else {
			hi = opening
		}
	}
	return opening, false
}

func relErr(got, want float64) float64 {
	if want == 0 {
		return math.Abs(got)
	}
	return math.Abs(got-want) / math.Abs(want)
}
