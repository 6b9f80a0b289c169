package hydraulics

import "math"

const (
	// relTolerance is the relative convergence tolerance shared by the
	// iterative solvers in this package.
	relTolerance = 1e-3
	maxIterations = 100
)

// Reach describes an open-channel canal segment with a trapezoidal
// cross-section. Geometry is read-only during a solve.
type Reach struct {
	ID          string
	Length      float64 // m
	BottomWidth float64 // m
	SideSlope   float64 // horizontal/vertical, 0 for rectangular
	Roughness   float64 // Manning n
	BedSlope    float64 // dimensionless
	DesignDepth float64 // m
	Capacity    float64 // m^3/s design capacity
}

// Area returns the cross-sectional flow area at the given depth.
func (r *Reach) Area(depth float64) float64 {
	if depth <= 0 {
		return 0
	}
	return (r.BottomWidth + r.SideSlope*depth) * depth
}

// WettedPerimeter returns the wetted perimeter at the given depth.
func (r *Reach) WettedPerimeter(depth float64) float64 {
	if depth <= 0 {
		return r.BottomWidth
	}
	return r.BottomWidth + 2*depth*math.Sqrt(1+r.SideSlope*r.SideSlope)
}

// HydraulicRadius returns area over wetted perimeter at the given depth.
func (r *Reach) HydraulicRadius(depth float64) float64 {
	p := r.WettedPerimeter(depth)
	if p <= 0 {
		return 0
	}
	return r.Area(depth) / p
}

// FlowFromManning computes the uniform-flow discharge for the given depth
// and energy slope using Manning's equation.
func (r *Reach) FlowFromManning(depth, slope float64) float64 {
	if depth <= 0 || slope <= 0 || r.Roughness <= 0 {
		return 0
	}
	a := r.Area(depth)
	return a * math.Pow(r.HydraulicRadius(depth), 2.0/3.0) * math.Sqrt(slope) / r.Roughness
}

// NormalDepth inverts Manning's equation: the depth carrying the given flow
// at the given slope. There is no closed form for a trapezoidal section, so
// a bracketed bisection is used. Returns the best estimate and whether the
// relative tolerance was met within the iteration cap.
func (r *Reach) NormalDepth(flow, slope float64) (float64, bool) {
	if flow <= 0 {
		return 0, true
	}
	if slope <= 0 || r.Roughness <= 0 {
		return 0, false
	}

	// Grow the upper bracket until it carries more than the target flow.
	hi := r.DesignDepth
	if hi <= 0 {
		hi = 1.0
	}
	for i := 0; i < 32 && r.FlowFromManning(hi, slope) < flow; i++ {
		hi *= 2
	}
	if r.FlowFromManning(hi, slope) < flow {
		return hi, false
	}

	lo := 0.0
	depth := hi / 2
	for i := 0; i < maxIterations; i++ {
		depth = (lo + hi) / 2
		q := r.FlowFromManning(depth, slope)
		if relErr(q, flow) < relTolerance {
			return depth, true
		}
		if q < flow {
			lo = depth
		} else {
			hi = depth
		}
	}
	return depth, false
}

// Velocity returns the mean flow velocity at the given flow and depth.
func (r *Reach) Velocity(flow, depth float64) float64 {
	a := r.Area(depth)
	if a <= 0 {
		return 0
	}
	return flow / a
}

// TravelTime returns the time in seconds for water to traverse the reach at
// the given flow, using the normal-depth velocity. Zero velocity yields
// +Inf, which callers must treat as an infeasible path.
func (r *Reach) TravelTime(flow, slope float64) float64 {
	depth, _ := r.NormalDepth(flow, slope)
	v := r.Velocity(flow, depth)
	if v <= 0 {
		return math.Inf(1)
	}
	return r.Length / v
}
