package scheduler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
)

// PlanOptions tune plan construction. Zero values fall back to defaults.
type PlanOptions struct {
	// Drainage delay per segment when closing a path, as a fraction of the
	// segment's travel time, with an absolute floor.
	DrainageFactor float64
	DrainageFloor  time.Duration
}

func (o PlanOptions) withDefaults() PlanOptions {
	if o.DrainageFactor <= 0 {
		o.DrainageFactor = 0.5
	}
	if o.DrainageFloor <= 0 {
		o.DrainageFloor = 5 * time.Minute
	}
	return o
}

func (o PlanOptions) drainage(travel time.Duration) time.Duration {
	d := time.Duration(float64(travel) * o.DrainageFactor)
	if d < o.DrainageFloor {
		d = o.DrainageFloor
	}
	return d
}

// scheduled pairs an accepted request with its delivery path.
type scheduled struct {
	req        *Request
	path       *network.Path
	completion time.Time
}

// BuildPlan converts irrigation requests into a timestamped gate operation
// schedule against the given topology and solved state.
//
// Requests are taken in priority order; a request that would overload a
// shared reach is deferred, never silently dropped. Gates open in
// upstream-to-downstream order, each offset by the cumulative travel time
// downstream of it so water arrives exactly at the requested start. On each
// estimated completion the plan carries either a flow reduction (shared
// gates still serving other requests) or a close, with closures running
// delivery-gate-first back toward the source after per-segment drainage
// delays.
func BuildPlan(requests []*Request, topo *network.Topology, st *network.State, opts PlanOptions) (*Plan, error) {
	if topo == nil || st == nil {
		return nil, fmt.Errorf("topology and state are required")
	}
	o := opts.withDefaults()

	plan := &Plan{
		CreatedAt: time.Now().UTC(),
		Timelines: make(map[string]ZoneTimeline),
	}

	ordered := append([]*Request(nil), requests...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.RequestedStart.Equal(b.RequestedStart) {
			return a.RequestedStart.Before(b.RequestedStart)
		}
		return a.ID.String() < b.ID.String()
	})

	// Admission: walk requests in priority order, loading shared reaches.
	reachLoad := make(map[string]float64)
	var acc []*scheduled
	for _, r := range ordered {
		if r.FlowRate <= 0 {
			r.SetStatus(StatusDeferred)
			plan.Deferred = append(plan.Deferred, Deferral{RequestID: r.ID, Zone: r.Zone, Reason: "non-positive flow rate"})
			continue
		}
		path, err := topo.PathToZone(r.Zone)
		if err != nil {
			r.SetStatus(StatusDeferred)
			plan.Deferred = append(plan.Deferred, Deferral{RequestID: r.ID, Zone: r.Zone, Reason: err.Error()})
			continue
		}
		blocked := ""
		for _, reachID := range path.ReachIDs() {
			rl := topo.Reaches[reachID]
			if rl.Capacity > 0 && reachLoad[reachID]+r.FlowRate > rl.Capacity {
				blocked = fmt.Sprintf("reach %s at capacity (%.2f of %.2f m^3/s committed)",
					reachID, reachLoad[reachID], rl.Capacity)
				break
			}
		}
		if blocked != "" {
			r.SetStatus(StatusDeferred)
			plan.Deferred = append(plan.Deferred, Deferral{RequestID: r.ID, Zone: r.Zone, Reason: blocked})
			continue
		}
		for _, reachID := range path.ReachIDs() {
			reachLoad[reachID] += r.FlowRate
		}
		r.SetStatus(StatusScheduled)
		completion := r.RequestedStart.Add(r.Duration())
		acc = append(acc, &scheduled{req: r, path: path, completion: completion})
		plan.Timelines[r.Zone] = ZoneTimeline{Zone: r.Zone, Arrival: r.RequestedStart, Completion: completion}
	}

	// Combined demand through every gate on any accepted path.
	gateLoad := make(map[string]float64)
	for _, a := range acc {
		for _, gid := range a.path.GateIDs() {
			gateLoad[gid] += a.req.FlowRate
		}
	}

	openingFor := func(gid string, flow float64) float64 {
		gl := topo.Gates[gid]
		opening, ok := gl.OpeningForFlow(flow, st.Levels[gl.UpNode], st.Levels[gl.DownNode])
		if !ok {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("gate %s: opening for %.2f m^3/s did not converge, using %.3f", gid, flow, opening))
		}
		return opening
	}

	// Gate open instants: requested start minus the cumulative travel time
	// of the reaches downstream of the gate; a gate shared by several
	// requests opens at the earliest instant any of them needs it.
	openAt := make(map[string]time.Time)
	for _, a := range acc {
		downstreamTravel := time.Duration(0)
		for i := len(a.path.Segments) - 1; i >= 0; i-- {
			seg := a.path.Segments[i]
			if seg.ReachID != "" {
				rl := topo.Reaches[seg.ReachID]
				downstreamTravel += asDuration(rl.TravelTime(a.req.FlowRate, rl.BedSlope))
				continue
			}
			t := a.req.RequestedStart.Add(-downstreamTravel)
			if cur, ok := openAt[seg.GateID]; !ok || t.Before(cur) {
				openAt[seg.GateID] = t
			}
		}
	}

	for _, gid := range sortedKeys(openAt) {
		target := openingFor(gid, gateLoad[gid])
		at := openAt[gid]
		plan.Operations = append(plan.Operations, Operation{
			ID:            operationID(gid, ActionOpen, target, at),
			GateID:        gid,
			Action:        ActionOpen,
			TargetOpening: target,
			ScheduledAt:   at,
			Reason:        fmt.Sprintf("deliver %.2f m^3/s combined demand", gateLoad[gid]),
		})
	}

	// Completion cascade: in completion order, each finishing request
	// releases its flow from every gate on its path. Gates still serving
	// other requests get one reduction sized to the remaining demand;
	// fully released gates close delivery-first with drainage delays.
	remaining := make(map[string]float64, len(gateLoad))
	for gid, load := range gateLoad {
		remaining[gid] = load
	}
	byCompletion := append([]*scheduled(nil), acc...)
	sort.Slice(byCompletion, func(i, j int) bool {
		if !byCompletion[i].completion.Equal(byCompletion[j].completion) {
			return byCompletion[i].completion.Before(byCompletion[j].completion)
		}
		return byCompletion[i].req.ID.String() < byCompletion[j].req.ID.String()
	})

	for _, a := range byCompletion {
		drainOffset := time.Duration(0)
		for i := len(a.path.Segments) - 1; i >= 0; i-- {
			seg := a.path.Segments[i]
			if seg.ReachID != "" {
				rl := topo.Reaches[seg.ReachID]
				drainOffset += o.drainage(asDuration(rl.TravelTime(a.req.FlowRate, rl.BedSlope)))
				continue
			}
			gid := seg.GateID
			remaining[gid] -= a.req.FlowRate
			if remaining[gid] > 1e-9 {
				target := openingFor(gid, remaining[gid])
				plan.Operations = append(plan.Operations, Operation{
					ID:            operationID(gid, ActionAdjust, target, a.completion),
					GateID:        gid,
					Action:        ActionAdjust,
					TargetOpening: target,
					ScheduledAt:   a.completion,
					Reason:        fmt.Sprintf("zone %s complete, reduce to %.2f m^3/s remaining demand", a.req.Zone, remaining[gid]),
				})
				continue
			}
			at := a.completion.Add(drainOffset)
			plan.Operations = append(plan.Operations, Operation{
				ID:            operationID(gid, ActionClose, 0, at),
				GateID:        gid,
				Action:        ActionClose,
				TargetOpening: 0,
				ScheduledAt:   at,
				Reason:        fmt.Sprintf("zone %s delivery complete", a.req.Zone),
			})
		}
	}

	sortOperations(plan.Operations)
	plan.ID = planFingerprint(plan.Operations)
	return plan, nil
}

func sortOperations(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.GateID != b.GateID {
			return a.GateID < b.GateID
		}
		return a.Action < b.Action
	})
}

// closureTail builds the shutdown operations for a request whose delivery
// has actually finished, anchored at the measured completion instant
// rather than the plan's estimate. The delivery gate closes first; each
// upstream gate follows after its segment's drainage delay. Gates still
// committed to other scheduled or active requests are reduced to the
// remaining demand instead of closed.
func closureTail(done *Request, open []*Request, topo *network.Topology, st *network.State,
	now time.Time, opts PlanOptions) []Operation {

	o := opts.withDefaults()
	path, err := topo.PathToZone(done.Zone)
	if err != nil {
		return nil
	}

	residual := make(map[string]float64)
	for _, r := range open {
		if status := r.Status(); status != StatusScheduled && status != StatusActive {
			continue
		}
		p, err := topo.PathToZone(r.Zone)
		if err != nil {
			continue
		}
		for _, gid := range p.GateIDs() {
			residual[gid] += r.FlowRate
		}
	}

	var ops []Operation
	drainOffset := time.Duration(0)
	for i := len(path.Segments) - 1; i >= 0; i-- {
		seg := path.Segments[i]
		if seg.ReachID != "" {
			rl := topo.Reaches[seg.ReachID]
			drainOffset += o.drainage(asDuration(rl.TravelTime(done.FlowRate, rl.BedSlope)))
			continue
		}
		gid := seg.GateID
		if residual[gid] > 1e-9 {
			gl := topo.Gates[gid]
			target, _ := gl.OpeningForFlow(residual[gid], st.Levels[gl.UpNode], st.Levels[gl.DownNode])
			ops = append(ops, Operation{
				ID:            operationID(gid, ActionAdjust, target, now),
				GateID:        gid,
				Action:        ActionAdjust,
				TargetOpening: target,
				ScheduledAt:   now,
				Reason:        fmt.Sprintf("zone %s delivered, reduce to %.2f m^3/s remaining demand", done.Zone, residual[gid]),
			})
			continue
		}
		at := now.Add(drainOffset)
		ops = append(ops, Operation{
			ID:            operationID(gid, ActionClose, 0, at),
			GateID:        gid,
			Action:        ActionClose,
			TargetOpening: 0,
			ScheduledAt:   at,
			Reason:        fmt.Sprintf("zone %s delivered", done.Zone),
		})
	}
	return ops
}

// planFingerprint derives a deterministic plan ID from its operations.
func planFingerprint(ops []Operation) uuid.UUID {
	var key []byte
	for _, op := range ops {
		key = append(key, op.ID[:]...)
	}
	return uuid.NewSHA1(planNamespace, key)
}

func asDuration(seconds float64) time.Duration {
	if math.IsInf(seconds, 1) || seconds > 1e9 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds * float64(time.Second))
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
