package network

import (
	"sync/atomic"
	"time"
)

// State is one versioned snapshot of the hydraulic network. A snapshot is
// immutable once published; the solver produces a new version each cycle.
type State struct {
	Version   uint64
	Timestamp time.Time

	Levels       map[string]float64 // node id -> water-surface elevation
	GateOpenings map[string]float64 // gate id -> physical opening
	GateFlows    map[string]float64 // gate id -> signed flow
	ReachFlows   map[string]float64 // reach id -> signed flow
	ReachDepths  map[string]float64 // reach id -> normal depth

	Converged  bool
	Iterations int
	Residual   float64
}

// NewState allocates an empty snapshot.
func NewState() *State {
	return &State{
		Levels:       make(map[string]float64),
		GateOpenings: make(map[string]float64),
		GateFlows:    make(map[string]float64),
		ReachFlows:   make(map[string]float64),
		ReachDepths:  make(map[string]float64),
	}
}

// DesignState builds an initial snapshot from the topology's design levels,
// used when no previous solve exists.
func DesignState(topo *Topology) *State {
	s := NewState()
	s.Timestamp = time.Now().UTC()
	for id, n := range topo.Nodes {
		s.Levels[id] = n.DesignLevel
	}
	for id := range topo.Gates {
		s.GateOpenings[id] = 0
	}
	return s
}

// Clone deep-copies the snapshot so the next solve can mutate freely.
func (s *State) Clone() *State {
	c := &State{
		Version:      s.Version,
		Timestamp:    s.Timestamp,
		Levels:       make(map[string]float64, len(s.Levels)),
		GateOpenings: make(map[string]float64, len(s.GateOpenings)),
		GateFlows:    make(map[string]float64, len(s.GateFlows)),
		ReachFlows:   make(map[string]float64, len(s.ReachFlows)),
		ReachDepths:  make(map[string]float64, len(s.ReachDepths)),
		Converged:    s.Converged,
		Iterations:   s.Iterations,
		Residual:     s.Residual,
	}
	for k, v := range s.Levels {
		c.Levels[k] = v
	}
	for k, v := range s.GateOpenings {
		c.GateOpenings[k] = v
	}
	for k, v := range s.GateFlows {
		c.GateFlows[k] = v
	}
	for k, v := range s.ReachFlows {
		c.ReachFlows[k] = v
	}
	for k, v := range s.ReachDepths {
		c.ReachDepths[k] = v
	}
	return c
}

// Depth returns the water depth at a node; never negative.
func (s *State) Depth(topo *Topology, nodeID string) float64 {
	n, ok := topo.Nodes[nodeID]
	if !ok {
		return 0
	}
	d := s.Levels[nodeID] - n.BedElevation
	if d < 0 {
		return 0
	}
	return d
}

// Holder publishes the authoritative snapshot. Readers always see a fully
// formed version; writers swap atomically at solve boundaries.
type Holder struct {
	cur atomic.Pointer[State]
}

// NewHolder seeds the holder with an initial snapshot.
func NewHolder(initial *State) *Holder {
	h := &Holder{}
	h.cur.Store(initial)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *State {
	return h.cur.Load()
}

// Publish installs a new snapshot, stamping the next version number.
func (h *Holder) Publish(s *State) *State {
	prev := h.cur.Load()
	s.Version = prev.Version + 1
	h.cur.Store(s)
	return s
}
