package control

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Publisher is the event-bus surface the manager needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Config holds the manager's fallback and validation thresholds.
type Config struct {
	FailureThreshold     int     // consecutive comm failures before auto->manual
	OpeningTolerance     float64 // fraction of max opening for return validation
	RequiredHealthyBeats int
	RampSteps            int           // steps in a gradual transition
	RampWindow           time.Duration // bounded ramp duration
}

// DefaultConfig mirrors field practice: three strikes, 5% tolerance.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     3,
		OpeningTolerance:     0.05,
		RequiredHealthyBeats: 3,
		RampSteps:            5,
		RampWindow:           10 * time.Minute,
	}
}

// Manager owns the control mode of every gate. Transitions for distinct
// gates run concurrently; transitions for one gate are serialized by its
// own lock, so exactly one is in flight per gate.
type Manager struct {
	cfg   Config
	gates map[string]*gateState

	bus    Publisher
	events chan TransitionRecord
}

// NewManager seeds a manager from topology; every gate starts AUTOMATIC
// with its opening taken from the initial state.
func NewManager(cfg Config, topo *network.Topology, initial *network.State, bus Publisher) *Manager {
	m := &Manager{
		cfg:    cfg,
		gates:  make(map[string]*gateState, len(topo.Gates)),
		bus:    bus,
		events: make(chan TransitionRecord, 128),
	}
	for id, gl := range topo.Gates {
		m.gates[id] = &gateState{
			id:         id,
			maxOpening: gl.MaxOpening,
			mode:       ModeAutomatic,
			opening:    initial.GateOpenings[id],
			setpoint:   initial.GateOpenings[id],
		}
	}
	return m
}

// Run pumps transition events to the bus until ctx is cancelled. Emission
// is decoupled from transitions so a slow bus never blocks control paths.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-m.events:
			ev := messaging.GateModeEvent{
				GateID: rec.GateID,
				From:   string(rec.From),
				To:     string(rec.To),
				Reason: rec.Reason,
				At:     rec.At,
			}
			if rec.Saved != nil {
				ev.SavedOpening = rec.Saved.Opening
				ev.SavedFlow = rec.Saved.Flow
			}
			if err := m.bus.Publish(ctx, messaging.SubjectGateEvents, ev); err != nil {
				slog.Error("gate event publish failed", "gate", rec.GateID, "err", err)
			}
		}
	}
}

func (m *Manager) emit(rec TransitionRecord) {
	select {
	case m.events <- rec:
	default:
		slog.Warn("transition event dropped, event buffer full", "gate", rec.GateID)
	}
}

// Mode returns a gate's current mode.
func (m *Manager) Mode(gateID string) (Mode, error) {
	g, ok := m.gates[gateID]
	if !ok {
		return "", fmt.Errorf("unknown gate %q", gateID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode, nil
}

// Saved returns the state preserved by the gate's last forced fallback.
func (m *Manager) Saved(gateID string) (*SavedState, error) {
	g, ok := m.gates[gateID]
	if !ok {
		return nil, fmt.Errorf("unknown gate %q", gateID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saved, nil
}

// Openings implements solver.OpeningSource: the actual opening per gate.
func (m *Manager) Openings() map[string]float64 {
	out := make(map[string]float64, len(m.gates))
	for id, g := range m.gates {
		g.mu.Lock()
		out[id] = g.opening
		g.mu.Unlock()
	}
	return out
}

// RecordCommFailure counts a failed command or telemetry timeout. Reaching
// the threshold while AUTOMATIC forces exactly one fallback to MANUAL,
// preserving the pre-failure opening and flow.
func (m *Manager) RecordCommFailure(gateID string, cause string) error {
	g, ok := m.gates[gateID]
	if !ok {
		return fmt.Errorf("unknown gate %q", gateID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveFailures++
	g.healthyBeats = 0
	if g.consecutiveFailures < m.cfg.FailureThreshold || g.mode != ModeAutomatic {
		return nil
	}

	saved := &SavedState{Opening: g.opening, Flow: g.flow, Mode: g.mode, At: time.Now().UTC()}
	from := g.mode
	g.mode = ModeManual
	g.saved = saved

	rec := TransitionRecord{
		GateID: gateID, From: from, To: ModeManual,
		Reason: fmt.Sprintf("comm failure threshold reached (%d consecutive): %s", g.consecutiveFailures, cause),
		Saved:  saved, At: saved.At,
	}
	m.emit(rec)
	slog.Warn("gate fell back to manual control", "gate", gateID, "cause", cause)
	return nil
}

// RecordCommSuccess registers a healthy heartbeat or acknowledged command.
func (m *Manager) RecordCommSuccess(gateID string) {
	g, ok := m.gates[gateID]
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
	g.healthyBeats++
	g.lastComm = time.Now().UTC()
}

// UpdateTelemetry merges a measured opening/flow into the gate's state.
// Non-blocking external entry point; safe to call from message handlers.
func (m *Manager) UpdateTelemetry(gateID string, opening, flow float64) {
	g, ok := m.gates[gateID]
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opening = g.clampOpening(opening)
	g.flow = flow
}

// RequestTransition performs an operator-requested mode change. Guard
// failures are returned synchronously with no partial state change.
func (m *Manager) RequestTransition(gateID string, to Mode, reason string) (*TransitionRecord, error) {
	g, ok := m.gates[gateID]
	if !ok {
		return nil, fmt.Errorf("unknown gate %q", gateID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !allowed(g.mode, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.mode, to)
	}
	if to == ModeAutomatic {
		if err := g.validateReturnToAutomatic(m.cfg.OpeningTolerance, m.cfg.RequiredHealthyBeats); err != nil {
			return nil, err
		}
	}

	saved := &SavedState{Opening: g.opening, Flow: g.flow, Mode: g.mode, At: time.Now().UTC()}
	from := g.mode
	g.mode = to
	g.saved = saved

	rec := TransitionRecord{GateID: gateID, From: from, To: to, Reason: reason, Saved: saved, At: saved.At}
	m.emit(rec)
	return &rec, nil
}

// TransitionGroup applies a mode change across many gates. Each gate
// transitions independently; the caller receives a per-gate result.
func (m *Manager) TransitionGroup(gateIDs []string, to Mode, reason string) map[string]error {
	out := make(map[string]error, len(gateIDs))
	for _, id := range gateIDs {
		_, err := m.RequestTransition(id, to, reason)
		out[id] = err
	}
	return out
}

// AuthorizeSetpoint checks that a scheduled target opening may be driven
// automatically, records it as the gate's setpoint, and returns the
// clamped value. MANUAL, MAINTENANCE and FAILED gates reject automatic
// commands.
func (m *Manager) AuthorizeSetpoint(gateID string, target float64) (float64, error) {
	g, ok := m.gates[gateID]
	if !ok {
		return 0, fmt.Errorf("unknown gate %q", gateID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.mode {
	case ModeAutomatic, ModeHybrid:
	default:
		return 0, fmt.Errorf("%w: gate %s is %s", ErrNotControllable, gateID, g.mode)
	}
	target = g.clampOpening(target)
	g.setpoint = target
	return target, nil
}

// RampStep is one increment of a gradual transition.
type RampStep struct {
	At      time.Time
	Opening float64
}

// Ramp plans a gradual movement from the gate's current opening to target
// across the configured window, avoiding hydraulic shock. The final step
// lands exactly on target at now+window.
func (m *Manager) Ramp(gateID string, target float64, now time.Time) ([]RampStep, error) {
	g, ok := m.gates[gateID]
	if !ok {
		return nil, fmt.Errorf("unknown gate %q", gateID)
	}
	g.mu.Lock()
	current := g.opening
	target = g.clampOpening(target)
	g.mu.Unlock()

	steps := m.cfg.RampSteps
	if steps < 1 {
		steps = 1
	}
	interval := m.cfg.RampWindow / time.Duration(steps)
	out := make([]RampStep, 0, steps)
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		out = append(out, RampStep{
			At:      now.Add(time.Duration(i) * interval),
			Opening: current + frac*(target-current),
		})
	}
	return out, nil
}

// EmergencyStop closes the given gates immediately, bypassing ramping, and
// returns a per-gate result.
func (m *Manager) EmergencyStop(ctx context.Context, gateIDs []string, reason string) map[string]error {
	sort.Strings(gateIDs)
	out := make(map[string]error, len(gateIDs))
	for _, id := range gateIDs {
		g, ok := m.gates[id]
		if !ok {
			out[id] = fmt.Errorf("unknown gate %q", id)
			continue
		}
		g.mu.Lock()
		g.setpoint = 0
		g.mu.Unlock()

		cmd := messaging.GateCommand{
			GateID: id, Action: "close", TargetOpening: 0,
			Reason: "emergency stop: " + reason, IssuedAt: time.Now().UTC(),
		}
		out[id] = m.bus.Publish(ctx, messaging.SubjectCommand, cmd)
	}
	return out
}
