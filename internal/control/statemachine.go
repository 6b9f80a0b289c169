package control

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Mode is a gate's control mode.
type Mode string

const (
	ModeAutomatic   Mode = "automatic"
	ModeManual      Mode = "manual"
	ModeHybrid      Mode = "hybrid" // automatic setpoints, manual field confirmation
	ModeMaintenance Mode = "maintenance"
	ModeFailed      Mode = "failed"
)

// Transition guard failures. Rejections are synchronous and leave the gate
// unchanged.
var (
	ErrInvalidTransition = errors.New("invalid mode transition")
	ErrCommUnhealthy     = errors.New("communication channel not stable")
	ErrOpeningMismatch   = errors.New("field opening outside setpoint tolerance")
	ErrNotControllable   = errors.New("gate not under automatic control")
)

// SavedState preserves a gate's last known hydraulic state across a
// fallback transition, for recovery once the gate returns to automatic.
type SavedState struct {
	Opening float64
	Flow    float64
	Mode    Mode
	At      time.Time
}

// TransitionRecord describes a completed mode change.
type TransitionRecord struct {
	GateID string
	From   Mode
	To     Mode
	Reason string
	Saved  *SavedState
	At     time.Time
}

// gateState is the per-gate mutable control state. The mutex serializes
// transitions and telemetry updates for this gate only; distinct gates are
// fully independent.
type gateState struct {
	mu sync.Mutex

	id         string
	maxOpening float64

	mode     Mode
	opening  float64 // actual, from telemetry or field report
	setpoint float64 // commanded
	flow     float64

	consecutiveFailures int
	healthyBeats        int
	lastComm            time.Time

	saved *SavedState
}

// clampOpening keeps openings within the physical range.
func (g *gateState) clampOpening(v float64) float64 {
	if v < 0 {
		return 0
	}
	if g.maxOpening > 0 && v > g.maxOpening {
		return g.maxOpening
	}
	return v
}

// allowed encodes the transition table. Failure fallback (automatic to
// manual on comm loss) bypasses this table; it is a forced transition.
func allowed(from, to Mode) bool {
	if from == to {
		return false
	}
	switch to {
	case ModeMaintenance, ModeFailed:
		return true // explicit operator or hardware-fault trigger, any state
	case ModeManual:
		return true // manual takeover always possible, FAILED included
	case ModeHybrid:
		return from == ModeAutomatic || from == ModeManual
	case ModeAutomatic:
		// Only from manual/hybrid/maintenance, and only after validation.
		// FAILED gates must pass through maintenance first.
		return from == ModeManual || from == ModeHybrid || from == ModeMaintenance
	}
	return false
}

// validateReturnToAutomatic enforces the manual-to-automatic guard: the
// field-reported opening must sit within tolerance of the setpoint and the
// comm channel must have been healthy for a sustained period.
func (g *gateState) validateReturnToAutomatic(tolerance float64, requiredBeats int) error {
	if g.healthyBeats < requiredBeats {
		return fmt.Errorf("%w: %d/%d healthy heartbeats", ErrCommUnhealthy, g.healthyBeats, requiredBeats)
	}
	ref := g.maxOpening
	if ref <= 0 {
		ref = 1
	}
	if math.Abs(g.opening-g.setpoint) > tolerance*ref {
		return fmt.Errorf("%w: reported %.3f, setpoint %.3f", ErrOpeningMismatch, g.opening, g.setpoint)
	}
	return nil
}
