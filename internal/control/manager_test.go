package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/hydraulics"
)

type fakeBus struct {
	mu        sync.Mutex
	published []interface{}
}

func (b *fakeBus) Publish(ctx context.Context, subject string, data interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, data)
	return nil
}

func controlTopo() *network.Topology {
	gate := func(id string) *network.GateLink {
		return &network.GateLink{
			Gate: hydraulics.Gate{
				ID: id, Kind: hydraulics.GateSlide, Width: 2, SillElevation: 100,
				MaxOpening: 2.0, DesignOpening: 1.0, K1: 0.61, K2: -0.1,
			},
			UpNode: "SRC", DownNode: "N1",
		}
	}
	return &network.Topology{
		SourceNode: "SRC",
		Nodes: map[string]*network.Node{
			"SRC": {ID: "SRC"}, "N1": {ID: "N1"},
		},
		Gates: map[string]*network.GateLink{
			"G1": gate("G1"), "G2": gate("G2"),
		},
		Reaches: map[string]*network.ReachLink{},
		Zones:   map[string]*network.Zone{},
	}
}

func newTestManager() (*Manager, *fakeBus) {
	bus := &fakeBus{}
	topo := controlTopo()
	st := network.DesignState(topo)
	st.GateOpenings["G1"] = 0.8
	st.GateOpenings["G2"] = 0.4
	return NewManager(DefaultConfig(), topo, st, bus), bus
}

func TestCommFailureFallback(t *testing.T) {
	m, _ := newTestManager()
	m.UpdateTelemetry("G1", 0.8, 3.2)

	t.Run("below threshold stays automatic", func(t *testing.T) {
		require.NoError(t, m.RecordCommFailure("G1", "timeout"))
		require.NoError(t, m.RecordCommFailure("G1", "timeout"))
		mode, err := m.Mode("G1")
		require.NoError(t, err)
		assert.Equal(t, ModeAutomatic, mode)
	})

	t.Run("third consecutive failure falls back exactly once", func(t *testing.T) {
		require.NoError(t, m.RecordCommFailure("G1", "timeout"))
		mode, err := m.Mode("G1")
		require.NoError(t, err)
		assert.Equal(t, ModeManual, mode)

		saved, err := m.Saved("G1")
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, 0.8, saved.Opening)
		assert.Equal(t, 3.2, saved.Flow)
		assert.Equal(t, ModeAutomatic, saved.Mode)

		// Further failures while manual must not retrigger or clobber the
		// saved state.
		require.NoError(t, m.RecordCommFailure("G1", "timeout"))
		again, err := m.Saved("G1")
		require.NoError(t, err)
		assert.Equal(t, saved, again)
	})

	t.Run("success resets the counter", func(t *testing.T) {
		m, _ := newTestManager()
		m.RecordCommFailure("G2", "timeout")
		m.RecordCommFailure("G2", "timeout")
		m.RecordCommSuccess("G2")
		m.RecordCommFailure("G2", "timeout")
		mode, err := m.Mode("G2")
		require.NoError(t, err)
		assert.Equal(t, ModeAutomatic, mode)
	})
}

func TestReturnToAutomaticValidation(t *testing.T) {
	setup := func() *Manager {
		m, _ := newTestManager()
		_, err := m.RequestTransition("G1", ModeManual, "operator")
		require.NoError(t, err)
		return m
	}

	t.Run("rejected without healthy comms", func(t *testing.T) {
		m := setup()
		m.UpdateTelemetry("G1", 0.8, 0)
		_, err := m.RequestTransition("G1", ModeAutomatic, "resume")
		assert.ErrorIs(t, err, ErrCommUnhealthy)
		mode, _ := m.Mode("G1")
		assert.Equal(t, ModeManual, mode)
	})

	t.Run("rejected when opening drifted from setpoint", func(t *testing.T) {
		m := setup()
		for i := 0; i < 3; i++ {
			m.RecordCommSuccess("G1")
		}
		m.UpdateTelemetry("G1", 1.5, 0) // setpoint is 0.8
		_, err := m.RequestTransition("G1", ModeAutomatic, "resume")
		assert.ErrorIs(t, err, ErrOpeningMismatch)
	})

	t.Run("accepted when stable and aligned", func(t *testing.T) {
		m := setup()
		for i := 0; i < 3; i++ {
			m.RecordCommSuccess("G1")
		}
		m.UpdateTelemetry("G1", 0.82, 0)
		rec, err := m.RequestTransition("G1", ModeAutomatic, "resume")
		require.NoError(t, err)
		assert.Equal(t, ModeManual, rec.From)
		assert.Equal(t, ModeAutomatic, rec.To)
	})
}

func TestTransitionTable(t *testing.T) {
	m, _ := newTestManager()

	t.Run("failed gate cannot return directly to automatic", func(t *testing.T) {
		_, err := m.RequestTransition("G1", ModeFailed, "actuator jam")
		require.NoError(t, err)
		_, err = m.RequestTransition("G1", ModeAutomatic, "resume")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("failed gate allows manual takeover", func(t *testing.T) {
		_, err := m.RequestTransition("G1", ModeManual, "field crew on site")
		assert.NoError(t, err)
	})

	t.Run("self transition rejected", func(t *testing.T) {
		_, err := m.RequestTransition("G2", ModeAutomatic, "noop")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("hybrid reachable from automatic", func(t *testing.T) {
		_, err := m.RequestTransition("G2", ModeHybrid, "partial field control")
		assert.NoError(t, err)
	})
}

func TestAuthorizeSetpoint(t *testing.T) {
	m, _ := newTestManager()

	t.Run("automatic gate accepts and clamps", func(t *testing.T) {
		got, err := m.AuthorizeSetpoint("G1", 5.0)
		require.NoError(t, err)
		assert.Equal(t, 2.0, got) // clamped to max opening
	})

	t.Run("manual gate rejects automatic commands", func(t *testing.T) {
		_, err := m.RequestTransition("G1", ModeManual, "operator")
		require.NoError(t, err)
		_, err = m.AuthorizeSetpoint("G1", 1.0)
		assert.ErrorIs(t, err, ErrNotControllable)
	})
}

func TestGroupTransitionAggregates(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.RequestTransition("G2", ModeFailed, "hardware fault")
	require.NoError(t, err)

	results := m.TransitionGroup([]string{"G1", "G2", "G9"}, ModeMaintenance, "canal dewatering")
	assert.NoError(t, results["G1"])
	assert.NoError(t, results["G2"]) // maintenance reachable from failed
	assert.Error(t, results["G9"])   // unknown gate reported, not dropped
}

func TestRamp(t *testing.T) {
	m, _ := newTestManager()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	m.UpdateTelemetry("G1", 0.5, 0)
	steps, err := m.Ramp("G1", 1.5, now)
	require.NoError(t, err)
	require.Len(t, steps, 5)

	// Monotone approach, landing exactly on target at window end.
	prev := 0.5
	for _, s := range steps {
		assert.Greater(t, s.Opening, prev)
		prev = s.Opening
	}
	assert.InDelta(t, 1.5, steps[len(steps)-1].Opening, 1e-9)
	assert.Equal(t, now.Add(DefaultConfig().RampWindow), steps[len(steps)-1].At)
}

func TestEmergencyStop(t *testing.T) {
	m, bus := newTestManager()
	results := m.EmergencyStop(context.Background(), []string{"G1", "G2"}, "breach reported")

	assert.NoError(t, results["G1"])
	assert.NoError(t, results["G2"])
	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(t, bus.published, 2)
}

func TestConcurrentTransitionsSerializePerGate(t *testing.T) {
	m, _ := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordCommFailure("G1", "timeout")
		}()
	}
	wg.Wait()

	mode, err := m.Mode("G1")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, mode)
	saved, err := m.Saved("G1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, ModeAutomatic, saved.Mode)
}
