package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// ModeCache tracks gate control modes from the control service's mode
// events, so the executor in this process refuses to drive gates that are
// under manual, maintenance or failed control. Unknown gates are assumed
// automatic, matching the control service's initial state.
type ModeCache struct {
	topo *network.Topology

	mu    sync.RWMutex
	modes map[string]string
}

// NewModeCache wires a cache over the active topology.
func NewModeCache(topo *network.Topology) *ModeCache {
	return &ModeCache{topo: topo, modes: make(map[string]string)}
}

// Start subscribes the cache to gate mode events.
func (c *ModeCache) Start(sub Subscriber) error {
	return sub.Subscribe(messaging.SubjectGateEvents, func(msg *nats.Msg) {
		var ev messaging.GateModeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("malformed gate mode event", "err", err)
			return
		}
		c.mu.Lock()
		c.modes[ev.GateID] = ev.To
		c.mu.Unlock()
	})
}

// Mode returns the last observed mode for a gate.
func (c *ModeCache) Mode(gateID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mode, ok := c.modes[gateID]; ok {
		return mode
	}
	return "automatic"
}

// AuthorizeSetpoint implements the executor's gate-mode guard: automatic
// and hybrid gates accept scheduled targets, clamped to the gate's
// physical travel.
func (c *ModeCache) AuthorizeSetpoint(gateID string, target float64) (float64, error) {
	switch c.Mode(gateID) {
	case "automatic", "hybrid":
	default:
		return 0, fmt.Errorf("gate %s is not under automatic control", gateID)
	}

	gl, ok := c.topo.Gates[gateID]
	if !ok {
		return 0, fmt.Errorf("unknown gate %s", gateID)
	}
	if target < 0 {
		target = 0
	}
	if target > gl.MaxOpening {
		target = gl.MaxOpening
	}
	return target, nil
}
