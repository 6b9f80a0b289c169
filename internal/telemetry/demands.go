package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// DemandCache holds the scheduler's latest per-node demand broadcast for
// the solver loop. Until the first broadcast arrives it reports no demand.
type DemandCache struct {
	mu      sync.RWMutex
	demands map[string]float64
}

// NewDemandCache creates an empty cache.
func NewDemandCache() *DemandCache {
	return &DemandCache{demands: make(map[string]float64)}
}

// Start subscribes the cache to the scheduler's demand broadcasts.
func (d *DemandCache) Start(sub Subscriber) error {
	return sub.Subscribe(messaging.SubjectDemandUpdate, func(msg *nats.Msg) {
		var update messaging.DemandUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			slog.Error("malformed demand update", "err", err)
			return
		}
		d.Set(update.Demands)
	})
}

// Set replaces the cached demand map.
func (d *DemandCache) Set(demands map[string]float64) {
	cp := make(map[string]float64, len(demands))
	for k, v := range demands {
		cp[k] = v
	}
	d.mu.Lock()
	d.demands = cp
	d.mu.Unlock()
}

// Demands implements the solver's demand source.
func (d *DemandCache) Demands() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]float64, len(d.demands))
	for k, v := range d.demands {
		out[k] = v
	}
	return out
}
