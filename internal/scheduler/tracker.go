package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/SubhajL/munbon2-backend-sub009/internal/network"
)

// Tracker accumulates delivered volume per request by integrating the
// delivery gate's flow over time. When the delivered volume reaches the
// target the request is marked complete and the completion callback fires,
// which is what triggers the scheduler's replan and reduction cascade.
type Tracker struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*delivery
	onComplete func(*Request, decimal.Decimal)
}

type delivery struct {
	req        *Request
	gateID     string
	delivered  decimal.Decimal
	lastSample time.Time
}

// NewTracker creates a tracker. onComplete receives the request and its
// final delivered total; it runs outside the tracker lock.
func NewTracker(onComplete func(*Request, decimal.Decimal)) *Tracker {
	return &Tracker{
		deliveries: make(map[uuid.UUID]*delivery),
		onComplete: onComplete,
	}
}

// Track starts volume accounting for a scheduled request through its
// zone's delivery gate.
func (t *Tracker) Track(req *Request, deliveryGate string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.deliveries[req.ID]; exists {
		return
	}
	t.deliveries[req.ID] = &delivery{req: req, gateID: deliveryGate, delivered: decimal.Zero}
}

// Untrack drops accounting for a request (cancelled or superseded).
func (t *Tracker) Untrack(reqID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deliveries, reqID)
}

// Delivered returns the volume delivered so far.
func (t *Tracker) Delivered(reqID uuid.UUID) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.deliveries[reqID]; ok {
		return d.delivered
	}
	return decimal.Zero
}

// Observe integrates each active delivery's measured gate flow across the
// interval since the previous observation. Completed requests are removed
// and reported through the completion callback.
func (t *Tracker) Observe(st *network.State, now time.Time) {
	type completion struct {
		req       *Request
		delivered decimal.Decimal
	}
	var completed []completion

	t.mu.Lock()
	for id, d := range t.deliveries {
		flow := st.GateFlows[d.gateID]
		if d.lastSample.IsZero() {
			d.lastSample = now
			if flow > 0 {
				d.req.SetStatus(StatusActive)
			}
			continue
		}
		dt := now.Sub(d.lastSample).Seconds()
		d.lastSample = now
		if flow <= 0 || dt <= 0 {
			continue
		}
		d.req.SetStatus(StatusActive)
		d.delivered = d.delivered.Add(decimal.NewFromFloat(flow * dt))
		if d.delivered.GreaterThanOrEqual(d.req.Volume) {
			d.req.SetStatus(StatusComplete)
			completed = append(completed, completion{req: d.req, delivered: d.delivered})
			delete(t.deliveries, id)
		}
	}
	t.mu.Unlock()

	if t.onComplete != nil {
		for _, c := range completed {
			t.onComplete(c.req, c.delivered)
		}
	}
}

// Active returns the requests still being delivered.
func (t *Tracker) Active() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Request, 0, len(t.deliveries))
	for _, d := range t.deliveries {
		out = append(out, d.req)
	}
	return out
}
