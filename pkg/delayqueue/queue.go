package delayqueue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Item is a payload scheduled for delivery at an absolute instant.
type Item struct {
	ID      uuid.UUID
	At      time.Time
	Payload interface{}
	index   int // for heap
}

// Queue is a time-ordered delivery queue. Items become deliverable at their
// scheduled instant; not-yet-delivered items can be cancelled, which is how
// a superseded gate operation plan revokes its pending operations.
type Queue struct {
	mu    sync.Mutex
	items *itemHeap
	byID  map[uuid.UUID]*Item
	wake  chan struct{}
}

// itemHeap implements heap.Interface ordered by scheduled time, ties broken
// by ID for determinism.
type itemHeap struct {
	items []*Item
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	if h.items[i].At.Equal(h.items[j].At) {
		return h.items[i].ID.String() < h.items[j].ID.String()
	}
	return h.items[i].At.Before(h.items[j].At)
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(h.items)
	h.items = append(h.items, item)
}

func (h *itemHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[0 : n-1]
	return item
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		items: &itemHeap{items: make([]*Item, 0)},
		byID:  make(map[uuid.UUID]*Item),
		wake:  make(chan struct{}, 1),
	}
}

// Push schedules an item. Re-pushing an existing ID is rejected so a
// re-dispatched plan cannot double-enqueue an operation.
func (q *Queue) Push(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[item.ID]; exists {
		return fmt.Errorf("item %s already scheduled", item.ID)
	}
	heap.Push(q.items, item)
	q.byID[item.ID] = item
	q.notify()
	return nil
}

// Cancel removes a not-yet-delivered item. Returns false when the item is
// unknown or already delivered.
func (q *Queue) Cancel(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.byID[id]
	if !exists || item.index < 0 {
		return false
	}
	heap.Remove(q.items, item.index)
	delete(q.byID, id)
	q.notify()
	return true
}

// CancelAll drops every pending item and returns how many were revoked.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Len()
	q.items.items = q.items.items[:0]
	q.byID = make(map[uuid.UUID]*Item)
	q.notify()
	return n
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// PopDue removes and returns, in scheduled order, every item due at or
// before now.
func (q *Queue) PopDue(now time.Time) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Item
	for q.items.Len() > 0 {
		next := q.items.items[0]
		if next.At.After(now) {
			break
		}
		heap.Pop(q.items)
		delete(q.byID, next.ID)
		due = append(due, next)
	}
	return due
}

// next returns the earliest scheduled instant, if any.
func (q *Queue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return time.Time{}, false
	}
	return q.items.items[0].At, true
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run delivers due items to the handler until ctx is cancelled. Delivery
// order is deterministic for items sharing an instant. The handler runs on
// the dispatch goroutine; slow handlers delay later operations.
func (q *Queue) Run(ctx context.Context, deliver func(*Item)) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, item := range q.PopDue(time.Now()) {
			deliver(item)
		}

		wait := time.Hour
		if at, ok := q.next(); ok {
			wait = time.Until(at)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
		}
	}
}
