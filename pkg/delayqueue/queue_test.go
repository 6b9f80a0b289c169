package delayqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopDueOrdering(t *testing.T) {
	q := New()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	late := &Item{ID: uuid.New(), At: base.Add(2 * time.Hour), Payload: "late"}
	early := &Item{ID: uuid.New(), At: base.Add(-4 * time.Hour), Payload: "early"}
	mid := &Item{ID: uuid.New(), At: base, Payload: "mid"}

	require.NoError(t, q.Push(late))
	require.NoError(t, q.Push(early))
	require.NoError(t, q.Push(mid))

	due := q.PopDue(base)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].Payload)
	assert.Equal(t, "mid", due[1].Payload)
	assert.Equal(t, 1, q.Len())

	due = q.PopDue(base.Add(3 * time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].Payload)
}

func TestPushDuplicateRejected(t *testing.T) {
	q := New()
	id := uuid.New()
	require.NoError(t, q.Push(&Item{ID: id, At: time.Now()}))
	assert.Error(t, q.Push(&Item{ID: id, At: time.Now()}))
}

func TestCancel(t *testing.T) {
	q := New()
	base := time.Now()

	t.Run("cancels pending item", func(t *testing.T) {
		item := &Item{ID: uuid.New(), At: base.Add(time.Hour)}
		require.NoError(t, q.Push(item))
		assert.True(t, q.Cancel(item.ID))
		assert.Empty(t, q.PopDue(base.Add(2*time.Hour)))
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.False(t, q.Cancel(uuid.New()))
	})

	t.Run("cancel all revokes everything", func(t *testing.T) {
		require.NoError(t, q.Push(&Item{ID: uuid.New(), At: base.Add(time.Minute)}))
		require.NoError(t, q.Push(&Item{ID: uuid.New(), At: base.Add(2 * time.Minute)}))
		assert.Equal(t, 2, q.CancelAll())
		assert.Zero(t, q.Len())
	})
}

func TestDeterministicTieBreak(t *testing.T) {
	at := time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC)
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	// Same instant, inserted in both orders, must pop identically.
	for _, order := range [][]uuid.UUID{{a, b}, {b, a}} {
		q := New()
		for _, id := range order {
			require.NoError(t, q.Push(&Item{ID: id, At: at}))
		}
		due := q.PopDue(at)
		require.Len(t, due, 2)
		assert.Equal(t, a, due[0].ID)
		assert.Equal(t, b, due[1].ID)
	}
}

func TestRunDeliversScheduledItems(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	go q.Run(ctx, func(item *Item) {
		mu.Lock()
		got = append(got, item.Payload.(string))
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
	})

	now := time.Now()
	require.NoError(t, q.Push(&Item{ID: uuid.New(), At: now.Add(30 * time.Millisecond), Payload: "second"}))
	require.NoError(t, q.Push(&Item{ID: uuid.New(), At: now.Add(10 * time.Millisecond), Payload: "first"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("items not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}
