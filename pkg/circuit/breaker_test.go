package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLink = errors.New("link down")

func failing() error { return errLink }
func ok() error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failing), errLink)
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls now fail fast without touching the channel.
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrOpen)
}

func TestBreakerRecovers(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	time.Sleep(20 * time.Millisecond)
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var changes []string
	b := NewBreaker(Config{
		MaxFailures: 1, Timeout: time.Hour,
		OnStateChange: func(from, to State) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	_ = b.Execute(context.Background(), failing)
	assert.Equal(t, []string{"closed->open"}, changes)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHonorsContext(t *testing.T) {
	b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Execute(ctx, ok), context.Canceled)
}
