package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ExecutedSet records executed operation IDs in Redis so a restarted
// scheduler never repeats a gate operation. Entries expire after the
// retention window; by then the plan that produced them is long gone.
type ExecutedSet struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewExecutedSet connects the set to a Redis instance.
func NewExecutedSet(addr string, retention time.Duration) *ExecutedSet {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &ExecutedSet{
		rdb:       redis.NewClient(&redis.Options{Addr: addr}),
		retention: retention,
	}
}

// Mark claims an operation ID. It returns true when this is the first
// execution, false when the ID was already claimed.
func (s *ExecutedSet) Mark(ctx context.Context, id uuid.UUID) (bool, error) {
	fresh, err := s.rdb.SetNX(ctx, "op:executed:"+id.String(), 1, s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark operation: %w", err)
	}
	return fresh, nil
}

// Close releases the Redis connection.
func (s *ExecutedSet) Close() error {
	return s.rdb.Close()
}
