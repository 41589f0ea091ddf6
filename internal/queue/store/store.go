package store

import (
	"context"
	"errors"
	"time"

	"github.com/aridsondez/eventqueue/internal/queue"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("queue store closed")

// DefaultBatchSize caps FetchBatch when callers pass a non-positive limit.
const DefaultBatchSize = 50

// Store is the durable item store the event queue persists into.
// Implementations must tolerate Write calls concurrent with a fetched batch.
type Store interface {
	// Write creates or overwrites a named item.
	Write(ctx context.Context, name string, payload []byte) error

	// FetchBatch leases up to limit items, oldest write first.
	// Leased items are not returned again until released.
	FetchBatch(ctx context.Context, limit int) ([]queue.Item, error)

	// DeleteBatch removes exactly the given items.
	DeleteBatch(ctx context.Context, items []queue.Item) error

	// ReleaseBatch makes the given items available to a later FetchBatch
	// without changing their order.
	ReleaseBatch(ctx context.Context, items []queue.Item) error

	// DeleteOlderThan purges every item written before cutoff and reports how many went.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// Sizer is implemented by stores that can count their items.
type Sizer interface {
	Len(ctx context.Context) (int, error)
}

// Limit normalizes a FetchBatch limit.
func Limit(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}

// Names returns the item names in order.
func Names(items []queue.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out
}
