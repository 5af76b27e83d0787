// Package counter provides per-key sliding-window request counting for rate
// limiting.
//
// The Counter interface is the storage contract: the in-memory implementation
// keeps an exact sliding log of request timestamps, while the Redis
// implementation maps the same contract onto an atomic increment-with-expiry
// primitive for multi-instance deployments. Callers substitute one for the
// other without changing calling code.
//
//	c, _ := counter.NewMemory(config.DefaultCounter())
//	defer c.Shutdown()
//
//	res, err := c.RecordRequest(ctx, "ip:192.168.1.1")
//	if err != nil {
//	    // fail open: log and allow the request
//	}
//	if res.Exceeded {
//	    // reject with 429
//	}
package counter

import (
	"context"
	"time"
)

// Result reports the outcome of recording one request against a key.
type Result struct {
	// TotalHits is the number of requests counted for the key within the
	// current window, including the request just recorded.
	TotalHits int

	// ResetTime is when the key's count next drops, i.e. when the oldest
	// in-window request ages out.
	ResetTime time.Time

	// Exceeded reports whether this request took the key past its limit.
	// Exactly MaxRequests in-window requests are allowed; the next one is
	// exceeded.
	Exceeded bool
}

// Counter counts requests per key within a time window.
// Implementations must be safe for concurrent use.
type Counter interface {
	// RecordRequest counts one request for key at the current instant and
	// reports the key's standing. A storage failure is returned as an error;
	// callers are expected to log it and fail open.
	RecordRequest(ctx context.Context, key string) (Result, error)

	// Decrement removes the most recently counted request for key. It is a
	// no-op when the key is unknown or has no in-window requests. Used to
	// roll back a request that turned out not to count.
	Decrement(ctx context.Context, key string) error

	// Reset deletes all state for key. No-op when the key is unknown.
	Reset(ctx context.Context, key string) error

	// Cleanup sweeps all keys, dropping aged-out requests and deleting keys
	// left with none. Safe to call concurrently with RecordRequest.
	Cleanup(ctx context.Context) error

	// Shutdown stops any background cleanup and releases resources.
	// Idempotent, and safe to call before any cleanup has run.
	Shutdown()
}
