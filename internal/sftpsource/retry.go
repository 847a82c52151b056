package sftpsource

import (
	"sync"
	"time"

	ttlCache "github.com/karlmutch/go-cache"
)

// retryTracker counts failed attempts per (source, path) job within a
// rolling TTL window, used to decide when a job should be routed to the
// dead-letter path after enough retries.
type retryTracker struct {
	mu     sync.Mutex
	counts *ttlCache.Cache
}

func newRetryTracker() *retryTracker {
	return &retryTracker{counts: ttlCache.New(10*time.Minute, time.Minute)}
}

// increment bumps and returns the attempt count for key.
func (r *retryTracker) increment(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 1
	if v, ok := r.counts.Get(key); ok {
		count = v.(int) + 1
	}
	r.counts.Set(key, count, 10*time.Minute)
	return count
}

// reset clears the attempt count for key, called after a successful job.
func (r *retryTracker) reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts.Delete(key)
}
