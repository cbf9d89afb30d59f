package account

import (
	"math"
	"sync"
	"time"
)

const (
	// bucketSize is the fixed aggregation window for usage counts.
	bucketSize = 10 * time.Minute
	// retention bounds how far back buckets are kept before purging.
	retention = 24 * time.Hour
	// loadWindow is how much recent history feeds the load score.
	loadWindow = time.Hour
)

type usageKey struct {
	account string
	model   string
	bucket  int64
}

// UsageTracker aggregates request counts into fixed time buckets and derives
// a bounded load score per account.
type UsageTracker struct {
	mu      sync.Mutex
	buckets map[usageKey]int
	now     func() time.Time
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		buckets: make(map[usageKey]int),
		now:     time.Now,
	}
}

// Record counts one request for an account and model.
func (u *UsageTracker) Record(accountName, model string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	key := usageKey{
		account: accountName,
		model:   model,
		bucket:  u.now().Truncate(bucketSize).Unix(),
	}
	u.buckets[key]++
}

// Count returns the total requests for an account within the given window.
func (u *UsageTracker) Count(accountName string, window time.Duration) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	cutoff := u.now().Add(-window).Truncate(bucketSize).Unix()
	total := 0
	for key, n := range u.buckets {
		if key.account == accountName && key.bucket >= cutoff {
			total += n
		}
	}
	return total
}

// Load compresses recent request volume into a 0-100 score. Arctangent keeps
// the score monotonic but bounded, so one hot account cannot saturate the scale.
func (u *UsageTracker) Load(accountName string) int {
	recent := u.Count(accountName, loadWindow)
	if recent == 0 {
		return 0
	}
	return int(math.Round(math.Atan(float64(recent)/20) / (math.Pi / 2) * 100))
}

// Purge drops buckets older than the retention window.
func (u *UsageTracker) Purge() {
	u.mu.Lock()
	defer u.mu.Unlock()

	cutoff := u.now().Add(-retention).Unix()
	for key := range u.buckets {
		if key.bucket < cutoff {
			delete(u.buckets, key)
		}
	}
}

// StartPurgeLoop purges expired buckets until stop is closed.
func (u *UsageTracker) StartPurgeLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(bucketSize)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				u.Purge()
			case <-stop:
				return
			}
		}
	}()
}

// ModelCounts returns per-model totals for an account within the retention
// window, for metrics exposition.
func (u *UsageTracker) ModelCounts(accountName string) map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]int)
	for key, n := range u.buckets {
		if key.account == accountName {
			out[key.model] += n
		}
	}
	return out
}
