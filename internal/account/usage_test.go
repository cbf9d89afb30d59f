package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newFrozenTracker(at time.Time) (*UsageTracker, *time.Time) {
	now := at
	u := NewUsageTracker()
	u.now = func() time.Time { return now }
	return u, &now
}

func TestRecordAndCount(t *testing.T) {
	u, _ := newFrozenTracker(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	u.Record("acct-a", "gpt-4o")
	u.Record("acct-a", "gpt-4o")
	u.Record("acct-a", "auto")
	u.Record("acct-b", "gpt-4o")

	assert.Equal(t, 3, u.Count("acct-a", time.Hour))
	assert.Equal(t, 1, u.Count("acct-b", time.Hour))
	assert.Equal(t, 0, u.Count("acct-c", time.Hour))
}

func TestCountHonorsWindow(t *testing.T) {
	u, now := newFrozenTracker(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	u.Record("acct-a", "gpt-4o")
	*now = now.Add(2 * time.Hour)
	u.Record("acct-a", "gpt-4o")

	assert.Equal(t, 1, u.Count("acct-a", time.Hour))
	assert.Equal(t, 2, u.Count("acct-a", 3*time.Hour))
}

func TestLoadScoreBounds(t *testing.T) {
	u, _ := newFrozenTracker(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	assert.Equal(t, 0, u.Load("acct-a"))

	u.Record("acct-a", "gpt-4o")
	light := u.Load("acct-a")
	assert.Greater(t, light, 0)
	assert.Less(t, light, 50)

	for i := 0; i < 500; i++ {
		u.Record("acct-a", "gpt-4o")
	}
	heavy := u.Load("acct-a")
	assert.Greater(t, heavy, light)
	assert.LessOrEqual(t, heavy, 100)
}

func TestPurgeDropsExpiredBuckets(t *testing.T) {
	u, now := newFrozenTracker(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	u.Record("acct-a", "gpt-4o")
	*now = now.Add(25 * time.Hour)
	u.Record("acct-a", "gpt-4o")

	u.Purge()
	assert.Equal(t, 1, u.Count("acct-a", 48*time.Hour))
}

func TestModelCounts(t *testing.T) {
	u, _ := newFrozenTracker(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	u.Record("acct-a", "gpt-4o")
	u.Record("acct-a", "gpt-4o")
	u.Record("acct-a", "auto")

	counts := u.ModelCounts("acct-a")
	assert.Equal(t, 2, counts["gpt-4o"])
	assert.Equal(t, 1, counts["auto"])
	assert.Empty(t, u.ModelCounts("acct-b"))
}
