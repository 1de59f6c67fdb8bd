package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, rules []Rule) (*counterStore, *Blocklist, *fakeClock) {
	t.Helper()
	table, err := NewRuleTable(rules)
	require.NoError(t, err)

	clock := newFakeClock()
	blocks := NewBlocklist()
	blocks.now = clock.now
	store := newCounterStore(table, blocks)
	store.now = clock.now
	return store, blocks, clock
}

func fundingScope(identifier string) ScopeDescriptor {
	return ScopeDescriptor{
		ScopeKey:   ScopeKey(ScopeIdentity, CategoryFunding),
		ScopeType:  ScopeIdentity,
		Identifier: identifier,
	}
}

func TestCounterAdmitsWithinWindow(t *testing.T) {
	store, _, _ := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
	})

	for i, wantRemaining := range []int{2, 1, 0} {
		res, ok := store.checkAndIncrement(fundingScope("U1"))
		require.True(t, ok)
		assert.True(t, res.Admitted, "request %d", i+1)
		assert.Equal(t, wantRemaining, res.Remaining, "request %d", i+1)
		assert.Equal(t, i+1, res.CurrentCount)
	}
}

func TestCounterBlocksWhenExhausted(t *testing.T) {
	store, blocks, _ := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
	})

	for i := 0; i < 3; i++ {
		res, _ := store.checkAndIncrement(fundingScope("U1"))
		require.True(t, res.Admitted)
	}

	res, ok := store.checkAndIncrement(fundingScope("U1"))
	require.True(t, ok)
	assert.False(t, res.Admitted)
	assert.Equal(t, time.Hour, res.RetryAfter)

	rec, blocked := blocks.Lookup(ScopeIdentity, "U1")
	require.True(t, blocked)
	assert.Equal(t, ReasonAutomaticExceeded, rec.Reason)
	assert.Equal(t, "identity:funding", rec.TriggeringScopeKey)
}

func TestCounterBlockOutlivesWindow(t *testing.T) {
	store, _, clock := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
	})

	for i := 0; i < 4; i++ {
		store.checkAndIncrement(fundingScope("U1"))
	}

	// The 60s counting window has rolled over; the 1h block has not.
	clock.advance(70 * time.Second)
	res, _ := store.checkAndIncrement(fundingScope("U1"))
	assert.False(t, res.Admitted)
	assert.InDelta(t, (time.Hour - 70*time.Second).Seconds(), res.RetryAfter.Seconds(), 1)
}

func TestCounterWindowResetStartsFresh(t *testing.T) {
	store, _, clock := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
	})

	for i := 0; i < 2; i++ {
		store.checkAndIncrement(fundingScope("U1"))
	}

	clock.advance(61 * time.Second)
	res, _ := store.checkAndIncrement(fundingScope("U1"))
	assert.True(t, res.Admitted)
	assert.Equal(t, 1, res.CurrentCount, "count must not accumulate across windows")
}

func TestCounterConcurrentAdmissionsExact(t *testing.T) {
	const limit = 5
	const callers = 50

	store, _, _ := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: limit, BlockDuration: time.Hour},
	})

	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		go func() {
			res, _ := store.checkAndIncrement(fundingScope("U1"))
			results <- res.Admitted
		}()
	}

	admitted := 0
	for i := 0; i < callers; i++ {
		if <-results {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted, "no over-admission past the limit")
}

func TestCounterUnknownScopeKeySkipped(t *testing.T) {
	store, _, _ := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
	})

	_, ok := store.checkAndIncrement(ScopeDescriptor{
		ScopeKey:   "identity:general",
		ScopeType:  ScopeIdentity,
		Identifier: "U1",
	})
	assert.False(t, ok)
}

func TestCounterClearBlockRestoresAdmission(t *testing.T) {
	store, _, _ := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	})

	store.checkAndIncrement(fundingScope("U1")) // admitted
	store.checkAndIncrement(fundingScope("U1")) // exhausts, blocks
	res, _ := store.checkAndIncrement(fundingScope("U1"))
	require.False(t, res.Admitted)

	store.clearBlock(ScopeIdentity, "U1")

	res, _ = store.checkAndIncrement(fundingScope("U1"))
	assert.True(t, res.Admitted, "cleared block must not keep rejecting")
	assert.Equal(t, 1, res.CurrentCount, "counter restarts in a fresh window")
}

func TestCounterClearBlockScopedToPair(t *testing.T) {
	store, _, _ := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	})

	for i := 0; i < 2; i++ {
		store.checkAndIncrement(fundingScope("U1"))
		store.checkAndIncrement(fundingScope("U2"))
	}

	// Clearing a different identifier or scope type leaves U1 blocked.
	store.clearBlock(ScopeIdentity, "U2")
	store.clearBlock(ScopeAddress, "U1")

	res, _ := store.checkAndIncrement(fundingScope("U1"))
	assert.False(t, res.Admitted)
	res, _ = store.checkAndIncrement(fundingScope("U2"))
	assert.True(t, res.Admitted)
}

func TestCounterSweepPreservesLiveBlocks(t *testing.T) {
	store, _, clock := newTestStore(t, []Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	})

	store.checkAndIncrement(fundingScope("U1")) // admitted
	store.checkAndIncrement(fundingScope("U1")) // exhausts, blocks
	store.checkAndIncrement(fundingScope("U2")) // plain counter

	// Both windows are long stale, only U1 has a live block.
	clock.advance(10 * time.Minute)
	removed := store.sweep(counterGraceMultiple)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.activeCount())

	// Once the block expires the counter is reclaimable too.
	clock.advance(time.Hour)
	removed = store.sweep(counterGraceMultiple)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, store.activeCount())
}
