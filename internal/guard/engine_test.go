package guard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vortexpay/velocityguard/internal/guard"
)

func newTestEngine(t *testing.T, rules []guard.Rule) *guard.Engine {
	t.Helper()
	engine, err := guard.New(guard.Options{Rules: rules}, zap.NewNop())
	require.NoError(t, err)
	return engine
}

func fundingRequest(identity string) guard.Request {
	return guard.Request{
		IdentityID: identity,
		Path:       "/api/v1/funding/transfer",
		Method:     "POST",
	}
}

func TestEngineFundingScenario(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "identity:funding", Window: 200 * time.Millisecond, MaxRequests: 3, BlockDuration: 10 * time.Second},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		verdict := engine.Check(ctx, fundingRequest("U1"))
		assert.True(t, verdict.Admitted, "request %d within window", i+1)
	}

	verdict := engine.Check(ctx, fundingRequest("U1"))
	require.False(t, verdict.Admitted)
	assert.Equal(t, "identity:funding", verdict.ViolatingScopeKey)
	assert.InDelta(t, 10, verdict.RetryAfterSeconds, 1)

	// The counting window rolls over, the block does not.
	time.Sleep(250 * time.Millisecond)
	verdict = engine.Check(ctx, fundingRequest("U1"))
	assert.False(t, verdict.Admitted, "block outlives the window")
}

func TestEngineBlockGatesAllScopeKeys(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
		{ScopeKey: "identity:global", Window: time.Minute, MaxRequests: 100, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	require.True(t, engine.Check(ctx, fundingRequest("U1")).Admitted)
	require.False(t, engine.Check(ctx, fundingRequest("U1")).Admitted)

	// The identity:global counter is nowhere near exhausted, but the
	// (identity, U1) block gates every scope key for that identifier.
	verdict := engine.Check(ctx, guard.Request{IdentityID: "U1", Path: "/api/v1/orders", Method: "GET"})
	assert.False(t, verdict.Admitted)
}

func TestEngineFirstViolationWins(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "address:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	req := guard.Request{Address: "203.0.113.9", IdentityID: "U1", Path: "/funding/send", Method: "POST"}
	require.True(t, engine.Check(ctx, req).Admitted)

	verdict := engine.Check(ctx, req)
	require.False(t, verdict.Admitted)
	assert.Equal(t, "address:funding", verdict.ViolatingScopeKey, "address scopes are reported before identity")
}

func TestEngineRejectedRequestNotChargedToLaterScopes(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "address:funding", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour},
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	req := guard.Request{Address: "203.0.113.9", IdentityID: "U1", Path: "/funding/send", Method: "POST"}
	engine.Check(ctx, req) // charges address and identity
	engine.Check(ctx, req) // rejected on address
	engine.Unblock(guard.ScopeAddress, "203.0.113.9")

	usage := engine.Statistics().PerRuleUsage
	assert.Equal(t, int64(1), usage["identity:funding"], "rejected request must not charge later scopes")
}

func TestEngineManualBlock(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "address:global", Window: time.Minute, MaxRequests: 100, BlockDuration: time.Minute},
	})
	ctx := context.Background()

	engine.Block(guard.ScopeAddress, "203.0.113.1", guard.ReasonManual, 600*time.Second)

	verdict := engine.Check(ctx, guard.Request{Address: "203.0.113.1", Path: "/api/v1/orders", Method: "GET"})
	require.False(t, verdict.Admitted)
	assert.InDelta(t, 600, verdict.RetryAfterSeconds, 1)

	// Unblocking makes the address admissible again immediately.
	assert.True(t, engine.Unblock(guard.ScopeAddress, "203.0.113.1"))
	verdict = engine.Check(ctx, guard.Request{Address: "203.0.113.1", Path: "/api/v1/orders", Method: "GET"})
	assert.True(t, verdict.Admitted)
}

func TestEngineUnblockAfterAutomaticBlock(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "identity:funding", Window: 200 * time.Millisecond, MaxRequests: 3, BlockDuration: 10 * time.Second},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, engine.Check(ctx, fundingRequest("U1")).Admitted)
	}
	require.False(t, engine.Check(ctx, fundingRequest("U1")).Admitted)

	// The counting window rolls over but the 10s block is still live.
	time.Sleep(250 * time.Millisecond)
	require.False(t, engine.Check(ctx, fundingRequest("U1")).Admitted)

	require.True(t, engine.Unblock(guard.ScopeIdentity, "U1"))
	verdict := engine.Check(ctx, fundingRequest("U1"))
	assert.True(t, verdict.Admitted, "unblocked identifier must be admissible again")
}

func TestEngineAnonymousRequestDegrades(t *testing.T) {
	engine := newTestEngine(t, guard.DefaultRules())

	verdict := engine.Check(context.Background(), guard.Request{Path: "/api/v1/orders", Method: "GET"})
	assert.True(t, verdict.Admitted, "no known dimensions means nothing to limit")
}

func TestEngineConcurrentRequestsExactAdmissions(t *testing.T) {
	const limit = 5
	const callers = 40

	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: limit, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = engine.Check(ctx, fundingRequest("U1")).Admitted
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted)
}

func TestEngineSuspicionIsAdvisoryOnly(t *testing.T) {
	rules := []guard.Rule{
		{ScopeKey: "address:global", Window: time.Minute, MaxRequests: 3, BlockDuration: time.Minute},
	}
	plain := newTestEngine(t, rules)
	rotated := newTestEngine(t, rules)
	ctx := context.Background()

	// Drive the rotated engine into address-rotation territory with other
	// traffic first; the shared device never touches the limited address.
	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"} {
		rotated.Check(ctx, guard.Request{Address: addr, DeviceFingerprint: "fp-1", Path: "/api/v1/orders"})
	}

	for i := 0; i < 5; i++ {
		a := plain.Check(ctx, guard.Request{Address: "203.0.113.9", DeviceFingerprint: "fp-2", Path: "/api/v1/orders"})
		b := rotated.Check(ctx, guard.Request{Address: "203.0.113.9", DeviceFingerprint: "fp-1", Path: "/api/v1/orders"})
		assert.Equal(t, a.Admitted, b.Admitted, "request %d: suspicion must never change the admit outcome", i+1)
	}

	verdict := rotated.Check(ctx, guard.Request{Address: "10.0.0.4", DeviceFingerprint: "fp-1", Path: "/api/v1/orders"})
	assert.True(t, verdict.Suspicious)
	assert.Contains(t, verdict.Patterns, guard.PatternAddressRotation)
}

func TestEngineStatistics(t *testing.T) {
	engine := newTestEngine(t, []guard.Rule{
		{ScopeKey: "identity:funding", Window: time.Minute, MaxRequests: 2, BlockDuration: time.Hour},
	})
	ctx := context.Background()

	engine.Check(ctx, fundingRequest("U1"))
	engine.Check(ctx, fundingRequest("U2"))
	engine.Check(ctx, fundingRequest("U2"))
	engine.Check(ctx, fundingRequest("U2")) // exhausts U2

	stats := engine.Statistics()
	assert.Equal(t, 2, stats.ActiveCounters)
	assert.Equal(t, 1, stats.ActiveBlocks)
	assert.Equal(t, int64(3), stats.PerRuleUsage["identity:funding"])
}
