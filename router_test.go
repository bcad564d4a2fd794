package llmroute

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmroute/internal/config"
	"github.com/blueberrycongee/llmroute/internal/cooldown"
	"github.com/blueberrycongee/llmroute/internal/observability"
	llmerrors "github.com/blueberrycongee/llmroute/pkg/errors"
	"github.com/blueberrycongee/llmroute/pkg/types"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// scriptedExecutor records every dispatch and delegates the outcome to fn.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls []string
	fn    func(dep types.Deployment, req *types.RoutingRequest) (*types.Response, error)
}

func (s *scriptedExecutor) Execute(_ context.Context, dep types.Deployment, req *types.RoutingRequest) (*types.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, dep.ID)
	s.mu.Unlock()
	return s.fn(dep, req)
}

func (s *scriptedExecutor) callIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func okResponse(tokens int64) *types.Response {
	return &types.Response{Payload: "ok", Usage: &types.Usage{TotalTokens: tokens}}
}

func newTestRouter(t *testing.T, exec Executor, opts ...Option) *Router {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithRand(rand.New(rand.NewSource(1))),
		WithMetrics(false),
		WithTracing(false),
	}
	r, err := New(exec, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func addGroup(t *testing.T, r *Router, name string, strat Strategy, fallbacks []string, ids ...string) {
	t.Helper()
	require.NoError(t, r.AddModelGroup(name, strat, fallbacks))
	for _, id := range ids {
		require.NoError(t, r.AddDeployment(types.Deployment{ID: id, Group: name}))
	}
}

func TestRoute_Success(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(120), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "azure-a")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "azure-a", out.DeploymentID)
	require.NotNil(t, out.Response)
	assert.Len(t, out.Attempts, 1)

	reqs, err := r.tracker.Current(context.Background(), "azure-a", types.MetricRequests, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reqs)

	toks, err := r.tracker.Current(context.Background(), "azure-a", types.MetricTokens, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(120), toks)
}

func TestRoute_UnknownGroup(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)

	_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "nope"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindUnknownModelGroup, rerr.Kind)
	assert.Empty(t, exec.callIDs())
}

func TestRoute_CoolingDownNeverSelected(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "azure-a", "azure-b")

	r.registry.Cooldown("azure-a", time.Hour, cooldown.ReasonServerError, testNow)

	for i := 0; i < 20; i++ {
		out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
		require.NoError(t, err)
		assert.Equal(t, "azure-b", out.DeploymentID)
	}
	for _, id := range exec.callIDs() {
		assert.Equal(t, "azure-b", id)
	}
}

func TestRoute_NoRepeatWithinCall(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		return nil, llmerrors.NewServerError(dep.ID, "boom")
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "dep-a", "dep-b", "dep-c")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindExhaustedRetries, rerr.Kind)

	require.Len(t, out.Attempts, 3)
	seen := make(map[string]bool)
	for _, a := range out.Attempts {
		assert.False(t, seen[a.DeploymentID], "deployment %s dispatched twice", a.DeploymentID)
		seen[a.DeploymentID] = true
	}

	for _, id := range []string{"dep-a", "dep-b", "dep-c"} {
		assert.True(t, r.registry.IsCoolingDown(id, testNow))
	}
}

func TestRoute_AllCoolingDown(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "dep-a", "dep-b")

	r.registry.Cooldown("dep-a", time.Hour, cooldown.ReasonRateLimited, testNow)
	r.registry.Cooldown("dep-b", time.Hour, cooldown.ReasonTimeout, testNow)

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindAllDeploymentsUnavailable, rerr.Kind)

	assert.Empty(t, exec.callIDs())
	assert.Empty(t, out.Attempts)
	assert.Len(t, out.Excluded, 2)
	for _, e := range out.Excluded {
		assert.Equal(t, types.ExcludedCoolingDown, e.Reason)
	}
}

func TestRoute_InvalidRequestAbortsImmediately(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		return nil, llmerrors.NewInvalidRequestError(dep.ID, "malformed payload")
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "dep-a", "dep-b")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindInvalidRequest, rerr.Kind)

	require.Len(t, out.Attempts, 1)
	faulted := out.Attempts[0].DeploymentID
	assert.False(t, r.registry.IsCoolingDown(faulted, testNow),
		"invalid request must not cool the deployment down")
}

func TestRoute_RateLimitHonorsRetryAfter(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		if dep.ID == "azure-a" {
			return nil, llmerrors.NewRateLimitError(dep.ID, "quota", 30*time.Second)
		}
		return okResponse(50), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "azure-a", "azure-b")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err, "caller must never see the rate limit when a sibling can serve")
	assert.Equal(t, "azure-b", out.DeploymentID)
	assert.Len(t, out.Attempts, 2)

	entry, ok := r.registry.Entry("azure-a", testNow)
	require.True(t, ok)
	assert.Equal(t, cooldown.ReasonRateLimited, entry.Reason)

	// Retry-after of 30s, default jitter ±10%.
	d := entry.Until.Sub(testNow)
	assert.GreaterOrEqual(t, d, 27*time.Second)
	assert.LessOrEqual(t, d, 33*time.Second)
}

func TestRoute_ConsecutiveFailuresLengthenCooldown(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		return nil, llmerrors.NewServerError(dep.ID, "boom")
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "only")

	_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.Error(t, err)
	e1, ok := r.registry.Entry("only", testNow)
	require.True(t, ok)
	d1 := e1.Until.Sub(testNow)

	r.ClearCooldown("only")

	_, err = r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.Error(t, err)
	e2, ok := r.registry.Entry("only", testNow)
	require.True(t, ok)
	d2 := e2.Until.Sub(testNow)

	assert.Greater(t, d2, d1, "second consecutive failure must cool down longer")
}

func TestRoute_FallbackChaining(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		if dep.ID == "primary-dep" {
			return nil, llmerrors.NewServerError(dep.ID, "down")
		}
		return okResponse(10), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4-backup", StrategyRoundRobin, nil, "backup-dep")
	addGroup(t, r, "gpt-4", StrategyRoundRobin, []string{"gpt-4-backup"}, "primary-dep")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "backup-dep", out.DeploymentID)
	assert.Equal(t, []string{"primary-dep", "backup-dep"}, exec.callIDs())
	assert.True(t, r.registry.IsCoolingDown("primary-dep", testNow))
}

func TestRoute_MaxTotalAttemptsCapsChain(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		return nil, llmerrors.NewServerError(dep.ID, "boom")
	}}
	r := newTestRouter(t, exec, WithMaxTotalAttempts(2))
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "d1", "d2", "d3", "d4", "d5")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindExhaustedRetries, rerr.Kind)
	assert.Len(t, out.Attempts, 2)
}

func TestRoute_LeastBusyPrefersIdleDeployment(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyLeastBusy, nil, "busy-a", "idle-b")

	for i := 0; i < 5; i++ {
		r.model.RequestStarted("busy-a")
	}

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "idle-b", out.DeploymentID)
}

func TestRoute_TokenHeadroomExcludes(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	require.NoError(t, r.AddModelGroup("gpt-4", StrategyRoundRobin, nil))
	require.NoError(t, r.AddDeployment(types.Deployment{ID: "capped", Group: "gpt-4", TPMLimit: 100}))

	require.NoError(t, r.tracker.Increment(context.Background(), "capped", types.MetricTokens, 95, testNow))

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4", EstimatedTokens: 10})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindAllDeploymentsUnavailable, rerr.Kind)
	assert.Empty(t, exec.callIDs())
	require.Len(t, out.Excluded, 1)
	assert.Equal(t, types.ExcludedTokenLimit, out.Excluded[0].Reason)
}

func TestRoute_RequestWindowExhaustedExcludes(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	require.NoError(t, r.AddModelGroup("gpt-4", StrategyRoundRobin, nil))
	require.NoError(t, r.AddDeployment(types.Deployment{ID: "capped", Group: "gpt-4", RPMLimit: 3}))

	require.NoError(t, r.tracker.Increment(context.Background(), "capped", types.MetricRequests, 3, testNow))

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindAllDeploymentsUnavailable, rerr.Kind)
	require.Len(t, out.Excluded, 1)
	assert.Equal(t, types.ExcludedRequestLimit, out.Excluded[0].Reason)
}

func TestRoute_UsageFallsBackToEstimate(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return &types.Response{Payload: "ok"}, nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "dep")

	_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4", EstimatedTokens: 42})
	require.NoError(t, err)

	toks, err := r.tracker.Current(context.Background(), "dep", types.MetricTokens, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(42), toks)
}

func TestRoute_SuccessResetsFailureStreak(t *testing.T) {
	fail := true
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		if fail {
			return nil, llmerrors.NewServerError(dep.ID, "boom")
		}
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "dep")

	_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.Error(t, err)
	assert.Equal(t, 1, r.registry.ConsecutiveFailures("dep"))

	r.ClearCooldown("dep")
	fail = false

	_, err = r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	assert.Zero(t, r.registry.ConsecutiveFailures("dep"))
}

// captureSink retains every emitted event for inspection.
type captureSink struct {
	mu     sync.Mutex
	events []observability.RouteEvent
}

func (s *captureSink) Emit(e observability.RouteEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func TestRoute_EmitsEventPerCall(t *testing.T) {
	sink := &captureSink{}
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec, WithEventSink(sink))
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "dep")

	_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	_, err = r.Route(context.Background(), &types.RoutingRequest{Group: "missing"})
	require.Error(t, err)

	require.Len(t, sink.events, 2)
	assert.Equal(t, "success", sink.events[0].Outcome)
	assert.Equal(t, "dep", sink.events[0].DeploymentID)
	assert.Equal(t, 1, sink.events[0].Attempts)
	assert.NotEmpty(t, sink.events[0].RequestID)
	assert.Equal(t, string(llmerrors.KindUnknownModelGroup), sink.events[1].Outcome)
}

func TestRoute_RemoveDeploymentDropsState(t *testing.T) {
	exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "gone")

	r.registry.Cooldown("gone", time.Hour, cooldown.ReasonServerError, testNow)
	r.RemoveDeployment("gone")

	assert.False(t, r.registry.IsCoolingDown("gone", testNow))

	_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindAllDeploymentsUnavailable, rerr.Kind)
}

func TestRoute_UnclassifiedErrorIsRetried(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		if dep.ID == "flaky" {
			return nil, errors.New("connection reset")
		}
		return okResponse(0), nil
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "flaky", "solid")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "solid", out.DeploymentID)
	assert.True(t, r.registry.IsCoolingDown("flaky", testNow))
}

func TestNewFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
model_groups:
  - name: gpt-4
    strategy: round-robin
    fallbacks: [gpt-4-backup]
    deployments:
      - id: azure-a
        weight: 2
        rpm_limit: 60
        tpm_limit: 100000
  - name: gpt-4-backup
    deployments:
      - id: bedrock-b
routing:
  request_timeout: 10s
  max_total_attempts: 4
`))
	require.NoError(t, err)

	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		if dep.ID == "azure-a" {
			return nil, llmerrors.NewServerError(dep.ID, "down")
		}
		return okResponse(5), nil
	}}
	r, err := NewFromConfig(exec, cfg,
		WithClock(func() time.Time { return testNow }),
		WithMetrics(false),
		WithTracing(false),
	)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, r.cfg.requestTimeout)
	assert.Equal(t, 4, r.cfg.maxTotalAttempts)

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "bedrock-b", out.DeploymentID)
}

func TestRoute_ContextCancelledAbortsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		cancel()
		return nil, llmerrors.NewServerError(dep.ID, "boom")
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil, "d1", "d2", "d3")

	out, err := r.Route(ctx, &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindTimeout, rerr.Kind)
	require.Len(t, out.Attempts, 1, "no further dispatches after the caller gives up")

	// The failure arrived because the caller gave up, not because the
	// deployment misbehaved; it must stay selectable.
	assert.False(t, r.registry.IsCoolingDown(out.Attempts[0].DeploymentID, testNow))
}

func TestRoute_DefaultAttemptCap(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		return nil, llmerrors.NewServerError(dep.ID, "boom")
	}}
	r := newTestRouter(t, exec)
	addGroup(t, r, "gpt-4", StrategyRoundRobin, nil,
		"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8", "d9", "d10")

	out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
	var rerr *llmerrors.RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, llmerrors.KindExhaustedRetries, rerr.Kind)
	assert.Len(t, out.Attempts, DefaultMaxTotalAttempts,
		"an unconfigured router must still bound the chain")
}

func TestRoute_WeightedSelectionDeterministicAcrossRouters(t *testing.T) {
	pick := func(seed int64) []string {
		exec := &scriptedExecutor{fn: func(types.Deployment, *types.RoutingRequest) (*types.Response, error) {
			return okResponse(0), nil
		}}
		r := newTestRouter(t, exec, WithRand(rand.New(rand.NewSource(seed))))
		addGroup(t, r, "gpt-4", StrategyWeightedRandom, nil, "dep-a", "dep-b", "dep-c")

		ids := make([]string, 0, 40)
		for i := 0; i < 40; i++ {
			out, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
			require.NoError(t, err)
			ids = append(ids, out.DeploymentID)
		}
		return ids
	}

	// Same seed, same routers, same draws: jitter and selection take
	// independent derived sources, so the sequences line up exactly.
	assert.Equal(t, pick(7), pick(7))
	assert.NotEqual(t, pick(7), pick(8))
}

func TestRoute_ConcurrentWeightedRandomWithFailures(t *testing.T) {
	exec := &scriptedExecutor{fn: func(dep types.Deployment, _ *types.RoutingRequest) (*types.Response, error) {
		return nil, llmerrors.NewServerError(dep.ID, "boom")
	}}
	// Real clock and near-zero cooldowns keep every worker dispatching and
	// cooling down at once, with jitter drawn on every failure.
	r := newTestRouter(t, exec,
		WithClock(time.Now),
		WithRand(rand.New(rand.NewSource(7))),
		WithBackoffConfig(BackoffConfig{
			RateLimitDelay:   time.Nanosecond,
			TimeoutDelay:     time.Nanosecond,
			ServerErrorDelay: time.Nanosecond,
			MaxDelay:         time.Nanosecond,
			JitterFraction:   0.5,
		}),
	)
	addGroup(t, r, "gpt-4", StrategyWeightedRandom, nil, "dep-a", "dep-b", "dep-c")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := r.Route(context.Background(), &types.RoutingRequest{Group: "gpt-4"})
				var rerr *llmerrors.RouteError
				if !assert.ErrorAs(t, err, &rerr) {
					continue
				}
				assert.Contains(t, []llmerrors.Kind{
					llmerrors.KindExhaustedRetries,
					llmerrors.KindAllDeploymentsUnavailable,
				}, rerr.Kind)
			}
		}()
	}
	wg.Wait()
}
