package llmroute

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/blueberrycongee/llmroute/internal/admission"
	"github.com/blueberrycongee/llmroute/internal/backoff"
	"github.com/blueberrycongee/llmroute/internal/cooldown"
	"github.com/blueberrycongee/llmroute/internal/health"
	"github.com/blueberrycongee/llmroute/internal/metrics"
	"github.com/blueberrycongee/llmroute/internal/observability"
	"github.com/blueberrycongee/llmroute/internal/strategy"
	"github.com/blueberrycongee/llmroute/internal/usage"
	llmerrors "github.com/blueberrycongee/llmroute/pkg/errors"
	"github.com/blueberrycongee/llmroute/pkg/types"
)

// modelGroup is one configured group: its deployments, selection policy,
// and ordered fallback groups.
type modelGroup struct {
	name        string
	strategy    strategy.Strategy
	selector    strategy.Selector
	fallbacks   []string
	deployments map[string]types.Deployment
}

// Router resolves model groups to deployments, dispatches through the
// executor, and recovers from failures with cooldowns and fallbacks.
// Safe for concurrent use.
type Router struct {
	executor Executor
	cfg      *routerConfig

	logger   *observability.Logger
	sink     observability.EventSink
	tracker  usage.Tracker
	registry *cooldown.Registry
	model    *health.Model
	policy   *backoff.Policy
	limiter  *admission.Limiter

	mu     sync.RWMutex
	groups map[string]*modelGroup

	rngMu sync.Mutex
}

// newRand derives an independent source from the injected one. The policy
// and every randomized selector lock their own source; sharing one rand
// between them would race.
func (r *Router) newRand() *rand.Rand {
	if r.cfg.rng == nil {
		return nil
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return rand.New(rand.NewSource(r.cfg.rng.Int63()))
}

// New creates an empty router around the given executor. Groups and
// deployments are added afterwards, or use NewFromConfig.
func New(executor Executor, opts ...Option) (*Router, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor must not be nil")
	}

	cfg := defaultRouterConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	tracker := cfg.tracker
	if tracker == nil {
		if cfg.redisClient != nil {
			tracker = usage.NewRedisTracker(cfg.redisClient, usage.WithWindow(cfg.usageWindow))
		} else {
			tracker = usage.NewMemoryTracker(cfg.usageWindow)
		}
	}

	registry := cooldown.NewRegistry()

	r := &Router{
		executor: executor,
		cfg:      cfg,
		logger:   cfg.logger,
		sink:     cfg.sink,
		tracker:  tracker,
		registry: registry,
		model:    health.NewModel(tracker, registry),
		limiter:  admission.NewLimiter(),
		groups:   make(map[string]*modelGroup),
	}
	r.policy = backoff.NewPolicy(cfg.backoffConfig, r.newRand())
	return r, nil
}

// NewFromConfig creates a router populated from a validated configuration.
// Explicit options win over configuration values.
func NewFromConfig(executor Executor, c *Config, opts ...Option) (*Router, error) {
	if c == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	base := make([]Option, 0, 4+len(opts))
	if c.Routing.RequestTimeout > 0 {
		base = append(base, WithRequestTimeout(c.Routing.RequestTimeout))
	}
	if c.Routing.MaxTotalAttempts > 0 {
		base = append(base, WithMaxTotalAttempts(c.Routing.MaxTotalAttempts))
	}
	if c.Routing.UsageWindow > 0 {
		base = append(base, WithUsageWindow(c.Routing.UsageWindow))
	}
	base = append(base, WithBackoffConfig(BackoffConfig{
		RateLimitDelay:   c.Backoff.RateLimitDelay,
		TimeoutDelay:     c.Backoff.TimeoutDelay,
		ServerErrorDelay: c.Backoff.ServerErrorDelay,
		MaxDelay:         c.Backoff.MaxDelay,
		JitterFraction:   c.Backoff.JitterFraction,
	}))
	base = append(base, opts...)

	r, err := New(executor, base...)
	if err != nil {
		return nil, err
	}

	for _, g := range c.Groups {
		if err := r.AddModelGroup(g.Name, Strategy(g.Strategy), g.Fallbacks); err != nil {
			return nil, err
		}
		for _, d := range g.Deployments {
			if err := r.AddDeployment(types.Deployment{
				ID:       d.ID,
				Group:    g.Name,
				Weight:   d.Weight,
				RPMLimit: d.RPMLimit,
				TPMLimit: d.TPMLimit,
			}); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// AddModelGroup registers a model group. An empty strategy uses the
// router's default. Fallback groups may be registered later; unknown
// names are skipped at routing time.
func (r *Router) AddModelGroup(name string, strat Strategy, fallbacks []string) error {
	if name == "" {
		return fmt.Errorf("model group name must not be empty")
	}
	if strat == "" {
		strat = r.cfg.defaultStrategy
	}
	selector, err := strategy.New(strat, r.newRand())
	if err != nil {
		return fmt.Errorf("model group %q: %w", name, err)
	}
	// With shared usage state, rotation should be pool-wide fair too.
	if strat == StrategyRoundRobin && r.cfg.redisClient != nil {
		selector = strategy.NewRoundRobinWithStore(strategy.NewRedisCursorStore(r.cfg.redisClient))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[name]; ok {
		return fmt.Errorf("model group %q already registered", name)
	}
	r.groups[name] = &modelGroup{
		name:        name,
		strategy:    strat,
		selector:    selector,
		fallbacks:   append([]string(nil), fallbacks...),
		deployments: make(map[string]types.Deployment),
	}
	return nil
}

// AddDeployment registers a deployment into its group and installs its
// capacity limits. Limits are immutable for the deployment's lifetime.
func (r *Router) AddDeployment(d types.Deployment) error {
	if d.ID == "" {
		return fmt.Errorf("deployment id must not be empty")
	}
	if d.Weight < 0 {
		return fmt.Errorf("deployment %q: negative weight", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[d.Group]
	if !ok {
		return fmt.Errorf("deployment %q: unknown model group %q", d.ID, d.Group)
	}
	if _, exists := g.deployments[d.ID]; exists {
		return fmt.Errorf("deployment %q already registered", d.ID)
	}
	g.deployments[d.ID] = d

	r.tracker.SetLimit(d.ID, types.MetricRequests, d.RPMLimit)
	r.tracker.SetLimit(d.ID, types.MetricTokens, d.TPMLimit)
	r.limiter.Register(d.ID, d.RPMLimit)
	return nil
}

// RemoveDeployment drops a deployment and all of its runtime state.
func (r *Router) RemoveDeployment(deploymentID string) {
	r.mu.Lock()
	for _, g := range r.groups {
		delete(g.deployments, deploymentID)
	}
	r.mu.Unlock()

	r.tracker.RemoveDeployment(deploymentID)
	r.registry.Remove(deploymentID)
	r.model.Remove(deploymentID)
	r.limiter.Remove(deploymentID)
}

// ClearCooldown lifts a deployment's cooldown. The consecutive-failure
// count survives so backoff history is preserved across operator overrides.
func (r *Router) ClearCooldown(deploymentID string) {
	r.registry.Clear(deploymentID)
}

// DeploymentCooldown exposes a deployment's active cooldown, if any.
func (r *Router) DeploymentCooldown(deploymentID string) (CooldownEntry, bool) {
	return r.registry.Entry(deploymentID, r.cfg.clock())
}

func (r *Router) group(name string) (*modelGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// Route resolves req.Group to a deployment, dispatches, and retries across
// the group and its fallback chain until a dispatch succeeds, the
// candidates run out, or a non-retryable error aborts the call.
//
// On failure the returned error is always a *errors.RouteError; the
// outcome still carries the full attempt and exclusion history.
func (r *Router) Route(ctx context.Context, req *types.RoutingRequest) (*types.RoutingOutcome, error) {
	start := r.cfg.clock()
	ctx, _ = observability.EnsureRequestID(ctx)
	outcome := &types.RoutingOutcome{}

	if req == nil || req.Group == "" {
		err := llmerrors.NewInvalidRequestError("", "routing request must name a model group")
		r.finish(ctx, "", outcome, err, start)
		return outcome, err
	}

	first, ok := r.group(req.Group)
	if !ok {
		err := llmerrors.NewUnknownModelGroupError(req.Group)
		r.finish(ctx, req.Group, outcome, err, start)
		return outcome, err
	}

	log := r.logger.WithRequestID(ctx)
	hint := strategy.Hint{Group: req.Group, EstimatedTokens: req.EstimatedTokens}

	chain := []*modelGroup{first}
	for _, name := range first.fallbacks {
		fb, ok := r.group(name)
		if !ok {
			log.Warn("skipping unregistered fallback group", "group", name)
			continue
		}
		chain = append(chain, fb)
	}

	totalAttempts := 0
	for _, g := range chain {
		r.mu.RLock()
		remaining := make(map[string]types.Deployment, len(g.deployments))
		for id, d := range g.deployments {
			remaining[id] = d
		}
		r.mu.RUnlock()

		hint.Group = g.name

		for len(remaining) > 0 {
			if r.cfg.maxTotalAttempts > 0 && totalAttempts >= r.cfg.maxTotalAttempts {
				break
			}

			now := r.cfg.clock()
			eligible := r.filter(ctx, remaining, req.EstimatedTokens, now, outcome)
			if len(eligible) == 0 {
				break
			}

			healths := r.model.Snapshot(ctx, eligible, now)
			id, err := g.selector.Select(healths, hint)
			if err != nil {
				break
			}
			dep := remaining[id]

			if !r.limiter.Allow(id) {
				outcome.Excluded = append(outcome.Excluded, types.Exclusion{
					DeploymentID: id,
					Reason:       types.ExcludedRequestLimit,
				})
				delete(remaining, id)
				continue
			}

			totalAttempts++
			resp, attempt := r.dispatch(ctx, g.name, dep, req, totalAttempts)
			outcome.Attempts = append(outcome.Attempts, attempt)

			if attempt.Err == nil {
				r.recordSuccess(ctx, g.name, dep, req, resp, attempt.Latency)
				outcome.Response = resp
				outcome.DeploymentID = dep.ID
				r.finish(ctx, req.Group, outcome, nil, start)
				return outcome, nil
			}

			rerr := llmerrors.Classify(attempt.Err, dep.ID)
			if r.cfg.metricsEnabled {
				metrics.DeploymentFailures.WithLabelValues(dep.ID, g.name, string(rerr.Kind)).Inc()
			}
			log.Warn("dispatch failed",
				"model_group", g.name,
				"deployment_id", dep.ID,
				"kind", string(rerr.Kind),
				"error", rerr.Message,
			)

			if !rerr.Retryable {
				r.finish(ctx, req.Group, outcome, rerr, start)
				return outcome, rerr
			}

			// A failure observed after the caller gave up is not the
			// deployment's fault; abort without cooling it down.
			if ctx.Err() != nil {
				aborted := llmerrors.Classify(ctx.Err(), dep.ID)
				r.finish(ctx, req.Group, outcome, aborted, start)
				return outcome, aborted
			}

			r.applyCooldown(g.name, dep.ID, rerr)
			delete(remaining, id)
		}
	}

	var err *llmerrors.RouteError
	if totalAttempts == 0 {
		err = &llmerrors.RouteError{
			Kind: llmerrors.KindAllDeploymentsUnavailable,
			Message: fmt.Sprintf("no deployment available for group %q (%d excluded)",
				req.Group, len(outcome.Excluded)),
		}
	} else {
		err = &llmerrors.RouteError{
			Kind: llmerrors.KindExhaustedRetries,
			Message: fmt.Sprintf("all %d attempts failed for group %q",
				totalAttempts, req.Group),
		}
	}
	r.finish(ctx, req.Group, outcome, err, start)
	return outcome, err
}

// filter drops cooling-down and over-capacity candidates from remaining,
// recording an exclusion for each, and returns the survivors.
func (r *Router) filter(ctx context.Context, remaining map[string]types.Deployment, estimatedTokens int64, now time.Time, outcome *types.RoutingOutcome) []types.Deployment {
	eligible := make([]types.Deployment, 0, len(remaining))
	for id, d := range remaining {
		if r.registry.IsCoolingDown(id, now) {
			outcome.Excluded = append(outcome.Excluded, types.Exclusion{
				DeploymentID: id,
				Reason:       types.ExcludedCoolingDown,
			})
			delete(remaining, id)
			continue
		}

		if rem, ok, err := r.tracker.Remaining(ctx, id, types.MetricRequests, now); err == nil && ok && rem < 1 {
			outcome.Excluded = append(outcome.Excluded, types.Exclusion{
				DeploymentID: id,
				Reason:       types.ExcludedRequestLimit,
			})
			delete(remaining, id)
			continue
		}

		if estimatedTokens > 0 {
			if rem, ok, err := r.tracker.Remaining(ctx, id, types.MetricTokens, now); err == nil && ok && rem < estimatedTokens {
				outcome.Excluded = append(outcome.Excluded, types.Exclusion{
					DeploymentID: id,
					Reason:       types.ExcludedTokenLimit,
				})
				delete(remaining, id)
				continue
			}
		}

		eligible = append(eligible, d)
	}
	return eligible
}

// dispatch runs one executor call with the per-dispatch deadline and
// in-flight accounting.
func (r *Router) dispatch(ctx context.Context, group string, dep types.Deployment, req *types.RoutingRequest, attempt int) (*types.Response, types.Attempt) {
	dctx := ctx
	if r.cfg.requestTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, r.cfg.requestTimeout)
		defer cancel()
	}

	r.model.RequestStarted(dep.ID)
	started := r.cfg.clock()

	var resp *types.Response
	var err error
	if r.cfg.tracingEnabled {
		spanCtx, span := observability.StartDispatchSpan(dctx, group, dep.ID, attempt)
		resp, err = r.executor.Execute(spanCtx, dep, req)
		observability.EndDispatchSpan(span, err)
	} else {
		resp, err = r.executor.Execute(dctx, dep, req)
	}

	latency := r.cfg.clock().Sub(started)
	r.model.RequestFinished(dep.ID)

	return resp, types.Attempt{
		DeploymentID: dep.ID,
		Group:        group,
		Err:          err,
		Latency:      latency,
	}
}

// recordSuccess books usage, latency, and metrics for a served request.
func (r *Router) recordSuccess(ctx context.Context, group string, dep types.Deployment, req *types.RoutingRequest, resp *types.Response, latency time.Duration) {
	now := r.cfg.clock()

	tokens := req.EstimatedTokens
	if resp != nil && resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}

	if err := r.tracker.Increment(ctx, dep.ID, types.MetricRequests, 1, now); err != nil {
		r.logger.Warn("usage increment failed", "deployment_id", dep.ID, "error", err)
	}
	if tokens > 0 {
		if err := r.tracker.Increment(ctx, dep.ID, types.MetricTokens, tokens, now); err != nil {
			r.logger.Warn("usage increment failed", "deployment_id", dep.ID, "error", err)
		}
	}

	r.model.RecordLatency(dep.ID, latency)
	r.registry.ResetFailures(dep.ID)

	if r.cfg.metricsEnabled {
		metrics.DeploymentSuccesses.WithLabelValues(dep.ID, group).Inc()
	}
}

// applyCooldown computes and installs the cooldown for a failed dispatch.
func (r *Router) applyCooldown(group, deploymentID string, rerr *llmerrors.RouteError) {
	reason := cooldownReason(rerr.Kind)
	failures := r.registry.RecordFailure(deploymentID)
	d := r.policy.NextCooldown(reason, failures, rerr.RetryAfter)
	r.registry.Cooldown(deploymentID, d, reason, r.cfg.clock())

	if r.cfg.metricsEnabled {
		metrics.DeploymentCooldowns.WithLabelValues(deploymentID, group, string(reason)).Inc()
	}
}

// finish emits the per-call event and metrics exactly once.
func (r *Router) finish(ctx context.Context, group string, outcome *types.RoutingOutcome, err *llmerrors.RouteError, start time.Time) {
	latency := r.cfg.clock().Sub(start)

	label := "success"
	if err != nil {
		label = string(err.Kind)
	}

	if r.cfg.metricsEnabled && group != "" {
		metrics.RoutingRequests.WithLabelValues(group, label).Inc()
		metrics.RoutingLatency.WithLabelValues(group).Observe(latency.Seconds())
		metrics.RoutingAttempts.WithLabelValues(group).Observe(float64(len(outcome.Attempts)))
	}

	r.sink.Emit(observability.RouteEvent{
		RequestID:    observability.RequestIDFromContext(ctx),
		ModelGroup:   group,
		DeploymentID: outcome.DeploymentID,
		Attempts:     len(outcome.Attempts),
		Outcome:      label,
		Latency:      latency,
		Timestamp:    r.cfg.clock(),
	})
}

func cooldownReason(kind llmerrors.Kind) cooldown.Reason {
	switch kind {
	case llmerrors.KindRateLimited:
		return cooldown.ReasonRateLimited
	case llmerrors.KindTimeout:
		return cooldown.ReasonTimeout
	default:
		return cooldown.ReasonServerError
	}
}
