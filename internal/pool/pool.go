// Package pool implements PoolManager (spec §4.6): model-to-pool mapping,
// fallback-chain traversal, provider selection strategies, and cached pool
// health aggregation.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/polyroute/gateway/internal/breaker"
)

// RoutingStrategy selects how a provider is picked among a pool's healthy
// members (spec §4.6).
type RoutingStrategy string

const (
	StrategyWeighted         RoutingStrategy = "weighted"
	StrategyCostOptimized    RoutingStrategy = "cost_optimized"
	StrategyFastestResponse  RoutingStrategy = "fastest_response"
	StrategyRoundRobin       RoutingStrategy = "round_robin"
	StrategyLeastConnections RoutingStrategy = "least_connections"
)

// RateLimitConfig is the ProviderConfig.rateLimits field (spec §3).
type RateLimitConfig struct {
	RequestsPerMinute int
}

// ProviderConfig is the ProviderConfig entity from spec §3.
type ProviderConfig struct {
	Name              string
	Kind              string
	CredentialsRef    string
	APIBase           string
	ModelName         string
	Priority          int
	Weight            int
	TimeoutMs         int64
	MaxRetries        int
	RetryDelayMs      int64
	Headers           map[string]string
	RateLimits        *RateLimitConfig
	ProviderParams    map[string]any
	HealthCheckParams map[string]any
	StreamingParams   map[string]any
	CostPerToken      float64

	// UseModelDefaults gates the adapter's model-registry merge (spec
	// §4.3). Config loading defaults this true; set false in config to
	// bypass the registry and use only providerParams/caller params.
	UseModelDefaults bool
}

func (p ProviderConfig) weight() int {
	if p.Weight < 1 {
		return 1
	}
	return p.Weight
}

// HealthThresholds is PoolDefinition.healthThresholds (spec §3).
type HealthThresholds struct {
	ErrorRatePct        float64
	ResponseTimeMs      float64
	ConsecutiveFailures int
	MinHealthyProviders int
}

// Definition is the PoolDefinition entity from spec §3.
type Definition struct {
	ID               string
	Name             string
	Description      string
	Providers        []ProviderConfig
	FallbackPoolIDs  []string
	RoutingStrategy  RoutingStrategy
	CircuitBreaker   breaker.Config
	HealthThresholds HealthThresholds
}

// ModelConfig is the ModelConfig entity from spec §3.
type ModelConfig struct {
	PrimaryPoolID     string
	DefaultParameters map[string]any
}

// ProviderMetrics is what ProviderHealthManager reports per provider
// identity (spec §4.4).
type ProviderMetrics struct {
	AverageResponseTimeMs float64
	ErrorRate             float64 // fraction in [0,1]
	ConsecutiveFailures   int
	HasSamples            bool
}

// HealthManager is the subset of ProviderHealthManager PoolManager needs.
// internal/providerhealth.Manager implements this.
type HealthManager interface {
	IsProviderAvailable(poolID, providerName string) bool
	GetProviderMetrics(poolID, providerName string) ProviderMetrics
	ExecuteWithProvider(poolID, providerName string, op func() error) breaker.Result
}

var (
	ErrModelNotFound      = errors.New("pool: model not mapped to a pool")
	ErrNoPoolsConfigured  = errors.New("pool: no pools configured")
	ErrAllPoolsFailed     = errors.New("pool: all pools in the fallback chain failed")
	ErrPoolUnhealthy      = errors.New("pool: pool is unhealthy")
	ErrNoHealthyProviders = errors.New("pool: no healthy providers in pool")
	ErrUnknownPool        = errors.New("pool: fallback references an unknown pool id")
)

// ProviderHealthInfo is one provider's contribution to a PoolHealth snapshot.
type ProviderHealthInfo struct {
	IsHealthy      bool
	ResponseTimeMs float64
	ErrorRate      float64
}

// Health is the PoolHealth entity from spec §4.6.
type Health struct {
	Status       string // "healthy" | "degraded" | "unhealthy"
	Score        int
	HealthyCount int
	Providers    map[string]ProviderHealthInfo
	ComputedAt   time.Time
}

type loadBalanceState struct {
	mu               sync.Mutex
	lastUsedIndex    int
	connectionCounts map[string]int
}

type poolRuntime struct {
	def     Definition
	lb      loadBalanceState
	breaker *breaker.Breaker
}

// Manager is PoolManager (spec §4.6).
type Manager struct {
	pools       map[string]*poolRuntime
	modelToPool map[string]ModelConfig
	order       []string // pool ids in config order, for deterministic tie-breaks

	health HealthManager

	healthCacheTTL time.Duration
	healthGroup    singleflight.Group
	healthMu       sync.Mutex
	healthCache    map[string]Health
}

// NewManager validates pools/models and builds a Manager. Returns an error
// per offending pool/model reference, matching the Router's startup
// validation requirement (spec §4.7).
func NewManager(pools []Definition, models map[string]ModelConfig, hm HealthManager) (*Manager, error) {
	m := &Manager{
		pools:          make(map[string]*poolRuntime, len(pools)),
		modelToPool:    make(map[string]ModelConfig, len(models)),
		health:         hm,
		healthCacheTTL: 30 * time.Second,
		healthCache:    make(map[string]Health),
	}

	var errs []string
	for _, def := range pools {
		if len(def.Providers) == 0 {
			errs = append(errs, fmt.Sprintf("pool %q: no providers configured", def.ID))
			continue
		}
		m.pools[def.ID] = &poolRuntime{
			def:     def,
			lb:      loadBalanceState{connectionCounts: make(map[string]int)},
			breaker: breaker.New(def.CircuitBreaker),
		}
		m.order = append(m.order, def.ID)
	}
	for _, pr := range m.pools {
		for _, fb := range pr.def.FallbackPoolIDs {
			if _, ok := m.pools[fb]; !ok {
				errs = append(errs, fmt.Sprintf("pool %q: fallbackPoolIds references unknown pool %q", pr.def.ID, fb))
			}
		}
	}
	for name, mc := range models {
		if _, ok := m.pools[mc.PrimaryPoolID]; !ok {
			errs = append(errs, fmt.Sprintf("model %q: primaryPoolId %q does not resolve to a pool", name, mc.PrimaryPoolID))
			continue
		}
		m.modelToPool[name] = mc
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("pool: invalid configuration:\n%s", joinLines(errs))
	}
	return m, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += "  - " + l
	}
	return out
}

// ChainFor returns the primary pool for model followed by a DFS walk of
// fallbackPoolIds, visited-guarded so a cycle breaks traversal at the
// revisit instead of looping forever.
func (m *Manager) ChainFor(model string) ([]string, error) {
	mc, ok := m.modelToPool[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}

	visited := make(map[string]bool)
	var chain []string
	var dfs func(id string)
	dfs = func(id string) {
		if visited[id] {
			slog.Debug("pool: fallback chain revisited a pool, stopping descent", "pool", id)
			return
		}
		visited[id] = true
		chain = append(chain, id)
		pr, ok := m.pools[id]
		if !ok {
			return
		}
		for _, fb := range pr.def.FallbackPoolIDs {
			dfs(fb)
		}
	}
	dfs(mc.PrimaryPoolID)
	return chain, nil
}

// Op is a unit of work PoolManager runs against a selected provider within
// a given pool. poolID is supplied so a caller that needs a {poolID,
// providerName} identity (e.g. to look up or construct a live provider
// instance) doesn't have to rediscover it.
type Op func(poolID string, provider ProviderConfig) (any, error)

// FallbackResult is what ExecuteWithPoolFallback returns on success.
type FallbackResult struct {
	Data         any
	UsedProvider string
	UsedPool     string
	UsedFallback bool
}

// ExecuteWithPoolFallback implements spec §4.6's executeWithPoolFallback.
func (m *Manager) ExecuteWithPoolFallback(model string, op Op) (FallbackResult, error) {
	chain, err := m.ChainFor(model)
	if err != nil {
		return FallbackResult{}, err
	}
	if len(chain) == 0 {
		return FallbackResult{}, ErrNoPoolsConfigured
	}

	var attempted []string
	var lastErr error
	for i, poolID := range chain {
		data, usedProvider, err := m.executeWithPool(poolID, op)
		attempted = append(attempted, poolID)
		if err == nil {
			return FallbackResult{Data: data, UsedProvider: usedProvider, UsedPool: poolID, UsedFallback: i > 0}, nil
		}
		lastErr = err
		m.invalidateHealth(poolID)
	}
	return FallbackResult{}, fmt.Errorf("%w: attempted %v: %v", ErrAllPoolsFailed, attempted, lastErr)
}

// executeWithPool implements spec §4.6's executeWithPool.
func (m *Manager) executeWithPool(poolID string, op Op) (any, string, error) {
	pr, ok := m.pools[poolID]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}

	health := m.GetPoolHealth(poolID)
	if health.Status == "unhealthy" {
		return nil, "", fmt.Errorf("%w: %s", ErrPoolUnhealthy, poolID)
	}

	provider, err := m.selectProvider(pr)
	if err != nil {
		return nil, "", err
	}

	pr.lb.mu.Lock()
	pr.lb.connectionCounts[provider.Name]++
	pr.lb.mu.Unlock()
	defer func() {
		pr.lb.mu.Lock()
		pr.lb.connectionCounts[provider.Name]--
		pr.lb.mu.Unlock()
	}()

	var result any
	runOp := func() error {
		var opErr error
		result, opErr = op(poolID, provider)
		return opErr
	}

	res := pr.breaker.Execute(poolID, func() error {
		if m.health == nil {
			return runOp()
		}
		return m.health.ExecuteWithProvider(poolID, provider.Name, runOp).Err
	})
	if !res.Success {
		return nil, provider.Name, res.Err
	}
	return result, provider.Name, nil
}

// selectProvider applies pr.def.RoutingStrategy among the pool's currently
// healthy providers.
func (m *Manager) selectProvider(pr *poolRuntime) (ProviderConfig, error) {
	healthy := make([]ProviderConfig, 0, len(pr.def.Providers))
	for _, p := range pr.def.Providers {
		if m.health == nil || m.health.IsProviderAvailable(pr.def.ID, p.Name) {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		return ProviderConfig{}, fmt.Errorf("%w: pool %s", ErrNoHealthyProviders, pr.def.ID)
	}

	switch pr.def.RoutingStrategy {
	case StrategyCostOptimized:
		return m.selectCostOptimized(healthy), nil
	case StrategyFastestResponse:
		return m.selectFastestResponse(pr.def.ID, healthy), nil
	case StrategyRoundRobin:
		return m.selectRoundRobin(pr, healthy), nil
	case StrategyLeastConnections:
		return m.selectLeastConnections(pr, healthy), nil
	default:
		return m.selectWeighted(healthy), nil
	}
}

func (m *Manager) selectWeighted(healthy []ProviderConfig) ProviderConfig {
	total := 0
	for _, p := range healthy {
		total += p.weight()
	}
	pick := rand.Intn(total)
	cum := 0
	for _, p := range healthy {
		cum += p.weight()
		if pick < cum {
			return p
		}
	}
	return healthy[len(healthy)-1]
}

// selectCostOptimized preserves the source behavior spec §9 flags as an
// open question: a provider with no CostPerToken configured compares as 0,
// so it is preferred over any provider with a positive cost.
func (m *Manager) selectCostOptimized(healthy []ProviderConfig) ProviderConfig {
	best := healthy[0]
	lowest := math.Inf(1)
	for _, p := range healthy {
		if p.CostPerToken < lowest {
			lowest = p.CostPerToken
			best = p
		}
	}
	return best
}

func (m *Manager) selectFastestResponse(poolID string, healthy []ProviderConfig) ProviderConfig {
	best := healthy[0]
	lowest := math.Inf(1)
	for _, p := range healthy {
		rt := math.Inf(1)
		if m.health != nil {
			metrics := m.health.GetProviderMetrics(poolID, p.Name)
			if metrics.HasSamples {
				rt = metrics.AverageResponseTimeMs
			}
		}
		if rt < lowest {
			lowest = rt
			best = p
		}
	}
	return best
}

func (m *Manager) selectRoundRobin(pr *poolRuntime, healthy []ProviderConfig) ProviderConfig {
	pr.lb.mu.Lock()
	defer pr.lb.mu.Unlock()
	pr.lb.lastUsedIndex = (pr.lb.lastUsedIndex + 1) % len(healthy)
	return healthy[pr.lb.lastUsedIndex]
}

func (m *Manager) selectLeastConnections(pr *poolRuntime, healthy []ProviderConfig) ProviderConfig {
	pr.lb.mu.Lock()
	defer pr.lb.mu.Unlock()
	best := healthy[0]
	lowest := pr.lb.connectionCounts[best.Name]
	for _, p := range healthy[1:] {
		if c := pr.lb.connectionCounts[p.Name]; c < lowest {
			lowest = c
			best = p
		}
	}
	return best
}

// GetPoolHealth returns a cached (TTL 30s) or freshly computed Health
// snapshot for poolID, single-flighted so concurrent cache misses collapse
// into one recomputation.
func (m *Manager) GetPoolHealth(poolID string) Health {
	m.healthMu.Lock()
	cached, ok := m.healthCache[poolID]
	m.healthMu.Unlock()
	if ok && time.Since(cached.ComputedAt) < m.healthCacheTTL {
		return cached
	}

	v, _, _ := m.healthGroup.Do(poolID, func() (any, error) {
		h := m.computeHealth(poolID)
		m.healthMu.Lock()
		m.healthCache[poolID] = h
		m.healthMu.Unlock()
		return h, nil
	})
	return v.(Health)
}

func (m *Manager) invalidateHealth(poolID string) {
	m.healthMu.Lock()
	delete(m.healthCache, poolID)
	m.healthMu.Unlock()
}

func (m *Manager) computeHealth(poolID string) Health {
	pr, ok := m.pools[poolID]
	if !ok {
		return Health{Status: "unhealthy", ComputedAt: time.Now()}
	}

	providerInfo := make(map[string]ProviderHealthInfo, len(pr.def.Providers))
	var healthyCount int
	var sumResp, sumErr float64

	for _, p := range pr.def.Providers {
		var metrics ProviderMetrics
		isHealthy := true
		if m.health != nil {
			metrics = m.health.GetProviderMetrics(poolID, p.Name)
			isHealthy = m.health.IsProviderAvailable(poolID, p.Name)
		}
		providerInfo[p.Name] = ProviderHealthInfo{
			IsHealthy:      isHealthy,
			ResponseTimeMs: metrics.AverageResponseTimeMs,
			ErrorRate:      metrics.ErrorRate,
		}
		if isHealthy {
			healthyCount++
			sumResp += metrics.AverageResponseTimeMs
			sumErr += metrics.ErrorRate
		}
	}

	var avgResp, avgErr float64
	if healthyCount > 0 {
		avgResp = sumResp / float64(healthyCount)
		avgErr = sumErr / float64(healthyCount)
	}

	th := pr.def.HealthThresholds
	score := 100
	if th.ResponseTimeMs > 0 && avgResp > th.ResponseTimeMs {
		score -= 30
	}
	if th.ErrorRatePct > 0 && avgErr*100 > th.ErrorRatePct {
		score -= 40
	}
	if healthyCount < th.MinHealthyProviders {
		score -= 50
	}
	if score < 0 {
		score = 0
	}

	status := "healthy"
	switch {
	case healthyCount < th.MinHealthyProviders:
		status = "unhealthy"
	case score < 70:
		status = "degraded"
	}

	return Health{
		Status:       status,
		Score:        score,
		HealthyCount: healthyCount,
		Providers:    providerInfo,
		ComputedAt:   time.Now(),
	}
}

// SupportedModels returns every model name mapped to a pool.
func (m *Manager) SupportedModels() []string {
	out := make([]string, 0, len(m.modelToPool))
	for name := range m.modelToPool {
		out = append(out, name)
	}
	return out
}

// IsModelSupported reports whether model resolves to a configured pool.
func (m *Manager) IsModelSupported(model string) bool {
	_, ok := m.modelToPool[model]
	return ok
}

// ModelToPoolMapping returns model -> primary pool id.
func (m *Manager) ModelToPoolMapping() map[string]string {
	out := make(map[string]string, len(m.modelToPool))
	for name, mc := range m.modelToPool {
		out[name] = mc.PrimaryPoolID
	}
	return out
}

// PoolNames returns every configured pool id, in config order.
func (m *Manager) PoolNames() []string {
	return append([]string{}, m.order...)
}

// PoolForProvider finds the pool that configures a given provider name,
// used by Router.resetProvider(modelName, providerName) to resolve the
// {poolId, providerName} identity the health manager keys on.
func (m *Manager) PoolForProvider(model, providerName string) (string, error) {
	mc, ok := m.modelToPool[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	chain, _ := m.ChainFor(model)
	_ = mc
	for _, poolID := range chain {
		pr := m.pools[poolID]
		for _, p := range pr.def.Providers {
			if p.Name == providerName {
				return poolID, nil
			}
		}
	}
	return "", fmt.Errorf("pool: provider %q not found for model %q", providerName, model)
}

// AllPoolHealth returns Health snapshots for every configured pool.
func (m *Manager) AllPoolHealth() map[string]Health {
	out := make(map[string]Health, len(m.pools))
	for id := range m.pools {
		out[id] = m.GetPoolHealth(id)
	}
	return out
}
