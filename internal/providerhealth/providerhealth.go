// Package providerhealth implements ProviderHealthManager (spec §4.4): the
// per-provider circuit breaker plus the response-time/error-rate metrics
// PoolManager's selection strategies and health scoring read.
package providerhealth

import (
	"sync"
	"time"

	"github.com/polyroute/gateway/internal/breaker"
	"github.com/polyroute/gateway/internal/pool"
)

// emaAlpha is the smoothing factor for the average-response-time metric
// (spec §4.5: "EMA response-time metric (α=0.1)" — the scheduler and the
// health manager share the same constant since both feed off the same
// per-provider timing samples).
const emaAlpha = 0.1

type metricState struct {
	mu                  sync.Mutex
	avgResponseMs       float64
	hasSamples          bool
	consecutiveFailures int
}

func identity(poolID, providerName string) string {
	return poolID + "/" + providerName
}

// Manager is ProviderHealthManager. It owns one breaker.Breaker keyed by
// {poolId, providerName} identities and tracks the timing/consecutive
// failure metrics the breaker itself doesn't keep.
type Manager struct {
	breaker *breaker.Breaker

	mu      sync.Mutex
	metrics map[string]*metricState
}

// New builds a Manager whose provider-level breakers all share cfg.
func New(cfg breaker.Config) *Manager {
	return &Manager{
		breaker: breaker.New(cfg),
		metrics: make(map[string]*metricState),
	}
}

func (m *Manager) metricsFor(id string) *metricState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.metrics[id]
	if !ok {
		ms = &metricState{}
		m.metrics[id] = ms
	}
	return ms
}

// ExecuteWithProvider runs op under the {poolID, providerName} breaker,
// timing it to update the EMA response time and consecutive-failure count
// regardless of whether the breaker itself let the call through or
// short-circuited it.
func (m *Manager) ExecuteWithProvider(poolID, providerName string, op func() error) breaker.Result {
	id := identity(poolID, providerName)
	ms := m.metricsFor(id)

	return m.breaker.Execute(id, func() error {
		start := time.Now()
		err := op()
		elapsed := time.Since(start)

		ms.mu.Lock()
		if err == nil {
			ms.consecutiveFailures = 0
		} else {
			ms.consecutiveFailures++
		}
		sample := float64(elapsed.Milliseconds())
		if ms.hasSamples {
			ms.avgResponseMs = ms.avgResponseMs*(1-emaAlpha) + sample*emaAlpha
		} else {
			ms.avgResponseMs = sample
			ms.hasSamples = true
		}
		ms.mu.Unlock()

		return err
	})
}

// IsProviderAvailable reports whether {poolID, providerName} would
// currently be allowed to run a request.
func (m *Manager) IsProviderAvailable(poolID, providerName string) bool {
	return m.breaker.IsAvailable(identity(poolID, providerName))
}

// GetProviderState returns the provider's current breaker phase.
func (m *Manager) GetProviderState(poolID, providerName string) breaker.Phase {
	return m.breaker.State(identity(poolID, providerName))
}

// GetProviderMetrics satisfies pool.HealthManager: average response time,
// error rate over the breaker's current request window, and consecutive
// failure count.
func (m *Manager) GetProviderMetrics(poolID, providerName string) pool.ProviderMetrics {
	id := identity(poolID, providerName)
	snap := m.breaker.Snapshot(id)

	var errRate float64
	if snap.RequestCount > 0 {
		errRate = float64(snap.Failures) / float64(snap.RequestCount)
	}

	ms := m.metricsFor(id)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return pool.ProviderMetrics{
		AverageResponseTimeMs: ms.avgResponseMs,
		ErrorRate:             errRate,
		ConsecutiveFailures:   ms.consecutiveFailures,
		HasSamples:            ms.hasSamples,
	}
}

// ResetProvider clears {poolID, providerName}'s breaker and timing metrics,
// used by the admin reset endpoint (spec §6).
func (m *Manager) ResetProvider(poolID, providerName string) {
	id := identity(poolID, providerName)
	m.breaker.Reset(id)

	m.mu.Lock()
	delete(m.metrics, id)
	m.mu.Unlock()
}

// Snapshot exposes the raw breaker state for a provider identity, used by
// admin status endpoints that report RecentErrors/StateTransitions.
func (m *Manager) Snapshot(poolID, providerName string) breaker.Snapshot {
	return m.breaker.Snapshot(identity(poolID, providerName))
}
