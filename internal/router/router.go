// Package router implements Router (spec §4.7): the top-level component
// that wires the credential registry, provider factory, health manager and
// pool manager together, validates the configuration at startup, and
// exposes the operations the HTTP layer calls per request.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyroute/gateway/internal/breaker"
	"github.com/polyroute/gateway/internal/credentials"
	"github.com/polyroute/gateway/internal/pool"
	"github.com/polyroute/gateway/internal/providerhealth"
	"github.com/polyroute/gateway/internal/providers"
)

// HealthStatus is the aggregate shape GetHealthStatus returns (SPEC_FULL.md
// Open Question decision (c): only this aggregate form exists, no
// legacy per-provider variant alongside it).
type HealthStatus struct {
	Pools map[string]pool.Health
}

// Router is the Router entity from spec §4.7.
type Router struct {
	credentials    *credentials.Registry
	providerHealth *providerhealth.Manager
	pools          *pool.Manager
	factory        ProviderFactory

	defs map[string]pool.Definition

	mu       sync.Mutex
	instance map[string]providers.Provider // "{poolID}/{providerName}" -> live instance
}

// New validates defs/models/credential references and wires a Router.
// Returns an error listing every offending model/credentialsRef, matching
// the spec's startup-validation requirement.
func New(defs []pool.Definition, models map[string]pool.ModelConfig, reg *credentials.Registry, breakerCfg breaker.Config, factory ProviderFactory) (*Router, error) {
	var errs []string
	defMap := make(map[string]pool.Definition, len(defs))
	for _, d := range defs {
		defMap[d.ID] = d
		for _, p := range d.Providers {
			if _, err := reg.Get(p.CredentialsRef); err != nil {
				errs = append(errs, fmt.Sprintf("pool %q provider %q: credentialsRef %q does not resolve: %v", d.ID, p.Name, p.CredentialsRef, err))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("router: invalid configuration:\n  - %s", joinErrs(errs))
	}

	ph := providerhealth.New(breakerCfg)
	pm, err := pool.NewManager(defs, models, ph)
	if err != nil {
		return nil, err
	}

	if factory == nil {
		factory = DefaultProviderFactory
	}

	return &Router{
		credentials:    reg,
		providerHealth: ph,
		pools:          pm,
		factory:        factory,
		defs:           defMap,
		instance:       make(map[string]providers.Provider),
	}, nil
}

func joinErrs(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "\n  - " + e
	}
	return out
}

// providerFor returns the live provider instance for {poolID,
// pc.Name}, constructing and caching it on first use (spec §3: "creates
// provider instances on demand").
func (r *Router) providerFor(ctx context.Context, poolID string, pc pool.ProviderConfig) (providers.Provider, error) {
	key := poolID + "/" + pc.Name

	r.mu.Lock()
	if p, ok := r.instance[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	cred, err := r.credentials.Get(pc.CredentialsRef)
	if err != nil {
		return nil, fmt.Errorf("router: resolving credentials for %s: %w", key, err)
	}
	resolved, err := cred.Resolve()
	if err != nil {
		return nil, fmt.Errorf("router: resolving credentials for %s: %w", key, err)
	}

	p, err := r.factory(ctx, pc, resolved)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.instance[key] = p
	r.mu.Unlock()
	return p, nil
}

// Op is the unit of work ExecuteWithPools runs against the selected live
// provider instance.
type Op func(p providers.Provider) (any, error)

// ExecuteWithPools resolves model to its fallback chain and runs op
// against each pool's selected provider in turn until one succeeds.
func (r *Router) ExecuteWithPools(ctx context.Context, model string, op Op) (pool.FallbackResult, error) {
	return r.pools.ExecuteWithPoolFallback(model, func(poolID string, pc pool.ProviderConfig) (any, error) {
		p, err := r.providerFor(ctx, poolID, pc)
		if err != nil {
			return nil, err
		}
		return op(p)
	})
}

// IsModelSupported reports whether model resolves to a configured pool.
func (r *Router) IsModelSupported(model string) bool { return r.pools.IsModelSupported(model) }

// GetSupportedModels returns every model mapped to a pool.
func (r *Router) GetSupportedModels() []string { return r.pools.SupportedModels() }

// GetModelToPoolMapping returns model -> primary pool id.
func (r *Router) GetModelToPoolMapping() map[string]string { return r.pools.ModelToPoolMapping() }

// GetPoolNames returns every configured pool id.
func (r *Router) GetPoolNames() []string { return r.pools.PoolNames() }

// GetAllPoolHealth returns a Health snapshot for every configured pool.
func (r *Router) GetAllPoolHealth() map[string]pool.Health { return r.pools.AllPoolHealth() }

// GetHealthStatus returns the aggregate health view (spec §9 Open Question
// (c): this is the only shape offered).
func (r *Router) GetHealthStatus() HealthStatus {
	return HealthStatus{Pools: r.pools.AllPoolHealth()}
}

// GetAllPoolMetrics returns per-provider metrics for every configured pool,
// keyed by pool id then provider name.
func (r *Router) GetAllPoolMetrics() map[string]map[string]pool.ProviderMetrics {
	out := make(map[string]map[string]pool.ProviderMetrics, len(r.defs))
	for poolID, def := range r.defs {
		providerMetrics := make(map[string]pool.ProviderMetrics, len(def.Providers))
		for _, p := range def.Providers {
			providerMetrics[p.Name] = r.providerHealth.GetProviderMetrics(poolID, p.Name)
		}
		out[poolID] = providerMetrics
	}
	return out
}

// HealthCheckProvider runs {poolID, providerName}'s HealthCheck through the
// same breaker/metrics path live traffic uses, so a scheduler probe and a
// request failure update identical state (spec §4.5). Returns the
// underlying probe error, not the breaker.Result wrapper.
func (r *Router) HealthCheckProvider(ctx context.Context, poolID, providerName string) error {
	def, ok := r.defs[poolID]
	if !ok {
		return fmt.Errorf("router: unknown pool %q", poolID)
	}
	var pc pool.ProviderConfig
	found := false
	for _, cand := range def.Providers {
		if cand.Name == providerName {
			pc = cand
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("router: pool %q has no provider %q", poolID, providerName)
	}

	result := r.providerHealth.ExecuteWithProvider(poolID, providerName, func() error {
		p, err := r.providerFor(ctx, poolID, pc)
		if err != nil {
			return err
		}
		return p.HealthCheck(ctx)
	})
	return result.Err
}

// ProviderIdentities returns every {poolID, providerName} pair across all
// configured pools, in pool-definition order, for the caller to register
// one health-scheduler Task per identity.
func (r *Router) ProviderIdentities() [][2]string {
	out := make([][2]string, 0)
	for poolID, def := range r.defs {
		for _, pc := range def.Providers {
			out = append(out, [2]string{poolID, pc.Name})
		}
	}
	return out
}

// ResetProvider resets the breaker/metrics for providerName within
// modelName's fallback chain and evicts its cached provider instance so
// the next use re-resolves credentials and reconstructs it.
func (r *Router) ResetProvider(modelName, providerName string) error {
	poolID, err := r.pools.PoolForProvider(modelName, providerName)
	if err != nil {
		return err
	}
	r.providerHealth.ResetProvider(poolID, providerName)

	r.mu.Lock()
	delete(r.instance, poolID+"/"+providerName)
	r.mu.Unlock()
	return nil
}
