package router

import (
	"context"
	"testing"

	"github.com/polyroute/gateway/internal/breaker"
	"github.com/polyroute/gateway/internal/credentials"
	"github.com/polyroute/gateway/internal/pool"
	"github.com/polyroute/gateway/internal/providers"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{Content: "hi from " + f.name}, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func fakeFactory(calls *int) ProviderFactory {
	return func(ctx context.Context, pc pool.ProviderConfig, cred credentials.Credential) (providers.Provider, error) {
		*calls++
		return &fakeProvider{name: pc.Name}, nil
	}
}

func registryWith(t *testing.T, name, apiKey string) *credentials.Registry {
	t.Helper()
	r := credentials.NewRegistry()
	store := credentials.NewSimpleStore(credentials.StoreConfig{Config: map[string]string{"apiKey": apiKey}})
	if err := r.Register(name, nil, store); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestNew_RejectsUnresolvableCredentialsRef(t *testing.T) {
	reg := credentials.NewRegistry()
	defs := []pool.Definition{{
		ID:        "a",
		Providers: []pool.ProviderConfig{{Name: "p1", Kind: "openai", CredentialsRef: "missing"}},
	}}

	_, err := New(defs, nil, reg, breaker.Config{Enabled: true}, DefaultProviderFactory)
	if err == nil {
		t.Fatal("expected validation error for unresolvable credentialsRef")
	}
}

func TestExecuteWithPools_ConstructsProviderOnDemandAndCaches(t *testing.T) {
	reg := registryWith(t, "openai-key", "sk-abcdefghijklmnop")
	defs := []pool.Definition{{
		ID:              "a",
		Providers:       []pool.ProviderConfig{{Name: "p1", Kind: "openai", CredentialsRef: "openai-key"}},
		RoutingStrategy: pool.StrategyWeighted,
		CircuitBreaker:  breaker.Config{Enabled: true, MinRequestsThreshold: 1000},
		HealthThresholds: pool.HealthThresholds{MinHealthyProviders: 1},
	}}
	models := map[string]pool.ModelConfig{"gpt-4": {PrimaryPoolID: "a"}}

	var calls int
	r, err := New(defs, models, reg, breaker.Config{Enabled: true, MinRequestsThreshold: 1000}, fakeFactory(&calls))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := r.ExecuteWithPools(context.Background(), "gpt-4", func(p providers.Provider) (any, error) {
			return p.Name(), nil
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res.Data != "p1" {
			t.Errorf("expected p1, got %v", res.Data)
		}
	}

	if calls != 1 {
		t.Errorf("expected provider constructed once (cached thereafter), got %d calls", calls)
	}
}

func TestResetProvider_EvictsCachedInstance(t *testing.T) {
	reg := registryWith(t, "openai-key", "sk-abcdefghijklmnop")
	defs := []pool.Definition{{
		ID:               "a",
		Providers:        []pool.ProviderConfig{{Name: "p1", Kind: "openai", CredentialsRef: "openai-key"}},
		RoutingStrategy:  pool.StrategyWeighted,
		CircuitBreaker:   breaker.Config{Enabled: true, MinRequestsThreshold: 1000},
		HealthThresholds: pool.HealthThresholds{MinHealthyProviders: 1},
	}}
	models := map[string]pool.ModelConfig{"gpt-4": {PrimaryPoolID: "a"}}

	var calls int
	r, err := New(defs, models, reg, breaker.Config{Enabled: true, MinRequestsThreshold: 1000}, fakeFactory(&calls))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := r.ExecuteWithPools(context.Background(), "gpt-4", func(p providers.Provider) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := r.ResetProvider("gpt-4", "p1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := r.ExecuteWithPools(context.Background(), "gpt-4", func(p providers.Provider) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if calls != 2 {
		t.Errorf("expected provider reconstructed after reset, got %d calls", calls)
	}
}

func TestDefaultProviderFactory_RejectsWrongCredentialKind(t *testing.T) {
	pc := pool.ProviderConfig{Name: "bedrock-1", Kind: "bedrock"}
	_, err := DefaultProviderFactory(context.Background(), pc, &credentials.SimpleCredential{APIKey: "sk-abcdefghijklmnop"})
	if err == nil {
		t.Fatal("expected error for bedrock provider given a simple credential")
	}
}
