package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/polyroute/gateway/internal/breaker"
	"github.com/polyroute/gateway/internal/credentials"
	"github.com/polyroute/gateway/internal/pool"
)

// credentialStoreDecl is the YAML/env shape of a single CredentialStoreConfig
// entry (spec §3). Accepted two ways per §6: as the value of a map keyed by
// store name, or as an element of an array carrying its own "name"/"id".
type credentialStoreDecl struct {
	ID       *int              `mapstructure:"id"`
	Name     string            `mapstructure:"name"`
	Kind     string            `mapstructure:"kind" validate:"required,oneof=simple aws google azure oauth"`
	Source   string            `mapstructure:"source" validate:"required,oneof=env file vault aws-secrets inline"`
	Config   map[string]string `mapstructure:"config"`
	CacheTTL string            `mapstructure:"cacheTtl"`
}

type rateLimitDecl struct {
	RequestsPerMinute int `mapstructure:"requestsPerMinute"`
}

type providerConfigDecl struct {
	Name              string            `mapstructure:"name" validate:"required"`
	Kind              string            `mapstructure:"kind" validate:"required"`
	CredentialsRef    string            `mapstructure:"credentialsRef" validate:"required"`
	APIBase           string            `mapstructure:"apiBase"`
	ModelName         string            `mapstructure:"modelName"`
	Priority          int               `mapstructure:"priority" validate:"omitempty,min=1,max=10"`
	Weight            int               `mapstructure:"weight" validate:"omitempty,min=1"`
	TimeoutMs         int64             `mapstructure:"timeoutMs"`
	MaxRetries        int               `mapstructure:"maxRetries"`
	RetryDelayMs      int64             `mapstructure:"retryDelayMs"`
	Headers           map[string]string `mapstructure:"headers"`
	RateLimits        *rateLimitDecl    `mapstructure:"rateLimits"`
	ProviderParams    map[string]any    `mapstructure:"providerParams"`
	HealthCheckParams map[string]any    `mapstructure:"healthCheckParams"`
	StreamingParams   map[string]any    `mapstructure:"streamingParams"`
	CostPerToken      float64           `mapstructure:"costPerToken"`
	UseModelDefaults  *bool             `mapstructure:"useModelDefaults"`
}

type healthThresholdsDecl struct {
	ErrorRatePct        float64 `mapstructure:"errorRatePct"`
	ResponseTimeMs      float64 `mapstructure:"responseTimeMs"`
	ConsecutiveFailures int     `mapstructure:"consecutiveFailures"`
	MinHealthyProviders int     `mapstructure:"minHealthyProviders"`
}

type circuitBreakerDecl struct {
	Enabled              *bool `mapstructure:"enabled"`
	ResetTimeoutMs       int64 `mapstructure:"resetTimeoutMs"`
	MonitoringWindowMs   int64 `mapstructure:"monitoringWindowMs"`
	MinRequestsThreshold int   `mapstructure:"minRequestsThreshold"`
	ErrorThresholdPct    float64 `mapstructure:"errorThresholdPct"`
}

type poolDefinitionDecl struct {
	ID               string               `mapstructure:"id" validate:"required"`
	Name             string               `mapstructure:"name"`
	Description      string               `mapstructure:"description"`
	Providers        []providerConfigDecl `mapstructure:"providers" validate:"required,min=1,dive"`
	FallbackPoolIDs  []string             `mapstructure:"fallbackPoolIds"`
	RoutingStrategy  string               `mapstructure:"routingStrategy" validate:"omitempty,oneof=weighted cost_optimized fastest_response round_robin least_connections"`
	CircuitBreaker   *circuitBreakerDecl  `mapstructure:"circuitBreaker"`
	HealthThresholds *healthThresholdsDecl `mapstructure:"healthThresholds"`
}

type modelConfigDecl struct {
	PrimaryPoolID     string         `mapstructure:"primaryPoolId" validate:"required"`
	DefaultParameters map[string]any `mapstructure:"defaultParameters"`
}

// RouterInputs is everything Load needs to hand router.New: the resolved
// pool/model definitions and a populated credential registry.
type RouterInputs struct {
	Pools   []pool.Definition
	Models  map[string]pool.ModelConfig
	Reg     *credentials.Registry
	Breaker breaker.Config
}

// LoadRouterInputs reads the "pools"/"models"/"credentialStores" keys off v
// and builds a RouterInputs. When none of those keys are set (the legacy
// flat-env-var deployment shape), it synthesizes a single best-effort pool
// per configured provider from cfg's flat ProviderConfig fields instead, so
// existing .env-only deployments keep working unmodified (§6 Open
// Question: fall back rather than fail startup).
func LoadRouterInputs(v *viper.Viper, cfg *Config) (*RouterInputs, error) {
	if !v.IsSet("pools") && !v.IsSet("credential_stores") && !v.IsSet("credentialStores") {
		return legacyRouterInputs(cfg), nil
	}

	stores, err := decodeCredentialStores(v)
	if err != nil {
		return nil, err
	}

	var poolDecls []poolDefinitionDecl
	if err := v.UnmarshalKey("pools", &poolDecls); err != nil {
		return nil, fmt.Errorf("config: decoding pools: %w", err)
	}

	modelDecls := make(map[string]modelConfigDecl)
	if err := v.UnmarshalKey("models", &modelDecls); err != nil {
		return nil, fmt.Errorf("config: decoding models: %w", err)
	}

	validate := validator.New()
	reg := credentials.NewRegistry()
	for _, s := range stores {
		if err := validate.Struct(s); err != nil {
			return nil, fmt.Errorf("config: credentialStore %q: %w", s.Name, err)
		}
		store, err := buildStore(s)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(s.Name, s.ID, store); err != nil {
			return nil, fmt.Errorf("config: registering credentialStore %q: %w", s.Name, err)
		}
	}

	defs := make([]pool.Definition, 0, len(poolDecls))
	for _, pd := range poolDecls {
		if err := validate.Struct(pd); err != nil {
			return nil, fmt.Errorf("config: pool %q: %w", pd.ID, err)
		}
		defs = append(defs, toPoolDefinition(pd))
	}

	models := make(map[string]pool.ModelConfig, len(modelDecls))
	for name, md := range modelDecls {
		if err := validate.Struct(md); err != nil {
			return nil, fmt.Errorf("config: model %q: %w", name, err)
		}
		models[name] = pool.ModelConfig{PrimaryPoolID: md.PrimaryPoolID, DefaultParameters: md.DefaultParameters}
	}

	return &RouterInputs{
		Pools:  defs,
		Models: models,
		Reg:    reg,
		Breaker: breaker.Config{
			Enabled:              true,
			ResetTimeoutMs:       int64(cfg.CircuitBreaker.HalfOpenTimeout / time.Millisecond),
			MonitoringWindowMs:   int64(cfg.CircuitBreaker.TimeWindow / time.Millisecond),
			MinRequestsThreshold: cfg.CircuitBreaker.ErrorThreshold,
			ErrorThresholdPct:    50,
		},
	}, nil
}

// decodeCredentialStores accepts both the object-keyed-by-name form and the
// array-with-embedded-name/id form (§6).
func decodeCredentialStores(v *viper.Viper) ([]credentialStoreDecl, error) {
	raw := v.Get("credentialStores")
	if raw == nil {
		raw = v.Get("credential_stores")
	}
	switch raw.(type) {
	case []any:
		var arr []credentialStoreDecl
		if err := v.UnmarshalKey("credentialStores", &arr); err != nil {
			if err2 := v.UnmarshalKey("credential_stores", &arr); err2 != nil {
				return nil, fmt.Errorf("config: decoding credentialStores array: %w", err)
			}
		}
		return arr, nil
	default:
		m := make(map[string]credentialStoreDecl)
		if err := v.UnmarshalKey("credentialStores", &m); err != nil {
			if err2 := v.UnmarshalKey("credential_stores", &m); err2 != nil {
				return nil, fmt.Errorf("config: decoding credentialStores map: %w", err)
			}
		}
		out := make([]credentialStoreDecl, 0, len(m))
		for name, d := range m {
			d.Name = name
			out = append(out, d)
		}
		return out, nil
	}
}

func buildStore(d credentialStoreDecl) (credentials.Store, error) {
	ttl, _ := time.ParseDuration(d.CacheTTL)
	cfg := credentials.StoreConfig{
		ID:       d.ID,
		Name:     d.Name,
		Kind:     credentials.Kind(d.Kind),
		Source:   credentials.Source(d.Source),
		Config:   d.Config,
		CacheTTL: ttl,
	}
	switch credentials.Kind(d.Kind) {
	case credentials.KindAWS:
		return credentials.NewAWSStore(cfg), nil
	case credentials.KindSimple, credentials.KindGoogle, credentials.KindAzure, credentials.KindOAuth:
		return credentials.NewSimpleStore(cfg), nil
	default:
		return nil, fmt.Errorf("config: credentialStore %q: unknown kind %q", d.Name, d.Kind)
	}
}

func toPoolDefinition(pd poolDefinitionDecl) pool.Definition {
	providers := make([]pool.ProviderConfig, 0, len(pd.Providers))
	for _, p := range pd.Providers {
		var rl *pool.RateLimitConfig
		if p.RateLimits != nil {
			rl = &pool.RateLimitConfig{RequestsPerMinute: p.RateLimits.RequestsPerMinute}
		}
		useModelDefaults := true
		if p.UseModelDefaults != nil {
			useModelDefaults = *p.UseModelDefaults
		}
		providers = append(providers, pool.ProviderConfig{
			Name:              p.Name,
			Kind:              p.Kind,
			CredentialsRef:    p.CredentialsRef,
			APIBase:           p.APIBase,
			ModelName:         p.ModelName,
			Priority:          p.Priority,
			Weight:            p.Weight,
			TimeoutMs:         p.TimeoutMs,
			MaxRetries:        p.MaxRetries,
			RetryDelayMs:      p.RetryDelayMs,
			Headers:           p.Headers,
			RateLimits:        rl,
			ProviderParams:    p.ProviderParams,
			HealthCheckParams: p.HealthCheckParams,
			StreamingParams:   p.StreamingParams,
			CostPerToken:      p.CostPerToken,
			UseModelDefaults:  useModelDefaults,
		})
	}

	cb := breaker.Config{Enabled: true, ResetTimeoutMs: 30000, MonitoringWindowMs: 60000, MinRequestsThreshold: 5, ErrorThresholdPct: 50}
	if pd.CircuitBreaker != nil {
		if pd.CircuitBreaker.Enabled != nil {
			cb.Enabled = *pd.CircuitBreaker.Enabled
		}
		if pd.CircuitBreaker.ResetTimeoutMs > 0 {
			cb.ResetTimeoutMs = pd.CircuitBreaker.ResetTimeoutMs
		}
		if pd.CircuitBreaker.MonitoringWindowMs > 0 {
			cb.MonitoringWindowMs = pd.CircuitBreaker.MonitoringWindowMs
		}
		if pd.CircuitBreaker.MinRequestsThreshold > 0 {
			cb.MinRequestsThreshold = pd.CircuitBreaker.MinRequestsThreshold
		}
		if pd.CircuitBreaker.ErrorThresholdPct > 0 {
			cb.ErrorThresholdPct = pd.CircuitBreaker.ErrorThresholdPct
		}
	}

	var ht pool.HealthThresholds
	if pd.HealthThresholds != nil {
		ht = pool.HealthThresholds{
			ErrorRatePct:        pd.HealthThresholds.ErrorRatePct,
			ResponseTimeMs:      pd.HealthThresholds.ResponseTimeMs,
			ConsecutiveFailures: pd.HealthThresholds.ConsecutiveFailures,
			MinHealthyProviders: pd.HealthThresholds.MinHealthyProviders,
		}
	}

	strategy := pool.StrategyWeighted
	if pd.RoutingStrategy != "" {
		strategy = pool.RoutingStrategy(pd.RoutingStrategy)
	}

	return pool.Definition{
		ID:               pd.ID,
		Name:             pd.Name,
		Description:      pd.Description,
		Providers:        providers,
		FallbackPoolIDs:  pd.FallbackPoolIDs,
		RoutingStrategy:  strategy,
		CircuitBreaker:   cb,
		HealthThresholds: ht,
	}
}

// legacyRouterInputs synthesizes one single-provider pool per configured
// flat ProviderConfig entry, chained together as each other's fallback in
// declaration order, and registers one "simple" credential store per
// provider reading the API key straight out of cfg. This keeps a bare
// .env deployment (no pools:/models: YAML) working against the same
// Router path a fully-configured deployment uses.
func legacyRouterInputs(cfg *Config) *RouterInputs {
	reg := credentials.NewRegistry()
	type entry struct {
		kind, name, apiBase, apiKey string
	}
	entries := []entry{}
	add := func(kind, name, key, base string) {
		if key != "" {
			entries = append(entries, entry{kind, name, base, key})
		}
	}
	add("openai", "openai", cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	add("anthropic", "anthropic", cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)
	add("gemini", "gemini", cfg.Gemini.APIKey, "")
	add("mistral", "mistral", cfg.Mistral.APIKey, cfg.Mistral.BaseURL)
	add("openaicompat", "xai", cfg.XAI.APIKey, "https://api.x.ai/v1")
	add("openaicompat", "deepseek", cfg.DeepSeek.APIKey, "https://api.deepseek.com/v1")
	add("openaicompat", "groq", cfg.Groq.APIKey, "https://api.groq.com/openai/v1")
	add("openaicompat", "together", cfg.Together.APIKey, "https://api.together.xyz/v1")
	add("openaicompat", "perplexity", cfg.Perplexity.APIKey, "https://api.perplexity.ai")
	add("openaicompat", "cerebras", cfg.Cerebras.APIKey, "https://api.cerebras.ai/v1")
	add("openaicompat", "moonshot", cfg.Moonshot.APIKey, "https://api.moonshot.ai/v1")
	add("openaicompat", "minimax", cfg.MiniMax.APIKey, "https://api.minimax.chat/v1")
	add("openaicompat", "qwen", cfg.Qwen.APIKey, "https://dashscope.aliyuncs.com/compatible-mode/v1")
	add("openaicompat", "nebius", cfg.Nebius.APIKey, "https://api.studio.nebius.ai/v1")
	add("openaicompat", "novitaai", cfg.NovitaAI.APIKey, "https://api.novita.ai/v3/openai")
	add("openaicompat", "bytedance", cfg.ByteDance.APIKey, "https://ark.cn-beijing.volces.com/api/v3")
	add("openaicompat", "zai", cfg.ZAI.APIKey, "https://open.bigmodel.cn/api/paas/v4")
	add("openaicompat", "canopywave", cfg.CanopyWave.APIKey, "")
	add("openaicompat", "inference", cfg.Inference.APIKey, "")
	add("openaicompat", "nanogpt", cfg.NanoGPT.APIKey, "https://nano-gpt.com/api/v1")
	if cfg.VertexAI.Project != "" {
		entries = append(entries, entry{"vertexai", "vertexai", "", "adc"})
	}
	if cfg.Bedrock.AccessKey != "" {
		entries = append(entries, entry{"bedrock", "bedrock", cfg.Bedrock.EndpointURL, "aws"})
	}
	if cfg.Azure.APIKey != "" {
		entries = append(entries, entry{"azure", "azure", cfg.Azure.Endpoint, cfg.Azure.APIKey})
	}

	defs := make([]pool.Definition, 0, len(entries))
	models := make(map[string]pool.ModelConfig)
	poolIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		poolIDs = append(poolIDs, e.name)
	}

	for i, e := range entries {
		credRef := e.name + "-key"
		switch e.kind {
		case "bedrock":
			reg.Register(credRef, nil, credentials.NewAWSStore(credentials.StoreConfig{
				Kind: credentials.KindAWS, Source: credentials.SourceEnv,
				Config: map[string]string{
					"accessKeyIdVar": "AWS_ACCESS_KEY_ID", "secretAccessKeyVar": "AWS_SECRET_ACCESS_KEY",
					"sessionTokenVar": "AWS_SESSION_TOKEN", "region": cfg.Bedrock.Region,
				},
			}))
		case "vertexai":
			reg.Register(credRef, nil, credentials.NewSimpleStore(credentials.StoreConfig{
				Kind: credentials.KindSimple, Source: credentials.SourceInline,
				Config: map[string]string{"apiKey": "adc"},
			}))
		default:
			reg.Register(credRef, nil, credentials.NewSimpleStore(credentials.StoreConfig{
				Kind: credentials.KindSimple, Source: credentials.SourceInline,
				Config: map[string]string{"apiKey": e.apiKey},
			}))
		}

		pc := pool.ProviderConfig{
			Name: e.name, Kind: e.kind, CredentialsRef: credRef,
			APIBase: e.apiBase, Priority: 1, Weight: 1,
			TimeoutMs: int64(cfg.Failover.ProviderTimeout / time.Millisecond),
			MaxRetries: cfg.Failover.MaxRetries, UseModelDefaults: true,
		}
		if e.kind == "vertexai" {
			pc.ProviderParams = map[string]any{"project": cfg.VertexAI.Project, "location": cfg.VertexAI.Location}
		}
		if e.kind == "azure" {
			pc.APIBase = cfg.Azure.Endpoint
			pc.ProviderParams = map[string]any{"apiVersion": cfg.Azure.APIVersion}
		}

		fallbacks := append(append([]string{}, poolIDs[:i]...), poolIDs[i+1:]...)
		defs = append(defs, pool.Definition{
			ID:              e.name,
			Name:            e.name,
			Providers:       []pool.ProviderConfig{pc},
			FallbackPoolIDs: fallbacks,
			RoutingStrategy: pool.StrategyWeighted,
			CircuitBreaker: breaker.Config{
				Enabled: true, ResetTimeoutMs: int64(cfg.CircuitBreaker.HalfOpenTimeout / time.Millisecond),
				MonitoringWindowMs:   int64(cfg.CircuitBreaker.TimeWindow / time.Millisecond),
				MinRequestsThreshold: cfg.CircuitBreaker.ErrorThreshold, ErrorThresholdPct: 50,
			},
		})
	}

	if len(poolIDs) > 0 {
		for modelAlias := range modelAliasesToLegacyPool {
			if target, ok := modelAliasesToLegacyPool[modelAlias]; ok && contains(poolIDs, target) {
				models[modelAlias] = pool.ModelConfig{PrimaryPoolID: target}
			}
		}
	}

	return &RouterInputs{
		Pools:  defs,
		Models: models,
		Reg:    reg,
		Breaker: breaker.Config{
			Enabled: true, ResetTimeoutMs: int64(cfg.CircuitBreaker.HalfOpenTimeout / time.Millisecond),
			MonitoringWindowMs:   int64(cfg.CircuitBreaker.TimeWindow / time.Millisecond),
			MinRequestsThreshold: cfg.CircuitBreaker.ErrorThreshold, ErrorThresholdPct: 50,
		},
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// modelAliasesToLegacyPool maps a handful of well-known model names to the
// legacy single-provider pool an env-only deployment would name it after,
// so /v1/models and ExecuteWithPools have something to resolve against
// without requiring a models: YAML block.
var modelAliasesToLegacyPool = map[string]string{
	"gpt-4o":                  "openai",
	"gpt-4o-mini":             "openai",
	"gpt-4.1":                 "openai",
	"o1":                      "openai",
	"claude-3-5-sonnet":       "anthropic",
	"claude-3-5-haiku":        "anthropic",
	"claude-sonnet-4":         "anthropic",
	"gemini-1.5-pro":          "gemini",
	"gemini-2.0-flash":        "gemini",
	"mistral-large":           "mistral",
	"grok-beta":               "xai",
	"deepseek-chat":           "deepseek",
	"llama-3.3-70b-versatile": "groq",
}

// formatID renders a credential store numeric id as a string for error
// messages (Registry.GetByID takes an int, but config errors quote decls
// by their raw YAML value).
func formatID(id *int) string {
	if id == nil {
		return ""
	}
	return strconv.Itoa(*id)
}
