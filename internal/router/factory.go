package router

import (
	"context"
	"fmt"

	"github.com/polyroute/gateway/internal/credentials"
	"github.com/polyroute/gateway/internal/pool"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/providers/anthropic"
	"github.com/polyroute/gateway/internal/providers/azure"
	"github.com/polyroute/gateway/internal/providers/bedrock"
	"github.com/polyroute/gateway/internal/providers/gemini"
	"github.com/polyroute/gateway/internal/providers/mistral"
	"github.com/polyroute/gateway/internal/providers/openai"
	"github.com/polyroute/gateway/internal/providers/openaicompat"
	"github.com/polyroute/gateway/internal/providers/vertexai"
)

// ProviderFactory constructs a live providers.Provider from a resolved
// ProviderConfig + Credential, on demand (spec §3: "PoolManager ... creates
// provider instances on demand"). DefaultProviderFactory covers every
// adapter kind; callers may substitute their own for tests.
type ProviderFactory func(ctx context.Context, pc pool.ProviderConfig, cred credentials.Credential) (providers.Provider, error)

// DefaultProviderFactory dispatches to the concrete adapter package named
// by pc.Kind, reading auth material off the resolved Credential and
// transport settings (base URL, region, project) off ProviderConfig.
func DefaultProviderFactory(ctx context.Context, pc pool.ProviderConfig, cred credentials.Credential) (providers.Provider, error) {
	switch pc.Kind {
	case "openai":
		key, err := simpleKey(cred)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{
			openai.WithProviderParams(pc.ProviderParams),
			openai.WithStreamingParams(pc.StreamingParams),
			openai.WithHealthCheckParams(pc.HealthCheckParams),
			openai.WithUseModelDefaults(pc.UseModelDefaults),
		}
		if pc.APIBase != "" {
			opts = append(opts, openai.WithBaseURL(pc.APIBase))
		}
		return openai.New(key, opts...), nil

	case "anthropic":
		key, err := simpleKey(cred)
		if err != nil {
			return nil, err
		}
		opts := []anthropic.Option{
			anthropic.WithProviderParams(pc.ProviderParams),
			anthropic.WithStreamingParams(pc.StreamingParams),
			anthropic.WithHealthCheckParams(pc.HealthCheckParams),
			anthropic.WithUseModelDefaults(pc.UseModelDefaults),
		}
		if pc.APIBase != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.APIBase))
		}
		return anthropic.New(key, opts...), nil

	case "gemini":
		key, err := simpleKey(cred)
		if err != nil {
			return nil, err
		}
		opts := []gemini.Option{
			gemini.WithProviderParams(pc.ProviderParams),
			gemini.WithStreamingParams(pc.StreamingParams),
			gemini.WithHealthCheckParams(pc.HealthCheckParams),
			gemini.WithUseModelDefaults(pc.UseModelDefaults),
		}
		if pc.APIBase != "" {
			opts = append(opts, gemini.WithBaseURL(pc.APIBase))
		}
		return gemini.New(ctx, key, opts...), nil

	case "mistral":
		key, err := simpleKey(cred)
		if err != nil {
			return nil, err
		}
		opts := []mistral.Option{
			mistral.WithProviderParams(pc.ProviderParams),
			mistral.WithStreamingParams(pc.StreamingParams),
			mistral.WithHealthCheckParams(pc.HealthCheckParams),
			mistral.WithUseModelDefaults(pc.UseModelDefaults),
		}
		if pc.APIBase != "" {
			opts = append(opts, mistral.WithBaseURL(pc.APIBase))
		}
		return mistral.New(key, opts...), nil

	case "openaicompat":
		key, err := simpleKey(cred)
		if err != nil {
			return nil, err
		}
		return openaicompat.New(pc.Name, key, pc.APIBase,
			openaicompat.WithProviderParams(pc.ProviderParams),
			openaicompat.WithStreamingParams(pc.StreamingParams),
			openaicompat.WithHealthCheckParams(pc.HealthCheckParams),
			openaicompat.WithUseModelDefaults(pc.UseModelDefaults),
		), nil

	case "vertexai":
		project, _ := pc.ProviderParams["project"].(string)
		if project == "" {
			return nil, fmt.Errorf("router: vertexai provider %q missing providerParams.project", pc.Name)
		}
		opts := []vertexai.Option{
			vertexai.WithProviderParams(pc.ProviderParams),
			vertexai.WithStreamingParams(pc.StreamingParams),
			vertexai.WithHealthCheckParams(pc.HealthCheckParams),
			vertexai.WithUseModelDefaults(pc.UseModelDefaults),
		}
		if loc, _ := pc.ProviderParams["location"].(string); loc != "" {
			opts = append(opts, vertexai.WithLocation(loc))
		}
		return vertexai.New(ctx, project, opts...)

	case "bedrock":
		aws, ok := cred.(*credentials.AWSCredential)
		if !ok {
			return nil, fmt.Errorf("router: bedrock provider %q requires an AWS credential", pc.Name)
		}
		if pc.APIBase == "" {
			if err := bedrock.ValidateRegion(aws.Region); err != nil {
				return nil, fmt.Errorf("router: bedrock provider %q: %w", pc.Name, err)
			}
		}
		opts := []bedrock.Option{
			bedrock.WithProviderParams(pc.ProviderParams),
			bedrock.WithStreamingParams(pc.StreamingParams),
			bedrock.WithHealthCheckParams(pc.HealthCheckParams),
			bedrock.WithUseModelDefaults(pc.UseModelDefaults),
		}
		if aws.SessionToken != "" {
			opts = append(opts, bedrock.WithSessionToken(aws.SessionToken))
		}
		if pc.APIBase != "" {
			opts = append(opts, bedrock.WithEndpointURL(pc.APIBase))
		}
		return bedrock.New(aws.AccessKeyID, aws.SecretAccessKey, aws.Region, opts...), nil

	case "azure":
		key, err := simpleKey(cred)
		if err != nil {
			return nil, err
		}
		if pc.APIBase == "" {
			return nil, fmt.Errorf("router: azure provider %q missing apiBase (endpoint)", pc.Name)
		}
		apiVersion, _ := pc.ProviderParams["apiVersion"].(string)
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		return azure.New(pc.APIBase, key, apiVersion,
			azure.WithProviderParams(pc.ProviderParams),
			azure.WithStreamingParams(pc.StreamingParams),
			azure.WithHealthCheckParams(pc.HealthCheckParams),
			azure.WithUseModelDefaults(pc.UseModelDefaults),
		), nil

	default:
		return nil, fmt.Errorf("router: unknown provider kind %q for provider %q", pc.Kind, pc.Name)
	}
}

func simpleKey(cred credentials.Credential) (string, error) {
	sc, ok := cred.(*credentials.SimpleCredential)
	if !ok {
		return "", fmt.Errorf("router: expected a simple API-key credential, got %T", cred)
	}
	return sc.APIKey, nil
}
