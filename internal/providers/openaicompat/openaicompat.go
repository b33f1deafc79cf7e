// Package openaicompat provides a generic OpenAI-compatible LLM provider.
// Use it for any service that implements the OpenAI chat completions API
// (xAI, Groq, DeepSeek, Together AI, Perplexity, Cerebras, etc.).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/polyroute/gateway/internal/modelregistry"
	"github.com/polyroute/gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider is a configurable OpenAI-compatible LLM provider.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client

	registry          modelregistry.Config
	providerParams    map[string]any
	streamingParams   map[string]any
	healthCheckParams map[string]any
	useModelDefaults  bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithProviderParams sets the operator-configured providerParams overlay.
func WithProviderParams(params map[string]any) Option {
	return func(p *Provider) { p.providerParams = params }
}

// WithStreamingParams sets the overlay applied only to streaming requests.
func WithStreamingParams(params map[string]any) Option {
	return func(p *Provider) { p.streamingParams = params }
}

// WithHealthCheckParams sets the overlay applied only to health checks.
func WithHealthCheckParams(params map[string]any) Option {
	return func(p *Provider) { p.healthCheckParams = params }
}

// WithUseModelDefaults controls whether the built-in model registry layers
// are applied at all. Default true.
func WithUseModelDefaults(enabled bool) Option {
	return func(p *Provider) { p.useModelDefaults = enabled }
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:             name,
		apiKey:           apiKey,
		baseURL:          baseURL,
		useModelDefaults: true,
	}
	for _, o := range opts {
		o(p)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(sdkOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if len(p.healthCheckParams) == 0 {
		_, err := p.client.Models.List(ctx)
		if err != nil {
			return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
		}
		return nil
	}

	model, _ := p.healthCheckParams["model"].(string)
	if model == "" {
		model = "gpt-4o-mini"
	}
	req := &providers.ProxyRequest{
		Model:     model,
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	params := p.buildParams(req, false, true)
	opts, err := p.requestOptions("")
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	if _, err := p.client.Chat.Completions.New(ctx, params, opts...); err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	params := p.buildParams(req, req.Stream, false)
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func (p *Provider) buildParams(req *providers.ProxyRequest, streaming, healthCheck bool) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	effective := p.registry.Resolve(modelregistry.Request{
		Model:             req.Model,
		CallerParams:      p.providerParams,
		StreamingParams:   p.streamingParams,
		HealthCheckParams: p.healthCheckParams,
		Streaming:         streaming,
		HealthCheck:       healthCheck,
		UseModelDefaults:  p.useModelDefaults,
	})
	for _, w := range effective.Warnings {
		slog.Warn(p.name+": model registry parameter warning", "model", req.Model, "warning", w)
	}
	applyEffectiveParams(&params, effective.Params)

	return params
}

func applyEffectiveParams(params *openaiSDK.ChatCompletionNewParams, effective map[string]any) {
	if v, ok := asFloat64(effective["temperature"]); ok && !params.Temperature.Valid() {
		params.Temperature = openaiSDK.Float(v)
	}
	if v, ok := asFloat64(effective["top_p"]); ok {
		params.TopP = openaiSDK.Float(v)
	}
	if v, ok := asFloat64(effective["presence_penalty"]); ok {
		params.PresencePenalty = openaiSDK.Float(v)
	}
	if v, ok := asFloat64(effective["frequency_penalty"]); ok {
		params.FrequencyPenalty = openaiSDK.Float(v)
	}
	if v, ok := asFloat64(effective["max_completion_tokens"]); ok && !params.MaxCompletionTokens.Valid() {
		params.MaxCompletionTokens = openaiSDK.Int(int64(v))
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	content := ""
	finishReason := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = resp.Choices[0].FinishReason
	}

	return &providers.ProxyResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finishReason,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}
			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Name:       p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
