package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/polyroute/gateway/internal/modelregistry"
	"github.com/polyroute/gateway/internal/providers"
)

const (
	defaultBaseURL     = "https://api.anthropic.com/v1"
	providerName       = "anthropic"
	defaultMaxTokens   = 4096
	anthropicVersion   = "2023-06-01"
	anthropicVersionHK = "anthropic-version"
)

// Provider implements providers.Provider for Anthropic (official SDK).
//
// There is no legacy text-completion endpoint: a caller attempting one
// against this adapter gets providers.ErrUnsupportedOperation.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client

	registry          modelregistry.Config
	providerParams    map[string]any
	streamingParams   map[string]any
	healthCheckParams map[string]any
	useModelDefaults  bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

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

// registry holds Anthropic's provider-wide defaults, validation rules, and
// the stop -> stop_sequences rename spec §4.3 calls out explicitly.
func registry() modelregistry.Config {
	temperatureMax := 1.0
	temperatureMin := 0.0
	return modelregistry.Config{
		Rules: map[string]modelregistry.ParamRule{
			"temperature": {Min: &temperatureMin, Max: &temperatureMax, Clamp: true},
		},
		ParameterMappings: map[string]string{"stop": "stop_sequences"},
	}
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:           apiKey,
		baseURL:          defaultBaseURL,
		registry:         registry(),
		useModelDefaults: true,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
		option.WithHeader(anthropicVersionHK, anthropicVersion),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if len(p.healthCheckParams) == 0 {
		_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
			Limit: anthropic.Int(1),
		})
		if err != nil {
			return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
		}
		return nil
	}

	model, _ := p.healthCheckParams["model"].(string)
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	req := &providers.ProxyRequest{
		Model:     model,
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	params := p.buildParams(req, false, true)
	opts, err := p.requestOptions("")
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	if _, err := p.client.Messages.New(ctx, params, opts...); err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
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

func (p *Provider) buildParams(req *providers.ProxyRequest, streaming, healthCheck bool) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
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
		slog.Warn("anthropic: model registry parameter warning", "model", req.Model, "warning", w)
	}
	applyEffectiveParams(&params, effective.Params)

	return params
}

func applyEffectiveParams(params *anthropic.MessageNewParams, effective map[string]any) {
	if v, ok := asFloat64(effective["temperature"]); ok && !params.Temperature.Valid() {
		params.Temperature = anthropic.Float(v)
	}
	if v, ok := asFloat64(effective["top_p"]); ok {
		params.TopP = anthropic.Float(v)
	}
	if v, ok := asFloat64(effective["top_k"]); ok {
		params.TopK = anthropic.Int(int64(v))
	}
	if raw, ok := effective["stop_sequences"]; ok {
		if seqs, ok := toStringSlice(raw); ok {
			params.StopSequences = seqs
		}
	}
}

func toStringSlice(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
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

// mapFinishReason implements the Anthropic -> OpenAI finish-reason mapping
// from spec §4.3: end_turn->stop, max_tokens->length, stop_sequence->stop.
func mapFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return stopReason
	}
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ProxyResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: mapFinishReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if reason := string(eventVariant.Delta.StopReason); reason != "" {
					ch <- providers.StreamChunk{FinishReason: mapFinishReason(reason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			// StreamChunk carries no dedicated error field; surface as a
			// final chunk so the proxy forwards it to the client.
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
