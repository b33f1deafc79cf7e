// Package bedrock implements the providers.Provider interface for AWS Bedrock.
// It uses the Bedrock Converse API with AWS SigV4 request signing.
//
// Required configuration:
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - AWS_REGION (e.g. "us-east-1")
//
// Optional:
//   - AWS_SESSION_TOKEN — for temporary credentials (IAM roles, STS).
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polyroute/gateway/internal/modelregistry"
	"github.com/polyroute/gateway/internal/providers"
)

const (
	providerName = "bedrock"
	service      = "bedrock"
	algorithm    = "AWS4-HMAC-SHA256"
)

// supportedBedrockRegions lists the AWS regions the gateway is allowed to
// address for Bedrock traffic (spec §4.3: "validates region ∈
// supportedBedrockRegions").
var supportedBedrockRegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-2":      true,
	"ap-south-1":     true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-northeast-1": true,
	"ca-central-1":   true,
	"eu-central-1":   true,
	"eu-west-1":      true,
	"eu-west-3":      true,
	"sa-east-1":      true,
}

// ErrUnsupportedRegion is returned by New when the given region is not a
// Bedrock-enabled AWS region this gateway knows how to address.
var ErrUnsupportedRegion = fmt.Errorf("bedrock: unsupported region")

// Provider implements providers.Provider for AWS Bedrock. Requests are
// translated per model family (spec §4.3): most families go through the
// Converse API, which AWS itself normalizes across providers; legacy
// families with no Converse support fall back to the raw InvokeModel API
// via a family-specific translator keyed by model id prefix.
type Provider struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string // optional override for the base endpoint (testing)
	client       *http.Client

	registry          modelregistry.Config
	providerParams    map[string]any
	streamingParams   map[string]any
	healthCheckParams map[string]any
	useModelDefaults  bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(p *Provider) { p.sessionToken = token }
}

// WithEndpointURL overrides the Bedrock endpoint base URL (e.g. for local mocks).
// When set, all API calls use this URL instead of the regional AWS endpoint.
func WithEndpointURL(u string) Option {
	return func(p *Provider) { p.endpointURL = u }
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

func registry() modelregistry.Config {
	temperatureMax := 1.0
	temperatureMin := 0.0
	return modelregistry.Config{
		Rules: map[string]modelregistry.ParamRule{
			"temperature": {Min: &temperatureMin, Max: &temperatureMax, Clamp: true},
		},
	}
}

// New creates a new AWS Bedrock Provider. It returns an error wrapping
// ErrUnsupportedRegion when region is not in supportedBedrockRegions,
// unless endpointURL is later overridden for local testing.
func New(accessKey, secretKey, region string, opts ...Option) *Provider {
	p := &Provider{
		accessKey:        accessKey,
		secretKey:        secretKey,
		region:           region,
		client:           &http.Client{Timeout: providers.ProviderTimeout},
		registry:         registry(),
		useModelDefaults: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ValidateRegion reports whether region is one of supportedBedrockRegions.
// Callers (the router factory) should check this before handing the
// Provider traffic; New itself stays infallible to match the other
// adapters' constructors.
func ValidateRegion(region string) error {
	if !supportedBedrockRegions[region] {
		return fmt.Errorf("%w: %q", ErrUnsupportedRegion, region)
	}
	return nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if len(p.healthCheckParams) == 0 {
		// GET /foundation-models — list available models
		base := p.baseEndpoint("bedrock")
		endpoint := base + "/foundation-models"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("bedrock: health check: %w", err)
		}

		if err := p.signRequest(req, nil); err != nil {
			return fmt.Errorf("bedrock: health check sign: %w", err)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("bedrock: health check: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("bedrock: health check: status %d", resp.StatusCode)
		}
		return nil
	}

	model, _ := p.healthCheckParams["model"].(string)
	if model == "" {
		model = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	req := &providers.ProxyRequest{
		Model:     model,
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	if _, err := p.handleResponse(ctx, req, true); err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Stream {
		return p.handleStreaming(ctx, req)
	}
	return p.handleResponse(ctx, req, false)
}

// modelFamily classifies a Bedrock model id by its provider prefix so the
// adapter can pick the right request/response translator (spec §4.3:
// "family-specific request/response translation ... keyed by model id
// prefix"). Everything Converse supports natively stays on "converse";
// families Converse never covered (the AI21 Jurassic-2 generation) use
// the raw InvokeModel API instead.
func modelFamily(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "ai21.j2-"):
		return "jurassic"
	default:
		return "converse"
	}
}

// ─── Converse API types ───────────────────────────────────────────────────────

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemContent   `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text string `json:"text"`
}

type systemContent struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	StopSeqs    []string `json:"stopSequences,omitempty"`
}

type converseResponse struct {
	Output     converseOutput `json:"output"`
	Usage      converseUsage  `json:"usage"`
	StopReason string         `json:"stopReason"`
}

type converseOutput struct {
	Message converseMessage `json:"message"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ─── Request building ─────────────────────────────────────────────────────────

func (p *Provider) buildConverseRequest(req *providers.ProxyRequest, streaming, healthCheck bool) (converseRequest, error) {
	var systemTexts []systemContent
	msgs := make([]converseMessage, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			systemTexts = append(systemTexts, systemContent{Text: m.Content})
		default:
			role := "user"
			if strings.ToLower(m.Role) == "assistant" {
				role = "assistant"
			}
			msgs = append(msgs, converseMessage{
				Role:    role,
				Content: []contentBlock{{Text: m.Content}},
			})
		}
	}

	cr := converseRequest{
		Messages: msgs,
		System:   systemTexts,
	}

	hasTemperature := req.Temperature > 0
	if req.MaxTokens > 0 || hasTemperature {
		cr.InferenceConfig = &inferenceConfig{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
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
		slog.Warn("bedrock: model registry parameter warning", "model", req.Model, "warning", w)
	}
	if len(effective.Params) > 0 {
		if cr.InferenceConfig == nil {
			cr.InferenceConfig = &inferenceConfig{}
		}
		if v, ok := asFloat64(effective.Params["temperature"]); ok && !hasTemperature {
			cr.InferenceConfig.Temperature = v
		}
		if v, ok := asFloat64(effective.Params["top_p"]); ok {
			cr.InferenceConfig.TopP = &v
		}
		if raw, ok := effective.Params["stop_sequences"]; ok {
			if seqs, ok := toStringSlice(raw); ok {
				cr.InferenceConfig.StopSeqs = seqs
			}
		}
	}

	return cr, nil
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

// ─── Non-streaming ────────────────────────────────────────────────────────────

func (p *Provider) handleResponse(ctx context.Context, req *providers.ProxyRequest, healthCheck bool) (*providers.ProxyResponse, error) {
	if modelFamily(req.Model) == "jurassic" {
		return p.handleJurassicResponse(ctx, req, healthCheck)
	}

	body, err := p.buildConverseRequest(req, false, healthCheck)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build request: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := p.converseEndpoint(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	content := ""
	if len(cr.Output.Message.Content) > 0 {
		content = cr.Output.Message.Content[0].Text
	}

	return &providers.ProxyResponse{
		ID:           req.RequestID,
		Model:        req.Model,
		Content:      content,
		FinishReason: cr.StopReason,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.InputTokens,
			OutputTokens: cr.Usage.OutputTokens,
		},
	}, nil
}

// ─── Jurassic-2 (legacy InvokeModel) ──────────────────────────────────────────

type jurassicRequest struct {
	Prompt        string   `json:"prompt"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"topP,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type jurassicResponse struct {
	ID          int                `json:"id"`
	Completions []jurassicComplete `json:"completions"`
}

type jurassicComplete struct {
	Data         jurassicData `json:"data"`
	FinishReason struct {
		Reason string `json:"reason"`
	} `json:"finishReason"`
}

type jurassicData struct {
	Text string `json:"text"`
}

// jurassicPrompt flattens chat-style messages into the single text prompt
// the Jurassic-2 completion API expects.
func jurassicPrompt(messages []providers.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		role := strings.ToLower(m.Role)
		switch role {
		case "system", "developer":
			sb.WriteString(m.Content)
			sb.WriteString("\n\n")
		case "assistant":
			sb.WriteString("Assistant: ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		default:
			sb.WriteString("Human: ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Assistant:")
	return sb.String()
}

func (p *Provider) invokeModelEndpoint(modelID string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/invoke", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke", p.region, modelID)
}

func (p *Provider) handleJurassicResponse(ctx context.Context, req *providers.ProxyRequest, healthCheck bool) (*providers.ProxyResponse, error) {
	hasTemperature := req.Temperature > 0
	jr := jurassicRequest{
		Prompt:      jurassicPrompt(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	effective := p.registry.Resolve(modelregistry.Request{
		Model:             req.Model,
		CallerParams:      p.providerParams,
		StreamingParams:   p.streamingParams,
		HealthCheckParams: p.healthCheckParams,
		Streaming:         false,
		HealthCheck:       healthCheck,
		UseModelDefaults:  p.useModelDefaults,
	})
	for _, w := range effective.Warnings {
		slog.Warn("bedrock: model registry parameter warning", "model", req.Model, "warning", w)
	}
	if v, ok := asFloat64(effective.Params["temperature"]); ok && !hasTemperature {
		jr.Temperature = v
	}
	if v, ok := asFloat64(effective.Params["top_p"]); ok {
		jr.TopP = v
	}
	if raw, ok := effective.Params["stop_sequences"]; ok {
		if seqs, ok := toStringSlice(raw); ok {
			jr.StopSequences = seqs
		}
	}

	payload, err := json.Marshal(jr)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := p.invokeModelEndpoint(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var jresp jurassicResponse
	if err := json.NewDecoder(resp.Body).Decode(&jresp); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	content := ""
	finishReason := ""
	if len(jresp.Completions) > 0 {
		content = jresp.Completions[0].Data.Text
		finishReason = jresp.Completions[0].FinishReason.Reason
	}

	return &providers.ProxyResponse{
		ID:           fmt.Sprintf("jurassic-%d", jresp.ID),
		Model:        req.Model,
		Content:      content,
		FinishReason: finishReason,
	}, nil
}

// ─── Streaming ────────────────────────────────────────────────────────────────

type streamEvent struct {
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
}

func (p *Provider) handleStreaming(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if modelFamily(req.Model) == "jurassic" {
		return nil, fmt.Errorf("bedrock: streaming Jurassic-2 models: %w", providers.ErrUnsupportedOperation)
	}

	body, err := p.buildConverseRequest(req, true, false)
	if err != nil {
		return nil, fmt.Errorf("bedrock: build request: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	endpoint := p.converseStreamEndpoint(req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signRequest(httpReq, payload); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimSpace(data)

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			if ev.ContentBlockDelta != nil && ev.ContentBlockDelta.Delta.Text != "" {
				ch <- providers.StreamChunk{Content: ev.ContentBlockDelta.Delta.Text}
			}
			if ev.MessageStop != nil {
				ch <- providers.StreamChunk{FinishReason: ev.MessageStop.StopReason}
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

// baseEndpoint returns the root URL for a given Bedrock sub-service.
// When endpointURL is set (e.g. for testing), it is used for all services.
func (p *Provider) baseEndpoint(subservice string) string {
	if p.endpointURL != "" {
		return strings.TrimRight(p.endpointURL, "/")
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, p.region)
}

func (p *Provider) converseEndpoint(modelID string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/converse",
		p.region, modelID,
	)
}

func (p *Provider) converseStreamEndpoint(modelID string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse-stream", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/converse-stream",
		p.region, modelID,
	)
}

// ─── AWS SigV4 signing ────────────────────────────────────────────────────────

func (p *Provider) signRequest(req *http.Request, payload []byte) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if p.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", p.sessionToken)
	}

	// Payload hash
	payloadHash := sha256Hex(payload)

	// Canonical request
	signedHeaders := "content-type;host;x-amz-date"
	if p.sessionToken != "" {
		signedHeaders += ";x-amz-security-token"
	}

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if p.sessionToken != "" {
		canonicalHeaders += fmt.Sprintf("x-amz-security-token:%s\n", p.sessionToken)
		signedHeaders += ";x-amz-security-token"
		// Rebuild without duplicate
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, p.sessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	// Credential scope
	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, p.region, service)

	// String to sign
	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	// Signing key
	signingKey := deriveSigningKey(p.secretKey, datestamp, p.region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	// Authorization header
	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, p.accessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error handling ───────────────────────────────────────────────────────────

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

// ProviderError is a structured error returned by the Bedrock API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("bedrock: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Message: be.Message}
	}

	return &ProviderError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
