package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polyroute/gateway/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("AKIAMOCK", "secret", "us-east-1", WithEndpointURL(srv.URL))
}

func baseRequest() *providers.ProxyRequest {
	return &providers.ProxyRequest{
		Model:     "anthropic.claude-3-haiku-20240307-v1:0",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestValidateRegion(t *testing.T) {
	if err := ValidateRegion("us-east-1"); err != nil {
		t.Fatalf("expected us-east-1 to be supported, got %v", err)
	}
	if err := ValidateRegion("mars-central-1"); err == nil {
		t.Fatal("expected an error for an unsupported region")
	}
}

func TestModelFamily(t *testing.T) {
	if f := modelFamily("anthropic.claude-3-haiku-20240307-v1:0"); f != "converse" {
		t.Errorf("expected converse family for claude, got %q", f)
	}
	if f := modelFamily("ai21.j2-ultra-v1"); f != "jurassic" {
		t.Errorf("expected jurassic family for ai21.j2-*, got %q", f)
	}
}

func TestProvider_Request_Converse_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/anthropic.claude-3-haiku-20240307-v1:0/converse" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body converseRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content[0].Text != "Hello" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(converseResponse{
			Output: converseOutput{
				Message: converseMessage{
					Role:    "assistant",
					Content: []contentBlock{{Text: "Bonjour"}},
				},
			},
			Usage:      converseUsage{InputTokens: 3, OutputTokens: 2},
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Bonjour" {
		t.Errorf("expected content 'Bonjour', got %q", resp.Content)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("expected finish reason 'end_turn', got %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_Request_Jurassic_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/model/ai21.j2-ultra-v1/invoke" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body jurassicRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body.Prompt == "" {
			t.Errorf("expected a non-empty flattened prompt")
		}

		w.Header().Set("Content-Type", "application/json")
		resp := jurassicResponse{
			ID: 42,
			Completions: []jurassicComplete{
				{Data: jurassicData{Text: "howdy"}},
			},
		}
		resp.Completions[0].FinishReason.Reason = "length"
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	req := baseRequest()
	req.Model = "ai21.j2-ultra-v1"

	resp, err := p.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "howdy" {
		t.Errorf("expected content 'howdy', got %q", resp.Content)
	}
	if resp.FinishReason != "length" {
		t.Errorf("expected finish reason 'length', got %q", resp.FinishReason)
	}
}

func TestProvider_Request_Streaming_Jurassic_Unsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called for unsupported streaming")
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	req := baseRequest()
	req.Model = "ai21.j2-ultra-v1"
	req.Stream = true

	_, err := p.Request(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error for streaming a Jurassic-2 model")
	}
}

func TestProvider_Request_AppliesModelRegistryDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body converseRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body.InferenceConfig == nil || body.InferenceConfig.TopP == nil || *body.InferenceConfig.TopP != 0.4 {
			t.Errorf("expected registry top_p=0.4 to be applied, got %+v", body.InferenceConfig)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(converseResponse{
			Output: converseOutput{Message: converseMessage{Content: []contentBlock{{Text: "ok"}}}},
		})
	}))
	defer srv.Close()

	p := New("AKIAMOCK", "secret", "us-east-1", WithEndpointURL(srv.URL), WithProviderParams(map[string]any{"top_p": 0.4}))
	_, err := p.Request(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_HealthCheck_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foundation-models" {
			t.Errorf("expected path /foundation-models, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_HealthCheck_OneTokenCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/foundation-models" {
			t.Errorf("expected the 1-token chat path, not /foundation-models")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(converseResponse{
			Output: converseOutput{Message: converseMessage{Content: []contentBlock{{Text: "pong"}}}},
		})
	}))
	defer srv.Close()

	p := New("AKIAMOCK", "secret", "us-east-1", WithEndpointURL(srv.URL),
		WithHealthCheckParams(map[string]any{"model": "anthropic.claude-3-haiku-20240307-v1:0"}))
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
