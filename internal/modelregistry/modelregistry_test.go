package modelregistry

import "testing"

func TestResolve_MergePrecedence_LaterLayerWins(t *testing.T) {
	cfg := Config{
		ProviderDefaults: map[string]any{"temperature": 0.7, "top_p": 1.0},
		PatternDefaults: map[string]map[string]any{
			"gpt-4*": {"temperature": 0.5},
		},
		ExactDefaults: map[string]map[string]any{
			"gpt-4o": {"temperature": 0.3},
		},
	}

	res := cfg.Resolve(Request{
		Model:            "gpt-4o",
		CallerParams:     map[string]any{"max_tokens": 256},
		UseModelDefaults: true,
	})

	if res.Params["temperature"] != 0.3 {
		t.Errorf("expected exact-match default to win, got %v", res.Params["temperature"])
	}
	if res.Params["top_p"] != 1.0 {
		t.Errorf("expected provider-wide default to survive untouched, got %v", res.Params["top_p"])
	}
	if res.Params["max_tokens"] != 256 {
		t.Errorf("expected caller param present, got %v", res.Params["max_tokens"])
	}
}

func TestResolve_CallerParamsWinOverAllDefaults(t *testing.T) {
	cfg := Config{
		ProviderDefaults: map[string]any{"temperature": 0.7},
		ExactDefaults:    map[string]map[string]any{"gpt-4o": {"temperature": 0.3}},
	}

	res := cfg.Resolve(Request{
		Model:            "gpt-4o",
		CallerParams:     map[string]any{"temperature": 0.9},
		UseModelDefaults: true,
	})

	if res.Params["temperature"] != 0.9 {
		t.Errorf("expected caller param to win, got %v", res.Params["temperature"])
	}
}

func TestResolve_UseModelDefaultsFalseSkipsRegistry(t *testing.T) {
	cfg := Config{
		ProviderDefaults: map[string]any{"temperature": 0.7},
		ExactDefaults:    map[string]map[string]any{"gpt-4o": {"top_p": 0.5}},
	}

	res := cfg.Resolve(Request{
		Model:            "gpt-4o",
		CallerParams:     map[string]any{"max_tokens": 128},
		UseModelDefaults: false,
	})

	if _, ok := res.Params["temperature"]; ok {
		t.Error("expected provider-wide default to be skipped")
	}
	if _, ok := res.Params["top_p"]; ok {
		t.Error("expected exact-match default to be skipped")
	}
	if res.Params["max_tokens"] != 128 {
		t.Errorf("expected caller param to survive, got %v", res.Params["max_tokens"])
	}
}

func TestResolve_StreamingAndHealthCheckOverlaysAreExclusive(t *testing.T) {
	cfg := Config{}

	stream := cfg.Resolve(Request{
		Model:             "gpt-4o",
		StreamingParams:   map[string]any{"stream_options": "include_usage"},
		HealthCheckParams: map[string]any{"max_tokens": 1},
		Streaming:         true,
		UseModelDefaults:  true,
	})
	if _, ok := stream.Params["stream_options"]; !ok {
		t.Error("expected streaming overlay applied")
	}
	if _, ok := stream.Params["max_tokens"]; ok {
		t.Error("expected health-check overlay not applied during a streaming call")
	}

	health := cfg.Resolve(Request{
		Model:             "gpt-4o",
		StreamingParams:   map[string]any{"stream_options": "include_usage"},
		HealthCheckParams: map[string]any{"max_tokens": 1},
		HealthCheck:       true,
		UseModelDefaults:  true,
	})
	if _, ok := health.Params["max_tokens"]; !ok {
		t.Error("expected health-check overlay applied")
	}
	if _, ok := health.Params["stream_options"]; ok {
		t.Error("expected streaming overlay not applied during a health check")
	}
}

func TestResolve_ClampsWithWarningWhenRuleSaysClamp(t *testing.T) {
	max := 2.0
	cfg := Config{
		Rules: map[string]ParamRule{
			"temperature": {Max: &max, Clamp: true},
		},
	}

	res := cfg.Resolve(Request{
		Model:            "gpt-4o",
		CallerParams:     map[string]any{"temperature": 5.0},
		UseModelDefaults: true,
	})

	if res.Params["temperature"] != 2.0 {
		t.Errorf("expected clamp to 2.0, got %v", res.Params["temperature"])
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", res.Warnings)
	}
}

func TestResolve_WarnsWithoutClampingWhenRuleSaysNoClamp(t *testing.T) {
	max := 2.0
	cfg := Config{
		Rules: map[string]ParamRule{
			"temperature": {Max: &max, Clamp: false},
		},
	}

	res := cfg.Resolve(Request{
		Model:            "gpt-4o",
		CallerParams:     map[string]any{"temperature": 5.0},
		UseModelDefaults: true,
	})

	if res.Params["temperature"] != 5.0 {
		t.Errorf("expected value left untouched, got %v", res.Params["temperature"])
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected one warning, got %v", res.Warnings)
	}
}

func TestResolve_DeletesUnsupportedParams(t *testing.T) {
	cfg := Config{UnsupportedParams: []string{"presence_penalty"}}

	res := cfg.Resolve(Request{
		Model:            "gpt-4o",
		CallerParams:     map[string]any{"presence_penalty": 1.0, "temperature": 0.5},
		UseModelDefaults: true,
	})

	if _, ok := res.Params["presence_penalty"]; ok {
		t.Error("expected unsupported param deleted")
	}
	if res.Params["temperature"] != 0.5 {
		t.Error("expected unrelated param to survive")
	}
}

func TestResolve_RenamesMappedParameters(t *testing.T) {
	cfg := Config{ParameterMappings: map[string]string{"stop": "stop_sequences"}}

	res := cfg.Resolve(Request{
		Model:            "claude-3-5-sonnet",
		CallerParams:     map[string]any{"stop": []string{"\\n"}},
		UseModelDefaults: true,
	})

	if _, ok := res.Params["stop"]; ok {
		t.Error("expected original key removed after rename")
	}
	if _, ok := res.Params["stop_sequences"]; !ok {
		t.Error("expected renamed key present")
	}
}

func TestResolve_PatternMatchIsCaseInsensitive(t *testing.T) {
	cfg := Config{
		PatternDefaults: map[string]map[string]any{
			"GPT-4*": {"temperature": 0.42},
		},
	}

	res := cfg.Resolve(Request{Model: "gpt-4o-mini", UseModelDefaults: true})
	if res.Params["temperature"] != 0.42 {
		t.Errorf("expected case-insensitive pattern match, got %v", res.Params["temperature"])
	}
}
