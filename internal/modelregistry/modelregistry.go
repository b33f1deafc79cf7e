// Package modelregistry implements the model-registry merge algorithm each
// ProviderAdapter runs before an outbound call: layering provider-wide,
// pattern-matched, and exact-matched parameter defaults under the caller's
// own params, then validating, pruning, and renaming the result.
package modelregistry

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ParamRule bounds a single parameter. When Clamp is true, out-of-range
// values are clamped to the bound and a warning is still produced; when
// false, the value is left untouched and only the warning is produced.
type ParamRule struct {
	Min   *float64
	Max   *float64
	Clamp bool
}

// Config is the per-adapter model registry: default parameter layers keyed
// by match specificity, plus the validation/pruning/renaming rules applied
// after merge.
type Config struct {
	// ProviderDefaults apply to every model served by the adapter.
	ProviderDefaults map[string]any

	// PatternDefaults apply when the model name matches the glob key
	// (case-insensitive). Evaluated in lexical key order for determinism;
	// later matches in that order win ties over earlier ones.
	PatternDefaults map[string]map[string]any

	// ExactDefaults apply only to the literal model name key.
	ExactDefaults map[string]map[string]any

	// Rules bound individual parameter values after merge.
	Rules map[string]ParamRule

	// UnsupportedParams are deleted from the merged result unconditionally.
	UnsupportedParams []string

	// ParameterMappings rename keys in the merged result, e.g.
	// {"stop": "stop_sequences"} for Anthropic.
	ParameterMappings map[string]string
}

// Request is the per-call input to Resolve.
type Request struct {
	Model             string
	CallerParams      map[string]any
	StreamingParams    map[string]any // layered on top only when Streaming is true
	HealthCheckParams  map[string]any // layered on top only when HealthCheck is true
	Streaming         bool
	HealthCheck       bool
	UseModelDefaults  bool // when false, the three default layers are skipped entirely
}

// Result is effectiveParams plus any clamp/out-of-range warnings produced.
type Result struct {
	Params   map[string]any
	Warnings []string
}

// Resolve computes effectiveParams per spec §4.3: provider-wide -> pattern
// -> exact -> caller (later wins), then streaming/health-check overlay,
// then range validation, unsupportedParams deletion, and key renaming.
func (c Config) Resolve(req Request) Result {
	out := map[string]any{}

	if req.UseModelDefaults {
		mergeInto(out, c.ProviderDefaults)
		for _, key := range c.sortedPatternKeys() {
			if matchesGlob(key, req.Model) {
				mergeInto(out, c.PatternDefaults[key])
			}
		}
		for name, params := range c.ExactDefaults {
			if strings.EqualFold(name, req.Model) {
				mergeInto(out, params)
			}
		}
	}

	mergeInto(out, req.CallerParams)

	if req.Streaming {
		mergeInto(out, req.StreamingParams)
	}
	if req.HealthCheck {
		mergeInto(out, req.HealthCheckParams)
	}

	warnings := c.validate(out)
	c.deleteUnsupported(out)
	c.rename(out)

	return Result{Params: out, Warnings: warnings}
}

func (c Config) sortedPatternKeys() []string {
	keys := make([]string, 0, len(c.PatternDefaults))
	for k := range c.PatternDefaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func matchesGlob(pattern, model string) bool {
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return false
	}
	return g.Match(strings.ToLower(model))
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func (c Config) validate(params map[string]any) []string {
	var warnings []string
	for name, rule := range c.Rules {
		v, ok := params[name]
		if !ok {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			continue
		}

		if rule.Min != nil && f < *rule.Min {
			warnings = append(warnings, outOfRangeWarning(name, f, *rule.Min, "minimum"))
			if rule.Clamp {
				params[name] = *rule.Min
			}
			continue
		}
		if rule.Max != nil && f > *rule.Max {
			warnings = append(warnings, outOfRangeWarning(name, f, *rule.Max, "maximum"))
			if rule.Clamp {
				params[name] = *rule.Max
			}
		}
	}
	return warnings
}

func outOfRangeWarning(name string, got, bound float64, which string) string {
	return "modelregistry: parameter " + name + " is out of range (" + which + " bound)"
}

func asFloat(v any) (float64, bool) {
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

func (c Config) deleteUnsupported(params map[string]any) {
	for _, key := range c.UnsupportedParams {
		delete(params, key)
	}
}

func (c Config) rename(params map[string]any) {
	for from, to := range c.ParameterMappings {
		v, ok := params[from]
		if !ok {
			continue
		}
		delete(params, from)
		params[to] = v
	}
}
