package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/cache"
	"github.com/polyroute/gateway/internal/logger"
	"github.com/polyroute/gateway/internal/metrics"
	"github.com/polyroute/gateway/internal/pool"
	"github.com/polyroute/gateway/internal/providers"
	"github.com/polyroute/gateway/internal/ratelimit"
	rt "github.com/polyroute/gateway/internal/router"
	"github.com/polyroute/gateway/internal/streaming"
	"github.com/polyroute/gateway/pkg/apierr"
)

// Server is the HTTP ingress fronting a router.Router (spec §6); it never
// calls providers directly.
type Server struct {
	router          *rt.Router
	log             *slog.Logger
	metrics         *metrics.Registry
	reqLogger       *logger.Logger
	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList
	rpmLimiter      *ratelimit.RPMLimiter
	stream          *streaming.Proxy
	corsOrigins     []string
	adminAPIKeys    []string
	requestTimeout  time.Duration
}

// Options configures a Server. Fields left zero disable the corresponding
// optional feature (no cache, no rate limiting, open CORS, locked-out
// admin routes).
type Options struct {
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	RequestLogger   *logger.Logger
	Cache           cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList
	RPMLimiter      *ratelimit.RPMLimiter
	IdleTimeout     time.Duration
	CORSOrigins     []string
	AdminAPIKeys    []string
	RequestTimeout  time.Duration
}

// New builds a Server driving router.
func New(router *rt.Router, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	return &Server{
		router:          router,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		reqLogger:       opts.RequestLogger,
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		cacheExclusions: opts.CacheExclusions,
		rpmLimiter:      opts.RPMLimiter,
		stream:          streaming.New(opts.IdleTimeout),
		corsOrigins:     opts.CORSOrigins,
		adminAPIKeys:    opts.AdminAPIKeys,
		requestTimeout:  opts.RequestTimeout,
	}
}

// headerSetter adapts *fasthttp.RequestCtx to streaming.HeaderSetter.
type headerSetter struct{ ctx *fasthttp.RequestCtx }

func (h headerSetter) SetHeader(key, value string) { h.ctx.Response.Header.Set(key, value) }

// Start registers every spec §6 route and serves addr.
func (s *Server) Start(addr string) error {
	r := router.New()
	r.RedirectTrailingSlash = true

	r.GET("/health", s.handleHealth)
	r.GET("/health/", s.handleHealth)
	r.GET("/v1/models", s.handleModels)
	r.POST("/v1/chat/completions", s.handleChat)
	r.POST("/v1/completions", s.handleChat)

	statusHandler := applyMiddleware(s.handleAdminStatus, adminAuth(s.adminAPIKeys))
	resetHandler := applyMiddleware(s.handleAdminReset, adminAuth(s.adminAPIKeys))
	r.GET("/admin/providers/status", statusHandler)
	r.GET("/admin/providers/status/", statusHandler)
	r.POST("/admin/providers/:model/:provider/reset", resetHandler)
	r.POST("/admin/providers/:model/:provider/reset/", resetHandler)

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.log.Info("httpapi: listening", slog.String("addr", addr))
	return srv.ListenAndServe(addr)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status": "ok",
		"pools":  s.router.GetHealthStatus().Pools,
	})
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   s.router.GetSupportedModels(),
	})
}

func (s *Server) handleAdminStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"pools":   s.router.GetAllPoolHealth(),
		"metrics": s.router.GetAllPoolMetrics(),
	})
}

func (s *Server) handleAdminReset(ctx *fasthttp.RequestCtx) {
	model, _ := ctx.UserValue("model").(string)
	provider, _ := ctx.UserValue("provider").(string)
	if err := s.router.ResetProvider(model, provider); err != nil {
		apierr.WriteModelNotFound(ctx, model)
		return
	}
	writeJSON(ctx, map[string]any{"status": "reset", "model": model, "provider": provider})
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundMetadata struct {
		UsedProvider string `json:"usedProvider"`
		UsedPool     string `json:"usedPool"`
		UsedFallback bool   `json:"usedFallback"`
	}
	outboundResponse struct {
		ID       string           `json:"id"`
		Object   string           `json:"object"`
		Created  int64            `json:"created"`
		Model    string           `json:"model"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage    `json:"usage"`
		Metadata outboundMetadata `json:"_metadata"`
	}
)

// handleChat is the shared handler for /v1/chat/completions and
// /v1/completions, driven by router.ExecuteWithPools over the configured
// pool/model definitions.
func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	if string(ctx.Path()) == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	reqID, _ := ctx.UserValue("request_id").(string)

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.finishNonStream(ctx, start, route, "unknown", reqBytes)
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		s.finishNonStream(ctx, start, route, "unknown", reqBytes)
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if !s.router.IsModelSupported(req.Model) {
		s.finishNonStream(ctx, start, route, req.Model, reqBytes)
		apierr.WriteModelNotFound(ctx, req.Model)
		return
	}

	if s.rpmLimiter != nil {
		allowed, err := s.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("blocked")
			}
			s.finishNonStream(ctx, start, route, req.Model, reqBytes)
			apierr.WriteRateLimit(ctx)
			return
		}
		if s.metrics != nil {
			if err != nil {
				s.metrics.RecordRateLimit("error")
			} else {
				s.metrics.RecordRateLimit("allowed")
			}
		}
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	cacheEligible := !req.Stream && s.cache != nil &&
		(s.cacheExclusions == nil || !s.cacheExclusions.Matches(req.Model))
	if cacheEligible {
		if cachedBody, ok := s.cache.Get(ctx, cacheKey(proxyReq)); ok {
			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetContentType("application/json")
			ctx.SetBody(cachedBody)
			s.finishNonStream(ctx, start, route, req.Model, reqBytes)
			return
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	result, err := s.router.ExecuteWithPools(timeoutCtx, req.Model, func(p providers.Provider) (any, error) {
		return p.Request(timeoutCtx, proxyReq)
	})
	if err != nil {
		s.finishNonStream(ctx, start, route, req.Model, reqBytes)
		s.writeDispatchError(ctx, req.Model, err)
		return
	}

	resp, ok := result.Data.(*providers.ProxyResponse)
	if !ok {
		s.finishNonStream(ctx, start, route, result.UsedProvider, reqBytes)
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "unexpected response type from provider", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if resp.Stream != nil {
		s.handleStreamingResponse(ctx, reqID, req.Model, result, resp, route, start)
		return
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Metadata: outboundMetadata{
			UsedProvider: result.UsedProvider,
			UsedPool:     result.UsedPool,
			UsedFallback: result.UsedFallback,
		},
	}
	body, _ := json.Marshal(out)

	ctx.Response.Header.Set("X-Used-Provider", result.UsedProvider)
	ctx.Response.Header.Set("X-Used-Pool", result.UsedPool)
	if result.UsedFallback {
		ctx.Response.Header.Set("X-Used-Fallback", "true")
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	if cacheEligible {
		_ = s.cache.Set(ctx, cacheKey(proxyReq), body, s.cacheTTL)
	}

	if s.reqLogger != nil {
		s.reqLogger.Log(logger.RequestLog{
			Provider:     result.UsedProvider,
			Model:        req.Model,
			InputTokens:  uint32(resp.Usage.InputTokens),
			OutputTokens: uint32(resp.Usage.OutputTokens),
			LatencyMs:    uint16(time.Since(start).Milliseconds()),
			Status:       uint16(ctx.Response.StatusCode()),
			CreatedAt:    time.Now(),
		})
	}

	s.finishDispatch(ctx, start, route, result.UsedProvider, reqBytes, resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
}

func (s *Server) handleStreamingResponse(
	ctx *fasthttp.RequestCtx,
	reqID, model string,
	result pool.FallbackResult,
	resp *providers.ProxyResponse,
	route string,
	start time.Time,
) {
	s.stream.WriteHeaders(headerSetter{ctx}, streaming.Metadata{
		UsedProvider: result.UsedProvider,
		UsedPool:     result.UsedPool,
		UsedFallback: result.UsedFallback,
	})

	if s.metrics != nil {
		s.metrics.DecInFlight()
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		res := s.stream.Stream(ctx, w, resp.Stream)
		if s.reqLogger != nil {
			s.reqLogger.Log(logger.RequestLog{
				Provider:     result.UsedProvider,
				Model:        model,
				OutputTokens: uint32(res.OutputTokens),
				LatencyMs:    uint16(time.Since(start).Milliseconds()),
				Status:       uint16(fasthttp.StatusOK),
				CreatedAt:    time.Now(),
			})
		}
		if s.metrics != nil {
			s.metrics.ObserveGatewayRequest(result.UsedProvider, route, "bypass", time.Since(start))
			s.metrics.AddTokens(result.UsedProvider, route, 0, res.OutputTokens, false)
		}
	})
}

func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, model string, err error) {
	if strings.Contains(err.Error(), "all pools") || strings.Contains(err.Error(), "attempted") {
		apierr.WriteAllProvidersFailed(ctx, s.router.GetPoolNames())
		return
	}
	apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, err.Error())
}

func (s *Server) finishNonStream(ctx *fasthttp.RequestCtx, start time.Time, route, provider string, reqBytes int) {
	s.finishDispatch(ctx, start, route, provider, reqBytes, 0, 0, false)
}

func (s *Server) finishDispatch(ctx *fasthttp.RequestCtx, start time.Time, route, provider string, reqBytes, inputTokens, outputTokens int, cached bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.DecInFlight()
	status := ctx.Response.StatusCode()
	dur := time.Since(start)
	s.metrics.ObserveHTTP(route, status, dur, reqBytes, len(ctx.Response.Body()))
	s.metrics.RecordRequest(provider, status, dur.Milliseconds())
	s.metrics.ObserveGatewayRequest(provider, route, "bypass", dur)
	s.metrics.AddTokens(provider, route, inputTokens, outputTokens, cached)
}

func cacheKey(req *providers.ProxyRequest) string {
	var sb strings.Builder
	sb.WriteString(req.Model)
	sb.WriteByte('|')
	fmt.Fprintf(&sb, "%.4f", req.Temperature)
	for _, m := range req.Messages {
		sb.WriteByte('|')
		sb.WriteString(m.Role)
		sb.WriteByte(':')
		sb.WriteString(m.Content)
	}
	return sb.String()
}
