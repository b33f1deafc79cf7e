// Package streaming implements StreamingProxy (spec §4.8): forwarding a
// provider's token stream to the client as Server-Sent Events, with an
// explicit idle timeout and cancellation path instead of a bare
// `for chunk := range resp.Stream` loop.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

// DefaultIdleTimeout bounds how long the proxy waits for the next chunk
// before giving up on a stalled upstream stream.
const DefaultIdleTimeout = 60 * time.Second

// ErrIdleTimeout is returned when no chunk arrives within the idle window.
var ErrIdleTimeout = errors.New("streaming: idle timeout exceeded")

// ErrClientDisconnected wraps the context error when the proxy stops
// because the caller's context was cancelled mid-stream.
var ErrClientDisconnected = errors.New("streaming: client disconnected or stream aborted")

// Sink is the minimal writer the proxy needs: a byte writer that can be
// flushed after each event, matching *bufio.Writer's surface so fasthttp's
// SetBodyStreamWriter callback can be used directly.
type Sink interface {
	io.Writer
	Flush() error
}

// HeaderSetter is implemented by the HTTP response object the caller binds
// the proxy to (fasthttp.RequestCtx satisfies this via a small adapter).
type HeaderSetter interface {
	SetHeader(key, value string)
}

// Metadata carries the routing outcome surfaced to the client via
// response headers (spec §6: X-Used-Provider / X-Used-Pool / X-Used-Fallback).
type Metadata struct {
	UsedProvider string
	UsedPool     string
	UsedFallback bool
}

// Proxy streams provider chunks to a Sink as Server-Sent Events.
type Proxy struct {
	IdleTimeout time.Duration
}

// New creates a Proxy with the given idle timeout. A zero or negative
// value falls back to DefaultIdleTimeout.
func New(idleTimeout time.Duration) *Proxy {
	return &Proxy{IdleTimeout: idleTimeout}
}

func (p *Proxy) idleTimeout() time.Duration {
	if p.IdleTimeout > 0 {
		return p.IdleTimeout
	}
	return DefaultIdleTimeout
}

// WriteHeaders sets the SSE response headers plus the routing-metadata
// headers before the body stream begins.
func (p *Proxy) WriteHeaders(h HeaderSetter, meta Metadata) {
	h.SetHeader("Content-Type", "text/event-stream")
	h.SetHeader("Cache-Control", "no-cache")
	h.SetHeader("Connection", "keep-alive")
	if meta.UsedProvider != "" {
		h.SetHeader("X-Used-Provider", meta.UsedProvider)
	}
	if meta.UsedPool != "" {
		h.SetHeader("X-Used-Pool", meta.UsedPool)
	}
	if meta.UsedFallback {
		h.SetHeader("X-Used-Fallback", "true")
	}
}

// Result is what Stream returns once the source channel closes or the
// stream is aborted.
type Result struct {
	OutputTokens int
	Err          error
}

// Stream forwards chunks from src to w as SSE events until src closes
// (success, terminated by "data: [DONE]"), ctx is cancelled (returns
// ErrClientDisconnected), or no chunk arrives within the idle timeout
// (returns ErrIdleTimeout). The reader/writer side is always released on
// every exit path since the loop never blocks past the select.
func (p *Proxy) Stream(ctx context.Context, w Sink, src <-chan providers.StreamChunk) Result {
	idle := p.idleTimeout()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return Result{OutputTokens: estimateTokens(sb.Len()), Err: fmt.Errorf("%w: %v", ErrClientDisconnected, ctx.Err())}

		case <-timer.C:
			return Result{OutputTokens: estimateTokens(sb.Len()), Err: ErrIdleTimeout}

		case chunk, ok := <-src:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				w.Flush()
				return Result{OutputTokens: estimateTokens(sb.Len())}
			}

			sb.WriteString(chunk.Content)
			if err := writeChunk(w, chunk); err != nil {
				return Result{OutputTokens: estimateTokens(sb.Len()), Err: err}
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
		}
	}
}

func writeChunk(w Sink, chunk providers.StreamChunk) error {
	delta := map[string]any{
		"id":      "chatcmpl-stream",
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"choices": []map[string]any{
			{
				"index": 0,
				"delta": map[string]string{"content": chunk.Content},
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			},
		},
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// estimateTokens approximates output token count at ~4 characters per
// token, a common GPT-style heuristic.
func estimateTokens(chars int) int {
	est := chars / 4
	if est == 0 {
		est = 1
	}
	return est
}
