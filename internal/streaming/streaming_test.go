package streaming

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/polyroute/gateway/internal/providers"
)

type bufSink struct {
	bytes.Buffer
	flushes int
}

func (b *bufSink) Flush() error {
	b.flushes++
	return nil
}

type fakeHeaders struct {
	set map[string]string
}

func (f *fakeHeaders) SetHeader(k, v string) {
	if f.set == nil {
		f.set = map[string]string{}
	}
	f.set[k] = v
}

func TestStream_ForwardsChunksAndSendsDone(t *testing.T) {
	src := make(chan providers.StreamChunk, 4)
	src <- providers.StreamChunk{Content: "hel"}
	src <- providers.StreamChunk{Content: "lo", FinishReason: "stop"}
	close(src)

	sink := &bufSink{}
	p := New(time.Second)
	res := p.Stream(context.Background(), sink, src)

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	out := sink.String()
	if !strings.Contains(out, `"content":"hel"`) || !strings.Contains(out, `"content":"lo"`) {
		t.Errorf("expected both chunks written, got %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Errorf("expected DONE sentinel, got %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("expected finish_reason surfaced, got %s", out)
	}
}

func TestStream_ClientDisconnectStopsForwarding(t *testing.T) {
	src := make(chan providers.StreamChunk)
	sink := &bufSink{}
	p := New(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Stream(ctx, sink, src)
	if !errors.Is(res.Err, ErrClientDisconnected) {
		t.Errorf("expected ErrClientDisconnected, got %v", res.Err)
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	src := make(chan providers.StreamChunk)
	sink := &bufSink{}
	p := New(20 * time.Millisecond)

	res := p.Stream(context.Background(), sink, src)
	if !errors.Is(res.Err, ErrIdleTimeout) {
		t.Errorf("expected ErrIdleTimeout, got %v", res.Err)
	}
}

func TestWriteHeaders_SetsMetadata(t *testing.T) {
	p := New(time.Second)
	h := &fakeHeaders{}
	p.WriteHeaders(h, Metadata{UsedProvider: "openai", UsedPool: "primary", UsedFallback: true})

	if h.set["Content-Type"] != "text/event-stream" {
		t.Errorf("expected SSE content type, got %v", h.set)
	}
	if h.set["X-Used-Provider"] != "openai" || h.set["X-Used-Pool"] != "primary" || h.set["X-Used-Fallback"] != "true" {
		t.Errorf("expected routing metadata headers, got %+v", h.set)
	}
}
