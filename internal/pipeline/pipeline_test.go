package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/ratelimit"
	"github.com/conduit-ai/conduit/pkg/models"
)

func testPipeline(t *testing.T, opts Options) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{Output: buf})
	}
	return New(opts), buf
}

func getRequest() *Request {
	return &Request{
		Method:     "GET",
		Path:       "/v1/agents",
		Params:     map[string]string{"page": "1"},
		Header:     http.Header{},
		RemoteAddr: "10.0.0.1",
		Idempotent: true,
		Category:   "agents",
		Tags:       []string{"agents"},
	}
}

func decodeEnvelope(t *testing.T, body []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestExecuteSuccessEnvelope(t *testing.T) {
	p, _ := testPipeline(t, Options{})

	resp := p.Execute(context.Background(), &Request{Method: "POST", Path: "/v1/sessions", Header: http.Header{}}, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{Status: http.StatusCreated, Message: "created", Data: map[string]any{"id": "s1"}}, nil
	})

	if resp.Status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.Status)
	}
	env := decodeEnvelope(t, resp.Body)
	if !env.Success || env.Status != http.StatusCreated || env.Message != "created" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Metadata.RequestID == "" || env.Metadata.Version != Version {
		t.Errorf("metadata = %+v", env.Metadata)
	}
	if resp.Header.Get("X-Request-ID") != env.Metadata.RequestID {
		t.Errorf("X-Request-ID header %q does not match metadata %q", resp.Header.Get("X-Request-ID"), env.Metadata.RequestID)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestExecutePaginationLift(t *testing.T) {
	p, _ := testPipeline(t, Options{})

	resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/v1/sessions", Header: http.Header{}}, func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{Data: map[string]any{
			"items":        []string{"a", "b"},
			"current_page": 2,
			"per_page":     25,
			"total":        51,
			"last_page":    3,
		}}, nil
	})

	env := decodeEnvelope(t, resp.Body)
	pg := env.Metadata.Pagination
	if pg == nil {
		t.Fatal("pagination not lifted")
	}
	if pg.CurrentPage != 2 || pg.PerPage != 25 || pg.Total != 51 || pg.LastPage != 3 {
		t.Errorf("pagination = %+v", pg)
	}
}

func TestExecuteRequestIDThreading(t *testing.T) {
	p, _ := testPipeline(t, Options{})

	req := &Request{Method: "GET", Path: "/v1/agents", Header: http.Header{}}
	req.Header.Set("X-Request-ID", "req-abc")
	var seen string
	resp := p.Execute(context.Background(), req, func(ctx context.Context, r *Request) (*Result, error) {
		seen = observability.GetRequestID(ctx)
		return &Result{Data: "ok"}, nil
	})

	if seen != "req-abc" {
		t.Errorf("handler saw request id %q, want req-abc", seen)
	}
	if resp.Header.Get("X-Request-ID") != "req-abc" {
		t.Errorf("X-Request-ID = %q", resp.Header.Get("X-Request-ID"))
	}
}

func TestExecuteErrorNormalization(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   ErrorType
	}{
		{"validation", NewValidationError("bad field", map[string]any{"field": "type"}), http.StatusBadRequest, ErrorTypeValidation},
		{"configuration", NewConfigurationError("missing api key"), http.StatusInternalServerError, ErrorTypeConfiguration},
		{"upstream", NewUpstreamError(503, "overloaded", nil), http.StatusServiceUnavailable, ErrorTypeUpstream},
		{"not found", NewNotFoundError("no such session"), http.StatusNotFound, ErrorTypeNotFound},
		{"raw error", errors.New("disk full"), http.StatusInternalServerError, ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := testPipeline(t, Options{})
			resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
				return nil, tt.err
			})
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.Status, tt.wantStatus)
			}
			env := decodeEnvelope(t, resp.Body)
			if env.Success {
				t.Error("failure envelope marked success")
			}
			if env.Error == nil || env.Error.Type != tt.wantType {
				t.Errorf("error = %+v, want type %s", env.Error, tt.wantType)
			}
			if env.Error != nil && env.Error.Message == "" {
				t.Error("error block missing message")
			}
			if env.Error != nil && env.Error.Message != env.Message {
				t.Errorf("error.message = %q, envelope message = %q", env.Error.Message, env.Message)
			}
		})
	}
}

func TestExecuteRawErrorNotLeaked(t *testing.T) {
	p, _ := testPipeline(t, Options{})
	resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
		return nil, errors.New("pq: connection refused host=10.1.2.3")
	})
	if strings.Contains(string(resp.Body), "10.1.2.3") {
		t.Error("internal error detail leaked into response body")
	}
}

func TestExecuteDebugModeIncludesCause(t *testing.T) {
	p, _ := testPipeline(t, Options{Transformer: NewTransformer(true)})
	resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
		return nil, errors.New("underlying failure")
	})
	env := decodeEnvelope(t, resp.Body)
	if env.Error == nil || env.Error.Details["cause"] != "underlying failure" {
		t.Errorf("debug envelope missing cause: %+v", env.Error)
	}
}

func TestExecutePanicRecovery(t *testing.T) {
	p, _ := testPipeline(t, Options{Transformer: NewTransformer(true)})
	resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
		panic("boom")
	})
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.Status)
	}
	env := decodeEnvelope(t, resp.Body)
	if env.Error == nil || env.Error.Type != ErrorTypeUnknown {
		t.Errorf("error = %+v", env.Error)
	}
	if env.Error.Stack == "" {
		t.Error("debug mode should carry the stack trace")
	}
}

func TestExecuteRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled: true,
		Tiers:   map[string]ratelimit.Tier{"default": {MaxRequests: 2, Decay: time.Minute}},
	})
	p, _ := testPipeline(t, Options{Limiter: limiter})

	handler := func(ctx context.Context, r *Request) (*Result, error) {
		return &Result{Data: "ok"}, nil
	}

	var last *Response
	for i := 0; i < 3; i++ {
		last = p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}, RemoteAddr: "10.0.0.1"}, handler)
	}

	if last.Status != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.Status)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if last.Header.Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", last.Header.Get("X-RateLimit-Limit"))
	}
	env := decodeEnvelope(t, last.Body)
	if env.Error == nil || env.Error.Type != ErrorTypeRateLimit {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestExecuteRateLimitIdentityScoping(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled: true,
		Tiers:   map[string]ratelimit.Tier{"default": {MaxRequests: 1, Decay: time.Minute}},
	})
	p, _ := testPipeline(t, Options{Limiter: limiter})

	handler := func(ctx context.Context, r *Request) (*Result, error) {
		return &Result{Data: "ok"}, nil
	}

	a := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}, RemoteAddr: "10.0.0.1"}, handler)
	b := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}, RemoteAddr: "10.0.0.2"}, handler)
	if a.Status != http.StatusOK || b.Status != http.StatusOK {
		t.Errorf("independent identities should not share windows: %d, %d", a.Status, b.Status)
	}
}

func TestExecuteCacheHit(t *testing.T) {
	c := cache.New(cache.Options{TTL: map[string]time.Duration{"agents": time.Minute}})
	p, _ := testPipeline(t, Options{Cache: c})

	var calls int32
	handler := func(ctx context.Context, r *Request) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return &Result{Message: "listed", Data: map[string]any{"count": 2}}, nil
	}

	first := p.Execute(context.Background(), getRequest(), handler)
	second := p.Execute(context.Background(), getRequest(), handler)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
	if first.Header.Get("X-Cache") != "miss" || second.Header.Get("X-Cache") != "hit" {
		t.Errorf("X-Cache = %q then %q", first.Header.Get("X-Cache"), second.Header.Get("X-Cache"))
	}

	envA := decodeEnvelope(t, first.Body)
	envB := decodeEnvelope(t, second.Body)
	if envB.Message != "listed" || envB.Status != http.StatusOK {
		t.Errorf("replayed envelope = %+v", envB)
	}
	if envA.Metadata.RequestID == envB.Metadata.RequestID {
		t.Error("replayed response must carry its own request id")
	}
}

func TestExecuteCacheScopedByIdentity(t *testing.T) {
	c := cache.New(cache.Options{TTL: map[string]time.Duration{"agents": time.Minute}})
	p, _ := testPipeline(t, Options{
		Cache: c,
		Auth: func(ctx context.Context, req *Request) (*models.User, error) {
			return &models.User{ID: req.Header.Get("X-Test-User")}, nil
		},
	})

	var calls int32
	handler := func(ctx context.Context, r *Request) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return &Result{Data: "ok"}, nil
	}

	for _, user := range []string{"u1", "u2"} {
		req := getRequest()
		req.Header.Set("X-Test-User", user)
		p.Execute(context.Background(), req, handler)
	}

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("handler called %d times, want 2 (one per identity)", n)
	}
}

func TestExecuteErrorsNotCached(t *testing.T) {
	c := cache.New(cache.Options{TTL: map[string]time.Duration{"agents": time.Minute}})
	p, _ := testPipeline(t, Options{Cache: c})

	var calls int32
	handler := func(ctx context.Context, r *Request) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewUpstreamError(502, "bad gateway", nil)
	}

	p.Execute(context.Background(), getRequest(), handler)
	p.Execute(context.Background(), getRequest(), handler)

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("failed responses must not be cached; handler called %d times", n)
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	c := cache.New(cache.Options{TTL: map[string]time.Duration{"agents": time.Minute}})
	p, _ := testPipeline(t, Options{Cache: c})

	var calls int32
	release := make(chan struct{})
	handler := func(ctx context.Context, r *Request) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Result{Data: "shared"}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			p.Execute(context.Background(), getRequest(), handler)
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	// Give the goroutines a beat to coalesce on the in-flight key.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler called %d times for concurrent identical misses, want 1", got)
	}
}

func TestExecuteBinaryBypass(t *testing.T) {
	c := cache.New(cache.Options{})
	p, _ := testPipeline(t, Options{Cache: c})

	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/v1/export", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
		return &Result{Raw: payload, ContentType: "image/png"}, nil
	})

	if !bytes.Equal(resp.Body, payload) {
		t.Errorf("raw body altered: %v", resp.Body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if bytes.Contains(resp.Body, []byte("success")) {
		t.Error("binary payload must not be enveloped")
	}
}

func TestExecuteAuthFailure(t *testing.T) {
	p, _ := testPipeline(t, Options{
		Auth: func(ctx context.Context, req *Request) (*models.User, error) {
			return nil, errors.New("bad token")
		},
	})

	called := false
	resp := p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
		called = true
		return &Result{Data: "ok"}, nil
	})

	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Status)
	}
	if called {
		t.Error("handler ran despite failed authentication")
	}
}

func TestExecuteSingleLogRecord(t *testing.T) {
	c := cache.New(cache.Options{TTL: map[string]time.Duration{"agents": time.Minute}})
	p, buf := testPipeline(t, Options{Cache: c})

	handler := func(ctx context.Context, r *Request) (*Result, error) {
		return &Result{Data: "ok"}, nil
	}

	p.Execute(context.Background(), getRequest(), handler)
	p.Execute(context.Background(), getRequest(), handler)

	lines := strings.Count(strings.TrimSpace(buf.String()), "\n") + 1
	if lines != 2 {
		t.Errorf("got %d log records for 2 requests, want 2:\n%s", lines, buf.String())
	}

	var record map[string]any
	first := strings.SplitN(buf.String(), "\n", 2)[0]
	if err := json.Unmarshal([]byte(first), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	for _, key := range []string{"method", "path", "status", "duration_ms", "request_id"} {
		if _, ok := record[key]; !ok {
			t.Errorf("log record missing %q: %v", key, record)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize(nil) != nil {
		t.Error("nil error should normalize to nil")
	}

	perr := NewValidationError("bad", nil)
	if got := Normalize(perr); got != perr {
		t.Error("normalized error should pass through unchanged")
	}

	wrapped := Normalize(errors.New("boom"))
	if wrapped.Type != ErrorTypeUnknown || wrapped.Status != http.StatusInternalServerError {
		t.Errorf("wrapped = %+v", wrapped)
	}
	if !strings.Contains(wrapped.Error(), "boom") {
		t.Errorf("Error() should include the cause: %s", wrapped.Error())
	}
}

func TestExecuteEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	p, _ := testPipeline(t, Options{Tracer: observability.NewTracerFromProvider(provider)})

	p.Execute(context.Background(), getRequest(), func(ctx context.Context, r *Request) (*Result, error) {
		return &Result{Data: map[string]any{"ok": true}}, nil
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "pipeline.execute" {
		t.Errorf("span name = %q", span.Name)
	}
	var status int64
	for _, attr := range span.Attributes {
		if attr.Key == "http.status_code" {
			status = attr.Value.AsInt64()
		}
	}
	if status != http.StatusOK {
		t.Errorf("http.status_code = %d, want 200", status)
	}

	exporter.Reset()
	p.Execute(context.Background(), &Request{Method: "GET", Path: "/x", Header: http.Header{}}, func(ctx context.Context, r *Request) (*Result, error) {
		return nil, NewValidationError("bad input", nil)
	})
	spans = exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("failed request span status = %v, want Error", spans[0].Status.Code)
	}
}
