package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/conduit-ai/conduit/internal/cache"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/ratelimit"
	"github.com/conduit-ai/conduit/pkg/models"
)

// Request is the explicit per-request context threaded through the stages.
// Handlers receive it instead of reaching into ambient request state.
type Request struct {
	ID         string
	Method     string
	Path       string
	Route      string
	Params     map[string]string
	Header     http.Header
	Body       []byte
	RemoteAddr string

	// Idempotent marks the request as cacheable. Category selects the TTL
	// bucket and Tags index the stored entry for invalidation.
	Idempotent bool
	Category   string
	Tags       []string

	// User is populated by the authentication stage.
	User *models.User

	Received time.Time
}

// Identity returns the rate-limit identity for the request: the
// authenticated user ID, or the remote address for anonymous callers.
func (r *Request) Identity() string {
	if r.User != nil && r.User.ID != "" {
		return r.User.ID
	}
	return r.RemoteAddr
}

// Tier returns the rate-limit tier for the request.
func (r *Request) Tier() string {
	if r.User != nil && r.User.Tier != "" {
		return r.User.Tier
	}
	return "default"
}

// Result is what handlers produce. Data is enveloped and cached; Raw
// payloads bypass both the envelope and the cache.
type Result struct {
	Status      int
	Message     string
	Data        any
	Header      http.Header
	Raw         []byte
	ContentType string
}

// Handler is the innermost stage of the pipeline.
type Handler func(ctx context.Context, req *Request) (*Result, error)

// AuthFunc resolves the caller identity. A nil user with a nil error means
// the caller is anonymous.
type AuthFunc func(ctx context.Context, req *Request) (*models.User, error)

// Response is the fully materialized response the transport writes out.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// cachedResult is the serialized form stored in the response cache.
type cachedResult struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Pipeline runs each request through authentication, rate limiting, cache
// lookup, the handler, cache store, logging, and envelope transformation,
// in that order. Every error escaping a stage is normalized; the pipeline
// never returns a raw error to the transport.
type Pipeline struct {
	auth        AuthFunc
	limiter     *ratelimit.Limiter
	cache       *cache.Cache
	transformer *Transformer
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	group       singleflight.Group
	now         func() time.Time
}

// Options configures a Pipeline. Auth, Cache, and Metrics may be nil, which
// disables the corresponding stage.
type Options struct {
	Auth        AuthFunc
	Limiter     *ratelimit.Limiter
	Cache       *cache.Cache
	Transformer *Transformer
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
}

// New assembles a Pipeline from its stages.
func New(opts Options) *Pipeline {
	t := opts.Transformer
	if t == nil {
		t = NewTransformer(false)
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Pipeline{
		auth:        opts.Auth,
		limiter:     opts.Limiter,
		cache:       opts.Cache,
		transformer: t,
		logger:      logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         time.Now,
	}
}

// Execute runs a request through all stages and materializes the response.
func (p *Pipeline) Execute(ctx context.Context, req *Request, handler Handler) *Response {
	start := p.now()
	if req.Received.IsZero() {
		req.Received = start
	}
	if req.ID == "" {
		if id := req.Header.Get("X-Request-ID"); id != "" {
			req.ID = id
		} else {
			req.ID = uuid.NewString()
		}
	}
	ctx = observability.AddRequestID(ctx, req.ID)

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "pipeline.execute",
			attribute.String("http.method", req.Method),
			attribute.String("http.route", req.Route),
			attribute.String("request.id", req.ID),
		)
		defer span.End()
	}

	header := http.Header{}
	header.Set("X-Request-ID", req.ID)

	result, rlResult, cacheState, err := p.run(ctx, req, handler)

	if rlResult != nil {
		header.Set("X-RateLimit-Limit", strconv.Itoa(rlResult.Limit))
		header.Set("X-RateLimit-Remaining", strconv.Itoa(rlResult.Remaining))
		header.Set("X-RateLimit-Reset", strconv.FormatInt(rlResult.Reset.Unix(), 10))
	}
	if cacheState != "" {
		header.Set("X-Cache", cacheState)
	}

	duration := p.now().Sub(start)

	var resp *Response
	if err != nil {
		perr := Normalize(err)
		if perr.RetryAfter > 0 {
			header.Set("Retry-After", strconv.FormatInt(int64(perr.RetryAfter.Seconds()+0.5), 10))
		}
		var stack []byte
		var ppanic *panicError
		if errors.As(err, &ppanic) {
			stack = ppanic.stack
		}
		env := p.transformer.Failure(perr, req.ID, duration, stack)
		body, _ := json.Marshal(env)
		header.Set("Content-Type", "application/json")
		resp = &Response{Status: perr.Status, Header: header, Body: body}
	} else if result.Raw != nil {
		if result.ContentType != "" {
			header.Set("Content-Type", result.ContentType)
		}
		mergeHeader(header, result.Header)
		status := result.Status
		if status == 0 {
			status = http.StatusOK
		}
		resp = &Response{Status: status, Header: header, Body: result.Raw}
	} else {
		status := result.Status
		if status == 0 {
			status = http.StatusOK
		}
		env := p.transformer.Success(status, result.Message, result.Data, req.ID, duration)
		body, _ := json.Marshal(env)
		mergeHeader(header, result.Header)
		header.Set("Content-Type", "application/json")
		resp = &Response{Status: status, Header: header, Body: body}
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("http.status_code", resp.Status),
			attribute.String("cache.state", cacheState),
		)
		observability.RecordError(span, err)
	}

	p.record(ctx, req, resp.Status, duration, cacheState, err)
	return resp
}

// run executes the inner stages and reports the handler outcome, the
// rate-limit accounting for headers, and the cache disposition.
func (p *Pipeline) run(ctx context.Context, req *Request, handler Handler) (result *Result, rl *ratelimit.Result, cacheState string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	if p.auth != nil {
		user, aerr := p.auth(ctx, req)
		if aerr != nil {
			return nil, nil, "", NewUnauthorizedError("invalid credentials")
		}
		req.User = user
	}
	if req.User != nil {
		ctx = observability.AddUserID(ctx, req.User.ID)
	}

	if p.limiter != nil {
		res, lerr := p.limiter.Check(req.Identity(), req.Tier())
		rl = &res
		if lerr != nil {
			if p.metrics != nil {
				p.metrics.RateLimitRejections.WithLabelValues(req.Tier()).Inc()
			}
			return nil, rl, "", NewRateLimitError(res)
		}
	}

	cacheable := req.Idempotent && p.cache != nil && req.Category != ""
	if !cacheable {
		result, err = handler(ctx, req)
		return result, rl, "bypass", err
	}

	key := p.cache.Key(req.Method, req.Path, req.Params, req.Identity())
	if entry, ok := p.cache.Lookup(key); ok {
		result, err = replay(&entry)
		if err == nil {
			p.countCache("hit")
			return result, rl, "hit", nil
		}
		// Fall through to the handler when the stored payload is unreadable.
	}

	// Concurrent misses for the same key share one handler invocation.
	v, err, _ := p.group.Do(key, func() (any, error) {
		res, herr := handler(ctx, req)
		if herr != nil {
			return nil, herr
		}
		p.store(key, req, res)
		return res, nil
	})
	if err != nil {
		return nil, rl, "miss", err
	}
	p.countCache("miss")
	return v.(*Result), rl, "miss", nil
}

// store writes a successful, non-raw handler result into the cache.
func (p *Pipeline) store(key string, req *Request, res *Result) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if res.Raw != nil || status >= 400 {
		return
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		return
	}
	body, err := json.Marshal(cachedResult{Message: res.Message, Data: data})
	if err != nil {
		return
	}
	p.cache.Store(key, cache.Entry{
		Status: status,
		Body:   body,
		Header: res.Header,
	}, p.cache.TTLFor(req.Category), req.Tags)
}

// replay reconstructs a handler result from a cache entry.
func replay(entry *cache.Entry) (*Result, error) {
	var cr cachedResult
	if err := json.Unmarshal(entry.Body, &cr); err != nil {
		return nil, err
	}
	var data any
	if len(cr.Data) > 0 {
		if err := json.Unmarshal(cr.Data, &data); err != nil {
			return nil, err
		}
	}
	return &Result{Status: entry.Status, Message: cr.Message, Data: data, Header: entry.Header}, nil
}

// record emits the single log line and metrics for the request.
func (p *Pipeline) record(ctx context.Context, req *Request, status int, duration time.Duration, cacheState string, err error) {
	fields := []any{
		"method", req.Method,
		"path", req.Path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	}
	if cacheState != "" {
		fields = append(fields, "cache", cacheState)
	}
	if req.User != nil {
		fields = append(fields, "user_id", req.User.ID)
	}

	switch {
	case status >= 500:
		if err != nil {
			fields = append(fields, "error", err.Error())
		}
		p.logger.Error(ctx, "request failed", fields...)
	case status >= 400:
		if err != nil {
			fields = append(fields, "error", err.Error())
		}
		p.logger.Warn(ctx, "request rejected", fields...)
	default:
		p.logger.Info(ctx, "request completed", fields...)
	}

	if p.metrics != nil {
		route := req.Route
		if route == "" {
			route = req.Path
		}
		code := strconv.Itoa(status)
		p.metrics.RequestCounter.WithLabelValues(route, code).Inc()
		p.metrics.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
		if err != nil {
			p.metrics.ErrorCounter.WithLabelValues(string(Normalize(err).Type)).Inc()
		}
	}
}

func (p *Pipeline) countCache(state string) {
	if p.metrics != nil {
		p.metrics.CacheCounter.WithLabelValues(state).Inc()
	}
}

func mergeHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// panicError wraps a recovered panic so the stack survives normalization.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return "panic: " + stringifyPanic(e.value)
}

func stringifyPanic(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case error:
		return s.Error()
	default:
		return "unexpected failure"
	}
}
