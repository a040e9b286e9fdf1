// Package upstream wraps the Anthropic API behind a small completion
// interface so the rest of the system never touches the SDK directly.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conduit-ai/conduit/internal/config"
	"github.com/conduit-ai/conduit/internal/observability"
)

// APIError carries an upstream failure with the upstream's own status code
// and error type, so the pipeline can propagate both faithfully.
type APIError struct {
	Status    int
	Type      string
	Message   string
	RequestID string
	cause     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %d (%s): %s", e.Status, e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// Message is one turn of a multi-turn exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion round trip. Either Prompt or
// Messages carries the conversation; when both are set, Messages wins.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	Messages  []Message
	MaxTokens int64
}

// Completion is the model's reply plus usage accounting.
type Completion struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Client is the completion surface consumed by the agent runtime and the
// gateway message route.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// AnthropicClient is the production Client backed by the Anthropic SDK.
// Retries with backoff and request timeouts are delegated to the SDK.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// NewAnthropicClient builds a Client from the upstream configuration.
// A nil tracer disables span creation around upstream calls.
func NewAnthropicClient(cfg config.UpstreamConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("upstream: api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.ResponseTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.ResponseTimeout))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
				ForceAttemptHTTP2:   true,
			},
		}))
	}

	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
	}, nil
}

// Complete sends one prompt and returns the model's text reply.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var turns []anthropic.MessageParam
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			block := anthropic.NewTextBlock(m.Content)
			if m.Role == "assistant" {
				turns = append(turns, anthropic.NewAssistantMessage(block))
			} else {
				turns = append(turns, anthropic.NewUserMessage(block))
			}
		}
	} else {
		turns = []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  turns,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "upstream.complete",
			attribute.String("llm.model", model),
			attribute.Int64("llm.max_tokens", maxTokens),
		)
		defer span.End()
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamCounter.WithLabelValues(model, "error").Inc()
		}
		werr := wrapError(err)
		if span != nil {
			observability.RecordError(span, werr)
		}
		c.logger.Error(ctx, "upstream request failed",
			"model", model, "duration_ms", elapsed.Milliseconds(), "error", werr.Error())
		return nil, werr
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	if c.metrics != nil {
		c.metrics.UpstreamCounter.WithLabelValues(model, "success").Inc()
		c.metrics.UpstreamTokens.WithLabelValues(model, "input").Add(float64(msg.Usage.InputTokens))
		c.metrics.UpstreamTokens.WithLabelValues(model, "output").Add(float64(msg.Usage.OutputTokens))
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int64("llm.input_tokens", msg.Usage.InputTokens),
			attribute.Int64("llm.output_tokens", msg.Usage.OutputTokens),
		)
	}
	c.logger.Debug(ctx, "upstream request completed",
		"model", model,
		"duration_ms", elapsed.Milliseconds(),
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)

	return &Completion{
		Text:         text,
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

type errorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts an SDK error into an APIError, pulling the upstream's
// own error type and message out of the raw body when present.
func wrapError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &APIError{Status: 0, Type: "transport", Message: err.Error(), cause: err}
	}

	out := &APIError{
		Status:    apiErr.StatusCode,
		Type:      "api_error",
		Message:   "upstream request failed",
		RequestID: apiErr.RequestID,
		cause:     err,
	}
	if raw := apiErr.RawJSON(); raw != "" {
		var payload errorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Type != "" {
				out.Type = payload.Error.Type
			}
			if payload.Error.Message != "" {
				out.Message = payload.Error.Message
			}
			if payload.RequestID != "" {
				out.RequestID = payload.RequestID
			}
		}
	}
	return out
}
