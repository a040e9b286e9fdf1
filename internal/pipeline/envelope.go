package pipeline

import (
	"encoding/json"
	"time"
)

// Version is stamped into every envelope's metadata block.
const Version = "1.0"

// Pagination is lifted out of payloads that carry the standard paging
// fields so clients read paging state from one place.
type Pagination struct {
	CurrentPage int `json:"current_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
	LastPage    int `json:"last_page"`
}

// Metadata accompanies every enveloped response.
type Metadata struct {
	Timestamp  time.Time   `json:"timestamp"`
	DurationMS int64       `json:"duration_ms"`
	Version    string      `json:"version"`
	RequestID  string      `json:"request_id"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// ErrorBody is the error block of a failure envelope.
type ErrorBody struct {
	Type    ErrorType      `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stack   string         `json:"stack,omitempty"`
}

// Envelope is the uniform JSON response shape. Exactly one of Data and
// Error is populated depending on Success.
type Envelope struct {
	Success  bool       `json:"success"`
	Status   int        `json:"status"`
	Message  string     `json:"message"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// Transformer builds response envelopes. Debug controls whether failure
// envelopes include stack traces and cause chains.
type Transformer struct {
	Debug bool
	now   func() time.Time
}

// NewTransformer returns a Transformer using the wall clock.
func NewTransformer(debug bool) *Transformer {
	return &Transformer{Debug: debug, now: time.Now}
}

// Success wraps a payload in a success envelope, lifting pagination fields
// into metadata when the payload carries them.
func (t *Transformer) Success(status int, message string, data any, requestID string, duration time.Duration) *Envelope {
	if message == "" {
		message = "ok"
	}
	env := &Envelope{
		Success: true,
		Status:  status,
		Message: message,
		Data:    data,
		Metadata: Metadata{
			Timestamp:  t.now().UTC(),
			DurationMS: duration.Milliseconds(),
			Version:    Version,
			RequestID:  requestID,
		},
	}
	env.Metadata.Pagination = liftPagination(data)
	return env
}

// Failure wraps a normalized error in a failure envelope. The raw cause is
// surfaced only in debug mode.
func (t *Transformer) Failure(perr *Error, requestID string, duration time.Duration, stack []byte) *Envelope {
	body := &ErrorBody{Type: perr.Type, Message: perr.Message, Details: perr.Details}
	if t.Debug {
		if perr.cause != nil {
			if body.Details == nil {
				body.Details = map[string]any{}
			}
			body.Details["cause"] = perr.cause.Error()
		}
		if len(stack) > 0 {
			body.Stack = string(stack)
		}
	}
	return &Envelope{
		Success: false,
		Status:  perr.Status,
		Message: perr.Message,
		Error:   body,
		Metadata: Metadata{
			Timestamp:  t.now().UTC(),
			DurationMS: duration.Milliseconds(),
			Version:    Version,
			RequestID:  requestID,
		},
	}
}

// liftPagination extracts the standard paging fields from a payload map.
// All four fields must be present and numeric for the lift to happen.
func liftPagination(data any) *Pagination {
	m, ok := asMap(data)
	if !ok {
		return nil
	}
	current, ok1 := asInt(m["current_page"])
	per, ok2 := asInt(m["per_page"])
	total, ok3 := asInt(m["total"])
	last, ok4 := asInt(m["last_page"])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil
	}
	return &Pagination{CurrentPage: current, PerPage: per, Total: total, LastPage: last}
}

func asMap(data any) (map[string]any, bool) {
	switch v := data.(type) {
	case map[string]any:
		return v, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, false
		}
		return m, true
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
