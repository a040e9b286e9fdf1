package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/pipeline"
	"github.com/conduit-ai/conduit/internal/session"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/upstream"
	"github.com/conduit-ai/conduit/pkg/models"
)

// maxBodyBytes bounds request bodies read into memory.
const maxBodyBytes = 1 << 20

// routeSpec describes how a route interacts with the pipeline's cache
// stage. The route string is the metrics label, not the mux pattern.
type routeSpec struct {
	route      string
	idempotent bool
	category   string
	tags       []string
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Upstream proxy.
	mux.HandleFunc("POST /v1/messages", s.wrap(
		routeSpec{route: "/v1/messages"}, nil, s.handleUpstreamMessage))

	// Sessions.
	mux.HandleFunc("POST /v1/sessions", s.wrap(
		routeSpec{route: "/v1/sessions"}, nil, s.handleSessionCreate))
	mux.HandleFunc("GET /v1/sessions", s.wrap(
		routeSpec{route: "/v1/sessions", idempotent: true, category: "sessions", tags: []string{"sessions"}},
		nil, s.handleSessionList))
	mux.HandleFunc("GET /v1/sessions/{id}", s.wrap(
		routeSpec{route: "/v1/sessions/{id}", idempotent: true, category: "sessions", tags: []string{"sessions"}},
		[]string{"id"}, s.handleSessionGet))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.wrap(
		routeSpec{route: "/v1/sessions/{id}"}, []string{"id"}, s.handleSessionRetire))

	for _, transition := range []string{"start", "pause", "resume", "end"} {
		transition := transition
		mux.HandleFunc("POST /v1/sessions/{id}/"+transition, s.wrap(
			routeSpec{route: "/v1/sessions/{id}/" + transition}, []string{"id"},
			func(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
				return s.handleSessionTransition(ctx, req, transition)
			}))
	}

	mux.HandleFunc("POST /v1/sessions/{id}/participants", s.wrap(
		routeSpec{route: "/v1/sessions/{id}/participants"}, []string{"id"}, s.handleParticipantAdd))
	mux.HandleFunc("DELETE /v1/sessions/{id}/participants/{pid}", s.wrap(
		routeSpec{route: "/v1/sessions/{id}/participants/{pid}"}, []string{"id", "pid"}, s.handleParticipantRemove))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.wrap(
		routeSpec{route: "/v1/sessions/{id}/messages"}, []string{"id"}, s.handleMessageAdd))
	mux.HandleFunc("GET /v1/sessions/{id}/snapshot", s.wrap(
		routeSpec{route: "/v1/sessions/{id}/snapshot"}, []string{"id"}, s.handleSnapshot))
	mux.HandleFunc("POST /v1/sessions/{id}/restore", s.wrap(
		routeSpec{route: "/v1/sessions/{id}/restore"}, []string{"id"}, s.handleRestore))
	mux.HandleFunc("GET /v1/sessions/{id}/export", s.wrap(
		routeSpec{route: "/v1/sessions/{id}/export"}, []string{"id"}, s.handleExport))

	// Agents.
	mux.HandleFunc("POST /v1/agents", s.wrap(
		routeSpec{route: "/v1/agents"}, nil, s.handleAgentRegister))
	mux.HandleFunc("GET /v1/agents/{id}", s.wrap(
		routeSpec{route: "/v1/agents/{id}", idempotent: true, category: "agents", tags: []string{"agents"}},
		[]string{"id"}, s.handleAgentGet))
	mux.HandleFunc("PUT /v1/agents/{id}/config", s.wrap(
		routeSpec{route: "/v1/agents/{id}/config"}, []string{"id"}, s.handleAgentConfig))
	mux.HandleFunc("POST /v1/agents/{id}/pause", s.wrap(
		routeSpec{route: "/v1/agents/{id}/pause"}, []string{"id"}, s.handleAgentPause))
	mux.HandleFunc("POST /v1/agents/{id}/resume", s.wrap(
		routeSpec{route: "/v1/agents/{id}/resume"}, []string{"id"}, s.handleAgentResume))
	mux.HandleFunc("POST /v1/agents/{id}/train", s.wrap(
		routeSpec{route: "/v1/agents/{id}/train"}, []string{"id"}, s.handleAgentTrain))
	mux.HandleFunc("POST /v1/agents/{id}/messages", s.wrap(
		routeSpec{route: "/v1/agents/{id}/messages"}, []string{"id"}, s.handleAgentMessage))
	mux.HandleFunc("POST /v1/agents/{id}/tasks", s.wrap(
		routeSpec{route: "/v1/agents/{id}/tasks"}, []string{"id"}, s.handleTaskEnqueue))
	mux.HandleFunc("GET /v1/tasks/{id}", s.wrap(
		routeSpec{route: "/v1/tasks/{id}"}, []string{"id"}, s.handleTaskGet))

	// Prompts.
	mux.HandleFunc("PUT /v1/prompts/{role}", s.wrap(
		routeSpec{route: "/v1/prompts/{role}"}, []string{"role"}, s.handlePromptPut))
	mux.HandleFunc("GET /v1/prompts/{role}", s.wrap(
		routeSpec{route: "/v1/prompts/{role}"}, []string{"role"}, s.handlePromptBuild))
	mux.HandleFunc("POST /v1/prompts/{role}/records", s.wrap(
		routeSpec{route: "/v1/prompts/{role}/records"}, []string{"role"}, s.handlePromptRecord))
}

// wrap adapts a pipeline handler onto the HTTP mux: it lifts the request
// into the pipeline's explicit request object, runs the stages, and writes
// the materialized response.
func (s *Server) wrap(spec routeSpec, pathParams []string, h pipeline.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		params := make(map[string]string)
		query := r.URL.Query()
		for name := range query {
			params[name] = query.Get(name)
		}
		for _, name := range pathParams {
			params[name] = r.PathValue(name)
		}

		req := &pipeline.Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			Route:      spec.route,
			Params:     params,
			Header:     r.Header,
			Body:       body,
			RemoteAddr: remoteHost(r),
			Idempotent: spec.idempotent,
			Category:   spec.category,
			Tags:       spec.tags,
		}

		resp := s.pipeline.Execute(r.Context(), req, h)
		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decode unmarshals a JSON body, reporting a validation error on bad input.
func decode(req *pipeline.Request, into any) error {
	if len(req.Body) == 0 {
		return pipeline.NewValidationError("request body is required", nil)
	}
	if err := json.Unmarshal(req.Body, into); err != nil {
		return pipeline.NewValidationError("malformed JSON body", map[string]any{"cause": err.Error()})
	}
	return nil
}

// mapDomainErr converts domain sentinels into their pipeline taxonomy entry
// so transport codes stay consistent across routes.
func mapDomainErr(err error) error {
	if err == nil {
		return nil
	}

	var verr *agent.ValidationError
	switch {
	case errors.As(err, &verr):
		return pipeline.NewValidationError(verr.Error(), map[string]any{"task_type": string(verr.TaskType)})
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, agent.ErrAgentPaused),
		errors.Is(err, agent.ErrAgentBusy),
		errors.Is(err, agent.ErrUnknownTaskType),
		errors.Is(err, agent.ErrUnknownIntent):
		return pipeline.NewValidationError(err.Error(), nil)
	}
	return err
}

func (s *Server) handleUpstreamMessage(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Model     string             `json:"model"`
		System    string             `json:"system"`
		Prompt    string             `json:"prompt"`
		Messages  []upstream.Message `json:"messages"`
		MaxTokens int64              `json:"max_tokens"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Prompt == "" && len(in.Messages) == 0 {
		return nil, pipeline.NewValidationError("prompt or messages is required", map[string]any{"field": "messages"})
	}
	for i, m := range in.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, pipeline.NewValidationError("message role must be user or assistant",
				map[string]any{"field": fmt.Sprintf("messages[%d].role", i)})
		}
		if m.Content == "" {
			return nil, pipeline.NewValidationError("message content is required",
				map[string]any{"field": fmt.Sprintf("messages[%d].content", i)})
		}
	}
	if s.upstream == nil {
		return nil, pipeline.NewConfigurationError("no upstream client configured")
	}

	completion, err := s.upstream.Complete(ctx, upstream.CompletionRequest{
		Model:     in.Model,
		System:    in.System,
		Prompt:    in.Prompt,
		Messages:  in.Messages,
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	return &pipeline.Result{Data: map[string]any{
		"text":        completion.Text,
		"model":       completion.Model,
		"stop_reason": completion.StopReason,
		"usage": map[string]any{
			"input_tokens":  completion.InputTokens,
			"output_tokens": completion.OutputTokens,
		},
	}}, nil
}

func (s *Server) handleSessionCreate(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Type    string         `json:"type"`
		Context map[string]any `json:"context"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, pipeline.NewValidationError("type is required", map[string]any{"field": "type"})
	}

	created, err := s.orchestrator.Create(ctx, in.Type, in.Context)
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Status: http.StatusCreated, Message: "session created", Data: created}, nil
}

func (s *Server) handleSessionList(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	opts := storage.SessionListOptions{
		Status:         models.SessionStatus(req.Params["status"]),
		IncludeRetired: req.Params["include_retired"] == "true",
	}
	if raw := req.Params["limit"]; raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, pipeline.NewValidationError("limit must be a non-negative integer", map[string]any{"field": "limit"})
		}
		opts.Limit = limit
	}
	if raw := req.Params["offset"]; raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, pipeline.NewValidationError("offset must be a non-negative integer", map[string]any{"field": "offset"})
		}
		opts.Offset = offset
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, pipeline.NewValidationError("unknown status", map[string]any{"field": "status"})
	}

	listed, err := s.orchestrator.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: map[string]any{"sessions": listed, "count": len(listed)}}, nil
}

func (s *Server) handleSessionGet(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	got, err := s.orchestrator.Get(ctx, req.Params["id"])
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: got}, nil
}

func (s *Server) handleSessionRetire(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	if err := s.orchestrator.Retire(ctx, req.Params["id"]); err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "session retired"}, nil
}

func (s *Server) handleSessionTransition(ctx context.Context, req *pipeline.Request, transition string) (*pipeline.Result, error) {
	id := req.Params["id"]
	var (
		updated *models.Session
		err     error
	)
	switch transition {
	case "start":
		updated, err = s.orchestrator.Start(ctx, id)
	case "pause":
		updated, err = s.orchestrator.Pause(ctx, id)
	case "resume":
		updated, err = s.orchestrator.Resume(ctx, id)
	case "end":
		updated, err = s.orchestrator.End(ctx, id)
	}
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "session " + string(updated.Status), Data: updated}, nil
}

func (s *Server) handleParticipantAdd(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		ParticipantID string `json:"participant_id"`
		Kind          string `json:"kind"`
		Role          string `json:"role"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.ParticipantID == "" || in.Role == "" {
		return nil, pipeline.NewValidationError("participant_id and role are required", nil)
	}

	p, err := s.orchestrator.AddParticipant(ctx, req.Params["id"], in.ParticipantID, models.ParticipantKind(in.Kind), in.Role)
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Status: http.StatusCreated, Message: "participant joined", Data: p}, nil
}

func (s *Server) handleParticipantRemove(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	if err := s.orchestrator.RemoveParticipant(ctx, req.Params["id"], req.Params["pid"]); err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "participant left"}, nil
}

func (s *Server) handleMessageAdd(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		SenderID string `json:"sender_id"`
		Type     string `json:"type"`
		Content  string `json:"content"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	msgType := models.MessageType(in.Type)
	if in.Type == "" {
		msgType = models.MessageText
	}

	msg, err := s.orchestrator.AddMessage(ctx, req.Params["id"], in.SenderID, msgType, in.Content)
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Status: http.StatusCreated, Message: "message added", Data: msg}, nil
}

func (s *Server) handleSnapshot(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	snap, err := s.orchestrator.Snapshot(ctx, req.Params["id"])
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: snap}, nil
}

func (s *Server) handleRestore(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var snap models.Snapshot
	if err := decode(req, &snap); err != nil {
		return nil, err
	}
	if !snap.Status.Valid() {
		return nil, pipeline.NewValidationError("snapshot status is invalid", map[string]any{"field": "status"})
	}

	restored, err := s.orchestrator.Restore(ctx, req.Params["id"], &snap)
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "session restored", Data: restored}, nil
}

func (s *Server) handleExport(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	export, err := s.orchestrator.Export(ctx, req.Params["id"])
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: export}, nil
}

func (s *Server) handleAgentRegister(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Type         string         `json:"type"`
		Capabilities []string       `json:"capabilities"`
		Config       map[string]any `json:"config"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, pipeline.NewValidationError("type is required", map[string]any{"field": "type"})
	}

	registered, err := s.runtime.Register(ctx, in.Type, in.Capabilities, in.Config)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Status: http.StatusCreated, Message: "agent registered", Data: registered}, nil
}

func (s *Server) handleAgentGet(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	got, err := s.runtime.Get(ctx, req.Params["id"])
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: got}, nil
}

func (s *Server) handleAgentConfig(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Config map[string]any `json:"config"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	updated, err := s.runtime.UpdateConfig(ctx, req.Params["id"], in.Config)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Message: "config updated", Data: updated}, nil
}

func (s *Server) handleAgentPause(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	if err := s.runtime.Pause(ctx, req.Params["id"]); err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "agent paused"}, nil
}

func (s *Server) handleAgentResume(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	if err := s.runtime.Resume(ctx, req.Params["id"]); err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "agent resumed"}, nil
}

func (s *Server) handleAgentTrain(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Items []models.TrainingData `json:"items"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, pipeline.NewValidationError("items are required", map[string]any{"field": "items"})
	}

	if err := s.runtime.Train(ctx, req.Params["id"], in.Items); err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Message: "training data ingested", Data: map[string]any{"items": len(in.Items)}}, nil
}

func (s *Server) handleAgentMessage(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Intent  string `json:"intent"`
		Content string `json:"content"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	reply, err := s.runtime.HandleMessage(ctx, req.Params["id"], models.MessageIntent(in.Intent), in.Content)
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{Data: map[string]any{"reply": reply}}, nil
}

func (s *Server) handleTaskEnqueue(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Type        string         `json:"type"`
		Description string         `json:"description"`
		Context     map[string]any `json:"context"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	task := &models.Task{
		Type:        models.TaskType(in.Type),
		Description: in.Description,
		Context:     in.Context,
	}
	taskID, err := s.executor.Enqueue(ctx, req.Params["id"], task)
	if err != nil {
		return nil, mapDomainErr(err)
	}
	return &pipeline.Result{
		Status:  http.StatusAccepted,
		Message: "task accepted",
		Data:    map[string]any{"task_id": taskID},
	}, nil
}

func (s *Server) handleTaskGet(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	task, err := s.runtime.GetTask(ctx, req.Params["id"])
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: task}, nil
}

func (s *Server) handlePromptPut(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	if len(req.Body) == 0 {
		return nil, pipeline.NewValidationError("role configuration body is required", nil)
	}
	if err := s.assembler.PutRoleConfig(ctx, req.Params["role"], req.Body); err != nil {
		return nil, pipeline.NewValidationError(err.Error(), nil)
	}
	return &pipeline.Result{Message: "role configuration stored"}, nil
}

func (s *Server) handlePromptBuild(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	built, err := s.assembler.BuildPrompt(ctx, req.Params["role"])
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{Data: map[string]any{
		"role":   req.Params["role"],
		"prompt": built,
	}}, nil
}

func (s *Server) handlePromptRecord(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	var in struct {
		Output string  `json:"output"`
		Score  float64 `json:"score"`
	}
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	if err := s.assembler.RecordOutput(ctx, req.Params["role"], in.Output, in.Score); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, pipeline.NewValidationError(err.Error(), nil)
	}
	return &pipeline.Result{Status: http.StatusCreated, Message: "output recorded"}, nil
}
