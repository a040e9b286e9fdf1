// Package agent implements the task-processing runtime. Agents move
// between idle and busy around each task; a paused agent accepts no work.
// Task dispatch is typed: each task type has a JSON Schema for its context
// and a dedicated handler, and unknown types are rejected before dispatch.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conduit-ai/conduit/internal/events"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/upstream"
	"github.com/conduit-ai/conduit/pkg/models"
)

var (
	// ErrAgentPaused reports a task or message sent to a paused agent.
	ErrAgentPaused = errors.New("agent is paused")

	// ErrAgentBusy reports a pause attempt while a task is running.
	ErrAgentBusy = errors.New("agent is busy")

	// ErrUnknownTaskType reports a task type outside the dispatch table.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrUnknownIntent reports a message intent outside the dispatch table.
	ErrUnknownIntent = errors.New("unknown message intent")
)

// ValidationError reports a task context that failed schema validation.
type ValidationError struct {
	TaskType models.TaskType
	Cause    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s task context: %v", e.TaskType, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// TaskHandler executes one task and returns its result payload.
type TaskHandler func(ctx context.Context, agent *models.Agent, task *models.Task) (map[string]any, error)

// Runtime dispatches tasks and messages to agents.
type Runtime struct {
	agents   storage.AgentStore
	tasks    storage.TaskStore
	upstream upstream.Client
	bus      *events.Bus
	logger   *observability.Logger
	metrics  *observability.Metrics
	schemas  map[models.TaskType]*jsonschema.Schema
	handlers map[models.TaskType]TaskHandler
	now      func() time.Time
}

// Options configures a Runtime. Metrics may be nil. Handlers defaults to
// the built-in table backed by the upstream client.
type Options struct {
	Stores   *storage.StoreSet
	Upstream upstream.Client
	Bus      *events.Bus
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Handlers map[models.TaskType]TaskHandler
}

// NewRuntime creates a Runtime and compiles the task schemas.
func NewRuntime(opts Options) (*Runtime, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	r := &Runtime{
		agents:   opts.Stores.Agents,
		tasks:    opts.Stores.Tasks,
		upstream: opts.Upstream,
		bus:      opts.Bus,
		logger:   logger,
		metrics:  opts.Metrics,
		schemas:  schemas,
		handlers: opts.Handlers,
		now:      time.Now,
	}
	if r.handlers == nil {
		r.handlers = map[models.TaskType]TaskHandler{
			models.TaskAnalysis:   r.runAnalysis,
			models.TaskGeneration: r.runGeneration,
			models.TaskReview:     r.runReview,
			models.TaskConversion: r.runConversion,
		}
	}
	return r, nil
}

// Register creates a new agent in the idle state.
func (r *Runtime) Register(ctx context.Context, agentType string, capabilities []string, config map[string]any) (*models.Agent, error) {
	agent := &models.Agent{
		ID:           uuid.NewString(),
		Type:         agentType,
		Capabilities: capabilities,
		Config:       config,
		State:        map[string]any{},
		Status:       models.AgentIdle,
	}
	if err := r.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	r.emit(ctx, agent.ID, models.EventAgentUpdated, map[string]any{"type": agentType})
	return agent, nil
}

// Get returns an agent by ID.
func (r *Runtime) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	return r.agents.Get(ctx, agentID)
}

// GetTask returns a task record by ID. Callers poll this to observe
// progress and completion.
func (r *Runtime) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return r.tasks.Get(ctx, taskID)
}

// ValidateTask checks the task type against the dispatch table and its
// context against the type's schema.
func (r *Runtime) ValidateTask(task *models.Task) error {
	schema, ok := r.schemas[task.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}
	if _, ok := r.handlers[task.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}
	doc := task.Context
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{TaskType: task.Type, Cause: err}
	}
	return nil
}

// HandleTask validates, dispatches, and records one task. The agent is
// busy for the duration and returns to idle afterward, success or not.
// Handler errors are recorded on the task and propagated to the caller.
func (r *Runtime) HandleTask(ctx context.Context, agentID string, task *models.Task) (*models.Task, error) {
	ctx = observability.AddAgentID(ctx, agentID)

	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if agent.Status == models.AgentPaused {
		return nil, ErrAgentPaused
	}

	if err := r.ValidateTask(task); err != nil {
		return nil, err
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.AgentID = agentID
	task.Status = models.TaskRunning
	task.Progress = 0
	// Tasks queued ahead of dispatch already have a pending record.
	if err := r.tasks.Create(ctx, task); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("create task: %w", err)
		}
		if err := r.tasks.Update(ctx, task); err != nil {
			return nil, fmt.Errorf("mark task running: %w", err)
		}
	}

	agent.Status = models.AgentBusy
	if err := r.agents.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("mark agent busy: %w", err)
	}
	r.emit(ctx, agentID, models.EventTaskStarted, map[string]any{
		"task_id": task.ID,
		"type":    string(task.Type),
	})

	result, handlerErr := r.handlers[task.Type](ctx, agent, task)

	// The agent goes back to idle regardless of the task outcome.
	agent.Status = models.AgentIdle
	if err := r.agents.Update(ctx, agent); err != nil {
		r.logger.Warn(ctx, "failed to mark agent idle", "error", err)
	}

	if handlerErr != nil {
		task.Status = models.TaskFailed
		task.Error = handlerErr.Error()
		if err := r.tasks.Update(ctx, task); err != nil {
			r.logger.Warn(ctx, "failed to record task failure", "error", err)
		}
		r.fail(ctx, agentID, task, handlerErr)
		return task, handlerErr
	}

	task.Status = models.TaskCompleted
	task.Progress = 100
	task.Result = result
	if err := r.tasks.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("record task result: %w", err)
	}

	r.emit(ctx, agentID, models.EventTaskCompleted, map[string]any{
		"task_id": task.ID,
		"type":    string(task.Type),
	})
	if r.metrics != nil {
		r.metrics.TaskCounter.WithLabelValues(string(task.Type), "completed").Inc()
	}
	r.logger.Info(ctx, "task completed", "task_id", task.ID, "type", string(task.Type))
	return task, nil
}

// HandleMessage dispatches a direct message to the agent by intent.
func (r *Runtime) HandleMessage(ctx context.Context, agentID string, intent models.MessageIntent, content string) (string, error) {
	ctx = observability.AddAgentID(ctx, agentID)

	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if agent.Status == models.AgentPaused {
		return "", ErrAgentPaused
	}

	switch intent {
	case models.IntentQuestion:
		if r.upstream == nil {
			return "", errors.New("no upstream client configured")
		}
		completion, err := r.upstream.Complete(ctx, upstream.CompletionRequest{
			System: r.systemPrompt(agent),
			Prompt: content,
		})
		if err != nil {
			r.fail(ctx, agentID, nil, err)
			return "", err
		}
		return completion.Text, nil

	case models.IntentInstruction:
		appendState(agent, "instructions", content)
		if err := r.agents.Update(ctx, agent); err != nil {
			return "", fmt.Errorf("store instruction: %w", err)
		}
		r.emit(ctx, agentID, models.EventAgentUpdated, map[string]any{"intent": "instruction"})
		return "instruction recorded", nil

	case models.IntentFeedback:
		appendState(agent, "feedback", content)
		if err := r.agents.Update(ctx, agent); err != nil {
			return "", fmt.Errorf("store feedback: %w", err)
		}
		return "feedback recorded", nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownIntent, intent)
}

// Train ingests training material. Ingestion is append-only: material is
// stored on the agent state and never rewrites earlier entries, and it does
// not alter behavior within the current process run.
func (r *Runtime) Train(ctx context.Context, agentID string, data []models.TrainingData) error {
	ctx = observability.AddAgentID(ctx, agentID)

	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}

	if agent.State == nil {
		agent.State = map[string]any{}
	}
	corpus, _ := agent.State["training_corpus"].([]any)
	for _, d := range data {
		corpus = append(corpus, map[string]any{
			"type":        d.Type,
			"content":     d.Content,
			"meta":        d.Meta,
			"ingested_at": r.now().UTC().Format(time.RFC3339),
		})
	}
	agent.State["training_corpus"] = corpus

	if err := r.agents.Update(ctx, agent); err != nil {
		return fmt.Errorf("store training data: %w", err)
	}
	r.emit(ctx, agentID, models.EventAgentTrained, map[string]any{"items": len(data)})
	r.logger.Info(ctx, "agent trained", "items", len(data))
	return nil
}

// Pause stops the agent from accepting tasks and messages. A busy agent
// cannot be paused mid-task.
func (r *Runtime) Pause(ctx context.Context, agentID string) error {
	return r.setStatus(ctx, agentID, models.AgentIdle, models.AgentPaused, models.EventAgentPaused)
}

// Resume returns a paused agent to idle.
func (r *Runtime) Resume(ctx context.Context, agentID string) error {
	return r.setStatus(ctx, agentID, models.AgentPaused, models.AgentIdle, models.EventAgentResumed)
}

func (r *Runtime) setStatus(ctx context.Context, agentID string, from, to models.AgentStatus, event models.EventType) error {
	ctx = observability.AddAgentID(ctx, agentID)

	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if agent.Status == models.AgentBusy {
		return ErrAgentBusy
	}
	if agent.Status != from {
		return fmt.Errorf("agent is %s, not %s", agent.Status, from)
	}
	agent.Status = to
	if err := r.agents.Update(ctx, agent); err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	r.emit(ctx, agentID, event, nil)
	return nil
}

// UpdateConfig replaces the agent's configuration and announces the change
// so listeners (the cache invalidator among them) can react.
func (r *Runtime) UpdateConfig(ctx context.Context, agentID string, config map[string]any) (*models.Agent, error) {
	agent, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	agent.Config = config
	if err := r.agents.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent config: %w", err)
	}
	r.emit(ctx, agentID, models.EventAgentUpdated, map[string]any{"fields": "config"})
	return agent, nil
}

func (r *Runtime) runAnalysis(ctx context.Context, agent *models.Agent, task *models.Task) (map[string]any, error) {
	input, _ := task.Context["input"].(string)
	prompt := "Analyze the following:\n\n" + input
	if focus, ok := task.Context["focus"].(string); ok && focus != "" {
		prompt += "\n\nFocus on: " + focus
	}
	completion, err := r.complete(ctx, agent, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"analysis": completion.Text, "model": completion.Model}, nil
}

func (r *Runtime) runGeneration(ctx context.Context, agent *models.Agent, task *models.Task) (map[string]any, error) {
	prompt, _ := task.Context["prompt"].(string)
	completion, err := r.complete(ctx, agent, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": completion.Text, "model": completion.Model}, nil
}

func (r *Runtime) runReview(ctx context.Context, agent *models.Agent, task *models.Task) (map[string]any, error) {
	content, _ := task.Context["content"].(string)
	prompt := "Review the following:\n\n" + content
	if raw, ok := task.Context["criteria"].([]any); ok && len(raw) > 0 {
		criteria := make([]string, 0, len(raw))
		for _, c := range raw {
			if s, ok := c.(string); ok {
				criteria = append(criteria, "- "+s)
			}
		}
		prompt += "\n\nCriteria:\n" + strings.Join(criteria, "\n")
	}
	completion, err := r.complete(ctx, agent, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"review": completion.Text, "model": completion.Model}, nil
}

func (r *Runtime) runConversion(ctx context.Context, agent *models.Agent, task *models.Task) (map[string]any, error) {
	content, _ := task.Context["content"].(string)
	to, _ := task.Context["to"].(string)
	prompt := "Convert the following to " + to
	if from, ok := task.Context["from"].(string); ok && from != "" {
		prompt = "Convert the following from " + from + " to " + to
	}
	prompt += ":\n\n" + content
	completion, err := r.complete(ctx, agent, prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"converted": completion.Text, "model": completion.Model}, nil
}

func (r *Runtime) complete(ctx context.Context, agent *models.Agent, prompt string) (*upstream.Completion, error) {
	if r.upstream == nil {
		return nil, errors.New("no upstream client configured")
	}
	model, _ := agent.Config["model"].(string)
	return r.upstream.Complete(ctx, upstream.CompletionRequest{
		Model:  model,
		System: r.systemPrompt(agent),
		Prompt: prompt,
	})
}

// systemPrompt builds the agent's system prompt from its configuration,
// preferring an explicit prompt over the type-derived default.
func (r *Runtime) systemPrompt(agent *models.Agent) string {
	if prompt, ok := agent.Config["system_prompt"].(string); ok && prompt != "" {
		return prompt
	}
	return "You are a " + agent.Type + " agent."
}

// fail logs the failure with the agent's state, emits the error events,
// and counts it. The caller propagates the original error.
func (r *Runtime) fail(ctx context.Context, agentID string, task *models.Task, err error) {
	fields := []any{"error", err.Error()}
	payload := map[string]any{"error": err.Error()}
	if task != nil {
		fields = append(fields, "task_id", task.ID, "task_type", string(task.Type))
		payload["task_id"] = task.ID
		r.emit(ctx, agentID, models.EventTaskFailed, payload)
		if r.metrics != nil {
			r.metrics.TaskCounter.WithLabelValues(string(task.Type), "failed").Inc()
		}
	}
	r.logger.Error(ctx, "agent operation failed", fields...)
	r.emit(ctx, agentID, models.EventAgentError, payload)
}

func (r *Runtime) emit(ctx context.Context, agentID string, t models.EventType, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(ctx, &models.Event{
		ID:          uuid.NewString(),
		SubjectKind: models.SubjectAgent,
		SubjectID:   agentID,
		Type:        t,
		Payload:     payload,
		OccurredAt:  r.now(),
	})
}

func appendState(agent *models.Agent, key, value string) {
	if agent.State == nil {
		agent.State = map[string]any{}
	}
	list, _ := agent.State[key].([]any)
	agent.State[key] = append(list, value)
}
