package agent

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/conduit-ai/conduit/internal/events"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/upstream"
	"github.com/conduit-ai/conduit/pkg/models"
)

func testRuntime(t *testing.T, fake *upstream.FakeClient) (*Runtime, *storage.StoreSet, *events.Bus) {
	t.Helper()
	stores := storage.NewMemoryStores()
	logger := observability.NewLogger(observability.LogConfig{Output: &bytes.Buffer{}})
	bus := events.NewBus(stores.Events, logger)
	r, err := NewRuntime(Options{Stores: stores, Upstream: fake, Bus: bus, Logger: logger})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return r, stores, bus
}

func registeredAgent(t *testing.T, r *Runtime) *models.Agent {
	t.Helper()
	a, err := r.Register(context.Background(), "research", []string{"analysis"}, map[string]any{"model": "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return a
}

func TestHandleTaskCompletes(t *testing.T) {
	fake := &upstream.FakeClient{Reply: "the answer"}
	r, stores, _ := testRuntime(t, fake)
	a := registeredAgent(t, r)

	task := &models.Task{
		Type:    models.TaskAnalysis,
		Context: map[string]any{"input": "quarterly numbers"},
	}
	done, err := r.HandleTask(context.Background(), a.ID, task)
	if err != nil {
		t.Fatalf("handle task: %v", err)
	}
	if done.Status != models.TaskCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if done.Result["analysis"] != "the answer" {
		t.Errorf("result = %v", done.Result)
	}

	// The record is observable by polling the store.
	stored, err := stores.Tasks.Get(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.Status != models.TaskCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}

	// Agent is idle again after the task.
	got, _ := r.Get(context.Background(), a.ID)
	if got.Status != models.AgentIdle {
		t.Errorf("agent status = %s, want idle", got.Status)
	}
}

func TestHandleTaskSchemaValidation(t *testing.T) {
	r, _, _ := testRuntime(t, &upstream.FakeClient{})
	a := registeredAgent(t, r)

	tests := []struct {
		name string
		task *models.Task
	}{
		{"missing required field", &models.Task{Type: models.TaskAnalysis, Context: map[string]any{}}},
		{"wrong field type", &models.Task{Type: models.TaskGeneration, Context: map[string]any{"prompt": 42}}},
		{"empty required string", &models.Task{Type: models.TaskReview, Context: map[string]any{"content": ""}}},
		{"conversion without target", &models.Task{Type: models.TaskConversion, Context: map[string]any{"content": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.HandleTask(context.Background(), a.ID, tt.task)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestHandleTaskUnknownType(t *testing.T) {
	r, _, _ := testRuntime(t, &upstream.FakeClient{})
	a := registeredAgent(t, r)

	_, err := r.HandleTask(context.Background(), a.ID, &models.Task{Type: "demolition", Context: map[string]any{}})
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("err = %v, want ErrUnknownTaskType", err)
	}
}

func TestHandleTaskFailurePropagates(t *testing.T) {
	boom := errors.New("model unavailable")
	fake := &upstream.FakeClient{Err: boom}
	r, _, bus := testRuntime(t, fake)
	a := registeredAgent(t, r)

	var failed, agentErrors int
	bus.Subscribe(events.HandlerFunc(func(ctx context.Context, e *models.Event) { failed++ }), models.EventTaskFailed)
	bus.Subscribe(events.HandlerFunc(func(ctx context.Context, e *models.Event) { agentErrors++ }), models.EventAgentError)

	task := &models.Task{Type: models.TaskGeneration, Context: map[string]any{"prompt": "write a poem"}}
	done, err := r.HandleTask(context.Background(), a.ID, task)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the handler error to propagate", err)
	}
	if done == nil || done.Status != models.TaskFailed {
		t.Errorf("task = %+v, want failed", done)
	}
	if done.Error == "" {
		t.Error("task record missing error text")
	}
	if failed != 1 || agentErrors != 1 {
		t.Errorf("events: task.failed=%d agent.error=%d, want 1 each", failed, agentErrors)
	}

	// The failure leaves the agent usable.
	got, _ := r.Get(context.Background(), a.ID)
	if got.Status != models.AgentIdle {
		t.Errorf("agent status = %s, want idle", got.Status)
	}
}

func TestPausedAgentRejectsWork(t *testing.T) {
	r, _, _ := testRuntime(t, &upstream.FakeClient{Reply: "hi"})
	a := registeredAgent(t, r)

	if err := r.Pause(context.Background(), a.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	task := &models.Task{Type: models.TaskAnalysis, Context: map[string]any{"input": "x"}}
	if _, err := r.HandleTask(context.Background(), a.ID, task); !errors.Is(err, ErrAgentPaused) {
		t.Errorf("task err = %v, want ErrAgentPaused", err)
	}
	if _, err := r.HandleMessage(context.Background(), a.ID, models.IntentQuestion, "hello?"); !errors.Is(err, ErrAgentPaused) {
		t.Errorf("message err = %v, want ErrAgentPaused", err)
	}

	if err := r.Resume(context.Background(), a.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := r.HandleTask(context.Background(), a.ID, task); err != nil {
		t.Errorf("task after resume: %v", err)
	}
}

func TestPauseResumeStateChecks(t *testing.T) {
	r, _, _ := testRuntime(t, &upstream.FakeClient{})
	a := registeredAgent(t, r)

	if err := r.Resume(context.Background(), a.ID); err == nil {
		t.Error("resume of an idle agent should fail")
	}
	if err := r.Pause(context.Background(), a.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := r.Pause(context.Background(), a.ID); err == nil {
		t.Error("second pause should fail")
	}
}

func TestHandleMessageIntents(t *testing.T) {
	fake := &upstream.FakeClient{Reply: "42"}
	r, _, _ := testRuntime(t, fake)
	a := registeredAgent(t, r)
	ctx := context.Background()

	answer, err := r.HandleMessage(ctx, a.ID, models.IntentQuestion, "meaning of life?")
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if answer != "42" {
		t.Errorf("answer = %q", answer)
	}

	if _, err := r.HandleMessage(ctx, a.ID, models.IntentInstruction, "be brief"); err != nil {
		t.Fatalf("instruction: %v", err)
	}
	if _, err := r.HandleMessage(ctx, a.ID, models.IntentFeedback, "too verbose"); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	got, _ := r.Get(ctx, a.ID)
	if list, _ := got.State["instructions"].([]any); len(list) != 1 {
		t.Errorf("instructions = %v", got.State["instructions"])
	}
	if list, _ := got.State["feedback"].([]any); len(list) != 1 {
		t.Errorf("feedback = %v", got.State["feedback"])
	}

	if _, err := r.HandleMessage(ctx, a.ID, models.MessageIntent("gossip"), "psst"); !errors.Is(err, ErrUnknownIntent) {
		t.Errorf("err = %v, want ErrUnknownIntent", err)
	}
}

func TestTrainAppendOnly(t *testing.T) {
	r, _, _ := testRuntime(t, &upstream.FakeClient{})
	a := registeredAgent(t, r)
	ctx := context.Background()

	first := []models.TrainingData{{Type: "doc", Content: "alpha"}}
	second := []models.TrainingData{{Type: "doc", Content: "beta"}, {Type: "faq", Content: "gamma"}}

	if err := r.Train(ctx, a.ID, first); err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := r.Train(ctx, a.ID, second); err != nil {
		t.Fatalf("train: %v", err)
	}

	got, _ := r.Get(ctx, a.ID)
	corpus, _ := got.State["training_corpus"].([]any)
	if len(corpus) != 3 {
		t.Fatalf("corpus size = %d, want 3 (append-only)", len(corpus))
	}
	entry, _ := corpus[0].(map[string]any)
	if entry["content"] != "alpha" {
		t.Errorf("earliest entry = %v, want untouched", entry)
	}
}

func TestSystemPromptFromConfig(t *testing.T) {
	fake := &upstream.FakeClient{Reply: "ok"}
	r, _, _ := testRuntime(t, fake)

	a, err := r.Register(context.Background(), "support", nil, map[string]any{"system_prompt": "You are terse."})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.HandleMessage(context.Background(), a.ID, models.IntentQuestion, "hi"); err != nil {
		t.Fatalf("question: %v", err)
	}

	reqs := fake.Requests()
	if len(reqs) != 1 || reqs[0].System != "You are terse." {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestUpdateConfigEmitsEvent(t *testing.T) {
	r, _, bus := testRuntime(t, &upstream.FakeClient{})
	a := registeredAgent(t, r)

	var updated int
	bus.Subscribe(events.HandlerFunc(func(ctx context.Context, e *models.Event) { updated++ }), models.EventAgentUpdated)

	if _, err := r.UpdateConfig(context.Background(), a.ID, map[string]any{"model": "claude-opus-4-20250514"}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if updated != 1 {
		t.Errorf("agent.updated events = %d, want 1", updated)
	}
}
