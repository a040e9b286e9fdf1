package tasks

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/events"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/upstream"
	"github.com/conduit-ai/conduit/pkg/models"
)

func testExecutor(t *testing.T, fake *upstream.FakeClient, config ExecutorConfig) (*Executor, *storage.StoreSet, string) {
	t.Helper()
	stores := storage.NewMemoryStores()
	logger := observability.NewLogger(observability.LogConfig{Output: &bytes.Buffer{}})
	bus := events.NewBus(stores.Events, logger)
	runtime, err := agent.NewRuntime(agent.Options{Stores: stores, Upstream: fake, Bus: bus, Logger: logger})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	a, err := runtime.Register(context.Background(), "worker", nil, nil)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return NewExecutor(runtime, stores.Tasks, logger, config), stores, a.ID
}

func waitForStatus(t *testing.T, stores *storage.StoreSet, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			task, _ := stores.Tasks.Get(context.Background(), taskID)
			t.Fatalf("task %s never reached %s: %+v", taskID, want, task)
			return nil
		case <-time.After(5 * time.Millisecond):
			task, err := stores.Tasks.Get(context.Background(), taskID)
			if err != nil {
				continue
			}
			if task.Status == want {
				return task
			}
		}
	}
}

func TestEnqueueAndComplete(t *testing.T) {
	e, stores, agentID := testExecutor(t, &upstream.FakeClient{Reply: "done"}, ExecutorConfig{})
	e.Start(context.Background())
	defer e.Stop()

	taskID, err := e.Enqueue(context.Background(), agentID, &models.Task{
		Type:    models.TaskGeneration,
		Context: map[string]any{"prompt": "summarize"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task := waitForStatus(t, stores, taskID, models.TaskCompleted)
	if task.Progress != 100 {
		t.Errorf("progress = %d, want 100", task.Progress)
	}
	if task.Result["output"] != "done" {
		t.Errorf("result = %v", task.Result)
	}
}

func TestEnqueueRejectsInvalidTask(t *testing.T) {
	e, _, agentID := testExecutor(t, &upstream.FakeClient{}, ExecutorConfig{})
	e.Start(context.Background())
	defer e.Stop()

	_, err := e.Enqueue(context.Background(), agentID, &models.Task{
		Type:    models.TaskGeneration,
		Context: map[string]any{},
	})
	var verr *agent.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestEnqueueStoppedExecutor(t *testing.T) {
	e, _, agentID := testExecutor(t, &upstream.FakeClient{}, ExecutorConfig{})

	_, err := e.Enqueue(context.Background(), agentID, &models.Task{
		Type:    models.TaskGeneration,
		Context: map[string]any{"prompt": "x"},
	})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestFailedTaskRecorded(t *testing.T) {
	e, stores, agentID := testExecutor(t, &upstream.FakeClient{Err: errors.New("model down")}, ExecutorConfig{})
	e.Start(context.Background())
	defer e.Stop()

	taskID, err := e.Enqueue(context.Background(), agentID, &models.Task{
		Type:    models.TaskAnalysis,
		Context: map[string]any{"input": "numbers"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task := waitForStatus(t, stores, taskID, models.TaskFailed)
	if task.Error == "" {
		t.Error("failed task missing error text")
	}
}

func TestConcurrentEnqueues(t *testing.T) {
	e, stores, agentID := testExecutor(t, &upstream.FakeClient{Reply: "ok"}, ExecutorConfig{Workers: 4, QueueSize: 32})
	e.Start(context.Background())
	defer e.Stop()

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := e.Enqueue(context.Background(), agentID, &models.Task{
			Type:    models.TaskGeneration,
			Context: map[string]any{"prompt": "work"},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, stores, id, models.TaskCompleted)
	}
}

func TestSchedulerValidation(t *testing.T) {
	e, _, agentID := testExecutor(t, &upstream.FakeClient{}, ExecutorConfig{})
	s := NewScheduler(e, nil)

	if err := s.Add(Schedule{ID: "bad", AgentID: agentID, Spec: "not a cron", Type: models.TaskGeneration}); err == nil {
		t.Error("invalid cron expression accepted")
	}
	if err := s.Add(Schedule{AgentID: agentID, Spec: "@hourly", Type: models.TaskGeneration}); err == nil {
		t.Error("schedule without id accepted")
	}

	good := Schedule{ID: "s1", Name: "digest", AgentID: agentID, Spec: "0 * * * *", Type: models.TaskGeneration, Context: map[string]any{"prompt": "digest"}}
	if err := s.Add(good); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(good); err == nil {
		t.Error("duplicate schedule id accepted")
	}
	s.Remove("s1")
	if err := s.Add(good); err != nil {
		t.Errorf("re-add after remove: %v", err)
	}
}

func TestSchedulerFires(t *testing.T) {
	e, stores, agentID := testExecutor(t, &upstream.FakeClient{Reply: "tick"}, ExecutorConfig{})
	e.Start(context.Background())
	defer e.Stop()

	s := NewScheduler(e, nil)
	// Every-second schedule so the test observes a firing quickly.
	err := s.Add(Schedule{
		ID:      "tick",
		Name:    "tick",
		AgentID: agentID,
		Spec:    "* * * * * *",
		Type:    models.TaskGeneration,
		Context: map[string]any{"prompt": "tick"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("schedule never produced a completed task")
		case <-time.After(20 * time.Millisecond):
			listed, err := stores.Tasks.ListByAgent(context.Background(), agentID, 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			for _, task := range listed {
				if task.Status == models.TaskCompleted {
					return
				}
			}
		}
	}
}
