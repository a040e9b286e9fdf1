// Package tasks runs agent tasks in the background: a bounded worker pool
// drains an in-process queue, and a cron scheduler feeds it recurring work.
// Callers observe completion by polling the stored task record.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-ai/conduit/internal/agent"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/pkg/models"
)

// ErrNotRunning reports work submitted to a stopped executor.
var ErrNotRunning = errors.New("executor is not running")

// ErrQueueFull reports a full submission queue.
var ErrQueueFull = errors.New("task queue is full")

// ExecutorConfig configures the background executor.
type ExecutorConfig struct {
	// Workers is the number of concurrent task runners. Defaults to 4.
	Workers int

	// QueueSize bounds the submission queue. Defaults to 64.
	QueueSize int

	// TaskTimeout bounds a single task execution. Defaults to 5 minutes.
	TaskTimeout time.Duration
}

type queued struct {
	agentID string
	task    *models.Task
}

// Executor drains queued tasks through the agent runtime.
type Executor struct {
	runtime *agent.Runtime
	tasks   storage.TaskStore
	logger  *observability.Logger
	config  ExecutorConfig

	queue  chan queued
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewExecutor creates an executor over the agent runtime.
func NewExecutor(runtime *agent.Runtime, tasks storage.TaskStore, logger *observability.Logger, config ExecutorConfig) *Executor {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Executor{
		runtime: runtime,
		tasks:   tasks,
		logger:  logger,
		config:  config,
		queue:   make(chan queued, config.QueueSize),
	}
}

// Start launches the worker pool. Calling Start on a running executor is a
// no-op.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.running = true
	e.logger.Info(ctx, "task executor started", "workers", e.config.Workers)
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
}

// Enqueue validates the task, persists it as pending, and queues it for a
// worker. The returned ID is the handle callers poll for completion.
func (e *Executor) Enqueue(ctx context.Context, agentID string, task *models.Task) (string, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	if err := e.runtime.ValidateTask(task); err != nil {
		return "", err
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.AgentID = agentID
	task.Status = models.TaskPending
	if err := e.tasks.Create(ctx, task); err != nil {
		return "", fmt.Errorf("persist pending task: %w", err)
	}

	select {
	case e.queue <- queued{agentID: agentID, task: task}:
		return task.ID, nil
	default:
		task.Status = models.TaskFailed
		task.Error = ErrQueueFull.Error()
		if err := e.tasks.Update(ctx, task); err != nil {
			e.logger.Warn(ctx, "failed to record queue rejection", "task_id", task.ID, "error", err)
		}
		return "", ErrQueueFull
	}
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-e.queue:
			e.run(ctx, q)
		}
	}
}

func (e *Executor) run(ctx context.Context, q queued) {
	ctx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()

	if _, err := e.runtime.HandleTask(ctx, q.agentID, q.task); err != nil {
		// The runtime already recorded the failure on the task.
		e.logger.Warn(ctx, "background task failed",
			"task_id", q.task.ID, "agent_id", q.agentID, "error", err.Error())
	}
}
