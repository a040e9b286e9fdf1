package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/pkg/models"
)

// cronParser accepts standard 5-field expressions, optional seconds, and
// descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule describes a recurring task: a cron expression plus the task
// template enqueued on each firing.
type Schedule struct {
	ID      string
	Name    string
	AgentID string
	Spec    string
	Type    models.TaskType
	Context map[string]any
}

// Scheduler submits recurring tasks to the executor on a cron calendar.
type Scheduler struct {
	cron     *cron.Cron
	executor *Executor
	logger   *observability.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler feeding the given executor.
func NewScheduler(executor *Executor, logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Scheduler{
		cron:     cron.New(cron.WithParser(cronParser)),
		executor: executor,
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
	}
}

// Add registers a schedule. The expression is validated up front; a bad
// expression never makes it into the calendar.
func (s *Scheduler) Add(schedule Schedule) error {
	if schedule.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if _, err := cronParser.Parse(schedule.Spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[schedule.ID]; exists {
		return fmt.Errorf("schedule %q already registered", schedule.ID)
	}

	entryID, err := s.cron.AddFunc(schedule.Spec, func() {
		s.fire(schedule)
	})
	if err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}
	s.entries[schedule.ID] = entryID
	return nil
}

// Remove drops a schedule from the calendar.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the calendar and waits for any firing in progress.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(schedule Schedule) {
	ctx := context.Background()

	// Each firing enqueues a fresh task copy; the template is never reused
	// as a live record.
	task := &models.Task{
		Type:        schedule.Type,
		Description: schedule.Name,
		Context:     cloneContext(schedule.Context),
	}
	taskID, err := s.executor.Enqueue(ctx, schedule.AgentID, task)
	if err != nil {
		s.logger.Error(ctx, "scheduled task enqueue failed",
			"schedule_id", schedule.ID, "error", err.Error())
		return
	}
	s.logger.Info(ctx, "scheduled task enqueued",
		"schedule_id", schedule.ID, "task_id", taskID)
}

func cloneContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
