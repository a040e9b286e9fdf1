package models

import (
	"time"
)

// AgentStatus represents the runtime state of an agent.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentBusy   AgentStatus = "busy"
	AgentPaused AgentStatus = "paused"
)

// Agent represents a configured task-processing agent.
type Agent struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	Status       AgentStatus    `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasCapability reports whether the agent declares the named capability.
func (a *Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskType enumerates the task kinds the runtime can dispatch.
// Dispatch is a closed handler table keyed by this type; unknown types are
// rejected at validation time rather than falling through a default case.
type TaskType string

const (
	TaskAnalysis   TaskType = "analysis"
	TaskGeneration TaskType = "generation"
	TaskReview     TaskType = "review"
	TaskConversion TaskType = "conversion"
)

// Task is a unit of work handled by an agent.
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        TaskType       `json:"type"`
	Description string         `json:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Progress    int            `json:"progress"`
	Status      TaskStatus     `json:"status"`
	ParentID    string         `json:"parent_id,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// MessageIntent enumerates the intents the runtime's message dispatcher
// understands. Like TaskType, this is a closed set.
type MessageIntent string

const (
	IntentQuestion    MessageIntent = "question"
	IntentInstruction MessageIntent = "instruction"
	IntentFeedback    MessageIntent = "feedback"
)

// TrainingData is a single piece of material ingested by Agent.Train.
// Ingestion is append-only and does not retroactively alter behavior
// within the same process run.
type TrainingData struct {
	Type    string         `json:"type"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}
