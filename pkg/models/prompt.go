package models

import (
	"time"
)

// PromptRecord is one historical output produced under a role's prompt,
// together with the feedback score it received. The history is append-only
// and role-scoped; high-scoring records feed back into prompt assembly.
type PromptRecord struct {
	Role       string    `json:"role"`
	Output     string    `json:"output"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// User identifies an authenticated caller. Identity feeds rate-limit keys
// and cache scoping; the gateway itself has no user CRUD.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
