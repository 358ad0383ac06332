// Package checkpoint persists graph run state at node boundaries so
// suspended runs survive process restarts and resume where they left
// off.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the durable snapshot of one graph thread.
type Checkpoint struct {
	ThreadID string         `json:"thread_id"`
	Graph    string         `json:"graph"`
	Node     string         `json:"node"`
	State    map[string]any `json:"state"`
	Path     []string       `json:"path,omitempty"`

	// PendingInterrupt marks a suspended run awaiting a resume; Reason
	// carries the interrupt's question. A thread holds at most one
	// pending interrupt.
	PendingInterrupt bool   `json:"pending_interrupt"`
	Reason           string `json:"reason,omitempty"`

	SavedAt time.Time `json:"saved_at"`
}

// Store persists checkpoints keyed by thread id.
type Store interface {
	// Save upserts the thread's checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the thread's checkpoint, or NotFound.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// Delete removes the thread's checkpoint; deleting an absent thread
	// is not an error.
	Delete(ctx context.Context, threadID string) error

	Close() error
}
