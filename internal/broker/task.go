package broker

import (
	"context"
	"time"
)

// State is the lifecycle state of a task or a task group.
type State string

const (
	StatePending State = "pending"
	StateStarted State = "started"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateRevoked State = "revoked"
)

// Terminal reports whether the state is final. Terminal records never
// transition again.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// Task is one unit of background work tracked by the broker.
type Task struct {
	ID          string            `json:"task_id"`
	Name        string            `json:"name"`
	GroupID     string            `json:"group_id,omitempty"`
	State       State             `json:"state"`
	Args        map[string]any    `json:"args,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`

	revokeRequested bool
}

// Handler executes a named task. The task argument is a private snapshot;
// entries the handler writes into task.Meta are folded back into the stored
// record when it returns, so handlers can publish facts discovered during
// execution (e.g. a computed file hash) for later cleanup passes.
type Handler func(ctx context.Context, args map[string]any, task *Task) (any, error)

// ChildSpec describes one child task in a group submission.
type ChildSpec struct {
	Args map[string]any
	Meta map[string]string
}

// snapshotTask returns a copy safe to hand to callers. Meta is cloned
// because the stored record's map is mutated when handlers finish.
func snapshotTask(task *Task) Task {
	snap := *task
	if task.Meta != nil {
		meta := make(map[string]string, len(task.Meta))
		for k, v := range task.Meta {
			meta[k] = v
		}
		snap.Meta = meta
	}
	return snap
}
