package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
)

// group tracks the ordered child ids of one batch submission. Group state
// is derived from the children on every read rather than stored.
type group struct {
	id        string
	name      string
	children  []string
	createdAt time.Time
}

// SubmitGroup enqueues one child task per spec and returns a group id that
// behaves like a task id: Status, Get, Result, Revoke and Wait all accept
// it. GroupResult returns child results in submission order.
func (b *Broker) SubmitGroup(name string, children []ChildSpec) (string, error) {
	if len(children) == 0 {
		return "", errors.InvalidArgumentError("group requires at least one child task")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errors.UnavailableError("broker is closed")
	}
	if _, exists := b.handlers[name]; !exists {
		return "", errors.InvalidArgumentf("no handler registered for task %q", name)
	}
	// All submitters hold b.mu across their sends, so the free capacity
	// observed here cannot shrink before the sends below.
	if cap(b.pending)-len(b.pending) < len(children) {
		return "", errors.UnavailableError(fmt.Sprintf("task queue cannot accept %d more tasks", len(children)))
	}

	g := &group{
		id:        "group-" + uuid.NewString(),
		name:      name,
		children:  make([]string, 0, len(children)),
		createdAt: time.Now(),
	}
	for _, child := range children {
		task := newTask(name, child.Args, child.Meta, g.id)
		b.tasks[task.ID] = task
		b.pending <- task.ID
		g.children = append(g.children, task.ID)
	}
	b.groups[g.id] = g
	b.persistLocked()
	return g.id, nil
}

// GroupResult returns the child results of a terminal group in submission
// order. Success requires every child to have succeeded.
func (b *Broker) GroupResult(id string) ([]any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, exists := b.groups[id]
	if !exists {
		return nil, errors.NotFoundf("group %s", id)
	}
	return b.groupResultLocked(g)
}

// GroupTasks returns snapshots of a group's child records in submission
// order, regardless of group state. Cleanup passes use this to enumerate
// what a partially completed group already did.
func (b *Broker) GroupTasks(id string) ([]Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, exists := b.groups[id]
	if !exists {
		return nil, errors.NotFoundf("group %s", id)
	}
	tasks := make([]Task, 0, len(g.children))
	for _, childID := range g.children {
		if child, ok := b.tasks[childID]; ok {
			tasks = append(tasks, snapshotTask(child))
		}
	}
	return tasks, nil
}

// groupStateLocked derives group state from the children. Failure surfaces
// as soon as any child fails, while the remaining children keep running.
func (b *Broker) groupStateLocked(g *group) State {
	allSuccess := true
	anyRevoked := false
	anyProgress := false
	for _, childID := range g.children {
		child, exists := b.tasks[childID]
		if !exists {
			continue
		}
		switch child.State {
		case StateFailure:
			return StateFailure
		case StateRevoked:
			anyRevoked = true
			anyProgress = true
			allSuccess = false
		case StateSuccess:
			anyProgress = true
		case StateStarted:
			anyProgress = true
			allSuccess = false
		default:
			allSuccess = false
		}
	}
	switch {
	case allSuccess:
		return StateSuccess
	case anyRevoked:
		return StateRevoked
	case anyProgress:
		return StateStarted
	default:
		return StatePending
	}
}

func (b *Broker) groupResultLocked(g *group) ([]any, error) {
	state := b.groupStateLocked(g)
	switch state {
	case StateSuccess:
	case StateFailure:
		return nil, fmt.Errorf("group %s failed: %s", g.id, b.groupErrorLocked(g))
	case StateRevoked:
		return nil, errors.ConflictError(fmt.Sprintf("group %s was revoked", g.id))
	default:
		return nil, errors.ConflictError(fmt.Sprintf("group %s is still %s", g.id, state))
	}

	results := make([]any, len(g.children))
	for i, childID := range g.children {
		if child, exists := b.tasks[childID]; exists {
			results[i] = child.Result
		}
	}
	return results, nil
}

// groupErrorLocked returns the first failing child's error, in submission
// order.
func (b *Broker) groupErrorLocked(g *group) string {
	for _, childID := range g.children {
		child, exists := b.tasks[childID]
		if exists && child.State == StateFailure {
			return child.Error
		}
	}
	return "child task failed"
}

// groupRecordLocked synthesizes a task-shaped view of a group for pollers.
func (b *Broker) groupRecordLocked(g *group) Task {
	record := Task{
		ID:        g.id,
		Name:      g.name,
		State:     b.groupStateLocked(g),
		CreatedAt: g.createdAt,
	}
	var latest time.Time
	for _, childID := range g.children {
		child, exists := b.tasks[childID]
		if !exists {
			continue
		}
		if record.StartedAt == nil && child.StartedAt != nil {
			startedAt := *child.StartedAt
			record.StartedAt = &startedAt
		}
		if child.CompletedAt != nil && child.CompletedAt.After(latest) {
			latest = *child.CompletedAt
		}
	}
	if record.State.Terminal() && !latest.IsZero() {
		completedAt := latest
		record.CompletedAt = &completedAt
	}
	switch record.State {
	case StateSuccess:
		results := make([]any, len(g.children))
		for i, childID := range g.children {
			if child, exists := b.tasks[childID]; exists {
				results[i] = child.Result
			}
		}
		record.Result = results
	case StateFailure:
		record.Error = b.groupErrorLocked(g)
	}
	return record
}

// revokeGroupLocked revokes every non-terminal child. It is a conflict only
// when nothing is left to revoke.
func (b *Broker) revokeGroupLocked(g *group) error {
	revoked := false
	for _, childID := range g.children {
		child, exists := b.tasks[childID]
		if !exists || child.State.Terminal() {
			continue
		}
		revoked = true
		_ = b.revokeTaskLocked(child)
	}
	if !revoked {
		return errors.ConflictError(fmt.Sprintf("group %s is already terminal", g.id))
	}
	return nil
}
