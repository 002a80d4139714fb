package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type persistedGroup struct {
	ID        string    `json:"group_id"`
	Name      string    `json:"name"`
	Children  []string  `json:"children"`
	CreatedAt time.Time `json:"created_at"`
}

type persistedBroker struct {
	Version int              `json:"version"`
	Tasks   []*Task          `json:"tasks"`
	Groups  []persistedGroup `json:"groups,omitempty"`
}

// loadFromDisk restores task records written by a previous process. Records
// that were pending or started when that process exited cannot resume, so
// they reload as failed.
func (b *Broker) loadFromDisk() {
	if b.persistencePath == "" {
		return
	}
	data, err := os.ReadFile(b.persistencePath)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("failed to load task persistence file %s: %v", b.persistencePath, err)
		}
		return
	}

	var persisted persistedBroker
	if err := json.Unmarshal(data, &persisted); err != nil {
		b.logger.Warn("failed to parse task persistence file %s: %v", b.persistencePath, err)
		return
	}

	now := time.Now()
	for _, task := range persisted.Tasks {
		if task == nil || strings.TrimSpace(task.ID) == "" {
			continue
		}
		taskCopy := *task
		if !taskCopy.State.Terminal() {
			taskCopy.State = StateFailure
			taskCopy.Error = "interrupted by restart"
			completedAt := now
			taskCopy.CompletedAt = &completedAt
		}
		b.tasks[taskCopy.ID] = &taskCopy
	}
	for _, pg := range persisted.Groups {
		if strings.TrimSpace(pg.ID) == "" || len(pg.Children) == 0 {
			continue
		}
		b.groups[pg.ID] = &group{
			id:        pg.ID,
			name:      pg.Name,
			children:  append([]string(nil), pg.Children...),
			createdAt: pg.CreatedAt,
		}
	}
}

// persistLocked writes the full record map atomically via a temp file and
// rename. Persistence is best effort and never fails the calling operation.
// Caller must hold b.mu.
func (b *Broker) persistLocked() {
	if b.persistencePath == "" {
		return
	}

	snapshot := make([]*Task, 0, len(b.tasks))
	for _, task := range b.tasks {
		taskCopy := *task
		snapshot = append(snapshot, &taskCopy)
	}
	groups := make([]persistedGroup, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, persistedGroup{
			ID:        g.id,
			Name:      g.name,
			Children:  append([]string(nil), g.children...),
			CreatedAt: g.createdAt,
		})
	}

	payload := persistedBroker{
		Version: 1,
		Tasks:   snapshot,
		Groups:  groups,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("failed to encode task persistence payload: %v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(b.persistencePath), 0o755); err != nil {
		b.logger.Warn("failed to create task persistence directory for %s: %v", b.persistencePath, err)
		return
	}

	tmpPath := fmt.Sprintf("%s.tmp-%d", b.persistencePath, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		b.logger.Warn("failed to write task persistence temp file %s: %v", tmpPath, err)
		return
	}
	if err := os.Rename(tmpPath, b.persistencePath); err != nil {
		_ = os.Remove(tmpPath)
		b.logger.Warn("failed to atomically persist task records to %s: %v", b.persistencePath, err)
	}
}

func (b *Broker) evictLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(defaultEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.evictExpired()
		}
	}
}

// evictExpired removes terminal tasks older than retention, respecting
// maxSize, then drops groups with no surviving children.
func (b *Broker) evictExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false
	for taskID, task := range b.tasks {
		if !b.evictableLocked(task) {
			continue
		}
		if now.Sub(*task.CompletedAt) > b.retention {
			delete(b.tasks, taskID)
			changed = true
		}
	}
	if len(b.tasks) > b.maxSize {
		b.evictOldestTerminalLocked()
		changed = true
	}
	if b.dropOrphanGroupsLocked() {
		changed = true
	}
	if changed {
		b.persistLocked()
	}
}

// evictableLocked guards group children: a child record stays until its
// whole group is terminal, so ordered group results remain complete.
func (b *Broker) evictableLocked(task *Task) bool {
	if !task.State.Terminal() || task.CompletedAt == nil {
		return false
	}
	if task.GroupID == "" {
		return true
	}
	g, exists := b.groups[task.GroupID]
	if !exists {
		return true
	}
	return b.groupStateLocked(g).Terminal()
}

// evictOldestTerminalLocked removes the oldest evictable tasks to bring the
// store back under maxSize. Caller must hold b.mu.
func (b *Broker) evictOldestTerminalLocked() {
	type candidate struct {
		id          string
		completedAt time.Time
	}
	var candidates []candidate
	for taskID, task := range b.tasks {
		if b.evictableLocked(task) {
			candidates = append(candidates, candidate{id: taskID, completedAt: *task.CompletedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].completedAt.Before(candidates[j].completedAt)
	})

	toRemove := len(b.tasks) - b.maxSize
	for i := 0; i < toRemove && i < len(candidates); i++ {
		delete(b.tasks, candidates[i].id)
	}
}

func (b *Broker) dropOrphanGroupsLocked() bool {
	changed := false
	for groupID, g := range b.groups {
		remaining := 0
		for _, childID := range g.children {
			if _, exists := b.tasks[childID]; exists {
				remaining++
			}
		}
		if remaining == 0 {
			delete(b.groups, groupID)
			changed = true
		}
	}
	return changed
}
