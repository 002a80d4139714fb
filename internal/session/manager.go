// Package session tracks per-project conversation state. Each session owns
// its history and a turn lock; the manager maps session keys to live records
// and restores them from disk after a restart.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/models"
)

const (
	sessionsDirName = "sessions"
	historyFileName = "history.json"
)

// DirSource resolves a project's on-disk directory. The project registry
// implements it.
type DirSource interface {
	Dir(namespace, project string) (string, error)
}

// Manager is the process-wide session registry. Lookups take a read lock;
// creation and eviction take the write lock.
type Manager struct {
	dirs   DirSource
	logger logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager over the given project directories.
func NewManager(dirs DirSource, logger logging.Logger) *Manager {
	return &Manager{
		dirs:     dirs,
		logger:   logging.OrNop(logger),
		sessions: map[string]*Session{},
	}
}

func sessionKey(namespace, project, id string) string {
	return namespace + ":" + project + ":" + id
}

// GetOrCreate returns the live session for id, restoring it from disk after
// a restart or creating it fresh. An empty id mints a UUID. init runs once
// on newly created sessions only, before the first persist.
func (m *Manager) GetOrCreate(namespace, project, id string, init func(*Session)) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	key := sessionKey(namespace, project, id)
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	dir, err := m.sessionDir(namespace, project, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	s, restored, err := m.loadOrCreate(namespace, project, id, dir)
	if err != nil {
		return nil, err
	}
	if !restored && init != nil {
		init(s)
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	m.sessions[key] = s
	return s, nil
}

// loadOrCreate restores a persisted session or builds a fresh one.
func (m *Manager) loadOrCreate(namespace, project, id, dir string) (*Session, bool, error) {
	s := &Session{
		dir:       dir,
		logger:    m.logger,
		id:        id,
		namespace: namespace,
		project:   project,
	}

	data, err := os.ReadFile(filepath.Join(dir, historyFileName))
	switch {
	case err == nil:
		var rec record
		if jsonErr := json.Unmarshal(data, &rec); jsonErr != nil {
			m.logger.Error("session %s history unreadable, starting fresh: %v", id, jsonErr)
		} else {
			s.model = rec.Model
			s.history = rec.Messages
			s.createdAt = rec.CreatedAt
			s.updatedAt = rec.UpdatedAt
			return s, true, nil
		}
	case !os.IsNotExist(err):
		return nil, false, fmt.Errorf("read session history: %w", err)
	}

	now := time.Now().UTC()
	s.history = []models.ChatMessage{}
	s.createdAt = now
	s.updatedAt = now
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create session dir: %w", err)
	}
	return s, false, nil
}

// List returns every session of a project, on-disk ones included, most
// recently updated first.
func (m *Manager) List(namespace, project string) ([]*Session, error) {
	projDir, err := m.dirs.Dir(namespace, project)
	if err != nil {
		return nil, err
	}

	// Pull any persisted sessions into the registry first so a restart does
	// not hide them from the listing.
	entries, err := os.ReadDir(filepath.Join(projDir, sessionsDirName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := m.GetOrCreate(namespace, project, entry.Name(), nil); err != nil {
			m.logger.Warn("skipping session %s: %v", entry.Name(), err)
		}
	}

	prefix := sessionKey(namespace, project, "")
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		if strings.HasPrefix(key, prefix) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ui, uj := out[i].UpdatedAt(), out[j].UpdatedAt()
		if ui.Equal(uj) {
			return out[i].ID() < out[j].ID()
		}
		return ui.After(uj)
	})
	return out, nil
}

// Evict drops every session of a project from the registry and removes the
// sessions directory. Registered as a project-delete hook, where the
// directory is usually already gone with the project.
func (m *Manager) Evict(namespace, project string) {
	prefix := sessionKey(namespace, project, "")
	m.mu.Lock()
	for key := range m.sessions {
		if strings.HasPrefix(key, prefix) {
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	projDir, err := m.dirs.Dir(namespace, project)
	if err != nil {
		return
	}
	if err := os.RemoveAll(filepath.Join(projDir, sessionsDirName)); err != nil {
		m.logger.Warn("sessions dir for %s/%s not removed: %v", namespace, project, err)
	}
}

// Len reports how many sessions are live in the registry.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) sessionDir(namespace, project, id string) (string, error) {
	projDir, err := m.dirs.Dir(namespace, project)
	if err != nil {
		return "", err
	}
	name, err := identity.SafeBaseName(id)
	if err != nil || name != id {
		return "", errors.InvalidArgumentf("invalid session id %q", id)
	}
	return identity.SafeJoin(filepath.Join(projDir, sessionsDirName), name)
}
