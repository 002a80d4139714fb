package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/models"
)

// record is the on-disk shape of a session, written whole on each mutation.
type record struct {
	ID        string               `json:"id"`
	Namespace string               `json:"namespace"`
	Project   string               `json:"project"`
	Model     string               `json:"model,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Session is one conversation. Field access is guarded by mu; whole chat
// turns serialize on turnMu so two concurrent requests for the same session
// run one after the other.
type Session struct {
	dir    string
	logger logging.Logger

	turnMu sync.Mutex

	mu        sync.Mutex
	id        string
	namespace string
	project   string
	model     string
	history   []models.ChatMessage
	createdAt time.Time
	updatedAt time.Time
}

// LockTurn serializes a whole request against other requests for the same
// session. Callers must pair it with UnlockTurn.
func (s *Session) LockTurn() { s.turnMu.Lock() }

// UnlockTurn releases the turn lock.
func (s *Session) UnlockTurn() { s.turnMu.Unlock() }

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Namespace returns the owning namespace.
func (s *Session) Namespace() string { return s.namespace }

// Project returns the owning project.
func (s *Session) Project() string { return s.project }

// Model returns the runtime model entry this session is pinned to, empty
// when the project default applies.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel pins the session to a runtime model entry.
func (s *Session) SetModel(name string) {
	s.mu.Lock()
	changed := s.model != name
	s.model = name
	if changed {
		s.updatedAt = time.Now().UTC()
	}
	s.mu.Unlock()
	if changed {
		s.persist()
	}
}

// History returns a copy of the conversation so callers can read it without
// holding the session lock.
func (s *Session) History() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Append adds messages to the history and persists.
func (s *Session) Append(msgs ...models.ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, msgs...)
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.persist()
}

// ReplaceHistory swaps the conversation wholesale, as the summarizer does
// after compaction.
func (s *Session) ReplaceHistory(msgs []models.ChatMessage) {
	s.mu.Lock()
	s.history = make([]models.ChatMessage, len(msgs))
	copy(s.history, msgs)
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.persist()
}

// Messages reports the history length.
func (s *Session) Messages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// UpdatedAt returns the last mutation time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// persist logs write failures instead of returning them: a disk hiccup must
// not fail the turn whose history it records.
func (s *Session) persist() {
	if err := s.save(); err != nil {
		s.logger.Error("session %s history not persisted: %v", s.id, err)
	}
}

func (s *Session) save() error {
	s.mu.Lock()
	rec := record{
		ID:        s.id,
		Namespace: s.namespace,
		Project:   s.project,
		Model:     s.model,
		Messages:  append([]models.ChatMessage(nil), s.history...),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, historyFileName), data, 0o644)
}
