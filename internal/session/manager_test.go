package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/models"
)

type tempDirs struct{ root string }

func (d tempDirs) Dir(namespace, project string) (string, error) {
	return filepath.Join(d.root, namespace, project), nil
}

func newTestManager(t *testing.T) (*Manager, tempDirs) {
	t.Helper()
	dirs := tempDirs{root: t.TempDir()}
	return NewManager(dirs, nil), dirs
}

func TestManager_GetOrCreate_MintsID(t *testing.T) {
	m, dirs := newTestManager(t)

	initRan := false
	s, err := m.GetOrCreate("acme", "bot", "", func(s *Session) {
		initRan = true
		s.SetModel("chat")
	})
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !initRan {
		t.Error("Expected init to run on a fresh session")
	}
	if _, err := uuid.Parse(s.ID()); err != nil {
		t.Errorf("Expected minted UUID, got %q", s.ID())
	}
	if s.Model() != "chat" {
		t.Errorf("Expected model chat, got %q", s.Model())
	}

	histPath := filepath.Join(dirs.root, "acme", "bot", "sessions", s.ID(), "history.json")
	if _, err := os.Stat(histPath); err != nil {
		t.Errorf("Expected history file at %s: %v", histPath, err)
	}

	again, err := m.GetOrCreate("acme", "bot", s.ID(), nil)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if again != s {
		t.Error("Expected the same live session instance")
	}
}

func TestManager_GetOrCreate_RestoresFromDisk(t *testing.T) {
	m, dirs := newTestManager(t)

	s, err := m.GetOrCreate("acme", "bot", "sess-1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	s.Append(
		models.ChatMessage{Role: "user", Content: "hello"},
		models.ChatMessage{Role: "assistant", Content: "hi there"},
	)

	// A new manager simulates a restart.
	restarted := NewManager(dirs, nil)
	restored, err := restarted.GetOrCreate("acme", "bot", "sess-1", func(s *Session) {
		t.Error("init must not run for a restored session")
	})
	if err != nil {
		t.Fatalf("GetOrCreate after restart failed: %v", err)
	}
	hist := restored.History()
	if len(hist) != 2 {
		t.Fatalf("Expected 2 restored messages, got %d", len(hist))
	}
	if hist[1].Content != "hi there" {
		t.Errorf("Expected restored content, got %q", hist[1].Content)
	}
}

func TestManager_GetOrCreate_RejectsUnsafeID(t *testing.T) {
	m, _ := newTestManager(t)

	for _, bad := range []string{"../escape", "a/b", `a\b`} {
		if _, err := m.GetOrCreate("acme", "bot", bad, nil); !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("Expected ErrInvalidArgument for id %q, got %v", bad, err)
		}
	}
}

func TestManager_List(t *testing.T) {
	m, dirs := newTestManager(t)

	first, err := m.GetOrCreate("acme", "bot", "s1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := m.GetOrCreate("acme", "bot", "s2", nil); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := m.GetOrCreate("acme", "other", "s3", nil); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	first.Append(models.ChatMessage{Role: "user", Content: "bump"})

	sessions, err := m.List("acme", "bot")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID() != "s1" {
		t.Errorf("Expected most recently updated first, got %s", sessions[0].ID())
	}

	// A restarted manager lists persisted sessions too.
	restarted := NewManager(dirs, nil)
	sessions, err = restarted.List("acme", "bot")
	if err != nil {
		t.Fatalf("List after restart failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("Expected 2 sessions after restart, got %d", len(sessions))
	}
}

func TestManager_Evict(t *testing.T) {
	m, dirs := newTestManager(t)

	if _, err := m.GetOrCreate("acme", "bot", "s1", nil); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := m.GetOrCreate("acme", "keep", "s2", nil); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	m.Evict("acme", "bot")

	if m.Len() != 1 {
		t.Errorf("Expected 1 session left, got %d", m.Len())
	}
	if _, err := os.Stat(filepath.Join(dirs.root, "acme", "bot", "sessions")); !os.IsNotExist(err) {
		t.Error("Expected sessions dir removed")
	}
	if _, err := os.Stat(filepath.Join(dirs.root, "acme", "keep", "sessions", "s2")); err != nil {
		t.Errorf("Expected other project untouched: %v", err)
	}
}

func TestSession_HistoryIsolation(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.GetOrCreate("acme", "bot", "s1", nil)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	s.Append(models.ChatMessage{Role: "user", Content: "one"})

	hist := s.History()
	hist[0].Content = "mutated"
	if s.History()[0].Content != "one" {
		t.Error("Expected History to return a copy")
	}

	s.ReplaceHistory([]models.ChatMessage{
		{Role: "system", Content: "[Conversation Summary]\nshort"},
		{Role: "user", Content: "two"},
	})
	if s.Messages() != 2 {
		t.Errorf("Expected 2 messages after replace, got %d", s.Messages())
	}
}
