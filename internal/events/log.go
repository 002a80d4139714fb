// Package events keeps an append-only activity log per project: one JSON
// file per event under event_logs/, with timed sub-events recording the
// steps of a chat turn, an ingest run, or a query. Writes are serialized
// per project; reads scan the directory.
package events

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
)

// Terminal and in-flight event statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const logsDirName = "event_logs"

// SubEvent is one timed step inside an event. Durations are measured from
// the event's start so a reader can reconstruct the timeline without
// subtracting timestamps.
type SubEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventName  string         `json:"event_name"`
	DurationMs int64          `json:"duration_ms_from_start"`
	Data       map[string]any `json:"data,omitempty"`
}

// Event is one logged activity record.
type Event struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Timestamp  time.Time  `json:"timestamp"`
	RequestID  string     `json:"request_id,omitempty"`
	Namespace  string     `json:"namespace"`
	Project    string     `json:"project"`
	ConfigHash string     `json:"config_hash,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	SubEvents  []SubEvent `json:"sub_events"`

	// TimeToFirstTokenMs is set on streaming events when the first chunk
	// goes out. Zero means not applicable or never reached.
	TimeToFirstTokenMs int64 `json:"time_to_first_token_ms,omitempty"`

	Metadata    map[string]any `json:"metadata,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// DirSource resolves a project's on-disk directory. The project registry
// implements it.
type DirSource interface {
	Dir(namespace, project string) (string, error)
}

// ListQuery filters and paginates an event listing. Zero times mean
// unbounded; Limit <= 0 returns everything after Offset.
type ListQuery struct {
	Type      string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Log stores events for all projects under one data root.
type Log struct {
	dirs   DirSource
	logger logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLog creates an event log over the given project directory source.
func NewLog(dirs DirSource, logger logging.Logger) *Log {
	return &Log{
		dirs:   dirs,
		logger: logging.OrNop(logger),
		locks:  map[string]*sync.Mutex{},
	}
}

// lockFor returns the per-project write mutex, creating it on first use.
func (l *Log) lockFor(namespace, project string) *sync.Mutex {
	key := namespace + ":" + project
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[key] = lk
	}
	return lk
}

// Release drops the write lock entry for a project. Called after a project
// is deleted; the directory is already gone by then.
func (l *Log) Release(namespace, project string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, namespace+":"+project)
}

// NewID builds an event id: evt_<type>_<yyyymmdd>_<hhmmss>_<rand6>.
func NewID(eventType string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("evt_%s_%s_%s", sanitizeType(eventType), at.UTC().Format("20060102_150405"), suffix)
}

// sanitizeType maps an event type onto the id-safe alphabet [a-z0-9_].
func sanitizeType(eventType string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(eventType)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "event"
	}
	return b.String()
}

// Begin opens a new running event and persists its initial record. Event
// logging is best effort: persistence failures are logged, never surfaced,
// so a broken disk cannot fail the request being recorded.
func (l *Log) Begin(eventType, requestID, namespace, project, configHash string) *Recorder {
	now := time.Now().UTC()
	rec := &Recorder{
		log:   l,
		start: now,
		event: &Event{
			ID:         NewID(eventType, now),
			Type:       eventType,
			Timestamp:  now,
			RequestID:  requestID,
			Namespace:  namespace,
			Project:    project,
			ConfigHash: configHash,
			Status:     StatusRunning,
			SubEvents:  []SubEvent{},
		},
	}
	rec.persist()
	return rec
}

// Get loads one event by id.
func (l *Log) Get(namespace, project, eventID string) (*Event, error) {
	name, err := identity.SafeBaseName(eventID)
	if err != nil {
		return nil, err
	}
	dir, err := l.logsDir(namespace, project)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("event %q", eventID)
		}
		return nil, fmt.Errorf("read event: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return &ev, nil
}

// List returns events newest-first after applying the query filters. The
// returned total counts all matches before pagination.
func (l *Log) List(namespace, project string, q ListQuery) ([]*Event, int, error) {
	dir, err := l.logsDir(namespace, project)
	if err != nil {
		return nil, 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Event{}, 0, nil
		}
		return nil, 0, fmt.Errorf("list events: %w", err)
	}

	matched := make([]*Event, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Warn("skipping corrupt event file %s: %v", entry.Name(), err)
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if !q.StartTime.IsZero() && ev.Timestamp.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && ev.Timestamp.After(q.EndTime) {
			continue
		}
		matched = append(matched, &ev)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*Event{}, total, nil
	}
	page := matched[offset:]
	if q.Limit > 0 && q.Limit < len(page) {
		page = page[:q.Limit]
	}
	return page, total, nil
}

func (l *Log) logsDir(namespace, project string) (string, error) {
	dir, err := l.dirs.Dir(namespace, project)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logsDirName), nil
}

// write persists one event record under the project's write lock.
func (l *Log) write(ev *Event) error {
	lk := l.lockFor(ev.Namespace, ev.Project)
	lk.Lock()
	defer lk.Unlock()

	dir, err := l.logsDir(ev.Namespace, ev.Project)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	path := filepath.Join(dir, ev.ID+".json")
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persist event %s: %w", ev.ID, err)
	}
	return nil
}
