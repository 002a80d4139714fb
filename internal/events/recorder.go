package events

import (
	"sync"
	"time"
)

// Recorder accumulates one event's sub-events and terminal status. Safe for
// concurrent use; a recorder persists the full record after every mutation
// so a crash leaves at worst a truthful "running" snapshot on disk.
type Recorder struct {
	log   *Log
	start time.Time

	mu    sync.Mutex
	event *Event
	done  bool
}

// ID returns the event id.
func (r *Recorder) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.event.ID
}

// Sub appends a timed sub-event. Ignored after Complete or Fail.
func (r *Recorder) Sub(name string, data map[string]any) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.event.SubEvents = append(r.event.SubEvents, SubEvent{
		Timestamp:  time.Now().UTC(),
		EventName:  name,
		DurationMs: time.Since(r.start).Milliseconds(),
		Data:       data,
	})
	r.mu.Unlock()
	r.persist()
}

// TimeToFirstToken marks the moment the first streamed chunk went out. Only
// the first call counts.
func (r *Recorder) TimeToFirstToken() {
	r.mu.Lock()
	if r.done || r.event.TimeToFirstTokenMs != 0 {
		r.mu.Unlock()
		return
	}
	elapsed := time.Since(r.start).Milliseconds()
	if elapsed == 0 {
		elapsed = 1
	}
	r.event.TimeToFirstTokenMs = elapsed
	r.event.SubEvents = append(r.event.SubEvents, SubEvent{
		Timestamp:  time.Now().UTC(),
		EventName:  "first_token",
		DurationMs: elapsed,
	})
	r.mu.Unlock()
	r.persist()
}

// Complete marks the event completed and merges meta into its metadata.
func (r *Recorder) Complete(meta map[string]any) {
	r.finish(StatusCompleted, "", meta)
}

// Fail marks the event failed with the error's message.
func (r *Recorder) Fail(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.finish(StatusFailed, msg, nil)
}

func (r *Recorder) finish(status, errMsg string, meta map[string]any) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.event.Status = status
	r.event.Error = errMsg
	now := time.Now().UTC()
	r.event.CompletedAt = &now
	if len(meta) > 0 {
		if r.event.Metadata == nil {
			r.event.Metadata = map[string]any{}
		}
		for k, v := range meta {
			r.event.Metadata[k] = v
		}
	}
	r.mu.Unlock()
	r.persist()
}

// persist writes the current snapshot, logging failures instead of
// returning them: event logging never fails the request it observes.
func (r *Recorder) persist() {
	r.mu.Lock()
	snapshot := *r.event
	snapshot.SubEvents = append([]SubEvent(nil), r.event.SubEvents...)
	r.mu.Unlock()

	if err := r.log.write(&snapshot); err != nil {
		r.log.logger.Warn("event %s not persisted: %v", snapshot.ID, err)
	}
}
