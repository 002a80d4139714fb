// Package vision runs streaming detection sessions: clients push JPEG
// frames over a websocket and get per-frame detections back. Sessions are
// tracked in a TTL-evicted registry so abandoned streams release their
// concurrency slot.
package vision

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

const (
	defaultIdleTTL       = 60 * time.Second
	defaultSweepInterval = 30 * time.Second
)

// CascadeConfig controls the detection cascade of one streaming session.
type CascadeConfig struct {
	Model         string   `json:"model,omitempty"`
	Classes       []string `json:"classes,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
}

// StreamSession is one live frame stream.
type StreamSession struct {
	ID              string
	Cascade         CascadeConfig
	StartedAt       time.Time
	LastFrameAt     time.Time
	FramesProcessed int64
}

// RegistryConfig tunes the session registry.
type RegistryConfig struct {
	// IdleTTL evicts sessions that stop sending frames. Default 60s.
	IdleTTL time.Duration

	// SweepInterval is how often the reaper scans. Default 30s.
	SweepInterval time.Duration

	// Slots caps concurrent streaming sessions across voice and vision when
	// shared. Nil means unbounded.
	Slots *semaphore.Weighted

	Logger logging.Logger
}

// Registry tracks streaming sessions under a single lock.
type Registry struct {
	idleTTL time.Duration
	slots   *semaphore.Weighted
	logger  logging.Logger

	mu       sync.Mutex
	sessions map[string]*StreamSession

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRegistry creates the registry and starts its reaper.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	r := &Registry{
		idleTTL:  cfg.IdleTTL,
		slots:    cfg.Slots,
		logger:   logging.OrNop(cfg.Logger),
		sessions: map[string]*StreamSession{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.sweepLoop(cfg.SweepInterval)
	return r
}

// Open admits a new streaming session, taking one concurrency slot.
func (r *Registry) Open(cascade CascadeConfig) (*StreamSession, error) {
	if r.slots != nil && !r.slots.TryAcquire(1) {
		return nil, errors.UnavailableError("too many concurrent streaming sessions")
	}
	now := time.Now()
	s := &StreamSession{
		ID:          uuid.NewString(),
		Cascade:     cascade,
		StartedAt:   now,
		LastFrameAt: now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.logger.Debug("vision session %s opened", s.ID)
	return s, nil
}

// Configure replaces a session's cascade config.
func (r *Registry) Configure(id string, cascade CascadeConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.NotFoundf("streaming session %q", id)
	}
	s.Cascade = cascade
	return nil
}

// Touch records one processed frame and returns the session's cascade and
// frame counter. The counter starts at 1 for the first frame.
func (r *Registry) Touch(id string) (CascadeConfig, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return CascadeConfig{}, 0, errors.NotFoundf("streaming session %q", id)
	}
	s.LastFrameAt = time.Now()
	s.FramesProcessed++
	return s.Cascade, s.FramesProcessed, nil
}

// Snapshot returns a copy of a session's current state.
func (r *Registry) Snapshot(id string) (StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return StreamSession{}, errors.NotFoundf("streaming session %q", id)
	}
	return *s, nil
}

// Close removes a session and releases its slot. Closing twice is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		if r.slots != nil {
			r.slots.Release(1)
		}
		r.logger.Debug("vision session %s closed", id)
	}
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops the reaper and drops all sessions.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle drops sessions whose last frame is older than the TTL.
func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.idleTTL)

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastFrameAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.Close(id)
		r.logger.Info("vision session %s evicted after %s idle", id, r.idleTTL)
	}
}
