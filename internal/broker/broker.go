package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/logging"
)

const (
	defaultWorkerCount   = 4
	defaultQueueSize     = 256
	defaultTaskRetention = 24 * time.Hour
	defaultMaxTasks      = 10000
	defaultEvictInterval = 5 * time.Minute
	defaultPollInterval  = 200 * time.Millisecond
)

// Broker runs named background tasks on a fixed pool of worker goroutines.
//
// Submitters enqueue work and receive a task id; pollers read state and
// results through non-blocking accessors or the Wait helper. Task records
// follow pending -> started -> {success | failure | revoked} and terminal
// records are immutable.
type Broker struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	groups   map[string]*group
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc
	closed   bool

	pending chan string
	running atomic.Int64

	workers   int
	queueSize int
	retention time.Duration
	maxSize   int

	persistencePath string
	logger          logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(b *Broker) { b.workers = n }
}

// WithQueueSize sets the pending queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Broker) { b.queueSize = n }
}

// WithLogger sets the broker logger.
func WithLogger(logger logging.Logger) Option {
	return func(b *Broker) { b.logger = logging.OrNop(logger) }
}

// WithPersistenceFile enables task record persistence in the specified file.
// Records survive restarts; work in flight at shutdown is reloaded as failed.
func WithPersistenceFile(path string) Option {
	return func(b *Broker) { b.persistencePath = strings.TrimSpace(path) }
}

// WithRetention sets how long terminal tasks are retained before eviction.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) { b.retention = d }
}

// WithMaxTasks sets the hard cap on total stored task records.
func WithMaxTasks(n int) Option {
	return func(b *Broker) { b.maxSize = n }
}

// New creates a broker and starts its workers. Call Close to stop them;
// workers finish the task they are on before exiting.
func New(opts ...Option) *Broker {
	b := &Broker{
		tasks:     make(map[string]*Task),
		groups:    make(map[string]*group),
		handlers:  make(map[string]Handler),
		cancels:   make(map[string]context.CancelFunc),
		workers:   defaultWorkerCount,
		queueSize: defaultQueueSize,
		retention: defaultTaskRetention,
		maxSize:   defaultMaxTasks,
		logger:    logging.Nop(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.workers <= 0 {
		b.workers = defaultWorkerCount
	}
	if b.queueSize <= 0 {
		b.queueSize = defaultQueueSize
	}
	b.pending = make(chan string, b.queueSize)
	b.loadFromDisk()
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.wg.Add(1)
	go b.evictLoop()
	return b
}

// Close stops accepting submissions and waits for workers to finish their
// current tasks. Queued tasks that never started stay pending in the record
// map (and are reloaded as failed when persistence is enabled).
func (b *Broker) Close() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stopCh)
		b.wg.Wait()
	})
}

// Register binds a handler to a task name. Submitting a name with no
// registered handler fails, so registration must happen before submission.
func (b *Broker) Register(name string, handler Handler) error {
	if strings.TrimSpace(name) == "" {
		return errors.InvalidArgumentError("task name is required")
	}
	if handler == nil {
		return errors.InvalidArgumentError("task handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[name]; exists {
		return errors.ConflictError(fmt.Sprintf("handler for task %q already registered", name))
	}
	b.handlers[name] = handler
	return nil
}

// Submit enqueues one task and returns its id immediately. A full queue
// fails the submission rather than blocking the caller.
func (b *Broker) Submit(name string, args map[string]any, meta map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", errors.UnavailableError("broker is closed")
	}
	if _, exists := b.handlers[name]; !exists {
		return "", errors.InvalidArgumentf("no handler registered for task %q", name)
	}

	task := newTask(name, args, meta, "")
	select {
	case b.pending <- task.ID:
	default:
		return "", errors.UnavailableError("task queue is full")
	}
	b.tasks[task.ID] = task
	b.persistLocked()
	return task.ID, nil
}

// Status returns the current state of a task or group without blocking.
func (b *Broker) Status(id string) (State, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if task, exists := b.tasks[id]; exists {
		return task.State, nil
	}
	if g, exists := b.groups[id]; exists {
		return b.groupStateLocked(g), nil
	}
	return "", errors.NotFoundf("task %s", id)
}

// Get returns a snapshot of a task record. Group ids yield a synthesized
// record whose Result carries the ordered child results once terminal.
func (b *Broker) Get(id string) (Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if task, exists := b.tasks[id]; exists {
		return snapshotTask(task), nil
	}
	if g, exists := b.groups[id]; exists {
		return b.groupRecordLocked(g), nil
	}
	return Task{}, errors.NotFoundf("task %s", id)
}

// Result returns the value produced by a terminal task. Non-terminal tasks
// are a conflict; failed tasks return their recorded error.
func (b *Broker) Result(id string) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if task, exists := b.tasks[id]; exists {
		return taskResult(task)
	}
	if g, exists := b.groups[id]; exists {
		return b.groupResultLocked(g)
	}
	return nil, errors.NotFoundf("task %s", id)
}

func taskResult(task *Task) (any, error) {
	switch task.State {
	case StateSuccess:
		return task.Result, nil
	case StateFailure:
		return nil, fmt.Errorf("task %s failed: %s", task.ID, task.Error)
	case StateRevoked:
		return nil, errors.ConflictError(fmt.Sprintf("task %s was revoked", task.ID))
	default:
		return nil, errors.ConflictError(fmt.Sprintf("task %s is still %s", task.ID, task.State))
	}
}

// Revoke cancels a task or group. Pending tasks flip straight to revoked
// and are skipped by workers; started tasks get their context cancelled and
// are marked revoked when the handler returns. Revoking an already terminal
// record is a conflict.
func (b *Broker) Revoke(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if task, exists := b.tasks[id]; exists {
		return b.revokeTaskLocked(task)
	}
	if g, exists := b.groups[id]; exists {
		return b.revokeGroupLocked(g)
	}
	return errors.NotFoundf("task %s", id)
}

func (b *Broker) revokeTaskLocked(task *Task) error {
	switch task.State {
	case StatePending:
		now := time.Now()
		task.State = StateRevoked
		task.CompletedAt = &now
		b.persistLocked()
		return nil
	case StateStarted:
		task.revokeRequested = true
		if cancel, exists := b.cancels[task.ID]; exists {
			cancel()
		}
		return nil
	default:
		return errors.ConflictError(fmt.Sprintf("task %s is already %s", task.ID, task.State))
	}
}

// Wait polls a task or group until it reaches a terminal state, the timeout
// budget elapses, or ctx is cancelled. It never sleeps the calling goroutine
// outside the select loop, so it is safe inside request handlers. On timeout
// it returns the last observed state together with ErrTimeout.
func (b *Broker) Wait(ctx context.Context, id string, timeout, pollInterval time.Duration) (State, any, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	state, value, done, err := b.poll(id)
	if err != nil || done {
		return state, value, err
	}

	var deadlineCh <-chan time.Time
	if timeout > 0 {
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		deadlineCh = deadline.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return state, nil, ctx.Err()
		case <-deadlineCh:
			return state, nil, errors.TimeoutError(fmt.Sprintf("task %s still %s after %s", id, state, timeout))
		case <-ticker.C:
		}
		state, value, done, err = b.poll(id)
		if err != nil || done {
			return state, value, err
		}
	}
}

func (b *Broker) poll(id string) (State, any, bool, error) {
	state, err := b.Status(id)
	if err != nil {
		return "", nil, false, err
	}
	if !state.Terminal() {
		return state, nil, false, nil
	}
	if state == StateRevoked {
		return state, nil, true, nil
	}
	value, err := b.Result(id)
	return state, value, true, err
}

// QueueDepth returns the number of tasks waiting for a worker.
func (b *Broker) QueueDepth() int {
	return len(b.pending)
}

// Running returns the number of tasks currently executing.
func (b *Broker) Running() int {
	return int(b.running.Load())
}

func (b *Broker) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case taskID := <-b.pending:
			b.runTask(taskID)
		}
	}
}

func (b *Broker) runTask(taskID string) {
	b.mu.Lock()
	task, exists := b.tasks[taskID]
	if !exists || task.State != StatePending {
		b.mu.Unlock()
		return
	}
	handler := b.handlers[task.Name]
	now := time.Now()
	task.State = StateStarted
	task.StartedAt = &now
	ctx, cancel := context.WithCancel(context.Background())
	b.cancels[taskID] = cancel
	ran := snapshotTask(task)
	b.persistLocked()
	b.mu.Unlock()

	b.running.Add(1)
	result, err := b.invoke(ctx, handler, &ran)
	b.running.Add(-1)
	cancel()

	b.complete(taskID, &ran, result, err)
}

func (b *Broker) invoke(ctx context.Context, handler Handler, task *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
			b.logger.Error("task %s (%s) handler panicked: %v", task.ID, task.Name, r)
		}
	}()
	if handler == nil {
		return nil, errors.InvalidArgumentf("no handler registered for task %q", task.Name)
	}
	return handler(ctx, task.Args, task)
}

func (b *Broker) complete(taskID string, ran *Task, result any, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.cancels, taskID)
	task, exists := b.tasks[taskID]
	if !exists {
		return
	}
	if len(ran.Meta) > 0 {
		if task.Meta == nil {
			task.Meta = make(map[string]string, len(ran.Meta))
		}
		for k, v := range ran.Meta {
			task.Meta[k] = v
		}
	}

	now := time.Now()
	task.CompletedAt = &now
	switch {
	case task.revokeRequested:
		task.State = StateRevoked
		if err != nil {
			task.Error = err.Error()
		}
	case err != nil:
		task.State = StateFailure
		task.Error = err.Error()
		b.logger.Warn("task %s (%s) failed: %v", task.ID, task.Name, err)
	default:
		task.State = StateSuccess
		task.Result = result
	}
	b.persistLocked()
}

func newTask(name string, args map[string]any, meta map[string]string, groupID string) *Task {
	task := &Task{
		ID:        "task-" + uuid.NewString(),
		Name:      name,
		GroupID:   groupID,
		State:     StatePending,
		Args:      args,
		CreatedAt: time.Now(),
	}
	if len(meta) > 0 {
		task.Meta = make(map[string]string, len(meta))
		for k, v := range meta {
			task.Meta[k] = v
		}
	}
	return task
}
