package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
)

const (
	component = "tasks"
	// progress reports closer together than this are only kept in memory
	reportInterval = 250 * time.Millisecond
	storeTimeout   = 5 * time.Second
)

// Manager owns every task started by this process.
type Manager struct {
	store Store
	pub   Publisher
	sem   *semaphore.Weighted

	base context.Context
	stop context.CancelCauseFunc

	mu      sync.Mutex
	running map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

type handle struct {
	m      *Manager
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu       sync.Mutex
	task     Task
	lastSave time.Time
}

// NewManager runs at most workers tasks at once; further submissions wait in
// the queued state. pub may be nil.
func NewManager(store Store, pub Publisher, workers int) *Manager {
	if workers <= 0 {
		workers = 4
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Manager{
		store:   store,
		pub:     pub,
		sem:     semaphore.NewWeighted(int64(workers)),
		base:    base,
		stop:    stop,
		running: map[string]*handle{},
	}
}

// Submit queues fn and returns its handle immediately. timeout <= 0 means no
// deadline.
func (m *Manager) Submit(kind string, timeout time.Duration, fn Func) (Task, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Task{}, ErrShuttingDown
	}
	ctx, cancel := context.WithCancelCause(m.base)
	h := &handle{
		m:      m,
		cancel: cancel,
		done:   make(chan struct{}),
		task: Task{
			ID:        uuid.NewString(),
			Kind:      kind,
			State:     StateQueued,
			CreatedAt: time.Now().UTC(),
		},
	}
	m.running[h.task.ID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	snap := h.snapshot()
	h.persist(snap, true)
	go m.run(ctx, h, timeout, fn)
	return snap, nil
}

func (m *Manager) run(ctx context.Context, h *handle, timeout time.Duration, fn Func) {
	defer m.wg.Done()
	defer close(h.done)
	defer h.cancel(nil)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		h.finish(ctx, nil, err)
		return
	}
	defer m.sem.Release(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	h.update(func(t *Task) {
		now := time.Now().UTC()
		t.State = StateRunning
		t.StartedAt = &now
	}, true)

	var (
		res interface{}
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
			}
		}()
		res, err = fn(ctx, h)
	}()
	h.finish(ctx, res, err)
}

func (h *handle) finish(ctx context.Context, res interface{}, err error) {
	state, msg := StateCompleted, ""
	var raw json.RawMessage
	if err == nil && res != nil {
		b, merr := json.Marshal(res)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			raw = b
		}
	}
	if err != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrCancelled) || errors.Is(err, ErrCancelled):
			state, msg = StateCancelled, ErrCancelled.Error()
		case errors.Is(cause, ErrShuttingDown):
			state, msg = StateCancelled, ErrShuttingDown.Error()
		case errors.Is(cause, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			state, msg = StateFailed, ErrTimeout.Error()
		default:
			state, msg = StateFailed, err.Error()
		}
	}

	h.update(func(t *Task) {
		now := time.Now().UTC()
		t.State = state
		t.Error = msg
		t.Result = raw
		t.FinishedAt = &now
		if state == StateCompleted && t.Total > 0 {
			t.Done = t.Total
		}
	}, true)

	h.m.mu.Lock()
	delete(h.m.running, h.task.ID)
	h.m.mu.Unlock()

	metrics.Tasks.WithLabelValues(h.task.Kind, string(state)).Inc()
	if err != nil {
		logger.Err(component, h.task.Kind, err, "task_id", h.task.ID, "state", string(state))
	} else {
		logger.L().Infow("task finished", "component", component, "task_id", h.task.ID, "kind", h.task.Kind)
	}
}

// Report implements Reporter.
func (h *handle) Report(done, total int, message string) {
	h.update(func(t *Task) {
		t.Done, t.Total, t.Message = done, total, message
	}, false)
}

func (h *handle) snapshot() Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task
}

func (h *handle) update(fn func(*Task), force bool) {
	h.mu.Lock()
	fn(&h.task)
	snap := h.task
	save := force || time.Since(h.lastSave) >= reportInterval || (snap.Total > 0 && snap.Done >= snap.Total)
	if save {
		h.lastSave = time.Now()
	}
	h.mu.Unlock()
	if save {
		h.persist(snap, force)
	}
}

// Store and publish failures never fail the task itself.
func (h *handle) persist(t Task, publish bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.m.store.Save(ctx, t); err != nil {
		logger.Err(component, "save", err, "task_id", t.ID)
	}
	if publish {
		if err := h.m.pub.Publish(ctx, t); err != nil {
			logger.Err(component, "publish", err, "task_id", t.ID)
		}
	}
}

// Get returns the freshest view of a task: in-memory while it runs, the
// store afterwards.
func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	h, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		return h.snapshot(), nil
	}
	return m.store.Load(ctx, id)
}

// Cancel requests cancellation. Cancelling a finished task is a no-op that
// returns its final state.
func (m *Manager) Cancel(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	h, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return m.store.Load(ctx, id)
	}
	h.cancel(ErrCancelled)
	return h.snapshot(), nil
}

// Wait blocks until the task finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	h, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
		return h.snapshot(), nil
	}
	return m.store.Load(ctx, id)
}

// Shutdown stops accepting work, cancels everything in flight and waits for
// the task bodies to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return m.pub.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
