package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	states []State
}

func (p *recordingPublisher) Publish(_ context.Context, t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, t.State)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) seen() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.states...)
}

func wait(t *testing.T, m *Manager, id string) Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return task
}

func TestSubmitCompletes(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewManager(NewMemoryStore(time.Hour), pub, 2)
	defer m.Shutdown(context.Background())

	task, err := m.Submit("import", 0, func(ctx context.Context, r Reporter) (interface{}, error) {
		for i := 1; i <= 4; i++ {
			r.Report(i, 4, "districts")
		}
		return map[string]string{"plan_id": "p1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, task.State)

	done := wait(t, m, task.ID)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 1.0, done.Progress())
	assert.JSONEq(t, `{"plan_id":"p1"}`, string(done.Result))
	assert.NotNil(t, done.FinishedAt)

	stored, err := m.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, []State{StateQueued, StateRunning, StateCompleted}, pub.seen())
}

func TestSubmitFailure(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	defer m.Shutdown(context.Background())

	task, err := m.Submit("assign", 0, func(context.Context, Reporter) (interface{}, error) {
		return nil, errors.New("geocoder down")
	})
	require.NoError(t, err)
	done := wait(t, m, task.ID)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, "geocoder down", done.Error)
}

func TestPanicBecomesFailure(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	defer m.Shutdown(context.Background())

	task, _ := m.Submit("route", 0, func(context.Context, Reporter) (interface{}, error) {
		panic("index out of range")
	})
	done := wait(t, m, task.ID)
	assert.Equal(t, StateFailed, done.State)
	assert.Contains(t, done.Error, "panicked")
}

func blockUntilDone(ctx context.Context, _ Reporter) (interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancel(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	defer m.Shutdown(context.Background())

	started := make(chan struct{})
	task, _ := m.Submit("import", 0, func(ctx context.Context, r Reporter) (interface{}, error) {
		close(started)
		return blockUntilDone(ctx, r)
	})
	<-started
	_, err := m.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	done := wait(t, m, task.ID)
	assert.Equal(t, StateCancelled, done.State)

	again, err := m.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, again.State)
}

func TestCancelWhileQueued(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	defer m.Shutdown(context.Background())

	release := make(chan struct{})
	running := make(chan struct{})
	first, _ := m.Submit("a", 0, func(ctx context.Context, _ Reporter) (interface{}, error) {
		close(running)
		<-release
		return nil, nil
	})
	<-running
	second, _ := m.Submit("b", 0, func(context.Context, Reporter) (interface{}, error) {
		t.Error("queued task should not run after cancel")
		return nil, nil
	})

	_, err := m.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, wait(t, m, second.ID).State)

	close(release)
	assert.Equal(t, StateCompleted, wait(t, m, first.ID).State)
}

func TestTimeout(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	defer m.Shutdown(context.Background())

	task, _ := m.Submit("route", 20*time.Millisecond, blockUntilDone)
	done := wait(t, m, task.ID)
	assert.Equal(t, StateFailed, done.State)
	assert.Equal(t, ErrTimeout.Error(), done.Error)
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	task, _ := m.Submit("import", 0, blockUntilDone)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	stored, err := m.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, stored.State)

	_, err = m.Submit("import", 0, blockUntilDone)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Millisecond)
	require.NoError(t, s.Save(context.Background(), Task{ID: "x", State: StateCompleted}))
	time.Sleep(5 * time.Millisecond)
	_, err := s.Load(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(context.Background(), Task{ID: "y", State: StateRunning}))
	time.Sleep(5 * time.Millisecond)
	_, err = s.Load(context.Background(), "y")
	assert.NoError(t, err)
}

func TestRoutes(t *testing.T) {
	m := NewManager(NewMemoryStore(time.Hour), nil, 1)
	defer m.Shutdown(context.Background())

	task, _ := m.Submit("import", 0, func(context.Context, Reporter) (interface{}, error) { return 7, nil })
	wait(t, m, task.ID)

	r := chi.NewRouter()
	r.Mount("/tasks", SetupRoutes(m))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/"+task.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, 7.0, body["result"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tasks/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
