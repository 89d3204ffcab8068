package spatial

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EmpoweredVote/EV-Districts/internal/logger"
	"github.com/EmpoweredVote/EV-Districts/internal/metrics"
)

// Source supplies the full geometry set for a rebuild.
type Source interface {
	LoadEntries(ctx context.Context) ([]Entry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Entry, error)

func (f SourceFunc) LoadEntries(ctx context.Context) ([]Entry, error) { return f(ctx) }

// Snapshot is one published index generation.
type Snapshot struct {
	Index   *Index
	Version uint64
	BuiltAt time.Time
}

// Registry publishes rebuilt indexes with a pointer swap. Readers holding a
// Snapshot keep using it while a rebuild runs.
type Registry struct {
	name string
	src  Source

	mu      sync.Mutex // serializes rebuilds
	current atomic.Pointer[Snapshot]
}

// NewRegistry starts with an empty index at version 0.
func NewRegistry(name string, src Source) *Registry {
	r := &Registry{name: name, src: src}
	r.current.Store(&Snapshot{Index: Build(nil), BuiltAt: time.Now()})
	return r
}

// Current returns the published snapshot. Never nil.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Index is shorthand for Current().Index.
func (r *Registry) Index() *Index {
	return r.Current().Index
}

// Rebuild loads every entry from the source, builds a fresh index and
// publishes it. On error the previous snapshot stays published.
func (r *Registry) Rebuild(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	entries, err := r.src.LoadEntries(ctx)
	if err != nil {
		logger.Err("spatial", "rebuild "+r.name, err)
		return nil, fmt.Errorf("load %s geometries: %w", r.name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix := Build(entries)
	prev := r.current.Load()
	snap := &Snapshot{Index: ix, Version: prev.Version + 1, BuiltAt: time.Now()}
	r.current.Store(snap)

	took := time.Since(start)
	metrics.IndexRebuildSeconds.WithLabelValues(r.name).Observe(took.Seconds())
	metrics.IndexSize.WithLabelValues(r.name).Set(float64(ix.Len()))
	logger.Op("spatial", "rebuild "+r.name, took, "entries", ix.Len(), "version", snap.Version)
	return snap, nil
}
