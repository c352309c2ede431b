// Package eviction owns admission, weight accounting and eviction for the
// cache.
//
// All writes to the indexed store and to the accounted weight happen under
// one admission lock, so the weight is always consistent with store
// membership. Per-file mutexes are leaf locks: the engine may take a file's
// lock while holding the admission lock, never the other way around.
package eviction

import (
	"log/slog"
	"sync"
	"time"

	"github.com/edgecache/dfscache/internal/errutil"
	"github.com/edgecache/dfscache/internal/managed"
	"github.com/edgecache/dfscache/internal/store"
)

// Engine drives admission and eviction over an indexed store.
type Engine struct {
	mu       sync.Mutex // the admission lock
	store    *store.Store
	monitor  CapacityMonitor
	current  int64 // accounted weight of admitted files
	physical bool  // unlink evicted files from disk
}

// New creates an engine over st. When physical is true, evicted and removed
// files are also unlinked from disk.
func New(st *store.Store, monitor CapacityMonitor, physical bool) *Engine {
	return &Engine{
		store:    st,
		monitor:  monitor,
		physical: physical,
	}
}

// CurrentWeight returns the accounted disk weight.
func (e *Engine) CurrentWeight() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Len returns the number of admitted files.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Len()
}

// Find returns the admitted file for the path, or nil.
func (e *Engine) Find(path string) *managed.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(path)
}

// Files returns the admitted files in eviction order.
func (e *Engine) Files() []*managed.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*managed.File, 0, e.store.Len())
	e.store.Scan(func(f *managed.File) bool {
		out = append(out, f)
		return true
	})
	return out
}

// Admit inserts the candidate with the given initial weight, evicting idle
// victims first when the capacity monitor demands it. A duplicate admission
// returns the existing entry and drops the candidate. Insertion proceeds
// even when no victim could be evicted; the overflow is logged, not an
// error.
func (e *Engine) Admit(f *managed.File, weight int64) (*managed.File, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing := e.store.Get(f.LocalPath()); existing != nil {
		return existing, false
	}
	e.makeRoomLocked(weight)
	e.store.Add(f)
	f.InitWeight(weight)
	e.current += weight
	f.SetWeightChanged(e.weightChanged)
	return f, true
}

// weightChanged adjusts the accounted weight when a file's estimated size
// moves, and reruns admission when the file grew.
func (e *Engine) weightChanged(delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current += delta
	if delta > 0 {
		e.makeRoomLocked(0)
	}
}

// Touch promotes the file's recency and stamps its access time.
func (e *Engine) Touch(path string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.store.Touch(path) {
		return
	}
	f := e.store.Get(path)
	errutil.LogMsg(f.SetLastAccess(now), "Failed to stamp access time", "path", path)
}

// Remove force-deletes the file regardless of usage statistics and drops it
// from the store and, when the engine is physical, from disk.
func (e *Engine) Remove(path string) {
	e.mu.Lock()
	f := e.store.Remove(path)
	if f != nil {
		e.current -= f.EstimatedSize()
	}
	e.mu.Unlock()
	if f == nil {
		return
	}
	if e.physical {
		errutil.LogMsg(f.ForceDelete(), "Failed to delete cached file", "path", path)
	} else {
		_ = f.MarkForDeletion()
	}
}

// Reset drops all metadata without touching disk content.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Clear(nil)
	e.current = 0
}

// CheckCapacity reruns the capacity policy; the serve loop calls it on a
// timer so min-free-space pressure is noticed without an admission.
func (e *Engine) CheckCapacity() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.makeRoomLocked(0)
}

// makeRoomLocked evicts idle LRU-front victims until the monitor is
// satisfied with current+incoming, or no evictable victim remains. Callers
// hold e.mu.
func (e *Engine) makeRoomLocked(incoming int64) {
	need, err := e.monitor.BytesToFree(e.current + incoming)
	if err != nil {
		errutil.ReportError(err, "Capacity check failed")
		return
	}
	if need <= 0 {
		return
	}

	// Scan in eviction order without mutating, then delete the victims.
	var candidates []*managed.File
	e.store.Scan(func(f *managed.File) bool {
		candidates = append(candidates, f)
		return true
	})

	var freed int64
	for _, victim := range candidates {
		if freed >= need {
			break
		}
		if w, ok := e.deleteLocked(victim); ok {
			freed += w
		}
	}

	if freed < need {
		slog.Warn("Cache capacity exceeded and no idle victim remains",
			"over_bytes", need-freed, "current_weight", e.current)
	}
}

// deleteLocked tries to evict one file. The file must be markable for
// deletion (idle, forbidden or amorphous); a file in use is skipped. When
// the mark succeeds but subscribers are still draining, physical removal is
// deferred until the last subscriber leaves. Callers hold e.mu.
func (e *Engine) deleteLocked(f *managed.File) (int64, bool) {
	drained := f.MarkForDeletion()
	if !drained && f.State() != managed.StateMarkedForDeletion {
		// In use by a client, a writer or the sync module: not a victim.
		return 0, false
	}

	w := f.EstimatedSize()
	e.store.Remove(f.LocalPath())
	e.current -= w
	slog.Info("Evicting file", "path", f.LocalPath(), "weight", w)

	if !e.physical {
		return w, true
	}
	if drained {
		errutil.LogMsg(f.Drop(), "Failed to unlink evicted file", "path", f.LocalPath())
		return w, true
	}
	go func() {
		f.WaitSubscribersDrained()
		errutil.LogMsg(f.Drop(), "Failed to unlink evicted file", "path", f.LocalPath())
	}()
	return w, true
}
