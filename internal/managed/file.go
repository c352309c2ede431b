// Package managed implements the per-file state machine of the cache.
//
// Every cached path is represented by exactly one File between admission and
// deletion. The File arbitrates concurrent readers, the download that
// materializes it, and the evictor: state transitions are totally ordered
// under the file's own mutex, and every transition is broadcast to waiters.
package managed

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecache/dfscache/internal/cachepath"
	"github.com/edgecache/dfscache/internal/errutil"
	"github.com/edgecache/dfscache/internal/status"
)

// State is the lifecycle state of a cached file.
type State int32

const (
	// StateAmorphous is the birth state: the file is registered but not yet
	// accepted by anybody.
	StateAmorphous State = iota

	// StateInUseBySync means the file is being read from the network.
	StateInUseBySync

	// StateHasClients means at least one reader holds an open handle.
	StateHasClients

	// StateIdle means the file is local and unused. Together with
	// StateForbidden and StateAmorphous it is the only state eviction may
	// start from.
	StateIdle

	// StateForbidden means the file must not be used; a resync may be
	// attempted after the retry interval elapses.
	StateForbidden

	// StateMarkedForDeletion is terminal.
	StateMarkedForDeletion

	// StateUnderWrite means an external writer owns the file. It blocks
	// eviction the same way StateHasClients does.
	StateUnderWrite
)

func (s State) String() string {
	switch s {
	case StateAmorphous:
		return "AMORPHOUS"
	case StateInUseBySync:
		return "IN_USE_BY_SYNC"
	case StateHasClients:
		return "HAS_CLIENTS"
	case StateIdle:
		return "IDLE"
	case StateForbidden:
		return "FORBIDDEN"
	case StateMarkedForDeletion:
		return "MARKED_FOR_DELETION"
	case StateUnderWrite:
		return "UNDER_WRITE"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// WeightChangedFunc is invoked with the size delta whenever a file's
// estimated size changes, so the owning cache can adjust its accounting.
type WeightChangedFunc func(delta int64)

// File is one managed cache entry. Construct with New; the zero value is not
// usable.
type File struct {
	localPath string
	identity  cachepath.Identity
	remote    string

	state       atomic.Int32
	users       atomic.Int32
	subscribers atomic.Int32

	// lastSyncAttempt is the unix-nano timestamp of the most recent
	// transition into StateInUseBySync.
	lastSyncAttempt atomic.Int64
	retryInterval   time.Duration

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every broadcast

	estimatedSize int64
	prevSize      int64
	lastAccess    time.Time

	onWeightChanged WeightChangedFunc
}

// DefaultRetryInterval is the minimum gap between resync attempts of a
// forbidden file when no interval is configured.
const DefaultRetryInterval = 6 * time.Minute

// New builds a File for a local path. The remote identity is recovered
// through the codec; when the path does not decode the file is born
// StateForbidden and must not be admitted.
func New(localPath string, codec *cachepath.Codec, retryInterval time.Duration) *File {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	f := &File{
		localPath:     localPath,
		retryInterval: retryInterval,
		changed:       make(chan struct{}),
	}
	id, ok := codec.Decode(localPath)
	if !ok {
		f.state.Store(int32(StateForbidden))
		return f
	}
	f.identity = id
	f.remote = id.Remote()
	f.state.Store(int32(StateAmorphous))
	return f
}

// LocalPath returns the file's path under the cache root.
func (f *File) LocalPath() string { return f.localPath }

// Identity returns the remote identity of the file.
func (f *File) Identity() cachepath.Identity { return f.identity }

// Remote returns the network path, e.g. hdfs://nn:8020/a/b.
func (f *File) Remote() string { return f.remote }

// RelativeName returns the file path within its origin file system.
func (f *File) RelativeName() string { return f.identity.Relative }

// State returns the current state with acquire ordering.
func (f *File) State() State { return State(f.state.Load()) }

// Valid reports whether the file may still be relied upon.
func (f *File) Valid() bool {
	s := f.State()
	return s != StateForbidden && s != StateMarkedForDeletion
}

// Exists reports whether the file content is present and usable locally.
func (f *File) Exists() bool {
	s := f.State()
	return s == StateIdle || s == StateHasClients
}

// Users returns the number of held reader handles.
func (f *File) Users() int { return int(f.users.Load()) }

// Subscribers returns the number of threads awaiting a state change.
func (f *File) Subscribers() int { return int(f.subscribers.Load()) }

// SetWeightChanged installs the weight-change callback. It is supplied at
// admission; the file never owns its cache.
func (f *File) SetWeightChanged(fn WeightChangedFunc) {
	f.mu.Lock()
	f.onWeightChanged = fn
	f.mu.Unlock()
}

// broadcastLocked wakes every waiter. Callers hold f.mu.
func (f *File) broadcastLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// SetState transitions the file and broadcasts the change. A file marked for
// deletion stays marked: the call is a no-op. Entering StateInUseBySync
// stamps the last sync attempt.
func (f *File) SetState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if State(f.state.Load()) == StateMarkedForDeletion {
		return
	}
	if s == StateInUseBySync {
		f.lastSyncAttempt.Store(time.Now().UnixNano())
	}
	f.state.Store(int32(s))
	f.broadcastLocked()
}

// MarkForDeletion attempts the terminal transition. It succeeds only from
// StateIdle, StateForbidden or StateAmorphous. The return value is true only
// when the transition happened and no subscribers remain; when it happened
// but subscribers are still draining, the file reports
// StateMarkedForDeletion and the caller must defer physical removal until
// the last subscriber is gone.
func (f *File) MarkForDeletion() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch State(f.state.Load()) {
	case StateIdle, StateForbidden, StateAmorphous:
		f.state.Store(int32(StateMarkedForDeletion))
		f.broadcastLocked()
		return f.subscribers.Load() == 0
	default:
		return false
	}
}

// Subscribe registers the caller as a waiter for state changes. It fails
// when the file is already marked for deletion; the caller should then
// repeat its lookup from scratch.
func (f *File) Subscribe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if State(f.state.Load()) == StateMarkedForDeletion {
		return false
	}
	f.subscribers.Add(1)
	return true
}

// Unsubscribe drops a subscription taken with Subscribe. The broadcast lets
// a deferred deletion proceed once the last subscriber is gone.
func (f *File) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers.Add(-1)
	f.broadcastLocked()
}

// WaitTerminal blocks until the file leaves the in-flight states
// (StateAmorphous, StateInUseBySync) or the deadline passes. The returned
// bool is false on timeout.
func (f *File) WaitTerminal(timeout time.Duration) (State, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		f.mu.Lock()
		s := State(f.state.Load())
		if s != StateAmorphous && s != StateInUseBySync {
			f.mu.Unlock()
			return s, true
		}
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return s, false
		}
	}
}

// WaitTerminalContext is WaitTerminal bounded by a context instead of a
// duration.
func (f *File) WaitTerminalContext(ctx context.Context) (State, error) {
	for {
		f.mu.Lock()
		s := State(f.state.Load())
		if s != StateAmorphous && s != StateInUseBySync {
			f.mu.Unlock()
			return s, nil
		}
		ch := f.changed
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// WaitSubscribersDrained blocks until no subscribers remain. Used by the
// evictor to defer physical removal of a marked file.
func (f *File) WaitSubscribersDrained() {
	for {
		f.mu.Lock()
		if f.subscribers.Load() == 0 {
			f.mu.Unlock()
			return
		}
		ch := f.changed
		f.mu.Unlock()
		<-ch
	}
}

// Open takes a reader handle. The first open moves an idle file to
// StateHasClients.
func (f *File) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch State(f.state.Load()) {
	case StateIdle:
		f.users.Add(1)
		f.state.Store(int32(StateHasClients))
		f.broadcastLocked()
		return nil
	case StateHasClients, StateUnderWrite:
		f.users.Add(1)
		return nil
	case StateForbidden:
		return fmt.Errorf("%w: %s", status.ErrForbidden, f.localPath)
	default:
		return fmt.Errorf("%w: %s is %s", status.ErrNotFound, f.localPath, State(f.state.Load()))
	}
}

// Close releases a reader handle. The last close moves the file back to
// StateIdle.
func (f *File) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.users.Load() == 0 {
		return
	}
	if f.users.Add(-1) == 0 && State(f.state.Load()) == StateHasClients {
		f.state.Store(int32(StateIdle))
		f.broadcastLocked()
	}
}

// EstimatedSize returns the size the cache accounts for this file.
func (f *File) EstimatedSize() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimatedSize
}

// SetEstimatedSize records the new size and notifies the weight-change
// callback with the delta against the previous size. The callback runs
// outside the file mutex; it may re-enter the cache's admission path.
func (f *File) SetEstimatedSize(n int64) {
	f.mu.Lock()
	delta := n - f.prevSize
	f.prevSize = n
	f.estimatedSize = n
	cb := f.onWeightChanged
	f.mu.Unlock()
	if cb != nil && delta != 0 {
		cb(delta)
	}
}

// InitWeight seeds the size fields without firing the weight-change
// callback. The admitting cache accounts the initial weight itself, under
// its own lock; later SetEstimatedSize calls produce deltas against this
// value.
func (f *File) InitWeight(n int64) {
	f.mu.Lock()
	f.prevSize = n
	f.estimatedSize = n
	f.mu.Unlock()
}

// Size returns the actual on-disk size, or 0 when the file is absent or
// unreadable.
func (f *File) Size() int64 {
	info, err := os.Stat(f.localPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// LastAccess returns the recency timestamp: the on-disk mtime when it can be
// read, then the in-memory override, then the current time.
func (f *File) LastAccess() time.Time {
	info, err := os.Stat(f.localPath)
	if err == nil {
		return info.ModTime()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lastAccess.IsZero() {
		return f.lastAccess
	}
	return time.Now()
}

// SetLastAccess stamps the recency timestamp on disk and in memory. It
// refuses forbidden files. Filesystem errors are swallowed: the in-memory
// timestamp still advances.
func (f *File) SetLastAccess(t time.Time) error {
	if f.State() == StateForbidden {
		return fmt.Errorf("%w: refusing to touch %s", status.ErrForbidden, f.localPath)
	}
	errutil.LogMsg(os.Chtimes(f.localPath, t, t), "Failed to stamp mtime", "path", f.localPath)
	f.mu.Lock()
	f.lastAccess = t
	f.mu.Unlock()
	return nil
}

// LastSyncAttempt returns the time of the most recent sync attempt, zero if
// none happened.
func (f *File) LastSyncAttempt() time.Time {
	n := f.lastSyncAttempt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ShouldTryResync reports whether enough time has passed since the last sync
// attempt for a forbidden file to be retried.
func (f *File) ShouldTryResync() bool {
	n := f.lastSyncAttempt.Load()
	if n == 0 {
		return true
	}
	return time.Since(time.Unix(0, n)) > f.retryInterval
}

// TryResync atomically moves a forbidden file back into StateInUseBySync if
// the retry interval has elapsed. Exactly one of any concurrent callers
// wins.
func (f *File) TryResync() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if State(f.state.Load()) != StateForbidden || !f.ShouldTryResync() {
		return false
	}
	f.lastSyncAttempt.Store(time.Now().UnixNano())
	f.state.Store(int32(StateInUseBySync))
	f.broadcastLocked()
	return true
}

// Drop unlinks the file content from disk.
func (f *File) Drop() error {
	err := os.Remove(f.localPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// ForceDelete marks the file for deletion regardless of usage statistics and
// unlinks it from disk.
func (f *File) ForceDelete() error {
	f.mu.Lock()
	f.state.Store(int32(StateMarkedForDeletion))
	f.broadcastLocked()
	f.mu.Unlock()
	return f.Drop()
}
