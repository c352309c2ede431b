// Package transfer runs download requests on a fixed-size worker pool and
// implements the prepare contract consumed by the fetch coordinator.
//
// A request is accepted only with SchedulingAsync; any other value means the
// completion callback will never fire. For an accepted request the callback
// fires exactly once, whether the downloads succeed, fail or are cancelled.
package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgecache/dfscache/internal/adaptor"
	"github.com/edgecache/dfscache/internal/errutil"
	"github.com/edgecache/dfscache/internal/nodes"
)

// SessionContext is the opaque caller-provided token echoed back through the
// completion callback.
type SessionContext any

// Scheduling is the synchronous answer to a Prepare call.
type Scheduling int

const (
	// SchedulingAsync means the request was queued and the completion
	// callback will fire. This is the only value that lets a caller proceed.
	SchedulingAsync Scheduling = iota

	// SchedulingQueueFull means the pending queue is at its bound.
	SchedulingQueueFull

	// SchedulingClosed means the pool is shut down.
	SchedulingClosed
)

func (s Scheduling) String() string {
	switch s {
	case SchedulingAsync:
		return "OPERATION_ASYNC_SCHEDULED"
	case SchedulingQueueFull:
		return "QUEUE_FULL"
	case SchedulingClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("Scheduling(%d)", int(s))
}

// TaskStatus is the terminal status of an accepted request.
type TaskStatus int

const (
	StatusCompletedOK TaskStatus = iota
	StatusFailed
	StatusCanceled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusCompletedOK:
		return "COMPLETED_OK"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	}
	return fmt.Sprintf("TaskStatus(%d)", int(s))
}

// Item is one file to materialize: its path within the origin and the local
// destination.
type Item struct {
	Relative  string
	LocalPath string
}

// Progress reports one item's outcome.
type Progress struct {
	Relative  string
	Bytes     int64
	Completed bool
	Err       error
}

// Performance carries the request's wall-clock bounds.
type Performance struct {
	Started  time.Time
	Finished time.Time
}

// CompletionFunc receives the terminal report of an accepted request.
type CompletionFunc func(session SessionContext, progress []Progress, perf Performance, overallOK bool, cancelled bool, st TaskStatus)

// Task is one accepted prepare request.
type Task struct {
	session  SessionContext
	desc     adaptor.Descriptor
	items    []Item
	complete CompletionFunc

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}

	mu       sync.Mutex
	progress []Progress
}

// Cancel aborts the task. With async false the call blocks until the worker
// acknowledges by firing the completion callback; with async true it returns
// immediately.
func (t *Task) Cancel(async bool) {
	t.cancel()
	if !async {
		<-t.finished
	}
}

// Done is closed once the completion callback has fired.
func (t *Task) Done() <-chan struct{} {
	return t.finished
}

// Snapshot returns a copy of the per-item progress so far.
func (t *Task) Snapshot() []Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Progress, len(t.progress))
	copy(out, t.progress)
	return out
}

func (t *Task) setProgress(i int, p Progress) {
	t.mu.Lock()
	t.progress[i] = p
	t.mu.Unlock()
}

// Pool runs prepare requests on a bounded number of workers consuming a
// bounded queue, preventing unbounded goroutine creation under miss storms.
type Pool struct {
	registry *nodes.Registry
	tasks    chan *Task
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates and starts a pool with the given worker count and pending
// queue bound.
func NewPool(registry *nodes.Registry, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers
	}
	p := &Pool{
		registry: registry,
		tasks:    make(chan *Task, queue),
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Prepare submits a download request for the given items. Only
// SchedulingAsync means the request was accepted; the returned Task is nil
// otherwise.
func (p *Pool) Prepare(session SessionContext, desc adaptor.Descriptor, items []Item, complete CompletionFunc) (Scheduling, *Task) {
	select {
	case <-p.done:
		return SchedulingClosed, nil
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		session:  session,
		desc:     desc,
		items:    items,
		complete: complete,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
		progress: make([]Progress, len(items)),
	}
	for i, item := range items {
		t.progress[i] = Progress{Relative: item.Relative}
	}

	select {
	case p.tasks <- t:
		return SchedulingAsync, t
	default:
		cancel()
		return SchedulingQueueFull, nil
	}
}

// Close stops the workers. Queued tasks are drained and completed as
// cancelled so no accepted request is left without its callback.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	for {
		select {
		case t := <-p.tasks:
			t.cancel()
			t.finish(false, true, StatusCanceled)
		default:
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.run(t)
		case <-p.done:
			return
		}
	}
}

func (t *Task) finish(overall, cancelled bool, st TaskStatus) {
	perf := Performance{Finished: time.Now()}
	t.complete(t.session, t.Snapshot(), perf, overall, cancelled, st)
	close(t.finished)
}

func (p *Pool) run(t *Task) {
	started := time.Now()

	bound, err := p.registry.Resolve(t.ctx, t.desc)
	if err != nil {
		for i := range t.items {
			t.setProgress(i, Progress{Relative: t.items[i].Relative, Err: err})
		}
		t.finishWithPerf(started, false, false, StatusFailed)
		return
	}

	conn, err := bound.Acquire(t.ctx)
	if err != nil {
		for i := range t.items {
			t.setProgress(i, Progress{Relative: t.items[i].Relative, Err: err})
		}
		t.finishWithPerf(started, false, t.ctx.Err() != nil, StatusCanceled)
		return
	}
	defer conn.Release()

	overall := true
	for i, item := range t.items {
		if t.ctx.Err() != nil {
			t.setProgress(i, Progress{Relative: item.Relative, Err: t.ctx.Err()})
			t.finishWithPerf(started, false, true, StatusCanceled)
			return
		}
		n, err := fetchOne(t.ctx, conn.Adaptor, item)
		t.setProgress(i, Progress{
			Relative:  item.Relative,
			Bytes:     n,
			Completed: err == nil,
			Err:       err,
		})
		if err != nil {
			overall = false
		}
	}

	if t.ctx.Err() != nil {
		t.finishWithPerf(started, false, true, StatusCanceled)
		return
	}
	if overall {
		t.finishWithPerf(started, true, false, StatusCompletedOK)
	} else {
		t.finishWithPerf(started, false, false, StatusFailed)
	}
}

func (t *Task) finishWithPerf(started time.Time, overall, cancelled bool, st TaskStatus) {
	perf := Performance{Started: started, Finished: time.Now()}
	t.complete(t.session, t.Snapshot(), perf, overall, cancelled, st)
	close(t.finished)
}

// fetchOne downloads a single item into a temp file next to its final
// location, then renames. A failed download never leaves a partial file at
// the final path.
func fetchOne(ctx context.Context, ad adaptor.Adaptor, item Item) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(item.LocalPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(item.LocalPath), ".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		errutil.LogMsg(removeIfExists(tmp.Name()), "Failed to remove temp file", "path", tmp.Name())
	}()

	n, err := ad.Fetch(ctx, item.Relative, tmp)
	if err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), item.LocalPath); err != nil {
		return n, fmt.Errorf("failed to rename to final path: %w", err)
	}
	return n, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
