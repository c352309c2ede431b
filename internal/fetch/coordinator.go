// Package fetch turns cache misses into downloads.
//
// The coordinator owns the single-flight guarantee: the caller that
// constructed a file runs Prepare and blocks until the transfer pool fires
// its completion callback; everyone else lands on the existing entry and
// waits through Await for the same terminal state.
package fetch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgecache/dfscache/internal/adaptor"
	"github.com/edgecache/dfscache/internal/managed"
	"github.com/edgecache/dfscache/internal/status"
	"github.com/edgecache/dfscache/internal/transfer"
)

// Coordinator drives file materialization through the transfer pool.
type Coordinator struct {
	pool *transfer.Pool
}

// New creates a coordinator over the pool.
func New(pool *transfer.Pool) *Coordinator {
	return &Coordinator{pool: pool}
}

type result struct {
	overall   bool
	cancelled bool

	st       transfer.TaskStatus
	progress []transfer.Progress
}

// Prepare downloads the file and blocks until its terminal state is known.
// On entry the file moves to StateInUseBySync; it ends StateIdle on success
// and StateForbidden on failure or cancellation. A ctx cancellation
// propagates to the download synchronously: when Prepare returns, the
// completion callback has fired.
func (c *Coordinator) Prepare(ctx context.Context, f *managed.File) error {
	f.SetState(managed.StateInUseBySync)

	id := f.Identity()
	desc := adaptor.Descriptor{Scheme: id.Scheme, Host: id.Host, Port: id.Port}
	items := []transfer.Item{{Relative: id.Relative, LocalPath: f.LocalPath()}}

	done := make(chan result, 1)
	session := newSessionToken()
	complete := func(got transfer.SessionContext, progress []transfer.Progress, _ transfer.Performance, overall, cancelled bool, st transfer.TaskStatus) {
		if got != session {
			slog.Error("Completion callback carries foreign session context", "path", f.LocalPath())
		}
		if len(progress) != len(items) {
			slog.Error("Completion progress count mismatch", "path", f.LocalPath(),
				"want", len(items), "got", len(progress))
		}
		done <- result{overall: overall, cancelled: cancelled, st: st, progress: progress}
	}

	sched, task := c.pool.Prepare(session, desc, items, complete)
	if sched != transfer.SchedulingAsync {
		f.SetState(managed.StateForbidden)
		f.SetEstimatedSize(f.Size())
		return fmt.Errorf("%w: prepare not scheduled (%s) for %s", status.ErrRequestFailed, sched, f.Remote())
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		task.Cancel(false)
		res = <-done
	}

	if res.overall && res.st == transfer.StatusCompletedOK {
		f.SetEstimatedSize(f.Size())
		f.SetState(managed.StateIdle)
		return nil
	}

	f.SetState(managed.StateForbidden)
	f.SetEstimatedSize(f.Size())
	err := firstError(res.progress)
	slog.Error("Failed to load file", "remote", f.Remote(), "status", res.st, "cancelled", res.cancelled, "error", err)
	if err != nil && (errors.Is(err, status.ErrNamenodeNotConfigured) || errors.Is(err, status.ErrNamenodeUnreachable)) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", status.ErrRequestFailed, f.Remote(), err)
	}
	return fmt.Errorf("%w: %s: %s", status.ErrRequestFailed, f.Remote(), res.st)
}

// Await subscribes to an in-flight file and adopts its terminal state. A
// status.ErrDeleted return means the file vanished underneath the caller,
// who should repeat the lookup from scratch.
func (c *Coordinator) Await(ctx context.Context, f *managed.File) error {
	if !f.Subscribe() {
		return status.ErrDeleted
	}
	defer f.Unsubscribe()

	st, err := f.WaitTerminalContext(ctx)
	if err != nil {
		return err
	}
	switch st {
	case managed.StateIdle, managed.StateHasClients, managed.StateUnderWrite:
		return nil
	case managed.StateMarkedForDeletion:
		return status.ErrDeleted
	default:
		return fmt.Errorf("%w: %s", status.ErrRequestFailed, f.Remote())
	}
}

// firstError surfaces the first per-file failure of a completion report.
func firstError(progress []transfer.Progress) error {
	for _, p := range progress {
		if p.Err != nil {
			return p.Err
		}
	}
	return nil
}

func newSessionToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "session-unknown"
	}
	return hex.EncodeToString(b[:])
}
