package managed

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecache/dfscache/internal/cachepath"
	"github.com/edgecache/dfscache/internal/status"
)

func newTestFile(t *testing.T, retry time.Duration) (*File, string) {
	t.Helper()
	root := t.TempDir()
	codec, err := cachepath.New(root)
	require.NoError(t, err)
	local := filepath.Join(root, "hdfs", "nn_8020", "warehouse", "f1")
	return New(local, codec, retry), local
}

func TestNewDecodesIdentity(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	assert.Equal(t, StateAmorphous, f.State())
	assert.Equal(t, "hdfs", f.Identity().Scheme)
	assert.Equal(t, "nn", f.Identity().Host)
	assert.Equal(t, 8020, f.Identity().Port)
	assert.Equal(t, "warehouse/f1", f.RelativeName())
	assert.Equal(t, "hdfs://nn:8020/warehouse/f1", f.Remote())
}

func TestNewUndecodablePathIsForbidden(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	codec, err := cachepath.New(root)
	require.NoError(t, err)

	f := New(filepath.Join(root, "stray-file"), codec, 0)
	assert.Equal(t, StateForbidden, f.State())
	assert.False(t, f.Valid())
}

func TestSetStateBroadcastsAndRespectsTerminal(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)

	f.SetState(StateInUseBySync)
	assert.Equal(t, StateInUseBySync, f.State())
	assert.False(t, f.LastSyncAttempt().IsZero(), "entering sync must stamp the attempt time")

	f.SetState(StateIdle)
	require.True(t, f.MarkForDeletion())
	f.SetState(StateIdle)
	assert.Equal(t, StateMarkedForDeletion, f.State(), "a marked file never leaves the terminal state")
}

func TestMarkForDeletionStates(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		state State
		want  bool
	}{
		{StateAmorphous, true},
		{StateIdle, true},
		{StateForbidden, true},
		{StateInUseBySync, false},
		{StateHasClients, false},
		{StateUnderWrite, false},
	} {
		f, _ := newTestFile(t, 0)
		f.SetState(tc.state)
		got := f.MarkForDeletion()
		assert.Equal(t, tc.want, got, "mark from %s", tc.state)
		if tc.want {
			assert.Equal(t, StateMarkedForDeletion, f.State())
		} else {
			assert.Equal(t, tc.state, f.State())
		}
	}
}

func TestMarkForDeletionWithSubscribers(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	f.SetState(StateIdle)
	require.True(t, f.Subscribe())

	// The transition happens but the caller must defer physical removal.
	assert.False(t, f.MarkForDeletion())
	assert.Equal(t, StateMarkedForDeletion, f.State())

	drained := make(chan struct{})
	go func() {
		f.WaitSubscribersDrained()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain fired while a subscriber remained")
	case <-time.After(20 * time.Millisecond):
	}

	f.Unsubscribe()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not fire after the last unsubscribe")
	}
}

func TestSubscribeRefusedWhenMarked(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	require.True(t, f.MarkForDeletion())
	assert.False(t, f.Subscribe())
}

func TestOpenCloseTransitions(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	f.SetState(StateIdle)

	require.NoError(t, f.Open())
	assert.Equal(t, StateHasClients, f.State())
	assert.Equal(t, 1, f.Users())

	require.NoError(t, f.Open())
	assert.Equal(t, 2, f.Users())

	f.Close()
	assert.Equal(t, StateHasClients, f.State())

	f.Close()
	assert.Equal(t, StateIdle, f.State())
	assert.Equal(t, 0, f.Users())
}

func TestOpenRefusedOutsideLocalStates(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	f.SetState(StateInUseBySync)
	assert.Error(t, f.Open())

	f, _ = newTestFile(t, 0)
	f.SetState(StateForbidden)
	err := f.Open()
	assert.ErrorIs(t, err, status.ErrForbidden)
}

func TestEstimatedSizeDeltas(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)

	var mu sync.Mutex
	var deltas []int64
	f.SetWeightChanged(func(d int64) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	})

	f.SetEstimatedSize(100)
	f.SetEstimatedSize(130)
	f.SetEstimatedSize(90)
	f.SetEstimatedSize(90) // no change, no callback

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{100, 30, -40}, deltas)
	assert.Equal(t, int64(90), f.EstimatedSize())
}

func TestInitWeightSeedsWithoutCallback(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	fired := false
	f.SetWeightChanged(func(int64) { fired = true })

	f.InitWeight(50)
	assert.False(t, fired)
	assert.Equal(t, int64(50), f.EstimatedSize())

	f.SetEstimatedSize(70)
	assert.True(t, fired, "deltas after seeding must fire")
}

func TestLastAccessRefusedWhenForbidden(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	f.SetState(StateForbidden)
	err := f.SetLastAccess(time.Now())
	assert.ErrorIs(t, err, status.ErrForbidden)
}

func TestLastAccessStampsDisk(t *testing.T) {
	t.Parallel()

	f, local := newTestFile(t, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0755))
	require.NoError(t, os.WriteFile(local, []byte("x"), 0644))
	f.SetState(StateIdle)

	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, f.SetLastAccess(stamp))
	assert.True(t, f.LastAccess().Equal(stamp), "mtime should mirror the stamp")
}

func TestShouldTryResync(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 50*time.Millisecond)
	assert.True(t, f.ShouldTryResync(), "a file never synced may always be tried")

	f.SetState(StateInUseBySync)
	f.SetState(StateForbidden)
	assert.False(t, f.ShouldTryResync())

	time.Sleep(80 * time.Millisecond)
	assert.True(t, f.ShouldTryResync())
}

func TestTryResyncSingleWinner(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, time.Nanosecond)
	f.SetState(StateInUseBySync)
	f.SetState(StateForbidden)
	time.Sleep(time.Millisecond)

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- f.TryResync()
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller may redispatch the sync")
	assert.Equal(t, StateInUseBySync, f.State())
}

func TestWaitTerminal(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	f.SetState(StateInUseBySync)

	done := make(chan State, 1)
	go func() {
		st, ok := f.WaitTerminal(5 * time.Second)
		if ok {
			done <- st
		}
	}()

	time.Sleep(10 * time.Millisecond)
	f.SetState(StateIdle)

	select {
	case st := <-done:
		assert.Equal(t, StateIdle, st)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe the terminal state")
	}
}

func TestWaitTerminalTimeout(t *testing.T) {
	t.Parallel()

	f, _ := newTestFile(t, 0)
	f.SetState(StateInUseBySync)
	_, ok := f.WaitTerminal(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestUsersImplyHasClients(t *testing.T) {
	t.Parallel()

	// Invariant: users > 0 implies HAS_CLIENTS, which is never evictable.
	f, _ := newTestFile(t, 0)
	f.SetState(StateIdle)
	require.NoError(t, f.Open())

	assert.Positive(t, f.Users())
	assert.Equal(t, StateHasClients, f.State())
	assert.False(t, f.MarkForDeletion())
}
