// ABOUTME: Tests for the client registry
// ABOUTME: Covers admission limits, name conflicts, rename, sweep and broadcast
package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync-go/internal/protocol"
)

type sent struct {
	method  protocol.Method
	payload string
	dst     netip.AddrPort
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sent
	fail   map[netip.Addr]bool
}

func (f *fakeSender) Send(method protocol.Method, payload string, dst netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[dst.Addr()] {
		return errors.New("unreachable")
	}
	f.frames = append(f.frames, sent{method: method, payload: payload, dst: dst})
	return nil
}

func addr(last byte) netip.Addr {
	return netip.AddrFrom4([4]byte{192, 168, 1, last})
}

func TestUpsertAdmitsUpToLimit(t *testing.T) {
	r := New(Config{}, nil)
	now := time.Now()

	for i := 1; i <= protocol.DefaultMaxClients; i++ {
		got := r.Upsert(addr(byte(i)), fmt.Sprintf("cam-%02d", i), false, now)
		require.Equal(t, AdmittedNew, got)
	}

	got := r.Upsert(addr(11), "cam-11", false, now)
	assert.Equal(t, RejectedCapacity, got)
	assert.Equal(t, protocol.DefaultMaxClients, r.Len())
	_, ok := r.Get(addr(11))
	assert.False(t, ok)

	// known clients are still refreshed at capacity
	assert.Equal(t, Refreshed, r.Upsert(addr(3), "cam-03", true, now))
}

func TestFullTableRejectsCapacityBeforeName(t *testing.T) {
	r := New(Config{MaxClients: 2}, nil)
	now := time.Now()

	require.Equal(t, AdmittedNew, r.Upsert(addr(1), "cam-a", false, now))
	require.Equal(t, AdmittedNew, r.Upsert(addr(2), "cam-b", false, now))

	assert.Equal(t, RejectedCapacity, r.Upsert(addr(3), "cam-a", false, now))
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get(addr(3))
	assert.False(t, ok)

	rec, ok := r.Get(addr(1))
	require.True(t, ok)
	assert.Equal(t, "cam-a", rec.Name)
}

func TestUpsertNameConflict(t *testing.T) {
	r := New(Config{}, nil)
	now := time.Now()

	require.Equal(t, AdmittedNew, r.Upsert(addr(1), "cam", false, now))
	assert.Equal(t, RejectedNameConflict, r.Upsert(addr(2), "cam", false, now))
	assert.Equal(t, 1, r.Len())

	rec, ok := r.Get(addr(1))
	require.True(t, ok)
	assert.Equal(t, "cam", rec.Name)

	// existing client taking a name held by another address
	require.Equal(t, AdmittedNew, r.Upsert(addr(2), "other", false, now))
	assert.Equal(t, RejectedNameConflict, r.Upsert(addr(2), "cam", false, now))
	rec, _ = r.Get(addr(2))
	assert.Equal(t, "other", rec.Name)
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := New(Config{}, nil)
	t0 := time.Now()

	require.Equal(t, AdmittedNew, r.Upsert(addr(1), "cam", false, t0))
	assert.Equal(t, Refreshed, r.Upsert(addr(1), "cam", false, t0))
	assert.Equal(t, Refreshed, r.Upsert(addr(1), "cam", true, t0.Add(time.Second)))
	assert.Equal(t, 1, r.Len())

	rec, _ := r.Get(addr(1))
	assert.True(t, rec.Synced)
	assert.Equal(t, t0.Add(time.Second), rec.LastHeartbeat)
}

func TestRenameKeepsLiveness(t *testing.T) {
	r := New(Config{}, nil)
	t0 := time.Now()
	r.Upsert(addr(1), "a", true, t0)
	r.Upsert(addr(2), "b", false, t0)

	assert.Equal(t, Renamed, r.Rename(addr(1), "a", "front"))
	rec, _ := r.Get(addr(1))
	assert.Equal(t, "front", rec.Name)
	assert.True(t, rec.Synced)
	assert.Equal(t, t0, rec.LastHeartbeat)

	assert.Equal(t, RenameConflict, r.Rename(addr(1), "front", "b"))
	assert.Equal(t, Renamed, r.Rename(addr(1), "front", "front"), "own name is not a conflict")
	assert.Equal(t, RenameNotFound, r.Rename(addr(9), "x", "y"))
}

func TestSweepRemovesStale(t *testing.T) {
	r := New(Config{StaleAfter: 3 * time.Second}, nil)
	t0 := time.Now()
	r.Upsert(addr(1), "old", true, t0)
	r.Upsert(addr(2), "fresh", true, t0.Add(2*time.Second))

	assert.Empty(t, r.Sweep(t0.Add(3*time.Second)), "exactly at the threshold is kept")

	removed := r.Sweep(t0.Add(3*time.Second + time.Millisecond))
	require.Len(t, removed, 1)
	assert.Equal(t, "old", removed[0].Name)
	assert.Equal(t, 1, r.Len())

	// the freed name can be taken by a new address
	assert.Equal(t, AdmittedNew, r.Upsert(addr(3), "old", false, t0.Add(4*time.Second)))
}

func TestRunSweepsOnEveryPeriod(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := New(Config{StaleAfter: time.Second, Now: clock}, nil)
	r.Upsert(addr(1), "cam", true, now)

	removed := make(chan []ClientRecord, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(testContext(t), 5*time.Millisecond, func(recs []ClientRecord) {
			removed <- recs
		})
	}()

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	select {
	case recs := <-removed:
		require.Len(t, recs, 1)
		assert.Equal(t, "cam", recs[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never swept the stale record")
	}
	assert.Equal(t, 0, r.Len())
}

func TestBroadcastSkipsFailures(t *testing.T) {
	fs := &fakeSender{fail: map[netip.Addr]bool{addr(2): true}}
	r := New(Config{ReplyPort: 9000}, fs)
	now := time.Now()
	r.Upsert(addr(1), "a", true, now)
	r.Upsert(addr(2), "b", true, now)
	r.Upsert(addr(3), "c", true, now)

	n := r.Broadcast(protocol.MethodStopRecording, "0")
	assert.Equal(t, 2, n)
	require.Len(t, fs.frames, 2)
	assert.Equal(t, netip.AddrPortFrom(addr(1), 9000), fs.frames[0].dst)
	assert.Equal(t, netip.AddrPortFrom(addr(3), 9000), fs.frames[1].dst)
	assert.Equal(t, "0", fs.frames[1].payload)

	assert.Equal(t, 0, New(Config{}, nil).Broadcast(protocol.MethodStopRecording, "0"))
}

func TestSnapshotSortedAndDetached(t *testing.T) {
	r := New(Config{}, nil)
	now := time.Now()
	r.Upsert(addr(1), "zulu", false, now)
	r.Upsert(addr(2), "alpha", false, now)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Name)
	assert.Equal(t, "zulu", snap[1].Name)

	snap[0].Name = "mutated"
	rec, _ := r.Get(addr(2))
	assert.Equal(t, "alpha", rec.Name)
}

func TestSetOffsetAndClear(t *testing.T) {
	r := New(Config{}, nil)
	r.Upsert(addr(1), "a", true, time.Now())

	require.NoError(t, r.SetOffset(addr(1), -1500))
	rec, _ := r.Get(addr(1))
	assert.Equal(t, int64(-1500), rec.OffsetNs)

	assert.ErrorIs(t, r.SetOffset(addr(5), 1), ErrNotFound)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentUpsertsRespectLimit(t *testing.T) {
	r := New(Config{MaxClients: 5}, nil)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Upsert(addr(byte(i)), fmt.Sprintf("cam-%d", i), false, now)
			r.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, r.Len())
}
