// ABOUTME: Tests for the recording controller, status board and start command codec
// ABOUTME: A fake station records broadcasts instead of sending datagrams
package control

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/registry"
	internalsync "github.com/recsync/recsync-go/internal/sync"
	"github.com/recsync/recsync-go/internal/timeutil"
)

type broadcast struct {
	method  protocol.Method
	payload string
}

type fakeStation struct {
	mu      sync.Mutex
	clients []registry.ClientRecord
	now     int64
	sent    []broadcast
}

func (f *fakeStation) Snapshot() []registry.ClientRecord { return f.clients }
func (f *fakeStation) Now() int64                        { return f.now }

func (f *fakeStation) Broadcast(method protocol.Method, payload string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, broadcast{method: method, payload: payload})
	return len(f.clients)
}

func addr(last byte) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 0, 0, last})
}

func readyStation(board *StatusBoard) *fakeStation {
	st := &fakeStation{
		now: 1_000_000_000,
		clients: []registry.ClientRecord{
			{Name: "left", Addr: addr(1), Synced: true},
			{Name: "right", Addr: addr(2), Synced: true},
		},
	}
	board.Record(addr(1), protocol.ClientStatus{Name: "left", Camera: protocol.CameraReady, Synced: true})
	board.Record(addr(2), protocol.ClientStatus{Name: "right", Camera: protocol.CameraReady, Synced: true})
	return st
}

func TestStartCommandRoundTrip(t *testing.T) {
	cmd := StartCommand{
		TriggerLeaderNs: 123456789,
		BatchID:         "b-1",
		RecordingParams: RecordingParams{Width: 1920, Height: 1080, FPS: 30, SubjectID: "s01", MovementID: "m02", EpisodeID: "e3", RetakeID: "r1"},
	}
	assert.Equal(t, "123456789|b-1|1920|1080|30|s01|m02|e3|r1", cmd.Encode())

	got, err := ParseStartCommand(cmd.Encode())
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
}

func TestParseStartCommand(t *testing.T) {
	legacy, err := ParseStartCommand("5|b|640|480|60|s|m|e1")
	require.NoError(t, err)
	assert.Equal(t, "", legacy.RetakeID)
	assert.Equal(t, 60, legacy.FPS)

	for _, bad := range []string{"", "5|b|640|480|60|s|m", "x|b|640|480|60|s|m|e", "5|b|wide|480|60|s|m|e", "5|b|640|-1|60|s|m|e"} {
		_, err := ParseStartCommand(bad)
		assert.ErrorIs(t, err, protocol.ErrMalformed, bad)
	}
}

func TestLocalTrigger(t *testing.T) {
	clock := timeutil.NewManualClock(10_000_000)
	cs := internalsync.NewClockSync(internalsync.Config{Clock: clock})
	// leader runs 3ms ahead of us
	cs.SetLeaderFromLocal(-3_000_000)

	cmd := StartCommand{TriggerLeaderNs: cs.LeaderNow() + int64(200*time.Millisecond)}
	local, wait := LocalTrigger(cmd, cs)
	assert.Equal(t, int64(10_000_000)+int64(200*time.Millisecond), local)
	assert.Equal(t, 200*time.Millisecond, wait)

	clock.Advance(time.Second)
	_, wait = LocalTrigger(cmd, cs)
	assert.Zero(t, wait, "past triggers fire immediately")
}

func TestStatusBoard(t *testing.T) {
	b := NewStatusBoard()
	b.Record(addr(2), protocol.ClientStatus{Name: "b", Camera: protocol.CameraRecording})
	b.Record(addr(1), protocol.ClientStatus{Name: "a", Camera: protocol.CameraReady, Synced: true})

	st, ok := b.Get("a")
	require.True(t, ok)
	assert.Equal(t, protocol.CameraReady, st.Camera)
	assert.Equal(t, addr(1), st.Addr)
	assert.False(t, st.UpdatedAt.IsZero())

	all := b.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)

	b.Retain([]string{"a"})
	_, ok = b.Get("b")
	assert.False(t, ok)
	assert.Len(t, b.All(), 1)
}

func TestReadinessGate(t *testing.T) {
	board := NewStatusBoard()
	st := readyStation(board)
	c := NewController(st, board, ControllerConfig{})

	assert.True(t, c.Readiness().Ready)

	st.clients[1].Synced = false
	board.Record(addr(1), protocol.ClientStatus{Name: "left", Camera: protocol.CameraNotReady})
	st.clients = append(st.clients, registry.ClientRecord{Name: "silent", Addr: addr(3), Synced: true})

	r := c.Readiness()
	assert.False(t, r.Ready)
	assert.Equal(t, 3, r.Clients)
	assert.Equal(t, []string{"right"}, r.NotSynced)
	assert.Equal(t, []string{"left", "silent"}, r.NotReady)
	assert.Contains(t, r.String(), "not synced: right")

	_, err := c.Start(RecordingParams{})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, st.sent, "nothing broadcast when the gate fails")
	assert.False(t, c.State().Recording)
}

func TestReadinessWithoutClients(t *testing.T) {
	c := NewController(&fakeStation{}, NewStatusBoard(), ControllerConfig{})
	r := c.Readiness()
	assert.False(t, r.Ready)
	assert.Equal(t, "no clients connected", r.String())
}

func TestStartBroadcastsTriggerWithLead(t *testing.T) {
	board := NewStatusBoard()
	st := readyStation(board)
	c := NewController(st, board, ControllerConfig{NewBatchID: func() string { return "batch-7" }})

	params := RecordingParams{Width: 1280, Height: 720, FPS: 60, SubjectID: "s1", MovementID: "m1", EpisodeID: "e1"}
	cmd, err := c.Start(params)
	require.NoError(t, err)

	assert.Equal(t, st.now+int64(DefaultTriggerLead), cmd.TriggerLeaderNs)
	assert.Equal(t, "batch-7", cmd.BatchID)

	require.Len(t, st.sent, 1)
	assert.Equal(t, protocol.MethodStartRecording, st.sent[0].method)
	decoded, err := ParseStartCommand(st.sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, cmd, decoded)

	state := c.State()
	assert.True(t, state.Recording)
	assert.Equal(t, 2, state.Sent)
	require.NotNil(t, state.Command)
	assert.Equal(t, "batch-7", state.Command.BatchID)

	assert.Equal(t, 2, c.Stop())
	assert.Equal(t, broadcast{method: protocol.MethodStopRecording, payload: "0"}, st.sent[1])
	assert.False(t, c.State().Recording)
}

func TestDefaultBatchIDsAreUnique(t *testing.T) {
	board := NewStatusBoard()
	st := readyStation(board)
	c := NewController(st, board, ControllerConfig{})

	a, err := c.Start(RecordingParams{})
	require.NoError(t, err)
	b, err := c.Start(RecordingParams{})
	require.NoError(t, err)
	assert.NotEqual(t, a.BatchID, b.BatchID)
	assert.Len(t, a.BatchID, 36)
}

func TestPhaseAlignAndTrigger(t *testing.T) {
	board := NewStatusBoard()
	st := readyStation(board)
	c := NewController(st, board, ControllerConfig{})

	assert.Equal(t, 2, c.PhaseAlign())
	assert.Equal(t, broadcast{method: protocol.MethodDoPhaseAlign}, st.sent[0])

	trigger, n := c.SetTriggerTime(time.Second)
	assert.Equal(t, 2, n)
	assert.Equal(t, st.now+int64(time.Second), trigger)
	assert.Equal(t, protocol.MethodSetTriggerTime, st.sent[1].method)
	assert.Equal(t, "2000000000", st.sent[1].payload)
}
