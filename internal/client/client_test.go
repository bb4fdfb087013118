// ABOUTME: Tests for the client role
// ABOUTME: Runs a real leader on loopback and checks sync, cadence and routing
package client

import (
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync-go/internal/leader"
	"github.com/recsync/recsync-go/internal/protocol"
	internalsync "github.com/recsync/recsync-go/internal/sync"
	"github.com/recsync/recsync-go/internal/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func loopback(port int) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

// startPair runs a leader and one client that replies are routed to
func startPair(t *testing.T, lcfg leader.Config, ccfg Config) (*leader.Leader, *Client) {
	t.Helper()
	port := freePort(t)

	lcfg.ClientPort = port
	l, err := leader.New(lcfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ccfg.Port = port
	ccfg.Leader = loopback(l.Port())
	if ccfg.Name == "" {
		ccfg.Name = "cam-a"
	}
	c, err := New(ccfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return l, c
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Leader: loopback(1)})
	assert.Error(t, err)

	_, err = New(Config{Name: "cam"})
	assert.Error(t, err)
}

func TestClientSyncsWithLeader(t *testing.T) {
	synced := make(chan int64, 4)
	l, c := startPair(t, leader.Config{}, Config{
		UnsyncedInterval: 5 * time.Millisecond,
		Sync:             internalsync.Config{WindowSize: 10, MinRoundTrip: time.Nanosecond},
		OnSync:           func(ns int64) { synced <- ns },
	})

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("client never synced")
	}

	cs := c.Clock()
	require.True(t, cs.Synced())

	// Both stations share the host clock, so the converted time must land
	// close to the leader's own reading.
	leaderEstimate := cs.LeaderNow()
	leaderActual := l.Now()
	assert.InDelta(t, float64(leaderActual), float64(leaderEstimate), float64(20*time.Millisecond))

	assert.Eventually(t, func() bool {
		snap := l.Snapshot()
		return len(snap) == 1 && snap[0].Synced
	}, 3*time.Second, 20*time.Millisecond, "leader sees the synced flag")
}

func TestCadenceSlowsOnceSynced(t *testing.T) {
	c := &Client{cs: internalsync.NewClockSync(internalsync.Config{}), cfg: Config{
		UnsyncedInterval: 250 * time.Millisecond,
		SyncedInterval:   time.Second,
	}}
	assert.Equal(t, 250*time.Millisecond, c.interval())

	c.cs.SetLeaderFromLocal(0)
	assert.Equal(t, time.Second, c.interval())
}

func TestOffsetUpdateOverridesEstimate(t *testing.T) {
	synced := make(chan int64, 4)
	l, c := startPair(t, leader.Config{}, Config{
		Sync:   internalsync.Config{WindowSize: 1000},
		OnSync: func(ns int64) { synced <- ns },
	})

	var addr netip.Addr
	require.Eventually(t, func() bool {
		snap := l.Snapshot()
		if len(snap) == 0 {
			return false
		}
		addr = snap[0].Addr
		return true
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, l.PushOffset(addr, -777))
	select {
	case ns := <-synced:
		assert.Equal(t, int64(-777), ns)
	case <-time.After(2 * time.Second):
		t.Fatal("offset update not applied")
	}
	assert.True(t, c.Clock().Synced())
	assert.Equal(t, int64(-777), c.Clock().LeaderFromLocal())
}

func TestRejectionAndApplicationFramesReachOnMessage(t *testing.T) {
	var got atomic.Value
	received := make(chan struct{}, 4)
	l, _ := startPair(t, leader.Config{}, Config{
		OnMessage: func(req transport.Request) {
			got.Store(req)
			received <- struct{}{}
		},
	})

	require.Eventually(t, func() bool { return len(l.Snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, l.Broadcast(protocol.MethodSetTriggerTime, "123456"))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("application frame not delivered")
	}
	req := got.Load().(transport.Request)
	assert.Equal(t, protocol.MethodSetTriggerTime, req.Method)
	assert.Equal(t, "123456", req.Payload)
}

func TestRenameAndStatusReachLeader(t *testing.T) {
	statuses := make(chan protocol.ClientStatus, 4)
	l, c := startPair(t, leader.Config{
		OnStatus: func(_ netip.Addr, st protocol.ClientStatus) { statuses <- st },
	}, Config{Name: "before"})

	require.Eventually(t, func() bool { return len(l.Snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Rename("after"))
	assert.Equal(t, "after", c.Name())
	assert.Eventually(t, func() bool {
		snap := l.Snapshot()
		return len(snap) == 1 && snap[0].Name == "after"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		c.nameMu.RLock()
		defer c.nameMu.RUnlock()
		return c.renamedFrom == ""
	}, 3*time.Second, 10*time.Millisecond, "an ack after the rename settles it")

	require.NoError(t, c.ReportStatus(protocol.CameraReady))
	select {
	case st := <-statuses:
		assert.Equal(t, "after", st.Name)
		assert.Equal(t, protocol.CameraReady, st.Camera)
	case <-time.After(2 * time.Second):
		t.Fatal("status not delivered")
	}

	assert.Error(t, c.Rename(""))
}

func TestRefusedRenameKeepsPreviousName(t *testing.T) {
	l, c := startPair(t, leader.Config{
		StaleAfter:  300 * time.Millisecond,
		SweepPeriod: 50 * time.Millisecond,
	}, Config{
		Name:             "before",
		UnsyncedInterval: 20 * time.Millisecond,
		SyncedInterval:   50 * time.Millisecond,
		Sync:             internalsync.Config{WindowSize: 1000},
	})

	// A second station on another loopback address holds the name "taken"
	other, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2)})
	if err != nil {
		t.Skipf("cannot bind 127.0.0.2: %v", err)
	}
	defer other.Close()

	leaderAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.Port()}
	hb := protocol.Heartbeat{Name: "taken", ReportedIP: "127.0.0.2"}
	frame, err := transport.EncodeFrame(protocol.MethodHeartbeat, hb.Encode())
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			other.WriteToUDP(frame, leaderAddr)
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	require.Eventually(t, func() bool { return len(l.Snapshot()) == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Rename("taken"))
	time.Sleep(time.Second)

	assert.Equal(t, "before", c.Name())
	names := make(map[netip.Addr]string)
	for _, rec := range l.Snapshot() {
		names[rec.Addr] = rec.Name
	}
	assert.Equal(t, "before", names[netip.MustParseAddr("127.0.0.1")])
	assert.Equal(t, "taken", names[netip.MustParseAddr("127.0.0.2")])
}

func TestResyncTimerIsReplaced(t *testing.T) {
	_, c := startPair(t, leader.Config{}, Config{
		ResyncAfter: time.Hour,
		Sync:        internalsync.Config{WindowSize: 1000},
	})

	c.scheduleResync()
	first := c.resyncTimer
	c.scheduleResync()
	assert.NotSame(t, first, c.resyncTimer)
	assert.False(t, first.Stop(), "earlier timer was already stopped")
}

func TestCloseIsIdempotent(t *testing.T) {
	_, c := startPair(t, leader.Config{}, Config{})
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendToLeader(protocol.MethodSet2A, ""), transport.ErrClosed)
}
