// ABOUTME: Tests for the monitor HTTP API and websocket feed
// ABOUTME: Drives echo through httptest against a fake leader station
package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync-go/internal/control"
	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/registry"
)

type fakeStation struct {
	mu      sync.Mutex
	clients []registry.ClientRecord
	sent    []protocol.Method
	now     int64
}

func (f *fakeStation) Snapshot() []registry.ClientRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.ClientRecord(nil), f.clients...)
}

func (f *fakeStation) Broadcast(method protocol.Method, payload string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, method)
	return len(f.clients)
}

func (f *fakeStation) Now() int64      { return f.now }
func (f *fakeStation) MaxClients() int { return 10 }
func (f *fakeStation) ID() string      { return "leader-1" }

func newTestServer(t *testing.T, synced bool) (*Server, *fakeStation, *control.StatusBoard) {
	t.Helper()

	station := &fakeStation{
		now: 5_000_000_000,
		clients: []registry.ClientRecord{
			{Name: "cam-a", Addr: netip.MustParseAddr("192.168.1.20"), LastHeartbeat: time.Now(), Synced: synced, OffsetNs: -1200},
			{Name: "cam-b", Addr: netip.MustParseAddr("192.168.1.21"), LastHeartbeat: time.Now(), Synced: true},
		},
	}
	board := control.NewStatusBoard()
	board.Record(netip.MustParseAddr("192.168.1.20"), protocol.ClientStatus{Name: "cam-a", Camera: protocol.CameraReady, Synced: synced})
	board.Record(netip.MustParseAddr("192.168.1.21"), protocol.ClientStatus{Name: "cam-b", Camera: protocol.CameraReady, Synced: true})

	ctrl := control.NewController(station, board, control.ControllerConfig{
		NewBatchID: func() string { return "batch-1" },
	})

	s, err := New(Config{
		Station:      station,
		Board:        board,
		Controller:   ctrl,
		Defaults:     control.RecordingParams{Width: 1920, Height: 1080, FPS: 30},
		NetworkMode:  func() string { return "LAN" },
		FeedInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return s, station, board
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestGetClients(t *testing.T) {
	s, _, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodGet, "/api/clients", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var clients []ClientView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clients))
	require.Len(t, clients, 2)
	assert.Equal(t, "cam-a", clients[0].Name)
	assert.Equal(t, "192.168.1.20", clients[0].Addr)
	assert.Equal(t, int64(-1200), clients[0].OffsetNs)
	assert.Equal(t, protocol.CameraReady.String(), clients[0].Camera)
	assert.GreaterOrEqual(t, clients[0].LastHeartbeatMs, int64(0))
}

func TestGetStatus(t *testing.T) {
	s, _, _ := newTestServer(t, false)

	rec := do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "leader-1", st.LeaderID)
	assert.Equal(t, int64(5_000_000_000), st.LeaderNowNs)
	assert.Equal(t, "LAN", st.NetworkMode)
	assert.Equal(t, 10, st.MaxClients)
	assert.False(t, st.Readiness.Ready)
	assert.Equal(t, []string{"cam-a"}, st.Readiness.NotSynced)
	assert.False(t, st.Recording.Recording)
}

func TestStartRecordingRefusedWhenNotReady(t *testing.T) {
	s, station, _ := newTestServer(t, false)

	rec := do(t, s, http.MethodPost, "/api/recording/start", `{"subject_id":"s1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "cam-a")
	assert.Empty(t, station.sent)
}

func TestStartRecordingAppliesDefaults(t *testing.T) {
	s, station, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodPost, "/api/recording/start", `{"subject_id":"s1","movement_id":"m2","episode_id":"e3","retake_id":"r0"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cmd control.StartCommand
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmd))
	assert.Equal(t, "batch-1", cmd.BatchID)
	assert.Equal(t, int64(5_000_000_000)+control.DefaultTriggerLead.Nanoseconds(), cmd.TriggerLeaderNs)
	assert.Equal(t, 1920, cmd.Width)
	assert.Equal(t, 1080, cmd.Height)
	assert.Equal(t, 30, cmd.FPS)
	assert.Equal(t, "s1", cmd.SubjectID)
	assert.Equal(t, []protocol.Method{protocol.MethodStartRecording}, station.sent)

	rec = do(t, s, http.MethodGet, "/api/status", "")
	var st StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Recording.Recording)
	assert.Equal(t, 2, st.Recording.Sent)
}

func TestStartRecordingEmptyBody(t *testing.T) {
	s, _, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRecordingBadBody(t *testing.T) {
	s, _, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodPost, "/api/recording/start", `{invalid`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/recording/start", `{"fps":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopRecording(t *testing.T) {
	s, station, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Sent)
	assert.Equal(t, []protocol.Method{protocol.MethodStopRecording}, station.sent)
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantMethod protocol.Method
		wantNs     int64
	}{
		{
			name:       "phase align",
			body:       `{"command":"phase-align"}`,
			wantStatus: http.StatusOK,
			wantMethod: protocol.MethodDoPhaseAlign,
		},
		{
			name:       "trigger",
			body:       `{"command":"trigger","delay_ms":500}`,
			wantStatus: http.StatusOK,
			wantMethod: protocol.MethodSetTriggerTime,
			wantNs:     5_500_000_000,
		},
		{
			name:       "negative delay",
			body:       `{"command":"trigger","delay_ms":-1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown",
			body:       `{"command":"explode"}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, station, _ := newTestServer(t, true)

			rec := do(t, s, http.MethodPost, "/api/commands", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Empty(t, station.sent)
				var e errorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
				assert.NotEmpty(t, e.Error)
				return
			}

			var resp CommandResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, 2, resp.Sent)
			assert.Equal(t, tt.wantNs, resp.TriggerNs)
			assert.Equal(t, []protocol.Method{tt.wantMethod}, station.sent)
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFeedStreamsSnapshots(t *testing.T) {
	s, _, _ := newTestServer(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var st StatusView
		require.NoError(t, conn.ReadJSON(&st))
		assert.Equal(t, "leader-1", st.LeaderID)
		assert.Len(t, st.Clients, 2)
		assert.True(t, st.Readiness.Ready)
	}
}

func TestFeedClosesOnShutdown(t *testing.T) {
	s, _, _ := newTestServer(t, true)
	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NotNil(t, s.Addr())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var st StatusView
	require.NoError(t, conn.ReadJSON(&st))

	require.NoError(t, s.Shutdown(testContext(t)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway) || !websocket.IsUnexpectedCloseError(err), err.Error())
			return
		}
	}
}
