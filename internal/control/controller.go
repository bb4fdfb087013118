// ABOUTME: Recording controller on the leader: readiness gate and take commands
// ABOUTME: Start schedules the trigger a short lead into the future on the leader clock
package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/registry"
)

// DefaultTriggerLead gives every client time to receive the start command
const DefaultTriggerLead = 200 * time.Millisecond

// ErrNotReady is returned by Start when the readiness gate fails
var ErrNotReady = errors.New("clients not ready")

// Station is the part of the leader the controller drives
type Station interface {
	Snapshot() []registry.ClientRecord
	Broadcast(method protocol.Method, payload string) int
	Now() int64
}

// Readiness explains the gate decision
type Readiness struct {
	Ready     bool     `json:"ready"`
	Clients   int      `json:"clients"`
	NotSynced []string `json:"not_synced,omitempty"`
	NotReady  []string `json:"camera_not_ready,omitempty"`
}

func (r Readiness) String() string {
	if r.Ready {
		return fmt.Sprintf("%d clients ready", r.Clients)
	}
	if r.Clients == 0 {
		return "no clients connected"
	}
	var parts []string
	if len(r.NotSynced) > 0 {
		parts = append(parts, "not synced: "+strings.Join(r.NotSynced, ", "))
	}
	if len(r.NotReady) > 0 {
		parts = append(parts, "camera not ready: "+strings.Join(r.NotReady, ", "))
	}
	return strings.Join(parts, "; ")
}

// State is the controller's view of the current take
type State struct {
	Recording bool          `json:"recording"`
	Command   *StartCommand `json:"command,omitempty"`
	Sent      int           `json:"sent"`
}

// ControllerConfig tunes the controller
type ControllerConfig struct {
	TriggerLead time.Duration
	Logger      log.Logger

	// NewBatchID defaults to a random UUID
	NewBatchID func() string
}

// Controller gates and issues recording commands
type Controller struct {
	station Station
	board   *StatusBoard
	cfg     ControllerConfig
	logger  log.Logger

	mu    sync.Mutex
	state State
}

// NewController wires the controller to a leader and its status board
func NewController(station Station, board *StatusBoard, cfg ControllerConfig) *Controller {
	if cfg.TriggerLead <= 0 {
		cfg.TriggerLead = DefaultTriggerLead
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.NewBatchID == nil {
		cfg.NewBatchID = func() string { return uuid.New().String() }
	}
	return &Controller{station: station, board: board, cfg: cfg, logger: cfg.Logger}
}

// Readiness checks that every registered client is synced and has reported
// a ready camera
func (c *Controller) Readiness() Readiness {
	clients := c.station.Snapshot()
	r := Readiness{Clients: len(clients)}

	for _, rec := range clients {
		if !rec.Synced {
			r.NotSynced = append(r.NotSynced, rec.Name)
		}
		st, ok := c.board.Get(rec.Name)
		if !ok || st.Camera == protocol.CameraNotReady {
			r.NotReady = append(r.NotReady, rec.Name)
		}
	}

	r.Ready = r.Clients > 0 && len(r.NotSynced) == 0 && len(r.NotReady) == 0
	return r
}

// Start broadcasts a start command once the gate passes
func (c *Controller) Start(params RecordingParams) (StartCommand, error) {
	ready := c.Readiness()
	if !ready.Ready {
		level.Warn(c.logger).Log("msg", "recording start refused", "reason", ready.String())
		return StartCommand{}, fmt.Errorf("%w: %s", ErrNotReady, ready)
	}

	cmd := StartCommand{
		TriggerLeaderNs: c.station.Now() + c.cfg.TriggerLead.Nanoseconds(),
		BatchID:         c.cfg.NewBatchID(),
		RecordingParams: params,
	}
	sent := c.station.Broadcast(protocol.MethodStartRecording, cmd.Encode())

	c.mu.Lock()
	c.state = State{Recording: true, Command: &cmd, Sent: sent}
	c.mu.Unlock()

	level.Info(c.logger).Log(
		"msg", "recording started",
		"batch", cmd.BatchID,
		"trigger_ns", cmd.TriggerLeaderNs,
		"clients", sent,
		"subject", params.SubjectID,
		"movement", params.MovementID,
		"episode", params.EpisodeID,
		"size", fmt.Sprintf("%dx%d@%d", params.Width, params.Height, params.FPS),
	)
	return cmd, nil
}

// Stop broadcasts STOP_RECORDING and returns the delivery count
func (c *Controller) Stop() int {
	sent := c.station.Broadcast(protocol.MethodStopRecording, "0")

	c.mu.Lock()
	batch := ""
	if c.state.Command != nil {
		batch = c.state.Command.BatchID
	}
	c.state = State{}
	c.mu.Unlock()

	level.Info(c.logger).Log("msg", "recording stopped", "batch", batch, "clients", sent)
	return sent
}

// PhaseAlign asks every client to align its frame phase
func (c *Controller) PhaseAlign() int {
	return c.station.Broadcast(protocol.MethodDoPhaseAlign, "")
}

// SetTriggerTime broadcasts a bare trigger instant delay from now on the
// leader clock
func (c *Controller) SetTriggerTime(delay time.Duration) (int64, int) {
	trigger := c.station.Now() + delay.Nanoseconds()
	return trigger, c.station.Broadcast(protocol.MethodSetTriggerTime, strconv.FormatInt(trigger, 10))
}

// State returns the current take
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
