// ABOUTME: JSON views and request handlers of the monitor API
// ABOUTME: Start refuses with 409 while the readiness gate is closed
package monitor

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/recsync/recsync-go/internal/control"
)

// ClientView is one row of /api/clients
type ClientView struct {
	Name            string `json:"name"`
	Addr            string `json:"addr"`
	Synced          bool   `json:"synced"`
	OffsetNs        int64  `json:"offset_ns"`
	LastHeartbeatMs int64  `json:"last_heartbeat_ms"`
	Camera          string `json:"camera"`
}

// StatusView is the body of /api/status and of each /ws message
type StatusView struct {
	LeaderID    string            `json:"leader_id"`
	LeaderNowNs int64             `json:"leader_now_ns"`
	NetworkMode string            `json:"network_mode,omitempty"`
	MaxClients  int               `json:"max_clients"`
	Clients     []ClientView      `json:"clients"`
	Readiness   control.Readiness `json:"readiness"`
	Recording   control.State     `json:"recording"`
}

// CommandRequest is the body of POST /api/commands
type CommandRequest struct {
	Command string `json:"command"`
	DelayMs int64  `json:"delay_ms,omitempty"`
}

// CommandResponse reports how many clients a broadcast reached
type CommandResponse struct {
	Command   string `json:"command"`
	Sent      int    `json:"sent"`
	TriggerNs int64  `json:"trigger_ns,omitempty"`
}

// Commands accepted by POST /api/commands
const (
	CommandPhaseAlign = "phase-align"
	CommandTrigger    = "trigger"
)

func (s *Server) clients() []ClientView {
	now := time.Now()
	recs := s.cfg.Station.Snapshot()
	out := make([]ClientView, 0, len(recs))
	for _, rec := range recs {
		v := ClientView{
			Name:            rec.Name,
			Addr:            rec.Addr.String(),
			Synced:          rec.Synced,
			OffsetNs:        rec.OffsetNs,
			LastHeartbeatMs: now.Sub(rec.LastHeartbeat).Milliseconds(),
			Camera:          "unknown",
		}
		if st, ok := s.cfg.Board.Get(rec.Name); ok {
			v.Camera = st.Camera.String()
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) status() StatusView {
	v := StatusView{
		LeaderID:    s.cfg.Station.ID(),
		LeaderNowNs: s.cfg.Station.Now(),
		MaxClients:  s.cfg.Station.MaxClients(),
		Clients:     s.clients(),
		Readiness:   s.cfg.Controller.Readiness(),
		Recording:   s.cfg.Controller.State(),
	}
	if s.cfg.NetworkMode != nil {
		v.NetworkMode = s.cfg.NetworkMode()
	}
	return v
}

func (s *Server) getClients(c echo.Context) error {
	return c.JSON(http.StatusOK, s.clients())
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) postCommand(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp := CommandResponse{Command: req.Command}
	switch req.Command {
	case CommandPhaseAlign:
		resp.Sent = s.cfg.Controller.PhaseAlign()
	case CommandTrigger:
		if req.DelayMs < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "delay_ms must not be negative")
		}
		resp.TriggerNs, resp.Sent = s.cfg.Controller.SetTriggerTime(time.Duration(req.DelayMs) * time.Millisecond)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) startRecording(c echo.Context) error {
	var params control.RecordingParams
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&params); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	params = withDefaults(params, s.cfg.Defaults)
	if params.Width <= 0 || params.Height <= 0 || params.FPS <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "width, height and fps must be positive")
	}

	cmd, err := s.cfg.Controller.Start(params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cmd)
}

func (s *Server) stopRecording(c echo.Context) error {
	return c.JSON(http.StatusOK, CommandResponse{Command: "stop", Sent: s.cfg.Controller.Stop()})
}

func withDefaults(p, def control.RecordingParams) control.RecordingParams {
	if p.Width == 0 {
		p.Width = def.Width
	}
	if p.Height == 0 {
		p.Height = def.Height
	}
	if p.FPS == 0 {
		p.FPS = def.FPS
	}
	return p
}
