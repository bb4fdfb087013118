// ABOUTME: HTTP monitor for the leader: client table, status and take commands
// ABOUTME: Served with echo, with a websocket feed of periodic snapshots
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/recsync/recsync-go/internal/control"
	"github.com/recsync/recsync-go/internal/logging"
	"github.com/recsync/recsync-go/internal/registry"
)

// DefaultFeedInterval is how often /ws pushes a snapshot
const DefaultFeedInterval = time.Second

// Station is the read side of the leader the monitor reports on
type Station interface {
	Snapshot() []registry.ClientRecord
	MaxClients() int
	ID() string
	Now() int64
}

// Config wires the monitor to a running leader
type Config struct {
	Station    Station
	Board      *control.StatusBoard
	Controller *control.Controller

	// Defaults fill zero fields of a start request
	Defaults control.RecordingParams

	// NetworkMode reports hotspot or LAN mode; optional
	NetworkMode func() string

	FeedInterval time.Duration
	Logger       log.Logger
}

// Server serves the monitor API
type Server struct {
	cfg      Config
	logger   log.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener

	done     chan struct{}
	doneOnce sync.Once
}

// New builds the routes. Call Start or use Handler directly.
func New(cfg Config) (*Server, error) {
	if cfg.Station == nil || cfg.Board == nil || cfg.Controller == nil {
		return nil, errors.New("monitor: station, board and controller are required")
	}
	if cfg.FeedInterval <= 0 {
		cfg.FeedInterval = DefaultFeedInterval
	}

	s := &Server{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "monitor"),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			// The monitor runs on the capture LAN only
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	api := e.Group("/api")
	api.GET("/clients", s.getClients)
	api.GET("/status", s.getStatus)
	api.POST("/commands", s.postCommand)
	api.POST("/recording/start", s.startRecording)
	api.POST("/recording/stop", s.stopRecording)
	e.GET("/ws", s.serveFeed)

	s.echo = e
	return s, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.echo.Listener = ln

	level.Info(s.logger).Log("msg", "monitor listening", "addr", ln.Addr().String())
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(s.logger).Log("msg", "monitor stopped", "err", err)
		}
	}()
	return nil
}

// Addr is the bound address once started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the HTTP server and closes open feeds
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, control.ErrNotReady):
		status = http.StatusConflict
	}

	if status >= http.StatusInternalServerError {
		level.Error(s.logger).Log("msg", "request failed", "path", c.Path(), "err", err)
	} else {
		level.Debug(s.logger).Log("msg", "request rejected", "path", c.Path(), "status", status, "err", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorResponse{Error: msg})
}
