// ABOUTME: Websocket feed pushing a status snapshot at a fixed interval
// ABOUTME: Pings keep idle proxies from dropping the connection
package monitor

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	feedWriteDeadline = 10 * time.Second
	feedPingPeriod    = 30 * time.Second
)

func (s *Server) serveFeed(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		level.Debug(s.logger).Log("msg", "websocket upgrade failed", "err", err)
		return nil
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	level.Info(s.logger).Log("msg", "feed connected", "remote", remote)
	defer level.Info(s.logger).Log("msg", "feed disconnected", "remote", remote)

	// Drain reads so close frames and pongs are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeSnapshot(conn); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.cfg.FeedInterval)
	defer ticker.Stop()
	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeSnapshot(conn); err != nil {
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteDeadline)); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(feedWriteDeadline))
			return nil
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(feedWriteDeadline))
	if err := conn.WriteJSON(s.status()); err != nil {
		level.Debug(s.logger).Log("msg", "feed write failed", "err", err)
		return err
	}
	return nil
}
