// ABOUTME: UDP RPC endpoint bound to all interfaces
// ABOUTME: Runs the receive loop and dispatches each frame on its own goroutine
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/timeutil"
)

// DefaultPollTimeout bounds each blocking read so Close is observed promptly
const DefaultPollTimeout = 500 * time.Millisecond

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("endpoint closed")

// Config configures an endpoint
type Config struct {
	// Port to bind on 0.0.0.0. Zero picks an ephemeral port.
	Port int

	// PollTimeout is the receive-loop liveness interval
	PollTimeout time.Duration

	// Clock stamps Request.ReceivedNs
	Clock timeutil.Clock

	Logger log.Logger
}

// Endpoint is a bound UDP socket with a running receive loop
type Endpoint struct {
	conn     *net.UDPConn
	dispatch *Dispatch
	clock    timeutil.Clock
	poll     time.Duration
	logger   log.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	loopDone  chan struct{}
	handlers  sync.WaitGroup
}

// Open binds the endpoint and starts receiving. A bind failure (usually a
// port conflict) is returned as-is; callers treat it as fatal.
func Open(cfg Config, d *Dispatch) (*Endpoint, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMonotonicClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if d == nil {
		d = NewDispatchBuilder().Build()
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", cfg.Port, err)
	}

	e := &Endpoint{
		conn:     conn,
		dispatch: d,
		clock:    cfg.Clock,
		poll:     cfg.PollTimeout,
		logger:   cfg.Logger,
		loopDone: make(chan struct{}),
	}

	level.Info(e.logger).Log("msg", "rpc endpoint listening", "addr", conn.LocalAddr().String())

	go e.receiveLoop()
	return e, nil
}

// Port returns the bound port
func (e *Endpoint) Port() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send frames payload and transmits it to dst
func (e *Endpoint) Send(method protocol.Method, payload string, dst netip.AddrPort) error {
	if e.closed.Load() {
		return ErrClosed
	}
	frame, err := EncodeFrame(method, payload)
	if err != nil {
		return err
	}
	if _, err := e.conn.WriteToUDPAddrPort(frame, dst); err != nil {
		return fmt.Errorf("send %s to %s: %w", method, dst, err)
	}
	return nil
}

// Close stops the receive loop, releases the socket and waits for
// in-flight handlers to return.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.conn.Close()
		<-e.loopDone
		e.handlers.Wait()
		level.Info(e.logger).Log("msg", "rpc endpoint closed")
	})
	return err
}

func (e *Endpoint) receiveLoop() {
	defer close(e.loopDone)

	// One spare byte lets oversize datagrams be detected instead of silently truncated
	buf := make([]byte, protocol.MaxFrameSize+1)

	for !e.closed.Load() {
		if err := e.conn.SetReadDeadline(time.Now().Add(e.poll)); err != nil {
			if e.closed.Load() {
				return
			}
			level.Error(e.logger).Log("msg", "set read deadline failed", "err", err)
			return
		}

		n, from, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if e.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			level.Warn(e.logger).Log("msg", "receive failed", "err", err)
			continue
		}
		receivedNs := e.clock.Now()

		method, payload, err := DecodeFrame(buf[:n])
		if err != nil {
			level.Warn(e.logger).Log("msg", "dropping frame", "from", from.String(), "size", n, "err", err)
			continue
		}

		req := Request{
			Method:     method,
			Payload:    payload,
			From:       netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			ReceivedNs: receivedNs,
		}

		handler, ok := e.dispatch.Lookup(method)
		if !ok {
			level.Debug(e.logger).Log("msg", "no handler", "method", method, "from", req.From.String())
			continue
		}

		e.handlers.Add(1)
		go e.run(handler, req)
	}
}

// run executes one handler; a panic is logged and contained here so the
// receive loop keeps going.
func (e *Endpoint) run(h Handler, req Request) {
	defer e.handlers.Done()
	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "handler panicked", "method", req.Method, "from", req.From.String(), "panic", fmt.Sprint(r))
		}
	}()
	h(e, req)
}
