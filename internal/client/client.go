// ABOUTME: Client station role: heartbeats the leader and tracks clock offset
// ABOUTME: Routes acks to the sync engine and application frames to OnMessage
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/protocol"
	internalsync "github.com/recsync/recsync-go/internal/sync"
	"github.com/recsync/recsync-go/internal/timeutil"
	"github.com/recsync/recsync-go/internal/transport"
)

const (
	DefaultUnsyncedInterval = 250 * time.Millisecond
	DefaultSyncedInterval   = time.Second
	DefaultResyncAfter      = 10 * time.Minute
)

// Config holds client configuration
type Config struct {
	Name string

	// Leader is the leader's RPC address
	Leader netip.AddrPort

	// Port is the local RPC port. The leader replies to its configured
	// client port, so stations normally bind protocol.DefaultClientRPCPort;
	// zero picks an ephemeral port.
	Port int

	// ReportedIP is sent in every heartbeat. Empty means the outbound
	// address towards the leader.
	ReportedIP string

	UnsyncedInterval time.Duration
	SyncedInterval   time.Duration
	ResyncAfter      time.Duration

	Sync   internalsync.Config
	Clock  timeutil.Clock
	Logger log.Logger

	// OnMessage receives rejection notices and application frames.
	// It runs on the frame's goroutine.
	OnMessage func(req transport.Request)

	// OnSync fires whenever the clock becomes synced
	OnSync func(leaderFromLocalNs int64)
}

// Client is a running client station
type Client struct {
	cfg    Config
	logger log.Logger
	clock  timeutil.Clock
	cs     *internalsync.ClockSync
	ep     *transport.Endpoint

	nameMu sync.RWMutex
	name   string

	// renamedFrom is the last accepted name while a rename is unconfirmed
	renamedFrom string
	renamedAt   int64

	cadence chan struct{}

	resyncMu    sync.Mutex
	resyncTimer *time.Timer

	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the client endpoint and starts heartbeating. Bind failure is
// returned.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("client name is required")
	}
	if !cfg.Leader.IsValid() {
		return nil, errors.New("leader address is required")
	}
	if cfg.UnsyncedInterval <= 0 {
		cfg.UnsyncedInterval = DefaultUnsyncedInterval
	}
	if cfg.SyncedInterval <= 0 {
		cfg.SyncedInterval = DefaultSyncedInterval
	}
	if cfg.ResyncAfter <= 0 {
		cfg.ResyncAfter = DefaultResyncAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMonotonicClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.ReportedIP == "" {
		cfg.ReportedIP = outboundIP(cfg.Leader)
	}
	cfg.Sync.Clock = cfg.Clock
	if cfg.Sync.Logger == nil {
		cfg.Sync.Logger = log.With(cfg.Logger, "component", "sync")
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		cs:      internalsync.NewClockSync(cfg.Sync),
		name:    cfg.Name,
		cadence: make(chan struct{}, 1),
	}

	d := transport.NewDispatchBuilder().
		Handle(protocol.MethodHeartbeatAck, c.handleAck).
		Handle(protocol.MethodOffsetUpdate, c.handleOffsetUpdate).
		Handle(protocol.MethodNameConflict, c.handleRejection).
		Handle(protocol.MethodMaxClientsReached, c.handleRejection).
		HandleRange(protocol.FirstApplicationMethod, protocol.LastApplicationMethod, c.handleApplication).
		Build()

	ep, err := transport.Open(transport.Config{
		Port:   cfg.Port,
		Clock:  cfg.Clock,
		Logger: log.With(cfg.Logger, "component", "transport"),
	}, d)
	if err != nil {
		return nil, fmt.Errorf("open client endpoint: %w", err)
	}
	c.ep = ep

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	level.Info(c.logger).Log("msg", "client started", "name", cfg.Name, "leader", cfg.Leader, "port", ep.Port(), "reported_ip", cfg.ReportedIP)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(ctx)
	}()

	return c, nil
}

// heartbeatLoop sends one heartbeat per tick. The single ticker is reset
// whenever the sync state changes the cadence.
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		case <-c.cadence:
		}

		if next := c.interval(); next != interval {
			level.Debug(c.logger).Log("msg", "heartbeat cadence changed", "interval", next)
			interval = next
			ticker.Reset(interval)
		}
	}
}

func (c *Client) interval() time.Duration {
	if c.cs.Synced() {
		return c.cfg.SyncedInterval
	}
	return c.cfg.UnsyncedInterval
}

func (c *Client) signalCadence() {
	select {
	case c.cadence <- struct{}{}:
	default:
	}
}

func (c *Client) sendHeartbeat() {
	// T1 is read before the name, so an ack newer than a rename always
	// carried the new name
	t1 := c.clock.Now()
	hb := protocol.Heartbeat{
		Name:       c.Name(),
		ReportedIP: c.cfg.ReportedIP,
		Synced:     c.cs.Synced(),
		T1:         t1,
	}
	if err := c.ep.Send(protocol.MethodHeartbeat, hb.Encode(), c.cfg.Leader); err != nil && !errors.Is(err, transport.ErrClosed) {
		level.Debug(c.logger).Log("msg", "heartbeat send failed", "err", err)
	}
}

func (c *Client) handleAck(_ transport.Sender, req transport.Request) {
	t4 := req.ReceivedNs

	ack, ok, err := protocol.ParseHeartbeatAck(req.Payload)
	if err != nil {
		level.Debug(c.logger).Log("msg", "dropping ack", "err", err)
		return
	}
	if !ok {
		return
	}
	c.confirmRename(ack.T1)

	if c.cs.ProcessSyncResponse(ack.T1, ack.T2, ack.T3, t4) == internalsync.OutcomeSynced {
		c.onSynced()
	}
}

func (c *Client) handleOffsetUpdate(_ transport.Sender, req transport.Request) {
	ns, err := protocol.ParseOffsetUpdate(req.Payload)
	if err != nil {
		level.Warn(c.logger).Log("msg", "dropping offset update", "err", err)
		return
	}
	c.cs.SetLeaderFromLocal(ns)
	c.onSynced()
}

func (c *Client) onSynced() {
	c.scheduleResync()
	c.signalCadence()
	if c.cfg.OnSync != nil {
		c.cfg.OnSync(c.cs.LeaderFromLocal())
	}
}

// scheduleResync replaces any pending resync timer
func (c *Client) scheduleResync() {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()

	if c.closed.Load() {
		return
	}
	if c.resyncTimer != nil {
		c.resyncTimer.Stop()
	}
	c.resyncTimer = time.AfterFunc(c.cfg.ResyncAfter, func() {
		if c.closed.Load() {
			return
		}
		c.cs.Resync()
		c.signalCadence()
	})
}

func (c *Client) handleRejection(_ transport.Sender, req transport.Request) {
	if req.Method == protocol.MethodNameConflict {
		c.revertRename()
	}
	level.Warn(c.logger).Log("msg", "leader rejected client", "method", req.Method, "reason", req.Payload)
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(req)
	}
}

func (c *Client) handleApplication(_ transport.Sender, req transport.Request) {
	if c.cfg.OnMessage == nil {
		level.Debug(c.logger).Log("msg", "no application handler", "method", req.Method)
		return
	}
	c.cfg.OnMessage(req)
}

// Rename asks the leader to rename this client. Heartbeats carry the new
// name at once; a NAME_CONFLICT before the leader acknowledges one of them
// restores the previous name.
func (c *Client) Rename(newName string) error {
	if newName == "" {
		return errors.New("empty client name")
	}

	c.nameMu.Lock()
	old := c.name
	if c.renamedFrom == "" {
		c.renamedFrom = old
	}
	c.name = newName
	c.renamedAt = c.clock.Now()
	c.nameMu.Unlock()

	r := protocol.Rename{OldName: old, NewName: newName}
	return c.SendToLeader(protocol.MethodUpdateClientName, r.Encode())
}

// confirmRename settles a pending rename once the leader acks a heartbeat
// sent after it
func (c *Client) confirmRename(t1 int64) {
	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	if c.renamedFrom != "" && t1 > c.renamedAt {
		level.Info(c.logger).Log("msg", "rename accepted", "name", c.name)
		c.renamedFrom = ""
	}
}

func (c *Client) revertRename() {
	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	if c.renamedFrom == "" {
		return
	}
	level.Warn(c.logger).Log("msg", "rename refused, keeping previous name", "refused", c.name, "name", c.renamedFrom)
	c.name = c.renamedFrom
	c.renamedFrom = ""
}

// ReportStatus sends the device status to the leader
func (c *Client) ReportStatus(camera protocol.CameraStatus) error {
	st := protocol.ClientStatus{Name: c.Name(), Camera: camera, Synced: c.cs.Synced()}
	return c.SendToLeader(protocol.MethodClientStatus, st.Encode())
}

// SendToLeader sends an arbitrary frame to the leader
func (c *Client) SendToLeader(method protocol.Method, payload string) error {
	return c.ep.Send(method, payload, c.cfg.Leader)
}

// Name returns the current client name
func (c *Client) Name() string {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()
	return c.name
}

// Clock exposes the offset estimator
func (c *Client) Clock() *internalsync.ClockSync {
	return c.cs
}

// Port returns the bound RPC port
func (c *Client) Port() int {
	return c.ep.Port()
}

// Leader returns the leader address
func (c *Client) Leader() netip.AddrPort {
	return c.cfg.Leader
}

// Close stops heartbeating and releases the endpoint
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()

		c.resyncMu.Lock()
		if c.resyncTimer != nil {
			c.resyncTimer.Stop()
		}
		c.resyncMu.Unlock()

		err = c.ep.Close()
		level.Info(c.logger).Log("msg", "client stopped")
	})
	return err
}

// outboundIP returns the local address the OS routes towards leader
func outboundIP(leader netip.AddrPort) string {
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(leader))
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
