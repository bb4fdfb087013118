// ABOUTME: Leader station role: answers heartbeats and keeps the client registry
// ABOUTME: Provides broadcast, offset push and the leader clock to the recording layer
package leader

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/registry"
	"github.com/recsync/recsync-go/internal/timeutil"
	"github.com/recsync/recsync-go/internal/transport"
)

// Config holds leader configuration
type Config struct {
	// Port is the leader RPC port; zero picks an ephemeral port
	Port int

	// ClientPort is where replies and broadcasts are sent
	ClientPort int

	// Token gates PROBE echoes
	Token string

	MaxClients  int
	StaleAfter  time.Duration
	SweepPeriod time.Duration

	Clock  timeutil.Clock
	Logger log.Logger

	// OnStatus receives CLIENT_STATUS reports
	OnStatus func(from netip.Addr, st protocol.ClientStatus)

	// OnMessage receives the remaining application frames
	OnMessage func(req transport.Request)

	// OnChange fires after the client set changes
	OnChange func()
}

// Leader is a running leader station
type Leader struct {
	cfg    Config
	id     string
	logger log.Logger
	clock  timeutil.Clock
	reg    *registry.Registry
	ep     *transport.Endpoint

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the leader endpoint and starts the sweep loop
func New(cfg Config) (*Leader, error) {
	if cfg.ClientPort == 0 {
		cfg.ClientPort = protocol.DefaultClientRPCPort
	}
	if cfg.SweepPeriod <= 0 {
		cfg.SweepPeriod = registry.DefaultSweepPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMonotonicClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	l := &Leader{
		cfg:    cfg,
		id:     uuid.New().String(),
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}
	l.reg = registry.New(registry.Config{
		MaxClients: cfg.MaxClients,
		StaleAfter: cfg.StaleAfter,
		ReplyPort:  cfg.ClientPort,
		Logger:     log.With(cfg.Logger, "component", "registry"),
	}, l)

	d := transport.NewDispatchBuilder().
		WithProbeToken(cfg.Token).
		Handle(protocol.MethodHeartbeat, l.handleHeartbeat).
		Handle(protocol.MethodUpdateClientName, l.handleRename).
		Handle(protocol.MethodClientStatus, l.handleStatus).
		HandleRange(protocol.FirstApplicationMethod, protocol.LastApplicationMethod, l.handleApplication).
		Build()

	ep, err := transport.Open(transport.Config{
		Port:   cfg.Port,
		Clock:  cfg.Clock,
		Logger: log.With(cfg.Logger, "component", "transport"),
	}, d)
	if err != nil {
		return nil, fmt.Errorf("open leader endpoint: %w", err)
	}
	l.ep = ep

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.sweepLoop(ctx)
	}()

	level.Info(l.logger).Log("msg", "leader started", "id", l.id, "port", ep.Port(), "max_clients", l.reg.MaxClients())
	return l, nil
}

func (l *Leader) sweepLoop(ctx context.Context) {
	l.reg.Run(ctx, l.cfg.SweepPeriod, func([]registry.ClientRecord) {
		l.changed()
	})
}

func (l *Leader) changed() {
	if l.cfg.OnChange != nil {
		l.cfg.OnChange()
	}
}

func (l *Leader) replyAddr(from netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(from.Addr(), uint16(l.cfg.ClientPort))
}

func (l *Leader) handleHeartbeat(out transport.Sender, req transport.Request) {
	t2 := req.ReceivedNs

	hb, err := protocol.ParseHeartbeat(req.Payload)
	if err != nil {
		level.Debug(l.logger).Log("msg", "dropping heartbeat", "from", req.From, "err", err)
		return
	}

	dst := l.replyAddr(req.From)
	admission := l.reg.Upsert(req.From.Addr(), hb.Name, hb.Synced, time.Now())

	switch admission {
	case registry.RejectedNameConflict:
		l.reply(out, protocol.MethodNameConflict, protocol.NameConflictMessage(hb.Name), dst)
		return
	case registry.RejectedCapacity:
		l.reply(out, protocol.MethodMaxClientsReached, protocol.MaxClientsMessage(l.reg.MaxClients()), dst)
		return
	}

	ack := protocol.HeartbeatAck{T1: hb.T1, T2: t2, T3: l.clock.Now()}
	l.reply(out, protocol.MethodHeartbeatAck, ack.Encode(), dst)

	if admission == registry.AdmittedNew {
		l.changed()
	}
}

func (l *Leader) handleRename(out transport.Sender, req transport.Request) {
	r, err := protocol.ParseRename(req.Payload)
	if err != nil {
		level.Debug(l.logger).Log("msg", "dropping rename", "from", req.From, "err", err)
		return
	}

	switch l.reg.Rename(req.From.Addr(), r.OldName, r.NewName) {
	case registry.Renamed:
		l.changed()
	case registry.RenameConflict:
		l.reply(out, protocol.MethodNameConflict, protocol.NameConflictMessage(r.NewName), l.replyAddr(req.From))
	case registry.RenameNotFound:
		level.Debug(l.logger).Log("msg", "rename from unknown client", "from", req.From, "new", r.NewName)
	}
}

func (l *Leader) handleStatus(_ transport.Sender, req transport.Request) {
	st, err := protocol.ParseClientStatus(req.Payload)
	if err != nil {
		level.Debug(l.logger).Log("msg", "dropping client status", "from", req.From, "err", err)
		return
	}
	if l.cfg.OnStatus != nil {
		l.cfg.OnStatus(req.From.Addr(), st)
	}
	l.changed()
}

func (l *Leader) handleApplication(_ transport.Sender, req transport.Request) {
	if l.cfg.OnMessage == nil {
		level.Debug(l.logger).Log("msg", "no application handler", "method", req.Method, "from", req.From)
		return
	}
	l.cfg.OnMessage(req)
}

func (l *Leader) reply(out transport.Sender, method protocol.Method, payload string, dst netip.AddrPort) {
	if err := out.Send(method, payload, dst); err != nil {
		level.Warn(l.logger).Log("msg", "reply failed", "method", method, "to", dst, "err", err)
	}
}

// Send delivers a frame to the client RPC port at dst's address
func (l *Leader) Send(method protocol.Method, payload string, dst netip.AddrPort) error {
	return l.ep.Send(method, payload, dst)
}

// SendTo delivers a frame to one client by address
func (l *Leader) SendTo(addr netip.Addr, method protocol.Method, payload string) error {
	return l.ep.Send(method, payload, netip.AddrPortFrom(addr, uint16(l.cfg.ClientPort)))
}

// Broadcast sends to every registered client and returns the delivery count
func (l *Leader) Broadcast(method protocol.Method, payload string) int {
	return l.reg.Broadcast(method, payload)
}

// PushOffset overrides one client's LeaderFromLocal and records it
func (l *Leader) PushOffset(addr netip.Addr, leaderFromLocalNs int64) error {
	if _, ok := l.reg.Get(addr); !ok {
		return fmt.Errorf("push offset to %s: %w", addr, registry.ErrNotFound)
	}
	if err := l.SendTo(addr, protocol.MethodOffsetUpdate, fmt.Sprintf("%d", leaderFromLocalNs)); err != nil {
		return err
	}
	return l.reg.SetOffset(addr, leaderFromLocalNs)
}

// Snapshot returns the registered clients sorted by name
func (l *Leader) Snapshot() []registry.ClientRecord {
	return l.reg.Snapshot()
}

// Now reads the leader clock
func (l *Leader) Now() int64 {
	return l.clock.Now()
}

// ID is this leader instance's unique id
func (l *Leader) ID() string {
	return l.id
}

// Port returns the bound RPC port
func (l *Leader) Port() int {
	return l.ep.Port()
}

// MaxClients returns the admission limit
func (l *Leader) MaxClients() int {
	return l.reg.MaxClients()
}

// Close stops the sweep loop, releases the endpoint and forgets every client
func (l *Leader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		err = l.ep.Close()
		l.reg.Clear()
		level.Info(l.logger).Log("msg", "leader stopped")
	})
	return err
}
