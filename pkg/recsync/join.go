// ABOUTME: Client station: locate or verify the leader, then heartbeat to it
// ABOUTME: A manual leader address skips discovery but is still probed
package recsync

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/client"
	"github.com/recsync/recsync-go/internal/control"
	"github.com/recsync/recsync-go/internal/discovery"
	"github.com/recsync/recsync-go/internal/logging"
	"github.com/recsync/recsync-go/internal/protocol"
)

// ErrLeaderNotFound means every discovery strategy timed out
var ErrLeaderNotFound = errors.New("leader not found")

// JoinOptions holds what the configuration file does not
type JoinOptions struct {
	Logger log.Logger

	// OnMessage receives rejection notices and application frames
	OnMessage func(Message)

	// OnSync fires whenever the clock becomes synced
	OnSync func(leaderFromLocalNs int64)

	// strategies replaces the stock discovery strategies in tests
	strategies []discovery.Strategy
}

// ClientStation is a running client joined to a leader
type ClientStation struct {
	client *client.Client
	found  discovery.Result
}

// Join finds the leader and starts heartbeating to it
func Join(ctx context.Context, cfg Config, opts JoinOptions) (*ClientStation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	found, err := locate(ctx, cfg, opts.strategies, logger)
	if err != nil {
		return nil, err
	}

	c, err := client.New(client.Config{
		Name:             cfg.Name,
		Leader:           found.RPCAddr(),
		Port:             cfg.ClientPort,
		UnsyncedInterval: cfg.Heartbeat.UnsyncedInterval,
		SyncedInterval:   cfg.Heartbeat.SyncedInterval,
		ResyncAfter:      cfg.Sync.ResyncAfter,
		Sync:             cfg.estimator(),
		Logger:           logging.Component(logger, "client"),
		OnMessage:        forward(opts.OnMessage),
		OnSync:           opts.OnSync,
	})
	if err != nil {
		return nil, err
	}
	return &ClientStation{client: c, found: found}, nil
}

// Locate verifies the manual leader when one is configured and otherwise
// races the discovery strategies. It does not join.
func Locate(ctx context.Context, cfg Config, logger log.Logger) (LeaderInfo, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	found, err := locate(ctx, cfg, nil, logger)
	if err != nil {
		return LeaderInfo{}, err
	}
	return leaderInfo(found), nil
}

func locate(ctx context.Context, cfg Config, strategies []discovery.Strategy, logger log.Logger) (discovery.Result, error) {
	lcfg := discovery.LocatorConfig{
		Token:         cfg.Token,
		RPCPort:       cfg.LeaderPort,
		TransferPort:  cfg.TransferPort,
		DiscoveryPort: cfg.DiscoveryPort,
		Timeout:       cfg.Discovery.Timeout,
		Strategies:    strategies,
		Logger:        logging.Component(logger, "discovery"),
	}

	if cfg.Discovery.ManualLeader != "" {
		ip, port, err := parseLeader(cfg.Discovery.ManualLeader)
		if err != nil {
			return discovery.Result{}, err
		}
		if port != 0 {
			lcfg.RPCPort = port
		}
		found, err := discovery.NewLocator(lcfg).Verify(ctx, ip)
		if err != nil {
			return discovery.Result{}, err
		}
		level.Info(logger).Log("msg", "using manual leader", "addr", found.RPCAddr())
		return found, nil
	}

	found, ok := discovery.NewLocator(lcfg).Discover(ctx)
	if !ok {
		return discovery.Result{}, ErrLeaderNotFound
	}
	return found, nil
}

// parseLeader accepts "ip" or "ip:port"
func parseLeader(s string) (netip.Addr, int, error) {
	if ip, err := netip.ParseAddr(s); err == nil {
		return ip, 0, nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("manual leader %q: %w", s, err)
	}
	return ap.Addr(), int(ap.Port()), nil
}

func leaderInfo(r discovery.Result) LeaderInfo {
	return LeaderInfo{Addr: r.RPCAddr(), TransferPort: r.TransferPort, Method: string(r.Method)}
}

// Name is the name heartbeats currently carry
func (s *ClientStation) Name() string {
	return s.client.Name()
}

// Rename asks the leader for a new name. A refused name is dropped and the
// previous one kept; OnMessage still sees the MethodNameConflict notice.
func (s *ClientStation) Rename(name string) error {
	return s.client.Rename(name)
}

// Synced reports whether the offset estimate is usable
func (s *ClientStation) Synced() bool {
	return s.client.Clock().Synced()
}

// LeaderFromLocal is the current leader-minus-local offset estimate
func (s *ClientStation) LeaderFromLocal() int64 {
	return s.client.Clock().LeaderFromLocal()
}

// LeaderNow reads the local clock converted to the leader's timeline
func (s *ClientStation) LeaderNow() int64 {
	return s.client.Clock().LeaderNow()
}

// LocalTime converts a leader-clock instant to the local clock
func (s *ClientStation) LocalTime(leaderNs int64) int64 {
	return s.client.Clock().LocalTime(leaderNs)
}

// TriggerDelay converts a leader-clock trigger to the local clock and says
// how long to wait for it. A trigger in the past yields a zero wait.
func (s *ClientStation) TriggerDelay(leaderNs int64) (localNs int64, wait time.Duration) {
	return control.LocalTrigger(control.StartCommand{TriggerLeaderNs: leaderNs}, s.client.Clock())
}

// ReportStatus tells the leader what the camera is doing
func (s *ClientStation) ReportStatus(camera CameraStatus) error {
	return s.client.ReportStatus(protocol.CameraStatus(camera))
}

// SendToLeader sends an application frame to the leader
func (s *ClientStation) SendToLeader(method Method, payload string) error {
	return s.client.SendToLeader(protocol.Method(method), payload)
}

// Client is the heartbeating client, for programs in this module
func (s *ClientStation) Client() *client.Client {
	return s.client
}

// Leader describes how the leader was found
func (s *ClientStation) Leader() LeaderInfo {
	return leaderInfo(s.found)
}

// String renders the leader address and discovery method
func (s *ClientStation) String() string {
	return s.found.RPCAddr().String() + " via " + string(s.found.Method) + " (client port " + strconv.Itoa(s.client.Port()) + ")"
}

// Close stops heartbeating
func (s *ClientStation) Close() error {
	return s.client.Close()
}
