// ABOUTME: Leader locator racing several discovery strategies
// ABOUTME: The first verified result wins and cancels the rest
package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/transport"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultVerifyTimeout = 2 * time.Second
)

// Method names how a leader was found
type Method string

const (
	MethodMDNS      Method = "mdns"
	MethodBroadcast Method = "broadcast"
	MethodSubnet    Method = "subnet-scan"
	MethodGateway   Method = "gateway-probe"
	MethodManual    Method = "manual"
)

// Result is a located leader
type Result struct {
	IP           netip.Addr
	RPCPort      int
	TransferPort int
	Method       Method
}

// RPCAddr is the leader's RPC endpoint
func (r Result) RPCAddr() netip.AddrPort {
	return netip.AddrPortFrom(r.IP, uint16(r.RPCPort))
}

// ReportFunc hands a verified result to the race. It returns true when the
// result won; strategies stop either way once their context is done.
type ReportFunc func(Result) bool

// Strategy is one way of finding the leader. Run returns when it has
// reported, when ctx is done, or when it has nothing left to try.
type Strategy interface {
	Method() Method
	Run(ctx context.Context, report ReportFunc) error
}

// ProbeFunc checks that a leader answers at dst
type ProbeFunc func(ctx context.Context, dst netip.AddrPort, token string, timeout time.Duration) error

// LocatorConfig configures a Locator
type LocatorConfig struct {
	Token         string
	RPCPort       int
	TransferPort  int
	DiscoveryPort int

	Timeout       time.Duration
	VerifyTimeout time.Duration

	// Strategies overrides the default set
	Strategies []Strategy

	Probe  ProbeFunc
	Logger log.Logger
}

// Locator finds the leader on the local network
type Locator struct {
	cfg        LocatorConfig
	logger     log.Logger
	strategies []Strategy
}

// NewLocator builds a locator with the mDNS, broadcast, subnet and gateway
// strategies unless cfg.Strategies is set.
func NewLocator(cfg LocatorConfig) *Locator {
	if cfg.Token == "" {
		cfg.Token = protocol.DefaultToken
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = protocol.DefaultLeaderRPCPort
	}
	if cfg.TransferPort == 0 {
		cfg.TransferPort = protocol.DefaultTransferPort
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = protocol.DefaultDiscoveryPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.Probe == nil {
		cfg.Probe = transport.Probe
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = []Strategy{
			&MDNSBrowse{Token: cfg.Token, Probe: cfg.Probe, Logger: cfg.Logger},
			&BroadcastListen{Port: cfg.DiscoveryPort, Token: cfg.Token, Logger: cfg.Logger},
			&SubnetScan{Port: cfg.RPCPort, TransferPort: cfg.TransferPort, Token: cfg.Token, Probe: cfg.Probe, Logger: cfg.Logger},
			&GatewayProbe{Port: cfg.RPCPort, TransferPort: cfg.TransferPort, Token: cfg.Token, Probe: cfg.Probe, Logger: cfg.Logger},
		}
	}

	return &Locator{cfg: cfg, logger: cfg.Logger, strategies: strategies}
}

// Discover races every strategy until one reports or the timeout passes.
// All strategy goroutines have exited when it returns.
func (l *Locator) Discover(ctx context.Context) (Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	var (
		found  atomic.Bool
		winner Result
	)
	report := func(r Result) bool {
		if !found.CompareAndSwap(false, true) {
			return false
		}
		winner = r
		cancel()
		return true
	}

	level.Info(l.logger).Log("msg", "discovering leader", "strategies", len(l.strategies), "timeout", l.cfg.Timeout)

	var g errgroup.Group
	for _, s := range l.strategies {
		s := s
		g.Go(func() error {
			if err := s.Run(ctx, report); err != nil && ctx.Err() == nil {
				level.Warn(l.logger).Log("msg", "discovery strategy failed", "method", s.Method(), "err", err)
			}
			return nil
		})
	}
	g.Wait()

	if !found.Load() {
		level.Warn(l.logger).Log("msg", "leader not found", "timeout", l.cfg.Timeout)
		return Result{}, false
	}

	level.Info(l.logger).Log("msg", "leader found", "ip", winner.IP, "rpc_port", winner.RPCPort, "method", winner.Method)
	return winner, true
}

// Verify probes a manually configured leader address
func (l *Locator) Verify(ctx context.Context, ip netip.Addr) (Result, error) {
	dst := netip.AddrPortFrom(ip, uint16(l.cfg.RPCPort))
	if err := l.cfg.Probe(ctx, dst, l.cfg.Token, l.cfg.VerifyTimeout); err != nil {
		return Result{}, fmt.Errorf("verify leader %s: %w", dst, err)
	}
	return Result{
		IP:           ip,
		RPCPort:      l.cfg.RPCPort,
		TransferPort: l.cfg.TransferPort,
		Method:       MethodManual,
	}, nil
}
