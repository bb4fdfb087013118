// ABOUTME: Broadcast listen, subnet scan and gateway probe discovery strategies
// ABOUTME: Each reports a verified leader to the locator race
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackpal/gateway"
	"golang.org/x/sync/errgroup"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/transport"
)

// PriorityHosts are the host numbers DHCP servers commonly hand out first
var PriorityHosts = []byte{1, 2, 100, 101, 102, 10, 11, 50, 200, 254}

const (
	priorityProbeTimeout = 500 * time.Millisecond
	scanProbeTimeout     = 300 * time.Millisecond
	scanParallelism      = 20
	gatewayProbeTimeout  = 500 * time.Millisecond
	listenPoll           = time.Second
)

var errNoLocalAddress = errors.New("no private IPv4 address")

// BroadcastListen waits for a leader announcement on the discovery port
type BroadcastListen struct {
	Port   int
	Token  string
	Logger log.Logger
}

func (b *BroadcastListen) Method() Method { return MethodBroadcast }

func (b *BroadcastListen) Run(ctx context.Context, report ReportFunc) error {
	logger := b.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", b.Port))
	if err != nil {
		return fmt.Errorf("listen for announcements: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer func() {
		stop()
		pc.Close()
	}()

	level.Debug(logger).Log("msg", "listening for leader announcements", "port", b.Port)

	buf := make([]byte, 512)
	for ctx.Err() == nil {
		pc.SetReadDeadline(time.Now().Add(listenPoll))
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read announcement: %w", err)
		}

		ann, err := protocol.ParseAnnouncement(string(buf[:n]))
		if err != nil {
			if !errors.Is(err, protocol.ErrNotAnnouncement) {
				level.Debug(logger).Log("msg", "bad announcement", "from", from, "err", err)
			}
			continue
		}
		if ann.Token != b.Token {
			level.Warn(logger).Log("msg", "announcement token mismatch, ignoring", "from", from, "ip", ann.IP)
			continue
		}

		report(Result{
			IP:           ann.IP,
			RPCPort:      ann.RPCPort,
			TransferPort: ann.TransferPort,
			Method:       MethodBroadcast,
		})
		return nil
	}
	return nil
}

// SubnetScan probes the local /24, likely hosts first
type SubnetScan struct {
	// Local overrides the detected host address
	Local netip.Addr

	Port         int
	TransferPort int
	Token        string
	Probe        ProbeFunc
	Logger       log.Logger
}

func (s *SubnetScan) Method() Method { return MethodSubnet }

// ScanOrder splits the /24 around local into priority hosts and the rest,
// both excluding local itself.
func ScanOrder(local netip.Addr) (priority, rest []netip.Addr) {
	base := local.As4()
	host := func(n byte) netip.Addr {
		b := base
		b[3] = n
		return netip.AddrFrom4(b)
	}

	for _, n := range PriorityHosts {
		if a := host(n); a != local {
			priority = append(priority, a)
		}
	}
	for n := 1; n <= 254; n++ {
		if slices.Contains(PriorityHosts, byte(n)) {
			continue
		}
		if a := host(byte(n)); a != local {
			rest = append(rest, a)
		}
	}
	return priority, rest
}

func (s *SubnetScan) Run(ctx context.Context, report ReportFunc) error {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	probe := s.Probe
	if probe == nil {
		probe = transport.Probe
	}

	local := s.Local
	if !local.IsValid() {
		var ok bool
		if local, ok = localPrivateIPv4(); !ok {
			return errNoLocalAddress
		}
	}
	priority, rest := ScanOrder(local)
	level.Debug(logger).Log("msg", "scanning subnet", "local", local, "hosts", len(priority)+len(rest))

	hit := func(ip netip.Addr) Result {
		return Result{IP: ip, RPCPort: s.Port, TransferPort: s.TransferPort, Method: MethodSubnet}
	}

	for _, ip := range priority {
		if ctx.Err() != nil {
			return nil
		}
		if probe(ctx, netip.AddrPortFrom(ip, uint16(s.Port)), s.Token, priorityProbeTimeout) == nil {
			report(hit(ip))
			return nil
		}
	}

	var g errgroup.Group
	g.SetLimit(scanParallelism)
	for _, ip := range rest {
		if ctx.Err() != nil {
			break
		}
		ip := ip
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if probe(ctx, netip.AddrPortFrom(ip, uint16(s.Port)), s.Token, scanProbeTimeout) == nil {
				report(hit(ip))
			}
			return nil
		})
	}
	return g.Wait()
}

// GatewayProbe tries the default gateway, then the well-known hotspot gateways
type GatewayProbe struct {
	// Gateway looks up the OS default gateway
	Gateway func() (net.IP, error)

	// Fallbacks default to HotspotGateways
	Fallbacks []netip.Addr

	Port         int
	TransferPort int
	Token        string
	Probe        ProbeFunc
	Logger       log.Logger
}

func (p *GatewayProbe) Method() Method { return MethodGateway }

// Candidates lists the gateway addresses in probe order, without duplicates
func (p *GatewayProbe) Candidates() []netip.Addr {
	logger := p.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	lookup := p.Gateway
	if lookup == nil {
		lookup = gateway.DiscoverGateway
	}
	fallbacks := p.Fallbacks
	if fallbacks == nil {
		fallbacks = HotspotGateways
	}

	var out []netip.Addr
	if gw, err := lookup(); err != nil {
		level.Debug(logger).Log("msg", "default gateway lookup failed", "err", err)
	} else if a, ok := netip.AddrFromSlice(gw); ok && a.Unmap().Is4() {
		out = append(out, a.Unmap())
	}
	for _, a := range fallbacks {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func (p *GatewayProbe) Run(ctx context.Context, report ReportFunc) error {
	probe := p.Probe
	if probe == nil {
		probe = transport.Probe
	}

	for _, ip := range p.Candidates() {
		if ctx.Err() != nil {
			return nil
		}
		if probe(ctx, netip.AddrPortFrom(ip, uint16(p.Port)), p.Token, gatewayProbeTimeout) == nil {
			report(Result{IP: ip, RPCPort: p.Port, TransferPort: p.TransferPort, Method: MethodGateway})
			return nil
		}
	}
	return nil
}
