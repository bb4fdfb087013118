// ABOUTME: Leader-side discovery: mDNS registration plus periodic UDP announcements
// ABOUTME: Broadcasts to 255.255.255.255 and the directed subnet broadcast every second
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/mdns"

	"github.com/recsync/recsync-go/internal/protocol"
)

// DefaultAnnounceInterval is the UDP announcement period
const DefaultAnnounceInterval = time.Second

// AnnouncerConfig configures an Announcer
type AnnouncerConfig struct {
	ID            string
	Version       string
	Token         string
	RPCPort       int
	TransferPort  int
	DiscoveryPort int
	Interval      time.Duration

	// EnableMDNS registers the service over mDNS in addition to broadcasting
	EnableMDNS bool

	// Addr overrides address selection
	Addr netip.Addr

	// Targets overrides the broadcast destinations
	Targets []netip.AddrPort

	Logger log.Logger
}

// Announcer advertises the leader until stopped
type Announcer struct {
	cfg     AnnouncerConfig
	logger  log.Logger
	addr    netip.Addr
	hotspot bool
	targets []netip.AddrPort

	mu     sync.Mutex
	server *mdns.Server
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAnnouncer selects the address to advertise
func NewAnnouncer(cfg AnnouncerConfig) (*Announcer, error) {
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
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	a := &Announcer{cfg: cfg, logger: cfg.Logger, addr: cfg.Addr}
	if !a.addr.IsValid() {
		cands, err := LocalCandidates()
		if err != nil {
			return nil, fmt.Errorf("list interfaces: %w", err)
		}
		addr, hotspot, ok := SelectAddress(cands)
		if !ok {
			return nil, errors.New("no usable IPv4 address to announce")
		}
		a.addr, a.hotspot = addr, hotspot
	} else {
		a.hotspot = IsHotspotAddr(a.addr)
	}

	a.targets = cfg.Targets
	if len(a.targets) == 0 {
		port := uint16(cfg.DiscoveryPort)
		a.targets = []netip.AddrPort{
			netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), port),
			netip.AddrPortFrom(subnetBroadcast(a.addr), port),
		}
	}
	return a, nil
}

// Addr is the advertised address
func (a *Announcer) Addr() netip.Addr {
	return a.addr
}

// HotspotMode reports whether the leader is serving its own hotspot
func (a *Announcer) HotspotMode() bool {
	return a.hotspot
}

// NetworkMode describes the network the leader is announcing on
func (a *Announcer) NetworkMode() string {
	if a.hotspot {
		return "hotspot (clients join this machine's hotspot)"
	}
	return "Wi-Fi LAN"
}

// Announcement is the frame broadcast each interval
func (a *Announcer) Announcement() protocol.Announcement {
	return protocol.Announcement{
		IP:           a.addr,
		RPCPort:      a.cfg.RPCPort,
		TransferPort: a.cfg.TransferPort,
		Token:        a.cfg.Token,
	}
}

// Start registers mDNS (failure is logged, not returned) and begins
// broadcasting. Failure to open the broadcast socket is returned.
func (a *Announcer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return errors.New("announcer already started")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	if err := enableBroadcast(conn); err != nil {
		level.Warn(a.logger).Log("msg", "could not enable SO_BROADCAST", "err", err)
	}
	a.conn = conn

	if a.cfg.EnableMDNS {
		server, err := registerMDNS(ServiceInfo{
			ID:           a.cfg.ID,
			IP:           a.addr,
			RPCPort:      a.cfg.RPCPort,
			TransferPort: a.cfg.TransferPort,
			Version:      a.cfg.Version,
		})
		if err != nil {
			level.Warn(a.logger).Log("msg", "mdns registration failed, continuing with broadcast only", "err", err)
		} else {
			a.server = server
			level.Info(a.logger).Log("msg", "mdns service registered", "service", protocol.ServiceType, "ip", a.addr, "port", a.cfg.RPCPort)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.broadcastLoop(ctx)
	}()

	level.Info(a.logger).Log("msg", "announcing leader", "ip", a.addr, "mode", a.NetworkMode(), "port", a.cfg.DiscoveryPort)
	return nil
}

func (a *Announcer) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	frame := []byte(a.Announcement().Encode())
	for {
		for _, dst := range a.targets {
			if _, err := a.conn.WriteToUDPAddrPort(frame, dst); err != nil && ctx.Err() == nil {
				level.Debug(a.logger).Log("msg", "announcement send failed", "to", dst, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends broadcasting and unregisters the mDNS service
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.server != nil {
		if err := a.server.Shutdown(); err != nil {
			level.Debug(a.logger).Log("msg", "mdns shutdown failed", "err", err)
		}
		a.server = nil
	}
	level.Info(a.logger).Log("msg", "announcer stopped")
}
