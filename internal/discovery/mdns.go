// ABOUTME: mDNS registration of the leader service and browsing for it
// ABOUTME: Registration is best-effort; browse results are probed before reporting
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/mdns"

	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/transport"
)

const (
	mdnsQueryTimeout = time.Second
	mdnsRetryDelay   = 500 * time.Millisecond
)

// ServiceInfo is what the leader publishes over mDNS
type ServiceInfo struct {
	ID           string
	IP           netip.Addr
	RPCPort      int
	TransferPort int
	Version      string
}

// TXT renders the service's TXT records
func (s ServiceInfo) TXT() []string {
	return []string{
		"id=" + s.ID,
		"ip=" + s.IP.String(),
		"rpc_port=" + strconv.Itoa(s.RPCPort),
		"transfer_port=" + strconv.Itoa(s.TransferPort),
		"version=" + s.Version,
	}
}

// registerMDNS publishes the leader service. The returned server must be
// shut down by the caller.
func registerMDNS(info ServiceInfo) (*mdns.Server, error) {
	service, err := mdns.NewMDNSService(
		protocol.ServiceName,
		protocol.ServiceType,
		"",
		"",
		info.RPCPort,
		[]net.IP{net.IP(info.IP.AsSlice())},
		info.TXT(),
	)
	if err != nil {
		return nil, fmt.Errorf("create mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	return server, nil
}

// parseTXT reads key=value TXT fields
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// resultFromEntry converts a browse answer. TXT ports win over the SRV port.
func resultFromEntry(e *mdns.ServiceEntry) (Result, bool) {
	if e == nil || e.AddrV4 == nil {
		return Result{}, false
	}
	ip, ok := netip.AddrFromSlice(e.AddrV4.To4())
	if !ok {
		return Result{}, false
	}

	r := Result{
		IP:           ip,
		RPCPort:      e.Port,
		TransferPort: protocol.DefaultTransferPort,
		Method:       MethodMDNS,
	}
	txt := parseTXT(e.InfoFields)
	if p, err := strconv.Atoi(txt["rpc_port"]); err == nil && p > 0 {
		r.RPCPort = p
	}
	if p, err := strconv.Atoi(txt["transfer_port"]); err == nil && p > 0 {
		r.TransferPort = p
	}
	return r, r.RPCPort > 0
}

// MDNSBrowse queries for the leader service until one answers a probe
type MDNSBrowse struct {
	// Service defaults to protocol.ServiceType
	Service string
	Token   string
	Probe   ProbeFunc
	Logger  log.Logger
}

func (m *MDNSBrowse) Method() Method { return MethodMDNS }

func (m *MDNSBrowse) Run(ctx context.Context, report ReportFunc) error {
	logger := m.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	probe := m.Probe
	if probe == nil {
		probe = transport.Probe
	}
	service := m.Service
	if service == "" {
		service = protocol.ServiceType
	}

	for ctx.Err() == nil {
		entries := make(chan *mdns.ServiceEntry, 8)
		queryDone := make(chan error, 1)

		go func() {
			params := mdns.DefaultParams(service)
			params.Entries = entries
			params.Timeout = mdnsQueryTimeout
			params.DisableIPv6 = true
			queryDone <- mdns.QueryContext(ctx, params)
			close(entries)
		}()

		reported := false
		for e := range entries {
			if reported {
				continue
			}
			r, ok := resultFromEntry(e)
			if !ok {
				continue
			}
			if err := probe(ctx, r.RPCAddr(), m.Token, DefaultVerifyTimeout); err != nil {
				level.Debug(logger).Log("msg", "mdns answer did not verify", "ip", r.IP, "err", err)
				continue
			}
			report(r)
			reported = true
		}

		if err := <-queryDone; err != nil && ctx.Err() == nil {
			level.Debug(logger).Log("msg", "mdns query failed", "err", err)
		}
		if reported {
			return nil
		}

		select {
		case <-ctx.Done():
		case <-time.After(mdnsRetryDelay):
		}
	}
	return nil
}
