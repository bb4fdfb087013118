// ABOUTME: Local address selection for the announcer and subnet scan
// ABOUTME: Prefers Wi-Fi/Ethernet LAN addresses and detects hotspot mode
package discovery

import (
	"net"
	"net/netip"
	"strings"
)

// HotspotPrefixes are the address ranges phone and OS hotspots hand out
var HotspotPrefixes = []netip.Prefix{
	netip.MustParsePrefix("192.168.137.0/24"), // Windows mobile hotspot
	netip.MustParsePrefix("192.168.43.0/24"),  // Android
	netip.MustParsePrefix("172.20.10.0/28"),   // iOS
}

// HotspotGateways are probed when the OS gateway is not the leader
var HotspotGateways = []netip.Addr{
	netip.MustParseAddr("192.168.137.1"),
	netip.MustParseAddr("192.168.43.1"),
	netip.MustParseAddr("172.20.10.1"),
}

var (
	virtualMarkers = []string{"vmware", "virtualbox", "vboxnet", "hyper-v", "virtual", "docker", "veth", "br-"}
	hotspotMarkers = []string{"wi-fi direct", "mobile hotspot", "local area connection*"}
	lanMarkers     = []string{"wi-fi", "wlan", "wireless", "ethernet", "eth", "en0", "wlp", "enp"}
)

// Candidate is one IPv4 address on one interface
type Candidate struct {
	Interface string
	IP        netip.Addr
}

// IsHotspotAddr reports whether ip is in a known hotspot range
func IsHotspotAddr(ip netip.Addr) bool {
	for _, p := range HotspotPrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isHotspotInterface(name string) bool {
	n := strings.ToLower(name)
	if strings.HasPrefix(n, "ap") {
		return true
	}
	return containsAny(n, hotspotMarkers)
}

func isVirtualInterface(name string) bool {
	return containsAny(strings.ToLower(name), virtualMarkers)
}

func isLANInterface(name string) bool {
	return containsAny(strings.ToLower(name), lanMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// SelectAddress picks the address to announce: a private LAN address on a
// Wi-Fi/Ethernet interface, then any other non-hotspot address, then a
// hotspot address. hotspot reports whether the hotspot address was chosen.
func SelectAddress(candidates []Candidate) (addr netip.Addr, hotspot bool, ok bool) {
	var fallback, hotspotAddr netip.Addr

	for _, c := range candidates {
		if !c.IP.Is4() || c.IP.IsLoopback() || c.IP.IsUnspecified() {
			continue
		}
		hotspotIface := isHotspotInterface(c.Interface)
		if !hotspotIface && isVirtualInterface(c.Interface) {
			continue
		}
		hotspotIP := IsHotspotAddr(c.IP)

		if hotspotIP || hotspotIface {
			if !hotspotAddr.IsValid() {
				hotspotAddr = c.IP
			}
			continue
		}
		if c.IP.IsPrivate() && isLANInterface(c.Interface) {
			return c.IP, false, true
		}
		if !fallback.IsValid() || (c.IP.IsPrivate() && !fallback.IsPrivate()) {
			fallback = c.IP
		}
	}

	switch {
	case fallback.IsValid():
		return fallback, false, true
	case hotspotAddr.IsValid():
		return hotspotAddr, true, true
	}
	return netip.Addr{}, false, false
}

// LocalCandidates lists IPv4 addresses on up, non-loopback interfaces
func LocalCandidates() ([]Candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.Is4() && !ip.IsLoopback() {
				out = append(out, Candidate{Interface: iface.Name, IP: ip})
			}
		}
	}
	return out, nil
}

// localPrivateIPv4 returns the first private IPv4 address of this host
func localPrivateIPv4() (netip.Addr, bool) {
	cands, err := LocalCandidates()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, c := range cands {
		if c.IP.IsPrivate() && !isVirtualInterface(c.Interface) {
			return c.IP, true
		}
	}
	return netip.Addr{}, false
}

// subnetBroadcast returns the directed /24 broadcast address for ip
func subnetBroadcast(ip netip.Addr) netip.Addr {
	b := ip.As4()
	b[3] = 255
	return netip.AddrFrom4(b)
}
