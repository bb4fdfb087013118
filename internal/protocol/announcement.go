// ABOUTME: Discovery announcement frame broadcast by the leader
// ABOUTME: Format is PREFIX|ip|rpcPort|transferPort|token in ASCII
package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrNotAnnouncement is returned for datagrams without the announce prefix
var ErrNotAnnouncement = errors.New("not a leader announcement")

// Announcement advertises where the leader can be reached
type Announcement struct {
	IP           netip.Addr
	RPCPort      int
	TransferPort int
	Token        string
}

// Encode renders the broadcast frame
func (a Announcement) Encode() string {
	return fmt.Sprintf("%s|%s|%d|%d|%s", AnnouncePrefix, a.IP, a.RPCPort, a.TransferPort, a.Token)
}

// ParseAnnouncement decodes a broadcast frame. Token validation is left to
// the caller so mismatches can be logged.
func ParseAnnouncement(frame string) (Announcement, error) {
	if !strings.HasPrefix(frame, AnnouncePrefix+"|") {
		return Announcement{}, ErrNotAnnouncement
	}
	parts := strings.Split(frame, "|")
	if len(parts) < 5 {
		return Announcement{}, fmt.Errorf("announcement %q: %w", frame, ErrMalformed)
	}

	ip, err := netip.ParseAddr(parts[1])
	if err != nil || !ip.Is4() {
		return Announcement{}, fmt.Errorf("announcement ip %q: %w", parts[1], ErrMalformed)
	}
	rpcPort, err := parsePort(parts[2])
	if err != nil {
		return Announcement{}, err
	}
	transferPort, err := parsePort(parts[3])
	if err != nil {
		return Announcement{}, err
	}

	return Announcement{
		IP:           ip,
		RPCPort:      rpcPort,
		TransferPort: transferPort,
		Token:        parts[4],
	}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("port %q: %w", s, ErrMalformed)
	}
	return p, nil
}
