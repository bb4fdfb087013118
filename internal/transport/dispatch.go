// ABOUTME: Immutable method-id dispatch table for transport endpoints
// ABOUTME: Built once through DispatchBuilder and handed to Open
package transport

import (
	"net/netip"

	"github.com/recsync/recsync-go/internal/protocol"
)

// Request is one received frame
type Request struct {
	Method     protocol.Method
	Payload    string
	From       netip.AddrPort
	ReceivedNs int64 // endpoint clock at receipt
}

// Sender transmits frames. *Endpoint implements it.
type Sender interface {
	Send(method protocol.Method, payload string, dst netip.AddrPort) error
}

// Handler processes a request. Handlers run concurrently and must be
// idempotent: a retransmitted datagram looks exactly like a duplicate.
type Handler func(out Sender, req Request)

type methodRange struct {
	lo, hi  protocol.Method
	handler Handler
}

// Dispatch maps method ids to handlers. It is read-only once built.
type Dispatch struct {
	exact  map[protocol.Method]Handler
	ranges []methodRange
}

// Lookup returns the handler for m. Exact registrations win over ranges.
func (d *Dispatch) Lookup(m protocol.Method) (Handler, bool) {
	if d == nil {
		return nil, false
	}
	if h, ok := d.exact[m]; ok {
		return h, true
	}
	for _, r := range d.ranges {
		if m >= r.lo && m <= r.hi {
			return r.handler, true
		}
	}
	return nil, false
}

// DispatchBuilder accumulates handlers before the table is frozen
type DispatchBuilder struct {
	exact      map[protocol.Method]Handler
	ranges     []methodRange
	probeToken string
}

// NewDispatchBuilder starts an empty table
func NewDispatchBuilder() *DispatchBuilder {
	return &DispatchBuilder{exact: make(map[protocol.Method]Handler)}
}

// Handle registers h for a single method id, replacing any earlier entry
func (b *DispatchBuilder) Handle(m protocol.Method, h Handler) *DispatchBuilder {
	if h != nil {
		b.exact[m] = h
	}
	return b
}

// HandleRange registers h for every id in [lo, hi]. Earlier ranges win on overlap.
func (b *DispatchBuilder) HandleRange(lo, hi protocol.Method, h Handler) *DispatchBuilder {
	if h != nil && lo <= hi {
		b.ranges = append(b.ranges, methodRange{lo: lo, hi: hi, handler: h})
	}
	return b
}

// WithProbeToken sets the token the default PROBE echo requires
func (b *DispatchBuilder) WithProbeToken(token string) *DispatchBuilder {
	b.probeToken = token
	return b
}

// Build freezes the table. A PROBE echo is installed unless one was registered.
func (b *DispatchBuilder) Build() *Dispatch {
	exact := make(map[protocol.Method]Handler, len(b.exact)+1)
	for m, h := range b.exact {
		exact[m] = h
	}
	if _, ok := exact[protocol.MethodProbe]; !ok {
		exact[protocol.MethodProbe] = EchoProbe(b.probeToken)
	}
	ranges := make([]methodRange, len(b.ranges))
	copy(ranges, b.ranges)
	return &Dispatch{exact: exact, ranges: ranges}
}
