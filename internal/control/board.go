// ABOUTME: Leader-side board of the device status each client last reported
// ABOUTME: Fed by CLIENT_STATUS frames, read by the readiness gate and monitors
package control

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/recsync/recsync-go/internal/protocol"
)

// DeviceStatus is the last report from one client
type DeviceStatus struct {
	Name      string
	Addr      netip.Addr
	Camera    protocol.CameraStatus
	Synced    bool
	UpdatedAt time.Time
}

// StatusBoard is safe for concurrent use
type StatusBoard struct {
	mu      sync.RWMutex
	devices map[string]DeviceStatus
	now     func() time.Time
}

// NewStatusBoard creates an empty board
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{devices: make(map[string]DeviceStatus), now: time.Now}
}

// Record stores a report keyed by client name
func (b *StatusBoard) Record(from netip.Addr, st protocol.ClientStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[st.Name] = DeviceStatus{
		Name:      st.Name,
		Addr:      from,
		Camera:    st.Camera,
		Synced:    st.Synced,
		UpdatedAt: b.now(),
	}
}

// Get returns the report for name
func (b *StatusBoard) Get(name string) (DeviceStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.devices[name]
	return st, ok
}

// All returns every report sorted by name
func (b *StatusBoard) All() []DeviceStatus {
	b.mu.RLock()
	out := make([]DeviceStatus, 0, len(b.devices))
	for _, st := range b.devices {
		out = append(out, st)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Retain drops reports for names not in live
func (b *StatusBoard) Retain(live []string) {
	keep := make(map[string]struct{}, len(live))
	for _, n := range live {
		keep[n] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for name := range b.devices {
		if _, ok := keep[name]; !ok {
			delete(b.devices, name)
		}
	}
}
