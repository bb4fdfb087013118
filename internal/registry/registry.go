// ABOUTME: Leader-side table of live clients keyed by address
// ABOUTME: Admission policy, rename, stale sweep and best-effort broadcast
package registry

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/protocol"
)

const (
	// DefaultStaleAfter is three missed synced heartbeats
	DefaultStaleAfter = 3 * time.Second
	// DefaultSweepPeriod is how often Run ages out silent clients
	DefaultSweepPeriod = time.Second
)

// ErrNotFound is returned when no record exists for an address
var ErrNotFound = errors.New("client not found")

// Admission is the outcome of a heartbeat upsert
type Admission int

const (
	AdmittedNew Admission = iota
	Refreshed
	RejectedCapacity
	RejectedNameConflict
)

func (a Admission) String() string {
	switch a {
	case AdmittedNew:
		return "admitted"
	case Refreshed:
		return "refreshed"
	case RejectedCapacity:
		return "rejected-capacity"
	case RejectedNameConflict:
		return "rejected-name-conflict"
	}
	return "unknown"
}

// Accepted reports whether the heartbeat was recorded
func (a Admission) Accepted() bool {
	return a == AdmittedNew || a == Refreshed
}

// RenameResult is the outcome of a rename request
type RenameResult int

const (
	Renamed RenameResult = iota
	RenameConflict
	RenameNotFound
)

// ClientRecord is the leader's view of one client
type ClientRecord struct {
	Name          string
	Addr          netip.Addr
	LastHeartbeat time.Time
	Synced        bool
	OffsetNs      int64 // last offset pushed to this client
}

// Sender transmits one frame. *transport.Endpoint implements it.
type Sender interface {
	Send(method protocol.Method, payload string, dst netip.AddrPort) error
}

// Config tunes admission and aging
type Config struct {
	MaxClients int
	StaleAfter time.Duration

	// ReplyPort is the client RPC port broadcasts are sent to
	ReplyPort int

	Logger log.Logger

	// Now reads the monotonic clock used by Run; tests substitute it
	Now func() time.Time
}

// Registry is safe for concurrent use
type Registry struct {
	cfg    Config
	sender Sender
	logger log.Logger

	mu      sync.RWMutex
	clients map[netip.Addr]ClientRecord
}

// New creates an empty registry. sender may be nil when Broadcast is unused.
func New(cfg Config, sender Sender) *Registry {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = protocol.DefaultMaxClients
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ReplyPort == 0 {
		cfg.ReplyPort = protocol.DefaultClientRPCPort
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:     cfg,
		sender:  sender,
		logger:  cfg.Logger,
		clients: make(map[netip.Addr]ClientRecord),
	}
}

// Upsert records a heartbeat. A known address is refreshed in place; a new
// address is admitted unless the table is full or, failing that, the name
// is taken by another address. Rejections leave the table untouched.
func (r *Registry) Upsert(addr netip.Addr, name string, synced bool, now time.Time) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.clients[addr]; ok {
		if owner, taken := r.nameOwnerLocked(name); taken && owner != addr {
			return RejectedNameConflict
		}
		if rec.Name != name {
			level.Info(r.logger).Log("msg", "client name changed by heartbeat", "addr", addr, "old", rec.Name, "new", name)
		}
		rec.Name = name
		rec.Synced = synced
		rec.LastHeartbeat = now
		r.clients[addr] = rec
		return Refreshed
	}

	// Capacity is checked before the name so a full table always answers
	// MAX_CLIENTS_REACHED
	if len(r.clients) >= r.cfg.MaxClients {
		level.Warn(r.logger).Log("msg", "client limit reached", "addr", addr, "name", name, "limit", r.cfg.MaxClients)
		return RejectedCapacity
	}
	if _, taken := r.nameOwnerLocked(name); taken {
		level.Warn(r.logger).Log("msg", "name conflict", "addr", addr, "name", name)
		return RejectedNameConflict
	}

	r.clients[addr] = ClientRecord{
		Name:          name,
		Addr:          addr,
		LastHeartbeat: now,
		Synced:        synced,
	}
	level.Info(r.logger).Log("msg", "client added", "addr", addr, "name", name, "clients", len(r.clients))
	return AdmittedNew
}

// Rename changes the name of the record at addr. Liveness and sync state
// are left as they were.
func (r *Registry) Rename(addr netip.Addr, oldName, newName string) RenameResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[addr]
	if !ok {
		return RenameNotFound
	}
	if owner, taken := r.nameOwnerLocked(newName); taken && owner != addr {
		return RenameConflict
	}

	rec.Name = newName
	r.clients[addr] = rec
	level.Info(r.logger).Log("msg", "client renamed", "addr", addr, "old", oldName, "new", newName)
	return Renamed
}

func (r *Registry) nameOwnerLocked(name string) (netip.Addr, bool) {
	for addr, rec := range r.clients {
		if rec.Name == name {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// Sweep removes records whose last heartbeat is older than the stale
// threshold and returns them.
func (r *Registry) Sweep(now time.Time) []ClientRecord {
	deadline := now.Add(-r.cfg.StaleAfter)

	r.mu.Lock()
	var removed []ClientRecord
	for addr, rec := range r.clients {
		if rec.LastHeartbeat.Before(deadline) {
			delete(r.clients, addr)
			removed = append(removed, rec)
		}
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	for _, rec := range removed {
		level.Info(r.logger).Log("msg", "client removed", "addr", rec.Addr, "name", rec.Name, "reason", "stale", "clients", remaining)
	}
	return removed
}

// Run sweeps every period until ctx is done. onRemove, when set, receives
// each non-empty batch of swept records.
func (r *Registry) Run(ctx context.Context, period time.Duration, onRemove func([]ClientRecord)) {
	if period <= 0 {
		period = DefaultSweepPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(r.cfg.Now()); len(removed) > 0 && onRemove != nil {
				onRemove(removed)
			}
		}
	}
}

// Broadcast sends to every client in a snapshot of the table. Failures are
// logged and skipped; the number of successful sends is returned.
func (r *Registry) Broadcast(method protocol.Method, payload string) int {
	if r.sender == nil {
		return 0
	}

	sent := 0
	for _, rec := range r.Snapshot() {
		dst := netip.AddrPortFrom(rec.Addr, uint16(r.cfg.ReplyPort))
		if err := r.sender.Send(method, payload, dst); err != nil {
			level.Warn(r.logger).Log("msg", "broadcast send failed", "method", method, "client", rec.Name, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Snapshot returns a copy of all records sorted by name
func (r *Registry) Snapshot() []ClientRecord {
	r.mu.RLock()
	res := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		res = append(res, rec)
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// Get returns the record at addr
func (r *Registry) Get(addr netip.Addr) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[addr]
	return rec, ok
}

// SetOffset remembers the offset last pushed to addr
func (r *Registry) SetOffset(addr netip.Addr, offsetNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[addr]
	if !ok {
		return ErrNotFound
	}
	rec.OffsetNs = offsetNs
	r.clients[addr] = rec
	return nil
}

// Len returns the number of live records
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// MaxClients returns the admission limit
func (r *Registry) MaxClients() int {
	return r.cfg.MaxClients
}

// Clear drops every record
func (r *Registry) Clear() {
	r.mu.Lock()
	r.clients = make(map[netip.Addr]ClientRecord)
	r.mu.Unlock()
}
