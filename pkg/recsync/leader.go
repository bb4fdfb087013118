// ABOUTME: Leader station: registry endpoint, status board, controller and announcer
// ABOUTME: Optionally serves the monitor API on the configured address
package recsync

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/control"
	"github.com/recsync/recsync-go/internal/discovery"
	"github.com/recsync/recsync-go/internal/leader"
	"github.com/recsync/recsync-go/internal/logging"
	"github.com/recsync/recsync-go/internal/monitor"
	"github.com/recsync/recsync-go/internal/protocol"
	"github.com/recsync/recsync-go/internal/version"
)

// LeaderOptions holds what the configuration file does not
type LeaderOptions struct {
	Logger log.Logger

	// DisableAnnounce skips mDNS and UDP announcements
	DisableAnnounce bool

	// AnnounceAddr overrides the advertised address
	AnnounceAddr netip.Addr

	// OnChange fires after any registry or status change
	OnChange func()

	// OnMessage receives application frames sent by clients
	OnMessage func(Message)
}

// LeaderStation is a running leader
type LeaderStation struct {
	logger     log.Logger
	leaderMu   sync.RWMutex
	leader     *leader.Leader
	board      *control.StatusBoard
	controller *control.Controller
	announcer  *discovery.Announcer
	monitor    *monitor.Server

	closeOnce sync.Once
}

// StartLeader opens the leader endpoint and starts announcing. Bind failures
// are returned; announcement failures are logged and the station keeps
// running without them.
func StartLeader(ctx context.Context, cfg Config, opts LeaderOptions) (*LeaderStation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("leader config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	st := &LeaderStation{
		logger: logging.Component(logger, "station"),
		board:  control.NewStatusBoard(),
	}

	l, err := leader.New(leader.Config{
		Port:        cfg.LeaderPort,
		ClientPort:  cfg.ClientPort,
		Token:       cfg.Token,
		MaxClients:  cfg.MaxClients,
		StaleAfter:  cfg.Heartbeat.StaleAfter,
		SweepPeriod: cfg.Heartbeat.SweepPeriod,
		Logger:      logging.Component(logger, "leader"),
		OnStatus:    st.board.Record,
		OnMessage:   forward(opts.OnMessage),
		OnChange: func() {
			st.pruneBoard()
			st.notify(opts.OnChange)
		},
	})
	if err != nil {
		return nil, err
	}
	st.leaderMu.Lock()
	st.leader = l
	st.leaderMu.Unlock()

	st.controller = control.NewController(l, st.board, control.ControllerConfig{
		TriggerLead: cfg.Recording.TriggerLead,
		Logger:      logging.Component(logger, "control"),
	})

	if !opts.DisableAnnounce {
		st.startAnnouncer(ctx, cfg, opts, logger)
	}

	if cfg.MonitorAddr != "" {
		mon, err := monitor.New(monitor.Config{
			Station:    l,
			Board:      st.board,
			Controller: st.controller,
			Defaults: control.RecordingParams{
				Width:  cfg.Recording.Width,
				Height: cfg.Recording.Height,
				FPS:    cfg.Recording.FPS,
			},
			NetworkMode: st.NetworkMode,
			Logger:      logger,
		})
		if err == nil {
			err = mon.Start(cfg.MonitorAddr)
		}
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("start monitor: %w", err)
		}
		st.monitor = mon
	}

	return st, nil
}

func (st *LeaderStation) startAnnouncer(ctx context.Context, cfg Config, opts LeaderOptions, logger log.Logger) {
	a, err := discovery.NewAnnouncer(discovery.AnnouncerConfig{
		ID:            st.leader.ID(),
		Version:       version.Version,
		Token:         cfg.Token,
		RPCPort:       st.leader.Port(),
		TransferPort:  cfg.TransferPort,
		DiscoveryPort: cfg.DiscoveryPort,
		Interval:      cfg.Discovery.Interval,
		EnableMDNS:    cfg.Discovery.EnableMDNS,
		Addr:          opts.AnnounceAddr,
		Logger:        logging.Component(logger, "announcer"),
	})
	if err != nil {
		level.Warn(st.logger).Log("msg", "leader will not be announced", "err", err)
		return
	}
	if err := a.Start(ctx); err != nil {
		level.Warn(st.logger).Log("msg", "leader will not be announced", "err", err)
		return
	}
	st.announcer = a
	level.Info(st.logger).Log("msg", "announcing leader", "addr", a.Addr(), "mode", a.NetworkMode())
}

func (st *LeaderStation) pruneBoard() {
	// Frames can arrive before New has returned
	st.leaderMu.RLock()
	l := st.leader
	st.leaderMu.RUnlock()
	if l == nil {
		return
	}
	recs := l.Snapshot()
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	st.board.Retain(names)
}

func (st *LeaderStation) notify(fn func()) {
	if fn != nil {
		fn()
	}
}

// ID is the leader's session identifier
func (st *LeaderStation) ID() string {
	return st.leader.ID()
}

// Now reads the leader clock in nanoseconds
func (st *LeaderStation) Now() int64 {
	return st.leader.Now()
}

// Clients lists the admitted clients
func (st *LeaderStation) Clients() []ClientInfo {
	recs := st.leader.Snapshot()
	out := make([]ClientInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, ClientInfo{
			Name:          r.Name,
			Addr:          r.Addr,
			Synced:        r.Synced,
			LastHeartbeat: r.LastHeartbeat,
			OffsetNs:      r.OffsetNs,
		})
	}
	return out
}

// Readiness reports whether StartRecording would pass the gate
func (st *LeaderStation) Readiness() Readiness {
	return Readiness(st.controller.Readiness())
}

// StartRecording broadcasts a start command once every client is synced
// and ready; otherwise it returns an error wrapping ErrNotReady.
func (st *LeaderStation) StartRecording(params RecordingParams) (StartCommand, error) {
	cmd, err := st.controller.Start(control.RecordingParams(params))
	if err != nil {
		return StartCommand{}, err
	}
	return startCommandFrom(cmd), nil
}

// StopRecording broadcasts a stop and returns how many clients it reached
func (st *LeaderStation) StopRecording() int {
	return st.controller.Stop()
}

// Broadcast sends an application frame to every admitted client
func (st *LeaderStation) Broadcast(method Method, payload string) int {
	return st.leader.Broadcast(protocol.Method(method), payload)
}

// Leader is the underlying registry endpoint, for programs in this module
func (st *LeaderStation) Leader() *leader.Leader {
	return st.leader
}

// Controller issues recording commands, for programs in this module
func (st *LeaderStation) Controller() *control.Controller {
	return st.controller
}

// Board holds the last status report of each client
func (st *LeaderStation) Board() *control.StatusBoard {
	return st.board
}

// Announcer is nil when announcements are disabled or failed
func (st *LeaderStation) Announcer() *discovery.Announcer {
	return st.announcer
}

// Monitor is nil unless a monitor address is configured
func (st *LeaderStation) Monitor() *monitor.Server {
	return st.monitor
}

// NetworkMode describes how clients reach this leader
func (st *LeaderStation) NetworkMode() string {
	if st.announcer == nil {
		return "not announced"
	}
	return st.announcer.NetworkMode()
}

// Close stops the monitor, the announcer and the leader, in that order
func (st *LeaderStation) Close() error {
	var err error
	st.closeOnce.Do(func() {
		if st.monitor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if serr := st.monitor.Shutdown(ctx); serr != nil {
				level.Warn(st.logger).Log("msg", "monitor shutdown", "err", serr)
			}
			cancel()
		}
		if st.announcer != nil {
			st.announcer.Stop()
		}
		err = st.leader.Close()
	})
	return err
}
