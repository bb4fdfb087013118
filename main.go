// ABOUTME: Entry point for a RecSync client station
// ABOUTME: Finds the leader, keeps the clock synced and schedules recording triggers
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/logging"
	"github.com/recsync/recsync-go/internal/timeutil"
	"github.com/recsync/recsync-go/internal/version"
	"github.com/recsync/recsync-go/pkg/recsync"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	leaderAddr = flag.String("leader", "", "Manual leader address, ip or ip:port (skip discovery)")
	name       = flag.String("name", "", "Client name (default: hostname-recsync)")
	logFile    = flag.String("log-file", "recsync-client.log", "Log file path")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

// station tracks what the camera is doing so status reports stay current
type station struct {
	logger log.Logger
	camera atomic.Int32

	mu      sync.Mutex
	joined  *recsync.ClientStation
	pending *time.Timer
}

func main() {
	flag.Parse()

	cfg, err := recsync.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *leaderAddr != "" {
		cfg.Discovery.ManualLeader = *leaderAddr
	}
	if *name != "" {
		cfg.Name = *name
	}
	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Name = fmt.Sprintf("%s-recsync", hostname)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = *logFile
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	// Log to both file and stdout
	logger, err := logging.New(io.MultiWriter(os.Stdout, f), cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting client", "name", cfg.Name, "version", version.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := &station{logger: logging.Component(logger, "camera")}
	st.camera.Store(int32(recsync.CameraReady))

	joined, err := recsync.Join(ctx, cfg, recsync.JoinOptions{
		Logger:    logger,
		OnMessage: st.handle,
		OnSync: func(leaderFromLocalNs int64) {
			level.Info(st.logger).Log("msg", "clock synced", "leader_from_local_ms", timeutil.NanosToMillis(leaderFromLocalNs))
		},
	})
	if err != nil {
		level.Error(logger).Log("msg", "could not join leader", "err", err)
		os.Exit(1)
	}
	defer joined.Close()

	st.mu.Lock()
	st.joined = joined
	st.mu.Unlock()

	level.Info(logger).Log("msg", "joined leader", "leader", joined.String())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			level.Info(logger).Log("msg", "shutting down")
			st.cancelPending()
			return
		case <-ticker.C:
			cam := recsync.CameraStatus(st.camera.Load())
			if err := joined.ReportStatus(cam); err != nil {
				level.Warn(logger).Log("msg", "status report failed", "err", err)
			}
		}
	}
}

// handle runs on the transport goroutine for every application frame
func (st *station) handle(m recsync.Message) {
	switch m.Method {
	case recsync.MethodNameConflict:
		level.Error(st.logger).Log("msg", "leader rejected our name, pick another with -name", "name", m.Payload)
	case recsync.MethodMaxClientsReached:
		level.Error(st.logger).Log("msg", "leader is full", "payload", m.Payload)
	case recsync.MethodStartRecording:
		cmd, err := recsync.ParseStartCommand(m.Payload)
		if err != nil {
			level.Warn(st.logger).Log("msg", "bad start command", "err", err)
			return
		}
		st.schedule(cmd.TriggerLeaderNs, func() {
			st.camera.Store(int32(recsync.CameraRecording))
			level.Info(st.logger).Log(
				"msg", "recording",
				"batch", cmd.BatchID,
				"size", fmt.Sprintf("%dx%d@%d", cmd.Width, cmd.Height, cmd.FPS),
				"subject", cmd.SubjectID,
				"movement", cmd.MovementID,
				"episode", cmd.EpisodeID,
				"retake", cmd.RetakeID,
			)
		})
	case recsync.MethodStopRecording:
		st.cancelPending()
		st.camera.Store(int32(recsync.CameraReady))
		level.Info(st.logger).Log("msg", "recording stopped")
	case recsync.MethodSetTriggerTime:
		trigger, err := strconv.ParseInt(m.Payload, 10, 64)
		if err != nil {
			level.Warn(st.logger).Log("msg", "bad trigger time", "payload", m.Payload)
			return
		}
		st.schedule(trigger, func() {
			level.Info(st.logger).Log("msg", "trigger fired", "leader_ns", trigger)
		})
	case recsync.MethodDoPhaseAlign:
		level.Info(st.logger).Log("msg", "phase align requested")
	default:
		level.Debug(st.logger).Log("msg", "unhandled frame", "method", m.Method, "payload", m.Payload)
	}
}

// schedule fires fn at the local instant matching leaderNs, replacing any
// pending trigger
func (st *station) schedule(leaderNs int64, fn func()) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.joined == nil || !st.joined.Synced() {
		level.Warn(st.logger).Log("msg", "trigger ignored, clock not synced", "leader_ns", leaderNs)
		return
	}
	localNs, wait := st.joined.TriggerDelay(leaderNs)
	if st.pending != nil {
		st.pending.Stop()
	}
	st.pending = time.AfterFunc(wait, fn)
	level.Debug(st.logger).Log("msg", "trigger scheduled", "leader_ns", leaderNs, "local_ns", localNs, "wait", wait)
}

func (st *station) cancelPending() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending != nil {
		st.pending.Stop()
		st.pending = nil
	}
}
