// ABOUTME: Entry point for the RecSync leader station
// ABOUTME: Parses CLI flags, starts the leader and drives it from the dashboard
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/logging"
	"github.com/recsync/recsync-go/internal/ui"
	"github.com/recsync/recsync-go/internal/version"
	"github.com/recsync/recsync-go/pkg/recsync"
)

var (
	configPath  = flag.String("config", "", "YAML configuration file")
	port        = flag.Int("port", 0, "Leader RPC port (default from config, 8244)")
	logFile     = flag.String("log-file", "recsync-leader.log", "Log file path")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	noMDNS      = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	monitorAddr = flag.String("monitor", "", "Serve the HTTP monitor on this address, e.g. :8080")
	noTUI       = flag.Bool("no-tui", false, "Disable the dashboard, stream logs instead")
)

func main() {
	flag.Parse()

	cfg, err := recsync.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.LeaderPort = *port
	}
	if *noMDNS {
		cfg.Discovery.EnableMDNS = false
	}
	if *monitorAddr != "" {
		cfg.MonitorAddr = *monitorAddr
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

	useTUI := !*noTUI
	var w io.Writer = f
	if !useTUI {
		// Streaming logs mode: log to both stdout and file
		w = io.MultiWriter(os.Stdout, f)
	}
	logger, err := logging.New(w, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting leader", "version", version.String(), "port", cfg.LeaderPort, "log_file", cfg.LogFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dash *ui.Dashboard
	if useTUI {
		dash = ui.NewDashboard()
	}
	refresh := make(chan struct{}, 1)

	station, err := recsync.StartLeader(ctx, cfg, recsync.LeaderOptions{
		Logger: logger,
		OnChange: func() {
			select {
			case refresh <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		level.Error(logger).Log("msg", "leader failed to start", "err", err)
		os.Exit(1)
	}
	defer station.Close()

	if mon := station.Monitor(); mon != nil {
		level.Info(logger).Log("msg", "monitor available", "addr", mon.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if dash == nil {
		sig := <-sigChan
		level.Info(logger).Log("msg", "shutting down", "signal", sig)
		return
	}

	go dashboardLoop(ctx, station, dash, cfg, refresh, logger)
	go func() {
		select {
		case <-sigChan:
			dash.Stop()
		case <-ctx.Done():
		}
	}()

	if err := dash.Run(); err != nil {
		level.Error(logger).Log("msg", "dashboard error", "err", err)
	}
	level.Info(logger).Log("msg", "leader stopped")
}

// dashboardLoop feeds the dashboard and executes its key actions
func dashboardLoop(ctx context.Context, st *recsync.LeaderStation, dash *ui.Dashboard, cfg recsync.Config, refresh <-chan struct{}, logger log.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	message := "s: start  x: stop  p: phase align  q: quit"
	dash.Update(dashboardStatus(st, message))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-refresh:
		case a := <-dash.Actions():
			if a == ui.ActionQuit {
				return
			}
			message = runAction(st, cfg, a, logger)
		}
		dash.Update(dashboardStatus(st, message))
	}
}

func runAction(st *recsync.LeaderStation, cfg recsync.Config, a ui.Action, logger log.Logger) string {
	switch a {
	case ui.ActionStart:
		cmd, err := st.StartRecording(recsync.RecordingParams{
			Width:  cfg.Recording.Width,
			Height: cfg.Recording.Height,
			FPS:    cfg.Recording.FPS,
		})
		if errors.Is(err, recsync.ErrNotReady) {
			return "Not started: " + st.Readiness().String()
		}
		if err != nil {
			level.Error(logger).Log("msg", "start failed", "err", err)
			return "Start failed: " + err.Error()
		}
		return fmt.Sprintf("Recording batch %s", cmd.BatchID)
	case ui.ActionStop:
		return fmt.Sprintf("Stop sent to %d clients", st.StopRecording())
	case ui.ActionPhaseAlign:
		return fmt.Sprintf("Phase align sent to %d clients", st.Controller().PhaseAlign())
	}
	return ""
}

func dashboardStatus(st *recsync.LeaderStation, message string) ui.Status {
	now := time.Now()
	l := st.Leader()
	ready := st.Controller().Readiness()
	state := st.Controller().State()

	s := ui.Status{
		LeaderID:    l.ID(),
		Port:        l.Port(),
		NetworkMode: st.NetworkMode(),
		MaxClients:  l.MaxClients(),
		Ready:       ready.Ready,
		Readiness:   ready.String(),
		Recording:   state.Recording,
		Message:     message,
	}
	if a := st.Announcer(); a != nil {
		s.Addr = a.Addr().String()
	}
	if state.Command != nil {
		s.BatchID = state.Command.BatchID
	}

	for _, rec := range l.Snapshot() {
		row := ui.ClientRow{
			Name:     rec.Name,
			Addr:     rec.Addr.String(),
			Synced:   rec.Synced,
			Camera:   "unknown",
			LastSeen: now.Sub(rec.LastHeartbeat),
		}
		if dev, ok := st.Board().Get(rec.Name); ok {
			row.Camera = dev.Camera.String()
		}
		s.Clients = append(s.Clients, row)
	}
	return s
}
