// ABOUTME: Diagnostic app that joins a leader and reports the clock offset
// ABOUTME: Exits non-zero when no leader is found or sync does not converge
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/logging"
	"github.com/recsync/recsync-go/internal/timeutil"
	"github.com/recsync/recsync-go/pkg/recsync"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	leaderAddr = flag.String("leader", "", "Manual leader address (skip discovery)")
	name       = flag.String("name", "sync-check", "Client name")
	timeout    = flag.Duration("timeout", 30*time.Second, "How long to wait for sync")
	samples    = flag.Int("samples", 5, "Offset readings to print once synced")
	verbose    = flag.Bool("v", false, "Log to stderr")
)

func main() {
	flag.Parse()

	cfg, err := recsync.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.Name = *name
	if *leaderAddr != "" {
		cfg.Discovery.ManualLeader = *leaderAddr
	}

	logger := log.NewNopLogger()
	if *verbose {
		logger, err = logging.New(os.Stderr, "debug")
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: %v\n", err)
			os.Exit(2)
		}
	}

	fmt.Println("=== RecSync Clock Check ===")
	if cfg.Discovery.ManualLeader != "" {
		fmt.Printf("Verifying leader at %s...\n", cfg.Discovery.ManualLeader)
	} else {
		fmt.Printf("Discovering leader (up to %s)...\n", cfg.Discovery.Timeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+cfg.Discovery.Timeout)
	defer cancel()

	st, err := recsync.Join(ctx, cfg, recsync.JoinOptions{Logger: logger})
	if err != nil {
		fmt.Printf("FAIL: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	fmt.Printf("Leader: %s\n", st)
	fmt.Printf("Joined as %q, waiting for sync...\n", cfg.Name)

	cs := st.Client().Clock()
	deadline := time.Now().Add(*timeout)
	for !cs.Synced() {
		if time.Now().After(deadline) {
			stats := cs.GetStats()
			fmt.Printf("FAIL: not synced after %s (%d exchanges, %d windows)\n", *timeout, stats.Exchanges, stats.Windows)
			level.Debug(logger).Log("msg", "sync timeout", "collected", stats.Collected)
			os.Exit(1)
		}
		time.Sleep(50 * time.Millisecond)
	}

	for i := 0; i < *samples; i++ {
		stats := cs.GetStats()
		fmt.Printf("offset %+.3f ms  rtt %.3f ms  quality %s  windows %d\n",
			timeutil.NanosToMillis(stats.LeaderFromLocalNs),
			timeutil.NanosToMillis(stats.LastRTTNs),
			stats.Quality,
			stats.Windows)
		if i < *samples-1 {
			time.Sleep(cfg.Heartbeat.SyncedInterval)
		}
	}
	fmt.Println("OK")
}
