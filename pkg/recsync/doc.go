// ABOUTME: High-level RecSync library API
// ABOUTME: Starts a leader station or joins one as a client station
// Package recsync wires the RecSync coordination plane into two entry points.
//
// A leader station owns the reference clock. It admits up to ten clients,
// answers their heartbeats with timestamps and announces itself on the LAN.
// It also gates and broadcasts recording commands.
//
// A client station finds the leader (mDNS, UDP broadcast, subnet scan or
// gateway probe), heartbeats to it and converges on a leader-minus-local
// offset so that start commands fire at the same instant everywhere.
//
// Configuration, callbacks and results use the types of this package only.
// Start from DefaultConfig, or LoadConfig to read a YAML file and the
// RECSYNC_* environment.
//
// Example leader:
//
//	st, err := recsync.StartLeader(ctx, recsync.DefaultConfig(), recsync.LeaderOptions{})
//	defer st.Close()
//	cmd, err := st.StartRecording(recsync.RecordingParams{Width: 1920, Height: 1080, FPS: 30})
//
// Example client:
//
//	cfg := recsync.DefaultConfig()
//	cfg.Name = "cam-left"
//	var st *recsync.ClientStation
//	st, err := recsync.Join(ctx, cfg, recsync.JoinOptions{
//		OnMessage: func(m recsync.Message) {
//			if m.Method != recsync.MethodStartRecording {
//				return
//			}
//			cmd, _ := recsync.ParseStartCommand(m.Payload)
//			_, wait := st.TriggerDelay(cmd.TriggerLeaderNs)
//			time.AfterFunc(wait, startCamera)
//		},
//	})
//	defer st.Close()
//	leaderNow := st.LeaderNow()
package recsync
