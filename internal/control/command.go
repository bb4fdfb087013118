// ABOUTME: START_RECORDING payload codec and trigger time conversion
// ABOUTME: Payload is trigger|batch|width|height|fps|subject|movement|episode|retake
package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/recsync/recsync-go/internal/protocol"
	internalsync "github.com/recsync/recsync-go/internal/sync"
)

// RecordingParams are the operator-chosen settings for one take
type RecordingParams struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
	SubjectID  string `json:"subject_id"`
	MovementID string `json:"movement_id"`
	EpisodeID  string `json:"episode_id"`
	RetakeID   string `json:"retake_id"`
}

// StartCommand is broadcast to begin recording at a leader-clock instant
type StartCommand struct {
	TriggerLeaderNs int64  `json:"trigger_leader_ns"`
	BatchID         string `json:"batch_id"`
	RecordingParams
}

// Encode renders the pipe-separated payload
func (c StartCommand) Encode() string {
	return fmt.Sprintf("%d|%s|%d|%d|%d|%s|%s|%s|%s",
		c.TriggerLeaderNs, c.BatchID, c.Width, c.Height, c.FPS,
		c.SubjectID, c.MovementID, c.EpisodeID, c.RetakeID)
}

// ParseStartCommand decodes a START_RECORDING payload. Senders that predate
// retakes omit the last field.
func ParseStartCommand(payload string) (StartCommand, error) {
	parts := strings.Split(payload, "|")
	if len(parts) < 8 {
		return StartCommand{}, fmt.Errorf("start command %q: %w", payload, protocol.ErrMalformed)
	}

	trigger, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return StartCommand{}, fmt.Errorf("start command trigger %q: %w", parts[0], protocol.ErrMalformed)
	}
	var dims [3]int
	for i := range dims {
		v, err := strconv.Atoi(parts[2+i])
		if err != nil || v < 0 {
			return StartCommand{}, fmt.Errorf("start command field %d %q: %w", 2+i, parts[2+i], protocol.ErrMalformed)
		}
		dims[i] = v
	}

	cmd := StartCommand{
		TriggerLeaderNs: trigger,
		BatchID:         parts[1],
		RecordingParams: RecordingParams{
			Width:      dims[0],
			Height:     dims[1],
			FPS:        dims[2],
			SubjectID:  parts[5],
			MovementID: parts[6],
			EpisodeID:  parts[7],
		},
	}
	if len(parts) >= 9 {
		cmd.RetakeID = parts[8]
	}
	return cmd, nil
}

// LocalTrigger converts the command's leader-clock trigger to the local
// clock and returns how long to wait for it. A trigger already in the past
// yields a zero wait.
func LocalTrigger(cmd StartCommand, cs *internalsync.ClockSync) (localNs int64, wait time.Duration) {
	localNs = cs.LocalTime(cmd.TriggerLeaderNs)
	wait = time.Duration(localNs - cs.LocalNow())
	if wait < 0 {
		wait = 0
	}
	return localNs, wait
}
