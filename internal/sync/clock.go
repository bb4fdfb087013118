// ABOUTME: Leader-referenced clock offset estimation from heartbeat round trips
// ABOUTME: Collects a window of samples, keeps the fastest 30% and averages their offsets
package sync

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/recsync/recsync-go/internal/timeutil"
)

const (
	DefaultWindowSize   = 30
	DefaultBestPercent  = 30
	DefaultMinRoundTrip = 100 * time.Microsecond

	// lostAfter marks the link lost when no ack has arrived for this long
	lostAfter = 5 * time.Second
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

// Outcome reports what ProcessSyncResponse did with an exchange
type Outcome int

const (
	// OutcomeIgnored: already synced, nothing recomputed
	OutcomeIgnored Outcome = iota
	// OutcomeDiscarded: round trip below the plausible minimum
	OutcomeDiscarded
	// OutcomeCollected: sample kept, window not yet full
	OutcomeCollected
	// OutcomeSynced: window complete, offset updated
	OutcomeSynced
	// OutcomeWindowRejected: window complete without one valid sample
	OutcomeWindowRejected
)

// Sample is one completed heartbeat/ack exchange
type Sample struct {
	RoundTripNs int64
	OffsetNs    int64 // leader minus local
}

// Estimate is the result of filtering one window
type Estimate struct {
	OffsetNs int64 // mean leader-minus-local offset of the kept samples
	Used     int
	Total    int
	MinRTTNs int64
	MaxRTTNs int64
}

// Config tunes the estimator
type Config struct {
	WindowSize   int
	BestPercent  int
	MinRoundTrip time.Duration
	Clock        timeutil.Clock
	Logger       log.Logger
}

// Stats is a point-in-time view for status displays
type Stats struct {
	Synced            bool
	LeaderFromLocalNs int64
	LastRTTNs         int64
	Collected         int
	Exchanges         int
	Windows           int
	Quality           Quality
	LastSync          time.Time
}

// ClockSync tracks the offset between the local clock and the leader's.
// leaderTime = localTime - LeaderFromLocal.
type ClockSync struct {
	cfg    Config
	logger log.Logger

	synced          atomic.Bool
	leaderFromLocal atomic.Int64

	mu        sync.Mutex
	samples   []Sample
	exchanges int
	windows   int
	lastRTT   int64
	lastAck   time.Time
	lastSync  time.Time
}

// NewClockSync creates an unsynced estimator
func NewClockSync(cfg Config) *ClockSync {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.BestPercent <= 0 || cfg.BestPercent > 100 {
		cfg.BestPercent = DefaultBestPercent
	}
	if cfg.MinRoundTrip == 0 {
		cfg.MinRoundTrip = DefaultMinRoundTrip
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMonotonicClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	return &ClockSync{
		cfg:     cfg,
		logger:  cfg.Logger,
		samples: make([]Sample, 0, cfg.WindowSize),
	}
}

// ProcessSyncResponse feeds one exchange: t1 and t4 on the local clock,
// t2 and t3 on the leader's.
func (cs *ClockSync) ProcessSyncResponse(t1, t2, t3, t4 int64) Outcome {
	rtt, offset := calculateOffset(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.lastAck = time.Now()
	cs.lastRTT = rtt

	if cs.synced.Load() {
		return OutcomeIgnored
	}

	cs.exchanges++
	outcome := OutcomeCollected
	if rtt < cs.cfg.MinRoundTrip.Nanoseconds() {
		level.Debug(cs.logger).Log("msg", "discarding sync sample", "rtt_ns", rtt, "min_ns", cs.cfg.MinRoundTrip.Nanoseconds())
		outcome = OutcomeDiscarded
	} else {
		cs.samples = append(cs.samples, Sample{RoundTripNs: rtt, OffsetNs: offset})
	}

	if cs.exchanges < cs.cfg.WindowSize {
		return outcome
	}
	return cs.completeWindowLocked()
}

// completeWindowLocked drains the window and publishes a new offset
func (cs *ClockSync) completeWindowLocked() Outcome {
	samples := cs.samples
	exchanges := cs.exchanges
	cs.samples = make([]Sample, 0, cs.cfg.WindowSize)
	cs.exchanges = 0

	est, ok := EstimateOffset(samples, cs.cfg.BestPercent)
	if !ok {
		level.Warn(cs.logger).Log("msg", "sync window had no valid samples, restarting", "exchanges", exchanges)
		return OutcomeWindowRejected
	}

	cs.leaderFromLocal.Store(-est.OffsetNs)
	cs.synced.Store(true)
	cs.windows++
	cs.lastSync = time.Now()

	level.Info(cs.logger).Log(
		"msg", "clock synchronized",
		"offset_ms", timeutil.NanosToMillis(est.OffsetNs),
		"used", est.Used,
		"valid", est.Total,
		"exchanges", exchanges,
		"min_rtt_ms", timeutil.NanosToMillis(est.MinRTTNs),
		"max_rtt_ms", timeutil.NanosToMillis(est.MaxRTTNs),
	)
	return OutcomeSynced
}

// EstimateOffset sorts samples by round trip, keeps the fastest
// bestPercent (at least one) and averages their offsets. ok is false for
// an empty window.
func EstimateOffset(samples []Sample, bestPercent int) (Estimate, bool) {
	if len(samples) == 0 {
		return Estimate{}, false
	}

	sorted := slices.Clone(samples)
	slices.SortStableFunc(sorted, func(a, b Sample) int {
		switch {
		case a.RoundTripNs < b.RoundTripNs:
			return -1
		case a.RoundTripNs > b.RoundTripNs:
			return 1
		}
		return 0
	})

	keep := max(1, len(sorted)*bestPercent/100)
	best := sorted[:keep]

	var sum int64
	for _, s := range best {
		sum += s.OffsetNs
	}

	return Estimate{
		OffsetNs: sum / int64(keep),
		Used:     keep,
		Total:    len(sorted),
		MinRTTNs: best[0].RoundTripNs,
		MaxRTTNs: best[keep-1].RoundTripNs,
	}, true
}

// calculateOffset computes RTT and clock offset. The leader's processing
// time t3-t2 is subtracted from the round trip; the difference is taken
// across clock domains on purpose and cancels in both formulas.
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)

	// positive = leader ahead of client
	offset = ((t2 - t1) + (t3 - t4)) / 2

	return
}

// Resync drops back to UNSYNCED and starts a fresh window
func (cs *ClockSync) Resync() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.synced.Store(false)
	cs.samples = cs.samples[:0]
	cs.exchanges = 0
	level.Info(cs.logger).Log("msg", "resync started")
}

// SetLeaderFromLocal installs an offset pushed by the leader and marks
// the clock synced.
func (cs *ClockSync) SetLeaderFromLocal(ns int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.leaderFromLocal.Store(ns)
	cs.synced.Store(true)
	cs.samples = cs.samples[:0]
	cs.exchanges = 0
	cs.lastSync = time.Now()
	level.Info(cs.logger).Log("msg", "leader pushed offset", "leader_from_local_ms", timeutil.NanosToMillis(ns))
}

// Synced reports whether a window has completed since the last resync
func (cs *ClockSync) Synced() bool {
	return cs.synced.Load()
}

// LeaderFromLocal returns the current offset
func (cs *ClockSync) LeaderFromLocal() int64 {
	return cs.leaderFromLocal.Load()
}

// LeaderTime converts a local timestamp to the leader's clock
func (cs *ClockSync) LeaderTime(localNs int64) int64 {
	return localNs - cs.leaderFromLocal.Load()
}

// LocalTime converts a leader timestamp to the local clock
func (cs *ClockSync) LocalTime(leaderNs int64) int64 {
	return leaderNs + cs.leaderFromLocal.Load()
}

// LocalNow reads the local clock
func (cs *ClockSync) LocalNow() int64 {
	return cs.cfg.Clock.Now()
}

// LeaderNow estimates the leader's clock right now
func (cs *ClockSync) LeaderNow() int64 {
	return cs.LeaderTime(cs.cfg.Clock.Now())
}

// CheckQuality classifies the link from sync state and ack recency
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.qualityLocked()
}

func (cs *ClockSync) qualityLocked() Quality {
	if cs.lastAck.IsZero() || time.Since(cs.lastAck) > lostAfter {
		return QualityLost
	}
	if cs.synced.Load() {
		return QualityGood
	}
	return QualityDegraded
}

// GetStats returns sync statistics
func (cs *ClockSync) GetStats() Stats {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return Stats{
		Synced:            cs.synced.Load(),
		LeaderFromLocalNs: cs.leaderFromLocal.Load(),
		LastRTTNs:         cs.lastRTT,
		Collected:         len(cs.samples),
		Exchanges:         cs.exchanges,
		Windows:           cs.windows,
		Quality:           cs.qualityLocked(),
		LastSync:          cs.lastSync,
	}
}
