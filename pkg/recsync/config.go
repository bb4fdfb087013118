// ABOUTME: Exported configuration, message and recording types of the library API
// ABOUTME: Each maps onto the internal packages so callers never import them
package recsync

import (
	"net/netip"
	"time"

	"github.com/recsync/recsync-go/internal/config"
	"github.com/recsync/recsync-go/internal/control"
	"github.com/recsync/recsync-go/internal/protocol"
	internalsync "github.com/recsync/recsync-go/internal/sync"
	"github.com/recsync/recsync-go/internal/transport"
)

// Config is the station configuration shared by leaders and clients. Start
// from DefaultConfig or LoadConfig; a zero Config does not validate.
type Config struct {
	Name          string
	Token         string
	LeaderPort    int
	ClientPort    int
	DiscoveryPort int
	TransferPort  int
	MaxClients    int
	LogLevel      string
	LogFile       string

	// MonitorAddr enables the leader's HTTP status API, e.g. ":8080"
	MonitorAddr string

	Sync      SyncConfig
	Heartbeat HeartbeatConfig
	Discovery DiscoveryConfig
	Recording RecordingConfig
}

// SyncConfig tunes the offset estimator
type SyncConfig struct {
	WindowSize   int
	BestPercent  int
	MinRoundTrip time.Duration
	ResyncAfter  time.Duration
}

// HeartbeatConfig tunes liveness
type HeartbeatConfig struct {
	UnsyncedInterval time.Duration
	SyncedInterval   time.Duration
	StaleAfter       time.Duration
	SweepPeriod      time.Duration
}

// DiscoveryConfig tunes how clients find the leader and how it announces
type DiscoveryConfig struct {
	Timeout      time.Duration
	ManualLeader string
	EnableMDNS   bool
	Interval     time.Duration
}

// RecordingConfig holds the default take parameters
type RecordingConfig struct {
	Width       int
	Height      int
	FPS         int
	TriggerLead time.Duration
}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	return fromInternal(config.Default())
}

// LoadConfig reads defaults, the YAML file at path (if non-empty) and the
// RECSYNC_* environment, then validates the result.
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return fromInternal(cfg), nil
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	return c.internal().Validate()
}

func fromInternal(c config.Config) Config {
	return Config{
		Name:          c.Name,
		Token:         c.Token,
		LeaderPort:    c.LeaderPort,
		ClientPort:    c.ClientPort,
		DiscoveryPort: c.DiscoveryPort,
		TransferPort:  c.TransferPort,
		MaxClients:    c.MaxClients,
		LogLevel:      c.LogLevel,
		LogFile:       c.LogFile,
		MonitorAddr:   c.MonitorAddr,
		Sync:          SyncConfig(c.Sync),
		Heartbeat:     HeartbeatConfig(c.Heartbeat),
		Discovery:     DiscoveryConfig(c.Discovery),
		Recording:     RecordingConfig(c.Recording),
	}
}

func (c Config) internal() config.Config {
	return config.Config{
		Name:          c.Name,
		Token:         c.Token,
		LeaderPort:    c.LeaderPort,
		ClientPort:    c.ClientPort,
		DiscoveryPort: c.DiscoveryPort,
		TransferPort:  c.TransferPort,
		MaxClients:    c.MaxClients,
		LogLevel:      c.LogLevel,
		LogFile:       c.LogFile,
		MonitorAddr:   c.MonitorAddr,
		Sync:          config.Sync(c.Sync),
		Heartbeat:     config.Heartbeat(c.Heartbeat),
		Discovery:     config.Discovery(c.Discovery),
		Recording:     config.Recording(c.Recording),
	}
}

func (c Config) estimator() internalsync.Config {
	return internalsync.Config{
		WindowSize:   c.Sync.WindowSize,
		BestPercent:  c.Sync.BestPercent,
		MinRoundTrip: c.Sync.MinRoundTrip,
	}
}

// Method identifies a frame on the wire
type Method uint32

// Notices the leader sends to a rejected client
const (
	MethodNameConflict      = Method(protocol.MethodNameConflict)
	MethodMaxClientsReached = Method(protocol.MethodMaxClientsReached)
)

// Application methods
const (
	MethodSetTriggerTime   = Method(protocol.MethodSetTriggerTime)
	MethodDoPhaseAlign     = Method(protocol.MethodDoPhaseAlign)
	MethodSet2A            = Method(protocol.MethodSet2A)
	MethodStartRecording   = Method(protocol.MethodStartRecording)
	MethodStopRecording    = Method(protocol.MethodStopRecording)
	MethodUpdateClientName = Method(protocol.MethodUpdateClientName)
	MethodClientStatus     = Method(protocol.MethodClientStatus)
)

func (m Method) String() string {
	return protocol.Method(m).String()
}

// Message is one frame handed to an OnMessage callback
type Message struct {
	Method  Method
	Payload string
	From    netip.AddrPort

	// ReceivedNs is the receiving station's clock at arrival
	ReceivedNs int64
}

func messageFrom(req transport.Request) Message {
	return Message{
		Method:     Method(req.Method),
		Payload:    req.Payload,
		From:       req.From,
		ReceivedNs: req.ReceivedNs,
	}
}

func forward(fn func(Message)) func(transport.Request) {
	if fn == nil {
		return nil
	}
	return func(req transport.Request) {
		fn(messageFrom(req))
	}
}

// CameraStatus is what a client reports about its camera
type CameraStatus int

const (
	CameraNotReady  = CameraStatus(protocol.CameraNotReady)
	CameraReady     = CameraStatus(protocol.CameraReady)
	CameraRecording = CameraStatus(protocol.CameraRecording)
)

func (c CameraStatus) String() string {
	return protocol.CameraStatus(c).String()
}

// RecordingParams are the operator-chosen settings for one take
type RecordingParams struct {
	Width      int
	Height     int
	FPS        int
	SubjectID  string
	MovementID string
	EpisodeID  string
	RetakeID   string
}

// StartCommand is broadcast to begin recording at a leader-clock instant
type StartCommand struct {
	TriggerLeaderNs int64
	BatchID         string
	RecordingParams
}

// ErrNotReady is returned when a start is gated by unsynced or unready
// clients
var ErrNotReady = control.ErrNotReady

// ParseStartCommand decodes the payload of a MethodStartRecording message
func ParseStartCommand(payload string) (StartCommand, error) {
	cmd, err := control.ParseStartCommand(payload)
	if err != nil {
		return StartCommand{}, err
	}
	return startCommandFrom(cmd), nil
}

func startCommandFrom(cmd control.StartCommand) StartCommand {
	return StartCommand{
		TriggerLeaderNs: cmd.TriggerLeaderNs,
		BatchID:         cmd.BatchID,
		RecordingParams: RecordingParams(cmd.RecordingParams),
	}
}

// Readiness explains whether a start would be accepted
type Readiness struct {
	Ready     bool
	Clients   int
	NotSynced []string
	NotReady  []string
}

func (r Readiness) String() string {
	return control.Readiness(r).String()
}

// ClientInfo is the leader's view of one admitted client
type ClientInfo struct {
	Name          string
	Addr          netip.Addr
	Synced        bool
	LastHeartbeat time.Time
	OffsetNs      int64
}

// LeaderInfo describes the leader a client joined
type LeaderInfo struct {
	Addr         netip.AddrPort
	TransferPort int

	// Method names the discovery path: manual, mdns, broadcast, scan or gateway
	Method string
}
