// ABOUTME: RecSync wire protocol method ids, ports and payload codecs
// ABOUTME: Payloads are short UTF-8 strings carried after the 4-byte method id
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Method identifies the handler a frame is routed to
type Method uint32

// System methods (0-999)
const (
	MethodProbe        Method = 0
	MethodHeartbeat    Method = 1
	MethodHeartbeatAck Method = 2
	MethodOffsetUpdate Method = 3
)

// Leader-to-client notices (1000-199999). These stay inside the
// coordination plane and never reach application handlers.
const (
	MethodAddedClient       Method = 1101
	MethodRemovedClient     Method = 1102
	MethodWaitingForLeader  Method = 1103
	MethodSyncing           Method = 1104
	MethodOffsetUpdated     Method = 1105
	MethodNameConflict      Method = 1106
	MethodMaxClientsReached Method = 1107
)

// Application methods (200000+) pass through the coordination plane untouched
const (
	FirstApplicationMethod Method = 200000
	LastApplicationMethod  Method = 299999

	MethodSetTriggerTime   Method = 200000
	MethodDoPhaseAlign     Method = 200001
	MethodSet2A            Method = 200002
	MethodStartRecording   Method = 200003
	MethodStopRecording    Method = 200004
	MethodUpdateClientName Method = 200005
	MethodClientStatus     Method = 200006
)

// Default ports. Leader and client never share a listening port so both
// roles can run on one host.
const (
	DefaultLeaderRPCPort = 8244
	DefaultDiscoveryPort = 8245
	DefaultTransferPort  = 8246
	DefaultClientRPCPort = 8247
)

const (
	// MaxFrameSize is the full datagram budget including the method id
	MaxFrameSize = 1024

	// DefaultMaxClients is the leader's admission capacity
	DefaultMaxClients = 10

	// AnnouncePrefix starts every discovery broadcast frame
	AnnouncePrefix = "LEADER_ANNOUNCE"

	// DefaultToken is the shared discovery secret
	DefaultToken = "RecSync-Secret-2024"

	// ServiceType is the mDNS service advertised by the leader
	ServiceType = "_recsync-leader._tcp"

	// ServiceName is the mDNS instance name
	ServiceName = "RecSync-Leader"
)

// ErrMalformed is returned when a payload does not match its method's format
var ErrMalformed = errors.New("malformed payload")

// String returns a readable method name for logs
func (m Method) String() string {
	switch m {
	case MethodProbe:
		return "probe"
	case MethodHeartbeat:
		return "heartbeat"
	case MethodHeartbeatAck:
		return "heartbeat_ack"
	case MethodOffsetUpdate:
		return "offset_update"
	case MethodNameConflict:
		return "name_conflict"
	case MethodMaxClientsReached:
		return "max_clients_reached"
	case MethodStartRecording:
		return "start_recording"
	case MethodStopRecording:
		return "stop_recording"
	case MethodUpdateClientName:
		return "update_client_name"
	case MethodClientStatus:
		return "client_status"
	}
	return strconv.FormatUint(uint64(m), 10)
}

// IsApplication reports whether m is outside the coordination plane's own range
func (m Method) IsApplication() bool {
	return m >= FirstApplicationMethod && m <= LastApplicationMethod
}

// Heartbeat is sent client -> leader; it doubles as the liveness signal
type Heartbeat struct {
	Name       string
	ReportedIP string
	Synced     bool
	T1         int64 // client send time, client clock
}

// Encode renders name,reportedIP,synced,t1
func (h Heartbeat) Encode() string {
	return fmt.Sprintf("%s,%s,%t,%d", h.Name, h.ReportedIP, h.Synced, h.T1)
}

// ParseHeartbeat decodes a heartbeat payload. Old clients omit t1; it is
// reported as zero.
func ParseHeartbeat(payload string) (Heartbeat, error) {
	parts := strings.Split(payload, ",")
	if len(parts) < 3 {
		return Heartbeat{}, fmt.Errorf("heartbeat %q: %w", payload, ErrMalformed)
	}
	if parts[0] == "" {
		return Heartbeat{}, fmt.Errorf("heartbeat without name: %w", ErrMalformed)
	}

	synced, err := strconv.ParseBool(parts[2])
	if err != nil {
		return Heartbeat{}, fmt.Errorf("heartbeat synced flag %q: %w", parts[2], ErrMalformed)
	}

	hb := Heartbeat{Name: parts[0], ReportedIP: parts[1], Synced: synced}
	if len(parts) >= 4 {
		t1, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Heartbeat{}, fmt.Errorf("heartbeat t1 %q: %w", parts[3], ErrMalformed)
		}
		hb.T1 = t1
	}
	return hb, nil
}

// HeartbeatAck carries the leader's timestamps back to the client
type HeartbeatAck struct {
	T1 int64 // echoed client send time
	T2 int64 // leader receive time
	T3 int64 // leader send time
}

// Encode renders t1,t2,t3
func (a HeartbeatAck) Encode() string {
	return fmt.Sprintf("%d,%d,%d", a.T1, a.T2, a.T3)
}

// ParseHeartbeatAck decodes an ack. ok is false for the empty legacy ack.
func ParseHeartbeatAck(payload string) (ack HeartbeatAck, ok bool, err error) {
	if payload == "" {
		return HeartbeatAck{}, false, nil
	}
	parts := strings.Split(payload, ",")
	if len(parts) < 3 {
		return HeartbeatAck{}, false, fmt.Errorf("ack %q: %w", payload, ErrMalformed)
	}
	var ts [3]int64
	for i := range ts {
		v, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 64)
		if err != nil {
			return HeartbeatAck{}, false, fmt.Errorf("ack field %d %q: %w", i, parts[i], ErrMalformed)
		}
		ts[i] = v
	}
	return HeartbeatAck{T1: ts[0], T2: ts[1], T3: ts[2]}, true, nil
}

// ParseOffsetUpdate decodes a leader-pushed LeaderFromLocal value
func ParseOffsetUpdate(payload string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("offset update %q: %w", payload, ErrMalformed)
	}
	return v, nil
}

// Rename is the UPDATE_CLIENT_NAME payload
type Rename struct {
	OldName string
	NewName string
}

// Encode renders old|new
func (r Rename) Encode() string {
	return r.OldName + "|" + r.NewName
}

// ParseRename decodes old|new
func ParseRename(payload string) (Rename, error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 2 || parts[1] == "" {
		return Rename{}, fmt.Errorf("rename %q: %w", payload, ErrMalformed)
	}
	return Rename{OldName: parts[0], NewName: parts[1]}, nil
}

// CameraStatus is the device readiness a client reports
type CameraStatus int

const (
	CameraNotReady CameraStatus = iota
	CameraReady
	CameraRecording
)

func (c CameraStatus) String() string {
	switch c {
	case CameraReady:
		return "ready"
	case CameraRecording:
		return "recording"
	default:
		return "not-ready"
	}
}

// ClientStatus is the CLIENT_STATUS payload
type ClientStatus struct {
	Name   string
	Camera CameraStatus
	Synced bool
}

// Encode renders name|camera|synced
func (s ClientStatus) Encode() string {
	return fmt.Sprintf("%s|%d|%t", s.Name, int(s.Camera), s.Synced)
}

// ParseClientStatus decodes name|camera|synced. The two-field legacy form
// leaves Synced false.
func ParseClientStatus(payload string) (ClientStatus, error) {
	parts := strings.Split(payload, "|")
	if len(parts) < 2 || parts[0] == "" {
		return ClientStatus{}, fmt.Errorf("client status %q: %w", payload, ErrMalformed)
	}
	cam, err := strconv.Atoi(parts[1])
	if err != nil || cam < int(CameraNotReady) || cam > int(CameraRecording) {
		return ClientStatus{}, fmt.Errorf("client status camera %q: %w", parts[1], ErrMalformed)
	}
	st := ClientStatus{Name: parts[0], Camera: CameraStatus(cam)}
	if len(parts) >= 3 {
		synced, err := strconv.ParseBool(parts[2])
		if err != nil {
			return ClientStatus{}, fmt.Errorf("client status synced %q: %w", parts[2], ErrMalformed)
		}
		st.Synced = synced
	}
	return st, nil
}

// NameConflictMessage is the human-readable NAME_CONFLICT reply
func NameConflictMessage(name string) string {
	return fmt.Sprintf("device name %q is already used by another client", name)
}

// MaxClientsMessage is the human-readable MAX_CLIENTS_REACHED reply
func MaxClientsMessage(limit int) string {
	return fmt.Sprintf("leader has reached its client limit (%d devices)", limit)
}
