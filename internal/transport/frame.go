// ABOUTME: Datagram framing for the RecSync RPC transport
// ABOUTME: A frame is a 4-byte big-endian method id followed by a UTF-8 payload
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/recsync/recsync-go/internal/protocol"
)

const headerSize = 4

var (
	// ErrFrameTooLarge is returned before transmission when a payload would
	// exceed protocol.MaxFrameSize. Payloads are never truncated.
	ErrFrameTooLarge = errors.New("frame exceeds size budget")

	// ErrFrameTooShort marks a datagram without a complete method id
	ErrFrameTooShort = errors.New("frame shorter than method id")
)

// EncodeFrame builds the datagram for method and payload
func EncodeFrame(method protocol.Method, payload string) ([]byte, error) {
	size := headerSize + len(payload)
	if size > protocol.MaxFrameSize {
		return nil, fmt.Errorf("%s payload of %d bytes: %w", method, len(payload), ErrFrameTooLarge)
	}
	frame := make([]byte, size)
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(method))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// DecodeFrame splits a datagram into method id and payload
func DecodeFrame(data []byte) (protocol.Method, string, error) {
	if len(data) < headerSize {
		return 0, "", ErrFrameTooShort
	}
	if len(data) > protocol.MaxFrameSize {
		return 0, "", ErrFrameTooLarge
	}
	method := protocol.Method(binary.BigEndian.Uint32(data[:headerSize]))
	return method, string(data[headerSize:]), nil
}
