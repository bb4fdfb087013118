// ABOUTME: Authenticated PROBE ping/pong used to verify a live leader
// ABOUTME: The echo side only answers probes carrying its shared token
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recsync/recsync-go/internal/protocol"
)

const probePrefix = "PING"

// ErrProbeTimeout means nothing echoed the probe in time
var ErrProbeTimeout = errors.New("probe timed out")

// ProbePayload builds PING|token|nonce
func ProbePayload(token, nonce string) string {
	return probePrefix + "|" + token + "|" + nonce
}

func probeToken(payload string) (string, bool) {
	parts := strings.Split(payload, "|")
	if len(parts) != 3 || parts[0] != probePrefix {
		return "", false
	}
	return parts[1], true
}

// EchoProbe returns the default PROBE handler: it sends the payload back
// unchanged to the sender's address and port. An empty token echoes
// everything.
func EchoProbe(token string) Handler {
	return func(out Sender, req Request) {
		if token != "" {
			got, ok := probeToken(req.Payload)
			if !ok || got != token {
				return
			}
		}
		_ = out.Send(protocol.MethodProbe, req.Payload, req.From)
	}
}

// Probe checks whether an endpoint with a matching token is listening at
// dst. It uses its own ephemeral socket, closed on return or as soon as
// ctx is cancelled.
func Probe(ctx context.Context, dst netip.AddrPort, token string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		return fmt.Errorf("probe %s: %w", dst, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload := ProbePayload(token, uuid.NewString())
	frame, err := EncodeFrame(protocol.MethodProbe, payload)
	if err != nil {
		return err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("probe %s: %w", dst, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("probe %s: %w", dst, err)
	}

	buf := make([]byte, protocol.MaxFrameSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("probe %s: %w", dst, ErrProbeTimeout)
			}
			return fmt.Errorf("probe %s: %w", dst, err)
		}
		method, echoed, err := DecodeFrame(buf[:n])
		if err != nil || method != protocol.MethodProbe || echoed != payload {
			continue
		}
		return nil
	}
}
