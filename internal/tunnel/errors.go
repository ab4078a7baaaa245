package tunnel

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrAuthFailed is returned when credentials are rejected.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnsupportedCipher is returned for an unknown encryption method.
	ErrUnsupportedCipher = errors.New("unsupported cipher")
	// ErrTunnelMisconfigured is returned for a tunnel that cannot be activated.
	ErrTunnelMisconfigured = errors.New("tunnel misconfigured")
	// ErrFrameTooLarge is returned when a frame exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformedFrame is returned when a frame or control payload is invalid.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrPeerOffline is returned when the session that must host a stream is not live.
	ErrPeerOffline = errors.New("peer offline")
	// ErrSessionLost is returned for streams of a session that went away.
	ErrSessionLost = errors.New("session lost")
	// ErrBackpressureTimeout is returned when a writer waited too long for credit.
	ErrBackpressureTimeout = errors.New("backpressure timeout")
	// ErrDialFailed is returned when the exit side cannot reach the endpoint.
	ErrDialFailed = errors.New("dial failed")
	// ErrCorruptPayload is returned when a payload fails decryption or decompression.
	ErrCorruptPayload = errors.New("corrupt payload")
	// ErrIdleTimeout is returned when a flow or session was idle for too long.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrRefused is returned when the peer refuses to open a stream.
	ErrRefused = errors.New("stream refused")
	// ErrProtocol is returned when the peer violates the stream protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrSuperseded is returned when a newer session replaced this one.
	ErrSuperseded = errors.New("session superseded")
	// ErrStreamAborted is returned when a stream was aborted without a more specific reason.
	ErrStreamAborted = errors.New("stream aborted")
	// ErrNotFound is returned when a tunnel definition does not exist.
	ErrNotFound = errors.New("not found")
)

// Reason is the code carried by Close and Error frames.
type Reason uint8

const (
	ReasonNormal Reason = iota
	ReasonAborted
	ReasonSessionLost
	ReasonPeerOffline
	ReasonDialFailed
	ReasonBackpressureTimeout
	ReasonTunnelMisconfigured
	ReasonUnsupportedCipher
	ReasonCorruptPayload
	ReasonIdleTimeout
	ReasonRefused
	ReasonProtocolError
	ReasonSuperseded
	ReasonAuthFailed
	ReasonFrameTooLarge
	ReasonMalformedFrame
)

var reasonErrors = map[Reason]error{
	ReasonAborted:             ErrStreamAborted,
	ReasonSessionLost:         ErrSessionLost,
	ReasonPeerOffline:         ErrPeerOffline,
	ReasonDialFailed:          ErrDialFailed,
	ReasonBackpressureTimeout: ErrBackpressureTimeout,
	ReasonTunnelMisconfigured: ErrTunnelMisconfigured,
	ReasonUnsupportedCipher:   ErrUnsupportedCipher,
	ReasonCorruptPayload:      ErrCorruptPayload,
	ReasonIdleTimeout:         ErrIdleTimeout,
	ReasonRefused:             ErrRefused,
	ReasonProtocolError:       ErrProtocol,
	ReasonSuperseded:          ErrSuperseded,
	ReasonAuthFailed:          ErrAuthFailed,
	ReasonFrameTooLarge:       ErrFrameTooLarge,
	ReasonMalformedFrame:      ErrMalformedFrame,
}

func (r Reason) String() string {
	if r == ReasonNormal {
		return "normal"
	}
	if err, ok := reasonErrors[r]; ok {
		return err.Error()
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Err returns the sentinel error for r. ReasonNormal maps to io.EOF.
func (r Reason) Err() error {
	if r == ReasonNormal {
		return io.EOF
	}
	if err, ok := reasonErrors[r]; ok {
		return err
	}
	return ErrStreamAborted
}

// ReasonOf maps an error back to the reason code sent on the wire.
func ReasonOf(err error) Reason {
	if err == nil || errors.Is(err, io.EOF) {
		return ReasonNormal
	}
	for reason, sentinel := range reasonErrors {
		if errors.Is(err, sentinel) {
			return reason
		}
	}
	return ReasonAborted
}
