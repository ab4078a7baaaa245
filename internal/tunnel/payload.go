package tunnel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Direction tells the receiver of an Open what to do with the stream.
type Direction uint8

const (
	// RelayToEndpoint asks the receiver to dial the target itself.
	RelayToEndpoint Direction = 1
	// RelayToPeer asks the server to bridge the stream to the exit user's session.
	RelayToPeer Direction = 2
)

func (d Direction) String() string {
	switch d {
	case RelayToEndpoint:
		return "relay-to-endpoint"
	case RelayToPeer:
		return "relay-to-peer"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Network is the transport used towards the endpoint.
type Network uint8

const (
	NetworkTCP Network = 1
	NetworkUDP Network = 2
)

func (n Network) String() string {
	switch n {
	case NetworkTCP:
		return "tcp"
	case NetworkUDP:
		return "udp"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

const openFlagCompressed = 1 << 0

// OpenRequest is the payload of an Open frame.
type OpenRequest struct {
	TunnelID   uint32
	Direction  Direction
	Network    Network
	Compressed bool
	Method     Method
	Key        []byte
	Target     string
	Source     string
}

// MarshalBinary encodes the request as
// [tunnelID:4][direction:1][network:1][flags:1][method:1][keyLen:1][key][targetLen:2][target][sourceLen:2][source].
func (r *OpenRequest) MarshalBinary() ([]byte, error) {
	if len(r.Key) > 0xff {
		return nil, fmt.Errorf("%w: key too long", ErrMalformedFrame)
	}
	if len(r.Target) > 0xffff || len(r.Source) > 0xffff {
		return nil, fmt.Errorf("%w: address too long", ErrMalformedFrame)
	}

	buf := make([]byte, 0, 9+len(r.Key)+4+len(r.Target)+len(r.Source))
	buf = binary.BigEndian.AppendUint32(buf, r.TunnelID)
	var flags byte
	if r.Compressed {
		flags |= openFlagCompressed
	}
	buf = append(buf, byte(r.Direction), byte(r.Network), flags, byte(r.Method), byte(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Target)))
	buf = append(buf, r.Target...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Source)))
	buf = append(buf, r.Source...)
	return buf, nil
}

// UnmarshalBinary decodes an Open payload.
func (r *OpenRequest) UnmarshalBinary(data []byte) error {
	c := cursor{buf: data}
	r.TunnelID = c.u32()
	r.Direction = Direction(c.u8())
	r.Network = Network(c.u8())
	flags := c.u8()
	r.Method = Method(c.u8())
	r.Key = c.bytes(int(c.u8()))
	r.Target = string(c.bytes(int(c.u16())))
	r.Source = string(c.bytes(int(c.u16())))
	if c.err != nil || len(c.buf) != 0 {
		return fmt.Errorf("%w: open request", ErrMalformedFrame)
	}
	r.Compressed = flags&openFlagCompressed != 0

	if r.Direction != RelayToEndpoint && r.Direction != RelayToPeer {
		return fmt.Errorf("%w: %s", ErrMalformedFrame, r.Direction)
	}
	if r.Network != NetworkTCP && r.Network != NetworkUDP {
		return fmt.Errorf("%w: %s", ErrMalformedFrame, r.Network)
	}
	return nil
}

const closeFlagFin = 1 << 0

// NewCloseFrame builds a Close frame. fin marks a write-side half close.
func NewCloseFrame(streamID uint32, reason Reason, fin bool) *Frame {
	var flags byte
	if fin {
		flags |= closeFlagFin
	}
	return &Frame{Kind: KindClose, StreamID: streamID, Payload: []byte{byte(reason), flags}}
}

// ParseClose decodes a Close payload.
func ParseClose(payload []byte) (reason Reason, fin bool, err error) {
	if len(payload) != 2 {
		return 0, false, fmt.Errorf("%w: close payload length %d", ErrMalformedFrame, len(payload))
	}
	return Reason(payload[0]), payload[1]&closeFlagFin != 0, nil
}

// NewHeartbeatFrame builds a Ping or Pong frame carrying counter.
func NewHeartbeatFrame(kind FrameKind, counter uint64) *Frame {
	payload := binary.BigEndian.AppendUint64(nil, counter)
	return &Frame{Kind: kind, Payload: payload}
}

// ParseHeartbeat decodes a Ping or Pong payload.
func ParseHeartbeat(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: heartbeat payload length %d", ErrMalformedFrame, len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}

// NewWindowUpdateFrame builds a WindowUpdate frame returning credit bytes.
func NewWindowUpdateFrame(streamID uint32, credit uint32) *Frame {
	return &Frame{Kind: KindWindowUpdate, StreamID: streamID, Payload: binary.BigEndian.AppendUint32(nil, credit)}
}

// ParseWindowUpdate decodes a WindowUpdate payload.
func ParseWindowUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: window update payload length %d", ErrMalformedFrame, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// NewErrorFrame builds a session-level Error frame.
func NewErrorFrame(reason Reason, message string) *Frame {
	if len(message) > 0xffff {
		message = message[:0xffff]
	}
	buf := []byte{byte(reason)}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(message)))
	buf = append(buf, message...)
	return &Frame{Kind: KindError, Payload: buf}
}

// ParseError decodes an Error payload.
func ParseError(payload []byte) (Reason, string, error) {
	c := cursor{buf: payload}
	reason := Reason(c.u8())
	msg := c.bytes(int(c.u16()))
	if c.err != nil || len(c.buf) != 0 {
		return 0, "", fmt.Errorf("%w: error payload", ErrMalformedFrame)
	}
	return reason, string(msg), nil
}

// ProtocolVersion is sent in AuthRequest.
const ProtocolVersion = 1

// AuthRequest is the first frame a client sends.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Version  int    `json:"version"`
}

// AuthResponse answers an AuthRequest. On success it carries the capabilities
// the client must adopt.
type AuthResponse struct {
	OK                  bool   `json:"ok"`
	UserID              uint32 `json:"user_id,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
	Error               string `json:"error,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms,omitempty"`
	StreamWindow        uint32 `json:"stream_window,omitempty"`
}

// TunnelSync is the snapshot of tunnels a user takes part in.
type TunnelSync struct {
	Version uint64       `json:"version"`
	Tunnels []Definition `json:"tunnels"`
}

// NewJSONFrame marshals v into a connection-level frame of the given kind.
func NewJSONFrame(kind FrameKind, v any) (*Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	return &Frame{Kind: kind, Payload: data}, nil
}

// ParseJSON unmarshals a JSON control payload into v.
func ParseJSON(f *Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.Kind, err)
	}
	return nil
}

type cursor struct {
	buf []byte
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n > len(c.buf) {
		c.err = ErrMalformedFrame
		c.buf = nil
		return nil
	}
	b := c.buf[:n:n]
	c.buf = c.buf[n:]
	return b
}

func (c *cursor) u8() byte {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (c *cursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (c *cursor) bytes(n int) []byte {
	b := c.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
