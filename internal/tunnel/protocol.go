package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameKind identifies the purpose of a frame.
type FrameKind uint8

const (
	// KindOpen requests a new logical stream.
	KindOpen FrameKind = 1
	// KindOpenAck accepts a logical stream.
	KindOpenAck FrameKind = 2
	// KindData carries stream payload.
	KindData FrameKind = 3
	// KindClose half-closes or terminates a stream.
	KindClose FrameKind = 4
	// KindPing is a heartbeat request.
	KindPing FrameKind = 5
	// KindPong is a heartbeat response.
	KindPong FrameKind = 6
	// KindError reports a session-level failure.
	KindError FrameKind = 7
	// KindWindowUpdate returns send credit to the peer.
	KindWindowUpdate FrameKind = 8
	// KindCloseAck acknowledges a stream terminate.
	KindCloseAck FrameKind = 9
	// KindAuthRequest carries client credentials.
	KindAuthRequest FrameKind = 10
	// KindAuthResponse carries the authentication result.
	KindAuthResponse FrameKind = 11
	// KindTunnelSync carries the tunnel snapshot for a user.
	KindTunnelSync FrameKind = 12
)

func (k FrameKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindOpenAck:
		return "open_ack"
	case KindData:
		return "data"
	case KindClose:
		return "close"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindError:
		return "error"
	case KindWindowUpdate:
		return "window_update"
	case KindCloseAck:
		return "close_ack"
	case KindAuthRequest:
		return "auth_request"
	case KindAuthResponse:
		return "auth_response"
	case KindTunnelSync:
		return "tunnel_sync"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k FrameKind) valid() bool {
	return k >= KindOpen && k <= KindTunnelSync
}

// Frame is the wire unit of a control connection.
// Wire format: [kind:1][streamID:4][length:4][payload:length]
type Frame struct {
	Kind     FrameKind
	StreamID uint32
	Payload  []byte
}

const (
	// HeaderSize is the size of the frame header.
	HeaderSize = 1 + 4 + 4 // kind + streamID + length
	// MaxPayloadSize is the maximum payload size.
	MaxPayloadSize = 128 * 1024
)

var (
	// ErrNeedMoreData is returned by Decode when the buffer holds a partial frame.
	ErrNeedMoreData = errors.New("need more data")
)

// Encode encodes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, ErrFrameTooLarge
	}
	if !f.Kind.valid() {
		return dst, fmt.Errorf("%w: %s", ErrMalformedFrame, f.Kind)
	}

	var header [HeaderSize]byte
	header[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(header[1:5], f.StreamID)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(f.Payload)))

	dst = append(dst, header[:]...)
	return append(dst, f.Payload...), nil
}

// Decode decodes one frame from the start of buf and reports how many bytes
// it consumed. A partial frame yields ErrNeedMoreData and consumes nothing.
// The returned payload aliases buf.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}

	kind := FrameKind(buf[0])
	if !kind.valid() {
		return nil, 0, fmt.Errorf("%w: %s", ErrMalformedFrame, kind)
	}
	streamID := binary.BigEndian.Uint32(buf[1:5])
	length := binary.BigEndian.Uint32(buf[5:9])
	if length > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	return &Frame{
		Kind:     kind,
		StreamID: streamID,
		Payload:  buf[HeaderSize:total:total],
	}, total, nil
}

// decoderReadSize is the minimum free space requested from the reader.
const decoderReadSize = 32 * 1024

// Decoder reads frames from a byte stream. Frames may be split across reads.
type Decoder struct {
	r     io.Reader
	buf   []byte
	start int
	end   int
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		buf: make([]byte, 2*decoderReadSize),
	}
}

// Next returns the next complete frame. The payload is a private copy.
func (d *Decoder) Next() (*Frame, error) {
	for {
		f, n, err := Decode(d.buf[d.start:d.end])
		if err == nil {
			d.start += n
			payload := make([]byte, len(f.Payload))
			copy(payload, f.Payload)
			f.Payload = payload
			return f, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) && d.end > d.start {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns the bytes read from the underlying reader but not yet
// decoded.
func (d *Decoder) Buffered() int {
	return d.end - d.start
}

func (d *Decoder) fill() error {
	if d.start > 0 {
		d.end = copy(d.buf, d.buf[d.start:d.end])
		d.start = 0
	}

	need := d.end + decoderReadSize
	if d.end >= HeaderSize {
		length := int(binary.BigEndian.Uint32(d.buf[5:9]))
		if frameEnd := HeaderSize + length; frameEnd > need {
			need = frameEnd
		}
	}
	if need > len(d.buf) {
		grown := make([]byte, need)
		copy(grown, d.buf[:d.end])
		d.buf = grown
	}

	n, err := d.r.Read(d.buf[d.end:])
	d.end += n
	if n > 0 {
		return nil
	}
	return err
}
