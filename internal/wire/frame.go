// Package wire implements the framed message transport between the dictd
// supervisor and its worker process. A frame is [4B big-endian payload
// length][4B checksum][payload] where payload is the JSON-encoded Message
// and the checksum is the low 32 bits of xxhash64 over the payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MessageType discriminates frames on the wire.
type MessageType string

const (
	TypeCommand   MessageType = "command"
	TypeEvent     MessageType = "event"
	TypeResult    MessageType = "result"
	TypeHeartbeat MessageType = "heartbeat"
	TypeError     MessageType = "error"
)

// Message is the envelope carried by every frame. ID correlates a command
// with its result/error; events and heartbeats leave it empty.
type Message struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Kind string          `json:"kind,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

const headerSize = 8

// DefaultMaxFrameSize bounds a single payload. Large enough for a full
// recording shipped as base64 PCM, small enough to reject a corrupted
// length field before allocating.
const DefaultMaxFrameSize = 8 << 20

var (
	// ErrNeedMoreData signals an incomplete frame; feed more bytes and retry.
	ErrNeedMoreData = errors.New("wire: need more data")
	// ErrCorruptFrame signals a checksum mismatch. The channel is unreliable
	// from this point on and must be torn down.
	ErrCorruptFrame = errors.New("wire: corrupt frame")
	// ErrFrameTooLarge signals a length field beyond the configured bound.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

func checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}

// Encode serializes msg into a single frame. It fails with ErrFrameTooLarge
// when the encoded payload exceeds maxSize (DefaultMaxFrameSize if zero).
func Encode(msg Message, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if len(payload) > maxSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(out[4:8], checksum(payload))
	copy(out[headerSize:], payload)
	return out, nil
}

// Decoder accumulates raw bytes and yields complete messages. It tolerates
// partial reads and multiple pipelined frames per read. A corrupt or
// oversized frame poisons the decoder permanently: framing cannot be
// trusted after the first bad header.
type Decoder struct {
	buf     []byte
	maxSize int
	fatal   error
}

// NewDecoder returns a Decoder enforcing maxSize per payload
// (DefaultMaxFrameSize if zero).
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends raw bytes read from the channel.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next decodes one complete frame. It returns ErrNeedMoreData when the
// buffer holds less than a full frame, and ErrCorruptFrame/ErrFrameTooLarge
// permanently once the stream is bad.
func (d *Decoder) Next() (Message, error) {
	if d.fatal != nil {
		return Message{}, d.fatal
	}
	if len(d.buf) < headerSize {
		return Message{}, ErrNeedMoreData
	}
	n := binary.BigEndian.Uint32(d.buf[0:4])
	if n > uint32(d.maxSize) {
		d.fatal = ErrFrameTooLarge
		return Message{}, d.fatal
	}
	total := headerSize + int(n)
	if len(d.buf) < total {
		return Message{}, ErrNeedMoreData
	}
	want := binary.BigEndian.Uint32(d.buf[4:8])
	payload := d.buf[headerSize:total]
	if checksum(payload) != want {
		d.fatal = ErrCorruptFrame
		return Message{}, d.fatal
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Checksum passed but the payload is not a Message; the peer is
		// speaking a different dialect. Treat as corruption.
		d.fatal = ErrCorruptFrame
		return Message{}, d.fatal
	}
	d.buf = d.buf[total:]
	return msg, nil
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return len(d.buf) }
