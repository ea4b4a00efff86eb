package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// FrameHeaderSize is the fixed artifact frame header: a 16-byte stream
// UUID followed by one flags byte.
const FrameHeaderSize = 17

// FlagEOF marks the final frame of a stream. All other flag bits are
// reserved and ignored on decode.
const FlagEOF byte = 0x01

// Frame is one binary artifact chunk.
type Frame struct {
	StreamID uuid.UUID
	Flags    byte
	Payload  []byte
}

// EOF reports whether this frame closes its stream.
func (f Frame) EOF() bool {
	return f.Flags&FlagEOF != 0
}

// EncodeFrame renders the frame as header || payload.
func EncodeFrame(f Frame) []byte {
	out := make([]byte, FrameHeaderSize+len(f.Payload))
	copy(out[:16], f.StreamID[:])
	out[16] = f.Flags
	copy(out[FrameHeaderSize:], f.Payload)
	return out
}

// DecodeFrame parses header || payload. The payload slice aliases raw.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("artifact frame too short: %d bytes", len(raw))
	}
	var f Frame
	copy(f.StreamID[:], raw[:16])
	f.Flags = raw[16]
	f.Payload = raw[FrameHeaderSize:]
	return f, nil
}
