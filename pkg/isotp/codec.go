// Package isotp implements the ISO-TP (ISO 15765-2) segmentation used to
// carry diagnostic payloads over classic CAN frames: single-frame for short
// payloads, first-frame plus consecutive-frames for anything longer, and
// flow-control frames for pacing. Everything here is pure byte work; frame
// addressing and timing belong to the caller.
package isotp

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
)

// FrameType is the PCI high nibble.
type FrameType uint8

const (
	SingleFrame      FrameType = 0x0
	FirstFrame       FrameType = 0x1
	ConsecutiveFrame FrameType = 0x2
	FlowControlFrame FrameType = 0x3
)

// FlowStatus is the low nibble of a flow-control PCI byte.
type FlowStatus uint8

const (
	FlowContinue FlowStatus = 0x0
	FlowWait     FlowStatus = 0x1
	FlowOverflow FlowStatus = 0x2
)

const (
	// MaxPayload is the largest payload a first frame can declare
	// (12-bit length field).
	MaxPayload = 0xFFF
	// sfCapacity is the payload capacity of a single frame.
	sfCapacity = 7
	// ffCapacity is the payload carried by the first frame itself.
	ffCapacity = 6
	// cfCapacity is the payload carried by each consecutive frame.
	cfCapacity = 7
)

// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("isotp: payload too large")

// ErrMalformedFrame is returned when a frame sequence cannot be
// reassembled: a gap in consecutive-frame indices, a continuation without
// a first frame, or a length that disagrees with the first frame's
// declaration. Wrapped errors carry the detail.
var ErrMalformedFrame = errors.New("isotp: malformed frame")

// Codec segments payloads into frames and reassembles frame sequences.
// Stateless and safe for concurrent use. Encoded frames carry no
// arbitration id; the caller stamps one before transmit.
type Codec struct{}

// Encode splits payload into its wire frames: one single frame when it
// fits, otherwise a first frame followed by consecutive frames with the
// sequence number starting at 1 and wrapping modulo 16. Deterministic:
// the same payload always yields the same frame sequence.
func (Codec) Encode(payload []byte) ([]can.Frame, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w (%d bytes)", ErrPayloadTooLarge, len(payload))
	}
	if len(payload) <= sfCapacity {
		var f can.Frame
		f.Data[0] = byte(len(payload)) // SF PCI: 0x0N
		copy(f.Data[1:], payload)
		f.Len = uint8(1 + len(payload))
		return []can.Frame{f}, nil
	}

	total := len(payload)
	frames := make([]can.Frame, 0, 1+(total-ffCapacity+cfCapacity-1)/cfCapacity)

	var ff can.Frame
	ff.Data[0] = byte(FirstFrame)<<4 | byte(total>>8&0x0F)
	ff.Data[1] = byte(total)
	copy(ff.Data[2:], payload[:ffCapacity])
	ff.Len = 8
	frames = append(frames, ff)

	seq := uint8(1)
	for off := ffCapacity; off < total; off += cfCapacity {
		chunk := payload[off:min(off+cfCapacity, total)]
		var cf can.Frame
		cf.Data[0] = byte(ConsecutiveFrame)<<4 | seq
		copy(cf.Data[1:], chunk)
		cf.Len = uint8(1 + len(chunk))
		frames = append(frames, cf)
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}

// Decode reassembles the payload from a complete frame sequence: either
// one single frame, or a first frame followed by every consecutive frame
// in order. Any violation fails with a wrapped ErrMalformedFrame; frames
// are never reordered or skipped.
func (Codec) Decode(frames []can.Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, malformed("empty frame sequence")
	}
	pci, err := Parse(frames[0])
	if err != nil {
		return nil, err
	}
	switch pci.Type {
	case SingleFrame:
		if len(frames) != 1 {
			return nil, malformed("trailing frames after single frame")
		}
		return append([]byte(nil), frames[0].Data[1:1+pci.Length]...), nil
	case FirstFrame:
		// fall through to multi-frame reassembly
	default:
		return nil, malformed("continuation frame without first frame")
	}

	total := pci.Length
	payload := make([]byte, 0, total)
	payload = append(payload, frames[0].Data[2:2+ffCapacity]...)
	seq := uint8(1)
	for i, f := range frames[1:] {
		cp, err := Parse(f)
		if err != nil {
			return nil, err
		}
		if cp.Type != ConsecutiveFrame {
			return nil, malformed(fmt.Sprintf("frame %d: expected consecutive frame, got type %X", i+1, uint8(cp.Type)))
		}
		if cp.Sequence != seq {
			return nil, malformed(fmt.Sprintf("frame %d: sequence gap, want %d got %d", i+1, seq, cp.Sequence))
		}
		need := total - len(payload)
		if need <= 0 {
			return nil, malformed("trailing frames after declared length")
		}
		chunk := f.Data[1:f.Len]
		if len(chunk) > cfCapacity {
			chunk = chunk[:cfCapacity]
		}
		if len(chunk) > need {
			chunk = chunk[:need] // trailing padding within the final frame
		}
		if len(chunk) < min(need, cfCapacity) {
			return nil, malformed(fmt.Sprintf("frame %d: truncated consecutive frame", i+1))
		}
		payload = append(payload, chunk...)
		seq = (seq + 1) & 0x0F
	}
	if len(payload) != total {
		return nil, malformed(fmt.Sprintf("reassembled %d bytes, first frame declared %d", len(payload), total))
	}
	return payload, nil
}

// PCI is the decoded protocol-control information of one frame.
type PCI struct {
	Type     FrameType
	Length   int        // SF payload length, or FF declared total length
	Sequence uint8      // CF only
	Status   FlowStatus // FC only
	// FC only: raw block-size and separation-time bytes.
	BlockSize      uint8
	SeparationTime byte
}

// Parse classifies a frame and extracts its PCI fields. It validates the
// fields against the frame's length but does not validate position within
// a sequence; that is Decode's job.
func Parse(f can.Frame) (PCI, error) {
	if f.Len == 0 {
		return PCI{}, malformed("empty frame")
	}
	var p PCI
	p.Type = FrameType(f.Data[0] >> 4)
	switch p.Type {
	case SingleFrame:
		p.Length = int(f.Data[0] & 0x0F)
		if p.Length > sfCapacity {
			return PCI{}, malformed(fmt.Sprintf("single frame length %d", p.Length))
		}
		if int(f.Len) < 1+p.Length {
			return PCI{}, malformed("truncated single frame")
		}
	case FirstFrame:
		// A first frame always carries the full ffCapacity bytes, so
		// anything short of a complete DLC cannot be reassembled.
		if f.Len < 2+ffCapacity {
			return PCI{}, malformed("truncated first frame")
		}
		p.Length = int(f.Data[0]&0x0F)<<8 | int(f.Data[1])
		if p.Length <= sfCapacity {
			return PCI{}, malformed(fmt.Sprintf("first frame declares %d bytes, fits single frame", p.Length))
		}
	case ConsecutiveFrame:
		p.Sequence = f.Data[0] & 0x0F
		if f.Len < 2 {
			return PCI{}, malformed("empty consecutive frame")
		}
	case FlowControlFrame:
		if f.Len < 3 {
			return PCI{}, malformed("truncated flow control frame")
		}
		p.Status = FlowStatus(f.Data[0] & 0x0F)
		if p.Status > FlowOverflow {
			return PCI{}, malformed(fmt.Sprintf("flow status %d", uint8(p.Status)))
		}
		p.BlockSize = f.Data[1]
		p.SeparationTime = f.Data[2]
	default:
		return PCI{}, malformed(fmt.Sprintf("pci type %X", uint8(p.Type)))
	}
	return p, nil
}

// ConsecutiveCount returns how many consecutive frames follow a first
// frame declaring total payload bytes.
func ConsecutiveCount(total int) int {
	if total <= ffCapacity {
		return 0
	}
	return (total - ffCapacity + cfCapacity - 1) / cfCapacity
}

// FlowControl builds a flow-control frame with the given status,
// block size and raw separation-time byte.
func FlowControl(status FlowStatus, blockSize, stMin byte) can.Frame {
	var f can.Frame
	f.Data[0] = byte(FlowControlFrame)<<4 | byte(status)
	f.Data[1] = blockSize
	f.Data[2] = stMin
	f.Len = 3
	return f
}

// SeparationTime converts a raw STmin byte to a duration: 0x00..0x7F are
// milliseconds, 0xF1..0xF9 are 100..900 microseconds, anything else is
// reserved and mapped to a safe 10ms.
func SeparationTime(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(int(b)-0xF0) * 100 * time.Microsecond
	default:
		return 10 * time.Millisecond
	}
}

// Pad extends every frame to the full 8-byte DLC with fill, matching
// ECUs that require padded frames. Decode tolerates padding either way.
func Pad(frames []can.Frame, fill byte) {
	for i := range frames {
		for j := frames[i].Len; j < can.MaxDataLen; j++ {
			frames[i].Data[j] = fill
		}
		frames[i].Len = can.MaxDataLen
	}
}

func malformed(detail string) error {
	metrics.IncMalformed()
	return fmt.Errorf("%w: %s", ErrMalformedFrame, detail)
}
