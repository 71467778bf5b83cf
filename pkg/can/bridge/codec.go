package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-uds-client/internal/metrics"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

// Codec encodes/decodes bridge wire frames. Stateless and safe for
// concurrent use. Each frame is a 4-byte big-endian CAN id (flags
// included), one length byte and the payload.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is outside 0..8.
var ErrInvalidLength = errors.New("bridge: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("bridge: truncated frame")

// Encode packs one frame into its wire representation.
func (Codec) Encode(fr can.Frame) []byte {
	ln := int(fr.Len)
	if ln > can.MaxDataLen {
		ln = can.MaxDataLen
	}
	buf := make([]byte, 4+1+ln)
	binary.BigEndian.PutUint32(buf[:4], fr.ID)
	buf[4] = byte(ln)
	copy(buf[5:], fr.Data[:ln])
	return buf
}

// Decode reads exactly one frame from r. It returns io.EOF when called
// at a clean frame boundary with no more data available.
func (Codec) Decode(r io.Reader) (can.Frame, error) {
	var fr can.Frame
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return fr, err
	}
	fr.ID = binary.BigEndian.Uint32(idb[:])
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		metrics.IncMalformed()
		return fr, fmt.Errorf("bridge decode: %w", ErrTruncatedFrame)
	}
	ln := int(lb[0] & 0x7F) // high bit reserved
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return fr, fmt.Errorf("bridge decode: %w (%d)", ErrInvalidLength, ln)
	}
	fr.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, fr.Data[:ln]); err != nil {
			metrics.IncMalformed()
			return fr, fmt.Errorf("bridge decode payload: %w", ErrTruncatedFrame)
		}
	}
	return fr, nil
}
