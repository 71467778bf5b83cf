// Package slcan provides a can.Link for LAWICEL SLCAN serial
// adapters, the ASCII protocol spoken by USBtin, CANable and similar
// dongles.
package slcan

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
)

// Codec translates between CAN frames and SLCAN ASCII lines.
// Stateless and safe for concurrent use.
type Codec struct{}

// Longest line: 'T' + 8 id digits + dlc + 16 data digits + CR.
const maxLine = 1 + 8 + 1 + 16 + 1

const hexUpper = "0123456789ABCDEF"

// Encode renders one frame as an SLCAN line: 't'/'r' with a 3-digit
// identifier for standard frames, 'T'/'R' with 8 digits for extended,
// then the DLC digit and the data bytes in hex.
//
//	t1232ABCD\r  standard id 0x123, 2 bytes AB CD
func (Codec) Encode(f can.Frame) []byte {
	ext := f.ID&can.CAN_EFF_FLAG != 0 || f.Arbitration() > can.CAN_SFF_MASK
	rtr := f.ID&can.CAN_RTR_FLAG != 0
	buf := make([]byte, 0, maxLine)
	switch {
	case ext && rtr:
		buf = append(buf, 'R')
	case ext:
		buf = append(buf, 'T')
	case rtr:
		buf = append(buf, 'r')
	default:
		buf = append(buf, 't')
	}
	if ext {
		buf = fmt.Appendf(buf, "%08X", f.Arbitration())
	} else {
		buf = fmt.Appendf(buf, "%03X", f.Arbitration())
	}
	buf = append(buf, '0'+f.Len)
	if !rtr {
		for _, b := range f.Data[:f.Len] {
			buf = append(buf, hexUpper[b>>4], hexUpper[b&0x0F])
		}
	}
	return append(buf, '\r')
}

// DecodeStream consumes complete lines from in and emits the frames
// they carry. Adapter chatter (acks, version strings, bells) is
// skipped; structurally broken candidate frames are counted and
// resynced past. A trailing partial line stays buffered for the next
// call.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		data := in.Bytes()
		if len(data) == 0 {
			return nil
		}
		start := bytes.IndexAny(data, "tTrR")
		if start < 0 {
			in.Reset()
			return nil
		}
		if start > 0 {
			in.Next(start)
			continue
		}
		cr := bytes.IndexByte(data, '\r')
		if cr < 0 {
			if len(data) > maxLine {
				metrics.IncMalformed()
				in.Next(1)
				continue
			}
			compact(in)
			return nil
		}
		fr, err := parseLine(data[:cr])
		in.Next(cr + 1)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		out(fr)
	}
}

func parseLine(b []byte) (can.Frame, error) {
	var (
		ext, rtr bool
		idLen    int
	)
	switch b[0] {
	case 't':
		idLen = 3
	case 'T':
		ext, idLen = true, 8
	case 'r':
		rtr, idLen = true, 3
	case 'R':
		ext, rtr, idLen = true, true, 8
	}
	if len(b) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("slcan: line too short (%d bytes)", len(b))
	}
	id64, err := strconv.ParseUint(string(b[1:1+idLen]), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("slcan: identifier %q", b[1:1+idLen])
	}
	dlc := b[1+idLen] - '0'
	if dlc > can.MaxDataLen {
		return can.Frame{}, fmt.Errorf("slcan: dlc %c", b[1+idLen])
	}
	id := uint32(id64)
	if ext {
		id |= can.CAN_EFF_FLAG
	}
	if rtr {
		id |= can.CAN_RTR_FLAG
	}
	fr := can.Frame{ID: id, Len: dlc}
	if rtr {
		if len(b) != 1+idLen+1 {
			return can.Frame{}, fmt.Errorf("slcan: rtr line with data")
		}
		return fr, nil
	}
	if len(b) != 1+idLen+1+2*int(dlc) {
		return can.Frame{}, fmt.Errorf("slcan: %d bytes for dlc %d", len(b), dlc)
	}
	if _, err := hex.Decode(fr.Data[:dlc], b[1+idLen+1:]); err != nil {
		return can.Frame{}, fmt.Errorf("slcan: data %q", b[1+idLen+1:])
	}
	return fr, nil
}

// compact reclaims consumed prefix capacity once the buffer grows
// large relative to its unread bytes.
func compact(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < 1024 {
		return
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
	}
}
