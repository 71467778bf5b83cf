package uds

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Routine control operations.
const (
	RoutineStart          byte = 0x01
	RoutineStop           byte = 0x02
	RoutineRequestResults byte = 0x03
)

// RoutineControl starts, stops or queries a routine. record carries
// routine-specific arguments and may be nil; the returned bytes are
// the routine status record after the echoed operation and identifier.
func (c *Client) RoutineControl(ctx context.Context, op byte, routineID uint16, record []byte) ([]byte, error) {
	if op < RoutineStart || op > RoutineRequestResults {
		return nil, fmt.Errorf("%w: routine operation 0x%02X", ErrConfig, op)
	}
	req := make([]byte, 4, 4+len(record))
	req[0] = SIDRoutineControl
	req[1] = op
	req[2] = byte(routineID >> 8)
	req[3] = byte(routineID)
	req = append(req, record...)

	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, fmt.Errorf("%w: routine response too short (%d bytes)", ErrResponseFormat, len(resp))
	}
	if resp[1] != op {
		return nil, fmt.Errorf("%w: operation echo 0x%02X, want 0x%02X", ErrResponseFormat, resp[1], op)
	}
	if got := binary.BigEndian.Uint16(resp[2:4]); got != routineID {
		return nil, fmt.Errorf("%w: routine echo 0x%04X, want 0x%04X", ErrResponseFormat, got, routineID)
	}
	return resp[4:], nil
}
