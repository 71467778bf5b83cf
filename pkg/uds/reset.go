package uds

import (
	"context"
	"fmt"
)

// Reset types.
const (
	ResetHard                      byte = 0x01
	ResetKeyOffOn                  byte = 0x02
	ResetSoft                      byte = 0x03
	ResetEnableRapidPowerShutDown  byte = 0x04
	ResetDisableRapidPowerShutDown byte = 0x05
)

// ECUReset requests the given reset. For ResetEnableRapidPowerShutDown
// the returned byte is the server's power down time in seconds; for
// all other reset types it is zero.
func (c *Client) ECUReset(ctx context.Context, resetType byte) (byte, error) {
	if resetType < ResetHard || resetType > ResetDisableRapidPowerShutDown {
		return 0, fmt.Errorf("%w: reset type 0x%02X", ErrConfig, resetType)
	}
	resp, err := c.execute(ctx, []byte{SIDECUReset, resetType})
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 || resp[1] != resetType {
		return 0, fmt.Errorf("%w: reset echo % X, want 0x%02X", ErrResponseFormat, resp[1:], resetType)
	}
	if resetType == ResetEnableRapidPowerShutDown {
		if len(resp) < 3 {
			return 0, fmt.Errorf("%w: missing power down time", ErrResponseFormat)
		}
		return resp[2], nil
	}
	return 0, nil
}
