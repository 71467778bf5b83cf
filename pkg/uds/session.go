package uds

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// Diagnostic session types.
const (
	SessionDefault      byte = 0x01
	SessionProgramming  byte = 0x02
	SessionExtended     byte = 0x03
	SessionSafetySystem byte = 0x04
)

// SessionTiming carries the server timing parameters returned by a
// session change: P2 is the normal response deadline, P2Star the
// extended deadline granted after a response-pending.
type SessionTiming struct {
	P2     time.Duration
	P2Star time.Duration
}

// DiagnosticSessionControl switches the server into the given session
// and returns its timing parameters. P2 arrives in milliseconds,
// P2Star in 10 millisecond units.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) (SessionTiming, error) {
	resp, err := c.execute(ctx, []byte{SIDDiagnosticSessionControl, session})
	if err != nil {
		return SessionTiming{}, err
	}
	if len(resp) < 6 {
		return SessionTiming{}, fmt.Errorf("%w: session response too short (%d bytes)", ErrResponseFormat, len(resp))
	}
	if resp[1] != session {
		return SessionTiming{}, fmt.Errorf("%w: session echo 0x%02X, want 0x%02X", ErrResponseFormat, resp[1], session)
	}
	t := SessionTiming{
		P2:     time.Duration(binary.BigEndian.Uint16(resp[2:4])) * time.Millisecond,
		P2Star: time.Duration(binary.BigEndian.Uint16(resp[4:6])) * 10 * time.Millisecond,
	}
	c.logger.Debug("session_changed",
		"session", fmt.Sprintf("0x%02X", session), "p2", t.P2, "p2_star", t.P2Star)
	return t, nil
}
