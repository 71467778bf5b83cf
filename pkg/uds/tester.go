package uds

import (
	"context"
	"fmt"
)

const suppressResponseBit byte = 0x80

// TesterPresent keeps a non-default session alive and waits for the
// acknowledgement.
func (c *Client) TesterPresent(ctx context.Context) error {
	resp, err := c.execute(ctx, []byte{SIDTesterPresent, 0x00})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != 0x00 {
		return fmt.Errorf("%w: tester present echo % X", ErrResponseFormat, resp[1:])
	}
	return nil
}

// TesterPresentSuppressed sends the keep-alive with the suppress bit
// set: the server stays quiet and nothing is waited for. Suited for
// periodic background keep-alive senders.
func (c *Client) TesterPresentSuppressed(ctx context.Context) error {
	return c.sendOnly(ctx, []byte{SIDTesterPresent, suppressResponseBit}, c.txID)
}

// TesterPresentBroadcast sends the suppressed keep-alive on the
// functional address, reaching every server that listens on it.
// Requires WithFunctionalAddress at construction.
func (c *Client) TesterPresentBroadcast(ctx context.Context) error {
	if c.funcID < 0 {
		return fmt.Errorf("%w: no functional address configured", ErrConfig)
	}
	return c.sendOnly(ctx, []byte{SIDTesterPresent, suppressResponseBit}, uint32(c.funcID))
}
