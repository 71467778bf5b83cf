package uds

import (
	"context"
	"encoding/binary"
	"fmt"
)

// ReadDataByIdentifier reads one identifier and returns its payload.
// With a single identifier the payload is simply everything after the
// echoed identifier, so no dictionary entry is needed.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.execute(ctx, []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, fmt.Errorf("%w: read response too short (%d bytes)", ErrResponseFormat, len(resp))
	}
	if got := binary.BigEndian.Uint16(resp[1:3]); got != did {
		return nil, fmt.Errorf("%w: identifier echo 0x%04X, want 0x%04X", ErrResponseFormat, got, did)
	}
	return resp[3:], nil
}

// ReadDataByIdentifiers reads several identifiers in one request and
// returns a value per identifier. The response interleaves identifier
// and payload with no length markers, so every requested identifier
// must have a fixed length in the attached registry; the last value in
// the response may instead consume the remainder. The server is free
// to order values as it likes.
func (c *Client) ReadDataByIdentifiers(ctx context.Context, dids ...uint16) (map[uint16][]byte, error) {
	if len(dids) == 0 {
		return nil, fmt.Errorf("%w: no identifiers", ErrConfig)
	}
	if len(dids) == 1 {
		v, err := c.ReadDataByIdentifier(ctx, dids[0])
		if err != nil {
			return nil, err
		}
		return map[uint16][]byte{dids[0]: v}, nil
	}
	if c.registry == nil {
		return nil, fmt.Errorf("%w: multi-identifier read needs an identifier registry", ErrConfig)
	}
	requested := make(map[uint16]bool, len(dids))
	req := make([]byte, 1, 1+2*len(dids))
	req[0] = SIDReadDataByIdentifier
	for _, did := range dids {
		if requested[did] {
			return nil, fmt.Errorf("%w: identifier 0x%04X repeated", ErrConfig, did)
		}
		requested[did] = true
		req = append(req, byte(did>>8), byte(did))
	}

	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	values := make(map[uint16][]byte, len(dids))
	rest := resp[1:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: dangling byte after values", ErrResponseFormat)
		}
		did := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if !requested[did] {
			return nil, fmt.Errorf("%w: unrequested identifier 0x%04X in response", ErrResponseFormat, did)
		}
		if _, dup := values[did]; dup {
			return nil, fmt.Errorf("%w: identifier 0x%04X repeated in response", ErrResponseFormat, did)
		}
		entry, ok := c.registry.Lookup(did)
		switch {
		case ok && entry.Length > 0:
			if len(rest) < entry.Length {
				return nil, fmt.Errorf("%w: identifier 0x%04X needs %d bytes, %d left", ErrResponseFormat, did, entry.Length, len(rest))
			}
			values[did] = append([]byte(nil), rest[:entry.Length]...)
			rest = rest[entry.Length:]
		case len(values) == len(dids)-1:
			// Last value standing may take the remainder.
			values[did] = append([]byte(nil), rest...)
			rest = nil
		default:
			return nil, fmt.Errorf("%w: identifier 0x%04X has no fixed length", ErrConfig, did)
		}
	}
	if len(values) != len(dids) {
		return nil, fmt.Errorf("%w: %d of %d values in response", ErrResponseFormat, len(values), len(dids))
	}
	return values, nil
}

// WriteDataByIdentifier writes a payload to one identifier. The
// positive response echoes the identifier and nothing else.
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	req := make([]byte, 3, 3+len(data))
	req[0] = SIDWriteDataByIdentifier
	req[1] = byte(did >> 8)
	req[2] = byte(did)
	req = append(req, data...)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return fmt.Errorf("%w: write response too short (%d bytes)", ErrResponseFormat, len(resp))
	}
	if got := binary.BigEndian.Uint16(resp[1:3]); got != did {
		return fmt.Errorf("%w: identifier echo 0x%04X, want 0x%04X", ErrResponseFormat, got, did)
	}
	return nil
}
