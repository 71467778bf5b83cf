package uds

import (
	"context"
	"fmt"
)

// byteWidth returns the minimal number of big-endian bytes needed to
// carry v, at least 1.
func byteWidth(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

// appendBE appends v as width big-endian bytes.
func appendBE(dst []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

// addressAndLengthFormat packs the two widths into the format byte:
// size width in the high nibble, address width in the low one.
func addressAndLengthFormat(addrWidth, sizeWidth int) byte {
	return byte(sizeWidth<<4 | addrWidth)
}

// ReadMemoryByAddress reads size bytes starting at address. Address
// and size widths are derived from the values themselves and encoded
// in the format byte, so a 16-bit address travels as two bytes, not
// four.
func (c *Client) ReadMemoryByAddress(ctx context.Context, address uint64, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero size", ErrConfig)
	}
	aw := byteWidth(address)
	sw := byteWidth(uint64(size))
	req := make([]byte, 0, 2+aw+sw)
	req = append(req, SIDReadMemoryByAddress, addressAndLengthFormat(aw, sw))
	req = appendBE(req, address, aw)
	req = appendBE(req, uint64(size), sw)

	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	data := resp[1:]
	if uint32(len(data)) != size {
		return nil, fmt.Errorf("%w: %d bytes of memory, want %d", ErrResponseFormat, len(data), size)
	}
	return data, nil
}
