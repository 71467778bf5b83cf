package uds

import (
	"context"
	"fmt"
)

// FormatUncompressed is the data format identifier for plain,
// unencrypted transfer data.
const FormatUncompressed byte = 0x00

// RequestDownload announces a download of size bytes to address and
// returns the server's maximum block length, which bounds the payload
// of each following TransferData request including its two-byte
// header.
func (c *Client) RequestDownload(ctx context.Context, address uint64, size uint32, dataFormat byte) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero size", ErrConfig)
	}
	aw := byteWidth(address)
	sw := byteWidth(uint64(size))
	req := make([]byte, 0, 3+aw+sw)
	req = append(req, SIDRequestDownload, dataFormat, addressAndLengthFormat(aw, sw))
	req = appendBE(req, address, aw)
	req = appendBE(req, uint64(size), sw)

	resp, err := c.execute(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: download response too short (%d bytes)", ErrResponseFormat, len(resp))
	}
	width := int(resp[1] >> 4)
	if width == 0 || width > 4 || len(resp) < 2+width {
		return 0, fmt.Errorf("%w: block length format 0x%02X with %d bytes", ErrResponseFormat, resp[1], len(resp))
	}
	var maxBlock uint32
	for _, b := range resp[2 : 2+width] {
		maxBlock = maxBlock<<8 | uint32(b)
	}
	if maxBlock < 3 {
		return 0, fmt.Errorf("%w: max block length %d leaves no room for data", ErrResponseFormat, maxBlock)
	}
	return maxBlock, nil
}

// TransferData sends one block under the given sequence counter. The
// counter starts at 1 after RequestDownload and wraps through 0. Any
// bytes the server returns after the echoed counter are passed back.
func (c *Client) TransferData(ctx context.Context, counter byte, data []byte) ([]byte, error) {
	req := make([]byte, 2, 2+len(data))
	req[0] = SIDTransferData
	req[1] = counter
	req = append(req, data...)

	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != counter {
		return nil, fmt.Errorf("%w: block counter echo % X, want 0x%02X", ErrResponseFormat, resp[1:], counter)
	}
	return resp[2:], nil
}

// RequestTransferExit closes the download; record carries optional
// transfer request parameters and the returned bytes the server's
// final record, checksum typically.
func (c *Client) RequestTransferExit(ctx context.Context, record []byte) ([]byte, error) {
	req := append([]byte{SIDRequestTransferExit}, record...)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// Download runs the whole RequestDownload / TransferData /
// RequestTransferExit sequence for one contiguous region, slicing
// data into blocks of the server's advertised size.
func (c *Client) Download(ctx context.Context, address uint64, data []byte, dataFormat byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty download", ErrConfig)
	}
	maxBlock, err := c.RequestDownload(ctx, address, uint32(len(data)), dataFormat)
	if err != nil {
		return err
	}
	// maxBlock covers the service identifier and counter too.
	chunk := int(maxBlock) - 2
	counter := byte(1)
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.TransferData(ctx, counter, data[off:end]); err != nil {
			return fmt.Errorf("block %d at offset %d: %w", counter, off, err)
		}
		counter++
	}
	if _, err := c.RequestTransferExit(ctx, nil); err != nil {
		return err
	}
	c.logger.Debug("download_done",
		"address", fmt.Sprintf("0x%X", address), "bytes", len(data), "block_size", chunk)
	return nil
}
