package uds

import (
	"context"
	"encoding/binary"
	"fmt"
)

// DTCGroupAll addresses every stored diagnostic trouble code.
const DTCGroupAll uint32 = 0xFFFFFF

// Read DTC information sub-functions.
const (
	ReportDTCCountByStatusMask byte = 0x01
	ReportDTCByStatusMask      byte = 0x02
)

// DTC status mask bits.
const (
	StatusTestFailed                 byte = 0x01
	StatusTestFailedThisCycle        byte = 0x02
	StatusPendingDTC                 byte = 0x04
	StatusConfirmedDTC               byte = 0x08
	StatusTestNotCompletedSinceClear byte = 0x10
	StatusTestFailedSinceClear       byte = 0x20
	StatusTestNotCompletedThisCycle  byte = 0x40
	StatusWarningIndicatorRequested  byte = 0x80
)

// DTC is one stored trouble code: the 3-byte code and its status.
type DTC struct {
	Code   uint32
	Status byte
}

// String renders the code in the conventional letter form, failure
// type byte appended: 0x012345 with the P prefix becomes "P0123-45".
func (d DTC) String() string {
	letters := [4]byte{'P', 'C', 'B', 'U'}
	hi := byte(d.Code >> 16)
	return fmt.Sprintf("%c%d%03X-%02X",
		letters[hi>>6], (hi>>4)&0x03, d.Code>>8&0x0FFF, d.Code&0xFF)
}

// DTCCount is the result of a count-by-status-mask report.
type DTCCount struct {
	AvailabilityMask byte
	FormatIdentifier byte
	Count            uint16
}

// ClearDiagnosticInformation erases stored trouble codes for the
// 3-byte group; DTCGroupAll wipes everything. The positive response
// carries nothing beyond the acknowledgement.
func (c *Client) ClearDiagnosticInformation(ctx context.Context, group uint32) error {
	if group > DTCGroupAll {
		return fmt.Errorf("%w: group 0x%X exceeds 24 bits", ErrConfig, group)
	}
	_, err := c.execute(ctx, []byte{
		SIDClearDiagnosticInfo,
		byte(group >> 16), byte(group >> 8), byte(group),
	})
	return err
}

// ReadDTCCount reports how many codes match the status mask.
func (c *Client) ReadDTCCount(ctx context.Context, statusMask byte) (DTCCount, error) {
	resp, err := c.execute(ctx, []byte{SIDReadDTCInformation, ReportDTCCountByStatusMask, statusMask})
	if err != nil {
		return DTCCount{}, err
	}
	if len(resp) < 6 || resp[1] != ReportDTCCountByStatusMask {
		return DTCCount{}, fmt.Errorf("%w: dtc count response % X", ErrResponseFormat, resp)
	}
	return DTCCount{
		AvailabilityMask: resp[2],
		FormatIdentifier: resp[3],
		Count:            binary.BigEndian.Uint16(resp[4:6]),
	}, nil
}

// ReadDTCs lists the codes matching the status mask, along with the
// server's availability mask. An empty list is a valid outcome.
func (c *Client) ReadDTCs(ctx context.Context, statusMask byte) ([]DTC, byte, error) {
	resp, err := c.execute(ctx, []byte{SIDReadDTCInformation, ReportDTCByStatusMask, statusMask})
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < 3 || resp[1] != ReportDTCByStatusMask {
		return nil, 0, fmt.Errorf("%w: dtc list response % X", ErrResponseFormat, resp)
	}
	records := resp[3:]
	if len(records)%4 != 0 {
		return nil, 0, fmt.Errorf("%w: dtc record bytes %d not a multiple of 4", ErrResponseFormat, len(records))
	}
	dtcs := make([]DTC, 0, len(records)/4)
	for i := 0; i < len(records); i += 4 {
		dtcs = append(dtcs, DTC{
			Code:   uint32(records[i])<<16 | uint32(records[i+1])<<8 | uint32(records[i+2]),
			Status: records[i+3],
		})
	}
	return dtcs, resp[2], nil
}

// ReadDTCInformation is the raw accessor for the remaining report
// types: it sends the sub-function with any trailing arguments and
// returns the undecoded record bytes after the echoed sub-function.
func (c *Client) ReadDTCInformation(ctx context.Context, subFunction byte, args ...byte) ([]byte, error) {
	req := append([]byte{SIDReadDTCInformation, subFunction}, args...)
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != subFunction {
		return nil, fmt.Errorf("%w: sub-function echo % X, want 0x%02X", ErrResponseFormat, resp[1:], subFunction)
	}
	return resp[2:], nil
}
