package uds

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrConfig reports invalid construction input: nil link, bad
	// address pair, bad option value.
	ErrConfig = errors.New("config")
	// ErrConcurrentRequest reports a request issued while another
	// transaction holds the slot. Retry after the first one completes.
	ErrConcurrentRequest = errors.New("concurrent request")
	// ErrTransport wraps link-layer send/receive failures. Never
	// retried internally.
	ErrTransport = errors.New("transport")
	// ErrUnexpectedResponse reports a reassembled payload that is
	// neither a negative response nor the positive echo of the request.
	ErrUnexpectedResponse = errors.New("unexpected response")
	// ErrResponseFormat reports a positive response whose layout does
	// not match the service's expectation.
	ErrResponseFormat = errors.New("response format")
	// ErrPendingExceeded reports more consecutive response-pending
	// extensions than the configured bound. Timeout-class.
	ErrPendingExceeded = errors.New("pending exceeded")
	// ErrNoResponse reports receive-timeout expiry with no frame.
	ErrNoResponse = errors.New("no response")
	// ErrClientClosed reports use of a client after Close.
	ErrClientClosed = errors.New("client closed")
)

// NegativeResponse is a definitive negative response from the ECU,
// carrying the rejected service identifier and the NRC byte. Retrieve
// with errors.As; the engine never retries these.
type NegativeResponse struct {
	Service byte
	Code    byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("negative response: sid=0x%02X nrc=0x%02X (%s)", e.Service, e.Code, NRCName(e.Code))
}
