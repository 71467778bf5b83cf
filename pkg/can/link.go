package can

import (
	"errors"
	"time"
)

// Sentinel errors shared by all link backends so callers can classify
// failures via errors.Is without knowing the backend.
var (
	// ErrTimeout reports that Recv reached its deadline with no frame.
	ErrTimeout = errors.New("recv timeout")
	// ErrClosed reports use of a link after Close.
	ErrClosed = errors.New("link closed")
	// ErrConfig reports an invalid interface name, device or address
	// at link construction.
	ErrConfig = errors.New("link config")
)

// Link is one open CAN attachment: a raw socket, a serial adapter or a
// TCP bridge connection. A Link is owned by exactly one client; Send and
// Recv may be called from different goroutines but neither from more
// than one.
type Link interface {
	// Send transmits a single frame.
	Send(Frame) error
	// Recv blocks for up to timeout awaiting the next inbound frame.
	// Deadline expiry returns ErrTimeout; any other failure is an I/O
	// error. timeout <= 0 blocks indefinitely.
	Recv(timeout time.Duration) (Frame, error)
	// Close releases the attachment. Further calls fail with ErrClosed.
	Close() error
}

// Sender is the transmit-only capability of a Link.
type Sender interface {
	Send(Frame) error
}

// Receiver is the receive-only capability of a Link.
type Receiver interface {
	Recv(timeout time.Duration) (Frame, error)
}
