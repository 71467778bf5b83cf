//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

var errUnsupported = errors.New("socketcan: only supported on linux")

// Link is a placeholder on non-linux platforms; Open always fails.
type Link struct{}

func Open(iface string, opts ...Option) (*Link, error) { return nil, errUnsupported }

func (l *Link) Send(fr can.Frame) error { return errUnsupported }

func (l *Link) Recv(timeout time.Duration) (can.Frame, error) {
	return can.Frame{}, errUnsupported
}

func (l *Link) Close() error { return nil }
