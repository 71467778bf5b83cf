//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

// Link is a raw CAN socket bound to one interface. Send is safe for
// concurrent use; Recv expects a single reader.
type Link struct {
	fd          int
	closed      atomic.Bool
	recvTimeout time.Duration // last timeout applied to the socket
}

// Open binds a raw CAN socket to the named interface, classic frames
// only.
func Open(iface string, opts ...Option) (*Link, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if len(cfg.filters) > 0 {
		filters := make([]unix.CanFilter, len(cfg.filters))
		for i, f := range cfg.filters {
			filters[i] = unix.CanFilter{Id: f.ID, Mask: f.Mask}
		}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("install filters: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: if %q: %v", can.ErrConfig, iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Link{fd: fd, recvTimeout: -1}, nil
}

// Send writes one classic CAN frame.
//
// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel expects fields in host byte order; on the little-endian
// archs Linux CAN runs on in practice that is LittleEndian here.
func (l *Link) Send(fr can.Frame) error {
	if l.closed.Load() {
		return can.ErrClosed
	}
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.ID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	if _, err := unix.Write(l.fd, buf[:]); err != nil {
		if l.closed.Load() {
			return can.ErrClosed
		}
		return fmt.Errorf("socketcan write: %w", err)
	}
	return nil
}

// Recv reads one frame, waiting up to timeout; non-positive blocks
// indefinitely. Error and remote-request frames are skipped.
func (l *Link) Recv(timeout time.Duration) (can.Frame, error) {
	if l.closed.Load() {
		return can.Frame{}, can.ErrClosed
	}
	if timeout < 0 {
		timeout = 0
	}
	if timeout != l.recvTimeout {
		tv := unix.NsecToTimeval(int64(timeout))
		if err := unix.SetsockoptTimeval(l.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return can.Frame{}, fmt.Errorf("set receive timeout: %w", err)
		}
		l.recvTimeout = timeout
	}
	var buf [unix.CAN_MTU]byte
	for {
		n, err := unix.Read(l.fd, buf[:])
		if err != nil {
			switch {
			case l.closed.Load():
				return can.Frame{}, can.ErrClosed
			case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
				return can.Frame{}, can.ErrTimeout
			case err == unix.EINTR:
				continue
			default:
				return can.Frame{}, fmt.Errorf("socketcan read: %w", err)
			}
		}
		if n != unix.CAN_MTU {
			return can.Frame{}, fmt.Errorf("socketcan read: short frame (%d bytes)", n)
		}
		id := binary.LittleEndian.Uint32(buf[0:4])
		if id&(can.CAN_ERR_FLAG|can.CAN_RTR_FLAG) != 0 {
			continue
		}
		dlc := buf[4]
		if dlc > can.MaxDataLen {
			dlc = can.MaxDataLen
		}
		fr := can.Frame{ID: id, Len: dlc}
		copy(fr.Data[:], buf[8:8+dlc])
		return fr, nil
	}
}

func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(l.fd)
}
