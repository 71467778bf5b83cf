package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

const (
	defaultBaud = 115200
	// Read slices short so Recv honors its deadline closely.
	portReadTimeout = 10 * time.Millisecond
)

// Port abstracts the serial port for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openPort is swapped in tests.
var openPort = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

type config struct {
	bitrate int
}

type Option func(*config)

// WithBitrate makes Open configure the adapter: set the SLCAN bitrate
// code (0..8, e.g. 6 for 500 kbit/s) and open the channel. Close then
// closes the channel again. Without this option the adapter state is
// left alone.
func WithBitrate(code int) Option {
	return func(c *config) { c.bitrate = code }
}

var _ can.Link = (*Link)(nil)

// Link speaks SLCAN over one serial port. Send is safe for concurrent
// use; Recv expects a single reader.
type Link struct {
	port   Port
	codec  Codec
	wmu    sync.Mutex
	in     bytes.Buffer
	queue  []can.Frame
	closed atomic.Bool
	opened bool // we opened the channel, close it on Close
}

// Open attaches to an SLCAN adapter on the named serial device. A
// non-positive baud selects 115200.
func Open(device string, baud int, opts ...Option) (*Link, error) {
	cfg := config{bitrate: -1}
	for _, o := range opts {
		o(&cfg)
	}
	if baud <= 0 {
		baud = defaultBaud
	}
	p, err := openPort(device, baud, portReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: slcan open %s: %v", can.ErrConfig, device, err)
	}
	l := &Link{port: p}
	if cfg.bitrate >= 0 {
		if cfg.bitrate > 8 {
			_ = p.Close()
			return nil, fmt.Errorf("%w: slcan bitrate code %d out of range", can.ErrConfig, cfg.bitrate)
		}
		if err := l.command(fmt.Sprintf("S%d\r", cfg.bitrate)); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("slcan set bitrate: %w", err)
		}
		if err := l.command("O\r"); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("slcan open channel: %w", err)
		}
		l.opened = true
	}
	return l, nil
}

func (l *Link) command(s string) error {
	_, err := l.port.Write([]byte(s))
	return err
}

func (l *Link) Send(fr can.Frame) error {
	if l.closed.Load() {
		return can.ErrClosed
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.port.Write(l.codec.Encode(fr)); err != nil {
		if l.closed.Load() {
			return can.ErrClosed
		}
		return fmt.Errorf("slcan write: %w", err)
	}
	return nil
}

// Recv returns the next decoded frame, waiting up to timeout;
// non-positive blocks indefinitely. Remote-request frames are skipped.
func (l *Link) Recv(timeout time.Duration) (can.Frame, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var buf [256]byte
	for {
		for len(l.queue) > 0 {
			fr := l.queue[0]
			l.queue = l.queue[1:]
			if fr.ID&can.CAN_RTR_FLAG != 0 {
				continue
			}
			return fr, nil
		}
		if l.closed.Load() {
			return can.Frame{}, can.ErrClosed
		}
		n, err := l.port.Read(buf[:])
		if n > 0 {
			_, _ = l.in.Write(buf[:n])
			_ = l.codec.DecodeStream(&l.in, func(fr can.Frame) {
				l.queue = append(l.queue, fr)
			})
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if l.closed.Load() {
				return can.Frame{}, can.ErrClosed
			}
			return can.Frame{}, fmt.Errorf("slcan read: %w", err)
		}
		// Idle slice: the port timed out with nothing buffered.
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return can.Frame{}, can.ErrTimeout
		}
	}
}

func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.opened {
		// Best effort; the adapter may already be gone.
		_ = l.command("C\r")
	}
	return l.port.Close()
}
