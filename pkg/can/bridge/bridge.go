// Package bridge connects to a remote CAN bus exposed over TCP by a
// cannelloni-style bridge server. After a fixed hello exchange both
// sides stream raw frames; the package presents the connection as a
// can.Link.
package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
)

const hello = "CANNELLONIv1"

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	rxQueue                 = 64
)

type config struct {
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
}

type Option func(*config)

// WithDialTimeout bounds the TCP connect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

var _ can.Link = (*Link)(nil)

// Link is a can.Link backed by one TCP connection to a bridge server.
// Send is safe for concurrent use; Recv expects a single reader.
type Link struct {
	conn   net.Conn
	codec  Codec
	wmu    sync.Mutex
	frames chan can.Frame
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	rdErr  error // set before done is closed
}

// Dial connects to addr (host:port), performs the hello exchange and
// starts the receive loop.
func Dial(addr string, opts ...Option) (*Link, error) {
	cfg := config{
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: bridge address %q: %v", can.ErrConfig, addr, err)
	}
	conn, err := net.DialTimeout("tcp", addr, cfg.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("bridge dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := handshake(conn, cfg.handshakeTimeout); err != nil {
		_ = conn.Close()
		metrics.IncError(metrics.ErrHandshake)
		return nil, fmt.Errorf("bridge %s: %w", addr, err)
	}
	l := &Link{
		conn:   conn,
		frames: make(chan can.Frame, rxQueue),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// handshake exchanges the hello concurrently in both directions so
// neither peer can stall the other.
func handshake(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(conn, hello)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(hello))
		_, err := io.ReadFull(conn, buf)
		if err == nil && string(buf) != hello {
			err = errors.New("bad hello")
		}
		errCh <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}
	return nil
}

func (l *Link) readLoop() {
	defer close(l.done)
	br := bufio.NewReaderSize(l.conn, 4096)
	for {
		fr, err := l.codec.Decode(br)
		if err != nil {
			// A malformed frame poisons the byte stream; there is no
			// way to resync TCP, so the link dies with the error.
			l.rdErr = err
			return
		}
		select {
		case l.frames <- fr:
		case <-l.stop:
			return
		}
	}
}

func (l *Link) Send(fr can.Frame) error {
	if l.closed.Load() {
		return can.ErrClosed
	}
	buf := l.codec.Encode(fr)
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.conn.Write(buf); err != nil {
		if l.closed.Load() {
			return can.ErrClosed
		}
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

// Recv returns the next frame, waiting up to timeout; non-positive
// blocks until a frame arrives or the link dies. Remote-request and
// error frames are skipped.
func (l *Link) Recv(timeout time.Duration) (can.Frame, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		// Drain buffered frames before reporting a dead reader.
		select {
		case fr := <-l.frames:
			if fr.ID&(can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 {
				continue
			}
			return fr, nil
		default:
		}
		select {
		case fr := <-l.frames:
			if fr.ID&(can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 {
				continue
			}
			return fr, nil
		case <-l.done:
			// Frames queued before the reader died still get delivered.
			select {
			case fr := <-l.frames:
				if fr.ID&(can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 {
					continue
				}
				return fr, nil
			default:
			}
			if l.closed.Load() {
				return can.Frame{}, can.ErrClosed
			}
			if l.rdErr != nil && !errors.Is(l.rdErr, io.EOF) {
				return can.Frame{}, fmt.Errorf("bridge read: %w", l.rdErr)
			}
			return can.Frame{}, fmt.Errorf("bridge read: %w", can.ErrClosed)
		case <-expire:
			return can.Frame{}, can.ErrTimeout
		}
	}
}

func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stop)
	err := l.conn.Close()
	<-l.done
	return err
}
