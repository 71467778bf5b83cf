// Package uds implements a diagnostic client speaking the unified
// diagnostic services protocol over classic CAN, with ISO-TP framing
// for payloads beyond a single frame.
//
// A Client owns one point-to-point conversation with an ECU: requests
// go out on the local identifier, responses are expected on the remote
// one, and exactly one transaction is in flight at a time. The actual
// link is abstracted behind can.Link, so the same client runs on top
// of SocketCAN, a serial SLCAN adapter, or a TCP bridge.
package uds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-uds-client/internal/logging"
	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/can/bridge"
	"github.com/kstaniek/go-uds-client/pkg/can/slcan"
	"github.com/kstaniek/go-uds-client/pkg/can/socketcan"
	"github.com/kstaniek/go-uds-client/pkg/didreg"
	"github.com/kstaniek/go-uds-client/pkg/isotp"
)

// Client is a diagnostic client bound to one local/remote identifier
// pair over a CAN link.
type Client struct {
	link can.Link // owned; closed on Close
	// Narrowed views of link: the transmit task only ever sends, the
	// read task only ever receives.
	tx can.Sender
	rx can.Receiver

	codec isotp.Codec
	txID  uint32
	rxID  uint32

	responseTimeout time.Duration
	pendingTimeout  time.Duration
	maxPending      int
	quietPeriod     time.Duration
	fcTimeout       time.Duration
	maxFlowWaits    int
	padding         int // fill byte, or -1 when padding is off
	funcID          int // functional broadcast id, or -1 when unset
	registry        *didreg.Registry
	logger          *slog.Logger

	slot    chan struct{}
	txCh    chan txJob
	awaitCh chan *await
	fcCh    chan isotp.PCI
	rxCh    chan can.Frame

	taps tapRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// quietUntil is owned by the slot holder; see transact.
	quietUntil time.Time

	totalTransactions atomic.Uint64
	totalPendingWaits atomic.Uint64
	totalStale        atomic.Uint64
}

type Option func(*Client)

// WithLogger routes this client's log lines through l instead of the
// process-wide logger. The component tag is applied either way.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l.With("component", "uds")
		}
	}
}

// WithResponseTimeout bounds the wait for the first response frame.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithPendingWaitTimeout bounds each wait re-armed by a
// response-pending negative response.
func WithPendingWaitTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pendingTimeout = d
		}
	}
}

// WithMaxPending caps consecutive response-pending extensions before
// the transaction fails with ErrPendingExceeded.
func WithMaxPending(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

// WithQuietPeriod sets the settle delay inserted before the next
// transmission after an aborted transaction.
func WithQuietPeriod(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.quietPeriod = d
		}
	}
}

// WithFlowControlTimeout bounds the wait for a flow control frame
// after a segmented transmission's first frame.
func WithFlowControlTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.fcTimeout = d
		}
	}
}

// WithTxPadding pads every outbound frame to the full eight bytes
// using fill. Some gateways drop frames with odd lengths.
func WithTxPadding(fill byte) Option {
	return func(c *Client) { c.padding = int(fill) }
}

// WithIdentifierRegistry attaches a data identifier dictionary, used
// to split multi-identifier read responses into per-identifier values.
func WithIdentifierRegistry(r *didreg.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithFunctionalAddress sets the identifier used for functionally
// addressed broadcasts such as TesterPresentBroadcast. 0x7DF is the
// conventional choice on 11-bit OBD setups.
func WithFunctionalAddress(id uint32) Option {
	return func(c *Client) { c.funcID = int(id) }
}

// New builds a client on an already-open link. localID is the
// identifier requests are sent on, remoteID the identifier responses
// are expected on. The client owns the link and closes it on Close.
func New(link can.Link, localID, remoteID uint32, opts ...Option) (*Client, error) {
	if link == nil {
		return nil, fmt.Errorf("%w: nil link", ErrConfig)
	}
	if localID > can.CAN_EFF_MASK || remoteID > can.CAN_EFF_MASK {
		return nil, fmt.Errorf("%w: identifier out of range", ErrConfig)
	}
	if localID == remoteID {
		return nil, fmt.Errorf("%w: local and remote identifiers are equal", ErrConfig)
	}
	c := &Client{
		link:            link,
		tx:              link,
		rx:              link,
		txID:            localID,
		rxID:            remoteID,
		responseTimeout: defaultResponseTimeout,
		pendingTimeout:  defaultPendingWaitTimeout,
		maxPending:      defaultMaxPending,
		quietPeriod:     defaultQuietPeriod,
		fcTimeout:       defaultFlowControlTimeout,
		maxFlowWaits:    defaultMaxFlowWaits,
		padding:         -1,
		funcID:          -1,
		logger:          logging.Component("uds"),
		slot:            make(chan struct{}, 1),
		txCh:            make(chan txJob, txQueueSize),
		awaitCh:         make(chan *await),
		fcCh:            make(chan isotp.PCI, fcQueueSize),
		rxCh:            make(chan can.Frame, rxQueueSize),
	}
	for _, o := range opts {
		o(c)
	}
	if c.funcID >= 0 {
		if uint32(c.funcID) > can.CAN_EFF_MASK {
			return nil, fmt.Errorf("%w: functional identifier out of range", ErrConfig)
		}
		if uint32(c.funcID) == remoteID {
			return nil, fmt.Errorf("%w: functional and remote identifiers are equal", ErrConfig)
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(3)
	go c.readLoop()
	go c.dispatchLoop()
	go c.transmitLoop()
	metrics.SetLinkUp(true)
	c.logger.Info("client_open",
		"local_id", fmt.Sprintf("0x%X", localID),
		"remote_id", fmt.Sprintf("0x%X", remoteID))
	return c, nil
}

// Open is the SocketCAN convenience constructor: open the named
// network interface and build a client on it.
func Open(ifname string, localID, remoteID uint32, opts ...Option) (*Client, error) {
	link, err := socketcan.Open(ifname)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return New(link, localID, remoteID, opts...)
}

// Dial opens the named backend and builds a client on it. Backend is
// one of socketcan, slcan or bridge; name is the network interface,
// serial device or host:port respectively. Backends needing more
// setup (SLCAN bitrate codes, kernel filters) are constructed
// directly and handed to New.
func Dial(backend, name string, localID, remoteID uint32, opts ...Option) (*Client, error) {
	var (
		link can.Link
		err  error
	)
	switch backend {
	case "socketcan":
		link, err = socketcan.Open(name)
	case "slcan":
		link, err = slcan.Open(name, 0)
	case "bridge":
		link, err = bridge.Dial(name)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfig, backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return New(link, localID, remoteID, opts...)
}

// Close stops the worker tasks and closes the link. Safe to call more
// than once; transactions in flight fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	err := c.link.Close()
	c.wg.Wait()
	c.taps.closeAll()
	metrics.SetLinkUp(false)
	c.logger.Info("client_closed",
		"transactions", c.totalTransactions.Load(),
		"pending_waits", c.totalPendingWaits.Load(),
		"stale_frames", c.totalStale.Load())
	return err
}

// Raw sends an arbitrary request payload and returns the full positive
// response payload, service identifier byte included. All engine rules
// still apply: response matching, pending handling, timeouts.
func (c *Client) Raw(ctx context.Context, request []byte) ([]byte, error) {
	return c.execute(ctx, request)
}
