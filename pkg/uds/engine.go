package uds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/isotp"
)

const (
	defaultResponseTimeout    = 1 * time.Second
	defaultPendingWaitTimeout = 5 * time.Second
	defaultMaxPending         = 10
	defaultQuietPeriod        = 100 * time.Millisecond
	defaultFlowControlTimeout = 1 * time.Second
	defaultMaxFlowWaits       = 8

	pollInterval  = 20 * time.Millisecond
	rxQueueSize   = 64
	txQueueSize   = 8
	fcQueueSize   = 4
	respQueueSize = 4

	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// txJob is a unit of work for the transmit task. done is buffered and
// receives the overall send result; a nil done means fire-and-forget
// (used for flow control replies).
type txJob struct {
	frames []can.Frame
	done   chan error
}

// await is the receive-side registration for one transaction. The
// dispatch task delivers each reassembled payload (or reassembly
// error) into resp until the registration is replaced.
type await struct {
	resp chan rxResult
}

type rxResult struct {
	payload []byte
	err     error
}

// execute runs a single request/response transaction: occupy the slot,
// honor the quiet period, transmit, then wait for a definitive
// response. Only one transaction may be in flight per client.
func (c *Client) execute(ctx context.Context, request []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if len(request) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrConfig)
	}
	frames, err := c.codec.Encode(request)
	if err != nil {
		return nil, err
	}
	c.stamp(frames)

	select {
	case c.slot <- struct{}{}:
	default:
		return nil, ErrConcurrentRequest
	}
	defer func() { <-c.slot }()

	c.totalTransactions.Add(1)
	metrics.SetInFlight(1)
	defer metrics.SetInFlight(0)

	start := time.Now()
	payload, err := c.transact(ctx, request[0], frames)
	metrics.ObserveTransaction(time.Since(start).Seconds())
	return payload, err
}

// transact owns the slot for its whole duration; quietUntil is only
// touched here, so it needs no locking.
func (c *Client) transact(ctx context.Context, sid byte, frames []can.Frame) ([]byte, error) {
	if err := c.waitQuiet(ctx); err != nil {
		metrics.IncTransaction(metrics.OutcomeCancelled)
		return nil, err
	}

	aw := &await{resp: make(chan rxResult, respQueueSize)}
	if !c.register(aw) {
		return nil, ErrClientClosed
	}
	defer c.register(nil)

	job := txJob{frames: frames, done: make(chan error, 1)}
	select {
	case c.txCh <- job:
	case <-ctx.Done():
		metrics.IncTransaction(metrics.OutcomeCancelled)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}
	select {
	case err := <-job.done:
		if err != nil {
			metrics.IncTransaction(metrics.OutcomeTransport)
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	case <-ctx.Done():
		// The burst may still be mid-flight; let the bus settle.
		c.markQuiet()
		metrics.IncTransaction(metrics.OutcomeCancelled)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}

	timer := time.NewTimer(c.responseTimeout)
	defer timer.Stop()
	pending := 0
	for {
		select {
		case r := <-aw.resp:
			if r.err != nil {
				c.markQuiet()
				metrics.IncTransaction(metrics.OutcomeTransport)
				return nil, r.err
			}
			p := r.payload
			if len(p) > 0 && p[0] == negativeIndicator {
				if len(p) < 3 {
					c.markQuiet()
					metrics.IncTransaction(metrics.OutcomeUnexpected)
					return nil, fmt.Errorf("%w: truncated negative response % X", ErrUnexpectedResponse, p)
				}
				if p[1] != sid {
					c.markQuiet()
					metrics.IncTransaction(metrics.OutcomeUnexpected)
					return nil, fmt.Errorf("%w: negative response for sid 0x%02X, want 0x%02X", ErrUnexpectedResponse, p[1], sid)
				}
				nrc := p[2]
				if keepWaiting(nrc) {
					pending++
					c.totalPendingWaits.Add(1)
					metrics.IncPending()
					if pending > c.maxPending {
						c.markQuiet()
						metrics.IncTransaction(metrics.OutcomePendingExceeded)
						return nil, fmt.Errorf("%w: %d response pending extensions", ErrPendingExceeded, pending)
					}
					c.logger.Debug("response_pending", "sid", fmt.Sprintf("0x%02X", sid), "count", pending)
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(c.pendingTimeout)
					continue
				}
				metrics.IncNegative(fmt.Sprintf("0x%02X", nrc))
				metrics.IncTransaction(metrics.OutcomeNegative)
				return nil, &NegativeResponse{Service: sid, Code: nrc}
			}
			if len(p) > 0 && p[0] == sid+positiveOffset {
				metrics.IncTransaction(metrics.OutcomePositive)
				return p, nil
			}
			c.markQuiet()
			metrics.IncTransaction(metrics.OutcomeUnexpected)
			return nil, fmt.Errorf("%w: sid 0x%02X, want 0x%02X", ErrUnexpectedResponse, firstByte(p), sid+positiveOffset)
		case <-timer.C:
			c.markQuiet()
			metrics.IncTransaction(metrics.OutcomeTimeout)
			if pending > 0 {
				return nil, fmt.Errorf("%w: after %d response pending extensions", ErrNoResponse, pending)
			}
			return nil, ErrNoResponse
		case <-ctx.Done():
			c.markQuiet()
			metrics.IncTransaction(metrics.OutcomeCancelled)
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClientClosed
		}
	}
}

// sendOnly transmits a request for which no response will arrive,
// such as a tester present with the suppress bit set. Frames go out
// on id, which lets broadcasts use the functional address. It still
// takes the slot and honors the quiet period.
func (c *Client) sendOnly(ctx context.Context, request []byte, id uint32) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if len(request) == 0 {
		return fmt.Errorf("%w: empty request", ErrConfig)
	}
	frames, err := c.codec.Encode(request)
	if err != nil {
		return err
	}
	c.stampWith(frames, id)

	select {
	case c.slot <- struct{}{}:
	default:
		return ErrConcurrentRequest
	}
	defer func() { <-c.slot }()

	if err := c.waitQuiet(ctx); err != nil {
		return err
	}
	job := txJob{frames: frames, done: make(chan error, 1)}
	select {
	case c.txCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClientClosed
	}
	select {
	case err := <-job.done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		c.markQuiet()
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

func firstByte(p []byte) byte {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// register swaps the dispatch task's current transaction; nil clears
// it. Returns false when the client is shutting down.
func (c *Client) register(aw *await) bool {
	select {
	case c.awaitCh <- aw:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// waitQuiet delays transmission until any quiet period from an earlier
// aborted transaction has elapsed.
func (c *Client) waitQuiet(ctx context.Context) error {
	d := time.Until(c.quietUntil)
	if d <= 0 {
		return nil
	}
	c.logger.Debug("quiet_wait", "delay", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

func (c *Client) markQuiet() {
	if c.quietPeriod > 0 {
		c.quietUntil = time.Now().Add(c.quietPeriod)
	}
}

// stamp assigns the default outbound arbitration identifier to every
// frame and applies padding when configured.
func (c *Client) stamp(frames []can.Frame) {
	c.stampWith(frames, c.txID)
}

// stampWith is stamp with an explicit identifier. Identifiers above
// the 11-bit range get the extended-frame flag.
func (c *Client) stampWith(frames []can.Frame, id uint32) {
	if id > can.CAN_SFF_MASK {
		id |= can.CAN_EFF_FLAG
	}
	for i := range frames {
		frames[i].ID = id
	}
	if c.padding >= 0 {
		isotp.Pad(frames, byte(c.padding))
	}
}

// transmitLoop serializes all outbound frames through one task so that
// flow-control pacing never interleaves with another burst.
func (c *Client) transmitLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.txCh:
			err := c.sendBurst(job.frames)
			if job.done != nil {
				job.done <- err
			} else if err != nil {
				c.logger.Warn("flow_control_send_failed", "error", err)
			}
		}
	}
}

// sendBurst writes a single frame directly, or runs the first-frame /
// flow-control / consecutive-frame sequence for segmented requests.
func (c *Client) sendBurst(frames []can.Frame) error {
	if len(frames) > 1 {
		c.drainFlowControl()
	}
	if err := c.send(frames[0]); err != nil {
		return err
	}
	if len(frames) == 1 {
		return nil
	}
	bs, st, err := c.awaitFlowControl()
	if err != nil {
		return err
	}
	inBlock := 0
	remaining := frames[1:]
	for len(remaining) > 0 {
		if err := c.send(remaining[0]); err != nil {
			return err
		}
		remaining = remaining[1:]
		inBlock++
		if len(remaining) == 0 {
			break
		}
		if bs > 0 && inBlock == bs {
			bs, st, err = c.awaitFlowControl()
			if err != nil {
				return err
			}
			inBlock = 0
			continue
		}
		if st > 0 {
			if err := c.sleep(st); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainFlowControl discards flow control frames left over from an
// aborted burst so they cannot satisfy the next first-frame wait.
func (c *Client) drainFlowControl() {
	for {
		select {
		case <-c.fcCh:
		default:
			return
		}
	}
}

// awaitFlowControl blocks until the receiver clears us to send, with a
// bounded wait. Wait frames re-arm the timer up to maxFlowWaits times;
// overflow and timeout abort the burst.
func (c *Client) awaitFlowControl() (blockSize int, st time.Duration, err error) {
	waits := 0
	timer := time.NewTimer(c.fcTimeout)
	defer timer.Stop()
	for {
		select {
		case pci := <-c.fcCh:
			switch pci.Status {
			case isotp.FlowContinue:
				return int(pci.BlockSize), isotp.SeparationTime(pci.SeparationTime), nil
			case isotp.FlowWait:
				waits++
				if waits > c.maxFlowWaits {
					metrics.IncError(metrics.ErrFlowControl)
					return 0, 0, fmt.Errorf("flow control: %d wait frames", waits)
				}
				c.logger.Debug("flow_control_wait", "count", waits)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.fcTimeout)
			case isotp.FlowOverflow:
				metrics.IncError(metrics.ErrFlowControl)
				return 0, 0, errors.New("flow control: receiver overflow")
			}
		case <-timer.C:
			metrics.IncError(metrics.ErrFlowControl)
			return 0, 0, errors.New("flow control: timeout")
		case <-c.ctx.Done():
			return 0, 0, ErrClientClosed
		}
	}
}

func (c *Client) send(fr can.Frame) error {
	if err := c.tx.Send(fr); err != nil {
		metrics.IncError(metrics.ErrLinkWrite)
		return err
	}
	metrics.IncLinkTx()
	return nil
}

func (c *Client) sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

// readLoop pulls frames off the link and feeds the dispatch task.
// Transient read errors back off exponentially.
func (c *Client) readLoop() {
	defer c.wg.Done()
	backoff := rxBackoffMin
	for {
		if c.ctx.Err() != nil {
			return
		}
		fr, err := c.rx.Recv(pollInterval)
		if err != nil {
			if errors.Is(err, can.ErrTimeout) {
				continue
			}
			if c.ctx.Err() != nil || errors.Is(err, can.ErrClosed) {
				return
			}
			metrics.IncError(metrics.ErrLinkRead)
			c.logger.Warn("link_read_error", "error", err, "retry_in", backoff)
			if c.sleep(backoff) != nil {
				return
			}
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		metrics.IncLinkRx()
		select {
		case c.rxCh <- fr:
		default:
			c.logger.Warn("rx_queue_full", "can_id", fmt.Sprintf("0x%X", fr.Arbitration()))
		}
	}
}

// dispatchLoop routes received frames: taps see everything, flow
// control goes to the transmit task, and frames addressed to us are
// reassembled for the registered transaction. Frames arriving with no
// transaction registered are counted and dropped.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	var cur *await
	var frames []can.Frame
	var needCF int
	var nextSeq uint8

	reset := func() {
		frames = nil
		needCF = 0
		nextSeq = 0
	}
	deliver := func(r rxResult) {
		reset()
		if cur == nil {
			return
		}
		select {
		case cur.resp <- r:
		default:
			c.logger.Warn("response_dropped")
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case aw := <-c.awaitCh:
			cur = aw
			reset()
		case fr := <-c.rxCh:
			c.taps.publish(fr)
			if fr.Arbitration() != c.rxID {
				continue
			}
			pci, err := isotp.Parse(fr)
			if err != nil {
				if cur == nil {
					c.staleFrame(fr)
					continue
				}
				deliver(rxResult{err: err})
				continue
			}
			if pci.Type == isotp.FlowControlFrame {
				select {
				case c.fcCh <- pci:
				default:
					c.logger.Warn("flow_control_dropped", "status", pci.Status)
				}
				continue
			}
			if cur == nil {
				c.staleFrame(fr)
				continue
			}
			switch pci.Type {
			case isotp.SingleFrame:
				if frames != nil {
					c.logger.Warn("reassembly_interrupted", "by", "single_frame")
				}
				payload, derr := c.codec.Decode([]can.Frame{fr})
				deliver(rxResult{payload: payload, err: derr})
			case isotp.FirstFrame:
				if frames != nil {
					c.logger.Warn("reassembly_interrupted", "by", "first_frame")
				}
				frames = []can.Frame{fr}
				needCF = isotp.ConsecutiveCount(pci.Length)
				nextSeq = 1
				c.sendFlowControl()
			case isotp.ConsecutiveFrame:
				if frames == nil {
					_, derr := c.codec.Decode([]can.Frame{fr})
					deliver(rxResult{err: derr})
					continue
				}
				if pci.Sequence != nextSeq {
					_, derr := c.codec.Decode(append(frames, fr))
					deliver(rxResult{err: derr})
					continue
				}
				frames = append(frames, fr)
				nextSeq = (nextSeq + 1) & 0x0F
				if len(frames)-1 == needCF {
					payload, derr := c.codec.Decode(frames)
					deliver(rxResult{payload: payload, err: derr})
				}
			}
		}
	}
}

// sendFlowControl queues a clear-to-send reply after a first frame.
// Block size 0 and separation time 0: send everything, as fast as the
// bus allows.
func (c *Client) sendFlowControl() {
	fcs := []can.Frame{isotp.FlowControl(isotp.FlowContinue, 0, 0)}
	c.stamp(fcs)
	select {
	case c.txCh <- txJob{frames: fcs}:
	default:
		c.logger.Warn("flow_control_queue_full")
	}
}

func (c *Client) staleFrame(fr can.Frame) {
	c.totalStale.Add(1)
	metrics.IncStale()
	c.logger.Debug("stale_frame", "can_id", fmt.Sprintf("0x%X", fr.Arbitration()), "len", fr.Len)
}
