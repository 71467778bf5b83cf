package uds

import (
	"sync"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
)

// tapSub is one frame tap subscription. out is never closed while the
// subscription is live; cancel closes it exactly once.
type tapSub struct {
	out       chan can.Frame
	closeOnce sync.Once
}

func (s *tapSub) close() {
	s.closeOnce.Do(func() { close(s.out) })
}

// tapRegistry fans received frames out to passive observers. Slow
// subscribers lose frames rather than stall the dispatch task.
// Channels are only closed while mu is held, and publish sends while
// holding mu, so a cancel racing live traffic can never close a
// channel mid-send.
type tapRegistry struct {
	mu   sync.Mutex
	subs map[*tapSub]struct{}
}

func (t *tapRegistry) add(s *tapSub) {
	t.mu.Lock()
	if t.subs == nil {
		t.subs = make(map[*tapSub]struct{})
	}
	t.subs[s] = struct{}{}
	n := len(t.subs)
	t.mu.Unlock()
	metrics.SetTapSubscribers(n)
}

func (t *tapRegistry) remove(s *tapSub) {
	t.mu.Lock()
	_, existed := t.subs[s]
	if existed {
		delete(t.subs, s)
		s.close()
	}
	n := len(t.subs)
	t.mu.Unlock()
	if existed {
		metrics.SetTapSubscribers(n)
	}
}

func (t *tapRegistry) publish(fr can.Frame) {
	t.mu.Lock()
	for s := range t.subs {
		select {
		case s.out <- fr:
		default:
			metrics.IncTapDrop()
		}
	}
	t.mu.Unlock()
}

func (t *tapRegistry) closeAll() {
	t.mu.Lock()
	for s := range t.subs {
		s.close()
	}
	t.subs = nil
	t.mu.Unlock()
	metrics.SetTapSubscribers(0)
}

// Tap returns a read-only stream of every frame the client receives,
// including traffic for other identifiers. The channel holds buf
// frames; when the subscriber lags, frames are dropped, not queued.
// The returned cancel function releases the subscription and closes
// the channel. The channel is also closed on client Close.
func (c *Client) Tap(buf int) (<-chan can.Frame, func()) {
	if buf <= 0 {
		buf = rxQueueSize
	}
	s := &tapSub{out: make(chan can.Frame, buf)}
	c.taps.add(s)
	return s.out, func() { c.taps.remove(s) }
}
