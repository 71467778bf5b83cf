package uds

import (
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/isotp"
)

const (
	testLocalID  = 0x7E0
	testRemoteID = 0x7E8
)

// Flow control behavior of the scripted peer.
const (
	fcAuto = iota
	fcNone
	fcWaitThenGo
	fcOverflow
)

var _ can.Link = (*mockLink)(nil)

// mockLink plays the ECU side in memory: it reassembles everything the
// client transmits and, per completed request, enqueues the next
// scripted batch of response frames for Recv to deliver.
type mockLink struct {
	mu      sync.Mutex
	codec   isotp.Codec
	sent    [][]byte      // completed request payloads
	rawSent []can.Frame   // every frame the client transmitted
	scripts [][]can.Frame // response batches, one per request
	queue   []can.Frame
	wake    chan struct{}
	closed  bool
	sendErr error
	fcMode  int
	asm     []can.Frame
	needCF  int
}

func newMockLink() *mockLink {
	return &mockLink{wake: make(chan struct{}, 1)}
}

// script queues one response batch built from whole payloads. All
// frames of the batch become available as soon as the next request
// completes, which is how pending-then-positive sequences are staged.
func (m *mockLink) script(t *testing.T, payloads ...[]byte) {
	t.Helper()
	var batch []can.Frame
	for _, p := range payloads {
		frames, err := m.codec.Encode(p)
		if err != nil {
			t.Fatalf("script encode: %v", err)
		}
		for i := range frames {
			frames[i].ID = testRemoteID
		}
		batch = append(batch, frames...)
	}
	m.mu.Lock()
	m.scripts = append(m.scripts, batch)
	m.mu.Unlock()
}

// scriptFrames queues one response batch of raw frames, for shapes the
// codec refuses to produce.
func (m *mockLink) scriptFrames(frames ...can.Frame) {
	m.mu.Lock()
	m.scripts = append(m.scripts, frames)
	m.mu.Unlock()
}

// inject makes frames available to Recv immediately, outside any
// request/response pairing.
func (m *mockLink) inject(frames ...can.Frame) {
	m.mu.Lock()
	m.queue = append(m.queue, frames...)
	m.mu.Unlock()
	m.signal()
}

func (m *mockLink) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mockLink) sentPayloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockLink) sentFrames() []can.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]can.Frame, len(m.rawSent))
	copy(out, m.rawSent)
	return out
}

func (m *mockLink) Send(f can.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return can.ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.rawSent = append(m.rawSent, f)
	pci, err := isotp.Parse(f)
	if err != nil {
		return nil
	}
	switch pci.Type {
	case isotp.FlowControlFrame:
		// The client clearing us to send; nothing to do.
	case isotp.SingleFrame:
		if p, err := m.codec.Decode([]can.Frame{f}); err == nil {
			m.completeLocked(p)
		}
	case isotp.FirstFrame:
		m.asm = []can.Frame{f}
		m.needCF = isotp.ConsecutiveCount(pci.Length)
		switch m.fcMode {
		case fcAuto:
			m.pushFlowControl(isotp.FlowContinue)
		case fcWaitThenGo:
			m.pushFlowControl(isotp.FlowWait)
			m.pushFlowControl(isotp.FlowContinue)
		case fcOverflow:
			m.pushFlowControl(isotp.FlowOverflow)
		}
	case isotp.ConsecutiveFrame:
		if m.asm == nil {
			return nil
		}
		m.asm = append(m.asm, f)
		if len(m.asm)-1 == m.needCF {
			p, err := m.codec.Decode(m.asm)
			m.asm = nil
			if err == nil {
				m.completeLocked(p)
			}
		}
	}
	return nil
}

func (m *mockLink) pushFlowControl(status isotp.FlowStatus) {
	fc := isotp.FlowControl(status, 0, 0)
	fc.ID = testRemoteID
	m.queue = append(m.queue, fc)
	m.signal()
}

func (m *mockLink) completeLocked(payload []byte) {
	m.sent = append(m.sent, payload)
	if len(m.scripts) == 0 {
		return
	}
	batch := m.scripts[0]
	m.scripts = m.scripts[1:]
	m.queue = append(m.queue, batch...)
	m.signal()
}

func (m *mockLink) Recv(timeout time.Duration) (can.Frame, error) {
	if timeout <= 0 {
		timeout = time.Hour
	}
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return can.Frame{}, can.ErrClosed
		}
		if len(m.queue) > 0 {
			f := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return f, nil
		}
		m.mu.Unlock()
		wait := time.Until(deadline)
		if wait <= 0 {
			return can.Frame{}, can.ErrTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
			return can.Frame{}, can.ErrTimeout
		}
	}
}

func (m *mockLink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
	return nil
}

// newTestClient wires a client to a fresh mock peer with snappy
// timeouts so failure paths stay fast.
func newTestClient(t *testing.T, opts ...Option) (*Client, *mockLink) {
	t.Helper()
	link := newMockLink()
	base := []Option{
		WithResponseTimeout(300 * time.Millisecond),
		WithPendingWaitTimeout(300 * time.Millisecond),
		WithFlowControlTimeout(150 * time.Millisecond),
	}
	c, err := New(link, testLocalID, testRemoteID, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, link
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: not reached within %v", what, d)
}
