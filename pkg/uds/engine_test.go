package uds

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-uds-client/internal/metrics"
	"github.com/kstaniek/go-uds-client/pkg/can"
	"github.com/kstaniek/go-uds-client/pkg/isotp"
)

func TestExecute_SingleFrameRoundTrip(t *testing.T) {
	c, link := newTestClient(t)
	link.script(t, []byte{0x62, 0xF1, 0x90, 0x31, 0x32, 0x33})

	resp, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if want := []byte{0x62, 0xF1, 0x90, 0x31, 0x32, 0x33}; !bytes.Equal(resp, want) {
		t.Fatalf("response % X, want % X", resp, want)
	}

	sent := link.sentPayloads()
	if len(sent) != 1 || !bytes.Equal(sent[0], []byte{0x22, 0xF1, 0x90}) {
		t.Fatalf("request payloads %v", sent)
	}
	frames := link.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	fr := frames[0]
	if fr.Arbitration() != testLocalID {
		t.Fatalf("arbitration 0x%X, want 0x%X", fr.Arbitration(), testLocalID)
	}
	if fr.Len != 4 || !bytes.Equal(fr.Payload(), []byte{0x03, 0x22, 0xF1, 0x90}) {
		t.Fatalf("wire frame % X len %d", fr.Payload(), fr.Len)
	}
}

func TestExecute_TxPadding(t *testing.T) {
	c, link := newTestClient(t, WithTxPadding(0xAA))
	link.script(t, []byte{0x7E, 0x00})

	if err := c.TesterPresent(context.Background()); err != nil {
		t.Fatalf("TesterPresent: %v", err)
	}
	fr := link.sentFrames()[0]
	if fr.Len != can.MaxDataLen {
		t.Fatalf("padded frame len %d, want %d", fr.Len, can.MaxDataLen)
	}
	if want := []byte{0x02, 0x3E, 0x00, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}; !bytes.Equal(fr.Payload(), want) {
		t.Fatalf("padded frame % X, want % X", fr.Payload(), want)
	}
}

func TestExecute_NegativeResponse(t *testing.T) {
	c, link := newTestClient(t)
	link.script(t, []byte{0x7F, 0x22, 0x31})

	before := metrics.Snap()
	_, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	var neg *NegativeResponse
	if !errors.As(err, &neg) {
		t.Fatalf("error %v, want NegativeResponse", err)
	}
	if neg.Service != 0x22 || neg.Code != 0x31 {
		t.Fatalf("negative response %+v", neg)
	}
	if after := metrics.Snap(); after.Negative != before.Negative+1 {
		t.Fatalf("negative counter %d -> %d", before.Negative, after.Negative)
	}

	// The transaction is over: anything arriving now is stale, not a
	// second receive attempt.
	late, _ := isotp.Codec{}.Encode([]byte{0x62, 0xF1, 0x90, 0x00})
	late[0].ID = testRemoteID
	link.inject(late...)
	waitFor(t, time.Second, "stale counter", func() bool {
		return metrics.Snap().Stale > before.Stale
	})
}

func TestExecute_ResponsePendingThrice(t *testing.T) {
	c, link := newTestClient(t)
	link.script(t,
		[]byte{0x7F, 0x22, 0x78},
		[]byte{0x7F, 0x22, 0x78},
		[]byte{0x7F, 0x22, 0x78},
		[]byte{0x62, 0xF1, 0x90, 0x01},
	)

	before := metrics.Snap()
	resp, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0xF1, 0x90, 0x01}) {
		t.Fatalf("response % X", resp)
	}
	after := metrics.Snap()
	if got := after.Pending - before.Pending; got != 3 {
		t.Fatalf("pending waits %d, want exactly 3", got)
	}
}

func TestExecute_PendingExceeded(t *testing.T) {
	c, link := newTestClient(t, WithMaxPending(2))
	link.script(t,
		[]byte{0x7F, 0x22, 0x78},
		[]byte{0x7F, 0x22, 0x78},
		[]byte{0x7F, 0x22, 0x78},
		[]byte{0x7F, 0x22, 0x78},
	)

	_, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if !errors.Is(err, ErrPendingExceeded) {
		t.Fatalf("error %v, want ErrPendingExceeded", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	c, _ := newTestClient(t, WithResponseTimeout(60*time.Millisecond))

	start := time.Now()
	_, err := c.Raw(context.Background(), []byte{0x3E, 0x00})
	elapsed := time.Since(start)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("error %v, want ErrNoResponse", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout after %v", elapsed)
	}
}

func TestExecute_ConcurrentRejected(t *testing.T) {
	c, link := newTestClient(t, WithPendingWaitTimeout(2*time.Second))
	// Keep the first transaction parked in a pending wait.
	link.script(t, []byte{0x7F, 0x22, 0x78})

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
		firstDone <- err
	}()
	waitFor(t, time.Second, "first request on the wire", func() bool {
		return len(link.sentPayloads()) == 1
	})

	if _, err := c.Raw(context.Background(), []byte{0x3E, 0x00}); !errors.Is(err, ErrConcurrentRequest) {
		t.Fatalf("error %v, want ErrConcurrentRequest", err)
	}

	_ = c.Close()
	if err := <-firstDone; !errors.Is(err, ErrClientClosed) {
		t.Fatalf("first transaction error %v, want ErrClientClosed", err)
	}
}

func TestExecute_QuietPeriodAfterCancel(t *testing.T) {
	c, link := newTestClient(t, WithQuietPeriod(120*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && len(link.sentPayloads()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	if _, err := c.Raw(ctx, []byte{0x22, 0xF1, 0x90}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error %v, want context.Canceled", err)
	}

	link.script(t, []byte{0x7E, 0x00})
	start := time.Now()
	if err := c.TesterPresent(context.Background()); err != nil {
		t.Fatalf("TesterPresent after cancel: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("next transmission after %v, want the quiet period honored", elapsed)
	}
}

func TestExecute_TransportError(t *testing.T) {
	c, link := newTestClient(t)
	link.sendErr = errors.New("bus off")

	_, err := c.Raw(context.Background(), []byte{0x3E, 0x00})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error %v, want ErrTransport", err)
	}
}

func TestExecute_MultiFrameRequest(t *testing.T) {
	c, link := newTestClient(t)
	link.script(t, []byte{0x6E, 0x12, 0x34})

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := c.WriteDataByIdentifier(context.Background(), 0x1234, data); err != nil {
		t.Fatalf("WriteDataByIdentifier: %v", err)
	}

	sent := link.sentPayloads()
	want := append([]byte{0x2E, 0x12, 0x34}, data...)
	if len(sent) != 1 || !bytes.Equal(sent[0], want) {
		t.Fatalf("request % X, want % X", sent[0], want)
	}
	frames := link.sentFrames()
	// 13 payload bytes: first frame plus one consecutive frame.
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if frames[0].Data[0]>>4 != uint8(isotp.FirstFrame) || frames[1].Data[0] != 0x21 {
		t.Fatalf("frame sequence % X / % X", frames[0].Payload(), frames[1].Payload())
	}
}

func TestExecute_MultiFrameResponse(t *testing.T) {
	c, link := newTestClient(t)
	long := append([]byte{0x62, 0xF1, 0x90}, bytes.Repeat([]byte{0x55}, 20)...)
	link.script(t, long)

	resp, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if !bytes.Equal(resp, long) {
		t.Fatalf("response % X", resp)
	}

	// The client must have cleared the sender with a flow control.
	// The reply goes out on the transmit task asynchronously, so poll.
	waitFor(t, time.Second, "no flow control sent for segmented response", func() bool {
		for _, fr := range link.sentFrames() {
			if fr.Data[0]>>4 == uint8(isotp.FlowControlFrame) {
				if fr.Data[0]&0x0F != uint8(isotp.FlowContinue) {
					t.Fatalf("flow control status %X", fr.Data[0]&0x0F)
				}
				return true
			}
		}
		return false
	})
}

func TestExecute_FlowControlTimeout(t *testing.T) {
	c, link := newTestClient(t, WithFlowControlTimeout(60*time.Millisecond))
	link.fcMode = fcNone

	err := c.WriteDataByIdentifier(context.Background(), 0x1234, bytes.Repeat([]byte{0x00}, 16))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error %v, want ErrTransport", err)
	}
}

func TestExecute_FlowControlWaitThenGo(t *testing.T) {
	c, link := newTestClient(t)
	link.fcMode = fcWaitThenGo
	link.script(t, []byte{0x6E, 0x12, 0x34})

	if err := c.WriteDataByIdentifier(context.Background(), 0x1234, bytes.Repeat([]byte{0x11}, 16)); err != nil {
		t.Fatalf("WriteDataByIdentifier: %v", err)
	}
}

func TestExecute_FlowControlOverflow(t *testing.T) {
	c, link := newTestClient(t)
	link.fcMode = fcOverflow

	err := c.WriteDataByIdentifier(context.Background(), 0x1234, bytes.Repeat([]byte{0x00}, 16))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error %v, want ErrTransport", err)
	}
}

func TestExecute_MalformedSequenceGap(t *testing.T) {
	c, link := newTestClient(t)
	ff := can.Frame{ID: testRemoteID, Len: 8, Data: [can.MaxDataLen]byte{0x10, 0x0A, 0x62, 0xF1, 0x90, 1, 2, 3}}
	// Sequence jumps straight to 2.
	cf := can.Frame{ID: testRemoteID, Len: 8, Data: [can.MaxDataLen]byte{0x22, 4, 5, 6, 7, 8, 9, 10}}
	link.scriptFrames(ff, cf)

	_, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if !errors.Is(err, isotp.ErrMalformedFrame) {
		t.Fatalf("error %v, want ErrMalformedFrame", err)
	}
}

func TestExecute_UnexpectedServiceID(t *testing.T) {
	c, link := newTestClient(t)
	link.script(t, []byte{0x50, 0x01, 0x00, 0x32, 0x01, 0xF4})

	_, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("error %v, want ErrUnexpectedResponse", err)
	}
}

func TestExecute_NegativeForOtherService(t *testing.T) {
	c, link := newTestClient(t)
	link.script(t, []byte{0x7F, 0x10, 0x31})

	_, err := c.Raw(context.Background(), []byte{0x22, 0xF1, 0x90})
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("error %v, want ErrUnexpectedResponse", err)
	}
}

func TestExecute_PayloadTooLarge(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Raw(context.Background(), bytes.Repeat([]byte{0x36}, isotp.MaxPayload+1))
	if !errors.Is(err, isotp.ErrPayloadTooLarge) {
		t.Fatalf("error %v, want ErrPayloadTooLarge", err)
	}
}

func TestExecute_AfterClose(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Raw(context.Background(), []byte{0x3E, 0x00}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("error %v, want ErrClientClosed", err)
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestExecute_EmptyRequest(t *testing.T) {
	c, _ := newTestClient(t)
	if _, err := c.Raw(context.Background(), nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("error %v, want ErrConfig", err)
	}
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name   string
		link   can.Link
		local  uint32
		remote uint32
		opts   []Option
	}{
		{"nil link", nil, 0x7E0, 0x7E8, nil},
		{"equal ids", newMockLink(), 0x7E0, 0x7E0, nil},
		{"id out of range", newMockLink(), can.CAN_EFF_MASK + 1, 0x7E8, nil},
		{"functional id out of range", newMockLink(), 0x7E0, 0x7E8, []Option{WithFunctionalAddress(can.CAN_EFF_MASK + 1)}},
		{"functional id equals remote", newMockLink(), 0x7E0, 0x7E8, []Option{WithFunctionalAddress(0x7E8)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.link, tc.local, tc.remote, tc.opts...); !errors.Is(err, ErrConfig) {
				t.Fatalf("error %v, want ErrConfig", err)
			}
		})
	}
}

func TestTap_SeesTraffic(t *testing.T) {
	c, link := newTestClient(t)
	stream, cancel := c.Tap(16)
	defer cancel()

	link.script(t, []byte{0x7E, 0x00})
	if err := c.TesterPresent(context.Background()); err != nil {
		t.Fatalf("TesterPresent: %v", err)
	}

	select {
	case fr := <-stream:
		if fr.Arbitration() != testRemoteID {
			t.Fatalf("tapped frame from 0x%X", fr.Arbitration())
		}
	case <-time.After(time.Second):
		t.Fatal("no tapped frame")
	}
}

func TestTap_ClosedOnClientClose(t *testing.T) {
	c, _ := newTestClient(t)
	stream, _ := c.Tap(1)
	_ = c.Close()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("frame after close")
		}
	case <-time.After(time.Second):
		t.Fatal("tap not closed")
	}
}

// Regression: cancelling a subscription while the dispatch side is
// publishing must never send on a closed channel.
func TestTap_ChurnDuringPublish(t *testing.T) {
	var reg tapRegistry
	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				s := &tapSub{out: make(chan can.Frame, 1)}
				reg.add(s)
				reg.remove(s)
			}
		}()
	}
	fr := can.Frame{ID: testRemoteID, Len: 2}
	for i := 0; i < 10000; i++ {
		reg.publish(fr)
	}
	close(done)
	wg.Wait()
	reg.closeAll()
}

func TestTesterPresentSuppressed(t *testing.T) {
	c, link := newTestClient(t)

	if err := c.TesterPresentSuppressed(context.Background()); err != nil {
		t.Fatalf("TesterPresentSuppressed: %v", err)
	}
	sent := link.sentPayloads()
	if len(sent) != 1 || !bytes.Equal(sent[0], []byte{0x3E, 0x80}) {
		t.Fatalf("request payloads %v", sent)
	}
}

func TestTesterPresentBroadcast(t *testing.T) {
	c, link := newTestClient(t, WithFunctionalAddress(0x7DF))

	if err := c.TesterPresentBroadcast(context.Background()); err != nil {
		t.Fatalf("TesterPresentBroadcast: %v", err)
	}
	frames := link.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	fr := frames[0]
	if fr.Arbitration() != 0x7DF {
		t.Fatalf("arbitration 0x%X, want 0x7DF", fr.Arbitration())
	}
	if fr.Len != 3 || !bytes.Equal(fr.Payload(), []byte{0x02, 0x3E, 0x80}) {
		t.Fatalf("wire frame % X len %d", fr.Payload(), fr.Len)
	}
}

func TestTesterPresentBroadcast_NoAddress(t *testing.T) {
	c, _ := newTestClient(t)

	if err := c.TesterPresentBroadcast(context.Background()); !errors.Is(err, ErrConfig) {
		t.Fatalf("error %v, want ErrConfig", err)
	}
}
