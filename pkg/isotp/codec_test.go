package isotp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

func mkPayload(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	for _, n := range []int{0, 1, 3, 7, 8, 12, 13, 14, 62, 63, 100, 4095} {
		payload := mkPayload(n)
		frames, err := codec.Encode(payload)
		if err != nil {
			t.Fatalf("len %d: encode: %v", n, err)
		}
		wantFrames := 1
		if n > 7 {
			wantFrames = 1 + ConsecutiveCount(n)
		}
		if len(frames) != wantFrames {
			t.Fatalf("len %d: got %d frames, want %d", n, len(frames), wantFrames)
		}
		out, err := codec.Decode(frames)
		if err != nil {
			t.Fatalf("len %d: decode: %v", n, err)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("len %d: round trip mismatch", n)
		}
	}
}

func TestCodec_RoundTripPadded(t *testing.T) {
	codec := Codec{}
	for _, n := range []int{1, 5, 10, 20} {
		payload := mkPayload(n)
		frames, err := codec.Encode(payload)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		Pad(frames, 0xAA)
		for i, f := range frames {
			if f.Len != can.MaxDataLen {
				t.Fatalf("frame %d not padded: len %d", i, f.Len)
			}
		}
		out, err := codec.Decode(frames)
		if err != nil {
			t.Fatalf("len %d: decode padded: %v", n, err)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("len %d: padded round trip mismatch", n)
		}
	}
}

func TestCodec_EncodeDeterministic(t *testing.T) {
	codec := Codec{}
	payload := mkPayload(40)
	a, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("frame count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("frame %d differs", i)
		}
	}
}

func TestCodec_EncodeWire(t *testing.T) {
	codec := Codec{}

	// Single frame: [0x22 0xF1 0x90] -> PCI 0x03 + payload.
	frames, err := codec.Encode([]byte{0x22, 0xF1, 0x90})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	want := []byte{0x03, 0x22, 0xF1, 0x90}
	if !bytes.Equal(frames[0].Payload(), want) {
		t.Fatalf("single frame wire = % X, want % X", frames[0].Payload(), want)
	}

	// 10-byte payload: FF declares 10, carries 6; one CF with seq 1 carries 4.
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	frames, err = codec.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if got := frames[0].Payload(); !bytes.Equal(got, []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6}) {
		t.Fatalf("first frame wire = % X", got)
	}
	if got := frames[1].Payload(); !bytes.Equal(got, []byte{0x21, 7, 8, 9, 10}) {
		t.Fatalf("consecutive frame wire = % X", got)
	}
}

func TestCodec_EncodeTooLarge(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Encode(mkPayload(MaxPayload + 1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestCodec_DecodeMalformed(t *testing.T) {
	codec := Codec{}
	good, err := codec.Encode(mkPayload(30)) // FF + 4 CFs
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := []struct {
		name   string
		frames func() []can.Frame
	}{
		{"empty sequence", func() []can.Frame { return nil }},
		{"skipped sequence index", func() []can.Frame {
			fr := append([]can.Frame(nil), good...)
			fr[2], fr[3] = fr[3], fr[2] // 1,3,2,4
			return fr
		}},
		{"continuation without first frame", func() []can.Frame {
			return good[1:]
		}},
		{"missing final frame", func() []can.Frame {
			return good[:len(good)-1]
		}},
		{"trailing frame beyond declared length", func() []can.Frame {
			fr := append([]can.Frame(nil), good...)
			extra := fr[len(fr)-1]
			extra.Data[0] = byte(ConsecutiveFrame)<<4 | ((extra.Data[0] + 1) & 0x0F)
			return append(fr, extra)
		}},
		{"trailing frame after single frame", func() []can.Frame {
			sf, _ := codec.Encode([]byte{0x3E, 0x00})
			return append(sf, sf[0])
		}},
		{"truncated consecutive frame", func() []can.Frame {
			fr := append([]can.Frame(nil), good...)
			fr[1].Len = 3 // mid-sequence CF shortened
			return fr
		}},
		{"truncated first frame", func() []can.Frame {
			fr := append([]can.Frame(nil), good...)
			fr[0].Len = 4 // FF must carry its full six data bytes
			return fr
		}},
		{"declared length fits single frame", func() []can.Frame {
			var ff can.Frame
			ff.Data = [8]byte{0x10, 0x05, 1, 2, 3, 4, 5, 6}
			ff.Len = 8
			return []can.Frame{ff}
		}},
	}
	for _, tc := range cases {
		if _, err := codec.Decode(tc.frames()); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", tc.name, err)
		}
	}
}

func TestParse_FlowControl(t *testing.T) {
	fc := FlowControl(FlowContinue, 4, 0x14)
	pci, err := Parse(fc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pci.Type != FlowControlFrame || pci.Status != FlowContinue {
		t.Fatalf("unexpected pci %+v", pci)
	}
	if pci.BlockSize != 4 || pci.SeparationTime != 0x14 {
		t.Fatalf("fc fields bs=%d st=%#x", pci.BlockSize, pci.SeparationTime)
	}

	bad := fc
	bad.Data[0] = byte(FlowControlFrame)<<4 | 0x07 // reserved status
	if _, err := Parse(bad); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for reserved status, got %v", err)
	}
}

func TestSeparationTime(t *testing.T) {
	cases := []struct {
		raw  byte
		want time.Duration
	}{
		{0x00, 0},
		{0x05, 5 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x90, 10 * time.Millisecond}, // reserved
		{0xFA, 10 * time.Millisecond}, // reserved
	}
	for _, tc := range cases {
		if got := SeparationTime(tc.raw); got != tc.want {
			t.Fatalf("stmin %#x: got %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestConsecutiveCount(t *testing.T) {
	cases := []struct{ total, want int }{
		{8, 1}, {13, 1}, {14, 2}, {20, 2}, {21, 3}, {4095, 585},
	}
	for _, tc := range cases {
		if got := ConsecutiveCount(tc.total); got != tc.want {
			t.Fatalf("total %d: got %d consecutive frames, want %d", tc.total, got, tc.want)
		}
	}
}

func TestCodec_SequenceWrap(t *testing.T) {
	codec := Codec{}
	payload := mkPayload(6 + 7*17) // CF sequence passes 15 and wraps to 0
	frames, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p15, err := Parse(frames[15])
	if err != nil {
		t.Fatalf("parse frame 15: %v", err)
	}
	p16, err := Parse(frames[16])
	if err != nil {
		t.Fatalf("parse frame 16: %v", err)
	}
	if p15.Sequence != 15 || p16.Sequence != 0 {
		t.Fatalf("sequence around wrap: %d then %d", p15.Sequence, p16.Sequence)
	}
	out, err := codec.Decode(frames)
	if err != nil {
		t.Fatalf("decode across wrap: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch across wrap")
	}
}

func BenchmarkCodec_Encode(b *testing.B) {
	codec := Codec{}
	payload := mkPayload(512)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(payload)
	}
}

func BenchmarkCodec_Decode(b *testing.B) {
	codec := Codec{}
	frames, _ := codec.Encode(mkPayload(512))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Decode(frames)
	}
}
