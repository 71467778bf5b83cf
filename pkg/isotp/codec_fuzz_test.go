package isotp

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-uds-client/pkg/can"
)

// FuzzCodecRoundTrip ensures arbitrary payloads survive encode/decode.
func FuzzCodecRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x3E, 0x00})
	f.Add([]byte{0x22, 0xF1, 0x90})
	f.Add(bytes.Repeat([]byte{0xA5}, 64))
	c := Codec{}
	f.Fuzz(func(t *testing.T, payload []byte) {
		frames, err := c.Encode(payload)
		if err != nil {
			if len(payload) <= MaxPayload {
				t.Fatalf("encode rejected %d bytes: %v", len(payload), err)
			}
			return
		}
		out, err := c.Decode(frames)
		if err != nil {
			t.Fatalf("decode of own encoding failed: %v", err)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("round trip mismatch for %d bytes", len(payload))
		}
	})
}

// FuzzParse ensures PCI classification never panics on random frames.
func FuzzParse(f *testing.F) {
	f.Add([]byte{0x02, 0x3E, 0x00})
	f.Add([]byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6})
	f.Add([]byte{0x21, 7, 8, 9})
	f.Add([]byte{0x30, 0x00, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		var fr can.Frame
		if len(data) > can.MaxDataLen {
			data = data[:can.MaxDataLen]
		}
		fr.Len = uint8(len(data))
		copy(fr.Data[:], data)
		_, _ = Parse(fr)
	})
}
