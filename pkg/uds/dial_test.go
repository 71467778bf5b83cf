package uds

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestDial_UnknownBackend(t *testing.T) {
	if _, err := Dial("canopen", "whatever", testLocalID, testRemoteID); !errors.Is(err, ErrConfig) {
		t.Fatalf("error %v, want ErrConfig", err)
	}
}

func TestDial_BridgeRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Dial("bridge", addr, testLocalID, testRemoteID); !errors.Is(err, ErrConfig) {
		t.Fatalf("error %v, want ErrConfig", err)
	}
}

// TestDial_BridgeRoundTrip runs one transaction against a scripted
// bridge server: hello exchange, single-frame request in, single-frame
// response out.
func TestDial_BridgeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		hello := []byte("CANNELLONIv1")
		if _, err := conn.Write(hello); err != nil {
			return
		}
		buf := make([]byte, len(hello))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		head := make([]byte, 5)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		data := make([]byte, head[4])
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}
		if binary.BigEndian.Uint32(head[:4]) != testLocalID ||
			len(data) != 3 || data[0] != 0x02 || data[1] != 0x3E {
			return
		}
		reply := make([]byte, 8)
		binary.BigEndian.PutUint32(reply[:4], testRemoteID)
		reply[4] = 3
		copy(reply[5:], []byte{0x02, 0x7E, 0x00})
		_, _ = conn.Write(reply)
	}()

	c, err := Dial("bridge", ln.Addr().String(), testLocalID, testRemoteID,
		WithResponseTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.TesterPresent(ctx); err != nil {
		t.Fatalf("TesterPresent over bridge: %v", err)
	}
}
