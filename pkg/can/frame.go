// Package can defines the frame type and link contract shared by every
// CAN backend in this module. Backends map Frame to and from their wires.
package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload capacity.
const MaxDataLen = 8

// Frame is a classic CAN frame. ID may carry the EFF/RTR/ERR flags in its
// upper bits like SocketCAN; Len is the payload length (0..8) and only the
// first Len bytes of Data are valid.
type Frame struct {
	ID   uint32
	Len  uint8
	Data [MaxDataLen]byte
}

// NewFrame builds a frame from an arbitration id and payload, truncating
// the payload to MaxDataLen.
func NewFrame(id uint32, data []byte) Frame {
	var f Frame
	f.ID = id
	if len(data) > MaxDataLen {
		data = data[:MaxDataLen]
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

// Arbitration strips the flag bits, leaving the bus identifier.
func (f Frame) Arbitration() uint32 {
	if f.ID&CAN_EFF_FLAG != 0 {
		return f.ID & CAN_EFF_MASK
	}
	return f.ID & CAN_SFF_MASK
}

// Payload returns the valid portion of Data.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }
