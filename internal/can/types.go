package can

import "errors"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxPayload is the classic CAN data field limit.
const MaxPayload = 8

var (
	ErrPayloadTooLong = errors.New("can: payload longer than 8 bytes")
	ErrInvalidID      = errors.New("can: identifier out of range")
)

// FrameKind distinguishes data frames from remote (RTR) requests.
type FrameKind uint8

const (
	KindData FrameKind = iota
	KindRemote
)

// IDKind selects 11-bit standard or 29-bit extended addressing.
type IDKind uint8

const (
	IDStandard IDKind = iota
	IDExtended
)

// Frame is one classic CAN frame as seen by the driver.
// Only the first Len bytes of Data are valid.
type Frame struct {
	ID     uint32
	Len    uint8
	Data   [MaxPayload]byte
	Kind   FrameKind
	IDKind IDKind
}

// NewDataFrame builds a standard-ID data frame.
func NewDataFrame(id uint32, payload []byte) (Frame, error) {
	var f Frame
	if id > CAN_SFF_MASK {
		return f, ErrInvalidID
	}
	if len(payload) > MaxPayload {
		return f, ErrPayloadTooLong
	}
	f.ID = id
	f.Len = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the valid data bytes (aliases f.Data).
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

// Matches reports whether f is a standard data frame with identifier id.
func (f Frame) Matches(id uint32) bool {
	return f.ID == id && f.IDKind == IDStandard && f.Kind == KindData
}

// RawID packs identifier and flags into a SocketCAN can_id.
func (f Frame) RawID() uint32 {
	var raw uint32
	if f.IDKind == IDExtended {
		raw = (f.ID & CAN_EFF_MASK) | CAN_EFF_FLAG
	} else {
		raw = f.ID & CAN_SFF_MASK
	}
	if f.Kind == KindRemote {
		raw |= CAN_RTR_FLAG
	}
	return raw
}

// FromRaw decodes a SocketCAN can_id plus payload. Lengths above 8 are clamped.
func FromRaw(raw uint32, n uint8, data []byte) Frame {
	var f Frame
	if raw&CAN_EFF_FLAG != 0 {
		f.IDKind = IDExtended
		f.ID = raw & CAN_EFF_MASK
	} else {
		f.ID = raw & CAN_SFF_MASK
	}
	if raw&CAN_RTR_FLAG != 0 {
		f.Kind = KindRemote
	}
	if n > MaxPayload {
		n = MaxPayload
	}
	f.Len = n
	if f.Kind == KindData {
		copy(f.Data[:n], data)
	}
	return f
}
