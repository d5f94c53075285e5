// Package socketcan backs the bus driver with a Linux raw CAN socket, so the
// acquisition core can run against vcan or a USB adapter.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
)

// frameSize is sizeof(struct can_frame), the classic CAN MTU.
const frameSize = 16

var (
	ErrUnsupported = errors.New("socketcan: only available on linux")
	errSilentTx    = errors.New("socketcan: transmit in silent mode")
	errFifo1       = errors.New("socketcan: only FIFO0 is backed by the socket")
)

// struct can_frame:
//
//	can_id  u32 [0:4] host order, carries EFF/RTR/ERR flags
//	len     u8  [4]
//	pad     3B  [5:8]
//	data    8B  [8:16]
//
// Host order is little-endian on every target this runs on.
func encodeFrame(f can.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], f.RawID())
	buf[4] = f.Len
	if f.Kind == can.KindData {
		copy(buf[8:], f.Payload())
	}
	return buf
}

func decodeFrame(buf []byte) (can.Frame, error) {
	if len(buf) != frameSize {
		return can.Frame{}, fmt.Errorf("socketcan: short frame (%d bytes)", len(buf))
	}
	raw := binary.LittleEndian.Uint32(buf[0:4])
	if raw&can.CAN_ERR_FLAG != 0 {
		return can.Frame{}, fmt.Errorf("socketcan: error frame 0x%08X", raw)
	}
	return can.FromRaw(raw, buf[4], buf[8:]), nil
}

// freeMailboxes maps the socket send-queue occupancy onto the mailbox model:
// an empty queue means every mailbox has drained.
func freeMailboxes(outq int) int {
	if outq <= 0 {
		return bxcan.Mailboxes
	}
	return bxcan.Mailboxes - 1
}
