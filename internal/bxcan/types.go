package bxcan

import (
	"fmt"

	"github.com/kstaniek/go-dcbus/internal/can"
)

// Mode selects the peripheral operating mode.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeLoopback
	ModeSilent
	ModeSilentLoopback
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLoopback:
		return "loopback"
	case ModeSilent:
		return "silent"
	case ModeSilentLoopback:
		return "silent_loopback"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts the String forms.
func ParseMode(s string) (Mode, error) {
	for m := ModeNormal; m <= ModeSilentLoopback; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown bus mode %q", s)
}

// Loopback reports whether transmitted frames are looped back to reception.
func (m Mode) Loopback() bool { return m == ModeLoopback || m == ModeSilentLoopback }

// Timing holds the bit-timing quanta. Values are in time quanta, not
// register encodings.
type Timing struct {
	SJW       uint8
	BS1       uint8
	BS2       uint8
	Prescaler uint16
}

func (t Timing) Validate() error {
	switch {
	case t.SJW < 1 || t.SJW > 4:
		return fmt.Errorf("sjw %d out of range 1..4", t.SJW)
	case t.BS1 < 1 || t.BS1 > 16:
		return fmt.Errorf("bs1 %d out of range 1..16", t.BS1)
	case t.BS2 < 1 || t.BS2 > 8:
		return fmt.Errorf("bs2 %d out of range 1..8", t.BS2)
	case t.Prescaler < 1 || t.Prescaler > 1024:
		return fmt.Errorf("prescaler %d out of range 1..1024", t.Prescaler)
	}
	return nil
}

// Bitrate is pclk / (prescaler * (1 + bs1 + bs2)).
func (t Timing) Bitrate(pclkHz uint32) uint32 {
	q := uint32(t.Prescaler) * (1 + uint32(t.BS1) + uint32(t.BS2))
	if q == 0 {
		return 0
	}
	return pclkHz / q
}

// Config is the full peripheral initialization block.
type Config struct {
	Timing
	Mode Mode

	TimeTriggered  bool
	AutoBusOff     bool
	AutoWakeUp     bool
	AutoRetransmit bool
	RxFifoLocked   bool
	TxFifoPriority bool
}

// RxQueue names one of the two reception FIFOs.
type RxQueue uint8

const (
	FIFO0 RxQueue = iota
	FIFO1
)

// Filter is one acceptance filter bank in 32-bit identifier/mask mode.
// ID and Mask are compared against the frame's SocketCAN-style raw id.
type Filter struct {
	ID    uint32
	Mask  uint32
	Queue RxQueue
	Bank  uint8
}

// PassThrough accepts every identifier into FIFO0 through bank 0.
var PassThrough = Filter{Queue: FIFO0}

// Accepts applies the mask test. An all-zero mask passes everything.
func (f Filter) Accepts(fr can.Frame) bool {
	return fr.RawID()&f.Mask == f.ID&f.Mask
}

// State mirrors the peripheral's hardware state for display purposes.
type State uint8

const (
	StateReset State = iota
	StateReady
	StateListening
	StateSleepPending
	StateSleepActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateSleepPending:
		return "sleep_pending"
	case StateSleepActive:
		return "sleep_active"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}
