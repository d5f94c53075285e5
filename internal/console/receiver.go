// Package console reconstructs CR LF terminated command lines from a byte
// stream fed one byte per receive interrupt, and dispatches them to a small
// maintenance shell.
package console

import (
	"fmt"
	"sync/atomic"

	"github.com/kstaniek/go-dcbus/internal/metrics"
)

// Capacity is the line buffer size in bytes. A line may fill all Capacity
// bytes, so Status.Count ranges over 0..Capacity rather than 0..Capacity-1;
// the byte after a full buffer resets the count to 0.
const Capacity = 200

// Status is the packed reception status word.
//
//	bit 15     line complete
//	bit 14     CR seen
//	bits 0..13 byte count
type Status uint16

const (
	StatusComplete Status = 1 << 15
	StatusSawCR    Status = 1 << 14
	countMask      Status = 0x3FFF
)

func (s Status) Complete() bool { return s&StatusComplete != 0 }
func (s Status) SawCR() bool    { return s&StatusSawCR != 0 }
func (s Status) Count() int     { return int(s & countMask) }

func (s Status) String() string {
	return fmt.Sprintf("%s(%d)", s.State(), s.Count())
}

// State is the decoded state of the receiver.
type State uint8

const (
	StateAccumulating State = iota
	StateSawCR
	StateComplete
)

func (st State) String() string {
	switch st {
	case StateAccumulating:
		return "accumulating"
	case StateSawCR:
		return "saw_cr"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", uint8(st))
	}
}

func (s Status) State() State {
	switch {
	case s.Complete():
		return StateComplete
	case s.SawCR():
		return StateSawCR
	default:
		return StateAccumulating
	}
}

// LineReceiver is written by exactly one interrupt context (OnReceiveByte)
// and read by one foreground consumer. The buffer is frozen while the status
// word reports a complete line.
type LineReceiver struct {
	status atomic.Uint32
	buf    [Capacity]byte
}

func NewLineReceiver() *LineReceiver { return &LineReceiver{} }

// OnReceiveByte advances the state machine by one byte. Each call publishes
// at most one status word. It must not be called concurrently with itself.
func (r *LineReceiver) OnReceiveByte(b byte) {
	st := Status(r.status.Load())
	switch {
	case st.Complete():
		metrics.IncConsoleDropped()
	case st.SawCR():
		if b == '\n' {
			r.status.Store(uint32(st | StatusComplete))
			metrics.IncConsoleLine()
			return
		}
		r.status.Store(0)
		metrics.IncConsoleFraming()
	case b == '\r':
		r.status.Store(uint32(st | StatusSawCR))
	default:
		n := st.Count()
		if n >= Capacity {
			r.status.Store(0)
			metrics.IncConsoleOverflow()
			return
		}
		r.buf[n] = b
		r.status.Store(uint32(n + 1))
	}
}

func (r *LineReceiver) Status() Status { return Status(r.status.Load()) }

func (r *LineReceiver) State() State { return r.Status().State() }

// Line returns a copy of the completed line, without its terminator.
func (r *LineReceiver) Line() ([]byte, bool) {
	st := r.Status()
	if !st.Complete() {
		return nil, false
	}
	out := make([]byte, st.Count())
	copy(out, r.buf[:st.Count()])
	return out, true
}

// Clear releases a completed line and re-opens the receiver.
func (r *LineReceiver) Clear() { r.status.Store(0) }
