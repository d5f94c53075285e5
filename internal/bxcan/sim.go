package bxcan

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-dcbus/internal/can"
)

// FifoDepth is the number of frames each reception FIFO holds.
const FifoDepth = 3

var errNoMailbox = errors.New("no free transmit mailbox")

// SimPeripheral emulates the peripheral in-process. Each TxMailboxesFreeLevel
// query is one arbitration round in which the lowest pending identifier wins
// the bus. Connected peers receive each other's frames through their own
// acceptance filter.
type SimPeripheral struct {
	mu sync.Mutex

	cfg     Config
	filter  Filter
	state   State
	started bool

	pending [Mailboxes]*can.Frame
	stall   int // arbitration rounds still lost; <0 forever
	record  bool
	sent    []can.Frame

	rx    [2][]can.Frame
	irq   [2]bool
	onIRQ func(RxQueue)
	peers []*SimPeripheral

	overruns int

	// Injected failures for the matching phase.
	InitErr   error
	FilterErr error
	StartErr  error
}

func NewSim() *SimPeripheral { return &SimPeripheral{} }

// Connect joins two simulated nodes on one bus.
func Connect(a, b *SimPeripheral) {
	a.mu.Lock()
	a.peers = append(a.peers, b)
	a.mu.Unlock()
	b.mu.Lock()
	b.peers = append(b.peers, a)
	b.mu.Unlock()
}

// Stall makes the next n arbitration rounds fail; n < 0 stalls forever and
// n == 0 clears the stall.
func (s *SimPeripheral) Stall(n int) {
	s.mu.Lock()
	s.stall = n
	s.mu.Unlock()
}

// RecordSent turns the arbitration history returned by Sent on or off.
// Recording is off by default; turning it off discards the history.
func (s *SimPeripheral) RecordSent(on bool) {
	s.mu.Lock()
	s.record = on
	if !on {
		s.sent = nil
	}
	s.mu.Unlock()
}

// OnInterrupt registers fn to run when a frame lands in a FIFO whose
// reception interrupt is enabled. fn runs on its own goroutine after the
// delivering HAL call has returned, so it may call back into the driver.
func (s *SimPeripheral) OnInterrupt(fn func(RxQueue)) {
	s.mu.Lock()
	s.onIRQ = fn
	s.mu.Unlock()
}

func (s *SimPeripheral) Init(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InitErr != nil {
		s.state = StateError
		return s.InitErr
	}
	if err := cfg.Timing.Validate(); err != nil {
		s.state = StateError
		return err
	}
	s.cfg = cfg
	s.state = StateReady
	return nil
}

func (s *SimPeripheral) ConfigFilter(f Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FilterErr != nil {
		return s.FilterErr
	}
	if s.state != StateReady && s.state != StateListening {
		return ErrNotReady
	}
	if f.Queue > FIFO1 {
		return errors.New("invalid fifo assignment")
	}
	s.filter = f
	return nil
}

func (s *SimPeripheral) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.state != StateReady {
		return ErrNotReady
	}
	s.started = true
	s.state = StateListening
	return nil
}

func (s *SimPeripheral) EnableRxInterrupt(q RxQueue) error {
	if q > FIFO1 {
		return errors.New("invalid fifo")
	}
	s.mu.Lock()
	s.irq[q] = true
	s.mu.Unlock()
	return nil
}

func (s *SimPeripheral) AddTxMessage(f can.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return -1, ErrNotReady
	}
	for i := range s.pending {
		if s.pending[i] == nil {
			fr := f
			s.pending[i] = &fr
			return i, nil
		}
	}
	return -1, errNoMailbox
}

func (s *SimPeripheral) TxMailboxesFreeLevel() int {
	s.mu.Lock()
	won, ok := s.arbitrate()
	free := s.freeLocked()
	peers := s.peers
	mode := s.cfg.Mode
	s.mu.Unlock()

	if ok {
		if mode.Loopback() {
			s.deliver(won)
		}
		if mode == ModeNormal {
			for _, p := range peers {
				p.deliver(won)
			}
		}
	}
	return free
}

// arbitrate runs one round and frees the winning mailbox.
func (s *SimPeripheral) arbitrate() (can.Frame, bool) {
	if s.stall != 0 {
		if s.stall > 0 {
			s.stall--
		}
		return can.Frame{}, false
	}
	best := -1
	for i, f := range s.pending {
		if f == nil {
			continue
		}
		if best < 0 || f.ID < s.pending[best].ID {
			best = i
		}
	}
	if best < 0 {
		return can.Frame{}, false
	}
	f := *s.pending[best]
	s.pending[best] = nil
	if s.record {
		s.sent = append(s.sent, f)
	}
	return f, true
}

func (s *SimPeripheral) freeLocked() int {
	n := 0
	for _, f := range s.pending {
		if f == nil {
			n++
		}
	}
	return n
}

// Inject delivers f as if another node had transmitted it.
func (s *SimPeripheral) Inject(f can.Frame) { s.deliver(f) }

func (s *SimPeripheral) deliver(f can.Frame) {
	s.mu.Lock()
	if !s.started || !s.filter.Accepts(f) {
		s.mu.Unlock()
		return
	}
	q := s.filter.Queue
	switch {
	case len(s.rx[q]) < FifoDepth:
		s.rx[q] = append(s.rx[q], f)
	case s.cfg.RxFifoLocked:
		s.overruns++
	default:
		s.rx[q][FifoDepth-1] = f
		s.overruns++
	}
	fire := s.irq[q]
	fn := s.onIRQ
	s.mu.Unlock()
	if fire && fn != nil {
		go fn(q)
	}
}

func (s *SimPeripheral) RxFifoFillLevel(q RxQueue) int {
	if q > FIFO1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rx[q])
}

func (s *SimPeripheral) GetRxMessage(q RxQueue) (can.Frame, error) {
	if q > FIFO1 {
		return can.Frame{}, ErrFifoEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx[q]) == 0 {
		return can.Frame{}, ErrFifoEmpty
	}
	f := s.rx[q][0]
	s.rx[q] = s.rx[q][1:]
	return f, nil
}

func (s *SimPeripheral) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState forces the reported state, e.g. to emulate a bus error.
func (s *SimPeripheral) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Sent returns the frames that won arbitration, in bus order, while
// RecordSent is on.
func (s *SimPeripheral) Sent() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]can.Frame(nil), s.sent...)
}

// Overruns counts frames lost to a full FIFO.
func (s *SimPeripheral) Overruns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overruns
}
