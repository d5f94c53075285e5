package bxcan

import "github.com/kstaniek/go-dcbus/internal/can"

// Mailboxes is the number of hardware transmit slots.
const Mailboxes = 3

// Peripheral is the hardware abstraction the driver programs. It is
// implemented by SimPeripheral in-process and by socketcan.Device on Linux.
type Peripheral interface {
	Init(Config) error
	ConfigFilter(Filter) error
	Start() error
	// AddTxMessage places f in a free mailbox and returns its index.
	AddTxMessage(f can.Frame) (mailbox int, err error)
	// TxMailboxesFreeLevel returns how many of the Mailboxes slots are free.
	TxMailboxesFreeLevel() int
	RxFifoFillLevel(q RxQueue) int
	// GetRxMessage pops the oldest frame of q.
	GetRxMessage(q RxQueue) (can.Frame, error)
	State() State
}

// InterruptController is implemented by peripherals that can raise the
// reception-pending interrupt.
type InterruptController interface {
	EnableRxInterrupt(q RxQueue) error
}
