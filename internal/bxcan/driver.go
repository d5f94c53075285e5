// Package bxcan drives a bxCAN-style field-bus peripheral: bit timing and a
// single acceptance filter at start-up, bounded-wait transmission through
// three mailboxes, and non-blocking filtered reception from FIFO0.
package bxcan

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

const (
	DefaultRetryBudget  = 30
	DefaultPollInterval = 100 // ms
)

// Waiter blocks the caller; satisfied by *delay.Engine.
type Waiter interface {
	WaitMilliseconds(ms uint32)
}

// DiagnosticSink receives frames surfaced by the reception interrupt.
type DiagnosticSink func(can.Frame)

// Driver owns the peripheral. Peripheral access is serialized per HAL call;
// the lock is never held across a mailbox wait.
type Driver struct {
	mu     sync.Mutex
	p      Peripheral
	wait   Waiter
	log    *slog.Logger
	rxSink DiagnosticSink

	retries int
	pollMs  uint32
	pclkHz  uint32
}

type Option func(*Driver)

// WithRetryBudget sets how many poll intervals Send waits for the mailboxes.
func WithRetryBudget(n int) Option {
	return func(d *Driver) {
		if n >= 0 {
			d.retries = n
		}
	}
}

// WithPollInterval sets the wait between mailbox polls in milliseconds.
func WithPollInterval(ms uint32) Option {
	return func(d *Driver) {
		if ms > 0 {
			d.pollMs = ms
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(d *Driver) { d.log = l } }

// WithRxInterrupt enables the reception-pending interrupt path; frames it
// drains go to sink and never reach Receive.
func WithRxInterrupt(sink DiagnosticSink) Option { return func(d *Driver) { d.rxSink = sink } }

// WithPeripheralClock lets Init log the resulting bitrate.
func WithPeripheralClock(hz uint32) Option { return func(d *Driver) { d.pclkHz = hz } }

func New(p Peripheral, w Waiter, opts ...Option) *Driver {
	d := &Driver{p: p, wait: w, retries: DefaultRetryBudget, pollMs: DefaultPollInterval}
	for _, o := range opts {
		o(d)
	}
	d.log = logging.Or(d.log)
	return d
}

// Init programs bit timing, installs the pass-through filter on FIFO0 and
// starts the peripheral. The returned *InitError names the failed phase.
// Nothing is retried.
func (d *Driver) Init(sjw, bs2, bs1 uint8, prescaler uint16, mode Mode) error {
	cfg := Config{
		Timing:         Timing{SJW: sjw, BS1: bs1, BS2: bs2, Prescaler: prescaler},
		Mode:           mode,
		AutoRetransmit: true,
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := cfg.Timing.Validate(); err != nil {
		return d.initFailed(ErrTimingConfig, err)
	}
	if err := d.p.Init(cfg); err != nil {
		return d.initFailed(ErrTimingConfig, err)
	}
	if d.rxSink != nil {
		if ic, ok := d.p.(InterruptController); ok {
			if err := ic.EnableRxInterrupt(FIFO0); err != nil {
				d.log.Warn("bus_rx_irq_enable_failed", "error", err)
			}
		} else {
			d.log.Warn("bus_rx_irq_unsupported")
		}
	}
	if err := d.p.ConfigFilter(PassThrough); err != nil {
		return d.initFailed(ErrFilterConfig, err)
	}
	if err := d.p.Start(); err != nil {
		return d.initFailed(ErrStart, err)
	}
	attrs := []any{"sjw", sjw, "bs1", bs1, "bs2", bs2, "prescaler", prescaler, "mode", mode.String()}
	if d.pclkHz > 0 {
		attrs = append(attrs, "bitrate", cfg.Bitrate(d.pclkHz))
	}
	d.log.Info("bus_init", attrs...)
	return nil
}

func (d *Driver) initFailed(phase, err error) error {
	metrics.IncError(metrics.ErrBusInit)
	ie := &InitError{Phase: phase, Err: err}
	d.log.Error("bus_init_failed", "error", ie, "code", InitCode(ie))
	return ie
}

// Send transmits a standard-ID data frame and waits for every mailbox to
// drain, polling up to the retry budget.
func (d *Driver) Send(id uint32, payload []byte) error {
	f, err := can.NewDataFrame(id, payload)
	if err != nil {
		metrics.IncError(metrics.ErrBusSubmit)
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	return d.SendFrame(f)
}

// SendFrame is Send for a prebuilt frame. Only standard data frames are
// transmitted.
func (d *Driver) SendFrame(f can.Frame) error {
	if err := d.sendFrame(f); err != nil {
		metrics.IncError(sendErrToMetric(err))
		return err
	}
	metrics.IncBusTx()
	return nil
}

func (d *Driver) sendFrame(f can.Frame) error {
	if f.IDKind != can.IDStandard || f.Kind != can.KindData || f.ID > can.CAN_SFF_MASK || f.Len > can.MaxPayload {
		return fmt.Errorf("%w: only standard data frames are transmitted", ErrSubmit)
	}
	d.mu.Lock()
	_, err := d.p.AddTxMessage(f)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	for waits := 0; ; waits++ {
		if d.freeLevel() == Mailboxes {
			return nil
		}
		if waits >= d.retries {
			metrics.IncBusTxTimeout()
			d.log.Warn("bus_tx_timeout", "id", f.ID, "waits", waits)
			return fmt.Errorf("%w after %d polls", ErrTxTimeout, waits)
		}
		metrics.IncBusTxWait()
		d.wait.WaitMilliseconds(d.pollMs)
	}
}

func (d *Driver) freeLevel() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.p.TxMailboxesFreeLevel()
}

// Receive drains at most one frame from FIFO0. It returns the payload length
// copied into buf when the frame is a standard data frame with identifier id,
// and 0 when the FIFO is empty or the frame did not match (it is discarded).
// A buf shorter than the frame truncates the payload silently and the
// result is the number of bytes copied, not the frame length; pass
// can.MaxPayload bytes to always get the full frame.
func (d *Driver) Receive(id uint32, buf []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.p.RxFifoFillLevel(FIFO0) == 0 {
		return 0
	}
	f, err := d.p.GetRxMessage(FIFO0)
	if err != nil {
		return 0
	}
	if !f.Matches(id) {
		metrics.IncBusRxDiscard()
		d.log.Debug("bus_rx_discard", "id", f.ID, "want", id)
		return 0
	}
	metrics.IncBusRx()
	return copy(buf, f.Payload())
}

// OnRxPending is the reception-pending interrupt body. It drains one frame,
// re-arms the interrupt and hands the frame to the diagnostic sink.
func (d *Driver) OnRxPending() {
	if d.rxSink == nil {
		return
	}
	d.mu.Lock()
	var (
		f   can.Frame
		err = ErrFifoEmpty
	)
	if d.p.RxFifoFillLevel(FIFO0) > 0 {
		f, err = d.p.GetRxMessage(FIFO0)
	}
	if ic, ok := d.p.(InterruptController); ok {
		_ = ic.EnableRxInterrupt(FIFO0)
	}
	d.mu.Unlock()
	if err != nil {
		return
	}
	metrics.IncBusRxIRQ()
	d.rxSink(f)
}

// RxPending reports the FIFO0 fill level; used by host interrupt emulation.
func (d *Driver) RxPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.p.RxFifoFillLevel(FIFO0)
}

// State is the peripheral's hardware state, read-only.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.p.State()
}

// WriteDiagnostic prints a frame the way the RX interrupt reports it on the
// diagnostic UART.
func WriteDiagnostic(w io.Writer, f can.Frame) error {
	ide, rtr := 0, 0
	if f.IDKind == can.IDExtended {
		ide = 4
	}
	if f.Kind == can.KindRemote {
		rtr = 2
	}
	if _, err := fmt.Fprintf(w, "id:%d\r\nide:%d\r\nrtr:%d\r\nlen:%d\r\n", f.ID, ide, rtr, f.Len); err != nil {
		return err
	}
	for i, b := range f.Payload() {
		if _, err := fmt.Fprintf(w, "rxbuf[%d]:%d\r\n", i, b); err != nil {
			return err
		}
	}
	return nil
}
