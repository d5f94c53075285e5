// Package irq models the interrupt vector table on a host: each hardware
// interrupt source becomes a goroutine that invokes a short handler method.
package irq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

// ByteHandler is the UART receive interrupt body.
type ByteHandler interface {
	OnReceiveByte(b byte)
}

// TickHandler is the periodic timer interrupt body.
type TickHandler interface {
	OnTick()
}

// RxPendingHandler is the bus reception-pending interrupt body.
type RxPendingHandler interface {
	OnRxPending()
}

const (
	readBufSize = 64
	backoffMin  = 10 * time.Millisecond
	backoffMax  = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// PumpBytes reads r and hands every byte to h in order, one call per byte.
// The source is re-armed after every read regardless of h's state. It returns
// when ctx is done or r fails permanently.
func PumpBytes(ctx context.Context, r io.Reader, h ByteHandler, l *slog.Logger) error {
	l = logging.Or(l)
	buf := make([]byte, readBufSize)
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			h.OnReceiveByte(b)
		}
		if n > 0 {
			backoff = backoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			return err // device removed or closed
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if n == 0 {
				sleepFn(backoffMin) // read timeout on an idle line
			}
			continue
		}
		metrics.IncError(metrics.ErrConsoleRead)
		l.Warn("console_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// RunTicker invokes h.OnTick every period until ctx is done.
func RunTicker(ctx context.Context, period time.Duration, h TickHandler) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.OnTick()
		}
	}
}

// PollRxPending samples level every period and raises h while it reports
// pending frames, one handler call per frame.
func PollRxPending(ctx context.Context, period time.Duration, level func() int, h RxPendingHandler) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for n := level(); n > 0; n-- {
				h.OnRxPending()
			}
		}
	}
}

// Vectors is the interrupt table of the board. Nil entries are unused
// vectors.
type Vectors struct {
	UART   ByteHandler
	Tick   TickHandler
	BusRx0 RxPendingHandler

	UARTSource   io.Reader
	TickPeriod   time.Duration
	RxPollPeriod time.Duration
	RxLevel      func() int

	Logger *slog.Logger
}

// Run starts one goroutine per populated vector and blocks until ctx is
// done and all of them have returned.
func (v Vectors) Run(ctx context.Context) {
	l := logging.Or(v.Logger)
	var wg sync.WaitGroup
	if v.UART != nil && v.UARTSource != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := PumpBytes(ctx, v.UARTSource, v.UART, l)
			if err != nil && !errors.Is(err, context.Canceled) {
				l.Warn("uart_irq_end", "error", err)
			}
		}()
	}
	if v.Tick != nil && v.TickPeriod > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RunTicker(ctx, v.TickPeriod, v.Tick)
		}()
	}
	if v.BusRx0 != nil && v.RxLevel != nil && v.RxPollPeriod > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			PollRxPending(ctx, v.RxPollPeriod, v.RxLevel, v.BusRx0)
		}()
	}
	wg.Wait()
}
