package serial

import (
	"context"
	"errors"
	"io"

	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
	"github.com/kstaniek/go-dcbus/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// DiagWriter funnels diagnostic output to the console through one goroutine
// so interrupt-side callers never block on the UART.
type DiagWriter struct{ base *transport.AsyncTx[[]byte] }

var _ io.Writer = (*DiagWriter)(nil)

// NewDiagWriter creates a DiagWriter with a buffered queue of buf writes.
func NewDiagWriter(parent context.Context, w io.Writer, buf int) *DiagWriter {
	send := func(p []byte) error {
		_, err := w.Write(p)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrConsoleWrite)
			logging.L().Error("console_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrConsoleOverrun)
			return ErrTxOverflow
		},
	}
	return &DiagWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// Write queues a copy of p. It drops with ErrTxOverflow when the queue is
// full.
func (d *DiagWriter) Write(p []byte) (int, error) {
	if err := d.base.Send(append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close stops the writer and waits for the goroutine to exit.
func (d *DiagWriter) Close() { d.base.Close() }
