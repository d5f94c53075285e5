package bxcan

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-dcbus/internal/metrics"
)

// Init phase sentinels. Each wraps the peripheral's own error.
var (
	ErrTimingConfig = errors.New("bxcan: timing configuration")
	ErrFilterConfig = errors.New("bxcan: filter configuration")
	ErrStart        = errors.New("bxcan: start")
)

var (
	// ErrSubmit is returned when the frame could not be placed in a mailbox.
	ErrSubmit = errors.New("bxcan: submit")
	// ErrTxTimeout is returned when the mailboxes did not drain within the retry budget.
	ErrTxTimeout = errors.New("bxcan: transmit timeout")
	ErrFifoEmpty = errors.New("bxcan: fifo empty")
	ErrNotReady  = errors.New("bxcan: peripheral not ready")
)

// InitError reports which initialization phase failed.
type InitError struct {
	Phase error
	Err   error
}

func (e *InitError) Error() string { return fmt.Sprintf("%v: %v", e.Phase, e.Err) }

func (e *InitError) Is(target error) bool { return target == e.Phase }

func (e *InitError) Unwrap() error { return e.Err }

// InitCode maps an Init result to the numeric status 0 (ok), 1 (timing),
// 2 (filter) or 3 (start).
func InitCode(err error) uint8 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimingConfig):
		return 1
	case errors.Is(err, ErrFilterConfig):
		return 2
	default:
		return 3
	}
}

func sendErrToMetric(err error) string {
	if errors.Is(err, ErrTxTimeout) {
		return metrics.ErrBusTimeout
	}
	return metrics.ErrBusSubmit
}
