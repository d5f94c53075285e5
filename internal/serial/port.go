// Package serial opens the maintenance console UART and carries diagnostic
// output back to it.
package serial

import (
	"errors"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 50 * time.Millisecond
)

var ErrNoDevice = errors.New("serial: no device")

// Config describes the console line. Zero Baud and ReadTimeout take the
// defaults.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// openFn allows tests to intercept the tarm open.
var openFn = func(c *serial.Config) (Port, error) { return serial.OpenPort(c) }

// Open opens the console. A read timeout keeps the receive pump responsive to
// cancellation on an idle line.
func Open(cfg Config) (Port, error) {
	if cfg.Device == "" {
		return nil, ErrNoDevice
	}
	cfg = cfg.withDefaults()
	p, err := openFn(&serial.Config{Name: cfg.Device, Baud: cfg.Baud, ReadTimeout: cfg.ReadTimeout})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return p, nil
}
