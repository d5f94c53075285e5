package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/kstaniek/go-dcbus/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// consoleIO is the maintenance console: uart feeds the receive interrupt and
// diag carries replies and diagnostic prints. uart is nil without a device;
// diag then goes to stdout.
type consoleIO struct {
	uart  io.Reader
	diag  *serial.DiagWriter
	close func()
}

func openConsole(ctx context.Context, cfg *appConfig, l *slog.Logger) (*consoleIO, error) {
	if cfg.serialDev == "" {
		d := serial.NewDiagWriter(ctx, os.Stdout, cfg.diagBuffer)
		l.Info("console_disabled", "diag", "stdout")
		return &consoleIO{diag: d, close: d.Close}, nil
	}
	p, err := openSerialPort(serial.Config{Device: cfg.serialDev, Baud: cfg.baud, ReadTimeout: cfg.serialReadTO})
	if err != nil {
		return nil, err
	}
	d := serial.NewDiagWriter(ctx, p, cfg.diagBuffer)
	l.Info("console_open", "dev", cfg.serialDev, "baud", cfg.baud)
	return &consoleIO{uart: p, diag: d, close: func() { d.Close(); _ = p.Close() }}, nil
}
