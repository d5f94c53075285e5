//go:build linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/socketcan"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string, l *slog.Logger) (bxcan.Peripheral, func() error, error) {
	d, err := socketcan.Open(iface, l)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}

func openSocketCANBackend(cfg *appConfig, l *slog.Logger) (*busBackend, error) {
	p, closeFn, err := openSocketCANDevice(cfg.canIf, l)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("bus_backend", "backend", "socketcan", "if", cfg.canIf)
	return &busBackend{periph: p, close: func() { _ = closeFn() }}, nil
}
