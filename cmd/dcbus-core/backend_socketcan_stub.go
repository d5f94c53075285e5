//go:build !linux

package main

import (
	"log/slog"

	"github.com/kstaniek/go-dcbus/internal/socketcan"
)

func openSocketCANBackend(*appConfig, *slog.Logger) (*busBackend, error) {
	return nil, socketcan.ErrUnsupported
}
