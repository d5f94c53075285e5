package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
)

// busBackend is an opened bus peripheral. sim is set only for the simulator.
type busBackend struct {
	periph bxcan.Peripheral
	sim    *bxcan.SimPeripheral
	close  func()
}

// openBackend selects the bus peripheral. It returns an error instead of
// exiting so the caller can log and pick the exit code.
func openBackend(cfg *appConfig, l *slog.Logger) (*busBackend, error) {
	switch cfg.backend {
	case "sim":
		sim := bxcan.NewSim()
		l.Info("bus_backend", "backend", "sim")
		return &busBackend{periph: sim, sim: sim, close: func() {}}, nil
	case "socketcan":
		return openSocketCANBackend(cfg, l)
	default:
		return nil, fmt.Errorf("unknown backend %q (use sim|socketcan)", cfg.backend)
	}
}

// simTelemetryFrame carries a 16-bit big-endian sequence number.
func simTelemetryFrame(id uint32, seq uint16) (can.Frame, error) {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], seq)
	return can.NewDataFrame(id, p[:])
}

// startSimTelemetry injects a telemetry frame every cfg.simEvery, as if the
// sensor node were on the bus.
func startSimTelemetry(ctx context.Context, cfg *appConfig, b *busBackend, l *slog.Logger, wg *sync.WaitGroup) {
	if b.sim == nil || cfg.simEvery <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("sim_telemetry_end")
		t := time.NewTicker(cfg.simEvery)
		defer t.Stop()
		var seq uint16
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fr, err := simTelemetryFrame(uint32(cfg.telemetryID), seq)
				if err != nil {
					l.Error("sim_telemetry_error", "error", err)
					return
				}
				b.sim.Inject(fr)
				seq++
			}
		}
	}()
}
