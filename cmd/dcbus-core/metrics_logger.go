package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-dcbus/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"bus_tx", snap.BusTx,
		"bus_tx_timeouts", snap.BusTxTimeouts,
		"bus_rx", snap.BusRx,
		"bus_rx_discarded", snap.BusRxDiscarded,
		"bus_rx_irq", snap.BusRxIRQ,
		"console_lines", snap.ConsoleLines,
		"console_overflows", snap.ConsoleOvf,
		"console_framing", snap.ConsoleFraming,
		"monitor_rx", snap.MonitorRx,
		"monitor_tx", snap.MonitorTx,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"uplink", snap.Uplink,
		"errors", snap.Errors,
	)
}
