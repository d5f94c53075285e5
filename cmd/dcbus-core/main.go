package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-dcbus/internal/acq"
	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/delay"
	"github.com/kstaniek/go-dcbus/internal/hub"
	"github.com/kstaniek/go-dcbus/internal/metrics"
	"github.com/kstaniek/go-dcbus/internal/server"
	"github.com/kstaniek/go-dcbus/internal/transport"
	"github.com/kstaniek/go-dcbus/internal/uplink"
)

// Exit codes.
const (
	exitOK = iota
	exitUsage
	exitSetup
	exitBusInit
	exitDelayInit
)

const shutdownTimeout = 3 * time.Second

func main() { os.Exit(run()) }

func run() int {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if showVersion {
		fmt.Printf("dcbus-core %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	board := uplink.BoardID()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup

	backend, err := openBackend(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return exitSetup
	}
	defer backend.close()
	con, err := openConsole(ctx, cfg, l)
	if err != nil {
		l.Error("console_open_error", "error", err)
		return exitSetup
	}
	defer con.close()

	h := initHub(cfg, l)
	opts := []acq.Option{acq.WithLogger(l), acq.WithPublisher(func(f can.Frame) { h.Publish(f) })}
	if cfg.mqttURL != "" {
		up, err := uplink.Dial(ctx, cfg.mqttURL, board, uplink.WithLogger(l))
		if err != nil {
			// The uplink is optional: the board keeps acquiring without it.
			l.Warn("uplink_unavailable", "error", err)
		} else {
			defer up.Close()
			opts = append(opts, acq.WithPublisher(up.PublishFrame), acq.WithStateObserver(up.PublishState))
		}
	}

	core := acq.New(acq.Hardware{
		Counter:     delay.NewHostCounter(uint32(cfg.coreMHz)),
		Scheduler:   delay.NewHostScheduler(cfg.ticksPerSecond()),
		Peripheral:  backend.periph,
		Diag:        con.diag,
		RxInterrupt: cfg.rxInterrupt,
	}, opts...)
	if err := core.Init(cfg.acqConfig()); err != nil {
		if errors.Is(err, acq.ErrDelayInit) {
			l.Error("delay_init_fatal", "error", err)
			return exitDelayInit
		}
		l.Error("core_init_error", "code", bxcan.InitCode(err), "error", err)
		return exitBusInit
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		core.Vectors(con.uart, cfg.tickPeriod, cfg.rxPoll).Run(ctx)
	}()
	startSimTelemetry(ctx, cfg, backend, l, &wg)

	var srv *server.Server
	var busTx *transport.AsyncTx[can.Frame]
	if cfg.listenAddr != "" {
		busTx = newBusTx(ctx, core.Bus, cfg.busTxQueue, l)
		srv = startMonitor(ctx, cfg, h, busTx, board, l, &wg, cancel)
	}

	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil && core.Bus.State() == bxcan.StateListening
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	err = core.Run(ctx)
	l.Info("shutdown", "reason", err)
	if srv != nil {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sdCtx); err != nil {
			l.Warn("monitor_shutdown_error", "error", err)
		}
		sdCancel()
		busTx.Close()
	}
	cancel()
	wg.Wait()
	return exitOK
}

// newBusTx queues monitor client frames for the bus so a mailbox wait never
// stalls a client connection.
func newBusTx(ctx context.Context, bus transport.FrameSink, size int, l *slog.Logger) *transport.AsyncTx[can.Frame] {
	return transport.NewAsyncTx(ctx, size, bus.SendFrame, transport.Hooks{
		OnError: func(err error) { l.Warn("bus_tx_error", "error", err) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBusTxOverflow)
			return transport.ErrOverflow
		},
	})
}

func startMonitor(ctx context.Context, cfg *appConfig, h *hub.Hub, busTx *transport.AsyncTx[can.Frame], board string, l *slog.Logger, wg *sync.WaitGroup, cancel context.CancelFunc) *server.Server {
	srv := server.New(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSend(busTx.Send),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("monitor_server_error", "error", err)
			cancel()
		}
	}()
	if !cfg.mdnsEnable {
		return srv
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port, err := listenPort(srv.Addr())
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		cleanup, err := startMDNS(ctx, cfg, board, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg, board), "port", port)
		<-ctx.Done()
		cleanup()
	}()
	return srv
}
