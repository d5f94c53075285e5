// Package acq is the acquisition core: it owns the delay engine, the bus
// driver and the console receiver, brings them up in dependency order and
// runs the foreground loop that forwards telemetry to the display side.
package acq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/console"
	"github.com/kstaniek/go-dcbus/internal/delay"
	"github.com/kstaniek/go-dcbus/internal/irq"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

var (
	ErrDelayInit      = errors.New("acq: delay engine init")
	ErrConfig         = errors.New("acq: invalid config")
	ErrNotInitialized = errors.New("acq: not initialized")
)

// Config carries the board parameters. DefaultConfig matches the reference
// board: 500 kbit/s at a 45 MHz APB1 clock.
type Config struct {
	CoreMHz     uint32
	PclkHz      uint32
	Timing      bxcan.Timing
	Mode        bxcan.Mode
	TelemetryID uint32
	LoopDelayMs uint32
}

func DefaultConfig() Config {
	return Config{
		CoreMHz:     180,
		PclkHz:      45_000_000,
		Timing:      bxcan.Timing{SJW: 1, BS1: 8, BS2: 6, Prescaler: 6},
		Mode:        bxcan.ModeNormal,
		TelemetryID: 0x12,
		LoopDelayMs: 5,
	}
}

func (c Config) validate() error {
	if c.TelemetryID > can.CAN_SFF_MASK {
		return fmt.Errorf("%w: telemetry id 0x%X is not a standard id", ErrConfig, c.TelemetryID)
	}
	if c.CoreMHz == 0 {
		return fmt.Errorf("%w: core clock 0 MHz", ErrConfig)
	}
	return nil
}

// Publisher receives every accepted telemetry frame.
type Publisher func(can.Frame)

// StateObserver is told about every bus state change, including the first
// observed state.
type StateObserver func(bxcan.State)

// Hardware is what the board provides to the core.
type Hardware struct {
	Counter    delay.Counter
	Scheduler  delay.Scheduler // nil selects busy-wait only
	Peripheral bxcan.Peripheral
	// Diag receives console replies and RX interrupt prints.
	Diag io.Writer
	// RxInterrupt enables the FIFO0 pending interrupt diagnostic print.
	RxInterrupt bool
	BusOptions  []bxcan.Option
}

type Core struct {
	hw   Hardware
	cfg  Config
	log  *slog.Logger
	pubs []Publisher
	obs  []StateObserver

	Delay   *delay.Engine
	Bus     *bxcan.Driver
	Console *console.LineReceiver
	Shell   *console.Shell

	buf       [can.MaxPayload]byte
	state     bxcan.State
	stateSeen bool
}

type Option func(*Core)

func WithPublisher(p Publisher) Option         { return func(c *Core) { c.pubs = append(c.pubs, p) } }
func WithStateObserver(o StateObserver) Option { return func(c *Core) { c.obs = append(c.obs, o) } }
func WithLogger(l *slog.Logger) Option         { return func(c *Core) { c.log = l } }

func New(hw Hardware, opts ...Option) *Core {
	c := &Core{hw: hw}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.Or(c.log)
	if c.hw.Diag == nil {
		c.hw.Diag = io.Discard
	}
	return c
}

// Init brings up the delay engine, the bus driver and the console in that
// order. A delay engine failure wraps ErrDelayInit and is fatal to the
// caller; a bus failure is a *bxcan.InitError naming the phase.
func (c *Core) Init(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	c.cfg = cfg

	var dopts []delay.Option
	if c.hw.Scheduler != nil {
		dopts = append(dopts, delay.WithScheduler(c.hw.Scheduler))
	}
	c.Delay = delay.New(c.hw.Counter, append(dopts, delay.WithLogger(c.log))...)
	if err := c.Delay.Init(cfg.CoreMHz); err != nil {
		return fmt.Errorf("%w: %w", ErrDelayInit, err)
	}

	bopts := []bxcan.Option{bxcan.WithLogger(c.log), bxcan.WithPeripheralClock(cfg.PclkHz)}
	if c.hw.RxInterrupt {
		diag := c.hw.Diag
		bopts = append(bopts, bxcan.WithRxInterrupt(func(f can.Frame) { _ = bxcan.WriteDiagnostic(diag, f) }))
	}
	c.Bus = bxcan.New(c.hw.Peripheral, c.Delay, append(bopts, c.hw.BusOptions...)...)
	t := cfg.Timing
	if err := c.Bus.Init(t.SJW, t.BS2, t.BS1, t.Prescaler, cfg.Mode); err != nil {
		c.log.Error("bus_init_failed", "code", bxcan.InitCode(err), "error", err)
		return err
	}

	c.Console = console.NewLineReceiver()
	c.Shell = console.NewShell(c.Console, c.hw.Diag,
		console.WithBus(c.Bus), console.WithTicks(c.Delay), console.WithShellLogger(c.log))
	c.log.Info("acq_ready", "telemetry_id", fmt.Sprintf("0x%03X", cfg.TelemetryID),
		"loop_delay_ms", cfg.LoopDelayMs)
	return nil
}

// Step runs one loop iteration without the trailing delay and reports
// whether telemetry was accepted.
func (c *Core) Step() bool {
	accepted := false
	if n := c.Bus.Receive(c.cfg.TelemetryID, c.buf[:]); n > 0 {
		if fr, err := can.NewDataFrame(c.cfg.TelemetryID, c.buf[:n]); err == nil {
			for _, p := range c.pubs {
				p(fr)
			}
			accepted = true
		}
	}
	c.watchState()
	metrics.SetTicks(c.Delay.Ticks())
	c.Shell.Poll()
	return accepted
}

func (c *Core) watchState() {
	s := c.Bus.State()
	if c.stateSeen && s == c.state {
		return
	}
	prev := c.state
	c.state, c.stateSeen = s, true
	metrics.SetBusState(int(s))
	lvl := slog.LevelInfo
	if s == bxcan.StateError {
		lvl = slog.LevelWarn
	}
	c.log.Log(context.Background(), lvl, "bus_state_change", "from", prev.String(), "to", s.String())
	for _, o := range c.obs {
		o(s)
	}
}

// Run loops until ctx is done. Each iteration ends with the configured
// delay through the delay engine.
func (c *Core) Run(ctx context.Context) error {
	if c.Shell == nil {
		return ErrNotInitialized
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.Step()
		c.Delay.WaitMilliseconds(c.cfg.LoopDelayMs)
	}
}

// Vectors returns the interrupt table for this core: the console UART fed by
// uart, the periodic tick, and the bus RX pending vector when enabled.
func (c *Core) Vectors(uart io.Reader, tick, rxPoll time.Duration) irq.Vectors {
	v := irq.Vectors{
		UART:       c.Console,
		UARTSource: uart,
		Tick:       c.Delay,
		TickPeriod: tick,
		Logger:     c.log,
	}
	if c.hw.RxInterrupt {
		v.BusRx0, v.RxLevel, v.RxPollPeriod = c.Bus, c.Bus.RxPending, rxPoll
	}
	return v
}
