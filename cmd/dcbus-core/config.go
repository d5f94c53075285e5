package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kstaniek/go-dcbus/internal/acq"
	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/hub"
)

type appConfig struct {
	// bus
	backend     string
	canIf       string
	sjw         uint
	bs1         uint
	bs2         uint
	prescaler   uint
	mode        string
	pclkHz      uint
	rxInterrupt bool
	rxPoll      time.Duration
	busTxQueue  int
	simEvery    time.Duration

	// core
	coreMHz     uint
	telemetryID uint
	tickPeriod  time.Duration
	loopDelay   time.Duration

	// console
	serialDev    string
	baud         int
	serialReadTO time.Duration
	diagBuffer   int

	// monitor
	listenAddr   string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string

	// outer surfaces
	metricsAddr     string
	logMetricsEvery time.Duration
	mqttURL         string
	mdnsEnable      bool
	mdnsName        string
	logFormat       string
	logLevel        string
}

// envPrefix names the environment overrides: flag "can-if" reads DCBUS_CAN_IF.
const envPrefix = "DCBUS_"

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func newFlagSet(cfg *appConfig, showVersion *bool) *flag.FlagSet {
	d := acq.DefaultConfig()
	fs := flag.NewFlagSet("dcbus-core", flag.ContinueOnError)
	fs.StringVar(&cfg.backend, "backend", "sim", "Bus backend: sim|socketcan")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.UintVar(&cfg.sjw, "sjw", uint(d.Timing.SJW), "Sync jump width (tq)")
	fs.UintVar(&cfg.bs1, "bs1", uint(d.Timing.BS1), "Phase segment 1 (tq)")
	fs.UintVar(&cfg.bs2, "bs2", uint(d.Timing.BS2), "Phase segment 2 (tq)")
	fs.UintVar(&cfg.prescaler, "prescaler", uint(d.Timing.Prescaler), "Bit-rate prescaler")
	fs.StringVar(&cfg.mode, "mode", d.Mode.String(), "Bus mode: normal|loopback|silent|silent_loopback")
	fs.UintVar(&cfg.pclkHz, "pclk-hz", uint(d.PclkHz), "Peripheral clock in Hz (bit-rate reporting)")
	fs.BoolVar(&cfg.rxInterrupt, "rx-interrupt", false, "Print every FIFO0 frame to the console from the RX interrupt")
	fs.DurationVar(&cfg.rxPoll, "rx-poll", time.Millisecond, "RX pending interrupt sampling period")
	fs.IntVar(&cfg.busTxQueue, "bus-tx-queue", 256, "Monitor-to-bus transmit queue (frames)")
	fs.DurationVar(&cfg.simEvery, "sim-telemetry-every", 0, "With --backend=sim, inject a telemetry frame this often (0 disables)")
	fs.UintVar(&cfg.coreMHz, "core-mhz", uint(d.CoreMHz), "Core clock in MHz")
	fs.UintVar(&cfg.telemetryID, "telemetry-id", uint(d.TelemetryID), "Standard identifier of the telemetry frame")
	fs.DurationVar(&cfg.tickPeriod, "tick", time.Millisecond, "System tick period")
	fs.DurationVar(&cfg.loopDelay, "loop-delay", time.Duration(d.LoopDelayMs)*time.Millisecond, "Delay at the end of each acquisition loop iteration")
	fs.StringVar(&cfg.serialDev, "serial", "", "Console UART device (empty disables the console)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Console baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Console read timeout")
	fs.IntVar(&cfg.diagBuffer, "diag-buffer", 64, "Console output queue (writes)")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "Telemetry monitor TCP listen address (empty disables)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous monitor clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Monitor client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", hub.DefaultClientBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.mqttURL, "mqtt", "", "MQTT broker URL for the telemetry uplink, e.g. mqtt://host:1883/plant (empty disables)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the telemetry monitor over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default dcbus-core-<board id>)")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	return fs
}

// parseFlags parses args, then applies DCBUS_* overrides to every flag the
// command line did not set, then validates.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	var showVersion bool
	fs := newFlagSet(cfg, &showVersion)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return cfg, true, nil
	}
	if err := applyEnvOverrides(fs, os.LookupEnv); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// applyEnvOverrides sets each flag not given on the command line from its
// environment variable. Values go through the flag's own parser, so the
// syntax matches the command line. Empty values are ignored.
func applyEnvOverrides(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		v, ok := lookup(envName(f.Name))
		if v = strings.TrimSpace(v); !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "sim", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return err
	}
	if _, err := bxcan.ParseMode(c.mode); err != nil {
		return err
	}
	if c.sjw > 0xFF || c.bs1 > 0xFF || c.bs2 > 0xFF || c.prescaler > 0xFFFF {
		return fmt.Errorf("bus timing out of range")
	}
	if err := c.timing().Validate(); err != nil {
		return fmt.Errorf("bus timing: %w", err)
	}
	if c.telemetryID > can.CAN_SFF_MASK {
		return fmt.Errorf("telemetry-id 0x%X is not a standard identifier", c.telemetryID)
	}
	if c.coreMHz == 0 || c.coreMHz > 1000 {
		return fmt.Errorf("core-mhz must be 1..1000 (got %d)", c.coreMHz)
	}
	if c.tickPeriod < time.Millisecond || c.tickPeriod > time.Second || time.Second%c.tickPeriod != 0 {
		return fmt.Errorf("tick must divide 1s and be 1ms..1s (got %v)", c.tickPeriod)
	}
	if c.loopDelay < 0 || c.loopDelay%time.Millisecond != 0 {
		return fmt.Errorf("loop-delay must be a whole number of milliseconds")
	}
	if c.rxPoll <= 0 {
		return fmt.Errorf("rx-poll must be > 0")
	}
	if c.busTxQueue <= 0 || c.diagBuffer <= 0 || c.hubBuffer <= 0 {
		return fmt.Errorf("bus-tx-queue, diag-buffer and hub-buffer must be > 0")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.simEvery < 0 || c.logMetricsEvery < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	return nil
}

func (c *appConfig) timing() bxcan.Timing {
	return bxcan.Timing{SJW: uint8(c.sjw), BS1: uint8(c.bs1), BS2: uint8(c.bs2), Prescaler: uint16(c.prescaler)}
}

func (c *appConfig) ticksPerSecond() uint32 { return uint32(time.Second / c.tickPeriod) }

// acqConfig assumes validate passed.
func (c *appConfig) acqConfig() acq.Config {
	mode, _ := bxcan.ParseMode(c.mode)
	return acq.Config{
		CoreMHz:     uint32(c.coreMHz),
		PclkHz:      uint32(c.pclkHz),
		Timing:      c.timing(),
		Mode:        mode,
		TelemetryID: uint32(c.telemetryID),
		LoopDelayMs: uint32(c.loopDelay / time.Millisecond),
	}
}
