package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	BusTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Frames that left the transmit mailboxes within the retry budget.",
	})
	BusTxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_timeouts_total",
		Help: "Transmissions abandoned after the mailbox wait budget was exhausted.",
	})
	BusTxMailboxWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_tx_mailbox_waits_total",
		Help: "Poll intervals spent waiting for transmit mailboxes to drain.",
	})
	BusRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Telemetry frames accepted by the polling receive path.",
	})
	BusRxDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_discarded_total",
		Help: "Frames drained from the reception FIFO that did not match the expected identifier.",
	})
	BusRxIRQFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_irq_frames_total",
		Help: "Frames surfaced by the reception-pending interrupt path.",
	})
	BusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bus_state",
		Help: "Current peripheral state (0 reset, 1 ready, 2 listening, 3 sleep pending, 4 sleep active, 5 error).",
	})
	ConsoleLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_lines_total",
		Help: "Complete command lines received on the maintenance console.",
	})
	ConsoleOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_overflows_total",
		Help: "Lines discarded because they exceeded the line buffer capacity.",
	})
	ConsoleFramingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_framing_errors_total",
		Help: "Lines discarded because CR was not followed by LF.",
	})
	ConsoleDroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "console_dropped_bytes_total",
		Help: "Bytes dropped while a completed line was waiting for the consumer.",
	})
	Ticks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_ticks",
		Help: "Periodic tick counter (animation clock).",
	})
	MonitorRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_rx_frames_total",
		Help: "Frames received from monitor TCP clients.",
	})
	MonitorTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_tx_frames_total",
		Help: "Telemetry frames sent to monitor TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Telemetry frames dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Client connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected monitor clients.",
	})
	UplinkPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uplink_published_total",
		Help: "Messages handed to the MQTT uplink.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed monitor frames (invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusInit        = "bus_init"
	ErrBusSubmit      = "bus_submit"
	ErrBusTimeout     = "bus_tx_timeout"
	ErrBusTxOverflow  = "bus_tx_overflow"
	ErrConsoleWrite   = "console_write"
	ErrConsoleRead    = "console_read"
	ErrConsoleOverrun = "console_tx_overflow"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrUplink         = "uplink"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", readyHandler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

func readyHandler(w http.ResponseWriter, _ *http.Request) {
	if IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready\n"))
}

// Local mirrored counters for logging and tests without scraping.
var (
	localBusTx        atomic.Uint64
	localBusTxTimeout atomic.Uint64
	localBusTxWaits   atomic.Uint64
	localBusRx        atomic.Uint64
	localBusRxDiscard atomic.Uint64
	localBusRxIRQ     atomic.Uint64
	localConsoleLines atomic.Uint64
	localConsoleOvf   atomic.Uint64
	localConsoleFrame atomic.Uint64
	localConsoleDrop  atomic.Uint64
	localMonitorRx    atomic.Uint64
	localMonitorTx    atomic.Uint64
	localHubDrop      atomic.Uint64
	localHubKick      atomic.Uint64
	localHubReject    atomic.Uint64
	localHubClients   atomic.Uint64
	localUplink       atomic.Uint64
	localErrors       atomic.Uint64
	localMalformed    atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusTx          uint64
	BusTxTimeouts  uint64
	BusTxWaits     uint64
	BusRx          uint64
	BusRxDiscarded uint64
	BusRxIRQ       uint64
	ConsoleLines   uint64
	ConsoleOvf     uint64
	ConsoleFraming uint64
	ConsoleDropped uint64
	MonitorRx      uint64
	MonitorTx      uint64
	HubDrops       uint64
	HubKicks       uint64
	HubRejects     uint64
	HubClients     uint64
	Uplink         uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
}

func Snap() Snapshot {
	return Snapshot{
		BusTx:          localBusTx.Load(),
		BusTxTimeouts:  localBusTxTimeout.Load(),
		BusTxWaits:     localBusTxWaits.Load(),
		BusRx:          localBusRx.Load(),
		BusRxDiscarded: localBusRxDiscard.Load(),
		BusRxIRQ:       localBusRxIRQ.Load(),
		ConsoleLines:   localConsoleLines.Load(),
		ConsoleOvf:     localConsoleOvf.Load(),
		ConsoleFraming: localConsoleFrame.Load(),
		ConsoleDropped: localConsoleDrop.Load(),
		MonitorRx:      localMonitorRx.Load(),
		MonitorTx:      localMonitorTx.Load(),
		HubDrops:       localHubDrop.Load(),
		HubKicks:       localHubKick.Load(),
		HubRejects:     localHubReject.Load(),
		HubClients:     localHubClients.Load(),
		Uplink:         localUplink.Load(),
		Errors:         localErrors.Load(),
		Malformed:      localMalformed.Load(),
	}
}

func IncBusTx()        { BusTxFrames.Inc(); localBusTx.Add(1) }
func IncBusTxTimeout() { BusTxTimeouts.Inc(); localBusTxTimeout.Add(1) }
func IncBusTxWait()    { BusTxMailboxWaits.Inc(); localBusTxWaits.Add(1) }
func IncBusRx()        { BusRxFrames.Inc(); localBusRx.Add(1) }
func IncBusRxDiscard() { BusRxDiscarded.Inc(); localBusRxDiscard.Add(1) }
func IncBusRxIRQ()     { BusRxIRQFrames.Inc(); localBusRxIRQ.Add(1) }

// SetBusState records the numeric peripheral state.
func SetBusState(v int) { BusState.Set(float64(v)) }

// Console counters are bumped from the receive interrupt body; keep them to
// a single increment each.
func IncConsoleLine()     { ConsoleLines.Inc(); localConsoleLines.Add(1) }
func IncConsoleOverflow() { ConsoleOverflows.Inc(); localConsoleOvf.Add(1) }
func IncConsoleFraming()  { ConsoleFramingErrors.Inc(); localConsoleFrame.Add(1) }
func IncConsoleDropped()  { ConsoleDroppedBytes.Inc(); localConsoleDrop.Add(1) }

// SetTicks mirrors the tick counter for scraping.
func SetTicks(v uint32) { Ticks.Set(float64(v)) }

func IncMonitorRx() { MonitorRxFrames.Inc(); localMonitorRx.Add(1) }

func AddMonitorTx(n int) {
	MonitorTxFrames.Add(float64(n))
	localMonitorTx.Add(uint64(n))
}

func IncHubDrop()   { HubDroppedFrames.Inc(); localHubDrop.Add(1) }
func IncHubKick()   { HubKickedClients.Inc(); localHubKick.Add(1) }
func IncHubReject() { HubRejectedClients.Inc(); localHubReject.Add(1) }

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncUplink() { UplinkPublished.Inc(); localUplink.Add(1) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() { MalformedFrames.Inc(); localMalformed.Add(1) }

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so the first error does not pay registration latency.
	for _, lbl := range []string{
		ErrBusInit, ErrBusSubmit, ErrBusTimeout, ErrBusTxOverflow,
		ErrConsoleWrite, ErrConsoleRead, ErrConsoleOverrun,
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrUplink,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so probes don't flap during startup
		return true
	}
	return fn()
}
