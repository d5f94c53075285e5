package acq

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/delay"
	"github.com/kstaniek/go-dcbus/internal/logging"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// frozenCounter cannot be armed.
type frozenCounter struct{}

func (frozenCounter) Reload() uint32  { return 0xFFFFFF }
func (frozenCounter) Current() uint32 { return 0 }

type rig struct {
	core   *Core
	sim    *bxcan.SimPeripheral
	diag   *syncBuffer
	frames []can.Frame
	states []bxcan.State
}

func newRig(t *testing.T, rxIRQ bool) *rig {
	t.Helper()
	r := &rig{sim: bxcan.NewSim(), diag: &syncBuffer{}}
	r.core = New(Hardware{
		Counter:     delay.NewHostCounter(180),
		Scheduler:   delay.NewHostScheduler(1000),
		Peripheral:  r.sim,
		Diag:        r.diag,
		RxInterrupt: rxIRQ,
	},
		WithLogger(logging.Discard()),
		WithPublisher(func(f can.Frame) { r.frames = append(r.frames, f) }),
		WithStateObserver(func(s bxcan.State) { r.states = append(r.states, s) }),
	)
	return r
}

func TestInitBringsUpAllParts(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))
	require.Equal(t, bxcan.StateListening, r.core.Bus.State())
	require.Equal(t, uint32(180), r.core.Delay.Multiplier())
	require.NotNil(t, r.core.Console)
	require.NotNil(t, r.core.Shell)
}

func TestInitDelayFailureStopsBeforeBus(t *testing.T) {
	sim := bxcan.NewSim()
	c := New(Hardware{Counter: frozenCounter{}, Scheduler: delay.NewHostScheduler(1000), Peripheral: sim},
		WithLogger(logging.Discard()))
	err := c.Init(DefaultConfig())
	require.ErrorIs(t, err, ErrDelayInit)
	require.ErrorIs(t, err, delay.ErrArm)
	require.Nil(t, c.Bus)
	require.Equal(t, bxcan.StateReset, sim.State())
}

func TestInitBusFailureStopsBeforeConsole(t *testing.T) {
	r := newRig(t, false)
	r.sim.FilterErr = errors.New("bank locked")
	err := r.core.Init(DefaultConfig())
	require.ErrorIs(t, err, bxcan.ErrFilterConfig)
	require.Equal(t, uint8(2), bxcan.InitCode(err))
	require.Nil(t, r.core.Console)
	require.ErrorIs(t, r.core.Run(context.Background()), ErrNotInitialized)
}

func TestInitRejectsExtendedTelemetryID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TelemetryID = 0x800
	require.ErrorIs(t, newRig(t, false).core.Init(cfg), ErrConfig)
}

func TestStepPublishesMatchingTelemetry(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))

	other, _ := can.NewDataFrame(0x13, []byte{1})
	r.sim.Inject(other)
	require.False(t, r.core.Step())
	require.Empty(t, r.frames)

	tel, _ := can.NewDataFrame(0x12, []byte{0x10, 0x20, 0x30})
	r.sim.Inject(tel)
	require.True(t, r.core.Step())
	require.Equal(t, []can.Frame{tel}, r.frames)

	require.False(t, r.core.Step(), "fifo drained")
}

func TestStepReportsStateChanges(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))
	r.core.Step()
	r.core.Step()
	require.Equal(t, []bxcan.State{bxcan.StateListening}, r.states)

	r.sim.SetState(bxcan.StateError)
	r.core.Step()
	r.sim.SetState(bxcan.StateListening)
	r.core.Step()
	require.Equal(t, []bxcan.State{bxcan.StateListening, bxcan.StateError, bxcan.StateListening}, r.states)
}

func TestStepRunsConsoleCommands(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))
	for _, b := range []byte("ticks\r\n") {
		r.core.Console.OnReceiveByte(b)
	}
	r.core.Delay.OnTick()
	r.core.Step()
	require.Equal(t, "ticks:1\r\n", r.diag.String())
	require.False(t, r.core.Console.Status().Complete(), "line consumed")
}

func TestEmptyBusPollsLeavePartialLineIntact(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))
	for _, b := range []byte("tic") {
		r.core.Console.OnReceiveByte(b)
	}
	status := r.core.Console.Status()
	require.Equal(t, 3, status.Count())

	buf := make([]byte, 8)
	for i := 0; i < 50; i++ {
		require.Zero(t, r.core.Bus.Receive(r.core.cfg.TelemetryID, buf))
		r.core.Step()
	}
	require.Equal(t, status, r.core.Console.Status())
	require.Empty(t, r.frames)
	require.Empty(t, r.diag.String())

	for _, b := range []byte("ks\r\n") {
		r.core.Console.OnReceiveByte(b)
	}
	r.core.Step()
	require.Equal(t, "ticks:0\r\n", r.diag.String())
}

func TestRxInterruptPrintsDiagnostic(t *testing.T) {
	r := newRig(t, true)
	require.NoError(t, r.core.Init(DefaultConfig()))
	f, _ := can.NewDataFrame(0x12, []byte{7})
	r.sim.Inject(f)
	r.core.Bus.OnRxPending()
	require.Equal(t, "id:18\r\nide:0\r\nrtr:0\r\nlen:1\r\nrxbuf[0]:7\r\n", r.diag.String())
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.core.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestVectorsFollowRxInterruptSetting(t *testing.T) {
	r := newRig(t, false)
	require.NoError(t, r.core.Init(DefaultConfig()))
	v := r.core.Vectors(nil, time.Millisecond, time.Millisecond)
	require.Nil(t, v.BusRx0)
	require.NotNil(t, v.Tick)

	r = newRig(t, true)
	require.NoError(t, r.core.Init(DefaultConfig()))
	v = r.core.Vectors(nil, time.Millisecond, time.Millisecond)
	require.NotNil(t, v.BusRx0)
	require.NotNil(t, v.RxLevel)
}
