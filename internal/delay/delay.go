// Package delay implements busy-wait delays on top of a free-running hardware
// down-counter (SysTick style) and the periodic system tick.
//
// The counter counts from its reload value down to zero and then reloads.
// Elapsed time is accumulated sample by sample so any wait tolerates counter
// wraparound and reload changes between calls.
package delay

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/kstaniek/go-dcbus/internal/logging"
)

var (
	// ErrArm is returned when the down-counter cannot be armed. Callers must
	// treat it as fatal: no timing means no bounded waits downstream.
	ErrArm          = errors.New("delay: arm counter")
	ErrInvalidClock = errors.New("delay: invalid clock parameters")
)

// Counter is the free-running down-counter.
type Counter interface {
	// Reload is the value the counter restarts from after reaching zero.
	Reload() uint32
	// Current is the live counter value.
	Current() uint32
}

// Armer is implemented by counters that can be (re)programmed to fire a
// periodic interrupt every reload+1 counts.
type Armer interface {
	Arm(reload uint32) error
}

// Scheduler is a cooperative task scheduler the engine may yield to.
type Scheduler interface {
	Running() bool
	InInterrupt() bool
	TicksPerSecond() uint32
	// Lock suspends task switching; Unlock resumes it.
	Lock()
	Unlock()
	// Sleep suspends the calling task for whole scheduler ticks.
	Sleep(ticks uint32)
}

// Engine owns the delay state. It is initialized once and only read afterwards,
// except for the tick counter which the tick interrupt advances.
type Engine struct {
	counter Counter
	sched   Scheduler
	log     *slog.Logger

	usMul uint32
	msDiv uint32
	ticks atomic.Uint32
}

type Option func(*Engine)

// WithScheduler selects the cooperative policy: whole-tick waits are delegated
// to s and microsecond waits suspend task switching.
func WithScheduler(s Scheduler) Option { return func(e *Engine) { e.sched = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New returns an engine bound to counter. Call Init before any wait.
func New(counter Counter, opts ...Option) *Engine {
	e := &Engine{counter: counter}
	for _, o := range opts {
		o(e)
	}
	e.log = logging.Or(e.log)
	return e
}

// Init sets the tick multiplier from the core clock in MHz. With a scheduler
// it also derives the tick-to-millisecond divisor and arms the counter for the
// scheduler tick.
func (e *Engine) Init(coreMHz uint32) error {
	if coreMHz == 0 {
		return fmt.Errorf("%w: core clock 0 MHz", ErrInvalidClock)
	}
	e.usMul = coreMHz
	if e.sched == nil {
		e.log.Info("delay_init", "core_mhz", coreMHz, "policy", "busy")
		return nil
	}
	tps := e.sched.TicksPerSecond()
	if tps == 0 || tps > 1000 {
		return fmt.Errorf("%w: %d ticks/s", ErrInvalidClock, tps)
	}
	e.msDiv = 1000 / tps
	reload := uint64(coreMHz) * uint64(1_000_000/tps)
	if reload > math.MaxUint32 {
		return fmt.Errorf("%w: reload %d exceeds counter width", ErrArm, reload)
	}
	a, ok := e.counter.(Armer)
	if !ok {
		return fmt.Errorf("%w: counter cannot be armed", ErrArm)
	}
	if err := a.Arm(uint32(reload)); err != nil {
		return fmt.Errorf("%w: %v", ErrArm, err)
	}
	e.log.Info("delay_init", "core_mhz", coreMHz, "policy", "cooperative",
		"ticks_per_sec", tps, "ms_per_tick", e.msDiv, "reload", reload)
	return nil
}

// MustInit is Init that halts on failure.
func (e *Engine) MustInit(coreMHz uint32) {
	if err := e.Init(coreMHz); err != nil {
		panic(err)
	}
}

// MaxMicroseconds is the longest single WaitMicroseconds the multiplier allows.
func (e *Engine) MaxMicroseconds() uint32 {
	if e.usMul == 0 {
		return 0
	}
	return math.MaxUint32 / e.usMul
}

// WaitMicroseconds blocks until n microseconds of counter time have elapsed.
// n must not exceed MaxMicroseconds.
func (e *Engine) WaitMicroseconds(n uint32) {
	if n == 0 {
		return
	}
	if e.sched != nil {
		e.sched.Lock()
		defer e.sched.Unlock()
	}
	e.spin(uint64(n) * uint64(e.usMul))
}

func (e *Engine) spin(target uint64) {
	reload := e.counter.Reload()
	prev := e.counter.Current()
	var acc uint64
	for {
		cur := e.counter.Current()
		if cur == prev {
			continue
		}
		if cur < prev {
			acc += uint64(prev - cur)
		} else { // wrapped through zero
			acc += uint64(reload-cur) + uint64(prev)
		}
		prev = cur
		if acc >= target {
			return
		}
	}
}

// WaitMilliseconds blocks for n milliseconds. Whole scheduler ticks are
// yielded to the scheduler when one is running and the caller is not in
// interrupt context; the remainder is busy-waited.
func (e *Engine) WaitMilliseconds(n uint32) {
	if e.sched != nil && e.msDiv > 0 && e.sched.Running() && !e.sched.InInterrupt() {
		if n >= e.msDiv {
			e.sched.Sleep(n / e.msDiv)
		}
		n %= e.msDiv
	}
	e.waitMillisBusy(n)
}

func (e *Engine) waitMillisBusy(n uint32) {
	maxMs := e.MaxMicroseconds() / 1000
	if maxMs == 0 {
		return
	}
	for n > 0 {
		chunk := n
		if chunk > maxMs {
			chunk = maxMs
		}
		e.WaitMicroseconds(chunk * 1000)
		n -= chunk
	}
}

// OnTick advances the system tick by one unit. Interrupt vector body.
func (e *Engine) OnTick() { e.ticks.Add(1) }

// Ticks returns the tick counter (monotonic modulo 2^32).
func (e *Engine) Ticks() uint32 { return e.ticks.Load() }

// Multiplier returns the configured counter ticks per microsecond.
func (e *Engine) Multiplier() uint32 { return e.usMul }
