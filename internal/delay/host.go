package delay

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// HostCounter emulates a SysTick-style down-counter from the monotonic clock
// so the engine can run on a development host.
type HostCounter struct {
	mu      sync.Mutex
	start   time.Time
	mhz     uint64
	reload  uint32
	armed   bool
	nowFunc func() time.Time
}

// NewHostCounter returns a counter ticking at mhz with a 24-bit reload,
// matching an unarmed SysTick.
func NewHostCounter(mhz uint32) *HostCounter {
	return &HostCounter{start: time.Now(), mhz: uint64(mhz), reload: 0xFFFFFF, nowFunc: time.Now}
}

func (c *HostCounter) Reload() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reload
}

func (c *HostCounter) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := uint64(c.nowFunc().Sub(c.start).Nanoseconds()) * c.mhz / 1000
	period := uint64(c.reload) + 1
	return c.reload - uint32(elapsed%period)
}

// Arm restarts the counter from reload.
func (c *HostCounter) Arm(reload uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reload = reload
	c.start = c.nowFunc()
	c.armed = true
	return nil
}

// Armed reports whether Arm has been called.
func (c *HostCounter) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// HostScheduler is the cooperative policy on a host: ticks are slept with the
// Go runtime and Lock pins the calling goroutine to its thread.
type HostScheduler struct {
	tps     uint32
	running atomic.Bool
	depth   atomic.Int32
	sleep   func(time.Duration)
}

func NewHostScheduler(ticksPerSecond uint32) *HostScheduler {
	s := &HostScheduler{tps: ticksPerSecond, sleep: time.Sleep}
	s.running.Store(true)
	return s
}

func (s *HostScheduler) Running() bool          { return s.running.Load() }
func (s *HostScheduler) SetRunning(v bool)      { s.running.Store(v) }
func (s *HostScheduler) InInterrupt() bool      { return false }
func (s *HostScheduler) TicksPerSecond() uint32 { return s.tps }

func (s *HostScheduler) Lock() {
	runtime.LockOSThread()
	s.depth.Add(1)
}

func (s *HostScheduler) Unlock() {
	s.depth.Add(-1)
	runtime.UnlockOSThread()
}

// Locked reports the current Lock nesting depth.
func (s *HostScheduler) Locked() int { return int(s.depth.Load()) }

func (s *HostScheduler) Sleep(ticks uint32) {
	if ticks == 0 || s.tps == 0 {
		return
	}
	s.sleep(time.Duration(ticks) * time.Second / time.Duration(s.tps))
}
