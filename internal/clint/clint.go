// Package clint implements the Core-Local Interruptor (C2): per-hart
// mtime/mtimecmp timer comparators, msip inter-hart software interrupts, and
// the WFI park/wake primitive harts block on.
package clint

import (
	"sync"
	"sync/atomic"
	"time"
)

// MMIO offsets, grounded on rv64/clint.go's register layout.
const (
	RegMsip     = 0x0000 // + 4*hart
	RegMtimecmp = 0x4000 // + 8*hart
	RegMtime    = 0xbff8
	RegHartCount = 0x0f00
)

// HartSink is the minimal view of a hart CLINT needs to raise/lower its
// timer and software interrupt-pending bits, satisfied by *cpu.Hart.
type HartSink interface {
	SetMTIP(bool)
	SetMSIP(bool)
}

type hartState struct {
	mtimecmp atomic.Uint64
	msip     atomic.Uint32

	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

// CLINT is the shared timer/software-interrupt device for every hart in a
// machine. mtime is wall-clock-derived at a fixed 10MHz tick rate, matching
// rv64/clint.go's nsPerTick=100 but generalized from one hart to many.
type CLINT struct {
	harts     []hartState
	sinks     []HartSink
	startTime time.Time
	nsPerTick uint64

	// mtimeOverride, when non-nil, replaces the wall-clock derivation for
	// deterministic tests (spec.md's "set_mtime hook").
	mtimeOverride atomic.Pointer[uint64]
}

func New(sinks []HartSink) *CLINT {
	c := &CLINT{
		harts:     make([]hartState, len(sinks)),
		sinks:     sinks,
		startTime: time.Now(),
		nsPerTick: 100,
	}
	for i := range c.harts {
		c.harts[i].mtimecmp.Store(^uint64(0))
		c.harts[i].cond = sync.NewCond(&c.harts[i].mu)
	}
	return c
}

func (c *CLINT) Size() uint64 { return 0x1_0000 }

// Mtime returns the current tick count, backing the `time` CSR and the MTIME
// MMIO register alike.
func (c *CLINT) Mtime() uint64 {
	if p := c.mtimeOverride.Load(); p != nil {
		return *p
	}
	return uint64(time.Since(c.startTime).Nanoseconds()) / c.nsPerTick
}

// SetMtime pins mtime to a fixed value for reproducible tests; pass nil to
// return to wall-clock derivation.
func (c *CLINT) SetMtime(v *uint64) {
	c.mtimeOverride.Store(v)
}

func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= RegMsip && offset < RegMsip+4*uint64(len(c.harts)):
		h := (offset - RegMsip) / 4
		return uint64(c.harts[h].msip.Load()), nil
	case offset >= RegMtimecmp && offset < RegMtimecmp+8*uint64(len(c.harts)):
		h := (offset - RegMtimecmp) / 8
		return c.harts[h].mtimecmp.Load(), nil
	case offset >= RegMtime && offset < RegMtime+8:
		return c.Mtime(), nil
	case offset == RegHartCount:
		return uint64(len(c.harts)), nil
	}
	return 0, nil
}

func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= RegMsip && offset < RegMsip+4*uint64(len(c.harts)):
		h := (offset - RegMsip) / 4
		set := value&1 != 0
		if set {
			c.harts[h].msip.Store(1)
		} else {
			c.harts[h].msip.Store(0)
		}
		c.sinks[h].SetMSIP(set)
		if set {
			c.wake(int(h))
		}

	case offset >= RegMtimecmp && offset < RegMtimecmp+8*uint64(len(c.harts)):
		h := (offset - RegMtimecmp) / 8
		reg := offset - RegMtimecmp - h*8
		if size == 4 {
			for {
				old := c.harts[h].mtimecmp.Load()
				var next uint64
				if reg == 0 {
					next = (old &^ 0xffffffff) | (value & 0xffffffff)
				} else {
					next = (old &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
				}
				if c.harts[h].mtimecmp.CompareAndSwap(old, next) {
					break
				}
			}
		} else {
			c.harts[h].mtimecmp.Store(value)
		}
		c.refreshTimer(int(h))

	case offset == RegMtime:
		// MTIME is read-only from MMIO per spec.md §4.7.
	}
	return nil
}

// Tick refreshes every hart's MTIP against the current mtime and wakes any
// parked hart whose timer has come due; machine wiring calls this
// periodically from its ticker goroutine.
func (c *CLINT) Tick() {
	now := c.Mtime()
	for h := range c.harts {
		due := now >= c.harts[h].mtimecmp.Load()
		c.sinks[h].SetMTIP(due)
		if due {
			c.wake(h)
		}
	}
}

func (c *CLINT) refreshTimer(h int) {
	due := c.Mtime() >= c.harts[h].mtimecmp.Load()
	c.sinks[h].SetMTIP(due)
	if due {
		c.wake(h)
	}
}

// wake notifies hart h's WaitForInterrupt if it's parked, or leaves a
// pending flag set so a not-yet-parked hart doesn't miss the wakeup
// (spec.md §4.7: "if wake happens before wait, the pending flag is consumed
// on entry so no wakeup is lost").
func (c *CLINT) wake(h int) {
	st := &c.harts[h]
	st.mu.Lock()
	st.pending = true
	st.cond.Broadcast()
	st.mu.Unlock()
}

// WaitForInterrupt parks hart h until woken or timeout elapses. Callers
// (the per-hart run loop, after Step reports WFI) are expected to re-check
// hart state and call Step again regardless of why this returned.
func (c *CLINT) WaitForInterrupt(hart int, timeout time.Duration) {
	st := &c.harts[hart]
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pending {
		st.pending = false
		return
	}

	timedOut := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			st.mu.Lock()
			timedOut = true
			st.cond.Broadcast()
			st.mu.Unlock()
		})
		defer timer.Stop()
	}

	for !st.pending && !timedOut {
		st.cond.Wait()
	}
	st.pending = false
}
