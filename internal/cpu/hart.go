// Package cpu implements the per-hart architectural state and the scalar
// instruction interpreter (C9, C11): integer registers, the CSR file, the
// trap engine, and LR/SC reservations, one goroutine per hart.
package cpu

import (
	"sync/atomic"

	"github.com/rvkit/hartcore/internal/bus"
	"github.com/rvkit/hartcore/internal/mmu"
)

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// cachelinePad keeps adjacent Hart structs in a machine's hart array from
// false-sharing the same cache line across cores.
type cachelinePad [128]byte

// Hart is one RISC-V hardware thread: registers, CSRs, its own MMU/TLB, and
// its own LR/SC reservation. Harts share only the Bus; every other field
// here is touched by exactly one goroutine except where noted (Mip, which
// CLINT/PLIC/other harts update via atomic ops).
type Hart struct {
	_ cachelinePad

	ID uint64

	X  [32]uint64
	PC uint64

	priv uint8

	Cycle   uint64
	Instret uint64

	mstatus uint64
	misa    uint64
	medeleg uint64
	mideleg uint64
	mie     uint64
	mtvec   uint64
	mcounteren uint64
	mscratch uint64
	mepc    uint64
	mcause  uint64
	mtval   uint64
	mip     atomic.Uint64 // written cross-hart by CLINT/PLIC, so kept atomic

	stvec      uint64
	scounteren uint64
	sscratch   uint64
	sepc       uint64
	scause     uint64
	stval      uint64
	satp       uint64

	fflags uint8
	frm    uint8

	wfi atomic.Bool

	Bus *bus.Bus
	MMU *mmu.MMU

	decodeCache decodeCache

	_ cachelinePad
}

// New creates a hart wired to b, with its own MMU.
func New(id uint64, b *bus.Bus) *Hart {
	h := &Hart{ID: id, Bus: b}
	h.MMU = mmu.New(b)
	h.Reset()
	return h
}

// Priv returns the hart's current privilege level (0=U, 1=S, 3=M).
func (h *Hart) Priv() uint8 { return h.priv }

// SetPriv changes the hart's current privilege level; only the trap engine
// and MRET/SRET handlers should call this.
func (h *Hart) SetPriv(p uint8) { h.priv = p }

// Reset restores architectural state to its power-on values. PC is left to
// the caller (machine wiring decides the boot address per hart).
func (h *Hart) Reset() {
	for i := range h.X {
		h.X[i] = 0
	}
	h.priv = PrivMachine
	h.Cycle = 0
	h.Instret = 0
	h.misa = (mxl64 << 62) | misaI | misaM | misaA | misaC | misaS | misaU
	h.mstatus = 0
	h.mie = 0
	h.mip.Store(0)
	h.mtvec = 0
	h.mepc = 0
	h.mcause = 0
	h.mtval = 0
	h.mscratch = 0
	h.medeleg = 0
	h.mideleg = 0
	h.stvec = 0
	h.sepc = 0
	h.scause = 0
	h.stval = 0
	h.sscratch = 0
	h.satp = 0
	if h.Bus != nil {
		h.Bus.Reservations.Clear(h.ID)
	}
	h.wfi.Store(false)
	h.decodeCache.flush()
	h.MMU.Flush()
}

func (h *Hart) ReadReg(r uint32) uint64 {
	if r == 0 {
		return 0
	}
	return h.X[r]
}

func (h *Hart) WriteReg(r uint32, v uint64) {
	if r != 0 {
		h.X[r] = v
	}
}

// mmu.HartState implementation, so internal/mmu stays decoupled from cpu.

func (h *Hart) Satp() uint64 { return h.satp }
func (h *Hart) SUM() bool    { return h.mstatus&mstatusSUM != 0 }
func (h *Hart) MXR() bool    { return h.mstatus&mstatusMXR != 0 }
func (h *Hart) MPRV() bool   { return h.mstatus&mstatusMPRV != 0 }
func (h *Hart) MPP() uint8   { return uint8((h.mstatus & mstatusMPP) >> mstatusMPPShift) }

// SetMTIP, SetMSIP, SetMEIP and SetSEIP let CLINT/PLIC raise interrupts
// from another hart's goroutine without touching non-atomic Hart fields.
func (h *Hart) SetMTIP(v bool) { h.setMip(mipMTIP, v) }
func (h *Hart) SetMSIP(v bool) { h.setMip(mipMSIP, v) }
func (h *Hart) SetMEIP(v bool) { h.setMip(mipMEIP, v) }
func (h *Hart) SetSEIP(v bool) { h.setMip(mipSEIP, v) }

func (h *Hart) setMip(bit uint64, v bool) {
	for {
		old := h.mip.Load()
		var next uint64
		if v {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if h.mip.CompareAndSwap(old, next) {
			if v {
				h.wake()
			}
			return
		}
	}
}

// wake releases a hart parked in WFI. setMip calls this whenever any
// interrupt source's pending bit is set, not just the one delivered, since a
// parked hart must recheck on every change (spec.md WFI semantics).
func (h *Hart) wake() {
	h.wfi.Store(false)
}
