// Package block implements the superblock caching execution engine (C12):
// straight-line runs of non-control-flow instructions are fetched and
// decoded once, cached by start PC, and replayed without paying
// fetch/decode cost on every pass. It is a pure optimization layer over
// internal/cpu's scalar interpreter — disabled, a hart driven by plain
// Hart.Step calls must behave identically, since nothing here carries any
// architectural state of its own.
//
// No teacher or pack example caches decoded blocks; this is grounded on
// the teacher's own straight-line per-instruction dispatch loop
// (ccvm/step.go's stepFunc switch) for the shape a micro-op replay takes,
// and on the idea of a typed, pre-decoded instruction representation from
// other_examples/759cba5a_LMMilewski-riscv-emu__decode.go.
package block

import (
	"github.com/rvkit/hartcore/internal/cpu"
	"github.com/rvkit/hartcore/internal/decode"
	"github.com/rvkit/hartcore/internal/mmu"
)

// maxLen bounds how many instructions one cached block may hold, so a
// single Run call can't starve interrupt delivery beyond the same
// instruction-count budget a plain Step loop's poll cadence already allows.
const maxLen = 32

// Result reports how one Run call left the hart.
type Result int

const (
	// Continue means the cached block ran to its length bound without
	// hitting a control-flow instruction; PC now sits right after it.
	Continue Result = iota
	// Exit means the block ended in a control-flow, system, or CSR
	// instruction that already executed; PC may point anywhere.
	Exit
	// Trap means an instruction in the block faulted; the hart has already
	// entered its trap handler.
	Trap
)

type blockEntry struct {
	ops      []decode.Op
	complete bool // ends in a control-flow/system instruction, not just maxLen
	gen      uint64
}

// Cache is a single hart's superblock cache. Not safe for concurrent use;
// each hart (goroutine) owns its own Cache.
type Cache struct {
	hart *cpu.Hart

	slots map[uint64]*blockEntry
	gen   uint64
}

// NewCache creates a block cache for h. h must not be shared with another
// Cache.
func NewCache(h *cpu.Hart) *Cache {
	return &Cache{hart: h, slots: make(map[uint64]*blockEntry)}
}

// Invalidate drops every cached block. Callers hook this to the same
// events that invalidate a hart's TLB and decode cache: SATP writes and
// SFENCE.VMA. This package can't observe those directly (they happen deep
// inside cpu.Hart.execute), so Run conservatively invalidates on every
// CSR write and SFENCE.VMA it executes, rather than trying to special-case
// SATP.
func (c *Cache) Invalidate() {
	c.gen++
	c.slots = make(map[uint64]*blockEntry)
}

// Run executes one block's worth of instructions starting at the hart's
// current PC: either a cached block, or a freshly compiled one. If the
// very first instruction can't be safely speculated past (a fetch or
// decode fault), Run falls back to a single cpu.Hart.Step call so the
// interpreter's own fault-to-trap machinery owns the outcome; this package
// never synthesizes a trap.Trap itself.
func (c *Cache) Run(clock cpu.TimeSource) (Result, int, error) {
	if c.hart.WaitingForInterrupt() {
		return Exit, 0, nil
	}

	pc := c.hart.PC
	e, ok := c.slots[pc]
	if !ok || e.gen != c.gen {
		compiled, ferr := c.compile(pc)
		if ferr != nil || compiled == nil || len(compiled.ops) == 0 {
			res, err := c.hart.Step(clock)
			if err != nil {
				return Trap, 0, err
			}
			if res.Trapped {
				return Trap, 0, nil
			}
			return Exit, 1, nil
		}
		e = compiled
		c.slots[pc] = e
	}

	retired := 0
	for _, op := range e.ops {
		t, trapped := c.hart.ExecuteDecoded(op, clock)
		if trapped {
			c.hart.EnterTrap(t)
			if invalidatesCache(op.Kind) {
				c.Invalidate()
			}
			return Trap, retired, nil
		}
		retired++
		if invalidatesCache(op.Kind) {
			c.Invalidate()
		}
	}

	if e.complete {
		return Exit, retired, nil
	}
	return Continue, retired, nil
}

// compile decodes a straight-line run of instructions starting at pc,
// stopping at (and including) the first control-flow/system instruction,
// or after maxLen instructions, whichever comes first.
func (c *Cache) compile(pc uint64) (*blockEntry, error) {
	ops := make([]decode.Op, 0, maxLen)
	cur := pc
	for len(ops) < maxLen {
		insn, length, err := fetchAt(c.hart, cur)
		if err != nil {
			if len(ops) == 0 {
				return nil, err
			}
			break
		}
		op, derr := decodeOp(insn, length)
		if derr != nil {
			if len(ops) == 0 {
				return nil, derr
			}
			break
		}
		ops = append(ops, op)
		if endsBlock(op.Kind) {
			return &blockEntry{ops: ops, complete: true, gen: c.gen}, nil
		}
		cur += uint64(length)
	}
	return &blockEntry{ops: ops, complete: false, gen: c.gen}, nil
}

// fetchAt mirrors cpu.Hart's own fetch logic (interp.go) but operates on an
// arbitrary lookahead pc rather than the hart's current PC, since the
// block compiler decodes ahead of execution.
func fetchAt(h *cpu.Hart, pc uint64) (uint32, int, error) {
	paddrLo, err := h.MMU.Translate(h, pc, mmu.AccessExecute)
	if err != nil {
		return 0, 0, err
	}
	lo, err := h.Bus.Read16(paddrLo)
	if err != nil {
		return 0, 0, err
	}
	if lo&0x3 != 0x3 {
		return uint32(lo), 2, nil
	}
	paddrHi, err := h.MMU.Translate(h, pc+2, mmu.AccessExecute)
	if err != nil {
		return 0, 0, err
	}
	hi, err := h.Bus.Read16(paddrHi)
	if err != nil {
		return 0, 0, err
	}
	return uint32(lo) | (uint32(hi) << 16), 4, nil
}

func decodeOp(insn uint32, length int) (decode.Op, error) {
	if length == 2 {
		full, err := decode.ExpandCompressed(uint16(insn))
		if err != nil {
			return decode.Op{}, err
		}
		op, err := decode.Decode(full)
		if err != nil {
			return decode.Op{}, err
		}
		op.Len = 2
		op.Raw = insn
		return op, nil
	}
	return decode.Decode(insn)
}

// endsBlock reports whether Kind can redirect control flow, change
// privilege, or otherwise needs to be the last instruction replayed before
// the caller re-evaluates PC and hart state.
func endsBlock(k decode.Kind) bool {
	switch k {
	case decode.JAL, decode.JALR,
		decode.BEQ, decode.BNE, decode.BLT, decode.BGE, decode.BLTU, decode.BGEU,
		decode.FENCE, decode.FENCEI,
		decode.ECALL, decode.EBREAK,
		decode.CSRRW, decode.CSRRS, decode.CSRRC, decode.CSRRWI, decode.CSRRSI, decode.CSRRCI,
		decode.MRET, decode.SRET, decode.WFI, decode.SFENCEVMA:
		return true
	default:
		return false
	}
}

// invalidatesCache reports whether executing Kind may have changed address
// translation in a way stale cached blocks must not survive. CSR writes
// are treated conservatively (any of them, not just SATP) since this
// package has no visibility into which CSR a CSRRW targeted.
func invalidatesCache(k decode.Kind) bool {
	switch k {
	case decode.CSRRW, decode.CSRRS, decode.CSRRC, decode.CSRRWI, decode.CSRRSI, decode.CSRRCI,
		decode.SFENCEVMA:
		return true
	default:
		return false
	}
}
