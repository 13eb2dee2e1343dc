package cpu

import (
	"github.com/rvkit/hartcore/internal/decode"
	"github.com/rvkit/hartcore/internal/mmu"
	"github.com/rvkit/hartcore/internal/trap"
)

// execAMO runs LR/SC/AMO*. The AMO* ops address memory through the bus's
// AtomicRMW path so they stay globally atomic across every hart sharing the
// bus (spec.md: AMO* must be atomic across harts, not just within one); LR
// and SC use plain Bus.Read/Bus.Write together with the reservation set.
func (h *Hart) execAMO(op decode.Op) (trap.Trap, bool) {
	word := isAMOWord(op.Kind)
	size := 8
	if word {
		size = 4
	}

	switch op.Kind {
	case decode.LRW, decode.LRD:
		vaddr := h.ReadReg(op.Rs1)
		paddr, err := h.MMU.Translate(h, vaddr, mmu.AccessRead)
		if err != nil {
			return faultTrap(mmu.AccessRead, err, vaddr).(trap.Trap), false
		}
		v, berr := h.Bus.Read(paddr, size)
		if berr != nil {
			return trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		h.LoadReserved(paddr)
		if word {
			h.WriteReg(op.Rd, signExt32(uint32(v)))
		} else {
			h.WriteReg(op.Rd, v)
		}
		return trap.Trap{}, true

	case decode.SCW, decode.SCD:
		vaddr := h.ReadReg(op.Rs1)
		paddr, err := h.MMU.Translate(h, vaddr, mmu.AccessWrite)
		if err != nil {
			return faultTrap(mmu.AccessWrite, err, vaddr).(trap.Trap), false
		}
		if h.StoreConditional(paddr) {
			if werr := h.Bus.Write(paddr, size, h.ReadReg(op.Rs2)); werr != nil {
				return trap.Exception(trap.StoreAccessFault, vaddr), false
			}
			h.WriteReg(op.Rd, 0)
		} else {
			h.WriteReg(op.Rd, 1)
		}
		return trap.Trap{}, true
	}

	vaddr := h.ReadReg(op.Rs1)
	paddr, err := h.MMU.Translate(h, vaddr, mmu.AccessWrite)
	if err != nil {
		return faultTrap(mmu.AccessWrite, err, vaddr).(trap.Trap), false
	}
	rs2 := h.ReadReg(op.Rs2)

	old, aerr := h.Bus.AtomicRMW(paddr, size, func(cur uint64) uint64 {
		return amoCombine(op.Kind, word, cur, rs2)
	})
	if aerr != nil {
		return trap.Exception(trap.StoreAccessFault, vaddr), false
	}
	if word {
		h.WriteReg(op.Rd, signExt32(uint32(old)))
	} else {
		h.WriteReg(op.Rd, old)
	}
	return trap.Trap{}, true
}

func isAMOWord(k decode.Kind) bool {
	switch k {
	case decode.LRW, decode.SCW, decode.AMOSWAPW, decode.AMOADDW, decode.AMOXORW,
		decode.AMOANDW, decode.AMOORW, decode.AMOMINW, decode.AMOMAXW, decode.AMOMINUW, decode.AMOMAXUW:
		return true
	}
	return false
}

// amoCombine computes the new memory value for an AMO* given the current
// value read under the bus lock and rs2, operating on the low 32 bits
// (sign-extended back out by the caller) for the .W forms.
func amoCombine(kind decode.Kind, word bool, cur, rs2 uint64) uint64 {
	if word {
		c := int32(uint32(cur))
		r := int32(uint32(rs2))
		var res uint32
		switch kind {
		case decode.AMOSWAPW:
			res = uint32(r)
		case decode.AMOADDW:
			res = uint32(c + r)
		case decode.AMOXORW:
			res = uint32(c) ^ uint32(r)
		case decode.AMOANDW:
			res = uint32(c) & uint32(r)
		case decode.AMOORW:
			res = uint32(c) | uint32(r)
		case decode.AMOMINW:
			if c < r {
				res = uint32(c)
			} else {
				res = uint32(r)
			}
		case decode.AMOMAXW:
			if c > r {
				res = uint32(c)
			} else {
				res = uint32(r)
			}
		case decode.AMOMINUW:
			if uint32(c) < uint32(r) {
				res = uint32(c)
			} else {
				res = uint32(r)
			}
		case decode.AMOMAXUW:
			if uint32(c) > uint32(r) {
				res = uint32(c)
			} else {
				res = uint32(r)
			}
		}
		return uint64(res)
	}

	c := int64(cur)
	r := int64(rs2)
	switch kind {
	case decode.AMOSWAPD:
		return rs2
	case decode.AMOADDD:
		return uint64(c + r)
	case decode.AMOXORD:
		return cur ^ rs2
	case decode.AMOANDD:
		return cur & rs2
	case decode.AMOORD:
		return cur | rs2
	case decode.AMOMIND:
		if c < r {
			return cur
		}
		return rs2
	case decode.AMOMAXD:
		if c > r {
			return cur
		}
		return rs2
	case decode.AMOMINUD:
		if cur < rs2 {
			return cur
		}
		return rs2
	case decode.AMOMAXUD:
		if cur > rs2 {
			return cur
		}
		return rs2
	}
	return cur
}
