package cpu

import (
	"github.com/rvkit/hartcore/internal/decode"
	"github.com/rvkit/hartcore/internal/mmu"
	"github.com/rvkit/hartcore/internal/trap"
)

// pollInterval is how many retired instructions pass between interrupt
// checks inside a run loop that otherwise only checks at block/step
// boundaries; it bounds worst-case interrupt latency without paying the
// cost of checking mip on every single instruction.
const pollInterval = 256

// StepResult reports what a single Step call did, for callers (the block
// engine, single-step debug commands) that need to react to control flow.
type StepResult struct {
	Trapped bool
	Trap    trap.Trap
	WFI     bool
}

// Step fetches, decodes, and executes exactly one instruction, handling any
// resulting trap itself. It never returns a trap.Trap as a Go error: traps
// are architectural events reflected in StepResult and in the hart's own
// CSR/PC state, not failures of Step itself.
func (h *Hart) Step(clock TimeSource) (StepResult, error) {
	if h.wfi.Load() {
		return StepResult{WFI: true}, nil
	}

	insn, length, ferr := h.fetch()
	if ferr != nil {
		t := ferr.(trap.Trap)
		h.EnterTrap(t)
		return StepResult{Trapped: true, Trap: t}, nil
	}

	op, derr := h.decodeAt(h.PC, insn, length)
	if derr != nil {
		t := trap.Exception(trap.IllegalInstruction, uint64(insn))
		h.EnterTrap(t)
		return StepResult{Trapped: true, Trap: t}, nil
	}

	if t, trapped := h.execute(op, clock); trapped {
		h.EnterTrap(t)
		return StepResult{Trapped: true, Trap: t}, nil
	}

	h.Cycle++
	h.Instret++
	return StepResult{}, nil
}

// CheckAndDeliverInterrupt takes a pending interrupt if one is enabled,
// called by machine wiring at instruction-retirement boundaries (and from
// WFI's park loop). Callers decide the cadence (spec.md: every instruction,
// or at least every pollInterval while running a superblock).
func (h *Hart) CheckAndDeliverInterrupt() bool {
	if t, ok := h.PendingInterrupt(); ok {
		h.wfi.Store(false)
		h.EnterTrap(t)
		return true
	}
	return false
}

func (h *Hart) fetch() (uint32, int, error) {
	paddrLo, err := h.MMU.Translate(h, h.PC, mmu.AccessExecute)
	if err != nil {
		return 0, 0, faultTrap(mmu.AccessExecute, err, h.PC)
	}
	lo, err := h.Bus.Read16(paddrLo)
	if err != nil {
		return 0, 0, trap.Exception(trap.InsnAccessFault, h.PC)
	}
	if lo&0x3 != 0x3 {
		return uint32(lo), 2, nil
	}
	paddrHi, err := h.MMU.Translate(h, h.PC+2, mmu.AccessExecute)
	if err != nil {
		return 0, 0, faultTrap(mmu.AccessExecute, err, h.PC+2)
	}
	hi, err := h.Bus.Read16(paddrHi)
	if err != nil {
		return 0, 0, trap.Exception(trap.InsnAccessFault, h.PC+2)
	}
	return uint32(lo) | (uint32(hi) << 16), 4, nil
}

func (h *Hart) decodeAt(pc uint64, insn uint32, length int) (decode.Op, error) {
	if length == 4 {
		if op, ok := h.decodeCache.lookup(pc); ok {
			return op, nil
		}
	}
	var op decode.Op
	var err error
	if length == 2 {
		full, cerr := decode.ExpandCompressed(uint16(insn))
		if cerr != nil {
			return decode.Op{}, cerr
		}
		op, err = decode.Decode(full)
		op.Len = 2
		op.Raw = insn
	} else {
		op, err = decode.Decode(insn)
	}
	if err != nil {
		return decode.Op{}, err
	}
	if length == 4 {
		h.decodeCache.insert(pc, op)
	}
	return op, nil
}

func faultTrap(access mmu.Access, err error, vaddr uint64) error {
	if _, ok := err.(*mmu.PageFault); ok {
		switch access {
		case mmu.AccessRead:
			return trap.Exception(trap.LoadPageFault, vaddr)
		case mmu.AccessWrite:
			return trap.Exception(trap.StorePageFault, vaddr)
		default:
			return trap.Exception(trap.InsnPageFault, vaddr)
		}
	}
	switch access {
	case mmu.AccessRead:
		return trap.Exception(trap.LoadAccessFault, vaddr)
	case mmu.AccessWrite:
		return trap.Exception(trap.StoreAccessFault, vaddr)
	default:
		return trap.Exception(trap.InsnAccessFault, vaddr)
	}
}

// execute runs one decoded Op, advancing PC on non-branches and returning
// (trap, true) if it faulted.
func (h *Hart) execute(op decode.Op, clock TimeSource) (trap.Trap, bool) {
	nextPC := h.PC + uint64(op.Len)

	switch op.Kind {
	case decode.LUI:
		h.WriteReg(op.Rd, uint64(op.Imm))
	case decode.AUIPC:
		h.WriteReg(op.Rd, h.PC+uint64(op.Imm))

	case decode.JAL:
		h.WriteReg(op.Rd, nextPC)
		nextPC = h.PC + uint64(op.Imm)
	case decode.JALR:
		target := (h.ReadReg(op.Rs1) + uint64(op.Imm)) &^ 1
		h.WriteReg(op.Rd, nextPC)
		nextPC = target

	case decode.BEQ:
		if h.ReadReg(op.Rs1) == h.ReadReg(op.Rs2) {
			nextPC = h.PC + uint64(op.Imm)
		}
	case decode.BNE:
		if h.ReadReg(op.Rs1) != h.ReadReg(op.Rs2) {
			nextPC = h.PC + uint64(op.Imm)
		}
	case decode.BLT:
		if int64(h.ReadReg(op.Rs1)) < int64(h.ReadReg(op.Rs2)) {
			nextPC = h.PC + uint64(op.Imm)
		}
	case decode.BGE:
		if int64(h.ReadReg(op.Rs1)) >= int64(h.ReadReg(op.Rs2)) {
			nextPC = h.PC + uint64(op.Imm)
		}
	case decode.BLTU:
		if h.ReadReg(op.Rs1) < h.ReadReg(op.Rs2) {
			nextPC = h.PC + uint64(op.Imm)
		}
	case decode.BGEU:
		if h.ReadReg(op.Rs1) >= h.ReadReg(op.Rs2) {
			nextPC = h.PC + uint64(op.Imm)
		}

	case decode.LB, decode.LH, decode.LW, decode.LD, decode.LBU, decode.LHU, decode.LWU:
		v, t, ok := h.load(op)
		if !ok {
			return t, true
		}
		h.WriteReg(op.Rd, v)

	case decode.SB, decode.SH, decode.SW, decode.SD:
		if t, ok := h.store(op); !ok {
			return t, true
		}

	case decode.ADDI:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)+uint64(op.Imm))
	case decode.SLTI:
		h.WriteReg(op.Rd, boolU64(int64(h.ReadReg(op.Rs1)) < op.Imm))
	case decode.SLTIU:
		h.WriteReg(op.Rd, boolU64(h.ReadReg(op.Rs1) < uint64(op.Imm)))
	case decode.XORI:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)^uint64(op.Imm))
	case decode.ORI:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)|uint64(op.Imm))
	case decode.ANDI:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)&uint64(op.Imm))
	case decode.SLLI:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)<<op.Shamt)
	case decode.SRLI:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)>>op.Shamt)
	case decode.SRAI:
		h.WriteReg(op.Rd, uint64(int64(h.ReadReg(op.Rs1))>>op.Shamt))

	case decode.ADDIW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))+uint32(op.Imm)))
	case decode.SLLIW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))<<op.Shamt))
	case decode.SRLIW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))>>op.Shamt))
	case decode.SRAIW:
		h.WriteReg(op.Rd, uint64(int32(uint32(h.ReadReg(op.Rs1)))>>op.Shamt))

	case decode.ADD:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)+h.ReadReg(op.Rs2))
	case decode.SUB:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)-h.ReadReg(op.Rs2))
	case decode.SLL:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)<<(h.ReadReg(op.Rs2)&0x3f))
	case decode.SLT:
		h.WriteReg(op.Rd, boolU64(int64(h.ReadReg(op.Rs1)) < int64(h.ReadReg(op.Rs2))))
	case decode.SLTU:
		h.WriteReg(op.Rd, boolU64(h.ReadReg(op.Rs1) < h.ReadReg(op.Rs2)))
	case decode.XOR:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)^h.ReadReg(op.Rs2))
	case decode.SRL:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)>>(h.ReadReg(op.Rs2)&0x3f))
	case decode.SRA:
		h.WriteReg(op.Rd, uint64(int64(h.ReadReg(op.Rs1))>>(h.ReadReg(op.Rs2)&0x3f)))
	case decode.OR:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)|h.ReadReg(op.Rs2))
	case decode.AND:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)&h.ReadReg(op.Rs2))

	case decode.ADDW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))+uint32(h.ReadReg(op.Rs2))))
	case decode.SUBW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))-uint32(h.ReadReg(op.Rs2))))
	case decode.SLLW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))<<(h.ReadReg(op.Rs2)&0x1f)))
	case decode.SRLW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))>>(h.ReadReg(op.Rs2)&0x1f)))
	case decode.SRAW:
		h.WriteReg(op.Rd, uint64(int32(uint32(h.ReadReg(op.Rs1)))>>(h.ReadReg(op.Rs2)&0x1f)))

	case decode.MUL:
		h.WriteReg(op.Rd, h.ReadReg(op.Rs1)*h.ReadReg(op.Rs2))
	case decode.MULH:
		h.WriteReg(op.Rd, uint64(mulhSigned(int64(h.ReadReg(op.Rs1)), int64(h.ReadReg(op.Rs2)))))
	case decode.MULHSU:
		h.WriteReg(op.Rd, uint64(mulhSignedUnsigned(int64(h.ReadReg(op.Rs1)), h.ReadReg(op.Rs2))))
	case decode.MULHU:
		h.WriteReg(op.Rd, mulhUnsigned(h.ReadReg(op.Rs1), h.ReadReg(op.Rs2)))
	case decode.DIV:
		h.WriteReg(op.Rd, uint64(divSigned(int64(h.ReadReg(op.Rs1)), int64(h.ReadReg(op.Rs2)))))
	case decode.DIVU:
		h.WriteReg(op.Rd, divUnsigned(h.ReadReg(op.Rs1), h.ReadReg(op.Rs2)))
	case decode.REM:
		h.WriteReg(op.Rd, uint64(remSigned(int64(h.ReadReg(op.Rs1)), int64(h.ReadReg(op.Rs2)))))
	case decode.REMU:
		h.WriteReg(op.Rd, remUnsigned(h.ReadReg(op.Rs1), h.ReadReg(op.Rs2)))

	case decode.MULW:
		h.WriteReg(op.Rd, signExt32(uint32(h.ReadReg(op.Rs1))*uint32(h.ReadReg(op.Rs2))))
	case decode.DIVW:
		h.WriteReg(op.Rd, signExt32(uint32(divSigned(int64(int32(h.ReadReg(op.Rs1))), int64(int32(h.ReadReg(op.Rs2)))))))
	case decode.DIVUW:
		h.WriteReg(op.Rd, signExt32(uint32(divUnsigned(uint64(uint32(h.ReadReg(op.Rs1))), uint64(uint32(h.ReadReg(op.Rs2)))))))
	case decode.REMW:
		h.WriteReg(op.Rd, signExt32(uint32(remSigned(int64(int32(h.ReadReg(op.Rs1))), int64(int32(h.ReadReg(op.Rs2)))))))
	case decode.REMUW:
		h.WriteReg(op.Rd, signExt32(uint32(remUnsigned(uint64(uint32(h.ReadReg(op.Rs1))), uint64(uint32(h.ReadReg(op.Rs2)))))))

	case decode.FENCE, decode.FENCEI:
		// Single-hart-at-a-time memory model within this emulator: ordinary
		// Go memory visibility already gives us what FENCE/FENCE.I need.

	case decode.ECALL:
		cause := trap.EcallFromU
		switch h.priv {
		case PrivSupervisor:
			cause = trap.EcallFromS
		case PrivMachine:
			cause = trap.EcallFromM
		}
		return trap.Exception(cause, 0), true
	case decode.EBREAK:
		return trap.Exception(trap.Breakpoint, h.PC), true

	case decode.MRET:
		h.MRET()
		return trap.Trap{}, false
	case decode.SRET:
		h.SRET()
		return trap.Trap{}, false
	case decode.WFI:
		h.wfi.Store(true)

	case decode.SFENCEVMA:
		if op.Rs1 == 0 {
			h.MMU.Flush()
		} else {
			asid := uint16(0)
			if op.Rs2 != 0 {
				asid = uint16(h.ReadReg(op.Rs2))
			}
			h.MMU.FlushAddr(h.ReadReg(op.Rs1), asid)
		}
		h.decodeCache.flush()

	case decode.CSRRW, decode.CSRRS, decode.CSRRC, decode.CSRRWI, decode.CSRRSI, decode.CSRRCI:
		if t, ok := h.execCSR(op, clock); !ok {
			return t, true
		}

	case decode.LRW, decode.LRD, decode.SCW, decode.SCD,
		decode.AMOSWAPW, decode.AMOADDW, decode.AMOXORW, decode.AMOANDW, decode.AMOORW,
		decode.AMOMINW, decode.AMOMAXW, decode.AMOMINUW, decode.AMOMAXUW,
		decode.AMOSWAPD, decode.AMOADDD, decode.AMOXORD, decode.AMOANDD, decode.AMOORD,
		decode.AMOMIND, decode.AMOMAXD, decode.AMOMINUD, decode.AMOMAXUD:
		if t, ok := h.execAMO(op); !ok {
			return t, true
		}

	default:
		return trap.Exception(trap.IllegalInstruction, uint64(op.Raw)), true
	}

	h.PC = nextPC
	return trap.Trap{}, false
}

func (h *Hart) execCSR(op decode.Op, clock TimeSource) (trap.Trap, bool) {
	var csrSrc uint64
	switch op.Kind {
	case decode.CSRRWI, decode.CSRRSI, decode.CSRRCI:
		csrSrc = uint64(op.Imm)
	default:
		csrSrc = h.ReadReg(op.Rs1)
	}

	// Reads-then-writes order matters: CSRRS/CSRRC with rs1=x0 (or the
	// immediate forms with a zero immediate) must not perform the write at
	// all, since some CSRs have write side effects (e.g. satp TLB flush).
	old, err := h.CSRRead(uint16(op.Csr), clock)
	if err != nil {
		return err.(trap.Trap), false
	}

	writes := true
	switch op.Kind {
	case decode.CSRRS, decode.CSRRSI:
		writes = csrSrc != 0 || op.Rs1 != 0
	case decode.CSRRC, decode.CSRRCI:
		writes = csrSrc != 0 || op.Rs1 != 0
	}

	if writes {
		var newVal uint64
		switch op.Kind {
		case decode.CSRRW, decode.CSRRWI:
			newVal = csrSrc
		case decode.CSRRS, decode.CSRRSI:
			newVal = old | csrSrc
		case decode.CSRRC, decode.CSRRCI:
			newVal = old &^ csrSrc
		}
		if werr := h.CSRWrite(uint16(op.Csr), newVal); werr != nil {
			return werr.(trap.Trap), false
		}
	}
	h.WriteReg(op.Rd, old)
	return trap.Trap{}, true
}

func (h *Hart) load(op decode.Op) (uint64, trap.Trap, bool) {
	vaddr := h.ReadReg(op.Rs1) + uint64(op.Imm)
	paddr, err := h.MMU.Translate(h, vaddr, mmu.AccessRead)
	if err != nil {
		return 0, faultTrap(mmu.AccessRead, err, vaddr).(trap.Trap), false
	}
	switch op.Kind {
	case decode.LB:
		v, err := h.Bus.Read8(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return uint64(int8(v)), trap.Trap{}, true
	case decode.LH:
		v, err := h.Bus.Read16(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return uint64(int16(v)), trap.Trap{}, true
	case decode.LW:
		v, err := h.Bus.Read32(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return uint64(int32(v)), trap.Trap{}, true
	case decode.LD:
		v, err := h.Bus.Read64(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return v, trap.Trap{}, true
	case decode.LBU:
		v, err := h.Bus.Read8(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return uint64(v), trap.Trap{}, true
	case decode.LHU:
		v, err := h.Bus.Read16(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return uint64(v), trap.Trap{}, true
	case decode.LWU:
		v, err := h.Bus.Read32(paddr)
		if err != nil {
			return 0, trap.Exception(trap.LoadAccessFault, vaddr), false
		}
		return uint64(v), trap.Trap{}, true
	}
	return 0, trap.Exception(trap.IllegalInstruction, uint64(op.Raw)), false
}

func (h *Hart) store(op decode.Op) (trap.Trap, bool) {
	vaddr := h.ReadReg(op.Rs1) + uint64(op.Imm)
	paddr, err := h.MMU.Translate(h, vaddr, mmu.AccessWrite)
	if err != nil {
		return faultTrap(mmu.AccessWrite, err, vaddr).(trap.Trap), false
	}
	val := h.ReadReg(op.Rs2)
	var werr error
	switch op.Kind {
	case decode.SB:
		werr = h.Bus.Write8(paddr, uint8(val))
	case decode.SH:
		werr = h.Bus.Write16(paddr, uint16(val))
	case decode.SW:
		werr = h.Bus.Write32(paddr, uint32(val))
	case decode.SD:
		werr = h.Bus.Write64(paddr, val)
	}
	if werr != nil {
		return trap.Exception(trap.StoreAccessFault, vaddr), false
	}
	return trap.Trap{}, true
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExt32(v uint32) uint64 { return uint64(int64(int32(v))) }
