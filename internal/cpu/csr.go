package cpu

import "github.com/rvkit/hartcore/internal/trap"

// ISA extension bits for misa.
const (
	misaA uint64 = 1 << 0
	misaC uint64 = 1 << 2
	misaI uint64 = 1 << 8
	misaM uint64 = 1 << 12
	misaS uint64 = 1 << 18
	misaU uint64 = 1 << 20
)

const mxl64 uint64 = 2

// mstatus bits.
const (
	mstatusSIE  uint64 = 1 << 1
	mstatusMIE  uint64 = 1 << 3
	mstatusSPIE uint64 = 1 << 5
	mstatusMPIE uint64 = 1 << 7
	mstatusSPP  uint64 = 1 << 8
	mstatusMPP  uint64 = 3 << 11
	mstatusMPRV uint64 = 1 << 17
	mstatusSUM  uint64 = 1 << 18
	mstatusMXR  uint64 = 1 << 19
	mstatusTVM  uint64 = 1 << 20
	mstatusTW   uint64 = 1 << 21
	mstatusTSR  uint64 = 1 << 22
)

const (
	mstatusSPPShift = 8
	mstatusMPPShift = 11
)

// mip/mie bits.
const (
	mipSSIP uint64 = 1 << 1
	mipMSIP uint64 = 1 << 3
	mipSTIP uint64 = 1 << 5
	mipMTIP uint64 = 1 << 7
	mipSEIP uint64 = 1 << 9
	mipMEIP uint64 = 1 << 11
)

// CSR addresses.
const (
	csrFflags     uint16 = 0x001
	csrFrm        uint16 = 0x002
	csrFcsr       uint16 = 0x003
	csrCycle      uint16 = 0xC00
	csrTime       uint16 = 0xC01
	csrInstret    uint16 = 0xC02
	csrSstatus    uint16 = 0x100
	csrSie        uint16 = 0x104
	csrStvec      uint16 = 0x105
	csrScounteren uint16 = 0x106
	csrSscratch   uint16 = 0x140
	csrSepc       uint16 = 0x141
	csrScause     uint16 = 0x142
	csrStval      uint16 = 0x143
	csrSip        uint16 = 0x144
	csrSatp       uint16 = 0x180
	csrMstatus    uint16 = 0x300
	csrMisa       uint16 = 0x301
	csrMedeleg    uint16 = 0x302
	csrMideleg    uint16 = 0x303
	csrMie        uint16 = 0x304
	csrMtvec      uint16 = 0x305
	csrMcounteren uint16 = 0x306
	csrMscratch   uint16 = 0x340
	csrMepc       uint16 = 0x341
	csrMcause     uint16 = 0x342
	csrMtval      uint16 = 0x343
	csrMip        uint16 = 0x344
	csrMhartid    uint16 = 0xF14
)

// sstatusMask is the subset of mstatus bits visible through the sstatus
// mirror CSR (no FS/SD here: this core has no F/D extension).
const sstatusMask = mstatusSIE | mstatusSPIE | mstatusSPP | mstatusSUM | mstatusMXR

// TimeSource supplies the value of the `time` CSR, backed by the machine's
// CLINT mtime register rather than a free-running cycle counter.
type TimeSource interface {
	Mtime() uint64
}

// CSRRead reads csr, honoring privilege gating (address bits [9:8]).
func (h *Hart) CSRRead(csr uint16, clock TimeSource) (uint64, error) {
	if h.priv < (uint8(csr>>8) & 3) {
		return 0, trap.Exception(trap.IllegalInstruction, 0)
	}

	switch csr {
	case csrFflags:
		return uint64(h.fflags), nil
	case csrFrm:
		return uint64(h.frm), nil
	case csrFcsr:
		return uint64(h.fflags) | (uint64(h.frm) << 5), nil

	case csrCycle:
		return h.Cycle, nil
	case csrTime:
		if clock != nil {
			return clock.Mtime(), nil
		}
		return h.Cycle, nil
	case csrInstret:
		return h.Instret, nil

	case csrSstatus:
		return h.readSstatus(), nil
	case csrSie:
		return h.mie & h.mideleg, nil
	case csrStvec:
		return h.stvec, nil
	case csrScounteren:
		return h.scounteren, nil
	case csrSscratch:
		return h.sscratch, nil
	case csrSepc:
		return h.sepc, nil
	case csrScause:
		return h.scause, nil
	case csrStval:
		return h.stval, nil
	case csrSip:
		return h.mip.Load() & h.mideleg, nil
	case csrSatp:
		return h.satp, nil

	case csrMstatus:
		return h.mstatus, nil
	case csrMisa:
		return h.misa, nil
	case csrMedeleg:
		return h.medeleg, nil
	case csrMideleg:
		return h.mideleg, nil
	case csrMie:
		return h.mie, nil
	case csrMtvec:
		return h.mtvec, nil
	case csrMcounteren:
		return h.mcounteren, nil
	case csrMscratch:
		return h.mscratch, nil
	case csrMepc:
		return h.mepc, nil
	case csrMcause:
		return h.mcause, nil
	case csrMtval:
		return h.mtval, nil
	case csrMip:
		return h.mip.Load(), nil
	case csrMhartid:
		return h.ID, nil

	default:
		return 0, trap.Exception(trap.IllegalInstruction, 0)
	}
}

// CSRWrite writes val to csr. A write to a read-only CSR (address bits
// [11:10]=11, e.g. cycle/time/instret/mhartid) is silently ignored rather
// than faulting.
func (h *Hart) CSRWrite(csr uint16, val uint64) error {
	if h.priv < (uint8(csr>>8) & 3) {
		return trap.Exception(trap.IllegalInstruction, 0)
	}
	if csr>>10 == 3 {
		return nil
	}

	switch csr {
	case csrFflags:
		h.fflags = uint8(val & 0x1f)
	case csrFrm:
		h.frm = uint8(val & 0x7)
	case csrFcsr:
		h.fflags = uint8(val & 0x1f)
		h.frm = uint8((val >> 5) & 0x7)

	case csrSstatus:
		h.writeSstatus(val)
	case csrSie:
		h.mie = (h.mie &^ h.mideleg) | (val & h.mideleg)
	case csrStvec:
		h.stvec = val
	case csrScounteren:
		h.scounteren = val
	case csrSscratch:
		h.sscratch = val
	case csrSepc:
		h.sepc = val &^ 1
	case csrScause:
		h.scause = val
	case csrStval:
		h.stval = val
	case csrSip:
		h.setMip(mipSSIP, val&mipSSIP != 0)
	case csrSatp:
		h.satp = val
		h.MMU.Flush()
		h.decodeCache.flush()

	case csrMstatus:
		h.writeMstatus(val)
	case csrMisa:
		// read-only in this implementation: extensions are fixed at reset
	case csrMedeleg:
		h.medeleg = val & 0xb3ff
	case csrMideleg:
		h.mideleg = val & (mipSSIP | mipSTIP | mipSEIP)
	case csrMie:
		h.mie = val & (mipSSIP | mipMSIP | mipSTIP | mipMTIP | mipSEIP | mipMEIP)
	case csrMtvec:
		h.mtvec = val
	case csrMcounteren:
		h.mcounteren = val
	case csrMscratch:
		h.mscratch = val
	case csrMepc:
		h.mepc = val &^ 1
	case csrMcause:
		h.mcause = val
	case csrMtval:
		h.mtval = val
	case csrMip:
		mask := mipSSIP | mipSTIP | mipSEIP
		for _, b := range []uint64{mipSSIP, mipSTIP, mipSEIP} {
			if mask&b != 0 {
				h.setMip(b, val&b != 0)
			}
		}
	case csrMhartid:
		// read-only

	default:
		// unimplemented CSRs are writable no-ops rather than illegal, matching
		// the permissive behavior real firmware (OpenSBI/U-Boot) expects from
		// probe writes to CSRs it doesn't strictly need.
	}
	return nil
}

func (h *Hart) readSstatus() uint64 {
	return h.mstatus & sstatusMask
}

func (h *Hart) writeSstatus(val uint64) {
	h.mstatus = (h.mstatus &^ sstatusMask) | (val & sstatusMask)
}

func (h *Hart) writeMstatus(val uint64) {
	const writable = mstatusSIE | mstatusMIE | mstatusSPIE | mstatusMPIE |
		mstatusSPP | mstatusMPP | mstatusMPRV | mstatusSUM | mstatusMXR |
		mstatusTVM | mstatusTW | mstatusTSR
	h.mstatus = (h.mstatus &^ writable) | (val & writable)
}

// Mstatus exposes the raw CSR for machine-level wiring (FDT, debug dumps).
func (h *Hart) Mstatus() uint64 { return h.mstatus }

// Mip exposes the raw pending-interrupt bits.
func (h *Hart) Mip() uint64 { return h.mip.Load() }
