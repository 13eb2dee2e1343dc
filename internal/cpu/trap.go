package cpu

import "github.com/rvkit/hartcore/internal/trap"

// PendingInterrupt reports the highest-priority pending, enabled interrupt,
// if any, following external > software > timer priority within a privilege
// level and machine-before-supervisor across levels.
func (h *Hart) PendingInterrupt() (trap.Trap, bool) {
	pending := h.mip.Load() & h.mie
	if pending == 0 {
		return trap.Trap{}, false
	}

	mEnabled := h.priv < PrivMachine || h.mstatus&mstatusMIE != 0
	if mEnabled {
		switch {
		case pending&mipMEIP != 0:
			return trap.Interrupt(trap.MExternalInt), true
		case pending&mipMSIP != 0:
			return trap.Interrupt(trap.MSoftwareInt), true
		case pending&mipMTIP != 0:
			return trap.Interrupt(trap.MTimerInt), true
		}
	}

	// Interrupts delegated to S-mode are only masked by SIE when already in
	// S-mode; from U-mode they are always live.
	sEnabled := h.priv < PrivSupervisor || (h.priv == PrivSupervisor && h.mstatus&mstatusSIE != 0)
	sPending := pending & h.mideleg
	if sEnabled {
		switch {
		case sPending&mipSEIP != 0:
			return trap.Interrupt(trap.SExternalInt), true
		case sPending&mipSSIP != 0:
			return trap.Interrupt(trap.SSoftwareInt), true
		case sPending&mipSTIP != 0:
			return trap.Interrupt(trap.STimerInt), true
		}
	}
	return trap.Trap{}, false
}

// EnterTrap delivers t, delegating to S-mode when the hart's current
// privilege is at or below S and the cause is delegated via medeleg/mideleg,
// otherwise trapping to M-mode. It stacks xPP/xPIE and sets PC from
// xtvec, honoring vectored mode for interrupts.
func (h *Hart) EnterTrap(t trap.Trap) {
	code := t.Code()
	delegate := h.priv <= PrivSupervisor && delegated(t, h.medeleg, h.mideleg, code)

	if delegate {
		h.sepc = h.PC
		h.scause = uint64(t.Cause)
		h.stval = t.Tval

		if h.mstatus&mstatusSIE != 0 {
			h.mstatus |= mstatusSPIE
		} else {
			h.mstatus &^= mstatusSPIE
		}
		h.mstatus &^= mstatusSIE

		if h.priv == PrivSupervisor {
			h.mstatus |= mstatusSPP
		} else {
			h.mstatus &^= mstatusSPP
		}
		h.priv = PrivSupervisor

		if h.stvec&1 == 1 && t.IsInterrupt {
			h.PC = (h.stvec &^ 1) + 4*code
		} else {
			h.PC = h.stvec &^ 3
		}
		return
	}

	h.mepc = h.PC
	h.mcause = uint64(t.Cause)
	h.mtval = t.Tval

	if h.mstatus&mstatusMIE != 0 {
		h.mstatus |= mstatusMPIE
	} else {
		h.mstatus &^= mstatusMPIE
	}
	h.mstatus &^= mstatusMIE

	h.mstatus &^= mstatusMPP
	h.mstatus |= uint64(h.priv) << mstatusMPPShift
	h.priv = PrivMachine

	if h.mtvec&1 == 1 && t.IsInterrupt {
		h.PC = (h.mtvec &^ 1) + 4*code
	} else {
		h.PC = h.mtvec &^ 3
	}
}

func delegated(t trap.Trap, medeleg, mideleg uint64, code uint64) bool {
	if t.IsInterrupt {
		return mideleg&(1<<code) != 0
	}
	return medeleg&(1<<code) != 0
}

// MRET returns from an M-mode trap: restores MIE from MPIE, restores
// privilege from MPP, and clears MPRV when leaving M-mode (since MPRV only
// has effect while in M-mode).
func (h *Hart) MRET() {
	mpp := uint8((h.mstatus & mstatusMPP) >> mstatusMPPShift)
	if h.mstatus&mstatusMPIE != 0 {
		h.mstatus |= mstatusMIE
	} else {
		h.mstatus &^= mstatusMIE
	}
	h.mstatus |= mstatusMPIE
	h.mstatus &^= mstatusMPP
	h.priv = mpp
	if mpp != PrivMachine {
		h.mstatus &^= mstatusMPRV
	}
	h.PC = h.mepc
}

// SRET returns from an S-mode trap, mirroring MRET one privilege level down.
func (h *Hart) SRET() {
	spp := uint8((h.mstatus & mstatusSPP) >> mstatusSPPShift)
	if h.mstatus&mstatusSPIE != 0 {
		h.mstatus |= mstatusSIE
	} else {
		h.mstatus &^= mstatusSIE
	}
	h.mstatus |= mstatusSPIE
	h.mstatus &^= mstatusSPP
	h.priv = spp
	if spp != PrivMachine {
		h.mstatus &^= mstatusMPRV
	}
	h.PC = h.sepc
}
