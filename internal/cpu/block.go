package cpu

import (
	"github.com/rvkit/hartcore/internal/decode"
	"github.com/rvkit/hartcore/internal/trap"
)

// ExecuteDecoded runs one already-decoded instruction, for callers (the
// block engine) that fetched and decoded ahead of execution and want to
// replay without paying fetch/decode cost again. Bookkeeping matches Step
// exactly: Cycle/Instret only advance on a non-trapping instruction, so
// running a hart through cached blocks retires the same counts as running
// it one Step at a time.
func (h *Hart) ExecuteDecoded(op decode.Op, clock TimeSource) (trap.Trap, bool) {
	t, trapped := h.execute(op, clock)
	if !trapped {
		h.Cycle++
		h.Instret++
	}
	return t, trapped
}

// WaitingForInterrupt reports whether the hart is currently parked in WFI,
// for callers that want to skip block compilation while parked.
func (h *Hart) WaitingForInterrupt() bool { return h.wfi.Load() }
