// Package trap defines the architectural trap causes and the Trap value
// used to carry exceptions and interrupts from the decoder, MMU, and
// interpreter up to the hart's trap-delivery logic (C10).
package trap

import "fmt"

// Cause is an exception code, interrupt code, or memory access kind as used
// throughout the trap machinery.
type Cause uint64

// Exception causes (bit 63 clear).
const (
	InsnAddrMisaligned  Cause = 0
	InsnAccessFault     Cause = 1
	IllegalInstruction  Cause = 2
	Breakpoint          Cause = 3
	LoadAddrMisaligned  Cause = 4
	LoadAccessFault     Cause = 5
	StoreAddrMisaligned Cause = 6
	StoreAccessFault    Cause = 7
	EcallFromU          Cause = 8
	EcallFromS          Cause = 9
	EcallFromM          Cause = 11
	InsnPageFault       Cause = 12
	LoadPageFault       Cause = 13
	StorePageFault      Cause = 15
)

// interruptBit marks an interrupt cause, mirroring mcause[63].
const interruptBit = Cause(1) << 63

// Interrupt causes (bit 63 set).
const (
	SSoftwareInt Cause = interruptBit | 1
	MSoftwareInt Cause = interruptBit | 3
	STimerInt    Cause = interruptBit | 5
	MTimerInt    Cause = interruptBit | 7
	SExternalInt Cause = interruptBit | 9
	MExternalInt Cause = interruptBit | 11
)

// Trap is an architectural exception or interrupt. It is returned as an
// error by the decoder, MMU, and interpreter helpers, but a Hart's Step
// always catches it and drives the trap-delivery state machine itself —
// it never escapes Step as a plain Go error.
type Trap struct {
	IsInterrupt bool
	Cause       Cause
	Tval        uint64
}

func (t Trap) Error() string {
	kind := "exception"
	if t.IsInterrupt {
		kind = "interrupt"
	}
	return fmt.Sprintf("%s: cause=%d tval=0x%x", kind, uint64(t.Cause)&^uint64(interruptBit), t.Tval)
}

// Exception constructs a non-interrupt Trap.
func Exception(cause Cause, tval uint64) Trap {
	return Trap{Cause: cause, Tval: tval}
}

// Interrupt constructs an interrupt Trap. cause must already carry the
// interrupt bit (use one of the *Int constants).
func Interrupt(cause Cause) Trap {
	return Trap{IsInterrupt: true, Cause: cause}
}

// Code returns the exception/interrupt code with the interrupt bit stripped,
// as stored in the low bits of mcause/scause alongside the sign bit.
func (t Trap) Code() uint64 {
	return uint64(t.Cause) &^ uint64(interruptBit)
}
