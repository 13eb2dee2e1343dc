package machine

import (
	"context"
	"testing"
	"time"
)

func encodeLUI(rd uint32, val uint32) uint32 {
	return (val &^ 0xfff) | (rd << 7) | 0x37
}

func encodeADDI(rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | rd<<7 | 0x13
}

func encodeSW(rs2, rs1 uint32, imm int32) uint32 {
	u := uint32(imm)
	lo := (u & 0x1f) << 7
	hi := ((u >> 5) & 0x7f) << 25
	return hi | (rs2 << 20) | (rs1 << 15) | (2 << 12) | lo | 0x23
}

const jal0 = 0x0000006f // jal x0, 0 (self-loop)

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// finisherKernel builds a tiny program that writes code to the test-finisher
// MMIO register and then spins, so Run observes a clean halt rather than an
// unhandled trap.
func finisherKernel(code uint32) []byte {
	k := make([]byte, 20)
	putU32(k, 0, encodeLUI(1, uint32(FinisherBase)))
	putU32(k, 4, encodeLUI(2, code&0xfffff000))
	putU32(k, 8, encodeADDI(2, 2, int32(code&0xfff)))
	putU32(k, 12, encodeSW(2, 1, 0))
	putU32(k, 16, jal0)
	return k
}

func TestMachineBootsAndHaltsOnFinisherWrite(t *testing.T) {
	m, err := New(Config{
		HartCount: 1,
		RAMSize:   64 * 1024,
		Kernel:    finisherKernel(FinisherPass),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := m.Harts[0].ReadReg(10); got != 0 {
		t.Fatalf("a0 (hart id) = %d, want 0", got)
	}
	if got := m.Harts[0].ReadReg(11); got == 0 {
		t.Fatal("a1 (dtb pointer) must be nonzero")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Halted() {
		t.Fatal("expected the machine to halt via the test-finisher write")
	}
	if m.ExitCode() != FinisherPass {
		t.Fatalf("ExitCode() = 0x%x, want 0x%x", m.ExitCode(), FinisherPass)
	}
}

func TestMachineDTBStartsWithFDTMagic(t *testing.T) {
	m, err := New(Config{
		HartCount: 2,
		RAMSize:   64 * 1024,
		Kernel:    finisherKernel(FinisherPass),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dtb, err := m.buildDTB()
	if err != nil {
		t.Fatalf("buildDTB: %v", err)
	}
	if len(dtb) < 4 {
		t.Fatal("dtb too short")
	}
	magic := uint32(dtb[0])<<24 | uint32(dtb[1])<<16 | uint32(dtb[2])<<8 | uint32(dtb[3])
	if magic != 0xd00dfeed {
		t.Fatalf("dtb magic = 0x%x, want 0xd00dfeed", magic)
	}
}
