// Package machine wires the per-component models (bus, harts, CLINT, PLIC,
// UART, VirtIO transports) into a runnable multi-hart system: C1-C12 of
// SPEC_FULL.md assembled the way rv64.NewMachine assembles the teacher's
// single-hart equivalent, generalized to N harts and N VirtIO slots.
package machine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvkit/hartcore/internal/block"
	"github.com/rvkit/hartcore/internal/bus"
	"github.com/rvkit/hartcore/internal/clint"
	"github.com/rvkit/hartcore/internal/cpu"
	"github.com/rvkit/hartcore/internal/plic"
	"github.com/rvkit/hartcore/internal/uart"
	"github.com/rvkit/hartcore/internal/virtio"
)

// Physical memory map, spec.md §6. Base addresses match the teacher's
// rv64/cpu.go constants exactly; CLINT/UART region sizes differ (the
// teacher under-sized both) and follow spec.md here.
const (
	RAMBase = 0x8000_0000

	CLINTBase = 0x0200_0000
	PLICBase  = 0x0c00_0000
	UARTBase  = 0x1000_0000

	VirtIOBase   = 0x1000_1000
	VirtIOStride = 0x1000

	FinisherBase = 0x0010_0000

	// interruptPollInterval bounds worst-case interrupt delivery latency
	// for a hart spinning outside WFI; cpu.Step checks WFI itself but
	// doesn't poll mip on every instruction, so the run loop does.
	interruptPollInterval = 256
)

// Test-finisher values, SiFive HTIF-style (spec.md §6): a 32-bit write of
// 0x5555 halts the machine with success, 0x3333 with failure. No teacher
// equivalent; this exists purely so guest test binaries can signal
// completion without a real board's reset controller.
const (
	FinisherPass = 0x5555
	FinisherFail = 0x3333
)

// Config describes one machine instance to build.
type Config struct {
	HartCount int
	RAMSize   uint64

	Kernel   []byte
	KernelAt uint64 // offset from RAMBase; 0 if unset

	BootArgs string

	ConsoleOut func(b byte)

	Block virtio.BlockBackend
	Net   virtio.NetBackend
	RNG   bool

	// UseBlockEngine toggles the superblock execution engine per hart. With
	// it off, every hart runs through cpu.Hart.Step one instruction at a
	// time; with it on, straight-line runs are decoded once and replayed.
	// Both modes must produce identical guest-visible behavior.
	UseBlockEngine bool
}

// Machine is a complete, runnable system: N harts sharing a bus, CLINT,
// PLIC, UART, and however many VirtIO devices Config asked for.
type Machine struct {
	cfg Config

	Bus   *bus.Bus
	Harts []*cpu.Hart
	CLINT *clint.CLINT
	PLIC  *plic.PLIC
	UART  *uart.UART

	VirtIO []*virtio.Transport

	halted   atomic.Bool
	exitCode atomic.Uint32
	haltCh   chan struct{}
	haltOnce sync.Once

	wg sync.WaitGroup
}

// meipSink and seipSink adapt a *cpu.Hart's machine/supervisor external
// interrupt-pending bits to plic.ContextSink; contexts are numbered
// 2*hart (M-mode) and 2*hart+1 (S-mode), the generalization of spec.md
// §4.8's two-context convention to N harts.
type meipSink struct{ h *cpu.Hart }

func (s meipSink) SetPending(v bool) { s.h.SetMEIP(v) }

type seipSink struct{ h *cpu.Hart }

func (s seipSink) SetPending(v bool) { s.h.SetSEIP(v) }

// New builds a Machine from cfg but does not start any harts.
func New(cfg Config) (*Machine, error) {
	if cfg.HartCount <= 0 {
		cfg.HartCount = 1
	}
	if cfg.RAMSize == 0 {
		return nil, fmt.Errorf("machine: RAMSize must be non-zero")
	}

	m := &Machine{cfg: cfg, haltCh: make(chan struct{})}
	m.Bus = bus.NewBus(RAMBase, cfg.RAMSize)

	m.Harts = make([]*cpu.Hart, cfg.HartCount)
	for i := range m.Harts {
		m.Harts[i] = cpu.New(uint64(i), m.Bus)
	}

	hartSinks := make([]clint.HartSink, cfg.HartCount)
	for i, h := range m.Harts {
		hartSinks[i] = h
	}
	m.CLINT = clint.New(hartSinks)
	m.Bus.AddDevice(CLINTBase, m.CLINT)

	plicSinks := make([]plic.ContextSink, 0, 2*cfg.HartCount)
	for _, h := range m.Harts {
		plicSinks = append(plicSinks, meipSink{h}, seipSink{h})
	}
	m.PLIC = plic.New(plicSinks)
	m.Bus.AddDevice(PLICBase, m.PLIC)

	m.UART = uart.New(cfg.ConsoleOut)
	m.UART.SetInterruptSink(func(active bool) { m.PLIC.SetPending(uartIRQ, active) })
	m.Bus.AddDevice(UARTBase, m.UART)

	slot := uint64(0)
	addTransport := func(dev virtio.Device) *virtio.Transport {
		t := virtio.New(m.Bus, dev)
		base := VirtIOBase + slot*VirtIOStride
		source := uint32(virtioIRQBase) + uint32(slot)
		t.SetInterruptSink(func(active bool) { m.PLIC.SetPending(source, active) })
		m.Bus.AddDevice(base, t)
		m.VirtIO = append(m.VirtIO, t)
		slot++
		return t
	}

	if cfg.Block != nil {
		addTransport(virtio.NewBlockDevice(cfg.Block))
	}
	if cfg.Net != nil {
		addTransport(virtio.NewNetDevice(cfg.Net))
	}
	if cfg.RNG {
		addTransport(virtio.NewRNGDevice(m.CLINT.Mtime()))
	}

	m.Bus.AddDevice(FinisherBase, &testFinisher{m: m})

	if err := m.loadKernel(); err != nil {
		return nil, err
	}

	dtb, err := m.buildDTB()
	if err != nil {
		return nil, err
	}
	dtbAddr := RAMBase + cfg.RAMSize - uint64(len(dtb)) - 0x1000
	if err := m.Bus.LoadBytes(dtbAddr, dtb); err != nil {
		return nil, fmt.Errorf("machine: writing dtb: %w", err)
	}

	entry := RAMBase + cfg.KernelAt
	for i, h := range m.Harts {
		h.PC = entry
		h.WriteReg(10, uint64(i))    // a0 = hart id
		h.WriteReg(11, dtbAddr)      // a1 = dtb pointer, RISC-V boot convention
	}

	return m, nil
}

// IRQ source numbering: UART first, then one source per VirtIO slot in the
// order Config wired them (block, net, rng).
const (
	uartIRQ      = 1
	virtioIRQBase = 2
)

func (m *Machine) loadKernel() error {
	if len(m.cfg.Kernel) == 0 {
		return nil
	}
	if uint64(len(m.cfg.Kernel))+m.cfg.KernelAt > m.cfg.RAMSize {
		return fmt.Errorf("machine: kernel image (%d bytes) does not fit in RAM (%d bytes)", len(m.cfg.Kernel), m.cfg.RAMSize)
	}
	return m.Bus.LoadBytes(RAMBase+m.cfg.KernelAt, m.cfg.Kernel)
}

// testFinisher implements the SiFive-style shutdown device (spec.md §6).
// No teacher counterpart; the bus.Device contract is the only thing it
// borrows.
type testFinisher struct {
	m *Machine
}

func (f *testFinisher) Size() uint64 { return 0x1000 }

func (f *testFinisher) Read(offset uint64, size int) (uint64, error) { return 0, nil }

func (f *testFinisher) Write(offset uint64, size int, value uint64) error {
	if offset == 0 {
		f.m.halt(uint32(value))
	}
	return nil
}

func (m *Machine) halt(code uint32) {
	m.haltOnce.Do(func() {
		m.exitCode.Store(code)
		m.halted.Store(true)
		close(m.haltCh)
	})
}

// Halted reports whether any hart (or the test-finisher) has stopped the
// machine.
func (m *Machine) Halted() bool { return m.halted.Load() }

// ExitCode returns the value written to the test-finisher, valid only once
// Halted() is true. 0 means the machine stopped for a reason other than the
// finisher (context cancellation, a fatal internal error).
func (m *Machine) ExitCode() uint32 { return m.exitCode.Load() }

// Run drives every hart until the machine halts or ctx is cancelled. It
// starts its own CLINT ticker goroutine (100ns/tick, matching the teacher's
// nsPerTick) so mtime advances and timer interrupts fire even while every
// hart is parked in WFI. The same goroutine calls PollRX on a wired
// virtio-net device each tick.
func (m *Machine) Run(ctx context.Context) error {
	tickCtx, cancelTick := context.WithCancel(ctx)
	defer cancelTick()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tickLoop(tickCtx)
	}()

	for i := range m.Harts {
		m.wg.Add(1)
		go func(idx int) {
			defer m.wg.Done()
			m.runHart(ctx, idx)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-m.haltCh:
	case <-ctx.Done():
	case <-done:
	}
	cancelTick()
	<-done
	return nil
}

func (m *Machine) tickLoop(ctx context.Context) {
	t := time.NewTicker(100 * time.Nanosecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.CLINT.Tick()
			for _, tr := range m.VirtIO {
				if nd, ok := tr.Dev.(*virtio.NetDevice); ok {
					nd.PollRX(tr)
				}
			}
		}
	}
}

func (m *Machine) runHart(ctx context.Context, idx int) {
	h := m.Harts[idx]
	if m.cfg.UseBlockEngine {
		m.runHartBlock(ctx, idx, h)
		return
	}

	steps := 0
	for {
		select {
		case <-m.haltCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if steps%interruptPollInterval == 0 {
			h.CheckAndDeliverInterrupt()
		}

		res, err := h.Step(m.CLINT)
		if err != nil {
			m.halt(0)
			return
		}
		if res.WFI {
			m.CLINT.WaitForInterrupt(idx, 10*time.Millisecond)
			h.CheckAndDeliverInterrupt()
			continue
		}
		steps++
	}
}

func (m *Machine) runHartBlock(ctx context.Context, idx int, h *cpu.Hart) {
	cache := block.NewCache(h)
	steps := 0
	for {
		select {
		case <-m.haltCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if steps%interruptPollInterval == 0 {
			h.CheckAndDeliverInterrupt()
		}

		if h.WaitingForInterrupt() {
			m.CLINT.WaitForInterrupt(idx, 10*time.Millisecond)
			h.CheckAndDeliverInterrupt()
			continue
		}

		res, retired, err := cache.Run(m.CLINT)
		if err != nil {
			m.halt(0)
			return
		}
		steps += retired
		_ = res
	}
}
