// Package bus implements the physical memory and MMIO routing layer (C1):
// a byte-addressable DRAM window plus fixed-base device regions, with
// atomic read-modify-write primitives for the A-extension.
package bus

import (
	"encoding/binary"
	"fmt"
	"sync"
)

var cpuEndian = binary.LittleEndian

// Access kinds, used for fault classification by callers (MMU, devices).
const (
	AccessLoad = iota
	AccessStore
	AccessInstruction
)

// Device is a memory-mapped peripheral addressable by offset within its region.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// AtomicDevice is implemented by devices that want their own AMO semantics
// (e.g. refusing them). Devices that don't implement it get StoreAccessFault
// on AMO per spec.md's "AMO on MMIO" design decision (DESIGN.md).
type AtomicDevice interface {
	AtomicRMW(offset uint64, size int, fn func(old uint64) uint64) (uint64, error)
}

// MemoryRegion is a contiguous slab of guest RAM.
type MemoryRegion struct {
	mu   sync.Mutex
	Data []byte
}

func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{Data: make([]byte, size)}
}

func (m *MemoryRegion) Size() uint64 { return uint64(len(m.Data)) }

func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// AtomicRMW performs a locked read-modify-write on the region, giving AMO*
// true cross-hart atomicity (spec.md §5 "AMO* operations must be globally
// atomic across all harts").
func (m *MemoryRegion) AtomicRMW(offset uint64, size int, fn func(old uint64) uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, err := m.Read(offset, size)
	if err != nil {
		return 0, err
	}
	if err := m.Write(offset, size, fn(old)); err != nil {
		return 0, err
	}
	return old, nil
}

// Slice returns a direct view into the region for virtqueue walking.
func (m *MemoryRegion) Slice(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(m.Data)) {
		return nil, fmt.Errorf("memory slice out of bounds: offset=0x%x length=%d len=%d", offset, length, len(m.Data))
	}
	return m.Data[offset : offset+length], nil
}

// mapping associates a device with its base address.
type mapping struct {
	base uint64
	size uint64
	dev  Device
}

// Bus routes physical accesses to RAM or an MMIO device by address range.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64

	// Reservations tracks outstanding LR/SC reservations across all harts;
	// every Write on the bus invalidates any overlapping one (see
	// reservations.go).
	Reservations *Reservations

	mu    sync.RWMutex
	devs  []mapping
}

func NewBus(ramBase, ramSize uint64) *Bus {
	return &Bus{RAM: NewMemoryRegion(ramSize), RAMBase: ramBase, Reservations: NewReservations()}
}

// AddDevice registers a device's MMIO window. Not safe to call concurrently
// with Read/Write; devices are wired up once at machine construction.
func (b *Bus) AddDevice(base uint64, dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devs = append(b.devs, mapping{base: base, size: dev.Size(), dev: dev})
}

func (b *Bus) find(addr uint64) (Device, uint64, error) {
	if addr >= b.RAMBase && addr < b.RAMBase+b.RAM.Size() {
		return b.RAM, addr - b.RAMBase, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.devs {
		if addr >= m.base && addr < m.base+m.size {
			return m.dev, addr - m.base, nil
		}
	}
	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, off, err := b.find(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(off, size)
}

func (b *Bus) Write(addr uint64, size int, value uint64) error {
	dev, off, err := b.find(addr)
	if err != nil {
		return err
	}
	if err := dev.Write(off, size, value); err != nil {
		return err
	}
	b.Reservations.InvalidateOverlapping(addr)
	return nil
}

func (b *Bus) Read8(addr uint64) (uint8, error) {
	v, err := b.Read(addr, 1)
	return uint8(v), err
}
func (b *Bus) Read16(addr uint64) (uint16, error) {
	v, err := b.Read(addr, 2)
	return uint16(v), err
}
func (b *Bus) Read32(addr uint64) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}
func (b *Bus) Read64(addr uint64) (uint64, error) { return b.Read(addr, 8) }

func (b *Bus) Write8(addr uint64, v uint8) error   { return b.Write(addr, 1, uint64(v)) }
func (b *Bus) Write16(addr uint64, v uint16) error { return b.Write(addr, 2, uint64(v)) }
func (b *Bus) Write32(addr uint64, v uint32) error { return b.Write(addr, 4, uint64(v)) }
func (b *Bus) Write64(addr uint64, v uint64) error { return b.Write(addr, 8, v) }

// LoadBytes loads a blob (kernel/disk image) at a physical address.
func (b *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= b.RAMBase && addr+uint64(len(data)) <= b.RAMBase+b.RAM.Size() {
		copy(b.RAM.Data[addr-b.RAMBase:], data)
		return nil
	}
	for i, v := range data {
		if err := b.Write8(addr+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// Fetch reads up to 4 bytes for instruction fetch, returning only the first
// 16 bits read when the low bits indicate a compressed encoding (bus-level
// mechanics only; misalignment/fault classification is the caller's job).
func (b *Bus) Fetch(addr uint64) (uint32, error) {
	lo, err := b.Read16(addr)
	if err != nil {
		return 0, err
	}
	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}
	hi, err := b.Read16(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | (uint32(hi) << 16), nil
}

// AtomicRMW performs a globally-atomic read-modify-write for AMO* at addr.
// Devices that don't implement AtomicDevice reject AMO (spec.md §9 open
// question "AMO on MMIO": this implementation faults for safety).
func (b *Bus) AtomicRMW(addr uint64, size int, fn func(old uint64) uint64) (uint64, error) {
	dev, off, err := b.find(addr)
	if err != nil {
		return 0, err
	}
	ad, ok := dev.(AtomicDevice)
	if !ok {
		return 0, fmt.Errorf("device at 0x%x does not support atomic access", addr)
	}
	old, err := ad.AtomicRMW(off, size, fn)
	if err != nil {
		return 0, err
	}
	b.Reservations.InvalidateOverlapping(addr)
	return old, nil
}

// IsRAM reports whether addr falls inside the DRAM window, used by callers
// that need to decide whether an AMO target is safe without probing devices.
func (b *Bus) IsRAM(addr uint64) bool {
	return addr >= b.RAMBase && addr < b.RAMBase+b.RAM.Size()
}
