// Package virtio implements the legacy (version 2) VirtIO MMIO transport
// (C5) and the block/net/rng device models built on top of it (C6).
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/rvkit/hartcore/internal/bus"
)

// Descriptor flag bits, grounded on ccvm/virtio.go's VRING_DESC_F_* sketch.
const (
	DescFNext  = 1
	DescFWrite = 2
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// Segment is one descriptor's buffer, resolved to a physical address.
type Segment struct {
	Addr  uint64
	Len   uint32
	Write bool // true if the device writes into this buffer (desc is host->guest)
}

// readDesc reads descriptor index idx from the table at descTableAddr.
func readDesc(b *bus.Bus, descTableAddr uint64, idx uint16) (addr uint64, length uint32, flags, next uint16, err error) {
	base := descTableAddr + uint64(idx)*descSize
	raw, err := b.RAM.Slice(base-b.RAMBase, descSize)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("virtio: read descriptor %d: %w", idx, err)
	}
	addr = binary.LittleEndian.Uint64(raw[0:8])
	length = binary.LittleEndian.Uint32(raw[8:12])
	flags = binary.LittleEndian.Uint16(raw[12:14])
	next = binary.LittleEndian.Uint16(raw[14:16])
	return addr, length, flags, next, nil
}

// WalkChain follows a descriptor chain starting at headIdx, returning one
// Segment per descriptor in order. qNum bounds the walk against a malformed
// guest looping the chain forever.
func WalkChain(b *bus.Bus, descTableAddr uint64, qNum uint32, headIdx uint16) ([]Segment, error) {
	var segs []Segment
	idx := headIdx
	for i := uint32(0); i < qNum+1; i++ {
		addr, length, flags, next, err := readDesc(b, descTableAddr, idx)
		if err != nil {
			return nil, err
		}
		segs = append(segs, Segment{Addr: addr, Len: length, Write: flags&DescFWrite != 0})
		if flags&DescFNext == 0 {
			return segs, nil
		}
		idx = next
	}
	return nil, fmt.Errorf("virtio: descriptor chain exceeds queue size")
}

// ReadSeg copies a buffer segment's content out of guest memory.
func ReadSeg(b *bus.Bus, s Segment) ([]byte, error) {
	out := make([]byte, s.Len)
	for i := uint32(0); i < s.Len; i++ {
		v, err := b.Read8(s.Addr + uint64(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteSeg copies data into a device-writable buffer segment, truncating to
// the segment's length.
func WriteSeg(b *bus.Bus, s Segment, data []byte) error {
	n := len(data)
	if uint32(n) > s.Len {
		n = int(s.Len)
	}
	for i := 0; i < n; i++ {
		if err := b.Write8(s.Addr+uint64(i), data[i]); err != nil {
			return err
		}
	}
	return nil
}

// availIdx reads the idx field of the avail ring, which is laid out as
// flags(2)/idx(2)/ring[qNum](2 each).
func availIdx(b *bus.Bus, availAddr uint64) (uint16, error) {
	v, err := b.Read16(availAddr + 2)
	return v, err
}

func availRingEntry(b *bus.Bus, availAddr uint64, slot uint16) (uint16, error) {
	return b.Read16(availAddr + 4 + uint64(slot)*2)
}

// usedIdx reads/writes the used ring's idx field.
func usedIdx(b *bus.Bus, usedAddr uint64) (uint16, error) {
	return b.Read16(usedAddr + 2)
}

func setUsedIdx(b *bus.Bus, usedAddr uint64, idx uint16) error {
	return b.Write16(usedAddr+2, idx)
}

// pushUsed writes one used-ring entry (descriptor id + total bytes written)
// at the given ring slot, without advancing idx (Transport.PushUsed bumps
// idx after each entry).
func pushUsed(b *bus.Bus, usedAddr uint64, slot uint16, qNum uint32, descID uint32, length uint32) error {
	off := usedAddr + 4 + uint64(slot%uint16(qNum))*8
	if err := b.Write32(off, descID); err != nil {
		return err
	}
	return b.Write32(off+4, length)
}
