package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/rvkit/hartcore/internal/bus"
)

// setupQueue configures transport queue 0 with num descriptors living at a
// page-aligned address, returning the queue's committed layout.
func setupQueue(t *testing.T, tr *Transport, b *bus.Bus, pfn uint32, num uint32) (descAddr, availAddr, usedAddr uint64) {
	t.Helper()
	if err := tr.Write(regQueueSel, 4, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regQueueNum, 4, uint64(num)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regQueuePFN, 4, uint64(pfn)); err != nil {
		t.Fatal(err)
	}
	descAddr, availAddr, usedAddr, gotNum, ok := tr.Queue(0)
	if !ok || gotNum != num {
		t.Fatalf("queue not ready or wrong num: ok=%v num=%d", ok, gotNum)
	}
	return descAddr, availAddr, usedAddr
}

func writeDesc(t *testing.T, b *bus.Bus, descAddr uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	base := descAddr + uint64(idx)*descSize
	if err := b.Write64(base, addr); err != nil {
		t.Fatal(err)
	}
	if err := b.Write32(base+8, length); err != nil {
		t.Fatal(err)
	}
	if err := b.Write16(base+12, flags); err != nil {
		t.Fatal(err)
	}
	if err := b.Write16(base+14, next); err != nil {
		t.Fatal(err)
	}
}

func publishAvail(t *testing.T, b *bus.Bus, availAddr uint64, slot, headIdx uint16) {
	t.Helper()
	if err := b.Write16(availAddr+4+uint64(slot)*2, headIdx); err != nil {
		t.Fatal(err)
	}
	if err := b.Write16(availAddr+2, slot+1); err != nil {
		t.Fatal(err)
	}
}

func TestBlockDeviceReadRequest(t *testing.T) {
	b := bus.NewBus(0x8000_0000, 0x20000)
	backend := NewMemBackend(sectorSize * 4)
	want := []byte("hello, virtio block")
	if _, err := backend.WriteAt(want, 0); err != nil {
		t.Fatal(err)
	}

	dev := NewBlockDevice(backend)
	tr := New(b, dev)

	const pfn = 0x80000 // descAddr == RAM base, page-aligned
	descAddr, availAddr, _ := setupQueue(t, tr, b, pfn, 4)

	headerAddr := descAddr + 3*4096
	dataAddr := headerAddr + 64
	statusAddr := dataAddr + 64

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], blkTypeIn)
	binary.LittleEndian.PutUint64(header[8:16], 0)
	for i, v := range header {
		if err := b.Write8(headerAddr+uint64(i), v); err != nil {
			t.Fatal(err)
		}
	}

	writeDesc(t, b, descAddr, 0, headerAddr, 16, DescFNext, 1)
	writeDesc(t, b, descAddr, 1, dataAddr, uint32(len(want)), DescFNext|DescFWrite, 2)
	writeDesc(t, b, descAddr, 2, statusAddr, 1, DescFWrite, 0)
	publishAvail(t, b, availAddr, 0, 0)

	if err := tr.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	for i := range got {
		v, err := b.Read8(dataAddr + uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		got[i] = v
	}
	if string(got) != string(want) {
		t.Fatalf("data buffer = %q, want %q", got, want)
	}

	status, err := b.Read8(statusAddr)
	if err != nil {
		t.Fatal(err)
	}
	if status != statusOK {
		t.Fatalf("status = %d, want statusOK", status)
	}

	if v, _ := tr.Read(regInterruptStatus, 4); v&1 == 0 {
		t.Fatal("expected an interrupt raised after a completed request")
	}
}

func TestBlockDeviceWriteRequest(t *testing.T) {
	b := bus.NewBus(0x8000_0000, 0x20000)
	backend := NewMemBackend(sectorSize * 4)
	dev := NewBlockDevice(backend)
	tr := New(b, dev)

	const pfn = 0x80000
	descAddr, availAddr, _ := setupQueue(t, tr, b, pfn, 4)

	headerAddr := descAddr + 3*4096
	dataAddr := headerAddr + 64
	statusAddr := dataAddr + 64

	payload := []byte("written from the guest")
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], blkTypeOut)
	binary.LittleEndian.PutUint64(header[8:16], 1) // sector 1
	for i, v := range header {
		if err := b.Write8(headerAddr+uint64(i), v); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range payload {
		if err := b.Write8(dataAddr+uint64(i), v); err != nil {
			t.Fatal(err)
		}
	}

	writeDesc(t, b, descAddr, 0, headerAddr, 16, DescFNext, 1)
	writeDesc(t, b, descAddr, 1, dataAddr, uint32(len(payload)), DescFNext, 2)
	writeDesc(t, b, descAddr, 2, statusAddr, 1, DescFWrite, 0)
	publishAvail(t, b, availAddr, 0, 0)

	if err := tr.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if _, err := backend.ReadAt(got, sectorSize); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("backend sector 1 = %q, want %q", got, payload)
	}
}

func TestBlockDeviceConfigReportsCapacityInSectors(t *testing.T) {
	backend := NewMemBackend(sectorSize * 10)
	dev := NewBlockDevice(backend)
	v := dev.ConfigRead(0, 8)
	if v != 10 {
		t.Fatalf("capacity = %d sectors, want 10", v)
	}
}
