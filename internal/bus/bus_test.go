package bus

import "testing"

func TestReadWriteRoundTrip(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	if err := b.Write32(0x8000_0010, 0xdeadbeef); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	v, err := b.Read32(0x8000_0010)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("Read32 = 0x%x, want 0xdeadbeef", v)
	}
}

func TestOutOfBoundsAccessErrors(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	if _, err := b.Read32(0x9000_0000); err == nil {
		t.Fatal("expected an error reading an unmapped address")
	}
}

func TestLoadBytesIntoRAM(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	data := []byte{1, 2, 3, 4}
	if err := b.LoadBytes(0x8000_0100, data); err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	for i, want := range data {
		got, err := b.Read8(0x8000_0100 + uint64(i))
		if err != nil {
			t.Fatalf("Read8: %v", err)
		}
		if got != want {
			t.Fatalf("byte %d = %d, want %d", i, got, want)
		}
	}
}

func TestFetchCompressedVsFull(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	// A compressed instruction has bits[1:0] != 0b11; a full one has them == 0b11.
	if err := b.Write16(0x8000_0000, 0x4505); err != nil { // c.li a0, 1 (compressed)
		t.Fatal(err)
	}
	insn, err := b.Fetch(0x8000_0000)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if insn != 0x4505 {
		t.Fatalf("Fetch(compressed) = 0x%x, want 0x4505", insn)
	}

	if err := b.Write32(0x8000_0010, 0x00100513); err != nil { // addi a0, x0, 1 (full-width)
		t.Fatal(err)
	}
	insn, err = b.Fetch(0x8000_0010)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if insn != 0x00100513 {
		t.Fatalf("Fetch(full) = 0x%x, want 0x00100513", insn)
	}
}

type noAtomicDevice struct{}

func (noAtomicDevice) Read(offset uint64, size int) (uint64, error)  { return 0, nil }
func (noAtomicDevice) Write(offset uint64, size int, value uint64) error { return nil }
func (noAtomicDevice) Size() uint64                                  { return 0x100 }

func TestAtomicRMWOnRAMSucceeds(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	if _, err := b.AtomicRMW(0x8000_0000, 4, func(old uint64) uint64 { return old + 1 }); err != nil {
		t.Fatalf("AtomicRMW on RAM: %v", err)
	}
}

func TestAtomicRMWFaultsWithoutAtomicDevice(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	b.AddDevice(0x9000_0000, noAtomicDevice{})
	if _, err := b.AtomicRMW(0x9000_0000, 4, func(old uint64) uint64 { return old + 1 }); err == nil {
		t.Fatal("expected an AMO against a non-AtomicDevice to fault")
	}
}

func TestReservationClearedByOverlappingStore(t *testing.T) {
	r := NewReservations()
	r.Load(0, 0x1000)
	if !r.StoreConditional(0, 0x1000) {
		t.Fatal("expected StoreConditional to succeed against its own matching reservation")
	}

	r.Load(0, 0x1000)
	r.InvalidateOverlapping(0x1008) // same 64-byte granule, different word
	if r.StoreConditional(0, 0x1000) {
		t.Fatal("expected an overlapping store to clear the reservation")
	}
}

func TestReservationsAreHartLocal(t *testing.T) {
	r := NewReservations()
	r.Load(0, 0x2000)
	r.Load(1, 0x3000)
	if !r.StoreConditional(1, 0x3000) {
		t.Fatal("hart 1's own reservation must still succeed")
	}
	if !r.StoreConditional(0, 0x2000) {
		t.Fatal("hart 0's reservation must be unaffected by hart 1's unrelated SC")
	}
}

func TestBusWriteInvalidatesReservationThroughRAM(t *testing.T) {
	b := NewBus(0x8000_0000, 0x1000)
	b.Reservations.Load(0, 0x8000_0040)
	if err := b.Write32(0x8000_0044, 7); err != nil {
		t.Fatal(err)
	}
	if b.Reservations.StoreConditional(0, 0x8000_0040) {
		t.Fatal("expected a bus write to the same granule to clear the reservation")
	}
}
