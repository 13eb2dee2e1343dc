package virtio

import (
	"testing"

	"github.com/rvkit/hartcore/internal/bus"
)

type fakeDevice struct {
	notified []int
	cfg      [4]byte
}

func (d *fakeDevice) DeviceID() uint32          { return 42 }
func (d *fakeDevice) DeviceFeatures() uint64    { return 0x1_0000_0001 }
func (d *fakeDevice) NumQueues() int            { return 1 }
func (d *fakeDevice) QueueNumMax(int) uint32    { return 256 }
func (d *fakeDevice) HandleNotify(t *Transport, q int) { d.notified = append(d.notified, q) }
func (d *fakeDevice) ConfigRead(offset uint64, size int) uint64 {
	return uint64(d.cfg[offset])
}
func (d *fakeDevice) ConfigWrite(offset uint64, size int, value uint64) {
	d.cfg[offset] = byte(value)
}

func TestTransportIdentityRegisters(t *testing.T) {
	b := bus.NewBus(0x8000_0000, 0x1000)
	dev := &fakeDevice{}
	tr := New(b, dev)

	if v, _ := tr.Read(regMagicValue, 4); v != magicValue {
		t.Fatalf("magic = 0x%x, want 0x%x", v, magicValue)
	}
	if v, _ := tr.Read(regDeviceID, 4); v != 42 {
		t.Fatalf("deviceID = %d, want 42", v)
	}
	if v, _ := tr.Read(regDeviceFeatures, 4); v != 1 {
		t.Fatalf("low device features = 0x%x, want 1", v)
	}
	if err := tr.Write(regDeviceFeaturesSel, 4, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := tr.Read(regDeviceFeatures, 4); v != 1 {
		t.Fatalf("high device features = 0x%x, want 1", v)
	}
}

func TestTransportQueueNotifyCallsDevice(t *testing.T) {
	b := bus.NewBus(0x8000_0000, 0x1000)
	dev := &fakeDevice{}
	tr := New(b, dev)

	if err := tr.Write(regQueueSel, 4, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regQueueNum, 4, 8); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regQueuePFN, 4, 0x80000); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regQueueNotify, 4, 0); err != nil {
		t.Fatal(err)
	}

	if len(dev.notified) != 1 || dev.notified[0] != 0 {
		t.Fatalf("expected one HandleNotify(0) call, got %v", dev.notified)
	}

	descAddr, availAddr, usedAddr, num, ok := tr.Queue(0)
	if !ok {
		t.Fatal("expected queue 0 to be ready")
	}
	if num != 8 {
		t.Fatalf("num = %d, want 8", num)
	}
	wantDesc := uint64(0x80000) * pageSize
	if descAddr != wantDesc {
		t.Fatalf("descAddr = 0x%x, want 0x%x", descAddr, wantDesc)
	}
	if availAddr != wantDesc+16*8 {
		t.Fatalf("availAddr = 0x%x, want 0x%x", availAddr, wantDesc+16*8)
	}
	_ = usedAddr
}

func TestTransportInterruptAckClearsStatus(t *testing.T) {
	b := bus.NewBus(0x8000_0000, 0x1000)
	dev := &fakeDevice{}
	tr := New(b, dev)

	tr.RaiseInterrupt()
	if v, _ := tr.Read(regInterruptStatus, 4); v&1 == 0 {
		t.Fatal("expected InterruptStatus bit 0 set after RaiseInterrupt")
	}
	if err := tr.Write(regInterruptACK, 4, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := tr.Read(regInterruptStatus, 4); v&1 != 0 {
		t.Fatal("expected InterruptStatus bit 0 cleared after ACK")
	}
}

func TestTransportStatusZeroResetsQueues(t *testing.T) {
	b := bus.NewBus(0x8000_0000, 0x1000)
	dev := &fakeDevice{}
	tr := New(b, dev)

	if err := tr.Write(regQueueSel, 4, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regQueuePFN, 4, 5); err != nil {
		t.Fatal(err)
	}
	if err := tr.Write(regStatus, 4, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, _, _, ok := tr.Queue(0); ok {
		t.Fatal("expected queue to be reset (not ready) after status write of 0")
	}
}
