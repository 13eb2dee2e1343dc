package virtio

import (
	"sync"
	"sync/atomic"

	"github.com/rvkit/hartcore/internal/bus"
)

const (
	magicValue = 0x74726976
	vendorID   = 0x554d4551
	legacyVersion = 2

	pageSize = 4096
)

// Device is a VirtIO device model plugged into a Transport: block, net, or
// rng. HandleNotify runs with the transport's queue state already updated
// (avail idx visible) and is responsible for the device's semantic action.
type Device interface {
	DeviceID() uint32
	DeviceFeatures() uint64
	NumQueues() int
	QueueNumMax(queue int) uint32
	HandleNotify(t *Transport, queue int)
	ConfigRead(offset uint64, size int) uint64
	ConfigWrite(offset uint64, size int, value uint64)
}

// queueState is one virtqueue's configuration, legacy PFN-computed layout
// (spec.md §4.9): desc = pfn*pageSize, avail = desc+16*num,
// used = align_up(avail+6+2*num, QueueAlign), with pageSize used when the
// driver has left QueueAlign at 0.
type queueState struct {
	num          uint32
	align        uint32
	pfn          uint32
	ready        bool
	lastAvailIdx uint16
	usedIdxOut   uint16
}

func (q *queueState) descAddr() uint64 { return uint64(q.pfn) * pageSize }
func (q *queueState) availAddr() uint64 {
	return q.descAddr() + uint64(q.num)*descSize
}
func (q *queueState) usedAddr() uint64 {
	raw := q.availAddr() + 6 + uint64(q.num)*2
	align := uint64(q.align)
	if align == 0 {
		align = pageSize
	}
	return (raw + align - 1) &^ (align - 1)
}

// Transport implements the legacy (version 2) VirtIO MMIO register contract
// over a bus.Bus, grounded on mmio.go's register set and rebuilt for the
// PFN-computed legacy queue layout ccvm/virtio.go sketches.
type Transport struct {
	Bus *bus.Bus
	Dev Device

	mu                sync.Mutex
	queueSel          uint32
	queues            []queueState
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	guestPageSize     uint32
	status            uint32

	interruptStatus atomic.Uint32

	// irq, when set, is notified on every rising edge of InterruptStatus so
	// it can be wired to a PLIC source.
	irq func(bool)
}

func New(b *bus.Bus, dev Device) *Transport {
	return &Transport{Bus: b, Dev: dev, queues: make([]queueState, dev.NumQueues())}
}

func (t *Transport) Size() uint64 { return 0x1000 }

// SetInterruptSink wires InterruptStatus transitions to a PLIC source.
func (t *Transport) SetInterruptSink(fn func(bool)) { t.irq = fn }

// RaiseInterrupt sets InterruptStatus bit 0 (used buffer notification) and
// signals the sink; devices call this after updating the used ring.
func (t *Transport) RaiseInterrupt() {
	old := t.interruptStatus.Or(1)
	if old&1 == 0 && t.irq != nil {
		t.irq(true)
	}
}

// Queue returns queue i's committed layout, valid once the driver has
// written QueuePFN (ready==true).
func (t *Transport) Queue(i int) (descAddr, availAddr, usedAddr uint64, num uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.queues) || !t.queues[i].ready {
		return 0, 0, 0, 0, false
	}
	q := &t.queues[i]
	return q.descAddr(), q.availAddr(), q.usedAddr(), q.num, true
}

// AvailIdx/AvailEntry/LastAvail/SetLastAvail/PushUsed let device handlers drive a queue without
// reaching into Transport internals.
func (t *Transport) AvailIdx(queue int) (uint16, error) {
	_, availAddr, _, _, ok := t.Queue(queue)
	if !ok {
		return 0, nil
	}
	return availIdx(t.Bus, availAddr)
}

func (t *Transport) AvailEntry(queue int, slot uint16) (uint16, error) {
	_, availAddr, _, _, ok := t.Queue(queue)
	if !ok {
		return 0, nil
	}
	return availRingEntry(t.Bus, availAddr, slot)
}

func (t *Transport) LastAvail(queue int) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queues[queue].lastAvailIdx
}

func (t *Transport) SetLastAvail(queue int, v uint16) {
	t.mu.Lock()
	t.queues[queue].lastAvailIdx = v
	t.mu.Unlock()
}

func (t *Transport) PushUsed(queue int, descID, length uint32) {
	descAddr, _, usedAddr, num, ok := t.Queue(queue)
	_ = descAddr
	if !ok {
		return
	}
	t.mu.Lock()
	slot := t.queues[queue].usedIdxOut
	t.mu.Unlock()
	pushUsed(t.Bus, usedAddr, slot, num, descID, length)
	t.mu.Lock()
	t.queues[queue].usedIdxOut++
	next := t.queues[queue].usedIdxOut
	t.mu.Unlock()
	setUsedIdx(t.Bus, usedAddr, next)
}

// Register offsets, legacy version 2.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regGuestPageSize     = 0x028
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueAlign        = 0x03c
	regQueuePFN          = 0x040
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regConfig            = 0x100
)

func (t *Transport) Read(offset uint64, size int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case offset == regMagicValue:
		return magicValue, nil
	case offset == regVersion:
		return legacyVersion, nil
	case offset == regDeviceID:
		return uint64(t.Dev.DeviceID()), nil
	case offset == regVendorID:
		return vendorID, nil
	case offset == regDeviceFeatures:
		feat := t.Dev.DeviceFeatures()
		if t.deviceFeaturesSel == 0 {
			return feat & 0xffffffff, nil
		}
		return feat >> 32, nil
	case offset == regQueueNumMax:
		return uint64(t.Dev.QueueNumMax(int(t.queueSel))), nil
	case offset == regQueuePFN:
		if int(t.queueSel) < len(t.queues) {
			return uint64(t.queues[t.queueSel].pfn), nil
		}
	case offset == regInterruptStatus:
		return uint64(t.interruptStatus.Load()), nil
	case offset == regStatus:
		return uint64(t.status), nil
	case offset >= regConfig:
		return t.Dev.ConfigRead(offset-regConfig, size), nil
	}
	return 0, nil
}

func (t *Transport) Write(offset uint64, size int, value uint64) error {
	t.mu.Lock()
	notify := -1
	defer func() {
		t.mu.Unlock()
		if notify >= 0 {
			t.Dev.HandleNotify(t, notify)
		}
	}()

	switch {
	case offset == regDeviceFeaturesSel:
		t.deviceFeaturesSel = uint32(value)
	case offset == regDriverFeatures:
		if t.driverFeaturesSel == 0 {
			t.driverFeatures = (t.driverFeatures &^ 0xffffffff) | (value & 0xffffffff)
		} else {
			t.driverFeatures = (t.driverFeatures &^ (0xffffffff << 32)) | (value << 32)
		}
	case offset == regDriverFeaturesSel:
		t.driverFeaturesSel = uint32(value)
	case offset == regGuestPageSize:
		t.guestPageSize = uint32(value)
	case offset == regQueueSel:
		t.queueSel = uint32(value)
	case offset == regQueueNum:
		if int(t.queueSel) < len(t.queues) {
			t.queues[t.queueSel].num = uint32(value)
		}
	case offset == regQueueAlign:
		if int(t.queueSel) < len(t.queues) {
			t.queues[t.queueSel].align = uint32(value)
		}
	case offset == regQueuePFN:
		if int(t.queueSel) < len(t.queues) {
			q := &t.queues[t.queueSel]
			q.pfn = uint32(value)
			q.ready = value != 0
			q.lastAvailIdx = 0
			q.usedIdxOut = 0
		}
	case offset == regQueueNotify:
		if int(value) < len(t.queues) {
			notify = int(value)
		}
	case offset == regInterruptACK:
		t.interruptStatus.And(^uint32(value))
	case offset == regStatus:
		t.status = uint32(value)
		if t.status == 0 {
			t.resetLocked()
		}
	case offset >= regConfig:
		t.Dev.ConfigWrite(offset-regConfig, size, value)
	}
	return nil
}

func (t *Transport) resetLocked() {
	for i := range t.queues {
		t.queues[i] = queueState{}
	}
	t.interruptStatus.Store(0)
	t.driverFeatures = 0
}

var _ bus.Device = (*Transport)(nil)
