package virtio

// Net feature bits.
const (
	NetFMac    = 1 << 5
	NetFStatus = 1 << 16
)

const virtioNetHdrLen = 12

const (
	queueRX = 0
	queueTX = 1
)

// NetBackend is the host-side packet source/sink a NetDevice drives;
// internal/netbackend adapts the kept netstack.NetStack to this surface
// (spec.md §4.10's external net-backend interface).
type NetBackend interface {
	Recv() ([]byte, bool)
	Send(packet []byte) error
	MACAddress() [6]byte
	AssignedIP() ([4]byte, bool)
	Connected() bool
}

// NetDevice is the VirtIO net device model: queue 0 = RX, queue 1 = TX,
// every frame prefixed with a zeroed 12-byte virtio_net_hdr (no offloads
// negotiated), grounded on virtio/net.go's queue processing shape and
// simplified per spec.md §4.10.
type NetDevice struct {
	backend    NetBackend
	rxDropped  uint64
	txErrors   uint64
}

func NewNetDevice(backend NetBackend) *NetDevice {
	return &NetDevice{backend: backend}
}

func (d *NetDevice) DeviceID() uint32       { return 1 }
func (d *NetDevice) DeviceFeatures() uint64 { return NetFMac | NetFStatus }
func (d *NetDevice) NumQueues() int         { return 2 }
func (d *NetDevice) QueueNumMax(int) uint32 { return 256 }

func (d *NetDevice) ConfigRead(offset uint64, size int) uint64 {
	mac := d.backend.MACAddress()
	if offset < 6 {
		var v uint64
		for i := 0; i < size && int(offset)+i < 6; i++ {
			v |= uint64(mac[int(offset)+i]) << (8 * i)
		}
		return v
	}
	if offset == 6 { // status: 1 = link up
		if d.backend.Connected() {
			return 1
		}
		return 0
	}
	return 0
}

func (d *NetDevice) ConfigWrite(uint64, int, uint64) {}

// HandleNotify services TX on notify and opportunistically drains any
// pending RX, matching spec.md's "poll the backend" RX model (the backend
// itself has no way to signal the device directly).
func (d *NetDevice) HandleNotify(t *Transport, queue int) {
	switch queue {
	case queueTX:
		d.drainTX(t)
	case queueRX:
		// driver replenishing RX buffers; nothing to do until a packet
		// actually arrives, handled by PollRX.
	}
}

// PollRX is called periodically by machine wiring (it has no notify of its
// own) to deliver any backend-queued packets into available RX buffers.
func (d *NetDevice) PollRX(t *Transport) {
	avail, err := t.AvailIdx(queueRX)
	if err != nil {
		return
	}
	last := t.LastAvail(queueRX)
	any := false
	for {
		pkt, ok := d.backend.Recv()
		if !ok {
			break
		}
		if last == avail {
			d.rxDropped++
			continue
		}
		headIdx, err := t.AvailEntry(queueRX, last)
		if err != nil {
			break
		}
		descAddr, _, _, num, ok2 := t.Queue(queueRX)
		if !ok2 {
			break
		}
		segs, err := WalkChain(t.Bus, descAddr, num, headIdx)
		if err != nil || len(segs) == 0 {
			last++
			continue
		}
		frame := append(make([]byte, virtioNetHdrLen), pkt...)
		written := uint32(0)
		remaining := frame
		for _, s := range segs {
			if !s.Write {
				continue
			}
			n := s.Len
			if uint32(len(remaining)) < n {
				n = uint32(len(remaining))
			}
			if err := WriteSeg(t.Bus, Segment{Addr: s.Addr, Len: n, Write: true}, remaining[:n]); err != nil {
				break
			}
			remaining = remaining[n:]
			written += n
			if len(remaining) == 0 {
				break
			}
		}
		t.PushUsed(queueRX, uint32(headIdx), written)
		last++
		any = true
	}
	t.SetLastAvail(queueRX, last)
	if any {
		t.RaiseInterrupt()
	}
}

func (d *NetDevice) drainTX(t *Transport) {
	avail, err := t.AvailIdx(queueTX)
	if err != nil {
		return
	}
	last := t.LastAvail(queueTX)
	any := false
	for ; last != avail; last++ {
		headIdx, err := t.AvailEntry(queueTX, last)
		if err != nil {
			break
		}
		descAddr, _, _, num, ok := t.Queue(queueTX)
		if !ok {
			break
		}
		segs, err := WalkChain(t.Bus, descAddr, num, headIdx)
		if err != nil {
			continue
		}
		var frame []byte
		for _, s := range segs {
			if s.Write {
				continue
			}
			chunk, rerr := ReadSeg(t.Bus, s)
			if rerr != nil {
				continue
			}
			frame = append(frame, chunk...)
		}
		if len(frame) > virtioNetHdrLen {
			if err := d.backend.Send(frame[virtioNetHdrLen:]); err != nil {
				d.txErrors++
			}
		}
		t.PushUsed(queueTX, uint32(headIdx), 0)
		any = true
	}
	t.SetLastAvail(queueTX, last)
	if any {
		t.RaiseInterrupt()
	}
}
