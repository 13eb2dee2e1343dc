package virtio

import "math/rand/v2"

// RNGDevice is the VirtIO entropy source (C6): fills any write-flagged
// buffer on queue 0 with pseudo-random bytes. No teacher or pack example
// models a virtio-rng device; this is built fresh, seeded from CLINT's
// mtime rather than crypto/rand so determinism knobs stay the same shape as
// the rest of this emulator (spec.md's Non-goals disclaim cycle-accurate
// timing and real entropy, not randomness in general).
type RNGDevice struct {
	rng *rand.Rand
}

func NewRNGDevice(seed uint64) *RNGDevice {
	return &RNGDevice{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (d *RNGDevice) DeviceID() uint32       { return 4 }
func (d *RNGDevice) DeviceFeatures() uint64 { return 0 }
func (d *RNGDevice) NumQueues() int         { return 1 }
func (d *RNGDevice) QueueNumMax(int) uint32 { return 256 }

func (d *RNGDevice) ConfigRead(uint64, int) uint64   { return 0 }
func (d *RNGDevice) ConfigWrite(uint64, int, uint64) {}

func (d *RNGDevice) HandleNotify(t *Transport, queue int) {
	if queue != 0 {
		return
	}
	avail, err := t.AvailIdx(queue)
	if err != nil {
		return
	}
	last := t.LastAvail(queue)
	any := false
	for ; last != avail; last++ {
		headIdx, err := t.AvailEntry(queue, last)
		if err != nil {
			break
		}
		descAddr, _, _, num, ok := t.Queue(queue)
		if !ok {
			break
		}
		segs, err := WalkChain(t.Bus, descAddr, num, headIdx)
		if err != nil {
			continue
		}
		var total uint32
		for _, s := range segs {
			if !s.Write {
				continue
			}
			buf := make([]byte, s.Len)
			for i := 0; i < len(buf); i += 8 {
				v := d.rng.Uint64()
				for j := 0; j < 8 && i+j < len(buf); j++ {
					buf[i+j] = byte(v >> (8 * j))
				}
			}
			if WriteSeg(t.Bus, s, buf) == nil {
				total += s.Len
			}
		}
		t.PushUsed(queue, uint32(headIdx), total)
		any = true
	}
	t.SetLastAvail(queue, last)
	if any {
		t.RaiseInterrupt()
	}
}
