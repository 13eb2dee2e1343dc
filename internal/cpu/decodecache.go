package cpu

import "github.com/rvkit/hartcore/internal/decode"

const decodeCacheSize = 4096 // power of two

type decodeCacheEntry struct {
	valid bool
	pc    uint64
	op    decode.Op
}

// decodeCache is a tiny direct-mapped cache from PC to decoded Op, avoiding
// re-decoding a hot instruction on every visit outside the block engine
// (e.g. single-stepping, or instructions the block compiler treats as
// block terminators and therefore never caches itself).
type decodeCache struct {
	entries [decodeCacheSize]decodeCacheEntry
}

func (c *decodeCache) lookup(pc uint64) (decode.Op, bool) {
	e := &c.entries[pc&(decodeCacheSize-1)]
	if e.valid && e.pc == pc {
		return e.op, true
	}
	return decode.Op{}, false
}

func (c *decodeCache) insert(pc uint64, op decode.Op) {
	e := &c.entries[pc&(decodeCacheSize-1)]
	e.valid, e.pc, e.op = true, pc, op
}

func (c *decodeCache) flush() {
	for i := range c.entries {
		c.entries[i].valid = false
	}
}
