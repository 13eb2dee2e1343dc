// Package mmu implements Sv39/Sv48 virtual address translation (C8): a
// per-hart page-table walker backed by a direct-mapped TLB.
package mmu

import (
	"fmt"

	"github.com/rvkit/hartcore/internal/bus"
)

// Access identifies the kind of memory access being translated.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

// Mode is the satp[63:60] addressing mode field.
type Mode uint64

const (
	ModeBare Mode = 0
	ModeSv39 Mode = 8
	ModeSv48 Mode = 9
)

// PTE flag bits.
const (
	PteV = 1 << 0
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4
	PteG = 1 << 5
	PteA = 1 << 6
	PteD = 1 << 7
)

const (
	pageSize  = 4096
	pageShift = 12
	vpnBits   = 9
	ppnBits   = 44
)

// PageFault is returned when a translation fails permission or walk checks.
// It carries the faulting address and access kind; the caller (internal/cpu)
// maps it to the architectural exception cause (load/store/fetch page fault).
type PageFault struct {
	Access Access
	Vaddr  uint64
}

func (e *PageFault) Error() string {
	return fmt.Sprintf("page fault on access %d at 0x%x", e.Access, e.Vaddr)
}

// HartState is the minimal view of per-hart CSR state the MMU needs. Keeping
// it an interface (rather than depending on internal/cpu directly) lets mmu
// be tested and reasoned about without a full Hart.
type HartState interface {
	Satp() uint64
	Priv() uint8 // current privilege: 0=U, 1=S, 3=M
	SUM() bool
	MXR() bool
	MPRV() bool
	MPP() uint8
}

// tlbEntry caches one completed translation.
type tlbEntry struct {
	valid    bool
	vpn      uint64
	ppn      uint64
	flags    uint64
	pageSize uint64
	asid     uint16
}

// MMU walks page tables over a bus and caches results in a TLB. One MMU
// belongs to exactly one hart; SFENCE.VMA only ever flushes its own TLB
// (spec.md: no cross-hart shootdown, matching real hardware).
type MMU struct {
	bus *bus.Bus
	tlb [512]tlbEntry
}

func New(b *bus.Bus) *MMU {
	return &MMU{bus: b}
}

// Flush invalidates every TLB entry (SFENCE.VMA with rs1=rs2=x0).
func (m *MMU) Flush() {
	for i := range m.tlb {
		m.tlb[i].valid = false
	}
}

// FlushAddr invalidates entries matching vaddr's page, restricted to asid
// when asid != 0 (SFENCE.VMA with a non-zero rs1 and/or rs2).
func (m *MMU) FlushAddr(vaddr uint64, asid uint16) {
	vpn := vaddr >> pageShift
	idx := vpn & uint64(len(m.tlb)-1)
	e := &m.tlb[idx]
	if e.valid && e.vpn == vpn && (asid == 0 || e.asid == asid) {
		e.valid = false
	}
}

// Translate resolves vaddr to a physical address under hs's current mode.
func (m *MMU) Translate(hs HartState, vaddr uint64, access Access) (uint64, error) {
	mode := Mode((hs.Satp() >> 60) & 0xf)
	if mode == ModeBare {
		return vaddr, nil
	}

	priv := hs.Priv()
	if hs.Priv() == 3 && access != AccessExecute && hs.MPRV() {
		priv = hs.MPP()
	}
	if priv == 3 {
		return vaddr, nil
	}

	vpn := vaddr >> pageShift
	idx := vpn & uint64(len(m.tlb)-1)
	e := &m.tlb[idx]
	asid := uint16((hs.Satp() >> 44) & 0xffff)

	if e.valid && e.vpn == vpn && (e.asid == asid || e.flags&PteG != 0) {
		if err := checkPermissions(e.flags, access, priv, hs.SUM(), hs.MXR()); err != nil {
			return 0, err
		}
		needsADUpdate := e.flags&PteA == 0 || (access == AccessWrite && e.flags&PteD == 0)
		if !needsADUpdate {
			return (e.ppn << pageShift) | (vaddr & (e.pageSize - 1)), nil
		}
		e.valid = false // force a walk so the A/D bits get set in memory too
	}

	paddr, flags, sz, err := m.walk(hs, vaddr, access, priv, mode)
	if err != nil {
		return 0, err
	}

	e.valid = true
	e.vpn = vpn
	e.ppn = paddr >> pageShift
	e.flags = flags
	e.pageSize = sz
	e.asid = asid
	return paddr, nil
}

func (m *MMU) walk(hs HartState, vaddr uint64, access Access, priv uint8, mode Mode) (uint64, uint64, uint64, error) {
	var levels int
	switch mode {
	case ModeSv39:
		levels = 3
		if vaddr >= (1<<38) && vaddr < (^uint64(0) - (1 << 38)) {
			return 0, 0, 0, m.fault(access, vaddr)
		}
	case ModeSv48:
		levels = 4
		if vaddr >= (1<<47) && vaddr < (^uint64(0) - (1 << 47)) {
			return 0, 0, 0, m.fault(access, vaddr)
		}
	default:
		return vaddr, PteR | PteW | PteX, pageSize, nil
	}

	ppn := hs.Satp() & ((1 << ppnBits) - 1)
	tableAddr := ppn << pageShift
	sz := uint64(pageSize)

	for level := levels - 1; level >= 0; level-- {
		vpnShift := pageShift + level*vpnBits
		vpn := (vaddr >> vpnShift) & 0x1ff

		pteAddr := tableAddr + vpn*8
		pte, err := m.bus.Read64(pteAddr)
		if err != nil {
			return 0, 0, 0, m.fault(access, vaddr)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, 0, m.fault(access, vaddr)
		}

		if pte&(PteR|PteX) != 0 {
			if level > 0 {
				mask := uint64((1 << (level * vpnBits)) - 1)
				if (pte>>10)&mask != 0 {
					return 0, 0, 0, m.fault(access, vaddr)
				}
				sz = 1 << (pageShift + level*vpnBits)
			}

			if err := checkPermissions(pte, access, priv, hs.SUM(), hs.MXR()); err != nil {
				return 0, 0, 0, err
			}

			if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if access == AccessWrite {
					newPte |= PteD
				}
				if err := m.bus.Write64(pteAddr, newPte); err != nil {
					return 0, 0, 0, m.fault(access, vaddr)
				}
				pte = newPte
			}

			ppn := (pte >> 10) & ((1 << ppnBits) - 1)
			if level > 0 {
				mask := uint64((1 << (level * vpnBits)) - 1)
				ppn = (ppn &^ mask) | ((vaddr >> pageShift) & mask)
			}
			paddr := (ppn << pageShift) | (vaddr & (sz - 1))
			return paddr, pte, sz, nil
		}

		tableAddr = ((pte >> 10) & ((1 << ppnBits) - 1)) << pageShift
	}
	return 0, 0, 0, m.fault(access, vaddr)
}

func checkPermissions(pte uint64, access Access, priv uint8, sum, mxr bool) error {
	if priv == 0 { // user
		if pte&PteU == 0 {
			return &PageFault{Access: access}
		}
	} else if pte&PteU != 0 {
		// SUM only relaxes the U-page check for data accesses; an S-mode
		// instruction fetch from a U-page always faults regardless of SUM.
		if access == AccessExecute || !sum {
			return &PageFault{Access: access}
		}
	}

	switch access {
	case AccessRead:
		if pte&PteR == 0 && !(mxr && pte&PteX != 0) {
			return &PageFault{Access: access}
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return &PageFault{Access: access}
		}
	case AccessExecute:
		if pte&PteX == 0 {
			return &PageFault{Access: access}
		}
	}
	return nil
}

func (m *MMU) fault(access Access, vaddr uint64) error {
	return &PageFault{Access: access, Vaddr: vaddr}
}
