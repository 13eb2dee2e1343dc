package machine

import "fmt"

// buildDTB assembles a minimal flattened device tree describing this
// machine's harts, memory, CLINT, PLIC, UART, and VirtIO slots. Firmware/
// kernels that expect a DTB pointer in a1 (the standard RISC-V boot
// convention) get one; nothing here is parsed by this emulator itself.
func (m *Machine) buildDTB() ([]byte, error) {
	cpusChildren := make([]dtNode, 0, len(m.Harts)+1)
	for i := range m.Harts {
		cpusChildren = append(cpusChildren, dtNode{
			name: fmt.Sprintf("cpu@%d", i),
			properties: map[string]dtProp{
				"device_type":     {strings: []string{"cpu"}},
				"compatible":      {strings: []string{"riscv"}},
				"riscv,isa":       {strings: []string{"rv64imac_zicsr_zifencei"}},
				"mmu-type":        {strings: []string{"riscv,sv39"}},
				"reg":             {u32: []uint32{uint32(i)}},
				"status":          {strings: []string{"okay"}},
				"clock-frequency": {u32: []uint32{10_000_000}},
				"phandle":         {u32: []uint32{uint32(100 + i)}},
			},
			children: []dtNode{{
				name: "interrupt-controller",
				properties: map[string]dtProp{
					"#interrupt-cells":     {u32: []uint32{1}},
					"interrupt-controller": {flag: true},
					"compatible":           {strings: []string{"riscv,cpu-intc"}},
					"phandle":              {u32: []uint32{uint32(200 + i)}},
				},
			}},
		})
	}

	plicInterruptsExtended := make([]uint32, 0, 4*len(m.Harts))
	for i := range m.Harts {
		// (phandle, irq) pairs: machine external (11) then supervisor
		// external (9), matching the 2*hart/2*hart+1 context numbering
		// machine.go wires into plic.New.
		plicInterruptsExtended = append(plicInterruptsExtended, uint32(200+i), 11, uint32(200+i), 9)
	}

	root := dtNode{
		name: "",
		properties: map[string]dtProp{
			"#address-cells": {u32: []uint32{2}},
			"#size-cells":    {u32: []uint32{2}},
			"compatible":     {strings: []string{"rvkit,hartcore"}},
			"model":          {strings: []string{"rvkit,hartcore-virt"}},
		},
		children: []dtNode{
			{
				name: "cpus",
				properties: map[string]dtProp{
					"#address-cells":     {u32: []uint32{1}},
					"#size-cells":        {u32: []uint32{0}},
					"timebase-frequency": {u32: []uint32{10_000_000}},
				},
				children: cpusChildren,
			},
			{
				name: fmt.Sprintf("memory@%x", RAMBase),
				properties: map[string]dtProp{
					"device_type": {strings: []string{"memory"}},
					"reg":         {u64: []uint64{RAMBase, m.cfg.RAMSize}},
				},
			},
			{
				name: "chosen",
				properties: map[string]dtProp{
					"bootargs": {strings: []string{m.cfg.BootArgs}},
				},
			},
			{
				name: fmt.Sprintf("clint@%x", CLINTBase),
				properties: map[string]dtProp{
					"compatible":          {strings: []string{"riscv,clint0"}},
					"reg":                 {u64: []uint64{CLINTBase, m.CLINT.Size()}},
					"interrupts-extended": {u32: clintInterruptsExtended(len(m.Harts))},
				},
			},
			{
				name: fmt.Sprintf("plic@%x", PLICBase),
				properties: map[string]dtProp{
					"compatible":           {strings: []string{"riscv,plic0"}},
					"reg":                  {u64: []uint64{PLICBase, m.PLIC.Size()}},
					"interrupts-extended":  {u32: plicInterruptsExtended},
					"riscv,ndev":           {u32: []uint32{uint32(virtioIRQBase) + uint32(len(m.VirtIO))}},
					"#interrupt-cells":     {u32: []uint32{1}},
					"interrupt-controller": {flag: true},
					"phandle":              {u32: []uint32{1}},
				},
			},
			{
				name: fmt.Sprintf("uart@%x", UARTBase),
				properties: map[string]dtProp{
					"compatible":       {strings: []string{"ns16550a"}},
					"reg":              {u64: []uint64{UARTBase, m.UART.Size()}},
					"clock-frequency":  {u32: []uint32{1_843_200}},
					"interrupt-parent": {u32: []uint32{1}},
					"interrupts":       {u32: []uint32{uartIRQ}},
				},
			},
		},
	}

	for i := range m.VirtIO {
		base := VirtIOBase + uint64(i)*VirtIOStride
		root.children = append(root.children, dtNode{
			name: fmt.Sprintf("virtio_mmio@%x", base),
			properties: map[string]dtProp{
				"compatible":       {strings: []string{"virtio,mmio"}},
				"reg":              {u64: []uint64{base, VirtIOStride}},
				"interrupt-parent": {u32: []uint32{1}},
				"interrupts":       {u32: []uint32{uint32(virtioIRQBase + i)}},
			},
		})
	}

	return buildFlatTree(root)
}

func clintInterruptsExtended(hartCount int) []uint32 {
	out := make([]uint32, 0, 4*hartCount)
	for i := 0; i < hartCount; i++ {
		// (phandle, irq) pairs: machine software (3) then machine timer (7).
		out = append(out, uint32(200+i), 3, uint32(200+i), 7)
	}
	return out
}
