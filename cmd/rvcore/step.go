package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/rvkit/hartcore/internal/machine"
)

// stepCommand runs a single hart instruction-by-instruction, printing PC
// and register state after each step; useful for bisecting a guest boot
// failure against a reference trace.
func stepCommand(args []string) error {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	kernelPath := fs.String("kernel", "", "kernel/firmware image to load at RAM base")
	memMB := fs.Int("mem-mb", 64, "guest RAM size in MiB")
	count := fs.Int("count", 0, "stop after this many instructions (0 = until halt/EOF)")
	quiet := fs.Bool("quiet", false, "don't print per-step register state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kernelPath == "" {
		return fmt.Errorf("-kernel is required")
	}

	kernel, err := loadImageWithProgress(*kernelPath, "kernel")
	if err != nil {
		return err
	}

	m, err := machine.New(machine.Config{
		HartCount: 1,
		RAMSize:   uint64(*memMB) * 1024 * 1024,
		Kernel:    kernel,
		ConsoleOut: func(b byte) {
			os.Stdout.Write([]byte{b})
		},
	})
	if err != nil {
		return err
	}

	h := m.Harts[0]
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for i := 0; *count == 0 || i < *count; i++ {
		if m.Halted() {
			break
		}
		res, err := h.Step(m.CLINT)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if !*quiet {
			if res.Trapped {
				fmt.Fprintf(out, "step %-6d pc=0x%016x TRAP %s\n", i, h.PC, res.Trap.Error())
			} else {
				fmt.Fprintf(out, "step %-6d pc=0x%016x ra=0x%016x sp=0x%016x a0=0x%016x\n",
					i, h.PC, h.X[1], h.X[2], h.X[10])
			}
		}
		if i%4096 == 0 {
			out.Flush()
		}
	}
	return nil
}
