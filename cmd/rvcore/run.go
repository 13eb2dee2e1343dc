package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rvkit/hartcore/internal/machine"
	"github.com/rvkit/hartcore/internal/netbackend"
	"github.com/rvkit/hartcore/internal/netstack"
	hvterm "github.com/rvkit/hartcore/internal/term"
	"github.com/rvkit/hartcore/internal/virtio"
)

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	kernelPath := fs.String("kernel", "", "kernel/firmware image to load at RAM base")
	diskPath := fs.String("disk", "", "virtio-blk backing file (created if missing)")
	diskSizeMB := fs.Int("disk-size-mb", 64, "size to create -disk at if it doesn't exist")
	memMB := fs.Int("mem-mb", 256, "guest RAM size in MiB")
	harts := fs.Int("harts", 1, "number of harts")
	bootArgs := fs.String("bootargs", "console=hvc0", "kernel command line")
	netEnabled := fs.Bool("net", false, "attach a virtio-net device backed by the userspace netstack")
	rngEnabled := fs.Bool("rng", true, "attach a virtio-rng device")
	blockEngine := fs.Bool("block-engine", true, "use the superblock execution engine instead of plain single-step")
	configPath := fs.String("config", "", "optional YAML MachineConfig; flags override its values")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := MachineConfig{
		HartCount:      *harts,
		MemoryMB:       *memMB,
		Kernel:         *kernelPath,
		Disk:           *diskPath,
		DiskSizeMB:     *diskSizeMB,
		BootArgs:       *bootArgs,
		Net:            *netEnabled,
		RNG:            *rngEnabled,
		UseBlockEngine: *blockEngine,
	}
	if *configPath != "" {
		fileCfg, err := loadMachineConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = mergeConfig(fileCfg, cfg, fs)
	}
	if cfg.Kernel == "" {
		return fmt.Errorf("-kernel is required")
	}

	kernel, err := loadImageWithProgress(cfg.Kernel, "kernel")
	if err != nil {
		return fmt.Errorf("loading kernel: %w", err)
	}

	var blockBackend virtio.BlockBackend
	if cfg.Disk != "" {
		blockBackend, err = virtio.OpenFileBackend(cfg.Disk, int64(cfg.DiskSizeMB)*1024*1024)
		if err != nil {
			return fmt.Errorf("opening disk: %w", err)
		}
	}

	var netBackend virtio.NetBackend
	if cfg.Net {
		stack := netstack.New(slog.Default())
		adapter, err := netbackend.New(stack)
		if err != nil {
			return fmt.Errorf("attaching net backend: %w", err)
		}
		netBackend = adapter
	}

	console := hvterm.NewConsole(80, 25)
	defer console.Close()

	mcfg := machine.Config{
		HartCount:      cfg.HartCount,
		RAMSize:        uint64(cfg.MemoryMB) * 1024 * 1024,
		Kernel:         kernel,
		BootArgs:       cfg.BootArgs,
		ConsoleOut:     func(b byte) { os.Stdout.Write([]byte{b}); console.Write([]byte{b}) },
		Block:          blockBackend,
		Net:            netBackend,
		RNG:            cfg.RNG,
		UseBlockEngine: cfg.UseBlockEngine,
	}
	m, err := machine.New(mcfg)
	if err != nil {
		return fmt.Errorf("building machine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	restoreStdin := attachStdin(ctx, m, console)
	defer restoreStdin()

	if err := m.Run(ctx); err != nil {
		return err
	}

	if m.Halted() {
		code := m.ExitCode()
		fmt.Fprintf(os.Stderr, "\nrvcore: machine halted, finisher code 0x%x\n", code)
		if code == machine.FinisherFail {
			os.Exit(1)
		}
	}
	return nil
}

// attachStdin puts the host terminal in raw mode (when it is one) and
// pipes stdin bytes straight to the UART's RX FIFO; the guest's own
// console driver already emits and expects real terminal escape
// sequences, so input is passed through untranslated rather than routed
// through the VT emulator. A side goroutine still drains the emulator's
// own generated bytes (query responses it didn't swallow) into RX.
func attachStdin(ctx context.Context, m *machine.Machine, console *hvterm.Console) func() {
	fd := int(os.Stdin.Fd())
	noop := func() {}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			noop = func() { term.Restore(fd, oldState) }
		}
	}

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				m.UART.PushInput(buf[:n])
			}
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := console.Read(buf)
			if n > 0 {
				m.UART.PushInput(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	}()

	return noop
}

func loadImageWithProgress(path, label string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("load %s", label))
	defer bar.Close()

	buf := make([]byte, 0, info.Size())
	w := &sliceWriter{buf: &buf}
	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		return nil, err
	}
	return buf, nil
}

type sliceWriter struct{ buf *[]byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}

func mergeConfig(file, flags MachineConfig, fs *flag.FlagSet) MachineConfig {
	out := file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "harts":
			out.HartCount = flags.HartCount
		case "mem-mb":
			out.MemoryMB = flags.MemoryMB
		case "kernel":
			out.Kernel = flags.Kernel
		case "disk":
			out.Disk = flags.Disk
		case "disk-size-mb":
			out.DiskSizeMB = flags.DiskSizeMB
		case "bootargs":
			out.BootArgs = flags.BootArgs
		case "net":
			out.Net = flags.Net
		case "rng":
			out.RNG = flags.RNG
		case "block-engine":
			out.UseBlockEngine = flags.UseBlockEngine
		}
	})
	if out.HartCount == 0 {
		out.HartCount = flags.HartCount
	}
	if out.MemoryMB == 0 {
		out.MemoryMB = flags.MemoryMB
	}
	return out
}
