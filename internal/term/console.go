// Package term adapts the teacher's GPU terminal view (internal/term's
// View, grounded on charmbracelet/x/vt + x/ansi) into a headless guest
// console for the UART model: no graphics.Window, no glyph rendering, just
// the VT emulator feeding a byte stream the CLI writes straight to the
// host's own terminal.
package term

import (
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Console is a headless VT emulator wired to a guest serial console: bytes
// written to it (UART TX) are parsed by the emulator; anything the
// emulator itself generates in response (cursor/device queries it doesn't
// swallow, SendText/SendKey-originated input) comes back out through Read
// (bound for UART RX).
type Console struct {
	emu *vt.SafeEmulator

	inR *io.PipeReader
	inW *io.PipeWriter

	inputQ chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewConsole creates a cols x rows headless console.
func NewConsole(cols, rows int) *Console {
	emu := vt.NewSafeEmulator(cols, rows)
	disableQueriesThatBreakGuests(emu)

	inR, inW := io.Pipe()
	c := &Console{
		emu:     emu,
		inR:     inR,
		inW:     inW,
		inputQ:  make(chan []byte, 1024),
		closeCh: make(chan struct{}),
	}
	go c.readVTIntoQueue()
	go c.drainQueueToPipe()
	return c
}

// disableQueriesThatBreakGuests swallows terminal-reply escape sequences
// (cursor position / device attribute reports) the emulator would
// otherwise auto-generate, matching internal/term's View: unsolicited
// replies read back as if the user had typed them, which confuses a
// minimal guest shell that never issued the query. Grounded verbatim on
// the teacher's disableVTQueriesThatBreakGuests.
func disableQueriesThatBreakGuests(emu *vt.SafeEmulator) {
	if emu == nil {
		return
	}
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		switch n {
		case 5, 6:
			return true
		default:
			return false
		}
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// Write feeds guest-produced output (UART TX bytes) into the emulator.
func (c *Console) Write(p []byte) (int, error) {
	if c == nil || c.emu == nil {
		return 0, io.EOF
	}
	return c.emu.Write(p)
}

// Read drains bytes the emulator generated (bound for UART RX).
func (c *Console) Read(p []byte) (int, error) {
	if c == nil || c.inR == nil {
		return 0, io.EOF
	}
	return c.inR.Read(p)
}

// SendText forwards host keystrokes (already decoded to text) to the
// guest, the same entry point internal/term's View uses for typed input.
func (c *Console) SendText(s string) {
	if c == nil || c.emu == nil {
		return
	}
	c.emu.SendText(s)
}

// SendKey forwards a non-printable key (arrows, function keys, control
// sequences) the host terminal reported.
func (c *Console) SendKey(ev vt.KeyPressEvent) {
	if c == nil || c.emu == nil {
		return
	}
	c.emu.SendKey(ev)
}

func (c *Console) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.emu != nil {
			_ = c.emu.Close()
		}
		if c.inW != nil {
			_ = c.inW.Close()
		}
		if c.inR != nil {
			_ = c.inR.Close()
		}
	})
	return nil
}

func (c *Console) readVTIntoQueue() {
	buf := make([]byte, 4096)
	for {
		n, err := c.emu.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case c.inputQ <- b:
			case <-c.closeCh:
				close(c.inputQ)
				return
			}
		}
		if err != nil {
			close(c.inputQ)
			return
		}
	}
}

func (c *Console) drainQueueToPipe() {
	for {
		select {
		case b, ok := <-c.inputQ:
			if !ok {
				_ = c.inW.Close()
				return
			}
			for len(b) > 0 {
				n, err := c.inW.Write(b)
				if n > 0 {
					b = b[n:]
				}
				if err != nil || n == 0 {
					return
				}
			}
		case <-c.closeCh:
			_ = c.inW.Close()
			return
		}
	}
}
