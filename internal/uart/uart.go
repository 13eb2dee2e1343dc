// Package uart implements a 16550-compatible serial device (C4): an RX
// FIFO, a TX path and a DLAB-latched control register file, each behind its
// own mutex so draining TX never blocks delivering RX input. There is no TX
// FIFO: each THR write is handed straight to the host sink.
package uart

import "sync"

// Register offsets, grounded on rv64/uart.go.
const (
	RegRBR = 0 // read, DLAB=0
	RegTHR = 0 // write, DLAB=0
	RegIER = 1
	RegIIR = 2 // read
	RegFCR = 2 // write
	RegLCR = 3
	RegMCR = 4
	RegLSR = 5
	RegMSR = 6
	RegSCR = 7
)

// LSR bits.
const (
	LSRDataReady = 1 << 0
	LSRTHREmpty  = 1 << 5
	LSRTxEmpty   = 1 << 6
)

// IER bits.
const (
	IERRxAvail  = 1 << 0
	IERTHREmpty = 1 << 1
)

// IIR values (priority order: RX data available beats THR empty).
const (
	IIRNone        = 0x01
	IIRTHREmpty    = 0x02
	IIRRxAvailable = 0x04
)

const fifoDepth = 16

// UART is a 16550-style serial port. RX, TX, and the control-register block
// each have their own lock (spec.md §4.11): a host sink slow to consume a
// transmitted byte never holds up a goroutine pushing new host input into
// RX, and vice versa.
type UART struct {
	rxMu  sync.Mutex
	rx    []byte

	txMu  sync.Mutex
	onTX  func(byte) // host sink for transmitted bytes, e.g. terminal output

	ctrlMu sync.Mutex
	ier    uint8
	iir    uint8
	fcr    uint8
	lcr    uint8
	mcr    uint8
	msr    uint8
	scr    uint8
	dll    uint8
	dlh    uint8

	onInterrupt func(bool)
	irqPending  bool
}

func New(onTX func(byte)) *UART {
	return &UART{onTX: onTX, iir: IIRNone}
}

func (u *UART) Size() uint64 { return 0x100 }

// SetInterruptSink wires the UART's IRQ line to a PLIC source (or whatever
// listens for level changes); called once at machine construction.
func (u *UART) SetInterruptSink(fn func(bool)) { u.onInterrupt = fn }

// PushInput delivers host keystrokes to the guest's RX FIFO.
func (u *UART) PushInput(b []byte) {
	u.rxMu.Lock()
	u.rx = append(u.rx, b...)
	if len(u.rx) > fifoDepth {
		u.rx = u.rx[len(u.rx)-fifoDepth:]
	}
	u.rxMu.Unlock()
	u.updateInterrupt()
}

func (u *UART) dlab() bool {
	u.ctrlMu.Lock()
	defer u.ctrlMu.Unlock()
	return u.lcr&0x80 != 0
}

func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}
	switch offset {
	case RegRBR:
		if u.dlab() {
			u.ctrlMu.Lock()
			defer u.ctrlMu.Unlock()
			return uint64(u.dll), nil
		}
		u.rxMu.Lock()
		var b byte
		if len(u.rx) > 0 {
			b = u.rx[0]
			u.rx = u.rx[1:]
		}
		u.rxMu.Unlock()
		u.updateInterrupt()
		return uint64(b), nil

	case RegIER:
		u.ctrlMu.Lock()
		defer u.ctrlMu.Unlock()
		if u.lcr&0x80 != 0 {
			return uint64(u.dlh), nil
		}
		return uint64(u.ier), nil

	case RegIIR:
		u.ctrlMu.Lock()
		defer u.ctrlMu.Unlock()
		return uint64(u.iir), nil

	case RegLCR:
		u.ctrlMu.Lock()
		defer u.ctrlMu.Unlock()
		return uint64(u.lcr), nil

	case RegMCR:
		u.ctrlMu.Lock()
		defer u.ctrlMu.Unlock()
		return uint64(u.mcr), nil

	case RegLSR:
		return uint64(u.lsr()), nil

	case RegMSR:
		u.ctrlMu.Lock()
		defer u.ctrlMu.Unlock()
		return uint64(u.msr), nil

	case RegSCR:
		u.ctrlMu.Lock()
		defer u.ctrlMu.Unlock()
		return uint64(u.scr), nil
	}
	return 0, nil
}

func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}
	data := uint8(value)

	switch offset {
	case RegTHR:
		if u.dlab() {
			u.ctrlMu.Lock()
			u.dll = data
			u.ctrlMu.Unlock()
			return nil
		}
		u.txMu.Lock()
		if u.onTX != nil {
			u.onTX(data)
		}
		u.txMu.Unlock()
		u.updateInterrupt()

	case RegIER:
		u.ctrlMu.Lock()
		if u.lcr&0x80 != 0 {
			u.dlh = data
			u.ctrlMu.Unlock()
			return nil
		}
		u.ier = data
		u.ctrlMu.Unlock()
		u.updateInterrupt()

	case RegFCR:
		u.ctrlMu.Lock()
		u.fcr = data
		u.ctrlMu.Unlock()
		if data&0x02 != 0 {
			u.rxMu.Lock()
			u.rx = nil
			u.rxMu.Unlock()
		}

	case RegLCR:
		u.ctrlMu.Lock()
		u.lcr = data
		u.ctrlMu.Unlock()

	case RegMCR:
		u.ctrlMu.Lock()
		u.mcr = data
		u.ctrlMu.Unlock()

	case RegSCR:
		u.ctrlMu.Lock()
		u.scr = data
		u.ctrlMu.Unlock()
	}
	return nil
}

func (u *UART) lsr() uint8 {
	u.rxMu.Lock()
	hasRX := len(u.rx) > 0
	u.rxMu.Unlock()
	lsr := uint8(LSRTHREmpty | LSRTxEmpty)
	if hasRX {
		lsr |= LSRDataReady
	}
	return lsr
}

// updateInterrupt recomputes IIR and the IRQ line. Received-Data-Available
// takes priority over Transmit-Holding-Register-Empty (spec.md §4.11).
func (u *UART) updateInterrupt() {
	u.rxMu.Lock()
	hasRX := len(u.rx) > 0
	u.rxMu.Unlock()

	u.ctrlMu.Lock()
	pending := false
	var iir uint8 = IIRNone
	switch {
	case u.ier&IERRxAvail != 0 && hasRX:
		pending, iir = true, IIRRxAvailable
	case u.ier&IERTHREmpty != 0:
		pending, iir = true, IIRTHREmpty
	}
	u.iir = iir
	changed := pending != u.irqPending
	u.irqPending = pending
	u.ctrlMu.Unlock()

	if changed && u.onInterrupt != nil {
		u.onInterrupt(pending)
	}
}
