package uart

import "testing"

func TestTransmitInvokesOnTX(t *testing.T) {
	var got []byte
	u := New(func(b byte) { got = append(got, b) })

	if err := u.Write(RegTHR, 1, 'h'); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := u.Write(RegTHR, 1, 'i'); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
}

func TestPushInputThenReadRBR(t *testing.T) {
	u := New(nil)
	u.PushInput([]byte("ab"))

	v, err := u.Read(RegRBR, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 'a' {
		t.Fatalf("Read(RBR) = %q, want 'a'", v)
	}
	v, err = u.Read(RegRBR, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v != 'b' {
		t.Fatalf("Read(RBR) = %q, want 'b'", v)
	}
}

func TestLSRReflectsRXAvailability(t *testing.T) {
	u := New(nil)
	v, _ := u.Read(RegLSR, 1)
	if uint8(v)&LSRDataReady != 0 {
		t.Fatal("LSR must not report data ready with an empty RX FIFO")
	}
	u.PushInput([]byte("x"))
	v, _ = u.Read(RegLSR, 1)
	if uint8(v)&LSRDataReady == 0 {
		t.Fatal("LSR must report data ready once a byte has been pushed")
	}
}

func TestInterruptRaisedOnRxWhenEnabled(t *testing.T) {
	var states []bool
	u := New(nil)
	u.SetInterruptSink(func(v bool) { states = append(states, v) })

	if err := u.Write(RegIER, 1, IERRxAvail); err != nil {
		t.Fatalf("Write IER: %v", err)
	}
	u.PushInput([]byte("z"))

	if len(states) == 0 || !states[len(states)-1] {
		t.Fatal("expected the interrupt sink to be raised after RX with IER.RxAvail set")
	}

	if _, err := u.Read(RegRBR, 1); err != nil {
		t.Fatalf("Read RBR: %v", err)
	}
	if states[len(states)-1] {
		t.Fatal("expected the interrupt sink to fall once RX FIFO drains")
	}
}

func TestDLABSwitchesRBRToDivisorLatch(t *testing.T) {
	u := New(nil)
	if err := u.Write(RegLCR, 1, 0x80); err != nil {
		t.Fatalf("Write LCR: %v", err)
	}
	if err := u.Write(RegTHR, 1, 0x42); err != nil { // writes DLL while DLAB set
		t.Fatalf("Write DLL: %v", err)
	}
	v, err := u.Read(RegRBR, 1) // reads DLL while DLAB set
	if err != nil {
		t.Fatalf("Read DLL: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("Read(RBR) with DLAB set = 0x%x, want 0x42", v)
	}
}
