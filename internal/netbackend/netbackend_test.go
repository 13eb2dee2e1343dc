package netbackend

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/rvkit/hartcore/internal/netstack"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	stack := netstack.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a, err := New(stack)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestMACAddressIsLocallyAdministered(t *testing.T) {
	a := newTestAdapter(t)
	mac := a.MACAddress()
	if mac[0]&2 == 0 {
		t.Fatalf("mac[0] = 0x%x, expected the locally-administered bit set", mac[0])
	}
}

func TestAssignedIPReportsGuestAddress(t *testing.T) {
	a := newTestAdapter(t)
	ip, ok := a.AssignedIP()
	if !ok {
		t.Fatal("expected AssignedIP to report an address")
	}
	var want [4]byte
	copy(want[:], a.stack.GuestIPv4().To4())
	if ip != want {
		t.Fatalf("AssignedIP() = %v, want %v (the stack's own GuestIPv4())", ip, want)
	}
}

func TestConnectedReflectsObservedGuestTraffic(t *testing.T) {
	a := newTestAdapter(t)
	if a.Connected() {
		t.Fatal("expected Connected() false before any guest frame is observed")
	}
	// A guest-sourced frame (minimal Ethernet header, arbitrary src MAC)
	// delivered through the stack's normal ingress path marks the link up.
	frame := make([]byte, 14)
	copy(frame[0:6], a.mac[:])                  // dst: configured guest MAC
	copy(frame[6:12], []byte{2, 0, 0, 0, 0, 9}) // src: guest
	if err := a.iface.DeliverGuestPacket(frame, nil); err != nil {
		t.Fatal(err)
	}
	if !a.Connected() {
		t.Fatal("expected Connected() true once a guest frame has been observed")
	}
}

func TestRecvDrainsBufferedFramesInOrder(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.onStackFrame([]byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := a.onStackFrame([]byte("second")); err != nil {
		t.Fatal(err)
	}

	pkt, ok := a.Recv()
	if !ok || string(pkt) != "first" {
		t.Fatalf("first Recv = %q, %v", pkt, ok)
	}
	pkt, ok = a.Recv()
	if !ok || string(pkt) != "second" {
		t.Fatalf("second Recv = %q, %v", pkt, ok)
	}
	if _, ok := a.Recv(); ok {
		t.Fatal("expected Recv to report empty once drained")
	}
}

func TestRecvQueueDropsOldestWhenFull(t *testing.T) {
	a := newTestAdapter(t)
	for i := 0; i < rxQueueDepth+1; i++ {
		if err := a.onStackFrame([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	pkt, ok := a.Recv()
	if !ok {
		t.Fatal("expected at least one buffered frame")
	}
	if pkt[0] != 1 {
		t.Fatalf("oldest surviving frame = %d, want 1 (frame 0 should have been dropped)", pkt[0])
	}
}

func TestEnableCaptureWritesFileHeaderAndPackets(t *testing.T) {
	a := newTestAdapter(t)
	var buf bytes.Buffer
	if err := a.EnableCapture(&buf); err != nil {
		t.Fatalf("EnableCapture: %v", err)
	}
	headerLen := buf.Len()
	if err := a.onStackFrame([]byte("captured frame")); err != nil {
		t.Fatal(err)
	}
	if buf.Len() <= headerLen {
		t.Fatal("expected a capture record after a frame crossed the boundary")
	}
	// EnableCapture writes the pcap global header; the frame must add a
	// record after it. pcap.Writer's own tests cover the exact byte layout.
}
