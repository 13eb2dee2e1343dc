package cpu

import (
	"testing"

	"github.com/rvkit/hartcore/internal/decode"
)

func TestAmoCombineWordOps(t *testing.T) {
	cases := []struct {
		kind     decode.Kind
		cur, rs2 uint64
		want     uint64
	}{
		{decode.AMOSWAPW, 10, 99, 99},
		{decode.AMOADDW, 10, 5, 15},
		{decode.AMOXORW, 0xf0, 0x0f, 0xff},
		{decode.AMOANDW, 0xff, 0x0f, 0x0f},
		{decode.AMOORW, 0xf0, 0x0f, 0xff},
		{decode.AMOMINW, 3, 7, 3},
		{decode.AMOMAXW, 3, 7, 7},
		{decode.AMOMINUW, 3, 7, 3},
		{decode.AMOMAXUW, 3, 7, 7},
	}
	for _, c := range cases {
		got := amoCombine(c.kind, true, c.cur, c.rs2)
		if got != c.want {
			t.Errorf("amoCombine(%v, word, %d, %d) = %d, want %d", c.kind, c.cur, c.rs2, got, c.want)
		}
	}
}

func TestAmoCombineWordMinMaxAreSigned(t *testing.T) {
	// as 32-bit signed values, 0xffffffff == -1, which is less than 1.
	got := amoCombine(decode.AMOMINW, true, 0xffffffff, 1)
	if got != 0xffffffff {
		t.Fatalf("signed AMOMINW(-1,1) = 0x%x, want 0xffffffff (-1 is smaller)", got)
	}
	// as unsigned, 0xffffffff is larger than 1.
	got = amoCombine(decode.AMOMINUW, true, 0xffffffff, 1)
	if got != 1 {
		t.Fatalf("unsigned AMOMINUW(0xffffffff,1) = 0x%x, want 1", got)
	}
}

func TestAmoCombineDoublewordOps(t *testing.T) {
	cases := []struct {
		kind     decode.Kind
		cur, rs2 uint64
		want     uint64
	}{
		{decode.AMOSWAPD, 10, 99, 99},
		{decode.AMOADDD, 10, 5, 15},
		{decode.AMOXORD, 0xf0, 0x0f, 0xff},
		{decode.AMOANDD, 0xff, 0x0f, 0x0f},
		{decode.AMOORD, 0xf0, 0x0f, 0xff},
		{decode.AMOMIND, 3, 7, 3},
		{decode.AMOMAXD, 3, 7, 7},
		{decode.AMOMINUD, 3, 7, 3},
		{decode.AMOMAXUD, 3, 7, 7},
	}
	for _, c := range cases {
		got := amoCombine(c.kind, false, c.cur, c.rs2)
		if got != c.want {
			t.Errorf("amoCombine(%v, dword, %d, %d) = %d, want %d", c.kind, c.cur, c.rs2, got, c.want)
		}
	}
}
