package bwe

import (
	"testing"

	"github.com/thesyncim/googcc/pkg/units"
)

var iaBase = units.TimestampSeconds(10)

func iaAt(ms int64) units.Timestamp { return iaBase.Add(units.Millis(ms)) }

func TestInterArrivalCalculator_GroupsBySendTime(t *testing.T) {
	calc := NewInterArrivalCalculator(0)
	size := units.Bytes(100)

	// Group 1: sent within 5 ms.
	for _, ms := range []int64{0, 2, 4} {
		if _, ok := calc.AddPacket(iaAt(ms), iaAt(50+ms), size); ok {
			t.Fatalf("packet sent at %d ms should not produce deltas", ms)
		}
	}
	if got := calc.CurrentGroup().NumPackets; got != 3 {
		t.Errorf("current group has %d packets, want 3", got)
	}
	if got := calc.CurrentGroup().Size; got != units.Bytes(300) {
		t.Errorf("current group size = %v, want 300 bytes", got)
	}

	// Group 2 starts 10 ms later; there is no earlier pair yet.
	if _, ok := calc.AddPacket(iaAt(10), iaAt(60), size); ok {
		t.Fatal("second group should not produce deltas")
	}
	calc.AddPacket(iaAt(12), iaAt(62), size)

	// Group 3 closes group 2.
	deltas, ok := calc.AddPacket(iaAt(20), iaAt(70), size)
	if !ok {
		t.Fatal("third group should produce deltas")
	}
	if deltas.SendDelta != units.Millis(8) {
		t.Errorf("SendDelta = %v, want 8ms", deltas.SendDelta)
	}
	if deltas.ArrivalDelta != units.Millis(8) {
		t.Errorf("ArrivalDelta = %v, want 8ms", deltas.ArrivalDelta)
	}
	if deltas.SizeDelta != -100 {
		t.Errorf("SizeDelta = %d, want -100", deltas.SizeDelta)
	}
	if deltas.DelayVariation() != 0 {
		t.Errorf("DelayVariation = %v, want 0", deltas.DelayVariation())
	}

	prev, ok := calc.PreviousGroup()
	if !ok || prev.NumPackets != 2 {
		t.Errorf("previous group = %+v, want 2 packets", prev)
	}
}

func TestInterArrivalCalculator_DelayVariation(t *testing.T) {
	tests := []struct {
		name      string
		arrivalMs int64 // arrival spacing of groups sent 100 ms apart
		want      units.TimeDelta
	}{
		{"stable", 100, 0},
		{"queue building", 120, units.Millis(20)},
		{"queue draining", 90, units.Millis(-10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := NewInterArrivalCalculator(units.Millis(5))
			size := units.Bytes(1200)
			calc.AddPacket(iaAt(0), iaAt(20), size)
			calc.AddPacket(iaAt(100), iaAt(20+tt.arrivalMs), size)
			deltas, ok := calc.AddPacket(iaAt(200), iaAt(20+2*tt.arrivalMs), size)
			if !ok {
				t.Fatal("expected deltas")
			}
			if got := deltas.DelayVariation(); got != tt.want {
				t.Errorf("DelayVariation = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInterArrivalCalculator_BurstMerging(t *testing.T) {
	calc := NewInterArrivalCalculator(units.Millis(5))
	size := units.Bytes(1200)

	// Sent 10 ms apart but delivered 1 ms apart: held behind the first.
	calc.AddPacket(iaAt(0), iaAt(100), size)
	calc.AddPacket(iaAt(10), iaAt(101), size)
	calc.AddPacket(iaAt(20), iaAt(102), size)

	if got := calc.CurrentGroup().NumPackets; got != 3 {
		t.Errorf("burst group has %d packets, want 3", got)
	}
	if _, ok := calc.PreviousGroup(); ok {
		t.Error("no group should have been completed")
	}
}

func TestInterArrivalCalculator_IgnoresReorderedPacket(t *testing.T) {
	calc := NewInterArrivalCalculator(units.Millis(5))
	size := units.Bytes(1200)
	calc.AddPacket(iaAt(0), iaAt(50), size)
	calc.AddPacket(iaAt(20), iaAt(70), size)

	if _, ok := calc.AddPacket(iaAt(10), iaAt(71), size); ok {
		t.Error("reordered packet should be ignored")
	}
	if got := calc.CurrentGroup().NumPackets; got != 1 {
		t.Errorf("current group has %d packets, want 1", got)
	}
}

func TestInterArrivalCalculator_ArrivalClockJumpResets(t *testing.T) {
	calc := NewInterArrivalCalculator(units.Millis(5))
	size := units.Bytes(1200)
	calc.AddPacket(iaAt(0), iaAt(50), size)
	calc.AddPacket(iaAt(20), iaAt(70), size)

	// The jump is seen once the group that jumped is closed.
	if _, ok := calc.AddPacket(iaAt(40), iaAt(5000), size); !ok {
		t.Fatal("closing the second group should produce deltas")
	}
	if _, ok := calc.AddPacket(iaAt(60), iaAt(5020), size); ok {
		t.Error("a 3 s arrival jump should not produce deltas")
	}
	if _, ok := calc.PreviousGroup(); ok {
		t.Error("calculator should have been reset")
	}
}

func TestInterArrivalCalculator_Reset(t *testing.T) {
	calc := NewInterArrivalCalculator(units.Millis(5))
	size := units.Bytes(1200)
	calc.AddPacket(iaAt(0), iaAt(50), size)
	calc.AddPacket(iaAt(20), iaAt(70), size)

	calc.Reset()

	if got := calc.CurrentGroup().NumPackets; got != 0 {
		t.Errorf("current group has %d packets after reset, want 0", got)
	}
	if _, ok := calc.PreviousGroup(); ok {
		t.Error("previous group should be cleared")
	}
}
