package cia402

import (
	"errors"
	"testing"
	"time"

	"bytemomo/ecmaster/internal/ecerr"
)

func TestStatusWordState(t *testing.T) {
	tests := []struct {
		status StatusWord
		want   State
	}{
		{0x0000, NotReadyToSwitchOn},
		{0x0040, SwitchOnDisabled},
		{0x0250, SwitchOnDisabled},
		{0x0021, ReadyToSwitchOn},
		{0x0231, ReadyToSwitchOn},
		{0x0233, SwitchedOn},
		{0x0237, OperationEnabled},
		{0x1637, OperationEnabled},
		{0x0007, QuickStopActive},
		{0x000F, FaultReactionActive},
		{0x0008, Fault},
		{0x0218, Fault},
	}
	for _, tt := range tests {
		if got := tt.status.State(); got != tt.want {
			t.Errorf("status %#04x: expected %s, got %s", uint16(tt.status), tt.want, got)
		}
	}
}

func TestStatusBitsRoundTrip(t *testing.T) {
	for st := NotReadyToSwitchOn; st <= Fault; st++ {
		if got := StatusBits(st).State(); got != st {
			t.Errorf("expected %s, got %s", st, got)
		}
	}
}

func TestFault(t *testing.T) {
	if err := StatusWord(0x0237).Fault(); err != nil {
		t.Errorf("expected no fault, got %v", err)
	}
	err := StatusWord(0x0008).Fault()
	if !errors.Is(err, ecerr.ErrInternal) {
		t.Errorf("expected ErrInternal, got %v", err)
	}
}

func TestAllBitsPassThrough(t *testing.T) {
	s := StatusWord(0xFFFF)
	if !s.Has(SWManSpecific2 | SWOpSpecific1 | SWSTO) {
		t.Error("expected reserved bits to be kept")
	}
	if got := ControlWord(0x8003).String(); got != "SWITCH_ON|ENABLE_VOLTAGE|0x8000" {
		t.Errorf("unexpected control word string %q", got)
	}
	if got := StatusWord(0).String(); got != "0" {
		t.Errorf("unexpected empty status %q", got)
	}
	if got := (SWFault | SWRemote).String(); got != "FAULT|REMOTE" {
		t.Errorf("unexpected status string %q", got)
	}
}

func TestEnableSequence(t *testing.T) {
	st := Fault
	prev := ControlWord(0)
	seen := []State{st}
	for range 10 {
		cw := Next(st)
		st = Transition(st, prev, cw)
		prev = cw
		seen = append(seen, st)
		if st == OperationEnabled {
			break
		}
	}
	want := []State{Fault, SwitchOnDisabled, ReadyToSwitchOn, SwitchedOn, OperationEnabled}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     State
		prev, cw ControlWord
		want     State
	}{
		{"switch on needs shutdown first", SwitchOnDisabled, 0, CmdSwitchOn, SwitchOnDisabled},
		{"enable from ready stops at switched on", ReadyToSwitchOn, CmdShutdown, CmdEnableOperation, SwitchedOn},
		{"disable operation", OperationEnabled, CmdEnableOperation, CmdSwitchOn, SwitchedOn},
		{"quick stop", OperationEnabled, CmdEnableOperation, CmdQuickStop, QuickStopActive},
		{"disable voltage", OperationEnabled, CmdEnableOperation, CmdDisableVoltage, SwitchOnDisabled},
		{"held fault reset is ignored", Fault, CmdFaultReset, CmdFaultReset, Fault},
		{"fault ignores enable", Fault, 0, CmdEnableOperation, Fault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transition(tt.from, tt.prev, tt.cw); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestInterpolationPeriod(t *testing.T) {
	if got := InterpolationPeriod(2, -3); got != 2*time.Millisecond {
		t.Errorf("expected 2ms, got %v", got)
	}
	if got := InterpolationPeriod(250, -6); got != 250*time.Microsecond {
		t.Errorf("expected 250us, got %v", got)
	}
}
