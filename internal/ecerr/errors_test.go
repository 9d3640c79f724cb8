package ecerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"frames", ErrNoAvailableFrames, KindTransport},
		{"wrapped timeout", fmt.Errorf("fprd: %w", ErrTimeout), KindTransport},
		{"working counter", &WorkingCounterError{Expected: 3, Received: 2}, KindConsistency},
		{"pdi", fmt.Errorf("group: %w", &PdiTooLongError{Desired: 64, Required: 66}), KindCapacity},
		{"too many slaves", ErrTooManySlaves, KindCapacity},
		{"state", &StateError{Station: 0x1000, Requested: "OP", Actual: "SAFE-OP"}, KindState},
		{"abort", &SdoAbortError{Index: 0x6060, Code: 0x06020000}, KindProtocol},
		{"tagged", E("sii", KindProtocol, errors.New("bad category")), KindProtocol},
		{"internal", fmt.Errorf("drive: %w", ErrInternal), KindInternal},
		{"plain", errors.New("boom"), KindUnknown},
	}

	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestFatal(t *testing.T) {
	if !Fatal(&PdiTooLongError{Desired: 64, Required: 66}) {
		t.Error("capacity errors must be fatal")
	}
	if Fatal(&WorkingCounterError{Expected: 3, Received: 2}) {
		t.Error("working counter errors are per-cycle, not fatal")
	}
	if Fatal(ErrTimeout) {
		t.Error("timeouts are per-call, not fatal")
	}
}

func TestFatalJoined(t *testing.T) {
	wkc := &WorkingCounterError{Expected: 3, Received: 2, Context: "group io"}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"wkc and capacity", errors.Join(wkc, &PdiTooLongError{Desired: 16, Required: 20}), true},
		{"wkc and not configured", errors.Join(wkc, fmt.Errorf("%w: motion", ErrGroupNotConfigured)), true},
		{"wrapped join", fmt.Errorf("cycle: %w", errors.Join(wkc, &StateError{Station: 0x1000})), true},
		{"wkc and timeout", errors.Join(wkc, ErrTimeout), false},
		{"single wkc", errors.Join(wkc), false},
	}
	for _, tc := range cases {
		if got := Fatal(tc.err); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	err := &WorkingCounterError{Expected: 3, Received: 2, Context: "group working counter"}
	if err.Error() != "working counter (group working counter): expected 3, received 2" {
		t.Errorf("unexpected message %q", err.Error())
	}

	pdi := &PdiTooLongError{Desired: 64, Required: 66}
	if pdi.Error() != "pdi too long: capacity 64 bytes, required 66 bytes" {
		t.Errorf("unexpected message %q", pdi.Error())
	}

	wrapped := E("configure", KindCapacity, pdi)
	var target *PdiTooLongError
	if !errors.As(wrapped, &target) || target.Required != 66 {
		t.Error("expected PdiTooLongError to be reachable through Error")
	}
}
