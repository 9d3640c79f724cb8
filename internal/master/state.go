package master

import "fmt"

// State is an EtherCAT application layer state.
type State uint8

const (
	StateNone      State = 0x00
	StateInit      State = 0x01
	StatePreOp     State = 0x02
	StateBootstrap State = 0x03
	StateSafeOp    State = 0x04
	StateOp        State = 0x08

	alStateMask = 0x0F
	alErrorFlag = 0x10
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInit:
		return "INIT"
	case StatePreOp:
		return "PRE-OP"
	case StateBootstrap:
		return "BOOT"
	case StateSafeOp:
		return "SAFE-OP"
	case StateOp:
		return "OP"
	}
	return fmt.Sprintf("State(%#x)", uint8(s))
}

// ParseState maps a configuration name to a state.
func ParseState(name string) (State, error) {
	switch name {
	case "init", "INIT":
		return StateInit, nil
	case "preop", "pre-op", "PRE-OP":
		return StatePreOp, nil
	case "safeop", "safe-op", "SAFE-OP":
		return StateSafeOp, nil
	case "op", "OP":
		return StateOp, nil
	}
	return StateNone, fmt.Errorf("unknown state %q", name)
}

// alStatus splits the AL status register into state and error indication.
func alStatus(v uint16) (State, bool) {
	return State(v & alStateMask), v&alErrorFlag != 0
}
