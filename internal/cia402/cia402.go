// Package cia402 decodes and drives the CiA 402 device state machine of
// servo drives through their control and status words.
package cia402

import (
	"fmt"
	"math"
	"strings"
	"time"

	"bytemomo/ecmaster/internal/ecerr"
)

// Object dictionary entries of the drive profile.
const (
	IndexErrorCode           = 0x603F
	IndexControlWord         = 0x6040
	IndexStatusWord          = 0x6041
	IndexModesOfOperation    = 0x6060
	IndexModesDisplay        = 0x6061
	IndexPositionActual      = 0x6064
	IndexVelocityActual      = 0x606C
	IndexTargetPosition      = 0x607A
	IndexInterpolationPeriod = 0x60C2
	IndexTargetVelocity      = 0x60FF
)

// Modes of operation (0x6060).
const (
	ModeProfilePosition = 1
	ModeProfileVelocity = 3
	ModeHoming          = 6
	ModeCSP             = 8
	ModeCSV             = 9
	ModeCST             = 10
)

// ControlWord is object 0x6040.
type ControlWord uint16

const (
	CWSwitchOn        ControlWord = 1 << 0
	CWEnableVoltage   ControlWord = 1 << 1
	CWQuickStop       ControlWord = 1 << 2
	CWEnableOperation ControlWord = 1 << 3
	CWOpSpecific1     ControlWord = 1 << 4
	CWOpSpecific2     ControlWord = 1 << 5
	CWOpSpecific3     ControlWord = 1 << 6
	CWFaultReset      ControlWord = 1 << 7
	CWHalt            ControlWord = 1 << 8
)

// Device control commands.
const (
	CmdDisableVoltage  ControlWord = 0
	CmdShutdown                    = CWEnableVoltage | CWQuickStop
	CmdSwitchOn                    = CWSwitchOn | CWEnableVoltage | CWQuickStop
	CmdEnableOperation             = CmdSwitchOn | CWEnableOperation
	CmdQuickStop                   = CWEnableVoltage
	CmdFaultReset                  = CWFaultReset
)

var controlNames = []struct {
	bit  ControlWord
	name string
}{
	{CWSwitchOn, "SWITCH_ON"},
	{CWEnableVoltage, "ENABLE_VOLTAGE"},
	{CWQuickStop, "QUICK_STOP"},
	{CWEnableOperation, "ENABLE_OP"},
	{CWOpSpecific1, "OP_SPECIFIC_1"},
	{CWOpSpecific2, "OP_SPECIFIC_2"},
	{CWOpSpecific3, "OP_SPECIFIC_3"},
	{CWFaultReset, "FAULT_RESET"},
	{CWHalt, "HALT"},
}

// Has reports whether every bit of f is set.
func (c ControlWord) Has(f ControlWord) bool { return c&f == f }

func (c ControlWord) String() string {
	var parts []string
	rest := c
	for _, n := range controlNames {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#04x", uint16(rest)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// StatusWord is object 0x6041.
type StatusWord uint16

const (
	SWReadyToSwitchOn  StatusWord = 1 << 0
	SWSwitchedOn       StatusWord = 1 << 1
	SWOperationEnabled StatusWord = 1 << 2
	SWFault            StatusWord = 1 << 3
	SWVoltageEnabled   StatusWord = 1 << 4
	SWQuickStop        StatusWord = 1 << 5
	SWSwitchOnDisabled StatusWord = 1 << 6
	SWWarning          StatusWord = 1 << 7
	SWSTO              StatusWord = 1 << 8
	SWRemote           StatusWord = 1 << 9
	SWTargetReached    StatusWord = 1 << 10
	SWInternalLimit    StatusWord = 1 << 11
	SWOpSpecific1      StatusWord = 1 << 12
	SWOpSpecific2      StatusWord = 1 << 13
	SWManSpecific1     StatusWord = 1 << 14
	SWManSpecific2     StatusWord = 1 << 15
)

var statusNames = []struct {
	bit  StatusWord
	name string
}{
	{SWReadyToSwitchOn, "READY_TO_SWITCH_ON"},
	{SWSwitchedOn, "SWITCHED_ON"},
	{SWOperationEnabled, "OP_ENABLED"},
	{SWFault, "FAULT"},
	{SWVoltageEnabled, "VOLTAGE_ENABLED"},
	{SWQuickStop, "QUICK_STOP"},
	{SWSwitchOnDisabled, "SWITCH_ON_DISABLED"},
	{SWWarning, "WARNING"},
	{SWSTO, "STO"},
	{SWRemote, "REMOTE"},
	{SWTargetReached, "TARGET_REACHED"},
	{SWInternalLimit, "INTERNAL_LIMIT"},
	{SWOpSpecific1, "OP_SPECIFIC_1"},
	{SWOpSpecific2, "OP_SPECIFIC_2"},
	{SWManSpecific1, "MAN_SPECIFIC_1"},
	{SWManSpecific2, "MAN_SPECIFIC_2"},
}

// Has reports whether every bit of f is set.
func (s StatusWord) Has(f StatusWord) bool { return s&f == f }

func (s StatusWord) String() string {
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Fault returns an error wrapping ecerr.ErrInternal when the FAULT bit is set.
func (s StatusWord) Fault() error {
	if s.Has(SWFault) {
		return fmt.Errorf("%w: drive fault (status %s)", ecerr.ErrInternal, s)
	}
	return nil
}

// State is a state of the drive's power state machine.
type State int

const (
	NotReadyToSwitchOn State = iota
	SwitchOnDisabled
	ReadyToSwitchOn
	SwitchedOn
	OperationEnabled
	QuickStopActive
	FaultReactionActive
	Fault
)

var stateNames = [...]string{
	NotReadyToSwitchOn:  "NOT_READY_TO_SWITCH_ON",
	SwitchOnDisabled:    "SWITCH_ON_DISABLED",
	ReadyToSwitchOn:     "READY_TO_SWITCH_ON",
	SwitchedOn:          "SWITCHED_ON",
	OperationEnabled:    "OPERATION_ENABLED",
	QuickStopActive:     "QUICK_STOP_ACTIVE",
	FaultReactionActive: "FAULT_REACTION_ACTIVE",
	Fault:               "FAULT",
}

func (st State) String() string {
	if st >= 0 && int(st) < len(stateNames) {
		return stateNames[st]
	}
	return fmt.Sprintf("State(%d)", int(st))
}

// State decodes the power state from the status word.
func (s StatusWord) State() State {
	switch {
	case s&0x4F == 0x0F:
		return FaultReactionActive
	case s&0x4F == 0x08:
		return Fault
	case s&0x4F == 0x40:
		return SwitchOnDisabled
	case s&0x6F == 0x21:
		return ReadyToSwitchOn
	case s&0x6F == 0x23:
		return SwitchedOn
	case s&0x6F == 0x27:
		return OperationEnabled
	case s&0x6F == 0x07:
		return QuickStopActive
	}
	return NotReadyToSwitchOn
}

// StatusBits is the status word a drive reports in st.
func StatusBits(st State) StatusWord {
	switch st {
	case SwitchOnDisabled:
		return SWSwitchOnDisabled
	case ReadyToSwitchOn:
		return SWReadyToSwitchOn | SWQuickStop
	case SwitchedOn:
		return SWReadyToSwitchOn | SWSwitchedOn | SWQuickStop | SWVoltageEnabled
	case OperationEnabled:
		return SWReadyToSwitchOn | SWSwitchedOn | SWOperationEnabled | SWQuickStop | SWVoltageEnabled
	case QuickStopActive:
		return SWReadyToSwitchOn | SWSwitchedOn | SWOperationEnabled | SWVoltageEnabled
	case FaultReactionActive:
		return SWReadyToSwitchOn | SWSwitchedOn | SWOperationEnabled | SWFault
	case Fault:
		return SWFault
	}
	return 0
}

// Transition applies control word cw to a drive in st. prev is the control
// word of the previous cycle; fault reset acts on its rising edge.
func Transition(st State, prev, cw ControlWord) State {
	switch st {
	case NotReadyToSwitchOn:
		return SwitchOnDisabled
	case FaultReactionActive:
		return Fault
	case Fault:
		if cw.Has(CWFaultReset) && !prev.Has(CWFaultReset) {
			return SwitchOnDisabled
		}
		return Fault
	}

	if !cw.Has(CWEnableVoltage) {
		return SwitchOnDisabled
	}
	if !cw.Has(CWQuickStop) {
		if st == OperationEnabled || st == QuickStopActive {
			return QuickStopActive
		}
		return SwitchOnDisabled
	}

	switch {
	case !cw.Has(CWSwitchOn):
		return ReadyToSwitchOn
	case st == SwitchOnDisabled:
		// switch on is only accepted from READY_TO_SWITCH_ON
		return SwitchOnDisabled
	case !cw.Has(CWEnableOperation):
		return SwitchedOn
	case st == ReadyToSwitchOn:
		return SwitchedOn
	}
	return OperationEnabled
}

// Next is the control word that moves a drive in st one step towards
// OPERATION_ENABLED.
func Next(st State) ControlWord {
	switch st {
	case Fault, FaultReactionActive:
		return CmdFaultReset
	case SwitchOnDisabled, NotReadyToSwitchOn:
		return CmdShutdown
	case ReadyToSwitchOn:
		return CmdSwitchOn
	case QuickStopActive:
		return CmdDisableVoltage
	}
	return CmdEnableOperation
}

// InterpolationPeriod converts object 0x60C2 (sub 1 base, sub 2 power of ten)
// to a duration.
func InterpolationPeriod(base uint8, exponent int8) time.Duration {
	seconds := float64(base) * math.Pow10(int(exponent))
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
