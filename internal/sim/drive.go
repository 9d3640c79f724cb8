package sim

import (
	"sync"

	"bytemomo/ecmaster/internal/cia402"
	"bytemomo/ecmaster/internal/sii"
)

// Drive is a CiA 402 servo drive personality. In cyclic synchronous velocity
// mode it follows the target velocity and integrates position over the
// interpolation period.
type Drive struct {
	mu       sync.Mutex
	state    cia402.State
	prev     cia402.ControlWord
	pending  uint16 // injected fault code
	position float64
}

// NewDrive returns a drive that powers up into NOT_READY_TO_SWITCH_ON.
func NewDrive() *Drive { return &Drive{state: cia402.NotReadyToSwitchOn} }

// InjectFault makes the drive enter FAULT on its next cycle with code in 0x603F.
func (dr *Drive) InjectFault(code uint16) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	dr.pending = code
}

// State returns the current power state.
func (dr *Drive) State() cia402.State {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	return dr.state
}

// Step implements Personality.
func (dr *Drive) Step(od *Dictionary) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	cw := cia402.ControlWord(Value[uint16](od, cia402.IndexControlWord, 0))
	if dr.pending != 0 {
		dr.state = cia402.Fault
		SetValue(od, cia402.IndexErrorCode, 0, dr.pending)
		dr.pending = 0
	} else {
		next := cia402.Transition(dr.state, dr.prev, cw)
		if dr.state == cia402.Fault && next != cia402.Fault {
			SetValue(od, cia402.IndexErrorCode, 0, uint16(0))
		}
		dr.state = next
	}
	dr.prev = cw

	mode := Value[int8](od, cia402.IndexModesOfOperation, 0)
	SetValue(od, cia402.IndexModesDisplay, 0, mode)

	var velocity int32
	if dr.state == cia402.OperationEnabled && mode == cia402.ModeCSV {
		velocity = Value[int32](od, cia402.IndexTargetVelocity, 0)
	}
	period := cia402.InterpolationPeriod(
		Value[uint8](od, cia402.IndexInterpolationPeriod, 1),
		Value[int8](od, cia402.IndexInterpolationPeriod, 2),
	)
	dr.position += float64(velocity) * period.Seconds()

	SetValue(od, cia402.IndexVelocityActual, 0, velocity)
	SetValue(od, cia402.IndexPositionActual, 0, int32(dr.position))
	SetValue(od, cia402.IndexStatusWord, 0, uint16(cia402.StatusBits(dr.state)|cia402.SWRemote))
}

// DriveDictionary returns the object dictionary of a CSP/CSV servo drive with
// a 2 ms interpolation period.
func DriveDictionary() *Dictionary {
	od := NewDictionary()
	SetValue(od, 0x1000, 0, uint32(0x00020192))
	SetValue(od, cia402.IndexErrorCode, 0, uint16(0))
	SetValue(od, cia402.IndexControlWord, 0, uint16(0))
	SetValue(od, cia402.IndexStatusWord, 0, uint16(0))
	SetValue(od, cia402.IndexModesOfOperation, 0, int8(cia402.ModeCSP))
	SetValue(od, cia402.IndexModesDisplay, 0, int8(0))
	SetValue(od, cia402.IndexPositionActual, 0, int32(0))
	SetValue(od, cia402.IndexVelocityActual, 0, int32(0))
	SetValue(od, cia402.IndexTargetPosition, 0, int32(0))
	SetValue(od, cia402.IndexTargetVelocity, 0, int32(0))
	SetValue(od, cia402.IndexInterpolationPeriod, 0, uint8(2))
	SetValue(od, cia402.IndexInterpolationPeriod, 1, uint8(2))
	SetValue(od, cia402.IndexInterpolationPeriod, 2, int8(-3))
	od.SetReadOnly(cia402.IndexStatusWord)
	od.SetReadOnly(cia402.IndexPositionActual)
	od.SetReadOnly(cia402.IndexVelocityActual)
	return od
}

// Device layouts used by the presets.
const (
	mbxRxOffset = 0x1000
	mbxTxOffset = 0x1080
	mbxSize     = 128
	outOffset   = 0x1100
	inOffset    = 0x1180
)

// NewServo builds a CoE servo drive. Its default mapping is cyclic
// synchronous position: RxPDO 0x1600 with control word and target position,
// TxPDO 0x1A00 with status word and actual position.
func NewServo(name string, id sii.Identity) (*Device, *Drive) {
	drive := NewDrive()
	dev := NewDevice(Config{
		Info: sii.Info{
			Identity: id,
			Name:     name,
			Mailbox: sii.MailboxConfig{
				RxOffset: mbxRxOffset, RxSize: mbxSize,
				TxOffset: mbxTxOffset, TxSize: mbxSize,
				Protocols: sii.ProtoCoE,
			},
			SyncManagers: []sii.SyncManager{
				{Start: mbxRxOffset, Length: mbxSize, Control: 0x26, Enable: 1, Type: sii.SMMailboxOut},
				{Start: mbxTxOffset, Length: mbxSize, Control: 0x22, Enable: 1, Type: sii.SMMailboxIn},
				{Start: outOffset, Control: 0x64, Enable: 1, Type: sii.SMOutputs},
				{Start: inOffset, Control: 0x20, Enable: 1, Type: sii.SMInputs},
			},
			FMMUs: []uint8{sii.FMMUOutputs, sii.FMMUInputs, sii.FMMUSMStatus},
			Mapping: sii.PdoMapping{
				Outputs: []sii.Pdo{{Index: 0x1600, SyncManager: 2, Entries: []sii.PdoEntry{
					{Index: cia402.IndexControlWord, BitLen: 16},
					{Index: cia402.IndexTargetPosition, BitLen: 32},
				}}},
				Inputs: []sii.Pdo{{Index: 0x1A00, SyncManager: 3, Entries: []sii.PdoEntry{
					{Index: cia402.IndexStatusWord, BitLen: 16},
					{Index: cia402.IndexPositionActual, BitLen: 32},
				}}},
			},
		},
		Dictionary:  DriveDictionary(),
		Personality: drive,
	})
	return dev, drive
}
