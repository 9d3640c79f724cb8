package coe

import "bytemomo/ecmaster/internal/ecerr"

// Abort codes used by the master and the simulator.
const (
	AbortToggle           = 0x05030000
	AbortTimeout          = 0x05040000
	AbortCommand          = 0x05040001
	AbortUnsupported      = 0x06010000
	AbortWriteOnly        = 0x06010001
	AbortReadOnly         = 0x06010002
	AbortNoObject         = 0x06020000
	AbortLength           = 0x06070010
	AbortLengthHigh       = 0x06070012
	AbortLengthLow        = 0x06070013
	AbortNoSubIndex       = 0x06090011
	AbortRange            = 0x06090030
	AbortGeneral          = 0x08000000
	AbortDeviceState      = 0x08000022
	AbortPdoLengthExceeds = 0x06040042
)

var abortText = map[uint32]string{
	0x05030000: "toggle bit not alternated",
	0x05040000: "SDO protocol timeout",
	0x05040001: "command specifier invalid or unknown",
	0x05040005: "out of memory",
	0x06010000: "unsupported access to object",
	0x06010001: "attempt to read a write-only object",
	0x06010002: "attempt to write a read-only object",
	0x06010003: "subindex cannot be written, SI0 must be 0 for write access",
	0x06020000: "object does not exist",
	0x06040041: "object cannot be mapped to PDO",
	0x06040042: "PDO length exceeded",
	0x06040043: "general parameter incompatibility",
	0x06040047: "internal incompatibility in device",
	0x06060000: "hardware error",
	0x06070010: "data type does not match (length)",
	0x06070012: "data type does not match (length too high)",
	0x06070013: "data type does not match (length too low)",
	0x06090011: "sub-index does not exist",
	0x06090030: "value range exceeded",
	0x06090031: "value range exceeded (max)",
	0x06090032: "value range exceeded (min)",
	0x06090036: "invalid value for parameter",
	0x08000000: "general error",
	0x08000020: "data cannot be transferred/stored",
	0x08000021: "local control",
	0x08000022: "device state",
	0x08000023: "OD dynamic generation fails",
}

// AbortText returns the description of an abort code, or "" if unknown.
func AbortText(code uint32) string { return abortText[code] }

func abortError(index uint16, sub uint8, code uint32) error {
	return &ecerr.SdoAbortError{Index: index, SubIndex: sub, Code: code, Text: abortText[code]}
}
