package frame

// ESC register addresses.
const (
	RegType           = 0x0000 // Type register (2 bytes)
	RegRevision       = 0x0001 // Revision register
	RegBuild          = 0x0002 // Build register (2 bytes)
	RegFMMUCount      = 0x0004 // FMMU count
	RegSyncManagers   = 0x0005 // Sync Manager count
	RegRAMSize        = 0x0006 // RAM size
	RegPortDescriptor = 0x0007 // Port descriptor
	RegESCFeatures    = 0x0008 // ESC features (2 bytes)

	RegStationAddr  = 0x0010 // Configured station address (2 bytes)
	RegStationAlias = 0x0012 // Configured station alias (2 bytes)

	RegDLControl = 0x0100 // DL Control register (4 bytes)
	RegDLStatus  = 0x0110 // DL Status register (2 bytes)

	RegALControl = 0x0120 // AL Control register (2 bytes)
	RegALStatus  = 0x0130 // AL Status register (2 bytes)
	RegALCode    = 0x0134 // AL Status Code (2 bytes)

	RegEEPROMConfig  = 0x0500 // EEPROM configuration
	RegEEPROMPDICtrl = 0x0501 // EEPROM PDI access state
	RegEEPROMControl = 0x0502 // EEPROM control/status (2 bytes)
	RegEEPROMAddress = 0x0504 // EEPROM address (4 bytes)
	RegEEPROMData    = 0x0508 // EEPROM data (4 or 8 bytes)

	RegFMMU = 0x0600 // First FMMU; each entry is FMMULen bytes
	RegSM   = 0x0800 // First sync manager; each entry is SMLen bytes
)

const (
	FMMULen  = 16
	SMLen    = 8
	MaxFMMUs = 16
	MaxSMs   = 16
)

// FMMUAddr returns the register address of FMMU n.
func FMMUAddr(n int) uint16 { return uint16(RegFMMU + n*FMMULen) }

// SMAddr returns the register address of sync manager n.
func SMAddr(n int) uint16 { return uint16(RegSM + n*SMLen) }

// SMStatusAddr returns the address of the status byte of sync manager n.
func SMStatusAddr(n int) uint16 { return SMAddr(n) + 5 }

// EEPROM control/status bits (register 0x0502).
const (
	EEPROMCmdRead  = 0x0100
	EEPROMCmdWrite = 0x0201 // write enable + write command
	EEPROMCmdMask  = 0x0700
	EEPROMReadSize = 0x0040 // set when the slave reads 8 bytes per access
	EEPROMErrAck   = 0x2000
	EEPROMErrCmd   = 0x4000
	EEPROMBusy     = 0x8000
)

// SM status bits.
const (
	SMStatusMailboxFull = 0x08
)
