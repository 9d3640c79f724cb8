package sim

import "bytemomo/ecmaster/internal/sii"

// Beckhoff identities used by the presets.
var (
	IdentityEK1100 = sii.Identity{VendorID: 0x2, ProductCode: 0x044C2C52, Revision: 0x00110000}
	IdentityEL1008 = sii.Identity{VendorID: 0x2, ProductCode: 0x03F03052, Revision: 0x00100000}
	IdentityEL2008 = sii.Identity{VendorID: 0x2, ProductCode: 0x07D83052, Revision: 0x00100000}
	// Leadshine EL7 series servo.
	IdentityEL7 = sii.Identity{VendorID: 0x4321, ProductCode: 0x00000400, Revision: 0x00000001}
)

// NewCoupler builds a bus coupler without process data.
func NewCoupler(name string) *Device {
	return NewDevice(Config{Info: sii.Info{Identity: IdentityEK1100, Name: name}})
}

// NewDigitalInputs builds an input terminal with n bytes of inputs on SM0.
func NewDigitalInputs(name string, n int) *Device {
	return NewDevice(Config{Info: sii.Info{
		Identity:     IdentityEL1008,
		Name:         name,
		SyncManagers: []sii.SyncManager{{Start: 0x1000, Length: uint16(n), Enable: 1, Type: sii.SMInputs}},
		FMMUs:        []uint8{sii.FMMUInputs},
		Mapping:      sii.PdoMapping{Inputs: bytePdos(0x1A00, 0, n)},
	}})
}

// NewDigitalOutputs builds an output terminal with n bytes of outputs on SM0.
func NewDigitalOutputs(name string, n int) *Device {
	return NewDevice(Config{Info: sii.Info{
		Identity:     IdentityEL2008,
		Name:         name,
		SyncManagers: []sii.SyncManager{{Start: 0x0F00, Length: uint16(n), Control: 0x44, Enable: 1, Type: sii.SMOutputs}},
		FMMUs:        []uint8{sii.FMMUOutputs},
		Mapping:      sii.PdoMapping{Outputs: bytePdos(0x1600, 0, n)},
	}})
}

// bytePdos maps n one-byte channels, one PDO per channel.
func bytePdos(base uint16, sm uint8, n int) []sii.Pdo {
	pdos := make([]sii.Pdo, n)
	for i := range pdos {
		pdos[i] = sii.Pdo{
			Index:       base + uint16(i),
			SyncManager: sm,
			Entries:     []sii.PdoEntry{{Index: 0x6000 + uint16(i)*0x10, SubIndex: 1, BitLen: 8}},
		}
	}
	return pdos
}
