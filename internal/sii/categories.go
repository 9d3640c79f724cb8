// Package sii reads and decodes the Slave Information Interface, the EEPROM
// every EtherCAT slave carries with its identity, mailbox layout, sync manager
// setup and default PDO mapping.
package sii

import (
	"encoding/binary"
	"fmt"
)

// Word addresses in the fixed part of the SII.
const (
	WordVendorID      = 0x0008
	WordProductCode   = 0x000A
	WordRevision      = 0x000C
	WordSerial        = 0x000E
	WordRxMailboxOff  = 0x0018
	WordRxMailboxSize = 0x0019
	WordTxMailboxOff  = 0x001A
	WordTxMailboxSize = 0x001B
	WordProtocols     = 0x001C
	WordSize          = 0x003E
	WordVersion       = 0x003F
	WordCategories    = 0x0040
)

// Category types.
const (
	CatNop     = 0
	CatStrings = 10
	CatGeneral = 30
	CatFMMU    = 40
	CatSM      = 41
	CatTxPDO   = 50
	CatRxPDO   = 51
	CatEnd     = 0xFFFF
)

// Mailbox protocol bits (word 0x1C).
const (
	ProtoAoE = 0x0001
	ProtoEoE = 0x0002
	ProtoCoE = 0x0004
	ProtoFoE = 0x0008
	ProtoSoE = 0x0010
)

// Sync manager types from the SM category.
const (
	SMUnused     = 0
	SMMailboxOut = 1 // master to slave
	SMMailboxIn  = 2 // slave to master
	SMOutputs    = 3
	SMInputs     = 4
)

// FMMU usage values from the FMMU category.
const (
	FMMUUnused   = 0
	FMMUOutputs  = 1
	FMMUInputs   = 2
	FMMUSMStatus = 3
)

// Identity is the CoE identity object as stored in the SII.
type Identity struct {
	VendorID    uint32
	ProductCode uint32
	Revision    uint32
	Serial      uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("vendor %#08x product %#08x rev %#08x", id.VendorID, id.ProductCode, id.Revision)
}

// MailboxConfig describes the standard mailbox sync managers.
type MailboxConfig struct {
	RxOffset  uint16 // master to slave (SM0)
	RxSize    uint16
	TxOffset  uint16 // slave to master (SM1)
	TxSize    uint16
	Protocols uint16
}

// Supported reports whether the slave has a usable mailbox.
func (m MailboxConfig) Supported() bool { return m.RxSize > 0 && m.TxSize > 0 }

// CoE reports whether CANopen over EtherCAT is available.
func (m MailboxConfig) CoE() bool { return m.Supported() && m.Protocols&ProtoCoE != 0 }

// SyncManager is one entry of the SM category.
type SyncManager struct {
	Start   uint16
	Length  uint16
	Control uint8
	Enable  uint8
	Type    uint8
}

// PdoEntry is one mapped object inside a PDO.
type PdoEntry struct {
	Index    uint16
	SubIndex uint8
	DataType uint8
	BitLen   uint8
}

// Pdo is a process data object and its mapped entries.
type Pdo struct {
	Index       uint16
	SyncManager uint8
	Entries     []PdoEntry
}

// BitLen is the sum of the entry sizes.
func (p Pdo) BitLen() int {
	n := 0
	for _, e := range p.Entries {
		n += int(e.BitLen)
	}
	return n
}

// PdoMapping splits PDOs by direction. Inputs are TxPDOs (slave to master),
// outputs are RxPDOs (master to slave).
type PdoMapping struct {
	Inputs  []Pdo
	Outputs []Pdo
}

func bitsOf(pdos []Pdo) int {
	n := 0
	for _, p := range pdos {
		n += p.BitLen()
	}
	return n
}

// InputBytes is the input image size rounded up to whole bytes.
func (m PdoMapping) InputBytes() int { return (bitsOf(m.Inputs) + 7) / 8 }

// OutputBytes is the output image size rounded up to whole bytes.
func (m PdoMapping) OutputBytes() int { return (bitsOf(m.Outputs) + 7) / 8 }

// Info is everything the master uses from a slave's SII.
type Info struct {
	Identity     Identity
	Mailbox      MailboxConfig
	Name         string
	Strings      []string
	SyncManagers []SyncManager
	FMMUs        []uint8
	Mapping      PdoMapping
}

// Category is one raw category from the SII.
type Category struct {
	Type uint16
	Data []byte
}

func word(b []byte, addr int) uint16 {
	return binary.LittleEndian.Uint16(b[addr*2:])
}

func dword(b []byte, addr int) uint32 {
	return binary.LittleEndian.Uint32(b[addr*2:])
}

// decodeFixed reads the identity and mailbox configuration from the first
// WordCategories words of the SII.
func decodeFixed(b []byte) (Identity, MailboxConfig) {
	return Identity{
			VendorID:    dword(b, WordVendorID),
			ProductCode: dword(b, WordProductCode),
			Revision:    dword(b, WordRevision),
			Serial:      dword(b, WordSerial),
		}, MailboxConfig{
			RxOffset:  word(b, WordRxMailboxOff),
			RxSize:    word(b, WordRxMailboxSize),
			TxOffset:  word(b, WordTxMailboxOff),
			TxSize:    word(b, WordTxMailboxSize),
			Protocols: word(b, WordProtocols),
		}
}

// Decode parses a complete SII image.
func Decode(b []byte) (*Info, error) {
	if len(b) < WordCategories*2 {
		return nil, fmt.Errorf("sii: image of %d bytes is shorter than the fixed area", len(b))
	}

	info := &Info{}
	info.Identity, info.Mailbox = decodeFixed(b)

	cats, err := splitCategories(b[WordCategories*2:])
	if err != nil {
		return nil, err
	}
	if err := info.applyCategories(cats); err != nil {
		return nil, err
	}
	return info, nil
}

func splitCategories(b []byte) ([]Category, error) {
	var cats []Category
	for off := 0; ; {
		if off+2 > len(b) {
			return nil, fmt.Errorf("sii: category list not terminated")
		}
		typ := binary.LittleEndian.Uint16(b[off:])
		if typ == CatEnd {
			return cats, nil
		}
		if off+4 > len(b) {
			return nil, fmt.Errorf("sii: category %d header truncated", typ)
		}
		size := int(binary.LittleEndian.Uint16(b[off+2:])) * 2
		off += 4
		if off+size > len(b) {
			return nil, fmt.Errorf("sii: category %d of %d bytes truncated", typ, size)
		}
		cats = append(cats, Category{Type: typ, Data: b[off : off+size]})
		off += size
	}
}

func (info *Info) applyCategories(cats []Category) error {
	var nameIdx int
	for _, c := range cats {
		switch c.Type {
		case CatStrings:
			strs, err := decodeStrings(c.Data)
			if err != nil {
				return err
			}
			info.Strings = strs
		case CatGeneral:
			if len(c.Data) >= 4 {
				nameIdx = int(c.Data[3])
			}
		case CatFMMU:
			info.FMMUs = append([]uint8(nil), c.Data...)
		case CatSM:
			info.SyncManagers = decodeSyncManagers(c.Data)
		case CatTxPDO:
			pdos, err := decodePdos(c.Data)
			if err != nil {
				return err
			}
			info.Mapping.Inputs = append(info.Mapping.Inputs, pdos...)
		case CatRxPDO:
			pdos, err := decodePdos(c.Data)
			if err != nil {
				return err
			}
			info.Mapping.Outputs = append(info.Mapping.Outputs, pdos...)
		}
	}
	if nameIdx > 0 && nameIdx <= len(info.Strings) {
		info.Name = info.Strings[nameIdx-1]
	}
	return nil
}

// decodeStrings parses the strings category: a count followed by
// length-prefixed strings. String indices in other categories are 1-based.
func decodeStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	n := int(b[0])
	strs := make([]string, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if off >= len(b) {
			return nil, fmt.Errorf("sii: string %d truncated", i+1)
		}
		l := int(b[off])
		off++
		if off+l > len(b) {
			return nil, fmt.Errorf("sii: string %d truncated", i+1)
		}
		strs = append(strs, string(b[off:off+l]))
		off += l
	}
	return strs, nil
}

func decodeSyncManagers(b []byte) []SyncManager {
	sms := make([]SyncManager, 0, len(b)/8)
	for off := 0; off+8 <= len(b); off += 8 {
		sms = append(sms, SyncManager{
			Start:   binary.LittleEndian.Uint16(b[off:]),
			Length:  binary.LittleEndian.Uint16(b[off+2:]),
			Control: b[off+4],
			Enable:  b[off+6],
			Type:    b[off+7],
		})
	}
	return sms
}

const (
	pdoHeaderLen = 8
	pdoEntryLen  = 8
	smUnassigned = 0xFF
)

// decodePdos parses a TxPDO or RxPDO category. PDOs not assigned to a sync
// manager are skipped.
func decodePdos(b []byte) ([]Pdo, error) {
	var pdos []Pdo
	for off := 0; off < len(b); {
		if off+pdoHeaderLen > len(b) {
			return nil, fmt.Errorf("sii: pdo header truncated")
		}
		pdo := Pdo{
			Index:       binary.LittleEndian.Uint16(b[off:]),
			SyncManager: b[off+3],
		}
		n := int(b[off+2])
		off += pdoHeaderLen
		if off+n*pdoEntryLen > len(b) {
			return nil, fmt.Errorf("sii: pdo %#04x entries truncated", pdo.Index)
		}
		for i := 0; i < n; i++ {
			e := b[off : off+pdoEntryLen]
			pdo.Entries = append(pdo.Entries, PdoEntry{
				Index:    binary.LittleEndian.Uint16(e),
				SubIndex: e[2],
				DataType: e[4],
				BitLen:   e[5],
			})
			off += pdoEntryLen
		}
		if pdo.SyncManager != smUnassigned {
			pdos = append(pdos, pdo)
		}
	}
	return pdos, nil
}
