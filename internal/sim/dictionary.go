package sim

import (
	"encoding/binary"
	"sync"

	"bytemomo/ecmaster/internal/coe"
	"bytemomo/ecmaster/internal/sii"
)

type entryKey struct {
	index uint16
	sub   uint8
}

// Dictionary is the CoE object dictionary of a simulated slave. Values are
// stored in wire encoding.
type Dictionary struct {
	mu       sync.Mutex
	entries  map[entryKey][]byte
	objects  map[uint16]struct{}
	readOnly map[uint16]struct{}
}

// NewDictionary returns an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		entries:  make(map[entryKey][]byte),
		objects:  make(map[uint16]struct{}),
		readOnly: make(map[uint16]struct{}),
	}
}

// Set stores v at index:sub, creating the object if needed.
func (d *Dictionary) Set(index uint16, sub uint8, v []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[index] = struct{}{}
	d.entries[entryKey{index, sub}] = append([]byte(nil), v...)
}

// Get returns a copy of index:sub.
func (d *Dictionary) Get(index uint16, sub uint8) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries[entryKey{index, sub}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// SetReadOnly rejects SDO downloads to every sub-index of index.
func (d *Dictionary) SetReadOnly(index uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly[index] = struct{}{}
}

// SetValue stores v little-endian at index:sub.
func SetValue[T any](d *Dictionary, index uint16, sub uint8, v T) {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}
	d.Set(index, sub, b)
}

// Value decodes index:sub as T. Missing or short entries read as zero.
func Value[T any](d *Dictionary, index uint16, sub uint8) T {
	var v T
	b, ok := d.Get(index, sub)
	if !ok || len(b) < binary.Size(v) {
		return v
	}
	_, _ = binary.Decode(b, binary.LittleEndian, &v)
	return v
}

func isMappingObject(index uint16) bool {
	return index == 0x1C12 || index == 0x1C13 ||
		(index >= 0x1600 && index < 0x1800) || (index >= 0x1A00 && index < 0x1C00)
}

// upload serves an SDO upload, returning the value or an abort code.
func (d *Dictionary) upload(index uint16, sub uint8) ([]byte, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[index]; !ok {
		return nil, coe.AbortNoObject
	}
	v, ok := d.entries[entryKey{index, sub}]
	if !ok {
		return nil, coe.AbortNoSubIndex
	}
	return append([]byte(nil), v...), 0
}

// download serves an SDO download. PDO mapping and assignment objects are
// only writable in PRE-OP.
func (d *Dictionary) download(index uint16, sub uint8, data []byte, preOp bool) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[index]; !ok {
		return coe.AbortNoObject
	}
	if _, ok := d.readOnly[index]; ok {
		return coe.AbortReadOnly
	}
	if isMappingObject(index) && !preOp {
		return coe.AbortDeviceState
	}
	k := entryKey{index, sub}
	if old, ok := d.entries[k]; ok && len(old) != len(data) {
		switch {
		case len(data) > len(old):
			return coe.AbortLengthHigh
		default:
			return coe.AbortLengthLow
		}
	}
	d.entries[k] = append([]byte(nil), data...)
	return 0
}

// assignedPdos resolves the PDOs currently assigned through assign (0x1C12 or
// 0x1C13) and their mapping entries.
func (d *Dictionary) assignedPdos(assign uint16) []sii.Pdo {
	count := Value[uint8](d, assign, 0)
	pdos := make([]sii.Pdo, 0, count)
	for i := uint8(1); i <= count; i++ {
		index := Value[uint16](d, assign, i)
		pdo := sii.Pdo{Index: index}
		entries := Value[uint8](d, index, 0)
		for e := uint8(1); e <= entries; e++ {
			m := Value[uint32](d, index, e)
			pdo.Entries = append(pdo.Entries, sii.PdoEntry{
				Index:    uint16(m >> 16),
				SubIndex: uint8(m >> 8),
				BitLen:   uint8(m),
			})
		}
		pdos = append(pdos, pdo)
	}
	return pdos
}

// definePdos creates mapping and assignment objects for pdos under assign.
func (d *Dictionary) definePdos(assign uint16, pdos []sii.Pdo) {
	SetValue(d, assign, 0, uint8(len(pdos)))
	for i, p := range pdos {
		SetValue(d, assign, uint8(i+1), p.Index)
		SetValue(d, p.Index, 0, uint8(len(p.Entries)))
		for j, e := range p.Entries {
			SetValue(d, p.Index, uint8(j+1), uint32(e.Index)<<16|uint32(e.SubIndex)<<8|uint32(e.BitLen))
		}
	}
}
