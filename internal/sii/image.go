package sii

import "encoding/binary"

// Build encodes info as an SII image. The simulator serves it through its
// EEPROM registers; only the categories Decode understands are written.
func Build(info *Info) []byte {
	b := make([]byte, WordCategories*2)
	putDword := func(addr int, v uint32) { binary.LittleEndian.PutUint32(b[addr*2:], v) }
	putWord := func(addr int, v uint16) { binary.LittleEndian.PutUint16(b[addr*2:], v) }

	putDword(WordVendorID, info.Identity.VendorID)
	putDword(WordProductCode, info.Identity.ProductCode)
	putDword(WordRevision, info.Identity.Revision)
	putDword(WordSerial, info.Identity.Serial)
	putWord(WordRxMailboxOff, info.Mailbox.RxOffset)
	putWord(WordRxMailboxSize, info.Mailbox.RxSize)
	putWord(WordTxMailboxOff, info.Mailbox.TxOffset)
	putWord(WordTxMailboxSize, info.Mailbox.TxSize)
	putWord(WordProtocols, info.Mailbox.Protocols)
	putWord(WordVersion, 1)

	strs := info.Strings
	nameIdx := 0
	if info.Name != "" {
		strs = append(append([]string(nil), strs...), info.Name)
		nameIdx = len(strs)
	}
	if len(strs) > 0 {
		s := []byte{byte(len(strs))}
		for _, str := range strs {
			s = append(s, byte(len(str)))
			s = append(s, str...)
		}
		b = appendCategory(b, CatStrings, s)
	}

	general := make([]byte, 32)
	general[3] = byte(nameIdx)
	b = appendCategory(b, CatGeneral, general)

	if len(info.FMMUs) > 0 {
		b = appendCategory(b, CatFMMU, info.FMMUs)
	}

	if len(info.SyncManagers) > 0 {
		s := make([]byte, 0, len(info.SyncManagers)*8)
		for _, sm := range info.SyncManagers {
			s = binary.LittleEndian.AppendUint16(s, sm.Start)
			s = binary.LittleEndian.AppendUint16(s, sm.Length)
			s = append(s, sm.Control, 0, sm.Enable, sm.Type)
		}
		b = appendCategory(b, CatSM, s)
	}

	if len(info.Mapping.Inputs) > 0 {
		b = appendCategory(b, CatTxPDO, encodePdos(info.Mapping.Inputs))
	}
	if len(info.Mapping.Outputs) > 0 {
		b = appendCategory(b, CatRxPDO, encodePdos(info.Mapping.Outputs))
	}

	b = binary.LittleEndian.AppendUint16(b, CatEnd)
	binary.LittleEndian.PutUint16(b[WordSize*2:], uint16((len(b)*8+1023)/1024-1)) // size in Kbit, minus one
	return b
}

func appendCategory(b []byte, typ uint16, data []byte) []byte {
	if len(data)%2 != 0 {
		data = append(append([]byte(nil), data...), 0)
	}
	b = binary.LittleEndian.AppendUint16(b, typ)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(data)/2))
	return append(b, data...)
}

func encodePdos(pdos []Pdo) []byte {
	var b []byte
	for _, p := range pdos {
		b = binary.LittleEndian.AppendUint16(b, p.Index)
		b = append(b, byte(len(p.Entries)), p.SyncManager, 0, 0, 0, 0)
		for _, e := range p.Entries {
			b = binary.LittleEndian.AppendUint16(b, e.Index)
			b = append(b, e.SubIndex, 0, e.DataType, e.BitLen, 0, 0)
		}
	}
	return b
}
