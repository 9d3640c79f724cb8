// Package sim simulates an EtherCAT segment in memory.
//
// Every Device models the parts of an EtherCAT slave controller the master
// touches: station addressing, AL control and status, the SII EEPROM
// interface, sync managers, FMMUs with logical addressing and a CoE mailbox
// backed by an object dictionary. A Segment chains devices and implements
// nic.Link, so the real network task can drive it.
package sim

import (
	"encoding/binary"
	"sync"

	"bytemomo/ecmaster/internal/coe"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/sii"
)

const memSize = 1 << 16

// AL states as found in the AL control and status registers.
const (
	alInit      = 0x01
	alPreOp     = 0x02
	alBootstrap = 0x03
	alSafeOp    = 0x04
	alOp        = 0x08

	alStateMask = 0x0F
	alError     = 0x10
)

// AL status codes reported in register 0x0134.
const (
	ALCodeNone               = 0x0000
	ALCodeInvalidTransition  = 0x0011
	ALCodeInvalidOutputSetup = 0x001D
	ALCodeInvalidInputSetup  = 0x001E
)

// Personality is the application behaviour of a slave. Step runs once per
// logical exchange while the slave is in SAFE-OP or OP, after received
// outputs have been copied into the dictionary and before inputs are copied
// out of it.
type Personality interface {
	Step(od *Dictionary)
}

// Config describes a simulated slave.
type Config struct {
	Info sii.Info
	// Dictionary is required for CoE slaves. Assignment objects 0x1C12 and
	// 0x1C13 are created from Info.Mapping unless already present.
	Dictionary  *Dictionary
	Personality Personality
}

// Device is one simulated slave.
type Device struct {
	mu     sync.Mutex
	mem    []byte
	eeprom []byte
	info   sii.Info
	od     *Dictionary
	app    Personality

	refuse  map[uint8]uint16
	mbxFull bool

	// resolved on entry to SAFE-OP
	rxPdos, txPdos []sii.Pdo
}

// NewDevice creates a slave in INIT.
func NewDevice(cfg Config) *Device {
	d := &Device{
		mem:    make([]byte, memSize),
		eeprom: sii.Build(&cfg.Info),
		info:   cfg.Info,
		od:     cfg.Dictionary,
		app:    cfg.Personality,
		refuse: make(map[uint8]uint16),
	}
	// ESC type, revision, build, FMMU and SM count
	copy(d.mem, []byte{0x11, 0x00, 0x02, 0x00, frame.MaxFMMUs, frame.MaxSMs, 0x08, 0x0b})
	d.setAL(alInit, ALCodeNone)

	if d.od != nil {
		if _, ok := d.od.Get(0x1C12, 0); !ok {
			d.od.definePdos(0x1C12, cfg.Info.Mapping.Outputs)
		}
		if _, ok := d.od.Get(0x1C13, 0); !ok {
			d.od.definePdos(0x1C13, cfg.Info.Mapping.Inputs)
		}
		id := cfg.Info.Identity
		SetValue(d.od, 0x1018, 0, uint8(4))
		SetValue(d.od, 0x1018, 1, id.VendorID)
		SetValue(d.od, 0x1018, 2, id.ProductCode)
		SetValue(d.od, 0x1018, 3, id.Revision)
		SetValue(d.od, 0x1018, 4, id.Serial)
		d.od.SetReadOnly(0x1018)
		d.od.Set(0x1008, 0, []byte(cfg.Info.Name))
		d.od.SetReadOnly(0x1008)
	}
	return d
}

// Name returns the device name from its SII.
func (d *Device) Name() string { return d.info.Name }

// Dictionary returns the object dictionary, nil for slaves without CoE.
func (d *Device) Dictionary() *Dictionary { return d.od }

// RefuseState makes the device reject transitions to state with code.
func (d *Device) RefuseState(state uint8, code uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[state] = code
}

// State returns the AL status register.
func (d *Device) State() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg16(frame.RegALStatus)
}

// StationAddress returns the configured station address.
func (d *Device) StationAddress() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg16(frame.RegStationAddr)
}

// Outputs returns a copy of the output process data the master last wrote.
func (d *Device) Outputs() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	start, n := d.area(sii.SMOutputs)
	return append([]byte(nil), d.mem[start:start+n]...)
}

// SetInputs writes b into the input process data area.
func (d *Device) SetInputs(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start, n := d.area(sii.SMInputs)
	copy(d.mem[start:start+n], b)
}

func (d *Device) reg16(reg uint16) uint16 {
	return binary.LittleEndian.Uint16(d.mem[reg:])
}

func (d *Device) setAL(status, code uint16) {
	binary.LittleEndian.PutUint16(d.mem[frame.RegALStatus:], status)
	binary.LittleEndian.PutUint16(d.mem[frame.RegALCode:], code)
}

// area returns the physical start and size of the process data sync manager
// of type typ: the configured length when the master set one, otherwise the
// SII default.
func (d *Device) area(typ uint8) (int, int) {
	for i, sm := range d.info.SyncManagers {
		if sm.Type != typ {
			continue
		}
		n := int(binary.LittleEndian.Uint16(d.mem[frame.SMAddr(i)+2:]))
		if n == 0 {
			n = int(sm.Length)
		}
		return int(sm.Start), min(n, memSize-int(sm.Start))
	}
	return 0, 0
}

// process runs datagram i of f through the device, the way the ESC does as
// the frame passes.
func (d *Device) process(f *frame.Frame, i int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dg := &f.Datagrams[i]
	cmd := dg.Header.Command
	switch {
	case cmd.Positional():
		pos, reg := frame.SplitAddress(dg.Header.Address)
		f.SetAddress(i, uint32(pos+1)|uint32(reg)<<16)
		if pos == 0 {
			d.physical(dg, reg, false)
		}
	case cmd.Configured():
		station, reg := frame.SplitAddress(dg.Header.Address)
		if station == d.reg16(frame.RegStationAddr) {
			d.physical(dg, reg, false)
		}
	case cmd.Broadcast():
		_, reg := frame.SplitAddress(dg.Header.Address)
		d.physical(dg, reg, true)
	case cmd.Logical():
		d.logical(dg)
	}
}

func covers(start, n int, addr uint16) bool {
	return int(addr) >= start && int(addr) < start+n
}

func (d *Device) physical(dg *frame.Datagram, reg uint16, broadcast bool) {
	start, n := int(reg), len(dg.Data)
	if start+n > memSize {
		return
	}
	cmd := dg.Header.Command
	var wkc uint16

	if cmd.Reads() {
		d.mem[frame.SMStatusAddr(1)] &^= frame.SMStatusMailboxFull
		if d.mbxFull {
			d.mem[frame.SMStatusAddr(1)] |= frame.SMStatusMailboxFull
		}
		src := d.mem[start : start+n]
		if broadcast {
			for k := range src {
				dg.Data[k] |= src[k]
			}
		} else {
			copy(dg.Data, src)
		}
		mbx := d.info.Mailbox
		if d.mbxFull && mbx.Supported() && covers(start, n, mbx.TxOffset+mbx.TxSize-1) {
			d.mbxFull = false
		}
		wkc++
	}

	if cmd.Writes() {
		copy(d.mem[start:start+n], dg.Data)
		d.afterWrite(start, n)
		if cmd.Reads() {
			wkc += 2
		} else {
			wkc++
		}
	}

	dg.SetWorkingCounter(dg.WKC + wkc)
}

// afterWrite applies the side effects of a write to [start, start+n).
func (d *Device) afterWrite(start, n int) {
	if covers(start, n, frame.RegALControl) {
		d.alControl(binary.LittleEndian.Uint16(d.mem[frame.RegALControl:]))
	}
	if covers(start, n, frame.RegEEPROMControl+1) || covers(start, n, frame.RegEEPROMControl) {
		d.eepromCommand()
	}
	if covers(start, n, uint16(frame.SMAddr(1)+6)) && d.mem[frame.SMAddr(1)+6]&1 == 0 {
		d.mbxFull = false
	}
	mbx := d.info.Mailbox
	if mbx.Supported() && covers(start, n, mbx.RxOffset+mbx.RxSize-1) {
		d.mailbox()
	}
}

func validTransition(from, to uint8) bool {
	switch to {
	case alInit:
		return true
	case alPreOp:
		return from == alInit || from == alPreOp || from == alSafeOp || from == alOp
	case alBootstrap:
		return from == alInit || from == alBootstrap
	case alSafeOp:
		return from == alPreOp || from == alSafeOp || from == alOp
	case alOp:
		return from == alSafeOp || from == alOp
	}
	return false
}

func (d *Device) alControl(v uint16) {
	status := d.reg16(frame.RegALStatus)
	cur := uint8(status & alStateMask)
	req := uint8(v & alStateMask)
	if status&alError != 0 && v&alError == 0 {
		// an error indication must be acknowledged first
		return
	}

	if code, ok := d.refuse[req]; ok {
		d.setAL(uint16(cur)|alError, code)
		return
	}
	if !validTransition(cur, req) {
		d.setAL(uint16(cur)|alError, ALCodeInvalidTransition)
		return
	}
	if req == alSafeOp && cur == alPreOp {
		if code := d.enterSafeOp(); code != ALCodeNone {
			d.setAL(uint16(cur)|alError, code)
			return
		}
	}
	if req == alInit {
		d.mbxFull = false
	}
	d.setAL(uint16(req), ALCodeNone)
}

// mapping is the PDO layout in effect: the dictionary assignment for CoE
// slaves, the SII default otherwise.
func (d *Device) mapping() (rx, tx []sii.Pdo) {
	if d.od != nil {
		return d.od.assignedPdos(0x1C12), d.od.assignedPdos(0x1C13)
	}
	return d.info.Mapping.Outputs, d.info.Mapping.Inputs
}

// enterSafeOp checks that the master configured the process data sync
// managers for the mapping in effect.
func (d *Device) enterSafeOp() uint16 {
	d.rxPdos, d.txPdos = d.mapping()
	m := sii.PdoMapping{Inputs: d.txPdos, Outputs: d.rxPdos}
	for i, sm := range d.info.SyncManagers {
		var want int
		var code uint16
		switch sm.Type {
		case sii.SMOutputs:
			want, code = m.OutputBytes(), ALCodeInvalidOutputSetup
		case sii.SMInputs:
			want, code = m.InputBytes(), ALCodeInvalidInputSetup
		default:
			continue
		}
		length := int(binary.LittleEndian.Uint16(d.mem[frame.SMAddr(i)+2:]))
		active := d.mem[frame.SMAddr(i)+6]&1 != 0
		if want > 0 && (length != want || !active) {
			return code
		}
	}
	return ALCodeNone
}

func (d *Device) eepromCommand() {
	ctrl := d.reg16(frame.RegEEPROMControl)
	if ctrl&frame.EEPROMCmdMask != frame.EEPROMCmdRead {
		return
	}
	word := int(binary.LittleEndian.Uint32(d.mem[frame.RegEEPROMAddress:]))
	for k := range 4 {
		b := byte(0xFF)
		if off := word*2 + k; off < len(d.eeprom) {
			b = d.eeprom[off]
		}
		d.mem[int(frame.RegEEPROMData)+k] = b
	}
	binary.LittleEndian.PutUint16(d.mem[frame.RegEEPROMControl:], 0)
}

// mailbox answers the request just written into the receive mailbox.
func (d *Device) mailbox() {
	mbx := d.info.Mailbox
	if d.mem[frame.SMAddr(0)+6]&1 == 0 {
		return
	}
	req := d.mem[mbx.RxOffset : int(mbx.RxOffset)+int(mbx.RxSize)]
	resp := d.mem[mbx.TxOffset : int(mbx.TxOffset)+int(mbx.TxSize)]

	h, msg, err := coe.Decode(req)
	if err != nil || d.od == nil {
		return
	}

	var code uint32
	switch {
	case msg.Service != coe.ServiceSdoRequest:
		code = coe.AbortCommand
	case msg.IsUpload():
		var v []byte
		if v, code = d.od.upload(msg.Index, msg.SubIndex); code == 0 {
			if _, err := coe.EncodeUploadResponse(resp, h.Counter, msg.Index, msg.SubIndex, v); err != nil {
				code = coe.AbortGeneral
			}
		}
	case msg.IsDownload():
		preOp := d.reg16(frame.RegALStatus)&alStateMask == alPreOp
		if code = d.od.download(msg.Index, msg.SubIndex, msg.Data, preOp); code == 0 {
			_, _ = coe.EncodeDownloadResponse(resp, h.Counter, msg.Index, msg.SubIndex)
		}
	default:
		code = coe.AbortCommand
	}
	if code != 0 {
		_, _ = coe.EncodeAbort(resp, h.Counter, coe.ServiceSdoRequest, msg.Index, msg.SubIndex, code)
	}
	d.mbxFull = true
}

// logical maps a logical datagram through the active FMMUs. Outputs are
// latched first so the personality sees them before inputs are sampled.
func (d *Device) logical(dg *frame.Datagram) {
	cmd := dg.Header.Command
	addr := uint64(dg.Header.Address)
	end := addr + uint64(len(dg.Data))

	type window struct {
		lo, hi, phys uint64
		read         bool
	}
	var windows []window
	for k := range frame.MaxFMMUs {
		b := d.mem[frame.FMMUAddr(k) : frame.FMMUAddr(k)+frame.FMMULen]
		if b[12]&1 == 0 {
			continue
		}
		lstart := uint64(binary.LittleEndian.Uint32(b[0:]))
		lend := lstart + uint64(binary.LittleEndian.Uint16(b[4:]))
		phys := uint64(binary.LittleEndian.Uint16(b[8:]))
		lo, hi := max(lstart, addr), min(lend, end)
		if lo >= hi {
			continue
		}
		typ := b[11]
		if typ&0x02 != 0 && cmd.Writes() {
			windows = append(windows, window{lo, hi, phys + lo - lstart, false})
		}
		if typ&0x01 != 0 && cmd.Reads() {
			windows = append(windows, window{lo, hi, phys + lo - lstart, true})
		}
	}

	var wrote, read bool
	for _, w := range windows {
		if !w.read && w.phys+(w.hi-w.lo) <= memSize {
			copy(d.mem[w.phys:w.phys+w.hi-w.lo], dg.Data[w.lo-addr:w.hi-addr])
			wrote = true
		}
	}

	d.step()

	for _, w := range windows {
		if w.read && w.phys+(w.hi-w.lo) <= memSize {
			copy(dg.Data[w.lo-addr:w.hi-addr], d.mem[w.phys:w.phys+w.hi-w.lo])
			read = true
		}
	}

	var wkc uint16
	if read {
		wkc++
	}
	if wrote {
		wkc += 2
	}
	dg.SetWorkingCounter(dg.WKC + wkc)
}

// step moves process data through the dictionary and runs the personality.
func (d *Device) step() {
	state := uint8(d.reg16(frame.RegALStatus) & alStateMask)
	if d.od == nil || (state != alSafeOp && state != alOp) {
		return
	}
	if state == alOp {
		start, n := d.area(sii.SMOutputs)
		d.unpack(d.rxPdos, d.mem[start:start+n])
	}
	if d.app != nil {
		d.app.Step(d.od)
	}
	start, n := d.area(sii.SMInputs)
	d.pack(d.txPdos, d.mem[start:start+n])
}

// unpack stores byte-aligned PDO entries from b into the dictionary.
func (d *Device) unpack(pdos []sii.Pdo, b []byte) {
	off := 0
	for _, p := range pdos {
		for _, e := range p.Entries {
			size := int(e.BitLen) / 8
			if e.Index != 0 && e.BitLen%8 == 0 && off+size <= len(b) {
				d.od.Set(e.Index, e.SubIndex, b[off:off+size])
			}
			off += size
		}
	}
}

// pack copies byte-aligned PDO entries from the dictionary into b.
func (d *Device) pack(pdos []sii.Pdo, b []byte) {
	off := 0
	for _, p := range pdos {
		for _, e := range p.Entries {
			size := int(e.BitLen) / 8
			if v, ok := d.od.Get(e.Index, e.SubIndex); ok && off+size <= len(b) {
				copy(b[off:off+size], v)
			}
			off += size
		}
	}
}
