// Package frame encodes and decodes EtherCAT frames and datagrams.
//
// An EtherCAT frame is the payload of an Ethernet frame with EtherType
// 0x88A4: a 2-byte header followed by one or more datagrams, each made of a
// 10-byte header, the data and a 2-byte working counter. All fields are
// little endian.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	EtherType = 0x88A4

	HeaderLen         = 2  // EtherCAT header length
	DatagramHeaderLen = 10 // Datagram header length (without data)
	WkcLen            = 2
	// DatagramOverhead is the number of bytes a datagram adds around its data.
	DatagramOverhead = DatagramHeaderLen + WkcLen

	// MaxPayloadLen is the Ethernet payload available to one EtherCAT frame.
	MaxPayloadLen = 1500
	// MaxDataLen is the largest data section of a single datagram frame.
	MaxDataLen = MaxPayloadLen - HeaderLen - DatagramOverhead

	typeCommands = 1

	lenMask       = 0x07FF
	circulatedBit = 1 << 14
	moreBit       = 1 << 15
)

// Command is the EtherCAT datagram command type.
type Command uint8

const (
	NOP  Command = 0x00 // No operation
	APRD Command = 0x01 // Auto Increment Physical Read
	APWR Command = 0x02 // Auto Increment Physical Write
	APRW Command = 0x03 // Auto Increment Physical Read Write
	FPRD Command = 0x04 // Configured Address Physical Read
	FPWR Command = 0x05 // Configured Address Physical Write
	FPRW Command = 0x06 // Configured Address Physical Read Write
	BRD  Command = 0x07 // Broadcast Read
	BWR  Command = 0x08 // Broadcast Write
	BRW  Command = 0x09 // Broadcast Read Write
	LRD  Command = 0x0A // Logical Memory Read
	LWR  Command = 0x0B // Logical Memory Write
	LRW  Command = 0x0C // Logical Memory Read Write
	ARMW Command = 0x0D // Auto Increment Physical Read Multiple Write
	FRMW Command = 0x0E // Configured Address Physical Read Multiple Write
)

var commandName = map[Command]string{
	NOP:  "NOP",
	APRD: "APRD",
	APWR: "APWR",
	APRW: "APRW",
	FPRD: "FPRD",
	FPWR: "FPWR",
	FPRW: "FPRW",
	BRD:  "BRD",
	BWR:  "BWR",
	BRW:  "BRW",
	LRD:  "LRD",
	LWR:  "LWR",
	LRW:  "LRW",
	ARMW: "ARMW",
	FRMW: "FRMW",
}

func (c Command) String() string {
	if s, ok := commandName[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Reads reports whether the command returns data to the master.
func (c Command) Reads() bool {
	switch c {
	case APRD, APRW, FPRD, FPRW, BRD, BRW, LRD, LRW, ARMW, FRMW:
		return true
	}
	return false
}

// Writes reports whether the command carries data to the slaves.
func (c Command) Writes() bool {
	switch c {
	case APWR, APRW, FPWR, FPRW, BWR, BRW, LWR, LRW, ARMW, FRMW:
		return true
	}
	return false
}

// Positional reports whether the command uses auto-increment addressing.
func (c Command) Positional() bool {
	return c == APRD || c == APWR || c == APRW || c == ARMW
}

// Configured reports whether the command uses configured station addressing.
func (c Command) Configured() bool {
	return c == FPRD || c == FPWR || c == FPRW || c == FRMW
}

// Broadcast reports whether every slave processes the command.
func (c Command) Broadcast() bool {
	return c == BRD || c == BWR || c == BRW
}

// Logical reports whether the command addresses the logical memory space.
func (c Command) Logical() bool {
	return c == LRD || c == LWR || c == LRW
}

// PositionAddress builds the address of an auto-increment command. Each slave
// increments the position field; the one that sees zero is addressed.
func PositionAddress(position, register uint16) uint32 {
	return uint32(uint16(-int16(position))) | uint32(register)<<16
}

// StationAddress builds the address of a configured-address command.
func StationAddress(station, register uint16) uint32 {
	return uint32(station) | uint32(register)<<16
}

// SplitAddress returns the slave (position or station) and register parts of
// a physical address.
func SplitAddress(addr uint32) (slave, register uint16) {
	return uint16(addr), uint16(addr >> 16)
}

// DatagramHeader is the fixed part in front of every datagram.
type DatagramHeader struct {
	Command    Command
	Index      uint8
	Address    uint32
	Length     uint16
	Circulated bool
	More       bool
	IRQ        uint16
}

// Put encodes the header into the first DatagramHeaderLen bytes of b.
func (h DatagramHeader) Put(b []byte) {
	b[0] = uint8(h.Command)
	b[1] = h.Index
	binary.LittleEndian.PutUint32(b[2:6], h.Address)
	lenFlags := h.Length & lenMask
	if h.Circulated {
		lenFlags |= circulatedBit
	}
	if h.More {
		lenFlags |= moreBit
	}
	binary.LittleEndian.PutUint16(b[6:8], lenFlags)
	binary.LittleEndian.PutUint16(b[8:10], h.IRQ)
}

// ParseDatagramHeader decodes a datagram header from b.
func ParseDatagramHeader(b []byte) (DatagramHeader, error) {
	if len(b) < DatagramHeaderLen {
		return DatagramHeader{}, fmt.Errorf("ethercat: need %d bytes for datagram header, have %d", DatagramHeaderLen, len(b))
	}
	lenFlags := binary.LittleEndian.Uint16(b[6:8])
	return DatagramHeader{
		Command:    Command(b[0]),
		Index:      b[1],
		Address:    binary.LittleEndian.Uint32(b[2:6]),
		Length:     lenFlags & lenMask,
		Circulated: lenFlags&circulatedBit != 0,
		More:       lenFlags&moreBit != 0,
		IRQ:        binary.LittleEndian.Uint16(b[8:10]),
	}, nil
}

// PutHeader writes the EtherCAT frame header for a datagram section of n bytes.
func PutHeader(b []byte, n int) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(n&lenMask)|typeCommands<<12)
}

// ParseHeader decodes the EtherCAT frame header and returns the length of the
// datagram section.
func ParseHeader(b []byte) (int, error) {
	if len(b) < HeaderLen {
		return 0, errors.New("ethercat: frame too short")
	}
	header := binary.LittleEndian.Uint16(b[0:2])
	n := int(header & lenMask)
	if typ := (header >> 12) & 0x0F; typ != typeCommands {
		return 0, fmt.Errorf("ethercat: unexpected frame type %d", typ)
	}
	if len(b) < HeaderLen+n {
		return 0, fmt.Errorf("ethercat: frame truncated (expected %d, got %d)", HeaderLen+n, len(b))
	}
	return n, nil
}

// FrameLen is the encoded size of a single-datagram frame carrying n data bytes.
func FrameLen(n int) int {
	return HeaderLen + DatagramOverhead + n
}

// EncodeSingle writes a frame holding one datagram into buf. The data section
// is expected to already sit at buf[HeaderLen+DatagramHeaderLen:]; only the
// headers and the working counter are written.
func EncodeSingle(buf []byte, h DatagramHeader, wkc uint16) (int, error) {
	total := FrameLen(int(h.Length))
	if int(h.Length) > MaxDataLen {
		return 0, fmt.Errorf("ethercat: datagram data %d exceeds %d bytes", h.Length, MaxDataLen)
	}
	if len(buf) < total {
		return 0, fmt.Errorf("ethercat: buffer holds %d bytes, frame needs %d", len(buf), total)
	}
	h.More = false
	PutHeader(buf, total-HeaderLen)
	h.Put(buf[HeaderLen:])
	binary.LittleEndian.PutUint16(buf[total-WkcLen:total], wkc)
	return total, nil
}

// DecodeSingle parses the first datagram of a frame without copying. The
// returned data aliases b.
func DecodeSingle(b []byte) (DatagramHeader, []byte, uint16, error) {
	n, err := ParseHeader(b)
	if err != nil {
		return DatagramHeader{}, nil, 0, err
	}
	section := b[HeaderLen : HeaderLen+n]
	h, err := ParseDatagramHeader(section)
	if err != nil {
		return DatagramHeader{}, nil, 0, err
	}
	end := DatagramHeaderLen + int(h.Length)
	if end+WkcLen > len(section) {
		return DatagramHeader{}, nil, 0, errors.New("ethercat: datagram data truncated")
	}
	return h, section[DatagramHeaderLen:end], binary.LittleEndian.Uint16(section[end : end+WkcLen]), nil
}

// Datagram represents an EtherCAT datagram within a frame.
type Datagram struct {
	Header DatagramHeader
	Data   []byte
	WKC    uint16

	wkc []byte // working counter bytes inside an overlaid buffer
}

// SetWorkingCounter updates the working counter, writing through to the
// underlying buffer when the datagram was produced by Overlay.
func (d *Datagram) SetWorkingCounter(v uint16) {
	d.WKC = v
	if d.wkc != nil {
		binary.LittleEndian.PutUint16(d.wkc, v)
	}
}

// Frame represents a complete EtherCAT frame (without Ethernet header).
type Frame struct {
	Datagrams []Datagram

	addrs [][]byte
}

// Build serializes the frame into a new buffer, setting the length and more
// flags of every datagram. The request path encodes in place with
// EncodeSingle instead; Build serves the simulator and tests that script
// whole frames.
func (f *Frame) Build() ([]byte, error) {
	if len(f.Datagrams) == 0 {
		return nil, errors.New("ethercat: frame has no datagrams")
	}

	totalLen := HeaderLen
	for _, dg := range f.Datagrams {
		totalLen += DatagramOverhead + len(dg.Data)
	}
	if totalLen > MaxPayloadLen {
		return nil, fmt.Errorf("ethercat: frame too large (%d bytes)", totalLen)
	}

	buf := make([]byte, totalLen)
	PutHeader(buf, totalLen-HeaderLen)

	offset := HeaderLen
	for i, dg := range f.Datagrams {
		h := dg.Header
		h.Length = uint16(len(dg.Data))
		h.More = i < len(f.Datagrams)-1
		h.Put(buf[offset:])
		offset += DatagramHeaderLen

		copy(buf[offset:], dg.Data)
		offset += len(dg.Data)

		binary.LittleEndian.PutUint16(buf[offset:offset+2], dg.WKC)
		offset += WkcLen
	}

	return buf, nil
}

// Overlay parses an EtherCAT frame in place. Datagram data aliases b, and
// SetWorkingCounter and SetAddress write through to it.
func Overlay(b []byte) (*Frame, error) {
	n, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}

	f := &Frame{}
	offset := HeaderLen
	end := HeaderLen + n
	for offset < end {
		h, err := ParseDatagramHeader(b[offset:end])
		if err != nil {
			return nil, err
		}
		addr := b[offset+2 : offset+6]
		offset += DatagramHeaderLen

		dataLen := int(h.Length)
		if offset+dataLen+WkcLen > end {
			return nil, errors.New("ethercat: datagram data truncated")
		}

		dg := Datagram{
			Header: h,
			Data:   b[offset : offset+dataLen],
			wkc:    b[offset+dataLen : offset+dataLen+WkcLen],
		}
		dg.WKC = binary.LittleEndian.Uint16(dg.wkc)
		offset += dataLen + WkcLen

		f.Datagrams = append(f.Datagrams, dg)
		f.addrs = append(f.addrs, addr)

		if !h.More {
			break
		}
	}

	if len(f.Datagrams) == 0 {
		return nil, errors.New("ethercat: frame has no datagrams")
	}
	return f, nil
}

// SetAddress rewrites the address of datagram i. Auto-increment slaves use it
// to bump the position field as the frame passes through them.
func (f *Frame) SetAddress(i int, addr uint32) {
	f.Datagrams[i].Header.Address = addr
	if i < len(f.addrs) {
		binary.LittleEndian.PutUint32(f.addrs[i], addr)
	}
}
