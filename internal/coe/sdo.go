// Package coe implements CANopen over EtherCAT SDO transfers through the
// standard mailbox sync managers.
package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Mailbox header layout.
const (
	MailboxHeaderLen = 6
	CoEHeaderLen     = 2
	sdoHeaderLen     = 4 // command, index, subindex
	// SdoMinLen is a mailbox carrying an expedited SDO.
	SdoMinLen = MailboxHeaderLen + CoEHeaderLen + sdoHeaderLen + 4

	MailboxTypeError = 0x00
	MailboxTypeCoE   = 0x03

	ServiceSdoRequest  = 0x02
	ServiceSdoResponse = 0x03
)

// SDO command specifiers.
const (
	ccsDownloadInitiate = 1
	ccsUploadInitiate   = 2
	scsUploadInitiate   = 2
	scsDownloadInitiate = 3
	csAbort             = 4

	flagExpedited     = 1 << 1
	flagSizeIndicated = 1 << 0
)

// Header is the mailbox header in front of every mailbox message.
type Header struct {
	Length   uint16
	Address  uint16
	Priority uint8
	Type     uint8
	Counter  uint8
}

func putHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint16(b[0:], h.Length)
	binary.LittleEndian.PutUint16(b[2:], h.Address)
	b[4] = h.Priority << 6
	b[5] = h.Type&0x0F | (h.Counter&0x07)<<4
}

// ParseHeader decodes a mailbox header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < MailboxHeaderLen {
		return Header{}, errors.New("coe: mailbox shorter than its header")
	}
	return Header{
		Length:   binary.LittleEndian.Uint16(b[0:]),
		Address:  binary.LittleEndian.Uint16(b[2:]),
		Priority: b[4] >> 6,
		Type:     b[5] & 0x0F,
		Counter:  (b[5] >> 4) & 0x07,
	}, nil
}

// Sdo is one decoded SDO message.
type Sdo struct {
	Service  uint8
	Command  uint8 // command specifier, bits 7..5 of the command byte
	Index    uint16
	SubIndex uint8
	Data     []byte
	// Abort code when Command is the abort specifier.
	AbortCode uint32
}

// encode writes a CoE SDO message into buf and returns the used length.
// Payloads up to 4 bytes are sent expedited, larger ones as a normal transfer
// with the size in front of the data.
func encode(buf []byte, counter uint8, service, cs uint8, index uint16, sub uint8, data []byte, withData bool) (int, error) {
	n := SdoMinLen
	if withData && len(data) > 4 {
		n = SdoMinLen + len(data)
	}
	if n > len(buf) {
		return 0, fmt.Errorf("coe: sdo of %d bytes does not fit a %d byte mailbox", n, len(buf))
	}
	clear(buf[:n])

	putHeader(buf, Header{Length: uint16(n - MailboxHeaderLen), Type: MailboxTypeCoE, Counter: counter})
	binary.LittleEndian.PutUint16(buf[MailboxHeaderLen:], uint16(service)<<12)

	sdo := buf[MailboxHeaderLen+CoEHeaderLen:]
	cmd := cs << 5
	if withData {
		if len(data) <= 4 {
			cmd |= flagExpedited | flagSizeIndicated | uint8(4-len(data))<<2
			copy(sdo[4:8], data)
		} else {
			cmd |= flagSizeIndicated
			binary.LittleEndian.PutUint32(sdo[4:8], uint32(len(data)))
			copy(sdo[8:], data)
		}
	}
	sdo[0] = cmd
	binary.LittleEndian.PutUint16(sdo[1:3], index)
	sdo[3] = sub
	return n, nil
}

// EncodeDownload builds a download (write) request.
func EncodeDownload(buf []byte, counter uint8, index uint16, sub uint8, data []byte) (int, error) {
	return encode(buf, counter, ServiceSdoRequest, ccsDownloadInitiate, index, sub, data, true)
}

// EncodeUpload builds an upload (read) request.
func EncodeUpload(buf []byte, counter uint8, index uint16, sub uint8) (int, error) {
	return encode(buf, counter, ServiceSdoRequest, ccsUploadInitiate, index, sub, nil, false)
}

// EncodeUploadResponse builds the server answer to an upload request.
func EncodeUploadResponse(buf []byte, counter uint8, index uint16, sub uint8, data []byte) (int, error) {
	return encode(buf, counter, ServiceSdoResponse, scsUploadInitiate, index, sub, data, true)
}

// EncodeDownloadResponse builds the server acknowledgement of a download.
func EncodeDownloadResponse(buf []byte, counter uint8, index uint16, sub uint8) (int, error) {
	return encode(buf, counter, ServiceSdoResponse, scsDownloadInitiate, index, sub, nil, false)
}

// EncodeAbort builds an abort transfer message.
func EncodeAbort(buf []byte, counter uint8, service uint8, index uint16, sub uint8, code uint32) (int, error) {
	n, err := encode(buf, counter, service, csAbort, index, sub, nil, false)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[MailboxHeaderLen+CoEHeaderLen+sdoHeaderLen:], code)
	return n, nil
}

// Decode parses a CoE SDO mailbox message. Returned data aliases b.
func Decode(b []byte) (Header, Sdo, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, Sdo{}, err
	}
	end := MailboxHeaderLen + int(h.Length)
	if end > len(b) {
		return h, Sdo{}, fmt.Errorf("coe: mailbox length %d exceeds %d byte buffer", h.Length, len(b))
	}
	if h.Type == MailboxTypeError {
		code := uint16(0)
		if end >= MailboxHeaderLen+4 {
			code = binary.LittleEndian.Uint16(b[MailboxHeaderLen+2:])
		}
		return h, Sdo{}, fmt.Errorf("coe: mailbox error %#04x", code)
	}
	if h.Type != MailboxTypeCoE {
		return h, Sdo{}, fmt.Errorf("coe: unexpected mailbox type %d", h.Type)
	}
	if end < SdoMinLen {
		return h, Sdo{}, fmt.Errorf("coe: sdo of %d bytes is too short", h.Length)
	}

	sdo := b[MailboxHeaderLen+CoEHeaderLen : end]
	msg := Sdo{
		Service:  uint8(binary.LittleEndian.Uint16(b[MailboxHeaderLen:]) >> 12),
		Command:  sdo[0] >> 5,
		Index:    binary.LittleEndian.Uint16(sdo[1:3]),
		SubIndex: sdo[3],
	}

	cmd := sdo[0]
	switch {
	case msg.Command == csAbort:
		msg.AbortCode = binary.LittleEndian.Uint32(sdo[4:8])
	case cmd&flagExpedited != 0:
		size := 4
		if cmd&flagSizeIndicated != 0 {
			size = 4 - int(cmd>>2&0x03)
		}
		msg.Data = sdo[4 : 4+size]
	case cmd&flagSizeIndicated != 0:
		size := int(binary.LittleEndian.Uint32(sdo[4:8]))
		if 8+size > len(sdo) {
			return h, Sdo{}, fmt.Errorf("coe: sdo %#04x:%02x announces %d bytes, carries %d",
				msg.Index, msg.SubIndex, size, len(sdo)-8)
		}
		msg.Data = sdo[8 : 8+size]
	}
	return h, msg, nil
}

// IsUpload reports whether a request is an upload initiate.
func (s Sdo) IsUpload() bool { return s.Command == ccsUploadInitiate }

// IsDownload reports whether a request is a download initiate.
func (s Sdo) IsDownload() bool { return s.Command == ccsDownloadInitiate }

// IsAbort reports whether the message aborts the transfer.
func (s Sdo) IsAbort() bool { return s.Command == csAbort }
