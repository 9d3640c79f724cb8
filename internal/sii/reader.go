package sii

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
)

// Registers is configured-address register access to one segment.
type Registers interface {
	ReadRegister(ctx context.Context, station, register uint16, data []byte) error
	WriteRegister(ctx context.Context, station, register uint16, data []byte) error
}

const (
	// DefaultTimeout bounds a single EEPROM access.
	DefaultTimeout = 10 * time.Millisecond

	pollInterval = 200 * time.Microsecond
	// maxWord bounds the category walk on a corrupt EEPROM.
	maxWord = 0x4000
)

// Reader reads the SII of one slave through its ESC EEPROM interface.
type Reader struct {
	regs    Registers
	station uint16
	timeout time.Duration
}

// NewReader creates a reader for the slave at station. A zero timeout selects
// DefaultTimeout.
func NewReader(regs Registers, station uint16, timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reader{regs: regs, station: station, timeout: timeout}
}

// waitIdle polls the EEPROM control register until the busy bit clears.
func (r *Reader) waitIdle(ctx context.Context) (uint16, error) {
	deadline := time.Now().Add(r.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	buf := make([]byte, 2)
	for {
		if err := r.regs.ReadRegister(ctx, r.station, frame.RegEEPROMControl, buf); err != nil {
			return 0, fmt.Errorf("read eeprom ctrl: %w", err)
		}
		status := binary.LittleEndian.Uint16(buf)
		if status&frame.EEPROMBusy == 0 {
			return status, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("eeprom busy on station %#04x: %w", r.station, ecerr.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Read32 reads two words starting at wordAddr.
func (r *Reader) Read32(ctx context.Context, wordAddr uint16) (uint32, error) {
	if _, err := r.waitIdle(ctx); err != nil {
		return 0, err
	}

	addrData := make([]byte, 4)
	binary.LittleEndian.PutUint32(addrData, uint32(wordAddr))
	if err := r.regs.WriteRegister(ctx, r.station, frame.RegEEPROMAddress, addrData); err != nil {
		return 0, fmt.Errorf("write eeprom addr: %w", err)
	}

	ctrlData := make([]byte, 2)
	binary.LittleEndian.PutUint16(ctrlData, frame.EEPROMCmdRead)
	if err := r.regs.WriteRegister(ctx, r.station, frame.RegEEPROMControl, ctrlData); err != nil {
		return 0, fmt.Errorf("write eeprom ctrl: %w", err)
	}

	status, err := r.waitIdle(ctx)
	if err != nil {
		return 0, err
	}
	if status&(frame.EEPROMErrAck|frame.EEPROMErrCmd) != 0 {
		return 0, ecerr.E("sii", ecerr.KindProtocol,
			fmt.Errorf("eeprom error status %#04x at word %#04x", status, wordAddr))
	}

	data := make([]byte, 4)
	if err := r.regs.ReadRegister(ctx, r.station, frame.RegEEPROMData, data); err != nil {
		return 0, fmt.Errorf("read eeprom data: %w", err)
	}
	return binary.LittleEndian.Uint32(data), nil
}

// readBytes reads n bytes (rounded up to whole dwords) from wordAddr.
func (r *Reader) readBytes(ctx context.Context, wordAddr uint16, n int) ([]byte, error) {
	b := make([]byte, 0, n+3)
	for off := 0; off < n; off += 4 {
		v, err := r.Read32(ctx, wordAddr+uint16(off/2))
		if err != nil {
			return nil, err
		}
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b[:n], nil
}

// ReadIdentity reads vendor, product, revision and serial number.
func (r *Reader) ReadIdentity(ctx context.Context) (Identity, error) {
	b, err := r.readBytes(ctx, WordVendorID, 16)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		VendorID:    binary.LittleEndian.Uint32(b[0:]),
		ProductCode: binary.LittleEndian.Uint32(b[4:]),
		Revision:    binary.LittleEndian.Uint32(b[8:]),
		Serial:      binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// ReadMailbox reads the standard mailbox layout and supported protocols.
func (r *Reader) ReadMailbox(ctx context.Context) (MailboxConfig, error) {
	b, err := r.readBytes(ctx, WordRxMailboxOff, 10)
	if err != nil {
		return MailboxConfig{}, err
	}
	return MailboxConfig{
		RxOffset:  binary.LittleEndian.Uint16(b[0:]),
		RxSize:    binary.LittleEndian.Uint16(b[2:]),
		TxOffset:  binary.LittleEndian.Uint16(b[4:]),
		TxSize:    binary.LittleEndian.Uint16(b[6:]),
		Protocols: binary.LittleEndian.Uint16(b[8:]),
	}, nil
}

// ReadCategories walks the category list until the end marker.
func (r *Reader) ReadCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	for addr := uint32(WordCategories); addr < maxWord; {
		header, err := r.Read32(ctx, uint16(addr))
		if err != nil {
			return nil, err
		}
		typ, size := uint16(header), int(header>>16)
		if typ == CatEnd {
			return cats, nil
		}
		data, err := r.readBytes(ctx, uint16(addr+2), size*2)
		if err != nil {
			return nil, err
		}
		cats = append(cats, Category{Type: typ, Data: data})
		addr += 2 + uint32(size)
	}
	return nil, ecerr.E("sii", ecerr.KindProtocol,
		fmt.Errorf("station %#04x: category list not terminated", r.station))
}

// ReadInfo reads and decodes everything the master uses from the SII.
func (r *Reader) ReadInfo(ctx context.Context) (*Info, error) {
	info := &Info{}
	var err error
	if info.Identity, err = r.ReadIdentity(ctx); err != nil {
		return nil, err
	}
	if info.Mailbox, err = r.ReadMailbox(ctx); err != nil {
		return nil, err
	}
	cats, err := r.ReadCategories(ctx)
	if err != nil {
		return nil, err
	}
	if err := info.applyCategories(cats); err != nil {
		return nil, ecerr.E("sii", ecerr.KindProtocol, err)
	}
	return info, nil
}

// ReadPdoMapping returns the default PDO mapping from the SII.
func (r *Reader) ReadPdoMapping(ctx context.Context) (PdoMapping, error) {
	info, err := r.ReadInfo(ctx)
	if err != nil {
		return PdoMapping{}, err
	}
	return info.Mapping, nil
}
