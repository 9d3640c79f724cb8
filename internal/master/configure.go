package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/coe"
	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/sii"
)

// PDO assignment objects.
const (
	IndexRxPdoAssign = 0x1C12 // outputs
	IndexTxPdoAssign = 0x1C13 // inputs
)

// Default sync manager control bytes when the SII does not carry them.
const (
	smControlMailboxOut = 0x26
	smControlMailboxIn  = 0x22
	smControlOutputs    = 0x64
	smControlInputs     = 0x20
)

const (
	fmmuTypeRead  = 0x01
	fmmuTypeWrite = 0x02
)

func (c *Client) writeSM(ctx context.Context, station uint16, n int, start, length uint16, control uint8) error {
	b := make([]byte, frame.SMLen)
	binary.LittleEndian.PutUint16(b[0:], start)
	binary.LittleEndian.PutUint16(b[2:], length)
	b[4] = control
	if length > 0 {
		b[6] = 1 // activate
	}
	return c.FPWRExpect(ctx, station, frame.SMAddr(n), b)
}

func (c *Client) writeFMMU(ctx context.Context, station uint16, n int, logical uint32, length, phys uint16, typ uint8) error {
	b := make([]byte, frame.FMMULen)
	binary.LittleEndian.PutUint32(b[0:], logical)
	binary.LittleEndian.PutUint16(b[4:], length)
	b[6] = 0 // logical start bit
	b[7] = 7 // logical stop bit
	binary.LittleEndian.PutUint16(b[8:], phys)
	b[10] = 0 // physical start bit
	b[11] = typ
	b[12] = 1 // activate
	return c.FPWRExpect(ctx, station, frame.FMMUAddr(n), b)
}

// smIndex returns the SII index of the first sync manager of typ, or -1.
func smIndex(sms []sii.SyncManager, typ uint8) int {
	for i, sm := range sms {
		if sm.Type == typ {
			return i
		}
	}
	return -1
}

// configureMailbox sets up SM0/SM1 for slaves with a mailbox, attaches the
// CoE client and moves the slave to PRE-OP.
func (c *Client) configureMailbox(ctx context.Context, s *Slave) error {
	mbx := s.Config.Mailbox
	if mbx.Supported() {
		outCtl, inCtl := uint8(smControlMailboxOut), uint8(smControlMailboxIn)
		if i := smIndex(s.Config.SyncManagers, sii.SMMailboxOut); i >= 0 {
			outCtl = s.Config.SyncManagers[i].Control
		}
		if i := smIndex(s.Config.SyncManagers, sii.SMMailboxIn); i >= 0 {
			inCtl = s.Config.SyncManagers[i].Control
		}
		if err := c.writeSM(ctx, s.ConfiguredAddress, 0, mbx.RxOffset, mbx.RxSize, outCtl); err != nil {
			return fmt.Errorf("%s mailbox out: %w", s, err)
		}
		if err := c.writeSM(ctx, s.ConfiguredAddress, 1, mbx.TxOffset, mbx.TxSize, inCtl); err != nil {
			return fmt.Errorf("%s mailbox in: %w", s, err)
		}
		if mbx.CoE() {
			client, err := coe.NewClient(c, s.ConfiguredAddress, mbx, c.timeouts.Mailbox)
			if err != nil {
				return err
			}
			s.mailbox = client
		}
	}
	return c.requestStationState(ctx, s.ConfiguredAddress, StatePreOp)
}

// readPdoAssignFrom reads the PDOs listed in the assignment object assign and
// their mapping entries.
func readPdoAssignFrom(ctx context.Context, ref SDO, assign uint16) ([]sii.Pdo, error) {
	count, err := ReadSDO[uint8](ctx, ref, assign, 0)
	if err != nil {
		return nil, err
	}
	pdos := make([]sii.Pdo, 0, count)
	for i := uint8(1); i <= count; i++ {
		index, err := ReadSDO[uint16](ctx, ref, assign, i)
		if err != nil {
			return nil, err
		}
		entries, err := ReadSDO[uint8](ctx, ref, index, 0)
		if err != nil {
			return nil, err
		}
		pdo := sii.Pdo{Index: index}
		for e := uint8(1); e <= entries; e++ {
			m, err := ReadSDO[uint32](ctx, ref, index, e)
			if err != nil {
				return nil, err
			}
			pdo.Entries = append(pdo.Entries, sii.PdoEntry{
				Index:    uint16(m >> 16),
				SubIndex: uint8(m >> 8),
				BitLen:   uint8(m),
			})
		}
		pdos = append(pdos, pdo)
	}
	return pdos, nil
}

// readIoSizes determines the process data sizes of s. CoE slaves report the
// mapping currently assigned in their object dictionary, which a hook may
// have changed; others use the SII defaults.
func (c *Client) readIoSizes(ctx context.Context, s *Slave) error {
	mapping := s.Config.Mapping
	if s.mailbox != nil {
		ref := c.Ref(s)
		outputs, err := readPdoAssignFrom(ctx, ref, IndexRxPdoAssign)
		if err == nil {
			var inputs []sii.Pdo
			inputs, err = readPdoAssignFrom(ctx, ref, IndexTxPdoAssign)
			if err == nil {
				mapping = sii.PdoMapping{Inputs: inputs, Outputs: outputs}
			}
		}
		var abort *ecerr.SdoAbortError
		if err != nil && !errors.As(err, &abort) {
			return fmt.Errorf("%s pdo assignment: %w", s, err)
		}
		if err != nil {
			c.log.WithFields(logrus.Fields{"slave": s.String(), "error": err}).
				Debug("PDO assignment not readable, using SII mapping")
		}
	}

	s.Config.Mapping = mapping
	s.Config.Io = IoSizes{Inputs: mapping.InputBytes(), Outputs: mapping.OutputBytes()}
	return nil
}

// configureProcessData writes the process data sync managers and FMMUs of s
// so that its PDI ranges map to logical addresses from groupStart.
func (c *Client) configureProcessData(ctx context.Context, s *Slave, groupStart uint32) error {
	station := s.ConfiguredAddress
	fmmu := len(s.Config.FMMUs)
	nextFMMU := func(usage uint8) int {
		for i, u := range s.Config.FMMUs {
			if u == usage {
				return i
			}
		}
		n := fmmu
		fmmu++
		return n
	}

	for _, dir := range []struct {
		typ     uint8
		usage   uint8
		fmmu    uint8
		control uint8
		r       pdiRange
		what    string
	}{
		{sii.SMOutputs, sii.FMMUOutputs, fmmuTypeWrite, smControlOutputs, s.outputs, "outputs"},
		{sii.SMInputs, sii.FMMUInputs, fmmuTypeRead, smControlInputs, s.inputs, "inputs"},
	} {
		if dir.r.length == 0 {
			continue
		}
		i := smIndex(s.Config.SyncManagers, dir.typ)
		if i < 0 {
			return ecerr.E("configure", ecerr.KindProtocol,
				fmt.Errorf("%s has %d bytes of %s but no sync manager for them", s, dir.r.length, dir.what))
		}
		sm := s.Config.SyncManagers[i]
		control := sm.Control
		if control == 0 {
			control = dir.control
		}
		if err := c.writeSM(ctx, station, i, sm.Start, uint16(dir.r.length), control); err != nil {
			return fmt.Errorf("%s %s sync manager: %w", s, dir.what, err)
		}
		logical := groupStart + uint32(dir.r.start)
		if err := c.writeFMMU(ctx, station, nextFMMU(dir.usage), logical, uint16(dir.r.length), sm.Start, dir.fmmu); err != nil {
			return fmt.Errorf("%s %s fmmu: %w", s, dir.what, err)
		}
	}
	return nil
}
