package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytemomo/ecmaster/internal/cia402"
	"bytemomo/ecmaster/internal/coe"
	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/sii"
)

// exchange sends one datagram through seg and returns its response.
func exchange(t *testing.T, seg *Segment, cmd frame.Command, addr uint32, data []byte) ([]byte, uint16) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f := frame.Frame{Datagrams: []frame.Datagram{{Header: frame.DatagramHeader{Command: cmd, Address: addr}, Data: data}}}
	b, err := f.Build()
	require.NoError(t, err)
	require.NoError(t, seg.WriteFrame(ctx, b))

	buf := make([]byte, frame.MaxPayloadLen)
	n, err := seg.ReadFrame(ctx, buf)
	require.NoError(t, err)
	_, out, wkc, err := frame.DecodeSingle(buf[:n])
	require.NoError(t, err)
	return out, wkc
}

// segRegs gives configured-address register access over a segment.
type segRegs struct {
	t   *testing.T
	seg *Segment
}

func (r segRegs) ReadRegister(_ context.Context, station, reg uint16, data []byte) error {
	out, wkc := exchange(r.t, r.seg, frame.FPRD, frame.StationAddress(station, reg), make([]byte, len(data)))
	if wkc != 1 {
		return &ecerr.WorkingCounterError{Expected: 1, Received: wkc}
	}
	copy(data, out)
	return nil
}

func (r segRegs) WriteRegister(_ context.Context, station, reg uint16, data []byte) error {
	_, wkc := exchange(r.t, r.seg, frame.FPWR, frame.StationAddress(station, reg), append([]byte(nil), data...))
	if wkc != 1 {
		return &ecerr.WorkingCounterError{Expected: 1, Received: wkc}
	}
	return nil
}

func u16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

func assignStations(t *testing.T, seg *Segment) {
	t.Helper()
	for pos := range seg.Devices() {
		_, wkc := exchange(t, seg, frame.APWR, frame.PositionAddress(uint16(pos), frame.RegStationAddr), u16(0x1000+uint16(pos)))
		require.Equal(t, uint16(1), wkc)
	}
}

func TestBroadcastCountsDevices(t *testing.T) {
	seg := NewSegment(NewCoupler("EK1100"), NewDigitalInputs("EL1008", 1), NewDigitalOutputs("EL2008", 1))
	out, wkc := exchange(t, seg, frame.BRD, uint32(frame.RegType)<<16, make([]byte, 2))
	assert.Equal(t, uint16(3), wkc)
	assert.Equal(t, byte(0x11), out[0])
	assert.Equal(t, uint64(1), seg.Frames())
}

func TestPositionalAddressing(t *testing.T) {
	seg := NewSegment(NewCoupler("a"), NewCoupler("b"), NewCoupler("c"))
	_, wkc := exchange(t, seg, frame.APWR, frame.PositionAddress(1, frame.RegStationAddr), u16(0x1001))
	assert.Equal(t, uint16(1), wkc)
	assert.Equal(t, uint16(0), seg.Devices()[0].StationAddress())
	assert.Equal(t, uint16(0x1001), seg.Devices()[1].StationAddress())
	assert.Equal(t, uint16(0), seg.Devices()[2].StationAddress())

	// Nobody sits at position 5.
	_, wkc = exchange(t, seg, frame.APRD, frame.PositionAddress(5, frame.RegType), make([]byte, 1))
	assert.Equal(t, uint16(0), wkc)
}

func TestEEPROMServesSII(t *testing.T) {
	dev, _ := NewServo("ELP-EC400S", IdentityEL7)
	seg := NewSegment(NewCoupler("EK1100"), dev)
	assignStations(t, seg)

	info, err := sii.NewReader(segRegs{t, seg}, 0x1001, 0).ReadInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ELP-EC400S", info.Name)
	assert.Equal(t, IdentityEL7, info.Identity)
	assert.True(t, info.Mailbox.CoE())
	assert.Equal(t, 6, info.Mapping.OutputBytes())
	assert.Equal(t, 6, info.Mapping.InputBytes())
	require.Len(t, info.SyncManagers, 4)
	assert.Equal(t, uint8(sii.SMInputs), info.SyncManagers[3].Type)
}

func TestALStateMachine(t *testing.T) {
	dev := NewDigitalOutputs("EL2008", 1)
	seg := NewSegment(dev)
	assignStations(t, seg)
	regs := segRegs{t, seg}
	ctx := context.Background()

	// INIT -> OP is not a valid transition.
	require.NoError(t, regs.WriteRegister(ctx, 0x1000, frame.RegALControl, u16(alOp)))
	assert.Equal(t, uint16(alInit|alError), dev.State())
	code := make([]byte, 2)
	require.NoError(t, regs.ReadRegister(ctx, 0x1000, frame.RegALCode, code))
	assert.Equal(t, uint16(ALCodeInvalidTransition), binary.LittleEndian.Uint16(code))

	// Requests are ignored until the error is acknowledged.
	require.NoError(t, regs.WriteRegister(ctx, 0x1000, frame.RegALControl, u16(alPreOp)))
	assert.Equal(t, uint16(alInit|alError), dev.State())
	require.NoError(t, regs.WriteRegister(ctx, 0x1000, frame.RegALControl, u16(alPreOp|alError)))
	assert.Equal(t, uint16(alPreOp), dev.State())

	// SAFE-OP needs the output sync manager configured.
	require.NoError(t, regs.WriteRegister(ctx, 0x1000, frame.RegALControl, u16(alSafeOp)))
	assert.Equal(t, uint16(alPreOp|alError), dev.State())
	require.NoError(t, regs.ReadRegister(ctx, 0x1000, frame.RegALCode, code))
	assert.Equal(t, uint16(ALCodeInvalidOutputSetup), binary.LittleEndian.Uint16(code))

	dev.RefuseState(alPreOp, 0x0016)
	require.NoError(t, regs.WriteRegister(ctx, 0x1000, frame.RegALControl, u16(alPreOp|alError)))
	assert.Equal(t, uint16(alPreOp|alError), dev.State())
	require.NoError(t, regs.ReadRegister(ctx, 0x1000, frame.RegALCode, code))
	assert.Equal(t, uint16(0x0016), binary.LittleEndian.Uint16(code))
}

func writeSM(t *testing.T, regs segRegs, station uint16, n int, start, length uint16, control uint8) {
	b := make([]byte, frame.SMLen)
	binary.LittleEndian.PutUint16(b[0:], start)
	binary.LittleEndian.PutUint16(b[2:], length)
	b[4], b[6] = control, 1
	require.NoError(t, regs.WriteRegister(context.Background(), station, frame.SMAddr(n), b))
}

func writeFMMU(t *testing.T, regs segRegs, station uint16, n int, logical uint32, length, phys uint16, typ uint8) {
	b := make([]byte, frame.FMMULen)
	binary.LittleEndian.PutUint32(b[0:], logical)
	binary.LittleEndian.PutUint16(b[4:], length)
	b[7] = 7
	binary.LittleEndian.PutUint16(b[8:], phys)
	b[11], b[12] = typ, 1
	require.NoError(t, regs.WriteRegister(context.Background(), station, frame.FMMUAddr(n), b))
}

func TestLogicalReadWrite(t *testing.T) {
	in := NewDigitalInputs("EL1008", 1)
	out := NewDigitalOutputs("EL2008", 2)
	seg := NewSegment(in, out)
	assignStations(t, seg)
	regs := segRegs{t, seg}

	writeSM(t, regs, 0x1000, 0, 0x1000, 1, 0x00)
	writeFMMU(t, regs, 0x1000, 0, 0x100, 1, 0x1000, 0x01)
	writeSM(t, regs, 0x1001, 0, 0x0F00, 2, 0x44)
	writeFMMU(t, regs, 0x1001, 0, 0x101, 2, 0x0F00, 0x02)

	in.SetInputs([]byte{0xA5})
	data, wkc := exchange(t, seg, frame.LRW, 0x100, []byte{0, 0x12, 0x34})
	assert.Equal(t, uint16(3), wkc)
	assert.Equal(t, []byte{0xA5, 0x12, 0x34}, data)
	assert.Equal(t, []byte{0x12, 0x34}, out.Outputs())

	// LRD does not reach the output terminal.
	_, wkc = exchange(t, seg, frame.LRD, 0x100, make([]byte, 3))
	assert.Equal(t, uint16(1), wkc)

	// Nothing is mapped here.
	_, wkc = exchange(t, seg, frame.LRW, 0x2000, make([]byte, 4))
	assert.Equal(t, uint16(0), wkc)
}

func TestMailboxServesSDO(t *testing.T) {
	dev, _ := NewServo("ELP-EC400S", IdentityEL7)
	seg := NewSegment(dev)
	assignStations(t, seg)
	regs := segRegs{t, seg}
	ctx := context.Background()

	writeSM(t, regs, 0x1000, 0, mbxRxOffset, mbxSize, 0x26)
	writeSM(t, regs, 0x1000, 1, mbxTxOffset, mbxSize, 0x22)
	client, err := coe.NewClient(regs, 0x1000, sii.MailboxConfig{
		RxOffset: mbxRxOffset, RxSize: mbxSize, TxOffset: mbxTxOffset, TxSize: mbxSize, Protocols: sii.ProtoCoE,
	}, time.Second)
	require.NoError(t, err)

	v, err := client.Upload(ctx, 0x1018, 1)
	require.NoError(t, err)
	assert.Equal(t, IdentityEL7.VendorID, binary.LittleEndian.Uint32(v))

	name, err := client.Upload(ctx, 0x1008, 0)
	require.NoError(t, err)
	assert.Equal(t, "ELP-EC400S", string(name))

	var abort *ecerr.SdoAbortError
	err = client.Download(ctx, 0x1C12, 0, []byte{0})
	require.True(t, errors.As(err, &abort), "mapping objects are locked outside PRE-OP: %v", err)
	assert.Equal(t, uint32(coe.AbortDeviceState), abort.Code)

	require.NoError(t, regs.WriteRegister(ctx, 0x1000, frame.RegALControl, u16(alPreOp)))
	require.NoError(t, client.Download(ctx, 0x1C12, 0, []byte{0}))

	err = client.Download(ctx, cia402.IndexStatusWord, 0, u16(1))
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, uint32(coe.AbortReadOnly), abort.Code)

	_, err = client.Upload(ctx, 0x7777, 0)
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, uint32(coe.AbortNoObject), abort.Code)
}

func TestDriveFollowsControlWord(t *testing.T) {
	od := DriveDictionary()
	dr := NewDrive()
	SetValue(od, cia402.IndexModesOfOperation, 0, int8(cia402.ModeCSV))
	SetValue(od, cia402.IndexTargetVelocity, 0, int32(1000))

	for range 6 {
		st := cia402.StatusWord(Value[uint16](od, cia402.IndexStatusWord, 0)).State()
		SetValue(od, cia402.IndexControlWord, 0, uint16(cia402.Next(st)))
		dr.Step(od)
	}
	assert.Equal(t, cia402.OperationEnabled, dr.State())
	assert.Equal(t, int32(1000), Value[int32](od, cia402.IndexVelocityActual, 0))

	dr.InjectFault(0x7500)
	dr.Step(od)
	sw := cia402.StatusWord(Value[uint16](od, cia402.IndexStatusWord, 0))
	assert.Error(t, sw.Fault())
	assert.Equal(t, uint16(0x7500), Value[uint16](od, cia402.IndexErrorCode, 0))
	assert.Equal(t, int32(0), Value[int32](od, cia402.IndexVelocityActual, 0))
}

func TestDropAndClose(t *testing.T) {
	seg := NewSegment(NewCoupler("EK1100"))
	seg.Drop(1)

	f := frame.Frame{Datagrams: []frame.Datagram{{Header: frame.DatagramHeader{Command: frame.BRD}, Data: make([]byte, 2)}}}
	b, err := f.Build()
	require.NoError(t, err)
	require.NoError(t, seg.WriteFrame(context.Background(), b))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = seg.ReadFrame(ctx, make([]byte, frame.MaxPayloadLen))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, seg.Close())
	_, err = seg.ReadFrame(context.Background(), make([]byte, frame.MaxPayloadLen))
	assert.ErrorIs(t, err, io.EOF)
}
