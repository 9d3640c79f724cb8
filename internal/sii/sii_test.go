package sii

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
)

// fakeESC answers EEPROM register accesses from an SII image.
type fakeESC struct {
	image  []byte
	addr   uint32
	ctrl   uint16
	data   [4]byte
	busy   bool // stay busy forever
	errBit uint16
}

func (f *fakeESC) ReadRegister(_ context.Context, _ uint16, reg uint16, data []byte) error {
	switch reg {
	case frame.RegEEPROMControl:
		status := f.ctrl | f.errBit
		if f.busy {
			status |= frame.EEPROMBusy
		}
		binary.LittleEndian.PutUint16(data, status)
	case frame.RegEEPROMData:
		copy(data, f.data[:])
	}
	return nil
}

func (f *fakeESC) WriteRegister(_ context.Context, _ uint16, reg uint16, data []byte) error {
	switch reg {
	case frame.RegEEPROMAddress:
		f.addr = binary.LittleEndian.Uint32(data)
	case frame.RegEEPROMControl:
		f.ctrl = binary.LittleEndian.Uint16(data) &^ frame.EEPROMCmdMask
		f.data = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
		off := int(f.addr) * 2
		if off < len(f.image) {
			copy(f.data[:], f.image[off:])
		}
	}
	return nil
}

func testInfo() *Info {
	return &Info{
		Identity: Identity{VendorID: 0x2, ProductCode: 0x07D83052, Revision: 0x00110000, Serial: 42},
		Mailbox:  MailboxConfig{RxOffset: 0x1000, RxSize: 128, TxOffset: 0x1080, TxSize: 128, Protocols: ProtoCoE},
		Name:     "EL2008",
		SyncManagers: []SyncManager{
			{Start: 0x1000, Length: 128, Control: 0x26, Enable: 1, Type: SMMailboxOut},
			{Start: 0x1080, Length: 128, Control: 0x22, Enable: 1, Type: SMMailboxIn},
			{Start: 0x1100, Length: 4, Control: 0x64, Enable: 1, Type: SMOutputs},
			{Start: 0x1180, Length: 2, Control: 0x20, Enable: 1, Type: SMInputs},
		},
		FMMUs: []uint8{FMMUOutputs, FMMUInputs},
		Mapping: PdoMapping{
			Inputs: []Pdo{{Index: 0x1A00, SyncManager: 3, Entries: []PdoEntry{
				{Index: 0x6000, SubIndex: 1, BitLen: 16},
			}}},
			Outputs: []Pdo{{Index: 0x1600, SyncManager: 2, Entries: []PdoEntry{
				{Index: 0x7000, SubIndex: 1, BitLen: 1},
				{Index: 0x7000, SubIndex: 2, BitLen: 1},
				{Index: 0, SubIndex: 0, BitLen: 30}, // padding
			}}},
		},
	}
}

func TestBuildDecode(t *testing.T) {
	want := testInfo()
	got, err := Decode(Build(want))
	require.NoError(t, err)

	assert.Equal(t, want.Identity, got.Identity)
	assert.Equal(t, want.Mailbox, got.Mailbox)
	assert.Equal(t, "EL2008", got.Name)
	assert.Equal(t, want.SyncManagers, got.SyncManagers)
	assert.Equal(t, want.FMMUs, got.FMMUs)
	assert.Equal(t, want.Mapping, got.Mapping)
	assert.Equal(t, 2, got.Mapping.InputBytes())
	assert.Equal(t, 4, got.Mapping.OutputBytes())
}

func TestDecodeSkipsUnassignedPdos(t *testing.T) {
	info := testInfo()
	info.Mapping.Inputs = append(info.Mapping.Inputs, Pdo{Index: 0x1A01, SyncManager: 0xFF, Entries: []PdoEntry{{Index: 0x6010, SubIndex: 1, BitLen: 32}}})

	got, err := Decode(Build(info))
	require.NoError(t, err)
	require.Len(t, got.Mapping.Inputs, 1)
	assert.Equal(t, uint16(0x1A00), got.Mapping.Inputs[0].Index)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(make([]byte, 16))
	assert.Error(t, err)

	img := Build(testInfo())
	_, err = Decode(img[:len(img)-6])
	assert.Error(t, err)
}

func TestReaderReadInfo(t *testing.T) {
	esc := &fakeESC{image: Build(testInfo())}
	r := NewReader(esc, 0x1000, 0)

	id, err := r.ReadIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x07D83052), id.ProductCode)

	mbx, err := r.ReadMailbox(context.Background())
	require.NoError(t, err)
	assert.True(t, mbx.CoE())
	assert.Equal(t, uint16(0x1080), mbx.TxOffset)

	info, err := r.ReadInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EL2008", info.Name)
	assert.Len(t, info.SyncManagers, 4)

	mapping, err := r.ReadPdoMapping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, mapping.InputBytes())
	assert.Equal(t, 4, mapping.OutputBytes())
}

func TestReaderErrors(t *testing.T) {
	esc := &fakeESC{image: Build(testInfo()), errBit: frame.EEPROMErrAck}
	_, err := NewReader(esc, 0x1000, 0).Read32(context.Background(), WordVendorID)
	assert.Equal(t, ecerr.KindProtocol, ecerr.KindOf(err))

	esc = &fakeESC{image: Build(testInfo()), busy: true}
	_, err = NewReader(esc, 0x1000, 2*time.Millisecond).Read32(context.Background(), WordVendorID)
	assert.ErrorIs(t, err, ecerr.ErrTimeout)
}

func TestReaderStopsAtErasedWords(t *testing.T) {
	img := make([]byte, WordCategories*2)
	img = append(img, 0x0A, 0x00, 0x00, 0x00) // empty strings category, then nothing
	esc := &fakeESC{image: img}

	// Reads past the image return 0xFFFF, which terminates the list.
	cats, err := NewReader(esc, 0x1000, 0).ReadCategories(context.Background())
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, uint16(CatStrings), cats[0].Type)
}
