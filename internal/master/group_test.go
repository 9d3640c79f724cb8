package master

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytemomo/ecmaster/internal/ecerr"
)

// fakeLRW plays the segment for one LRW: it records what was sent, writes
// inputs back and reports a fixed working counter.
type fakeLRW struct {
	addr    uint32
	sent    []byte
	respond func(data []byte)
	wkc     uint16
	err     error
}

func (f *fakeLRW) LRW(_ context.Context, addr uint32, data []byte) (uint16, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.addr = addr
	f.sent = append([]byte(nil), data...)
	if f.respond != nil {
		f.respond(data)
	}
	return f.wkc, nil
}

func slaveWithIO(name string, station uint16, in, out int) *Slave {
	return &Slave{Name: name, ConfiguredAddress: station, Config: SlaveConfig{Io: IoSizes{Inputs: in, Outputs: out}}}
}

func configuredGroup(t *testing.T, maxPdi int, start uint32, slaves ...*Slave) *SlaveGroup {
	t.Helper()
	g := NewSlaveGroup("test", 8, maxPdi, nil)
	for _, s := range slaves {
		require.NoError(t, g.Push(s))
	}
	require.NoError(t, g.layout(start))
	g.configured.Store(true)
	return g
}

func TestLayoutSingleSlave(t *testing.T) {
	s := slaveWithIO("drive", 0x1000, 2, 4)
	g := configuredGroup(t, 64, 0, s)

	in0, in1 := s.InputRange()
	out0, out1 := s.OutputRange()
	assert.Equal(t, [2]int{0, 2}, [2]int{in0, in1})
	assert.Equal(t, [2]int{2, 6}, [2]int{out0, out1})
	assert.Equal(t, 6, g.PdiLen())
	assert.Equal(t, uint16(3), g.ExpectedWorkingCounter())
}

func TestLayoutTooLong(t *testing.T) {
	g := NewSlaveGroup("test", 8, 64, nil)
	require.NoError(t, g.Push(slaveWithIO("drive", 0x1000, 2, 4)))
	require.NoError(t, g.Push(slaveWithIO("big", 0x1001, 30, 30)))

	err := g.layout(0)
	var pdi *ecerr.PdiTooLongError
	require.ErrorAs(t, err, &pdi)
	assert.Equal(t, 64, pdi.Desired)
	assert.Equal(t, 66, pdi.Required)
	assert.True(t, ecerr.Fatal(err))

	assert.False(t, g.Configured())
	_, _, ok := g.IO(0)
	assert.False(t, ok)
	assert.ErrorIs(t, g.TxRx(context.Background(), &fakeLRW{}), ecerr.ErrGroupNotConfigured)
}

func TestLayoutRangesAreDisjointAndSummed(t *testing.T) {
	slaves := []*Slave{
		slaveWithIO("coupler", 0x1000, 0, 0),
		slaveWithIO("inputs", 0x1001, 1, 0),
		slaveWithIO("outputs", 0x1002, 0, 1),
		slaveWithIO("drive", 0x1003, 12, 6),
		slaveWithIO("analog", 0x1004, 4, 4),
	}
	g := configuredGroup(t, 128, 0x100, slaves...)

	total, wkc := 0, uint16(0)
	for _, s := range slaves {
		total += s.Config.Io.Inputs + s.Config.Io.Outputs
		if s.Config.Io.Inputs > 0 {
			wkc++
		}
		if s.Config.Io.Outputs > 0 {
			wkc += 2
		}
	}
	assert.Equal(t, total, g.PdiLen())
	assert.Equal(t, wkc, g.ExpectedWorkingCounter())
	assert.Equal(t, uint32(0x100), g.StartAddress())

	for i, a := range slaves {
		for _, b := range slaves[i+1:] {
			assert.False(t, a.inputs.overlaps(b.inputs), "%s/%s inputs", a.Name, b.Name)
			assert.False(t, a.outputs.overlaps(b.outputs), "%s/%s outputs", a.Name, b.Name)
		}
	}
}

func TestEmptyGroup(t *testing.T) {
	g := configuredGroup(t, 16, 0)
	assert.Equal(t, 0, g.PdiLen())
	assert.Equal(t, uint16(0), g.ExpectedWorkingCounter())

	lrw := &fakeLRW{err: errors.New("must not be called")}
	assert.NoError(t, g.TxRx(context.Background(), lrw))
}

func TestPushTooManySlaves(t *testing.T) {
	g := NewSlaveGroup("small", 1, 16, nil)
	require.NoError(t, g.Push(slaveWithIO("a", 0x1000, 1, 0)))
	err := g.Push(slaveWithIO("b", 0x1001, 1, 0))
	assert.ErrorIs(t, err, ecerr.ErrTooManySlaves)
	assert.Equal(t, ecerr.KindCapacity, ecerr.KindOf(err))
}

func TestTxRxExchangesPdi(t *testing.T) {
	s := slaveWithIO("drive", 0x1000, 2, 4)
	g := configuredGroup(t, 64, 0x20, s)

	_, out, ok := g.IO(0)
	require.True(t, ok)
	copy(out, []byte{1, 2, 3, 4})

	lrw := &fakeLRW{wkc: 3, respond: func(data []byte) {
		data[0], data[1] = 0xAA, 0xBB
	}}
	require.NoError(t, g.TxRx(context.Background(), lrw))

	assert.Equal(t, uint32(0x20), lrw.addr)
	assert.Equal(t, []byte{0, 0, 1, 2, 3, 4}, lrw.sent)

	in, out, ok := g.IO(0)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB}, in)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	st := g.Stats()
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, uint16(3), st.LastWkc)
	assert.Zero(t, st.WkcErrors)
}

func TestTxRxWorkingCounterMismatchKeepsPdi(t *testing.T) {
	s := slaveWithIO("drive", 0x1000, 2, 4)
	g := configuredGroup(t, 64, 0, s)

	lrw := &fakeLRW{wkc: 2, respond: func(data []byte) {
		data[0], data[1] = 0x12, 0x34
	}}
	err := g.TxRx(context.Background(), lrw)

	var wc *ecerr.WorkingCounterError
	require.ErrorAs(t, err, &wc)
	assert.Equal(t, uint16(3), wc.Expected)
	assert.Equal(t, uint16(2), wc.Received)
	assert.False(t, ecerr.Fatal(err))

	in, _, ok := g.IO(0)
	require.True(t, ok)
	assert.Equal(t, []byte{0x12, 0x34}, in, "pdi must hold what the network returned")
	assert.Equal(t, uint64(1), g.Stats().WkcErrors)
}

func TestTxRxTransportError(t *testing.T) {
	g := configuredGroup(t, 64, 0, slaveWithIO("drive", 0x1000, 2, 4))
	err := g.TxRx(context.Background(), &fakeLRW{err: ecerr.ErrTimeout})
	assert.ErrorIs(t, err, ecerr.ErrTimeout)
	assert.Equal(t, uint64(1), g.Stats().TransportErrors)
}

func TestIOIsIdempotentAndBounded(t *testing.T) {
	a := slaveWithIO("a", 0x1000, 2, 4)
	b := slaveWithIO("b", 0x1001, 0, 3)
	g := configuredGroup(t, 64, 0, a, b)

	in1, out1, ok := g.IO(0)
	require.True(t, ok)
	in2, out2, _ := g.IO(0)
	assert.Same(t, &in1[0], &in2[0])
	assert.Same(t, &out1[0], &out2[0])
	assert.Equal(t, 2, cap(in1))
	assert.Equal(t, 4, cap(out1))

	// Appending to an output must not spill into the neighbour.
	_ = append(out1, 0xFF)
	_, outB, _ := g.IO(1)
	assert.Equal(t, []byte{0, 0, 0}, outB)

	inB, _, ok := g.IO(1)
	require.True(t, ok)
	assert.Nil(t, inB)

	_, _, ok = g.IO(2)
	assert.False(t, ok)
	_, _, ok = g.IO(-1)
	assert.False(t, ok)
}

func TestGroupContainer(t *testing.T) {
	g1 := configuredGroup(t, 16, 0, slaveWithIO("a", 0x1000, 1, 0))
	g2 := NewSlaveGroup("second", 1, 16, nil)
	gc := NewGroupContainer(g1, g2)

	assert.Equal(t, 2, gc.Len())
	g, ok := gc.ByName("second")
	require.True(t, ok)
	assert.Equal(t, Group(g2), g)
	_, ok = gc.ByName("missing")
	assert.False(t, ok)

	err := gc.TxRxAll(context.Background(), &fakeLRW{wkc: 1})
	assert.ErrorIs(t, err, ecerr.ErrGroupNotConfigured, "unconfigured second group is reported")
	assert.Equal(t, uint64(1), g1.Stats().Cycles, "first group still exchanged")
}
