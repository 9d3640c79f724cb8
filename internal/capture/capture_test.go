package capture

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/sim"
)

func brd(t *testing.T) []byte {
	t.Helper()
	f := frame.Frame{Datagrams: []frame.Datagram{{
		Header: frame.DatagramHeader{Command: frame.BRD, Address: uint32(frame.RegType) << 16},
		Data:   make([]byte, 2),
	}}}
	b, err := f.Build()
	require.NoError(t, err)
	return b
}

func TestWrapRecordsBothDirections(t *testing.T) {
	var out bytes.Buffer
	seg := sim.NewSegment(sim.NewCoupler("a"), sim.NewCoupler("b"))
	link, err := Wrap(seg, &out, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := brd(t)
	require.NoError(t, link.WriteFrame(ctx, req))
	buf := make([]byte, frame.MaxPayloadLen)
	n, err := link.ReadFrame(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), link.Frames())

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	var wkcs []uint16
	var sources []string
	for range 2 {
		data, _, err := r.ReadPacketData()
		require.NoError(t, err)
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		require.True(t, ok)
		assert.Equal(t, layers.EthernetType(frame.EtherType), eth.EthernetType)
		assert.Equal(t, layers.EthernetBroadcast, eth.DstMAC)
		sources = append(sources, eth.SrcMAC.String())

		_, _, wkc, err := frame.DecodeSingle(eth.Payload[:len(req)])
		require.NoError(t, err)
		wkcs = append(wkcs, wkc)
	}
	assert.Equal(t, []uint16{0, 2}, wkcs)
	assert.Equal(t, []string{"02:00:00:00:00:01", "00:00:00:00:00:01"}, sources)
	assert.Equal(t, req[:frame.HeaderLen], buf[:frame.HeaderLen])
	assert.Equal(t, len(req), n)

	require.NoError(t, link.Close())
}

type failWriter struct{ n int }

func (w *failWriter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, errors.New("disk full")
	}
	w.n--
	return len(p), nil
}

func TestCaptureFailureDoesNotBreakTheLink(t *testing.T) {
	// The file header succeeds, the first record does not.
	link, err := Wrap(sim.NewSegment(sim.NewCoupler("a")), &failWriter{n: 1}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		require.NoError(t, link.WriteFrame(ctx, brd(t)))
		_, err := link.ReadFrame(ctx, make([]byte, frame.MaxPayloadLen))
		require.NoError(t, err)
	}
	assert.Zero(t, link.Frames())
}
