// Package capture records EtherCAT traffic to a pcap stream that Wireshark
// can dissect.
package capture

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/logger"
	"bytemomo/ecmaster/internal/nic"
)

const snapLen = 65536

// DefaultSource is the MAC recorded for outgoing frames when none is given.
var DefaultSource = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// Link is a nic.Link that writes every frame it carries to a pcap stream.
// Outgoing frames carry the master's source MAC; returning frames carry it
// with the second bit of the first octet flipped, as the first slave does
// on the wire.
type Link struct {
	link nic.Link
	log  *logrus.Entry

	mu     sync.Mutex
	w      *pcapgo.Writer
	out    net.HardwareAddr
	in     net.HardwareAddr
	frames uint64
	failed bool
}

// Wrap records the traffic of link to w. It writes the pcap file header
// immediately.
func Wrap(link nic.Link, w io.Writer, src net.HardwareAddr, log *logrus.Entry) (*Link, error) {
	if log == nil {
		log = logger.Discard()
	}
	if len(src) == 0 {
		src = DefaultSource
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	in := append(net.HardwareAddr(nil), src...)
	in[0] ^= 0x02
	return &Link{
		link: link,
		log:  log.WithField("component", "capture"),
		w:    pw,
		out:  src,
		in:   in,
	}, nil
}

// WriteFrame records payload as an outbound frame, then transmits it.
func (l *Link) WriteFrame(ctx context.Context, payload []byte) error {
	l.record(l.out, payload)
	return l.link.WriteFrame(ctx, payload)
}

// ReadFrame receives a frame from the wrapped link and records it as inbound.
func (l *Link) ReadFrame(ctx context.Context, buf []byte) (int, error) {
	n, err := l.link.ReadFrame(ctx, buf)
	if err == nil {
		l.record(l.in, buf[:n])
	}
	return n, err
}

// Close closes the wrapped link. The pcap writer is left to the caller.
func (l *Link) Close() error { return l.link.Close() }

// Frames is the number of frames recorded.
func (l *Link) Frames() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames
}

// record never fails the exchange. After the first write error the capture
// stops.
func (l *Link) record(src net.HardwareAddr, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failed {
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetType(frame.EtherType),
	}
	buffer := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buffer, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		l.log.WithError(err).Warn("Could not encode captured frame")
		return
	}
	data := buffer.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}
	if err := l.w.WritePacket(ci, data); err != nil {
		l.failed = true
		l.log.WithError(err).Warn("Capture stopped")
		return
	}
	l.frames++
}
