//go:build linux

package nic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"

	"bytemomo/ecmaster/internal/frame"
)

// RawLink sends EtherCAT frames on an interface through an AF_PACKET socket.
type RawLink struct {
	ifi  *net.Interface
	src  net.HardwareAddr
	conn *packet.Conn

	closeOnce sync.Once
	rbuf      []byte // used by the single reader
}

// OpenRaw opens iface for EtherCAT. src overrides the interface MAC as the
// source address of outgoing frames when non-nil.
func OpenRaw(iface string, src net.HardwareAddr) (*RawLink, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	if src == nil {
		src = ifi.HardwareAddr
	}
	if len(src) != 6 {
		return nil, fmt.Errorf("interface %s: no usable MAC address", iface)
	}

	conn, err := packet.Listen(ifi, packet.Raw, frame.EtherType, nil)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", iface, err)
	}
	return &RawLink{
		ifi:  ifi,
		src:  src,
		conn: conn,
		rbuf: make([]byte, max(ifi.MTU, frame.MaxPayloadLen)+14),
	}, nil
}

// Source is the MAC address of outgoing frames.
func (l *RawLink) Source() net.HardwareAddr { return l.src }

// WriteFrame broadcasts payload in an Ethernet frame.
func (l *RawLink) WriteFrame(ctx context.Context, payload []byte) error {
	f := ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      l.src,
		EtherType:   ethernet.EtherType(frame.EtherType),
		Payload:     payload,
	}
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	_, err = l.conn.WriteTo(b, &packet.Addr{HardwareAddr: ethernet.Broadcast})
	return err
}

// ReadFrame returns the next EtherCAT frame that came back from the segment.
// Copies of our own transmissions are skipped: the first slave rewrites the
// source address of every frame it forwards.
func (l *RawLink) ReadFrame(ctx context.Context, buf []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var f ethernet.Frame
	for {
		n, _, err := l.conn.ReadFrom(l.rbuf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}
		if err := f.UnmarshalBinary(l.rbuf[:n]); err != nil {
			continue
		}
		if f.EtherType != ethernet.EtherType(frame.EtherType) || bytes.Equal(f.Source, l.src) {
			continue
		}
		return copy(buf, f.Payload), nil
	}
}

// Close closes the socket.
func (l *RawLink) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}
