//go:build !linux

package nic

import (
	"context"
	"errors"
	"net"
)

var errUnsupported = errors.New("raw EtherCAT sockets are only supported on linux")

// RawLink is unavailable on this platform.
type RawLink struct{}

// OpenRaw always fails on this platform.
func OpenRaw(iface string, src net.HardwareAddr) (*RawLink, error) {
	return nil, errUnsupported
}

func (l *RawLink) Source() net.HardwareAddr { return nil }

func (l *RawLink) WriteFrame(context.Context, []byte) error { return errUnsupported }

func (l *RawLink) ReadFrame(context.Context, []byte) (int, error) { return 0, errUnsupported }

func (l *RawLink) Close() error { return nil }
