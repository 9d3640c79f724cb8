package sim

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"bytemomo/ecmaster/internal/frame"
)

// Segment is a chain of simulated devices behind one master port. Frames
// written to it pass every device in order and come back for ReadFrame.
type Segment struct {
	mu      sync.Mutex
	devices []*Device

	rx        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	drop   atomic.Int64
	frames atomic.Uint64
}

// NewSegment chains devices; the first one is nearest to the master.
func NewSegment(devices ...*Device) *Segment {
	return &Segment{
		devices: devices,
		rx:      make(chan []byte, 256),
		done:    make(chan struct{}),
	}
}

// Devices returns the devices in segment order.
func (s *Segment) Devices() []*Device { return s.devices }

// Drop discards the next n returning frames, as a broken cable would.
func (s *Segment) Drop(n int) { s.drop.Add(int64(n)) }

// Frames is the number of frames processed so far.
func (s *Segment) Frames() uint64 { return s.frames.Load() }

// WriteFrame runs payload through the segment. Frames that do not parse are
// lost, like on a real segment.
func (s *Segment) WriteFrame(ctx context.Context, payload []byte) error {
	b := append([]byte(nil), payload...)
	f, err := frame.Overlay(b)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	for _, d := range s.devices {
		for i := range f.Datagrams {
			d.process(f, i)
		}
	}
	s.mu.Unlock()
	s.frames.Add(1)

	if s.drop.Load() > 0 && s.drop.Add(-1) >= 0 {
		return nil
	}

	select {
	case s.rx <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return io.ErrClosedPipe
	}
}

// ReadFrame returns the next frame that made it back to the master.
func (s *Segment) ReadFrame(ctx context.Context, buf []byte) (int, error) {
	select {
	case b := <-s.rx:
		return copy(buf, b), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, io.EOF
	}
}

// Close makes pending and future reads return io.EOF.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
