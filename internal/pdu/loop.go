package pdu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/logger"
)

// DefaultTimeout bounds how long a PDU waits for its response.
const DefaultTimeout = 30 * time.Millisecond

// Loop issues PDUs over a Storage and matches responses by datagram index.
//
// Requesters call Issue. The network task waits on Wake, drains sendable
// frames with SendFrames and hands every received frame to Deliver.
type Loop struct {
	storage *Storage
	timeout time.Duration
	log     *logrus.Entry

	wake      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewLoop creates a loop over storage. A zero timeout selects DefaultTimeout.
func NewLoop(storage *Storage, timeout time.Duration, log *logrus.Entry) *Loop {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Loop{
		storage: storage,
		timeout: timeout,
		log:     log.WithField("component", "pdu"),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// Storage returns the slot pool backing the loop.
func (l *Loop) Storage() *Storage { return l.storage }

// Timeout returns the per-PDU response timeout.
func (l *Loop) Timeout() time.Duration { return l.timeout }

// Issue sends one datagram and waits for its response. data holds the
// outgoing payload and is overwritten with the response payload. The returned
// working counter is whatever the slaves reported.
func (l *Loop) Issue(ctx context.Context, cmd frame.Command, addr uint32, data []byte) (uint16, error) {
	if l.closed.Load() {
		return 0, ecerr.ErrClosed
	}
	if len(data) > l.storage.maxPduData {
		return 0, ecerr.E("pdu", ecerr.KindCapacity,
			fmt.Errorf("%s payload of %d bytes exceeds slot capacity %d", cmd, len(data), l.storage.maxPduData))
	}

	sl, err := l.storage.claim()
	if err != nil {
		return 0, err
	}
	defer l.storage.release(sl)

	n := len(data)
	payload := sl.payload()
	copy(payload[:n], data)
	sl.command = cmd
	sl.length = uint16(n)
	sl.size, err = frame.EncodeSingle(sl.buf, frame.DatagramHeader{
		Command: cmd,
		Index:   sl.index,
		Address: addr,
		Length:  uint16(n),
	}, 0)
	if err != nil {
		return 0, err
	}

	sl.store(stateSendable)
	l.signal()

	res, err := l.wait(ctx, sl)
	if err != nil {
		return 0, err
	}
	copy(data, payload[:n])
	return res.wkc, nil
}

// IssueExpect is Issue followed by a working counter check.
func (l *Loop) IssueExpect(ctx context.Context, cmd frame.Command, addr uint32, data []byte, expected uint16, what string) error {
	wkc, err := l.Issue(ctx, cmd, addr, data)
	if err != nil {
		return err
	}
	if wkc != expected {
		return &ecerr.WorkingCounterError{Expected: expected, Received: wkc, Context: what}
	}
	return nil
}

func (l *Loop) wait(ctx context.Context, sl *slot) (result, error) {
	sl.timer.Reset(l.timeout)
	defer sl.timer.Stop()

	var abort error
	select {
	case res := <-sl.done:
		return res, res.err
	case <-sl.timer.C:
		abort = ecerr.ErrTimeout
	case <-ctx.Done():
		abort = ctx.Err()
	case <-l.closing:
		abort = ecerr.ErrClosed
	}

	if l.reclaim(sl) {
		if abort == ecerr.ErrTimeout && l.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			l.log.WithFields(logrus.Fields{"index": sl.index, "command": sl.command}).Debug("pdu timed out")
		}
		return result{}, abort
	}
	// The network task already owns the slot; its completion wins.
	res := <-sl.done
	return res, res.err
}

// reclaim takes the slot back from the network task unless a completion has
// already been posted. Sending and Receiving are short critical sections of
// the network task, so reclaim yields until they resolve.
func (l *Loop) reclaim(sl *slot) bool {
	for {
		switch st := sl.load(); st {
		case stateSendable, stateSent:
			if sl.cas(st, stateBuilding) {
				return true
			}
		case stateSending, stateReceiving:
			runtime.Gosched()
		default:
			return false
		}
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled whenever a frame becomes sendable.
func (l *Loop) Wake() <-chan struct{} { return l.wake }

// Done is closed by Close.
func (l *Loop) Done() <-chan struct{} { return l.closing }

// SendFrames passes every sendable frame to send. A frame that fails to send
// completes its request with the error; the first such error is returned once
// all frames have been offered.
func (l *Loop) SendFrames(send func(frame []byte) error) error {
	var first error
	for i := range l.storage.slots {
		sl := &l.storage.slots[i]
		if !sl.cas(stateSendable, stateSending) {
			continue
		}
		if err := send(sl.buf[:sl.size]); err != nil {
			sl.store(stateReceived)
			sl.done <- result{err: fmt.Errorf("send %s index %d: %w", sl.command, sl.index, err)}
			if first == nil {
				first = err
			}
			continue
		}
		sl.store(stateSent)
	}
	return first
}

// Deliver matches a received frame against the in-flight requests. Frames
// whose index, command or length do not match a sent request are stale and
// reported with ecerr.ErrStaleResponse.
func (l *Loop) Deliver(b []byte) error {
	h, data, wkc, err := frame.DecodeSingle(b)
	if err != nil {
		return err
	}

	sl := l.storage.lookup(h.Index)
	// A fast link can answer before SendFrames has marked the slot sent.
	for sl.load() == stateSending {
		runtime.Gosched()
	}
	if !sl.cas(stateSent, stateReceiving) {
		return fmt.Errorf("%w: %s index %d", ecerr.ErrStaleResponse, h.Command, h.Index)
	}
	if sl.index != h.Index || sl.command != h.Command || sl.length != h.Length {
		sl.store(stateSent)
		return fmt.Errorf("%w: %s index %d", ecerr.ErrStaleResponse, h.Command, h.Index)
	}

	copy(sl.payload(), data)
	sl.store(stateReceived)
	sl.done <- result{wkc: wkc}
	return nil
}

// Close fails every waiting and future request with ecerr.ErrClosed.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.closing)
	})
}
