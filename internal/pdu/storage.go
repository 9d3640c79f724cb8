// Package pdu correlates EtherCAT datagrams with their responses.
//
// Storage is a fixed pool of frame slots allocated once. Each slot moves
// through a small state machine; every transition is a compare-and-swap on the
// slot's state word, and whichever side wins a transition owns the slot buffer
// until it hands it on. No mutex is held between the requesting goroutine and
// the network task.
package pdu

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
)

const (
	// DefaultMaxFrames is the slot count used when none is configured.
	DefaultMaxFrames = 16
	// DefaultMaxPduData is the per-slot data capacity used when none is configured.
	DefaultMaxPduData = frame.MaxDataLen
)

type slotState uint32

const (
	stateFree slotState = iota
	stateBuilding
	stateSendable
	stateSending
	stateSent
	stateReceiving
	stateReceived
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateBuilding:
		return "building"
	case stateSendable:
		return "sendable"
	case stateSending:
		return "sending"
	case stateSent:
		return "sent"
	case stateReceiving:
		return "receiving"
	case stateReceived:
		return "received"
	}
	return fmt.Sprintf("slotState(%d)", uint32(s))
}

type result struct {
	wkc uint16
	err error
}

type slot struct {
	state atomic.Uint32

	// Written by the owner while Building, read by the network task once the
	// slot is published as Sendable.
	index   uint8
	command frame.Command
	length  uint16
	size    int

	buf   []byte
	done  chan result
	timer *time.Timer
}

func (s *slot) load() slotState { return slotState(s.state.Load()) }

func (s *slot) cas(from, to slotState) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

func (s *slot) store(st slotState) { s.state.Store(uint32(st)) }

// payload is the datagram data section of the slot buffer.
func (s *slot) payload() []byte {
	return s.buf[frame.HeaderLen+frame.DatagramHeaderLen:]
}

// Storage is the fixed-capacity pool of frame slots.
type Storage struct {
	slots      []slot
	mask       uint32
	maxPduData int
	next       atomic.Uint32
}

// NewStorage allocates maxFrames slots able to carry maxPduData bytes each.
// maxFrames must be a power of two no larger than 256 so that the 8-bit
// datagram index maps onto slots without overlap.
func NewStorage(maxFrames, maxPduData int) (*Storage, error) {
	if maxFrames < 1 || maxFrames > 256 || bits.OnesCount(uint(maxFrames)) != 1 {
		return nil, ecerr.E("storage", ecerr.KindCapacity,
			fmt.Errorf("max frames must be a power of two in [1,256], got %d", maxFrames))
	}
	if maxPduData < 1 || maxPduData > frame.MaxDataLen {
		return nil, ecerr.E("storage", ecerr.KindCapacity,
			fmt.Errorf("max pdu data must be in [1,%d], got %d", frame.MaxDataLen, maxPduData))
	}

	s := &Storage{
		slots:      make([]slot, maxFrames),
		mask:       uint32(maxFrames - 1),
		maxPduData: maxPduData,
	}
	for i := range s.slots {
		sl := &s.slots[i]
		sl.buf = make([]byte, frame.FrameLen(maxPduData))
		sl.done = make(chan result, 1)
		sl.timer = time.NewTimer(time.Hour)
		sl.timer.Stop()
	}
	return s, nil
}

// MaxFrames returns the number of slots.
func (s *Storage) MaxFrames() int { return len(s.slots) }

// MaxPduData returns the data capacity of one slot.
func (s *Storage) MaxPduData() int { return s.maxPduData }

// InFlight counts slots that are not free.
func (s *Storage) InFlight() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].load() != stateFree {
			n++
		}
	}
	return n
}

// claim takes ownership of a free slot and stamps it with a fresh index. It
// tries at most one full round of indices and never blocks.
func (s *Storage) claim() (*slot, error) {
	for range len(s.slots) {
		idx := s.next.Add(1) - 1
		sl := &s.slots[idx&s.mask]
		if sl.cas(stateFree, stateBuilding) {
			sl.index = uint8(idx)
			return sl, nil
		}
	}
	return nil, ecerr.ErrNoAvailableFrames
}

// release hands a slot owned by the requester back to the pool. Any completion
// left in the channel is dropped so the next holder starts clean.
func (s *Storage) release(sl *slot) {
	select {
	case <-sl.done:
	default:
	}
	sl.store(stateFree)
}

// lookup returns the slot that owns index idx.
func (s *Storage) lookup(idx uint8) *slot {
	return &s.slots[uint32(idx)&s.mask]
}
