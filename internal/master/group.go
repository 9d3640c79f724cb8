package master

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/ecerr"
)

// Hook runs once per slave while its group is configured, in PRE-OP with the
// mailbox available and before the process data layout is read back. It may
// block on SDO transfers.
type Hook func(ctx context.Context, s *SlaveRef) error

// LogicalIO is the logical read-write a group needs for cyclic exchange.
type LogicalIO interface {
	LRW(ctx context.Context, addr uint32, data []byte) (uint16, error)
}

// Group is a slave group with its capacity bound erased, so that groups of
// different sizes can be configured and driven uniformly.
type Group interface {
	Name() string
	Len() int
	Slaves() []*Slave
	Push(s *Slave) error
	IO(i int) (inputs, outputs []byte, ok bool)
	TxRx(ctx context.Context, lio LogicalIO) error
	Stats() Stats

	configure(ctx context.Context, c *Client, offset *uint32) error
}

// Stats is a snapshot of a group's cyclic exchange counters.
type Stats struct {
	Name            string
	Slaves          int
	PdiLen          int
	StartAddress    uint32
	ExpectedWkc     uint16
	LastWkc         uint16
	Cycles          uint64
	WkcErrors       uint64
	TransportErrors uint64
	Configured      bool
}

// SlaveGroup owns up to maxSlaves slaves and one process data image of fixed
// capacity. For each slave the image holds its inputs followed by its
// outputs, in the order the slaves were pushed.
type SlaveGroup struct {
	name      string
	maxSlaves int
	hook      Hook

	slaves       []*Slave
	pdi          []byte
	pdiLen       int
	startAddress uint32
	expectedWkc  uint16
	configured   atomic.Bool

	cycles          atomic.Uint64
	wkcErrors       atomic.Uint64
	transportErrors atomic.Uint64
	lastWkc         atomic.Uint32
}

// NewSlaveGroup creates a group holding at most maxSlaves slaves and maxPdi
// bytes of process data. hook may be nil.
func NewSlaveGroup(name string, maxSlaves, maxPdi int, hook Hook) *SlaveGroup {
	return &SlaveGroup{
		name:      name,
		maxSlaves: maxSlaves,
		hook:      hook,
		slaves:    make([]*Slave, 0, maxSlaves),
		pdi:       make([]byte, maxPdi),
	}
}

func (g *SlaveGroup) Name() string { return g.name }

func (g *SlaveGroup) Len() int { return len(g.slaves) }

// Slaves returns the members in configuration order.
func (g *SlaveGroup) Slaves() []*Slave { return append([]*Slave(nil), g.slaves...) }

// Push appends a slave. It fails with ecerr.ErrTooManySlaves once the group
// is full.
func (g *SlaveGroup) Push(s *Slave) error {
	if len(g.slaves) >= g.maxSlaves {
		return fmt.Errorf("%w: %s holds %d", ecerr.ErrTooManySlaves, g.name, g.maxSlaves)
	}
	g.slaves = append(g.slaves, s)
	return nil
}

// PdiLen is the number of PDI bytes in use.
func (g *SlaveGroup) PdiLen() int { return g.pdiLen }

// Capacity is the fixed PDI size.
func (g *SlaveGroup) Capacity() int { return len(g.pdi) }

// StartAddress is the logical address of the first PDI byte.
func (g *SlaveGroup) StartAddress() uint32 { return g.startAddress }

// ExpectedWorkingCounter is the sum of the members' contributions.
func (g *SlaveGroup) ExpectedWorkingCounter() uint16 { return g.expectedWkc }

// Configured reports whether the layout succeeded and the group may exchange.
func (g *SlaveGroup) Configured() bool { return g.configured.Load() }

// layout assigns every member its PDI ranges, starting at logical address
// start. On failure the group stays unconfigured.
func (g *SlaveGroup) layout(start uint32) error {
	g.configured.Store(false)

	pos := 0
	var wkc uint16
	for _, s := range g.slaves {
		s.inputs = pdiRange{start: pos, length: s.Config.Io.Inputs}
		pos += s.Config.Io.Inputs
		s.outputs = pdiRange{start: pos, length: s.Config.Io.Outputs}
		pos += s.Config.Io.Outputs
		wkc += s.WorkingCounter()
	}
	if pos > len(g.pdi) {
		return &ecerr.PdiTooLongError{Desired: len(g.pdi), Required: pos}
	}

	for i, a := range g.slaves {
		if a.inputs.overlaps(a.outputs) {
			return fmt.Errorf("%w: %s inputs overlap outputs", ecerr.ErrInternal, a)
		}
		for _, b := range g.slaves[i+1:] {
			if a.inputs.overlaps(b.inputs) || a.outputs.overlaps(b.outputs) ||
				a.inputs.overlaps(b.outputs) || a.outputs.overlaps(b.inputs) {
				return fmt.Errorf("%w: %s overlaps %s", ecerr.ErrInternal, a, b)
			}
		}
	}

	g.pdiLen = pos
	g.startAddress = start
	g.expectedWkc = wkc
	return nil
}

func (g *SlaveGroup) configure(ctx context.Context, c *Client, offset *uint32) error {
	g.configured.Store(false)
	log := c.log.WithField("group", g.name)

	for _, s := range g.slaves {
		if err := c.configureMailbox(ctx, s); err != nil {
			return err
		}
		if g.hook != nil {
			if err := g.hook(ctx, c.Ref(s)); err != nil {
				return fmt.Errorf("hook for %s: %w", s, err)
			}
		}
		if err := c.readIoSizes(ctx, s); err != nil {
			return err
		}
	}

	start := *offset
	if err := g.layout(start); err != nil {
		return err
	}
	// The whole PDI travels in one LRW.
	if slot := c.loop.Storage().MaxPduData(); g.pdiLen > slot {
		return ecerr.E("configure", ecerr.KindCapacity,
			fmt.Errorf("group %s exceeds one PDU: %w", g.name, &ecerr.PdiTooLongError{Desired: slot, Required: g.pdiLen}))
	}

	for _, s := range g.slaves {
		if err := c.configureProcessData(ctx, s, start); err != nil {
			return err
		}
		if err := c.requestStationState(ctx, s.ConfiguredAddress, StateSafeOp); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"slave":   s.String(),
			"inputs":  s.inputs.length,
			"outputs": s.outputs.length,
		}).Debug("Slave configured")
	}

	*offset = start + uint32(g.pdiLen)
	g.configured.Store(true)
	log.WithFields(logrus.Fields{
		"slaves":  len(g.slaves),
		"pdi_len": g.pdiLen,
		"start":   start,
		"wkc":     g.expectedWkc,
	}).Info("Group configured")
	return nil
}

// IO returns slave i's inputs and outputs inside the PDI. Inputs are the
// values received by the last TxRx; outputs are sent by the next one. Either
// slice is nil when the slave has no data in that direction. ok is false for
// an unconfigured group or an index out of range.
func (g *SlaveGroup) IO(i int) (inputs, outputs []byte, ok bool) {
	if !g.Configured() || i < 0 || i >= len(g.slaves) {
		return nil, nil, false
	}
	s := g.slaves[i]
	if s.inputs.end() > g.pdiLen || s.outputs.end() > g.pdiLen {
		return nil, nil, false
	}
	if s.inputs.length > 0 {
		inputs = g.pdi[s.inputs.start:s.inputs.end():s.inputs.end()]
	}
	if s.outputs.length > 0 {
		outputs = g.pdi[s.outputs.start:s.outputs.end():s.outputs.end()]
	}
	return inputs, outputs, true
}

// TxRx exchanges the whole PDI in one LRW. On a working counter mismatch the
// PDI keeps what the network returned and a *ecerr.WorkingCounterError is
// returned. It must not be called concurrently on the same group.
func (g *SlaveGroup) TxRx(ctx context.Context, lio LogicalIO) error {
	if !g.Configured() {
		return fmt.Errorf("%w: %s", ecerr.ErrGroupNotConfigured, g.name)
	}
	g.cycles.Add(1)
	if g.pdiLen == 0 {
		return nil
	}

	wkc, err := lio.LRW(ctx, g.startAddress, g.pdi[:g.pdiLen])
	if err != nil {
		g.transportErrors.Add(1)
		return fmt.Errorf("group %s: %w", g.name, err)
	}
	g.lastWkc.Store(uint32(wkc))
	if wkc != g.expectedWkc {
		g.wkcErrors.Add(1)
		return &ecerr.WorkingCounterError{Expected: g.expectedWkc, Received: wkc, Context: "group " + g.name}
	}
	return nil
}

// Stats returns a snapshot of the exchange counters. Safe from any goroutine.
func (g *SlaveGroup) Stats() Stats {
	return Stats{
		Name:            g.name,
		Slaves:          len(g.slaves),
		PdiLen:          g.pdiLen,
		StartAddress:    g.startAddress,
		ExpectedWkc:     g.expectedWkc,
		LastWkc:         uint16(g.lastWkc.Load()),
		Cycles:          g.cycles.Load(),
		WkcErrors:       g.wkcErrors.Load(),
		TransportErrors: g.transportErrors.Load(),
		Configured:      g.Configured(),
	}
}

// GroupContainer is the ordered set of groups a Client configures together.
type GroupContainer struct {
	groups []Group
}

// NewGroupContainer keeps groups in the given order.
func NewGroupContainer(groups ...Group) *GroupContainer {
	return &GroupContainer{groups: groups}
}

// Add appends a group.
func (gc *GroupContainer) Add(g Group) { gc.groups = append(gc.groups, g) }

func (gc *GroupContainer) Len() int { return len(gc.groups) }

// Group returns the i-th group.
func (gc *GroupContainer) Group(i int) Group { return gc.groups[i] }

// All returns the groups in order.
func (gc *GroupContainer) All() []Group { return gc.groups }

// ByName finds a group by name.
func (gc *GroupContainer) ByName(name string) (Group, bool) {
	for _, g := range gc.groups {
		if g.Name() == name {
			return g, true
		}
	}
	return nil, false
}

// TxRxAll runs one exchange on every group and joins their errors.
func (gc *GroupContainer) TxRxAll(ctx context.Context, lio LogicalIO) error {
	var errs []error
	for _, g := range gc.groups {
		if err := g.TxRx(ctx, lio); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
