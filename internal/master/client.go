// Package master brings an EtherCAT segment up and exchanges process data
// with it.
//
// A Client owns the PDU loop. During Init it discovers the slaves, assigns
// station addresses, reads their SII and walks every group of a
// GroupContainer through PRE-OP and SAFE-OP, laying out each group's process
// data image. Afterwards the application requests OP and calls TxRx on each
// group once per cycle.
package master

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/frame"
	"bytemomo/ecmaster/internal/logger"
	"bytemomo/ecmaster/internal/pdu"
	"bytemomo/ecmaster/internal/sii"
	"bytemomo/ecmaster/internal/vendor"
)

// BaseStationAddress is the configured address given to the first slave.
const BaseStationAddress = 0x1000

// Timeouts groups the bounds applied during bring-up and operation.
type Timeouts struct {
	Pdu             time.Duration // one datagram round trip
	StateTransition time.Duration // one AL state change
	Eeprom          time.Duration // one SII access
	Mailbox         time.Duration // one SDO round trip
	WaitLoopDelay   time.Duration // polling interval for state changes
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Pdu:             pdu.DefaultTimeout,
		StateTransition: 5 * time.Second,
		Eeprom:          sii.DefaultTimeout,
		Mailbox:         time.Second,
		WaitLoopDelay:   time.Millisecond,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Pdu <= 0 {
		t.Pdu = d.Pdu
	}
	if t.StateTransition <= 0 {
		t.StateTransition = d.StateTransition
	}
	if t.Eeprom <= 0 {
		t.Eeprom = d.Eeprom
	}
	if t.Mailbox <= 0 {
		t.Mailbox = d.Mailbox
	}
	if t.WaitLoopDelay <= 0 {
		t.WaitLoopDelay = d.WaitLoopDelay
	}
	return t
}

// AssignFunc picks the group a discovered slave belongs to.
type AssignFunc func(groups *GroupContainer, s *Slave) (Group, error)

// Client is the user-facing handle on one EtherCAT segment.
type Client struct {
	loop     *pdu.Loop
	timeouts Timeouts
	log      *logrus.Entry

	mu     sync.RWMutex
	slaves []*Slave
}

// NewClient creates a client issuing PDUs over storage. The network task must
// be started separately on Loop().
func NewClient(storage *pdu.Storage, timeouts Timeouts, log *logrus.Entry) *Client {
	if log == nil {
		log = logger.Discard()
	}
	timeouts = timeouts.withDefaults()
	return &Client{
		loop:     pdu.NewLoop(storage, timeouts.Pdu, log),
		timeouts: timeouts,
		log:      log.WithField("component", "master"),
	}
}

// Loop returns the PDU loop the network task must serve.
func (c *Client) Loop() *pdu.Loop { return c.loop }

// Timeouts returns the effective timeouts.
func (c *Client) Timeouts() Timeouts { return c.timeouts }

// Close fails all pending and future PDUs.
func (c *Client) Close() { c.loop.Close() }

// NumSlaves returns the number of slaves found by Init.
func (c *Client) NumSlaves() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slaves)
}

// Slaves returns the discovered slaves in segment order.
func (c *Client) Slaves() []*Slave {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Slave(nil), c.slaves...)
}

// Slave looks a slave up by configured station address.
func (c *Client) Slave(station uint16) (*Slave, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.slaves {
		if s.ConfiguredAddress == station {
			return s, true
		}
	}
	return nil, false
}

// Ref returns the handle for s.
func (c *Client) Ref(s *Slave) *SlaveRef { return &SlaveRef{client: c, slave: s} }

// BRD broadcasts a read of register. Every slave ORs its value in.
func (c *Client) BRD(ctx context.Context, register uint16, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.BRD, uint32(register)<<16, data)
}

// BWR broadcasts a write of register.
func (c *Client) BWR(ctx context.Context, register uint16, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.BWR, uint32(register)<<16, data)
}

// APRD reads register from the slave at position.
func (c *Client) APRD(ctx context.Context, position, register uint16, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.APRD, frame.PositionAddress(position, register), data)
}

// APWR writes register on the slave at position.
func (c *Client) APWR(ctx context.Context, position, register uint16, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.APWR, frame.PositionAddress(position, register), data)
}

// FPRD reads register from the slave with station address station.
func (c *Client) FPRD(ctx context.Context, station, register uint16, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.FPRD, frame.StationAddress(station, register), data)
}

// FPWR writes register on the slave with station address station.
func (c *Client) FPWR(ctx context.Context, station, register uint16, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.FPWR, frame.StationAddress(station, register), data)
}

// LRD reads the logical address space.
func (c *Client) LRD(ctx context.Context, addr uint32, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.LRD, addr, data)
}

// LWR writes the logical address space.
func (c *Client) LWR(ctx context.Context, addr uint32, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.LWR, addr, data)
}

// LRW exchanges data with the logical address space in one datagram.
func (c *Client) LRW(ctx context.Context, addr uint32, data []byte) (uint16, error) {
	return c.loop.Issue(ctx, frame.LRW, addr, data)
}

func expect(wkc uint16, err error, want uint16, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if wkc != want {
		return &ecerr.WorkingCounterError{Expected: want, Received: wkc, Context: what}
	}
	return nil
}

// BWRExpect is BWR requiring every one of n slaves to answer.
func (c *Client) BWRExpect(ctx context.Context, register uint16, data []byte, n uint16) error {
	wkc, err := c.BWR(ctx, register, data)
	return expect(wkc, err, n, fmt.Sprintf("BWR %#04x", register))
}

// APWRExpect is APWR requiring the addressed slave to answer.
func (c *Client) APWRExpect(ctx context.Context, position, register uint16, data []byte) error {
	wkc, err := c.APWR(ctx, position, register, data)
	return expect(wkc, err, 1, fmt.Sprintf("APWR %d/%#04x", position, register))
}

// FPRDExpect is FPRD requiring the addressed slave to answer.
func (c *Client) FPRDExpect(ctx context.Context, station, register uint16, data []byte) error {
	wkc, err := c.FPRD(ctx, station, register, data)
	return expect(wkc, err, 1, fmt.Sprintf("FPRD %#04x/%#04x", station, register))
}

// FPWRExpect is FPWR requiring the addressed slave to answer.
func (c *Client) FPWRExpect(ctx context.Context, station, register uint16, data []byte) error {
	wkc, err := c.FPWR(ctx, station, register, data)
	return expect(wkc, err, 1, fmt.Sprintf("FPWR %#04x/%#04x", station, register))
}

// LRWExpect is LRW checking the working counter.
func (c *Client) LRWExpect(ctx context.Context, addr uint32, data []byte, want uint16) error {
	wkc, err := c.LRW(ctx, addr, data)
	return expect(wkc, err, want, fmt.Sprintf("LRW %#08x", addr))
}

// ReadRegister reads a register of one slave.
func (c *Client) ReadRegister(ctx context.Context, station, register uint16, data []byte) error {
	return c.FPRDExpect(ctx, station, register, data)
}

// WriteRegister writes a register of one slave.
func (c *Client) WriteRegister(ctx context.Context, station, register uint16, data []byte) error {
	return c.FPWRExpect(ctx, station, register, data)
}

// countSlaves broadcasts a read of the type register; every slave increments
// the working counter once.
func (c *Client) countSlaves(ctx context.Context) (int, error) {
	wkc, err := c.BRD(ctx, frame.RegType, make([]byte, 2))
	if err != nil {
		return 0, fmt.Errorf("count slaves: %w", err)
	}
	return int(wkc), nil
}

// clearRegisters zeroes n bytes from register on every slave, split to fit
// the PDU capacity.
func (c *Client) clearRegisters(ctx context.Context, register uint16, n int, slaves uint16) error {
	chunk := c.loop.Storage().MaxPduData()
	for off := 0; off < n; off += chunk {
		size := min(chunk, n-off)
		if err := c.BWRExpect(ctx, register+uint16(off), make([]byte, size), slaves); err != nil {
			return err
		}
	}
	return nil
}

// reset puts every slave in INIT and clears FMMU and SM configuration.
func (c *Client) reset(ctx context.Context, n uint16) error {
	ctrl := make([]byte, 2)
	binary.LittleEndian.PutUint16(ctrl, uint16(StateInit)|alErrorFlag) // acknowledge errors too
	if err := c.BWRExpect(ctx, frame.RegALControl, ctrl, n); err != nil {
		return err
	}
	if err := c.clearRegisters(ctx, frame.RegFMMU, frame.MaxFMMUs*frame.FMMULen, n); err != nil {
		return err
	}
	return c.clearRegisters(ctx, frame.RegSM, frame.MaxSMs*frame.SMLen, n)
}

// Init discovers the segment, places each slave in a group with assign and
// configures every group of groups in order, leaving all slaves in SAFE-OP.
func (c *Client) Init(ctx context.Context, groups *GroupContainer, assign AssignFunc) error {
	n, err := c.countSlaves(ctx)
	if err != nil {
		return err
	}
	c.log.WithField("slaves", n).Info("Discovered EtherCAT slaves")
	if n == 0 {
		return c.configureGroups(ctx, groups)
	}

	if err := c.reset(ctx, uint16(n)); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	slaves := make([]*Slave, 0, n)
	for pos := range n {
		station := uint16(BaseStationAddress + pos)
		addr := make([]byte, 2)
		binary.LittleEndian.PutUint16(addr, station)
		if err := c.APWRExpect(ctx, uint16(pos), frame.RegStationAddr, addr); err != nil {
			return fmt.Errorf("assign station address to slave %d: %w", pos, err)
		}
		slaves = append(slaves, &Slave{Position: uint16(pos), ConfiguredAddress: station})
	}

	for _, s := range slaves {
		if err := c.waitState(ctx, s.ConfiguredAddress, StateInit); err != nil {
			return err
		}
		if err := c.readSlave(ctx, s); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.slaves = slaves
	c.mu.Unlock()

	for _, s := range slaves {
		g, err := assign(groups, s)
		if err != nil {
			return fmt.Errorf("assign %s: %w", s, err)
		}
		if g == nil {
			c.log.WithField("slave", s.String()).Debug("Slave not assigned to a group")
			continue
		}
		if err := g.Push(s); err != nil {
			return ecerr.E("init", ecerr.KindCapacity, fmt.Errorf("group %s: %w", g.Name(), err))
		}
	}

	return c.configureGroups(ctx, groups)
}

// configureGroups configures every group in order at consecutive logical
// addresses. Empty groups configure with a zero-length PDI.
func (c *Client) configureGroups(ctx context.Context, groups *GroupContainer) error {
	var offset uint32
	for _, g := range groups.All() {
		if err := g.configure(ctx, c, &offset); err != nil {
			return fmt.Errorf("configure group %s: %w", g.Name(), err)
		}
	}
	return nil
}

// readSlave fills identity, name and SII configuration of s.
func (c *Client) readSlave(ctx context.Context, s *Slave) error {
	info, err := sii.NewReader(c, s.ConfiguredAddress, c.timeouts.Eeprom).ReadInfo(ctx)
	if err != nil {
		return fmt.Errorf("read sii of slave %d: %w", s.Position, err)
	}

	s.Identity = info.Identity
	s.Name = info.Name
	if s.Name == "" {
		s.Name = vendor.Describe(info.Identity.VendorID, info.Identity.ProductCode)
	}
	s.Config = SlaveConfig{
		Mailbox:      info.Mailbox,
		SyncManagers: info.SyncManagers,
		FMMUs:        info.FMMUs,
		Mapping:      info.Mapping,
	}

	c.log.WithFields(logrus.Fields{
		"slave":    s.String(),
		"vendor":   vendor.LookupVendor(info.Identity.VendorID),
		"identity": info.Identity.String(),
	}).Info("Found slave")
	return nil
}

func (c *Client) slaveState(ctx context.Context, station uint16) (State, error) {
	buf := make([]byte, 2)
	if err := c.FPRDExpect(ctx, station, frame.RegALStatus, buf); err != nil {
		return StateNone, err
	}
	st, _ := alStatus(binary.LittleEndian.Uint16(buf))
	return st, nil
}

// stateError builds the error for a slave that did not reach want, including
// the AL status code it reports.
func (c *Client) stateError(ctx context.Context, station uint16, want, got State) error {
	code := make([]byte, 2)
	var status uint16
	if err := c.FPRDExpect(ctx, station, frame.RegALCode, code); err == nil {
		status = binary.LittleEndian.Uint16(code)
	}
	return &ecerr.StateError{
		Station:    station,
		Requested:  want.String(),
		Actual:     got.String(),
		StatusCode: status,
	}
}

// waitState polls the AL status of station until it reports st.
func (c *Client) waitState(ctx context.Context, station uint16, st State) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.StateTransition)
	defer cancel()
	ticker := time.NewTicker(c.timeouts.WaitLoopDelay)
	defer ticker.Stop()

	buf := make([]byte, 2)
	last := StateNone
	for {
		if err := c.FPRDExpect(ctx, station, frame.RegALStatus, buf); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return c.stateError(context.WithoutCancel(ctx), station, st, last)
			}
			return err
		}
		cur, failed := alStatus(binary.LittleEndian.Uint16(buf))
		last = cur
		if cur == st && !failed {
			return nil
		}
		if failed {
			return c.stateError(ctx, station, st, cur)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return c.stateError(context.WithoutCancel(ctx), station, st, last)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// requestStationState moves one slave to st.
func (c *Client) requestStationState(ctx context.Context, station uint16, st State) error {
	ctrl := make([]byte, 2)
	binary.LittleEndian.PutUint16(ctrl, uint16(st))
	if err := c.FPWRExpect(ctx, station, frame.RegALControl, ctrl); err != nil {
		return err
	}
	return c.waitState(ctx, station, st)
}

// RequestSlaveState moves every slave on the segment to st.
func (c *Client) RequestSlaveState(ctx context.Context, st State) error {
	slaves := c.Slaves()
	if len(slaves) == 0 {
		return nil
	}

	ctrl := make([]byte, 2)
	binary.LittleEndian.PutUint16(ctrl, uint16(st))
	if err := c.BWRExpect(ctx, frame.RegALControl, ctrl, uint16(len(slaves))); err != nil {
		return err
	}

	for _, s := range slaves {
		if err := c.waitState(ctx, s.ConfiguredAddress, st); err != nil {
			return err
		}
	}
	c.log.WithField("state", st.String()).Info("All slaves reached state")
	return nil
}
