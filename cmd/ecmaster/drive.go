package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/cia402"
	"bytemomo/ecmaster/internal/config"
	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/master"
)

// Cyclic synchronous velocity layout written by the drive hook.
var (
	driveRxPdo = []uint32{
		0x60400010, // control word
		0x60FF0020, // target velocity
	}
	driveTxPdo = []uint32{
		0x60410010, // status word
		0x60640020, // position actual
		0x606C0020, // velocity actual
	}
)

const (
	driveRxPdoIndex = 0x1600
	driveTxPdoIndex = 0x1A00
)

// driveSetup remaps the first CoE slave matching cfg.Slave for velocity
// control during bring-up and remembers it.
type driveSetup struct {
	cfg config.Drive
	log *logrus.Entry
	ref *master.SlaveRef
}

func newDriveSetup(cfg *config.Drive, log *logrus.Entry) *driveSetup {
	if cfg == nil {
		return nil
	}
	return &driveSetup{cfg: *cfg, log: log.WithField("component", "drive")}
}

// Hook implements master.Hook.
func (d *driveSetup) Hook(ctx context.Context, s *master.SlaveRef) error {
	if d.ref != nil || !s.Slave().Config.Mailbox.CoE() {
		return nil
	}
	if ok, _ := path.Match(d.cfg.Slave, s.Name()); !ok {
		return nil
	}
	if err := remapPdo(ctx, s, driveRxPdoIndex, driveRxPdo); err != nil {
		return err
	}
	if err := remapPdo(ctx, s, driveTxPdoIndex, driveTxPdo); err != nil {
		return err
	}
	if err := assignPdo(ctx, s, master.IndexRxPdoAssign, driveRxPdoIndex); err != nil {
		return err
	}
	if err := assignPdo(ctx, s, master.IndexTxPdoAssign, driveTxPdoIndex); err != nil {
		return err
	}
	if err := master.WriteSDO(ctx, s, cia402.IndexModesOfOperation, 0, int8(cia402.ModeCSV)); err != nil {
		return fmt.Errorf("set mode of operation: %w", err)
	}
	d.ref = s
	d.log.WithField("slave", s.Slave().String()).Info("Drive mapped for cyclic synchronous velocity")
	return nil
}

func remapPdo(ctx context.Context, s master.SDO, index uint16, entries []uint32) error {
	if err := master.WriteSDO(ctx, s, index, 0, uint8(0)); err != nil {
		return fmt.Errorf("clear PDO %#04x: %w", index, err)
	}
	for i, e := range entries {
		if err := master.WriteSDO(ctx, s, index, uint8(i+1), e); err != nil {
			return fmt.Errorf("map %#08x into PDO %#04x: %w", e, index, err)
		}
	}
	return master.WriteSDO(ctx, s, index, 0, uint8(len(entries)))
}

func assignPdo(ctx context.Context, s master.SDO, assign, pdo uint16) error {
	if err := master.WriteSDO(ctx, s, assign, 0, uint8(0)); err != nil {
		return fmt.Errorf("clear assignment %#04x: %w", assign, err)
	}
	if err := master.WriteSDO(ctx, s, assign, 1, pdo); err != nil {
		return fmt.Errorf("assign PDO %#04x: %w", pdo, err)
	}
	return master.WriteSDO(ctx, s, assign, 0, uint8(1))
}

// cycleTime reads the drive's interpolation period.
func (d *driveSetup) cycleTime(ctx context.Context) (time.Duration, error) {
	base, err := master.ReadSDO[uint8](ctx, d.ref, cia402.IndexInterpolationPeriod, 1)
	if err != nil {
		return 0, err
	}
	exp, err := master.ReadSDO[int8](ctx, d.ref, cia402.IndexInterpolationPeriod, 2)
	if err != nil {
		return 0, err
	}
	return cia402.InterpolationPeriod(base, exp), nil
}

// driveController walks a drive to OPERATION_ENABLED and ramps its target
// velocity, one call per cycle.
type driveController struct {
	cfg   config.Drive
	group *master.SlaveGroup
	index int
	log   *logrus.Entry

	state    cia402.State
	seen     bool
	faulted  int
	reset    bool
	velocity int32
}

func newDriveController(cfg config.Drive, group *master.SlaveGroup, index int, log *logrus.Entry) *driveController {
	return &driveController{cfg: cfg, group: group, index: index, log: log}
}

// Step reads the status word received by the last exchange and prepares the
// control word and target velocity for the next one. It fails once the drive
// has been in fault for fault_limit consecutive cycles.
func (c *driveController) Step() error {
	in, out, ok := c.group.IO(c.index)
	if !ok || len(in) < 2 || len(out) < 6 {
		return fmt.Errorf("%w: drive process data not mapped", ecerr.ErrInternal)
	}
	sw := cia402.StatusWord(binary.LittleEndian.Uint16(in))
	st := sw.State()
	if !c.seen || st != c.state {
		c.log.WithFields(logrus.Fields{"state": st.String(), "status": sw.String()}).Info("Drive state changed")
		c.state, c.seen = st, true
	}

	cw := cia402.Next(st)
	switch st {
	case cia402.Fault, cia402.FaultReactionActive:
		c.faulted++
		if c.faulted >= c.cfg.FaultLimit {
			return fmt.Errorf("drive faulted for %d cycles: %w", c.faulted, sw.Fault())
		}
		// Fault reset acts on a rising edge.
		if c.reset {
			cw = cia402.CmdDisableVoltage
		}
		c.reset = !c.reset
		c.velocity = 0
	case cia402.OperationEnabled:
		c.faulted, c.reset = 0, false
		c.velocity = ramp(c.velocity, c.cfg.TargetVelocity, c.cfg.RampStep)
	default:
		c.faulted, c.reset = 0, false
		c.velocity = 0
	}

	binary.LittleEndian.PutUint16(out[0:], uint16(cw))
	binary.LittleEndian.PutUint32(out[2:], uint32(c.velocity))
	return nil
}

func ramp(cur, target, step int32) int32 {
	switch {
	case cur < target:
		return min(cur+step, target)
	case cur > target:
		return max(cur-step, target)
	}
	return cur
}
