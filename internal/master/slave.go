package master

import (
	"context"
	"fmt"

	"bytemomo/ecmaster/internal/coe"
	"bytemomo/ecmaster/internal/ecerr"
	"bytemomo/ecmaster/internal/sii"
)

// IoSizes is the process data a slave exchanges, in bytes.
type IoSizes struct {
	Inputs  int
	Outputs int
}

// SlaveConfig is what the master derives about a slave during bring-up.
type SlaveConfig struct {
	Mailbox      sii.MailboxConfig
	SyncManagers []sii.SyncManager
	FMMUs        []uint8
	Mapping      sii.PdoMapping
	Io           IoSizes
}

// pdiRange is a byte range inside a group's process data image.
type pdiRange struct {
	start  int
	length int
}

func (r pdiRange) end() int { return r.start + r.length }

func (r pdiRange) overlaps(o pdiRange) bool {
	return r.length > 0 && o.length > 0 && r.start < o.end() && o.start < r.end()
}

// Slave is one device on the segment. It is filled in during bring-up and
// read-only afterwards.
type Slave struct {
	Name              string
	Identity          sii.Identity
	Position          uint16
	ConfiguredAddress uint16
	Config            SlaveConfig

	mailbox *coe.Client
	inputs  pdiRange
	outputs pdiRange
}

// WorkingCounter is the amount this slave adds to a group LRW: one for
// reading its inputs, two for writing its outputs.
func (s *Slave) WorkingCounter() uint16 {
	var wkc uint16
	if s.Config.Io.Inputs > 0 {
		wkc++
	}
	if s.Config.Io.Outputs > 0 {
		wkc += 2
	}
	return wkc
}

// InputRange returns the [start, end) offsets of the slave inputs in its group PDI.
func (s *Slave) InputRange() (int, int) { return s.inputs.start, s.inputs.end() }

// OutputRange returns the [start, end) offsets of the slave outputs in its group PDI.
func (s *Slave) OutputRange() (int, int) { return s.outputs.start, s.outputs.end() }

func (s *Slave) String() string {
	return fmt.Sprintf("%s@%#04x", s.Name, s.ConfiguredAddress)
}

// SlaveRef is the handle configuration hooks and applications use to talk to
// one slave outside of cyclic process data.
type SlaveRef struct {
	client *Client
	slave  *Slave
}

// Name returns the slave name.
func (r *SlaveRef) Name() string { return r.slave.Name }

// Identity returns the SII identity.
func (r *SlaveRef) Identity() sii.Identity { return r.slave.Identity }

// Address returns the configured station address.
func (r *SlaveRef) Address() uint16 { return r.slave.ConfiguredAddress }

// Slave returns the underlying slave.
func (r *SlaveRef) Slave() *Slave { return r.slave }

// State reads the current AL state.
func (r *SlaveRef) State(ctx context.Context) (State, error) {
	return r.client.slaveState(ctx, r.slave.ConfiguredAddress)
}

// RequestState moves this slave alone to st and waits for it.
func (r *SlaveRef) RequestState(ctx context.Context, st State) error {
	return r.client.requestStationState(ctx, r.slave.ConfiguredAddress, st)
}

// Upload reads raw object dictionary bytes through the mailbox.
func (r *SlaveRef) Upload(ctx context.Context, index uint16, sub uint8) ([]byte, error) {
	if r.slave.mailbox == nil {
		return nil, ecerr.E("sdo", ecerr.KindProtocol, fmt.Errorf("%s has no CoE mailbox", r.slave))
	}
	return r.slave.mailbox.Upload(ctx, index, sub)
}

// Download writes raw object dictionary bytes through the mailbox.
func (r *SlaveRef) Download(ctx context.Context, index uint16, sub uint8, data []byte) error {
	if r.slave.mailbox == nil {
		return ecerr.E("sdo", ecerr.KindProtocol, fmt.Errorf("%s has no CoE mailbox", r.slave))
	}
	return r.slave.mailbox.Download(ctx, index, sub, data)
}
