// Package config loads the YAML configuration of the ecmaster binary.
package config

import (
	"fmt"
	"net"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"bytemomo/ecmaster/internal/frame"
)

// Config is the top-level configuration file.
type Config struct {
	Interface string        `yaml:"interface"`
	SourceMAC string        `yaml:"source_mac"`
	CycleTime time.Duration `yaml:"cycle_time"`
	Storage   Storage       `yaml:"storage"`
	Timeouts  Timeouts      `yaml:"timeouts"`
	Groups    []Group       `yaml:"groups"`
	Log       Log           `yaml:"log"`
	Capture   Capture       `yaml:"capture"`
	Telemetry Telemetry     `yaml:"telemetry"`
	Simulate  *Simulate     `yaml:"simulate,omitempty"`
	Drive     *Drive        `yaml:"drive,omitempty"`
}

// Storage sizes the PDU slot pool.
type Storage struct {
	MaxFrames  int `yaml:"max_frames"`
	MaxPduData int `yaml:"max_pdu_data"`
}

// Timeouts overrides the master timeouts. Zero keeps the built-in value.
type Timeouts struct {
	Pdu             time.Duration `yaml:"pdu"`
	StateTransition time.Duration `yaml:"state_transition"`
	Eeprom          time.Duration `yaml:"eeprom"`
	Mailbox         time.Duration `yaml:"mailbox"`
	WaitLoopDelay   time.Duration `yaml:"wait_loop_delay"`
}

// Group declares a slave group. Slaves whose name matches one of the Match
// glob patterns join it; a group without patterns takes every slave no other
// group claimed.
type Group struct {
	Name      string   `yaml:"name"`
	MaxSlaves int      `yaml:"max_slaves"`
	MaxPdi    int      `yaml:"max_pdi"`
	Match     []string `yaml:"match"`
}

// CatchAll reports whether the group takes unmatched slaves.
func (g Group) CatchAll() bool { return len(g.Match) == 0 }

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type Capture struct {
	File string `yaml:"file"`
}

// Telemetry is disabled while Broker is empty.
type Telemetry struct {
	Broker   string        `yaml:"broker"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether a broker is configured.
func (t Telemetry) Enabled() bool { return t.Broker != "" }

// Simulated slave kinds.
const (
	KindCoupler = "coupler"
	KindInputs  = "inputs"
	KindOutputs = "outputs"
	KindServo   = "servo"
)

// Simulate replaces the network interface with a simulated segment.
type Simulate struct {
	Slaves []SimSlave `yaml:"slaves"`
}

// SimSlave is one simulated device. Size is the number of process data bytes
// of digital terminals.
type SimSlave struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
}

// Drive enables the CiA 402 velocity demo on the first slave whose name
// matches Slave.
type Drive struct {
	Slave          string `yaml:"slave"`
	TargetVelocity int32  `yaml:"target_velocity"`
	RampStep       int32  `yaml:"ramp_step"`
	FaultLimit     int    `yaml:"fault_limit"`
}

// Default returns the configuration used without a file: a simulated segment
// with one terminal of each kind and a servo drive.
func Default() *Config {
	cfg := &Config{
		Simulate: &Simulate{},
		Drive:    &Drive{Slave: "ELP-*", TargetVelocity: 10000},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset values. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.CycleTime == 0 {
		c.CycleTime = 2 * time.Millisecond
	}
	if c.Storage.MaxFrames == 0 {
		c.Storage.MaxFrames = 16
	}
	if c.Storage.MaxPduData == 0 {
		c.Storage.MaxPduData = frame.MaxDataLen
	}
	if len(c.Groups) == 0 {
		c.Groups = []Group{{Name: "default"}}
	}
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.MaxSlaves == 0 {
			g.MaxSlaves = 16
		}
		if g.MaxPdi == 0 {
			g.MaxPdi = 256
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Telemetry.Enabled() {
		if c.Telemetry.Topic == "" {
			c.Telemetry.Topic = "ecmaster/status"
		}
		if c.Telemetry.ClientID == "" {
			c.Telemetry.ClientID = "ecmaster"
		}
		if c.Telemetry.Interval == 0 {
			c.Telemetry.Interval = time.Second
		}
	}
	if c.Simulate != nil && len(c.Simulate.Slaves) == 0 {
		c.Simulate.Slaves = []SimSlave{
			{Kind: KindCoupler, Name: "EK1100"},
			{Kind: KindInputs, Name: "EL1008", Size: 1},
			{Kind: KindOutputs, Name: "EL2008", Size: 1},
			{Kind: KindServo, Name: "ELP-EC400S"},
		}
	}
	if d := c.Drive; d != nil {
		if d.RampStep == 0 {
			d.RampStep = 100
		}
		if d.FaultLimit == 0 {
			d.FaultLimit = 10
		}
	}
}

// ConfigError is a validation failure.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if c.Interface == "" && c.Simulate == nil {
		return invalid("interface", "required unless simulate is set")
	}
	if c.SourceMAC != "" {
		if _, err := net.ParseMAC(c.SourceMAC); err != nil {
			return invalid("source_mac", "%v", err)
		}
	}
	if c.CycleTime <= 0 {
		return invalid("cycle_time", "must be positive")
	}

	n := c.Storage.MaxFrames
	if n < 1 || n > 256 || n&(n-1) != 0 {
		return invalid("storage.max_frames", "%d is not a power of two in [1, 256]", n)
	}
	if c.Storage.MaxPduData < 1 || c.Storage.MaxPduData > frame.MaxDataLen {
		return invalid("storage.max_pdu_data", "%d is outside [1, %d]", c.Storage.MaxPduData, frame.MaxDataLen)
	}

	for name, d := range map[string]time.Duration{
		"timeouts.pdu":              c.Timeouts.Pdu,
		"timeouts.state_transition": c.Timeouts.StateTransition,
		"timeouts.eeprom":           c.Timeouts.Eeprom,
		"timeouts.mailbox":          c.Timeouts.Mailbox,
		"timeouts.wait_loop_delay":  c.Timeouts.WaitLoopDelay,
		"telemetry.interval":        c.Telemetry.Interval,
	} {
		if d < 0 {
			return invalid(name, "must not be negative")
		}
	}

	if err := c.validateGroups(); err != nil {
		return err
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format", "must be 'text' or 'json'")
	}

	if c.Simulate != nil {
		for i, s := range c.Simulate.Slaves {
			field := fmt.Sprintf("simulate.slaves[%d]", i)
			switch s.Kind {
			case KindCoupler, KindServo:
			case KindInputs, KindOutputs:
				if s.Size < 1 {
					return invalid(field, "%s terminal needs a size", s.Kind)
				}
			default:
				return invalid(field, "unknown kind %q", s.Kind)
			}
		}
	}

	if d := c.Drive; d != nil {
		if d.Slave == "" {
			return invalid("drive.slave", "required")
		}
		if d.RampStep <= 0 {
			return invalid("drive.ramp_step", "must be positive")
		}
		if d.FaultLimit < 1 {
			return invalid("drive.fault_limit", "must be at least 1")
		}
	}
	return nil
}

func (c *Config) validateGroups() error {
	seen := make(map[string]bool, len(c.Groups))
	catchAll := ""
	for i, g := range c.Groups {
		field := fmt.Sprintf("groups[%d]", i)
		if g.Name == "" {
			return invalid(field, "name is required")
		}
		if seen[g.Name] {
			return invalid(field, "duplicate group name %q", g.Name)
		}
		seen[g.Name] = true
		if g.MaxSlaves < 1 {
			return invalid(field, "max_slaves must be at least 1")
		}
		if g.MaxPdi < 1 {
			return invalid(field, "max_pdi must be at least 1")
		}
		if g.MaxPdi > c.Storage.MaxPduData {
			return invalid(field, "max_pdi %d exceeds storage.max_pdu_data %d", g.MaxPdi, c.Storage.MaxPduData)
		}
		for _, p := range g.Match {
			if _, err := path.Match(p, ""); err != nil {
				return invalid(field, "pattern %q: %v", p, err)
			}
		}
		if g.CatchAll() {
			if catchAll != "" {
				return invalid(field, "%q and %q both take unmatched slaves", catchAll, g.Name)
			}
			catchAll = g.Name
		}
	}
	return nil
}
