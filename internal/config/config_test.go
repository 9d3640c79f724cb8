package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ecmaster.yaml"), []byte(body), 0o644))
	return NewLoader(dir), "ecmaster.yaml"
}

func TestLoadFullFile(t *testing.T) {
	t.Setenv("EC_IFACE", "enp3s0")
	l, path := writeFile(t, `
interface: ${EC_IFACE}
source_mac: "02:00:00:00:00:01"
cycle_time: 1ms
storage:
  max_frames: 32
  max_pdu_data: 512
timeouts:
  pdu: 50ms
  state_transition: 2s
groups:
  - name: io
    max_slaves: 4
    max_pdi: 64
    match: ["EL1*", "EL2*"]
  - name: rest
log:
  level: debug
  format: json
telemetry:
  broker: tcp://localhost:1883
drive:
  slave: ELP-*
  target_velocity: 5000
`)
	cfg, err := l.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "enp3s0", cfg.Interface)
	assert.Equal(t, time.Millisecond, cfg.CycleTime)
	assert.Equal(t, Storage{MaxFrames: 32, MaxPduData: 512}, cfg.Storage)
	assert.Equal(t, 50*time.Millisecond, cfg.Timeouts.Pdu)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.StateTransition)
	assert.Zero(t, cfg.Timeouts.Mailbox)

	require.Len(t, cfg.Groups, 2)
	assert.False(t, cfg.Groups[0].CatchAll())
	assert.True(t, cfg.Groups[1].CatchAll())
	assert.Equal(t, 16, cfg.Groups[1].MaxSlaves)
	assert.Equal(t, 256, cfg.Groups[1].MaxPdi)

	assert.Equal(t, "ecmaster/status", cfg.Telemetry.Topic)
	assert.Equal(t, "ecmaster", cfg.Telemetry.ClientID)
	assert.Equal(t, time.Second, cfg.Telemetry.Interval)

	require.NotNil(t, cfg.Drive)
	assert.Equal(t, int32(5000), cfg.Drive.TargetVelocity)
	assert.Equal(t, int32(100), cfg.Drive.RampStep)
	assert.Equal(t, 10, cfg.Drive.FaultLimit)
	assert.Nil(t, cfg.Simulate)
}

func TestLoadSimulateDefaults(t *testing.T) {
	l, path := writeFile(t, "simulate: {}\n")
	cfg, err := l.Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Simulate)
	assert.Len(t, cfg.Simulate.Slaves, 4)
	assert.Equal(t, []Group{{Name: "default", MaxSlaves: 16, MaxPdi: 256}}, cfg.Groups)
	assert.Equal(t, 2*time.Millisecond, cfg.CycleTime)
	assert.False(t, cfg.Telemetry.Enabled())
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no interface", func(c *Config) { c.Simulate = nil }, "interface"},
		{"bad mac", func(c *Config) { c.SourceMAC = "zz" }, "source_mac"},
		{"frames not power of two", func(c *Config) { c.Storage.MaxFrames = 12 }, "storage.max_frames"},
		{"too many frames", func(c *Config) { c.Storage.MaxFrames = 512 }, "storage.max_frames"},
		{"pdu data too large", func(c *Config) { c.Storage.MaxPduData = 1500 }, "storage.max_pdu_data"},
		{"negative timeout", func(c *Config) { c.Timeouts.Mailbox = -time.Second }, "timeouts.mailbox"},
		{"duplicate group", func(c *Config) {
			c.Groups = append(c.Groups, Group{Name: "default", MaxSlaves: 1, MaxPdi: 1, Match: []string{"x"}})
		}, "groups[1]"},
		{"two catch-all groups", func(c *Config) {
			c.Groups = append(c.Groups, Group{Name: "other", MaxSlaves: 1, MaxPdi: 1})
		}, "groups[1]"},
		{"empty group", func(c *Config) { c.Groups[0].MaxSlaves = 0 }, "groups[0]"},
		{"pdi larger than a pdu", func(c *Config) { c.Storage.MaxPduData = 128 }, "groups[0]"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad sim kind", func(c *Config) { c.Simulate.Slaves[0].Kind = "robot" }, "simulate.slaves[0]"},
		{"sized terminal", func(c *Config) { c.Simulate.Slaves[1].Size = 0 }, "simulate.slaves[1]"},
		{"drive without slave", func(c *Config) { c.Drive.Slave = "" }, "drive.slave"},
		{"fault limit", func(c *Config) { c.Drive.FaultLimit = -1 }, "drive.fault_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ce ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load("missing.yaml")
	var le LoaderError
	require.ErrorAs(t, err, &le)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	l, path := writeFile(t, "groups: [\n")
	_, err = l.Load(path)
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "cannot parse YAML", le.Message)

	l, path = writeFile(t, "interface: eth0\ncycle_time: -1ms\n")
	_, err = l.Load(path)
	var ce ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "cycle_time", ce.Field)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := NewLoader(filepath.Join("..", "..", "configs")).Load("ecmaster.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.Groups, 3)
	assert.True(t, cfg.Groups[2].CatchAll())
	assert.False(t, cfg.Telemetry.Enabled())
	assert.Len(t, cfg.Simulate.Slaves, 4)
	assert.Equal(t, 30*time.Millisecond, cfg.Timeouts.Pdu)
}
