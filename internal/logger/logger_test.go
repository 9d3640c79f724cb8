package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevelsAndFormats(t *testing.T) {
	tests := []struct {
		level, format string
		wantLevel     logrus.Level
		wantJSON      bool
	}{
		{"info", "text", logrus.InfoLevel, false},
		{"debug", "", logrus.DebugLevel, false},
		{"warn", "json", logrus.WarnLevel, true},
		{"trace", "JSON", logrus.TraceLevel, true},
	}
	for _, tt := range tests {
		log, err := Setup(tt.level, tt.format, "")
		require.NoError(t, err, tt.level)
		assert.Equal(t, tt.wantLevel, log.GetLevel())
		_, isJSON := log.Formatter.(*logrus.JSONFormatter)
		assert.Equal(t, tt.wantJSON, isJSON, tt.format)
	}
}

func TestSetupRejectsBadInput(t *testing.T) {
	_, err := Setup("loud", "text", "")
	assert.Error(t, err)
	_, err = Setup("info", "xml", "")
	assert.Error(t, err)
}

func TestSetupTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecmaster.log")
	log, err := Setup("info", "json", path)
	require.NoError(t, err)

	log.WithField("group", "io").Info("Group configured")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(b, &line))
	assert.Equal(t, "Group configured", line["msg"])
	assert.Equal(t, "io", line["group"])
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard().WithField("a", 1).Error("dropped") })
}
