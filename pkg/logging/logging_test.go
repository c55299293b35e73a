package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDebugLevel(t *testing.T) {
	def, over, err := ParseDebugLevel("warn, round=debug ,DB=trace")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, def)
	assert.Equal(t, map[string]slog.Level{"ROUND": slog.LevelDebug, "DB": slog.LevelTrace}, over)

	def, over, err = ParseDebugLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, def)
	assert.Empty(t, over)

	_, _, err = ParseDebugLevel("loud")
	require.Error(t, err)
	_, _, err = ParseDebugLevel("SERVER=loud")
	require.Error(t, err)
}

func TestSubsystemLevels(t *testing.T) {
	var buf bytes.Buffer
	lb, err := NewLogBackend(LogConfig{DebugLevel: "info,ROUND=debug", Stdout: &buf})
	require.NoError(t, err)
	defer lb.Close()

	lb.Logger("SERVER").Debugf("hidden")
	lb.Logger("ROUND").Debugf("shown %d", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "ROUND: shown 1")
	assert.True(t, lb.Logger("ROUND") == lb.Logger("ROUND"))

	require.NoError(t, lb.SetLevel("SERVER", "debug"))
	lb.Logger("SERVER").Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")
	require.Error(t, lb.SetLevel("", "nope"))
}

func TestLogFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "fairvault.log")
	lb, err := NewLogBackend(LogConfig{LogFile: file, DebugLevel: "info", Stdout: &bytes.Buffer{}})
	require.NoError(t, err)
	lb.Logger("VAULT").Infof("written to file")
	require.NoError(t, lb.Close())

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "written to file")
}

func TestDiscard(t *testing.T) {
	lb := Discard()
	l := lb.Logger("SERVER")
	assert.Equal(t, slog.LevelOff, l.Level())
	require.NoError(t, lb.Close())

	var nilBackend *LogBackend
	assert.Equal(t, slog.Disabled, nilBackend.Logger("X"))
}
