package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"":        INFO,
		"warning": WARN,
		"Error":   ERROR,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ParseLogLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, INFO, got)
}

func TestLogger_FileOutputRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scada.log")
	l, err := New(LoggerConfig{Level: WARN, FilePath: path, MaxSize: 1, MaxBackups: 2})
	require.NoError(t, err)
	defer l.Close()

	l.Info("hidden %d", 1)
	l.Warn("tick skipped: %s", "feed missing")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "tick skipped: feed missing")
	assert.Contains(t, out, "logger_test.go")
	assert.NotContains(t, out, "\033[")
}

func TestLogger_RotatesAndPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scada.log")
	l, err := New(LoggerConfig{Level: DEBUG, FilePath: path, MaxSize: 1, MaxBackups: 1})
	require.NoError(t, err)
	defer l.Close()

	// Force rotation without writing a megabyte.
	l.maxSize = 64
	for i := 0; i < 4; i++ {
		l.Info("%s", strings.Repeat("x", 80))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "scada.*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 1)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestComponent_PrefixesMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "component.log")
	require.NoError(t, InitFromConfig("debug", path, 10, 1, false))
	t.Cleanup(func() { _ = InitFromConfig("info", "", 10, 1, true) })

	Named("hub").Info("client %s connected", "c1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[hub] client c1 connected")
}
