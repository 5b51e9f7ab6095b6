package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlgclan/edgeguard/internal/config"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "edgeguard.log")
	log, flush, err := New(config.Log{Level: "info", File: path, MaxSizeMB: 1, MaxAgeDays: 1})
	require.NoError(t, err)

	Component(log, "test").Info("hello")
	log.Debug("filtered")
	flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"component":"test"`)
	assert.False(t, strings.Contains(out, "filtered"))
}

func TestNewRejectsLevel(t *testing.T) {
	_, _, err := New(config.Log{Level: "loud"})
	assert.Error(t, err)
}

func TestComponentNil(t *testing.T) {
	assert.NotNil(t, Component(nil, "x"))
}
