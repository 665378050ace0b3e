package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = SetLevel("info")
	})

	require.NoError(t, SetLevel("warn"))
	Info("slot %d processed", 1)
	Warn("slot %d deferred", 2)
	assert.NotContains(t, buf.String(), "slot 1 processed")
	assert.Contains(t, buf.String(), "slot 2 deferred")

	require.NoError(t, SetLevel(" Debug "))
	Debug("resolved %d indices", 3)
	assert.Contains(t, buf.String(), "resolved 3 indices")

	assert.Error(t, SetLevel("verbose"))
}
