// ABOUTME: Tests for the logging setup
// ABOUTME: Verifies level filtering and component tagging
package logging

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn")
	require.NoError(t, err)

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "level=warn")
}

func TestComponentTag(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug")
	require.NoError(t, err)

	level.Debug(Component(logger, "transport")).Log("msg", "frame")
	assert.Contains(t, buf.String(), "component=transport")
}

func TestComponentNilLogger(t *testing.T) {
	logger := Component(nil, "x")
	require.NotNil(t, logger)
	assert.NoError(t, logger.Log("msg", "discarded"))
}

func TestUnknownLevel(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud")
	assert.Error(t, err)
}
