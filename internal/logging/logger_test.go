package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn")
	defer Init("info")

	Info("hidden")
	Warn("shown", "key", "value")
	Step("network").Error("step failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown key=value")
	assert.Contains(t, out, "step=network")
}
