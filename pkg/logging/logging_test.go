package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{component: "test", level: level, out: log.New(&buf, "", 0)}, &buf
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("garbage"), "an unrecognized level must default to info")
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	l, buf := newTestLogger(LevelWarn)
	l.Debug("should be dropped", nil)
	l.Info("should also be dropped", nil)
	assert.Empty(t, buf.String())

	l.Warn("should appear", nil)
	assert.Contains(t, buf.String(), "should appear")
}

func TestLogLineIncludesComponentAndFields(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)
	l.Error("apply failed", Fields{"tid": "abc123"})

	line := buf.String()
	assert.Contains(t, line, "[ERROR]")
	assert.Contains(t, line, "test")
	assert.Contains(t, line, "apply failed")
	assert.Contains(t, line, "tid=abc123")
}

func TestWithNestsComponentName(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)
	sub := l.With("bootstrap")
	sub.Info("starting", nil)
	assert.True(t, strings.Contains(buf.String(), "test.bootstrap"))
}

func TestSetLevelChangesFiltering(t *testing.T) {
	l, buf := newTestLogger(LevelError)
	l.Info("dropped", nil)
	assert.Empty(t, buf.String())

	l.SetLevel(LevelInfo)
	l.Info("now visible", nil)
	assert.Contains(t, buf.String(), "now visible")
}
