package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		" warn ":  WARN,
		"warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"info":    INFO,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	log := NewNop().With("component", "test")
	log.Debugw("debug", "k", 1)
	log.Infow("info", "k", 2)
	log.Warnw("warn", "k", 3)
	log.Errorw("error", "k", 4)
	assert.NotNil(t, log.Zap())
}
