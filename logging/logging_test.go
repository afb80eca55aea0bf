package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		verbose, quiet bool
		want           zapcore.Level
	}{
		{false, false, zapcore.InfoLevel},
		{true, false, zapcore.DebugLevel},
		{false, true, zapcore.ErrorLevel},
		{true, true, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		if got := Level(tt.verbose, tt.quiet); got != tt.want {
			t.Errorf("Level(%v, %v) = %s, want %s", tt.verbose, tt.quiet, got, tt.want)
		}
	}
}

func TestNewHonorsLevel(t *testing.T) {
	log := New(zapcore.WarnLevel)
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatal("error should be enabled at warn level")
	}
}
