package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		env   string
		want  zapcore.Level
	}{
		{"", "production", zapcore.InfoLevel},
		{"debug", "development", zapcore.DebugLevel},
		{"WARN", "production", zapcore.WarnLevel},
	}

	for _, tt := range tests {
		logger, err := New(tt.level, tt.env)
		if err != nil {
			t.Fatalf("New(%q, %q) failed: %v", tt.level, tt.env, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("expected level %s enabled for %q", tt.want, tt.level)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("expected level %s disabled for %q", tt.want-1, tt.level)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("chatty", "production"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
