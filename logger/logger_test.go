package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zap.DebugLevel},
		{"INFO", zap.InfoLevel},
		{"warning", zap.WarnLevel},
		{"warn", zap.WarnLevel},
		{"error", zap.ErrorLevel},
		{"nonsense", zap.DebugLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("debug")

	SetLevel("error")
	assert.False(t, L().Core().Enabled(zap.InfoLevel))
	assert.True(t, L().Core().Enabled(zap.ErrorLevel))
}

func TestOrDefault(t *testing.T) {
	assert.NotNil(t, OrDefault(nil, "x"))
	assert.NotNil(t, OrDefault(zap.NewNop(), "x"))
}
