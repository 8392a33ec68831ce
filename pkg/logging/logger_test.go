package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("default level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("default pretty should be false")
	}
}

func TestSetup_WritesStructuredEvents(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		emit  func(logger zerolog.Logger)
		want  string
	}{
		{
			name:  "info event with run field",
			level: LevelInfo,
			emit: func(logger zerolog.Logger) {
				logger.Info().Str("run_id", "run-42").Msg("Import run started")
			},
			want: `"run_id":"run-42"`,
		},
		{
			name:  "warn event",
			level: LevelWarn,
			emit: func(logger zerolog.Logger) {
				logger.Warn().Int("status", 429).Msg("Server rate limit hit")
			},
			want: `"status":429`,
		},
		{
			name:  "error event",
			level: LevelError,
			emit: func(logger zerolog.Logger) {
				logger.Error().Msg("Coordination store unreachable")
			},
			want: "Coordination store unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := Setup(Config{Level: tt.level, Output: buf})

			tt.emit(logger)

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelWarn, Output: buf})

	logger.Debug().Msg("suppressed debug")
	logger.Info().Msg("suppressed info")

	if buf.Len() != 0 {
		t.Errorf("events below warn were emitted: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input LogLevel
		want  zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
