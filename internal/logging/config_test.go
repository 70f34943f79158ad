package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"error":    zerolog.ErrorLevel,
		"info":     zerolog.InfoLevel,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogFormat, "json")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.WarnLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.NoColor || !cfg.JSON {
		t.Fatalf("unexpected color/format: %+v", cfg)
	}
}

func TestApplyJSONWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	Apply(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	l := Component("link")
	l.Info().Int64("lid", 7).Msg("opened")

	line := buf.String()
	if !strings.Contains(line, `"component":"link"`) || !strings.Contains(line, `"lid":7`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}
