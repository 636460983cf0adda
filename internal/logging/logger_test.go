package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_UsesJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "debug", Writer: &buf, Component: "taskman"})
	lg.Debug("boot", "k", "v")

	out := strings.TrimSpace(buf.String())
	if !strings.Contains(out, `"level":"DEBUG"`) {
		t.Fatalf("expected DEBUG level, got %s", out)
	}
	if !strings.Contains(out, `"component":"taskman"`) {
		t.Fatalf("expected component field, got %s", out)
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "info", Format: "text", Writer: &buf})
	lg.Info("ready", "addr", "127.0.0.1:4680")

	out := buf.String()
	if strings.Contains(out, "{") {
		t.Fatalf("expected text output, got %s", out)
	}
	if !strings.Contains(out, "addr=127.0.0.1:4680") {
		t.Fatalf("missing attribute, got %s", out)
	}
}

func TestNewLogger_InfoSuppressesDebug(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLogger(Options{Level: "bogus", Writer: &buf})
	lg.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record should be filtered at default level, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
