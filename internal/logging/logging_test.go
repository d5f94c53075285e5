package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	New("json", slog.LevelInfo, &buf).Info("bus_state_change", "state", "listening")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"state":"listening"`) {
		t.Fatalf("unexpected json record: %q", buf.String())
	}
	buf.Reset()
	l := New("text", slog.LevelWarn, &buf)
	l.Info("hidden")
	l.Warn("shown", "code", 2)
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "code=2") {
		t.Fatalf("unexpected text output: %q", buf.String())
	}
}

func TestSetAndOr(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })
	Set(nil)
	if L() != prev {
		t.Fatal("Set(nil) replaced the logger")
	}
	d := Discard()
	Set(d)
	if L() != d || Or(nil) != d {
		t.Fatal("global logger not replaced")
	}
	other := Discard()
	if Or(other) != other {
		t.Fatal("Or ignored explicit logger")
	}
}
