package main

import (
	"io"
	"testing"
	"time"
)

func TestEnvName(t *testing.T) {
	if got := envName("serial-read-timeout"); got != "DCBUS_SERIAL_READ_TIMEOUT" {
		t.Fatalf("envName=%s", got)
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	t.Setenv("DCBUS_BAUD", "230400")
	t.Setenv("DCBUS_MDNS_ENABLE", "true")
	t.Setenv("DCBUS_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("DCBUS_TELEMETRY_ID", "0x20")
	t.Setenv("DCBUS_MODE", "silent")
	t.Setenv("DCBUS_LOG_METRICS_INTERVAL", " 5s ")
	cfg, _, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.baud != 230400 {
		t.Fatalf("expected baud override, got %d", cfg.baud)
	}
	if !cfg.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if cfg.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", cfg.serialReadTO)
	}
	if cfg.telemetryID != 0x20 || cfg.mode != "silent" {
		t.Fatalf("telemetryID=0x%X mode=%s", cfg.telemetryID, cfg.mode)
	}
	if cfg.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", cfg.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	t.Setenv("DCBUS_BAUD", "230400")
	cfg, _, err := parseFlags([]string{"-baud", "9600"}, io.Discard)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.baud != 9600 {
		t.Fatalf("expected flag value 9600 got %d", cfg.baud)
	}
}

func TestApplyEnvOverrides_EmptyIgnored(t *testing.T) {
	t.Setenv("DCBUS_LISTEN", "")
	cfg, _, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.listenAddr != ":20000" {
		t.Fatalf("listen=%q", cfg.listenAddr)
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	t.Setenv("DCBUS_HUB_BUFFER", "notint")
	if _, _, err := parseFlags(nil, io.Discard); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_InvalidAfterOverride(t *testing.T) {
	t.Setenv("DCBUS_BACKEND", "serial")
	if _, _, err := parseFlags(nil, io.Discard); err == nil {
		t.Fatalf("expected validation error")
	}
}
