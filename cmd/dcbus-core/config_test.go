package main

import (
	"io"
	"testing"
	"time"

	"github.com/kstaniek/go-dcbus/internal/acq"
	"github.com/kstaniek/go-dcbus/internal/bxcan"
)

func defaultConfig(t *testing.T) *appConfig {
	t.Helper()
	cfg, _, err := parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	return cfg
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg := defaultConfig(t)
	if cfg.backend != "sim" || cfg.listenAddr != ":20000" || cfg.serialDev != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got, want := cfg.acqConfig(), acq.DefaultConfig(); got != want {
		t.Fatalf("acqConfig=%+v want %+v", got, want)
	}
	if cfg.ticksPerSecond() != 1000 {
		t.Fatalf("ticksPerSecond=%d", cfg.ticksPerSecond())
	}
}

func TestParseFlags_Values(t *testing.T) {
	cfg, _, err := parseFlags([]string{
		"-mode", "loopback", "-telemetry-id", "0x123", "-prescaler", "3",
		"-loop-delay", "10ms", "-tick", "10ms",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a := cfg.acqConfig()
	if a.Mode != bxcan.ModeLoopback || a.TelemetryID != 0x123 || a.Timing.Prescaler != 3 || a.LoopDelayMs != 10 {
		t.Fatalf("unexpected acq config %+v", a)
	}
	if cfg.ticksPerSecond() != 100 {
		t.Fatalf("ticksPerSecond=%d want 100", cfg.ticksPerSecond())
	}
}

func TestParseFlags_Version(t *testing.T) {
	_, showVersion, err := parseFlags([]string{"-version", "-backend", "bogus"}, io.Discard)
	if err != nil || !showVersion {
		t.Fatalf("version: show=%v err=%v", showVersion, err)
	}
}

func TestParseFlags_RejectsUnknownFlag(t *testing.T) {
	if _, _, err := parseFlags([]string{"-nope"}, io.Discard); err == nil {
		t.Fatal("expected error")
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "serial" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badMode", func(c *appConfig) { c.mode = "test" }},
		{"badSJW", func(c *appConfig) { c.sjw = 5 }},
		{"badBS1Overflow", func(c *appConfig) { c.bs1 = 0x108 }},
		{"badPrescaler", func(c *appConfig) { c.prescaler = 0 }},
		{"extendedTelemetryID", func(c *appConfig) { c.telemetryID = 0x800 }},
		{"zeroCoreClock", func(c *appConfig) { c.coreMHz = 0 }},
		{"tickNotDividingSecond", func(c *appConfig) { c.tickPeriod = 3 * time.Millisecond }},
		{"tickTooShort", func(c *appConfig) { c.tickPeriod = time.Microsecond }},
		{"fractionalLoopDelay", func(c *appConfig) { c.loopDelay = 1500 * time.Microsecond }},
		{"badRxPoll", func(c *appConfig) { c.rxPoll = 0 }},
		{"badTxQueue", func(c *appConfig) { c.busTxQueue = 0 }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"negativeSimEvery", func(c *appConfig) { c.simEvery = -time.Second }},
	}
	for _, tc := range tests {
		base := defaultConfig(t)
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
