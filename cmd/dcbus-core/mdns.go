package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_cannelloni._tcp"

// registerFn allows tests to intercept zeroconf registration.
var registerFn = func(instance, service, domain string, port int, text []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

func mdnsInstance(cfg *appConfig, board string) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	return "dcbus-core-" + board
}

func mdnsText(cfg *appConfig, board string) []string {
	return []string{
		"board=" + board,
		"backend=" + cfg.backend,
		fmt.Sprintf("telemetry_id=0x%03X", cfg.telemetryID),
		"version=" + version,
		"commit=" + commit,
	}
}

// listenPort extracts the port from a bound host:port address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// startMDNS advertises the telemetry monitor and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, board string, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	shutdown, err := registerFn(mdnsInstance(cfg, board), mdnsServiceType, "local.", port, mdnsText(cfg, board))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
