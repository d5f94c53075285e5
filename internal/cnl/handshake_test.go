package cnl

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestHandshakeLoopback(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- Handshake(ctx, srv, 2*time.Second) }()

	if err := Handshake(ctx, cli, 2*time.Second); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	go func() {
		buf := make([]byte, len(Hello))
		_, _ = io.ReadFull(cli, buf)
		_, _ = io.WriteString(cli, "NOTCANNELLON")
	}()
	err := Handshake(context.Background(), srv, time.Second)
	if !errors.Is(err, ErrBadHello) {
		t.Fatalf("expected ErrBadHello, got %v", err)
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	start := time.Now()
	if err := Handshake(context.Background(), srv, 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("handshake did not honour timeout")
	}
}
