package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is the token both peers send before any frame.
const Hello = "CANNELLONIv1"

var ErrBadHello = errors.New("cnl: bad hello")

// Handshake writes Hello and expects the peer's Hello within timeout. Both
// directions run concurrently so either side may speak first.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer func() { _ = c.SetDeadline(time.Time{}) }()

	done := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Hello)
		done <- err
	}()
	go func() {
		var got [len(Hello)]byte
		if _, err := io.ReadFull(c, got[:]); err != nil {
			done <- err
			return
		}
		if string(got[:]) != Hello {
			done <- fmt.Errorf("%w: %q", ErrBadHello, got[:])
			return
		}
		done <- nil
	}()
	for pending := 2; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
