package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/hub"
	"github.com/kstaniek/go-dcbus/internal/metrics"
	"github.com/kstaniek/go-dcbus/internal/transport"
)

// startReader decodes frames written by a monitor client and forwards them
// to the bus.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, l *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close() // wake the writer
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			n, err := s.Codec.DecodeN(conn, readBatch, func(fr can.Frame) { s.forward(fr, l) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
				l.Warn("client_read_error", "error", err)
				return
			}
			if n == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) forward(fr can.Frame, l *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		l.Debug("client_frame_filtered", "id", fmt.Sprintf("0x%X", fr.ID))
		return
	}
	metrics.IncMonitorRx()
	if s.Send == nil {
		return
	}
	err := s.Send(fr)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrOverflow):
		s.stats.busOverflow.Add(1)
		l.Debug("bus_overflow_drop", "id", fmt.Sprintf("0x%X", fr.ID), "len", fr.Len)
	default:
		s.stats.busErrors.Add(1)
		l.Error("bus_tx_error", "error", s.fail(fmt.Errorf("%w: %v", ErrBusTx, err)), "id", fmt.Sprintf("0x%X", fr.ID))
	}
}
