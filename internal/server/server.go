// Package server is the telemetry monitor: a TCP listener speaking the cnl
// wire format. Accepted telemetry fans out to every client through the hub;
// frames written by clients are forwarded to the bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/cnl"
	"github.com/kstaniek/go-dcbus/internal/hub"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

// SendFunc hands a client frame to the bus side. It must not block for long;
// the usual implementation enqueues on a transport.AsyncTx.
type SendFunc func(can.Frame) error

type Server struct {
	mu       sync.RWMutex
	addr     string
	listener net.Listener

	Hub   *hub.Hub
	Codec *cnl.Codec
	Send  SendFunc

	frameFilter func(*can.Frame) bool

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID atomic.Uint64
	stats      struct{ accepted, handshakeFail, connected, disconnected, busOverflow, busErrors atomic.Uint64 }
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	readBatch               = 16
)

type Option func(*Server)

func New(opts ...Option) *Server {
	s := &Server{
		addr:             ":0",
		Codec:            &cnl.Codec{},
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithHub(h *hub.Hub) Option      { return func(s *Server) { s.Hub = h } }
func WithSend(fn SendFunc) Option    { return func(s *Server) { s.Send = fn } }

// WithFrameFilter drops client frames for which fn returns false.
func WithFrameFilter(fn func(*can.Frame) bool) Option {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) fail(err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Serve listens and accepts monitor clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("monitor_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return s.fail(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.stats.accepted.Add(1)
	l := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.stats.handshakeFail.Add(1)
		l.Warn("handshake_failed", "error", s.fail(fmt.Errorf("%w: %v", ErrHandshake, err)))
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		l.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	cl := s.Hub.Attach()
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.stats.connected.Add(1)
	l.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, l)
	s.startReader(ctx.Done(), conn, cl, l)
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.Hub.Remove(cl)
}

// Shutdown closes the listener and every client, then waits for the IO
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		cl.Close()
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("monitor_shutdown_summary",
			"accepted", s.stats.accepted.Load(),
			"handshake_fail", s.stats.handshakeFail.Load(),
			"connected", s.stats.connected.Load(),
			"disconnected", s.stats.disconnected.Load(),
			"bus_overflow", s.stats.busOverflow.Load(),
			"bus_errors", s.stats.busErrors.Load())
		return nil
	}
}
