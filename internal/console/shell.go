package console

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	ErrNoBus          = errors.New("bus not attached")
)

// Bus is the part of the bus driver the shell talks to.
type Bus interface {
	Send(id uint32, payload []byte) error
	Receive(id uint32, buf []byte) int
	State() bxcan.State
}

// TickSource exposes the periodic tick counter.
type TickSource interface {
	Ticks() uint32
}

// CommandFunc runs a command. Replies go to w, one CR LF terminated line each.
type CommandFunc func(w io.Writer, args []string) error

type Command struct {
	Name  string
	Usage string
	Run   CommandFunc
}

// Shell consumes completed lines from a LineReceiver in the foreground.
type Shell struct {
	rx    *LineReceiver
	out   io.Writer
	bus   Bus
	ticks TickSource
	log   *slog.Logger
	cmds  map[string]Command
}

type ShellOption func(*Shell)

func WithBus(b Bus) ShellOption                  { return func(s *Shell) { s.bus = b } }
func WithTicks(t TickSource) ShellOption         { return func(s *Shell) { s.ticks = t } }
func WithShellLogger(l *slog.Logger) ShellOption { return func(s *Shell) { s.log = l } }

func NewShell(rx *LineReceiver, out io.Writer, opts ...ShellOption) *Shell {
	s := &Shell{rx: rx, out: out, cmds: make(map[string]Command)}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.Or(s.log)
	s.Register(Command{Name: "help", Usage: "help", Run: s.cmdHelp})
	s.Register(Command{Name: "status", Usage: "status", Run: s.cmdStatus})
	s.Register(Command{Name: "ticks", Usage: "ticks", Run: s.cmdTicks})
	s.Register(Command{Name: "send", Usage: "send <id> [hex bytes...]", Run: s.cmdSend})
	s.Register(Command{Name: "recv", Usage: "recv <id>", Run: s.cmdRecv})
	return s
}

// Register adds or replaces a command.
func (s *Shell) Register(c Command) { s.cmds[c.Name] = c }

// Poll handles at most one completed line and reports whether it did.
func (s *Shell) Poll() bool {
	line, ok := s.rx.Line()
	if !ok {
		return false
	}
	s.rx.Clear()
	s.log.Debug("console_line", "line", string(line))
	if err := s.Exec(string(line)); err != nil {
		s.reply("error: %v", err)
	}
	return true
}

// Exec tokenizes and runs one command line. An empty line is a no-op.
func (s *Shell) Exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	c, ok := s.cmds[strings.ToLower(args[0])]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownCommand, args[0])
	}
	if err := c.Run(s.out, args[1:]); err != nil {
		if errors.Is(err, ErrUsage) {
			return fmt.Errorf("%w: %s", ErrUsage, c.Usage)
		}
		return err
	}
	return nil
}

func (s *Shell) reply(format string, a ...any) {
	if _, err := fmt.Fprintf(s.out, format+"\r\n", a...); err != nil {
		metrics.IncError(metrics.ErrConsoleWrite)
		s.log.Warn("console_write_failed", "error", err)
	}
}

func (s *Shell) cmdHelp(w io.Writer, _ []string) error {
	names := make([]string, 0, len(s.cmds))
	for n := range s.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "%s\r\n", s.cmds[n].Usage)
	}
	return nil
}

func (s *Shell) cmdStatus(w io.Writer, _ []string) error {
	state := "detached"
	if s.bus != nil {
		state = s.bus.State().String()
	}
	var ticks uint32
	if s.ticks != nil {
		ticks = s.ticks.Ticks()
	}
	m := metrics.Snap()
	fmt.Fprintf(w, "bus:%s ticks:%d tx:%d rx:%d lines:%d overflows:%d framing:%d dropped:%d\r\n",
		state, ticks, m.BusTx, m.BusRx, m.ConsoleLines, m.ConsoleOvf, m.ConsoleFraming, m.ConsoleDropped)
	return nil
}

func (s *Shell) cmdTicks(w io.Writer, _ []string) error {
	var ticks uint32
	if s.ticks != nil {
		ticks = s.ticks.Ticks()
	}
	fmt.Fprintf(w, "ticks:%d\r\n", ticks)
	return nil
}

func (s *Shell) cmdSend(w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 1+can.MaxPayload {
		return ErrUsage
	}
	if s.bus == nil {
		return ErrNoBus
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := strconv.ParseUint(strings.TrimPrefix(a, "0x"), 16, 8)
		if err != nil {
			return fmt.Errorf("byte %q: %w", a, err)
		}
		payload = append(payload, byte(v))
	}
	if err := s.bus.Send(id, payload); err != nil {
		return err
	}
	fmt.Fprintf(w, "ok\r\n")
	return nil
}

func (s *Shell) cmdRecv(w io.Writer, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	if s.bus == nil {
		return ErrNoBus
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	var buf [can.MaxPayload]byte
	n := s.bus.Receive(id, buf[:])
	if n == 0 {
		fmt.Fprintf(w, "no data\r\n")
		return nil
	}
	fmt.Fprintf(w, "id:0x%03X len:%d data:% X\r\n", id, n, buf[:n])
	return nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", s, err)
	}
	if v > can.CAN_SFF_MASK {
		return 0, fmt.Errorf("id %q: %w", s, can.ErrInvalidID)
	}
	return uint32(v), nil
}
