package console

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
)

type fakeBus struct {
	sentID  uint32
	sent    []byte
	sendErr error
	rx      map[uint32][]byte
	state   bxcan.State
}

func (b *fakeBus) Send(id uint32, p []byte) error {
	b.sentID, b.sent = id, append([]byte(nil), p...)
	return b.sendErr
}

func (b *fakeBus) Receive(id uint32, buf []byte) int {
	p, ok := b.rx[id]
	if !ok {
		return 0
	}
	delete(b.rx, id)
	return copy(buf, p)
}

func (b *fakeBus) State() bxcan.State { return b.state }

type fixedTicks uint32

func (f fixedTicks) Ticks() uint32 { return uint32(f) }

func newShell(bus Bus) (*Shell, *LineReceiver, *bytes.Buffer) {
	rx := NewLineReceiver()
	var out bytes.Buffer
	sh := NewShell(rx, &out, WithBus(bus), WithTicks(fixedTicks(42)), WithShellLogger(logging.Discard()))
	return sh, rx, &out
}

func TestPollWithoutLine(t *testing.T) {
	sh, rx, out := newShell(&fakeBus{})
	feed(rx, "help")
	require.False(t, sh.Poll())
	require.Zero(t, out.Len())
}

func TestPollDispatchesAndClears(t *testing.T) {
	bus := &fakeBus{}
	sh, rx, out := newShell(bus)
	feed(rx, "send 0x12 de ad\r\n")
	require.True(t, sh.Poll())
	require.Equal(t, uint32(0x12), bus.sentID)
	require.Equal(t, []byte{0xDE, 0xAD}, bus.sent)
	require.Equal(t, "ok\r\n", out.String())
	require.Equal(t, StateAccumulating, rx.State())
	require.False(t, sh.Poll())
}

func TestSendReportsBusError(t *testing.T) {
	bus := &fakeBus{sendErr: bxcan.ErrTxTimeout}
	sh, rx, out := newShell(bus)
	feed(rx, "send 18\r\n")
	require.True(t, sh.Poll())
	require.True(t, strings.HasPrefix(out.String(), "error: "))
	require.Contains(t, out.String(), "transmit timeout")
}

func TestRecv(t *testing.T) {
	bus := &fakeBus{rx: map[uint32][]byte{0x12: {1, 0xA0}}}
	sh, _, out := newShell(bus)
	require.NoError(t, sh.Exec("recv 0x12"))
	require.Equal(t, "id:0x012 len:2 data:01 A0\r\n", out.String())
	out.Reset()
	require.NoError(t, sh.Exec("recv 0x12"))
	require.Equal(t, "no data\r\n", out.String())
}

func TestStatusAndTicks(t *testing.T) {
	sh, _, out := newShell(&fakeBus{state: bxcan.StateListening})
	require.NoError(t, sh.Exec("status"))
	require.True(t, strings.HasPrefix(out.String(), "bus:listening ticks:42 "))
	require.True(t, strings.HasSuffix(out.String(), "\r\n"))
	out.Reset()
	require.NoError(t, sh.Exec("TICKS"))
	require.Equal(t, "ticks:42\r\n", out.String())
}

func TestExecErrors(t *testing.T) {
	sh, _, _ := newShell(&fakeBus{})
	require.ErrorIs(t, sh.Exec("frobnicate"), ErrUnknownCommand)
	require.ErrorIs(t, sh.Exec("recv"), ErrUsage)
	require.ErrorIs(t, sh.Exec("send 0x800"), can.ErrInvalidID)
	require.Error(t, sh.Exec("send 0x12 zz"))
	require.Error(t, sh.Exec(`send "unterminated`))
	require.NoError(t, sh.Exec("   "))
}

func TestNoBusAttached(t *testing.T) {
	rx := NewLineReceiver()
	var out bytes.Buffer
	sh := NewShell(rx, &out, WithShellLogger(logging.Discard()))
	require.ErrorIs(t, sh.Exec("send 1"), ErrNoBus)
	require.NoError(t, sh.Exec("status"))
	require.True(t, strings.HasPrefix(out.String(), "bus:detached"))
}

func TestHelpListsCommands(t *testing.T) {
	sh, _, out := newShell(&fakeBus{})
	sh.Register(Command{Name: "reset", Usage: "reset", Run: func(w io.Writer, _ []string) error { return nil }})
	require.NoError(t, sh.Exec("help"))
	for _, name := range []string{"help", "recv <id>", "reset", "send <id>", "status", "ticks"} {
		require.Contains(t, out.String(), name)
	}
}
