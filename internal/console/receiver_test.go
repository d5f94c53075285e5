package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-dcbus/internal/metrics"
)

func feed(r *LineReceiver, s string) {
	for i := 0; i < len(s); i++ {
		r.OnReceiveByte(s[i])
	}
}

func TestLineComplete(t *testing.T) {
	r := NewLineReceiver()
	feed(r, "AB\r\n")
	st := r.Status()
	require.True(t, st.Complete())
	require.Equal(t, 2, st.Count())
	require.Equal(t, StateComplete, r.State())
	line, ok := r.Line()
	require.True(t, ok)
	require.Equal(t, []byte("AB"), line)
}

func TestStatusWordLayout(t *testing.T) {
	r := NewLineReceiver()
	feed(r, "xyz\r")
	require.Equal(t, Status(0x4003), r.Status())
	r.OnReceiveByte('\n')
	require.Equal(t, Status(0xC003), r.Status())
}

func TestOverflowResets(t *testing.T) {
	r := NewLineReceiver()
	before := metrics.Snap()
	feed(r, string(bytes.Repeat([]byte{'a'}, Capacity)))
	require.Equal(t, Capacity, r.Status().Count())

	r.OnReceiveByte('a')
	require.Zero(t, r.Status().Count())
	require.False(t, r.Status().Complete())
	require.Equal(t, before.ConsoleOvf+1, metrics.Snap().ConsoleOvf)

	// The receiver starts a fresh line afterwards.
	feed(r, "ok\r\n")
	line, ok := r.Line()
	require.True(t, ok)
	require.Equal(t, []byte("ok"), line)
}

func TestCountNeverExceedsCapacity(t *testing.T) {
	r := NewLineReceiver()
	for i := 0; i < 5*Capacity+7; i++ {
		r.OnReceiveByte('z')
		require.LessOrEqual(t, r.Status().Count(), Capacity)
	}
}

func TestCRWithoutLFResets(t *testing.T) {
	r := NewLineReceiver()
	before := metrics.Snap()
	feed(r, "AB\rC")
	require.Equal(t, Status(0), r.Status())
	require.Equal(t, StateAccumulating, r.State())
	require.Equal(t, before.ConsoleFraming+1, metrics.Snap().ConsoleFraming)
	_, ok := r.Line()
	require.False(t, ok)
}

func TestCompleteFreezesUntilClear(t *testing.T) {
	r := NewLineReceiver()
	feed(r, "go\r\n")
	before := metrics.Snap()
	feed(r, "more\r\n")
	line, ok := r.Line()
	require.True(t, ok)
	require.Equal(t, []byte("go"), line)
	require.Equal(t, before.ConsoleDropped+6, metrics.Snap().ConsoleDropped)

	r.Clear()
	require.Equal(t, Status(0), r.Status())
	feed(r, "next\r\n")
	line, _ = r.Line()
	require.Equal(t, []byte("next"), line)
}

func TestEmptyLine(t *testing.T) {
	r := NewLineReceiver()
	feed(r, "\r\n")
	line, ok := r.Line()
	require.True(t, ok)
	require.Empty(t, line)
}

func TestLineReturnsCopy(t *testing.T) {
	r := NewLineReceiver()
	feed(r, "abc\r\n")
	line, _ := r.Line()
	line[0] = 'X'
	again, _ := r.Line()
	require.Equal(t, []byte("abc"), again)
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "saw_cr(3)", Status(0x4003).String())
	require.Equal(t, "complete(0)", StatusComplete.String())
}
