package cnl

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-dcbus/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(id) + byte(i)
	}
	f, err := can.NewDataFrame(id&can.CAN_SFF_MASK, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func TestCodecRoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x12, 8),
		mkFrame(0x155, 6),
		mkFrame(0x7FF, 0),
		{ID: 0x1ABCDE, IDKind: can.IDExtended, Len: 2, Data: [8]byte{9, 8}},
		{ID: 0x12, Kind: can.KindRemote, Len: 4},
	}
	wire := codec.Encode(in)
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("DecodeN err=%v, want EOF at clean end", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d want %d", n, len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, out[i], in[i])
		}
	}
}

func TestCodecWireLayout(t *testing.T) {
	codec := Codec{}
	wire := codec.Encode([]can.Frame{mkFrame(0x12, 2)})
	want := []byte{0, 0, 0, 0x12, 2, 0x12, 0x13}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire=% X want % X", wire, want)
	}
	remote := codec.Encode([]can.Frame{{ID: 0x12, Kind: can.KindRemote, Len: 3}})
	if !bytes.Equal(remote, []byte{0x40, 0, 0, 0x12, 3}) {
		t.Fatalf("remote frame carries no payload, got % X", remote)
	}
}

func TestCodecEncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3)}
	var buf bytes.Buffer
	n, err := codec.EncodeTo(&buf, frames)
	if err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if n != buf.Len() || !bytes.Equal(codec.Encode(frames), buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch")
	}
	if codec.Encode(nil) != nil {
		t.Fatal("empty batch should encode to nil")
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := Codec{}
	// Length byte 0x89: high bit masked leaves 9.
	if _, err := codec.Decode(bytes.NewReader([]byte{0, 0, 0, 1, 0x89})); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := codec.Decode(bytes.NewReader([]byte{0, 0, 0, 2, 5, 1, 2, 3})); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected truncated payload, got %v", err)
	}
	if _, err := codec.Decode(bytes.NewReader([]byte{0, 0})); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected truncated header, got %v", err)
	}
	if _, err := codec.Decode(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestDecodeNHonoursMax(t *testing.T) {
	c := Codec{}
	r := bytes.NewReader(c.Encode([]can.Frame{mkFrame(1, 1), mkFrame(2, 2), mkFrame(3, 3)}))
	n, err := c.DecodeN(r, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	fr, err := c.Decode(r)
	if err != nil || fr.ID != 3 {
		t.Fatalf("remaining frame id=%d err=%v", fr.ID, err)
	}
}

func BenchmarkCodecEncodeTo64(b *testing.B) {
	c := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x200+i), 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = c.EncodeTo(&buf, frames)
	}
}

func BenchmarkCodecDecodeN64(b *testing.B) {
	c := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x300+i), 8)
	}
	wire := c.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(can.Frame) {})
	}
}
