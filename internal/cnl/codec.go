// Package cnl implements the cannelloni-style wire format spoken by telemetry
// monitor clients: per frame a 4-byte big-endian SocketCAN can_id, one length
// byte and the payload.
package cnl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

// Codec is stateless and safe for concurrent use.
type Codec struct{}

const (
	headerLen   = 5
	maxFrameLen = headerLen + can.MaxPayload
	lenMask     = 0x7F
)

var (
	ErrInvalidLength  = errors.New("cnl: invalid length")
	ErrTruncatedFrame = errors.New("cnl: truncated frame")
)

// Encode packs frames into one contiguous buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	out := make([]byte, 0, len(frames)*maxFrameLen)
	for i := range frames {
		out = appendFrame(out, &frames[i])
	}
	return out
}

func appendFrame(dst []byte, f *can.Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, f.RawID())
	dst = append(dst, f.Len)
	if f.Kind == can.KindData {
		dst = append(dst, f.Payload()...)
	}
	return dst
}

// EncodeTo writes frames to w one frame per Write and returns the bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var (
		total   int
		scratch [maxFrameLen]byte
	)
	for i := range frames {
		n, err := w.Write(appendFrame(scratch[:0], &frames[i]))
		total += n
		if err != nil {
			return total, fmt.Errorf("cnl encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame. A clean end of stream before the first
// byte is io.EOF.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [headerLen]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n == 0 {
			return can.Frame{}, err
		}
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cnl decode header: %w", ErrTruncatedFrame)
	}
	raw := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & lenMask)
	if ln > can.MaxPayload {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cnl decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxPayload]byte
	if raw&can.CAN_RTR_FLAG == 0 && ln > 0 {
		if _, err := io.ReadFull(r, data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return can.Frame{}, fmt.Errorf("cnl decode payload: %w", ErrTruncatedFrame)
			}
			return can.Frame{}, fmt.Errorf("cnl decode payload: %w", err)
		}
	}
	return can.FromRaw(raw, uint8(ln), data[:ln]), nil
}

// DecodeN decodes up to max frames (unbounded when max <= 0), calling onFrame
// for each. It returns the count and the terminal error, io.EOF at a clean end.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	n := 0
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
