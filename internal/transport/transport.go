// Package transport holds the frame plumbing shared by the bus, the monitor
// server and the diagnostic UART: codec capabilities and a single-writer
// asynchronous queue.
package transport

import (
	"io"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/cnl"
)

// FrameDecoder decodes a single frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains several frames per call.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder writes batches of frames.
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink is a synchronous frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
	_ FrameSink         = (*bxcan.Driver)(nil)
)
