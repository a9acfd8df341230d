package parser

import (
	"github.com/smallnest/ringbuffer"
)

// ByteLengthParser emits frames of a fixed number of bytes.
type ByteLengthParser struct {
	length int
	buf    *ringbuffer.RingBuffer
}

var _ Transform = (*ByteLengthParser)(nil)

// NewByteLength creates a ByteLengthParser emitting frames of length bytes.
// A non-positive length is treated as 1.
func NewByteLength(length int) *ByteLengthParser {
	if length <= 0 {
		length = 1
	}

	return &ByteLengthParser{
		length: length,
		buf:    ringbuffer.New(length),
	}
}

// Length returns the frame length.
func (p *ByteLengthParser) Length() int { return p.length }

// Buffered returns the number of bytes waiting for a frame to complete.
func (p *ByteLengthParser) Buffered() int { return p.buf.Length() }

func (p *ByteLengthParser) Transform(chunk []byte) [][]byte {
	var frames [][]byte
	for len(chunk) > 0 {
		n := min(p.buf.Free(), len(chunk))
		_, _ = p.buf.Write(chunk[:n])
		chunk = chunk[n:]

		if p.buf.IsFull() {
			frames = append(frames, p.drain())
		}
	}

	return frames
}

func (p *ByteLengthParser) Flush() [][]byte {
	if p.buf.IsEmpty() {
		return nil
	}

	return [][]byte{p.drain()}
}

func (p *ByteLengthParser) drain() []byte {
	frame := make([]byte, p.buf.Length())
	n, _ := p.buf.TryRead(frame)
	p.buf.Reset()

	return frame[:n]
}
