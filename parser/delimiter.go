package parser

import (
	"bytes"

	"github.com/arloliu/go-tcpdev/internal/util"
)

// DelimiterParser splits the stream on a byte sequence.
type DelimiterParser struct {
	delim            []byte
	includeDelimiter bool
	buf              []byte
}

var _ Transform = (*DelimiterParser)(nil)

// NewDelimiter creates a DelimiterParser splitting on delim.
// If includeDelimiter is true, the delimiter is kept at the end of each frame.
// An empty delimiter is treated as "\n".
func NewDelimiter(delim []byte, includeDelimiter bool) *DelimiterParser {
	if len(delim) == 0 {
		delim = []byte("\n")
	}

	return &DelimiterParser{
		delim:            util.CloneSlice(delim, 0),
		includeDelimiter: includeDelimiter,
	}
}

// Buffered returns the number of bytes held since the last delimiter.
func (p *DelimiterParser) Buffered() int { return len(p.buf) }

func (p *DelimiterParser) Transform(chunk []byte) [][]byte {
	data := util.ConcatSlices(p.buf, chunk)

	var frames [][]byte
	for {
		idx := bytes.Index(data, p.delim)
		if idx < 0 {
			break
		}

		end := idx
		if p.includeDelimiter {
			end += len(p.delim)
		}
		frames = append(frames, util.CloneSlice(data[:end], 0))
		data = data[idx+len(p.delim):]
	}
	p.buf = data

	return frames
}

func (p *DelimiterParser) Flush() [][]byte {
	if len(p.buf) == 0 {
		return nil
	}
	frame := p.buf
	p.buf = nil

	return [][]byte{frame}
}

// ReadlineParser emits lines of text. It is a DelimiterParser that strips the delimiter
// and a trailing carriage return from each line.
type ReadlineParser struct {
	*DelimiterParser
}

var _ Transform = (*ReadlineParser)(nil)

// NewReadline creates a ReadlineParser splitting on delim, "\n" when delim is empty.
func NewReadline(delim string) *ReadlineParser {
	return &ReadlineParser{DelimiterParser: NewDelimiter([]byte(delim), false)}
}

func (p *ReadlineParser) Transform(chunk []byte) [][]byte {
	return trimCR(p.DelimiterParser.Transform(chunk))
}

func (p *ReadlineParser) Flush() [][]byte {
	return trimCR(p.DelimiterParser.Flush())
}

func trimCR(frames [][]byte) [][]byte {
	for i, f := range frames {
		frames[i] = bytes.TrimSuffix(f, []byte("\r"))
	}

	return frames
}
