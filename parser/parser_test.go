package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteLengthParser(t *testing.T) {
	require := require.New(t)

	p := NewByteLength(4)
	require.Equal(4, p.Length())

	frames := p.Transform([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	require.Equal([][]byte{{0x01, 0x02, 0x03, 0x04}, {0x05, 0x06, 0x07, 0x08}}, frames)
	require.Zero(p.Buffered())

	require.Empty(p.Transform([]byte{0x09, 0x0a}))
	require.Equal(2, p.Buffered())

	frames = p.Transform([]byte{0x0b, 0x0c, 0x0d})
	require.Equal([][]byte{{0x09, 0x0a, 0x0b, 0x0c}}, frames)
	require.Equal(1, p.Buffered())

	require.Equal([][]byte{{0x0d}}, p.Flush())
	require.Nil(p.Flush())
	require.Zero(p.Buffered())

	require.Equal(1, NewByteLength(0).Length())
}

func TestByteLengthParser_FramesDoNotAlias(t *testing.T) {
	require := require.New(t)

	p := NewByteLength(2)
	chunk := []byte{1, 2, 3, 4}
	frames := p.Transform(chunk)
	chunk[0] = 9
	require.Equal([]byte{1, 2}, frames[0])

	frames[1][0] = 7
	next := p.Transform([]byte{5, 6})
	require.Equal([]byte{5, 6}, next[0])
}

func TestDelimiterParser(t *testing.T) {
	require := require.New(t)

	p := NewDelimiter([]byte("\r\n"), false)
	require.Empty(p.Transform([]byte("OK\r")))
	require.Equal(3, p.Buffered())

	frames := p.Transform([]byte("\nPWR=1\r\nVOL"))
	require.Equal([][]byte{[]byte("OK"), []byte("PWR=1")}, frames)
	require.Equal([][]byte{[]byte("VOL")}, p.Flush())
	require.Nil(p.Flush())

	p = NewDelimiter([]byte(";"), true)
	frames = p.Transform([]byte("a;b;;c"))
	require.Equal([][]byte{[]byte("a;"), []byte("b;"), []byte(";")}, frames)

	p = NewDelimiter(nil, false)
	require.Equal([][]byte{[]byte("line")}, p.Transform([]byte("line\n")))
}

func TestReadlineParser(t *testing.T) {
	require := require.New(t)

	p := NewReadline("")
	frames := p.Transform([]byte("first\r\nsecond\nthi"))
	require.Equal([][]byte{[]byte("first"), []byte("second")}, frames)

	frames = p.Transform([]byte("rd\r\n"))
	require.Equal([][]byte{[]byte("third")}, frames)

	p.Transform([]byte("tail\r"))
	require.Equal([][]byte{[]byte("tail")}, p.Flush())
}
