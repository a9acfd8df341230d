package device

import (
	"sync"

	"github.com/arloliu/go-tcpdev/parser"
)

// PipeSignal identifies the downstream signals of a Pipe.
type PipeSignal string

// Pipe signals.
const (
	// PipeData is signalled with each frame produced by the transform.
	PipeData PipeSignal = "data"
	// PipeUnpipe is signalled with the source id when the upstream source is detached.
	PipeUnpipe PipeSignal = "unpipe"
)

// Pipe is the long-lived frame pipeline of a device.
//
// It wraps one parser.Transform for the whole lifetime of the device. Only its upstream
// source is rebound on every (re)connect, so partial frames buffered in the transform
// survive reconnects. A Pipe is ended only by Close.
type Pipe struct {
	mu        sync.Mutex
	transform parser.Transform
	source    uint64
	ended     bool
	onData    []func(frame []byte)
	onUnpipe  []func(source uint64)
}

// NewPipe creates a pipe around the given transform.
func NewPipe(t parser.Transform) *Pipe {
	return &Pipe{transform: t}
}

// OnData registers fn to receive every frame.
func (p *Pipe) OnData(fn func(frame []byte)) {
	p.mu.Lock()
	p.onData = append(p.onData, fn)
	p.mu.Unlock()
}

// OnUnpipe registers fn to be called with the source id whenever the upstream source is detached.
func (p *Pipe) OnUnpipe(fn func(source uint64)) {
	p.mu.Lock()
	p.onUnpipe = append(p.onUnpipe, fn)
	p.mu.Unlock()
}

// ListenerCount returns the number of listeners registered for signal.
func (p *Pipe) ListenerCount(signal PipeSignal) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch signal {
	case PipeData:
		return len(p.onData)
	case PipeUnpipe:
		return len(p.onUnpipe)
	default:
		return 0
	}
}

// Source returns the id of the attached upstream source, or 0 if detached.
func (p *Pipe) Source() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.source
}

// Ended reports whether the pipe was ended.
func (p *Pipe) Ended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ended
}

// Attach binds source as the upstream of the pipe and reopens an ended pipe.
// A previously attached source is detached first.
func (p *Pipe) Attach(source uint64) {
	p.mu.Lock()
	prev := p.source
	p.source = source
	p.ended = false
	unpipe := p.onUnpipe
	p.mu.Unlock()

	if prev != 0 && prev != source {
		for _, fn := range unpipe {
			fn(prev)
		}
	}
}

// Detach unbinds source if it is the attached upstream. The pipe is not ended.
func (p *Pipe) Detach(source uint64) {
	p.mu.Lock()
	if p.source != source || source == 0 {
		p.mu.Unlock()
		return
	}
	p.source = 0
	unpipe := p.onUnpipe
	p.mu.Unlock()

	for _, fn := range unpipe {
		fn(source)
	}
}

// Write feeds a chunk from source into the transform and signals the completed frames.
// Chunks from a source other than the attached one are dropped.
//
// It returns ErrPipeEnded if the pipe was ended.
func (p *Pipe) Write(source uint64, chunk []byte) error {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return ErrPipeEnded
	}

	if source != p.source {
		p.mu.Unlock()
		return nil
	}

	frames := p.transform.Transform(chunk)
	onData := p.onData
	p.mu.Unlock()

	p.signal(onData, frames)

	return nil
}

// End detaches the upstream source, flushes the transform and ends the pipe.
// Ending an ended pipe is a no-op.
func (p *Pipe) End() {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	prev := p.source
	p.source = 0
	p.ended = true
	frames := p.transform.Flush()
	onData, unpipe := p.onData, p.onUnpipe
	p.mu.Unlock()

	if prev != 0 {
		for _, fn := range unpipe {
			fn(prev)
		}
	}
	p.signal(onData, frames)
}

func (p *Pipe) signal(onData []func([]byte), frames [][]byte) {
	for _, frame := range frames {
		for _, fn := range onData {
			fn(frame)
		}
	}
}
