package device

import (
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tcpdev/internal/queue"
	"github.com/arloliu/go-tcpdev/logger"
)

// EventKind identifies the kind of a device event.
type EventKind uint8

// Device event kinds.
const (
	// EventConnect is emitted when the TCP handshake on the current socket completed.
	EventConnect EventKind = iota + 1
	// EventClose is emitted whenever the current socket closed, regardless of the cause.
	EventClose
	// EventError is emitted with the transport error that caused a socket to close.
	EventError
	// EventData is emitted with each raw chunk, or with each frame when a parser is configured.
	EventData
	// EventReconnect is emitted with a message when a reconnect attempt is scheduled.
	EventReconnect
	// EventTimeout is emitted when the TCP handshake did not complete within the response timeout.
	EventTimeout
	// EventStateChange is emitted when the connection state changed.
	EventStateChange

	// eventCallback runs an internal function in order with the other events.
	eventCallback
)

// String returns string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventData:
		return "data"
	case EventReconnect:
		return "reconnect"
	case EventTimeout:
		return "timeout"
	case EventStateChange:
		return "state-change"
	default:
		return "unknown"
	}
}

// ListenerID identifies a registered listener. It is used to remove the listener with Off.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn any
}

type event struct {
	kind     EventKind
	err      error
	data     []byte
	msg      string
	prev     State
	cur      State
	callback func()
}

// emitter is the typed event registration table of a device.
//
// Events are queued in the order they are posted and delivered by at most one
// dispatcher goroutine at a time, so listeners never run under the device lock and
// observe events in order.
type emitter struct {
	mu        sync.RWMutex
	listeners map[EventKind][]listener
	nextID    atomic.Uint64

	queue    queue.Queue[event]
	draining atomic.Bool
	logger   logger.Logger
}

func newEmitter(l logger.Logger) *emitter {
	return &emitter{
		listeners: make(map[EventKind][]listener),
		queue:     queue.NewLockFreeQueue[event](),
		logger:    l,
	}
}

func (e *emitter) on(kind EventKind, fn any) ListenerID {
	id := ListenerID(e.nextID.Add(1))

	e.mu.Lock()
	defer e.mu.Unlock()

	// copy on write, the dispatcher iterates over snapshots without holding the lock.
	cur := e.listeners[kind]
	next := make([]listener, len(cur), len(cur)+1)
	copy(next, cur)
	e.listeners[kind] = append(next, listener{id: id, fn: fn})

	return id
}

func (e *emitter) off(id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for kind, cur := range e.listeners {
		for i, l := range cur {
			if l.id != id {
				continue
			}

			next := make([]listener, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			e.listeners[kind] = append(next, cur[i+1:]...)

			return true
		}
	}

	return false
}

func (e *emitter) count(kind EventKind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[kind])
}

func (e *emitter) snapshot(kind EventKind) []listener {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.listeners[kind]
}

// post queues ev for delivery and starts a dispatcher if none is running.
func (e *emitter) post(ev event) {
	e.queue.Enqueue(ev)
	if e.draining.CompareAndSwap(false, true) {
		go e.drain()
	}
}

func (e *emitter) emitConnect() { e.post(event{kind: EventConnect}) }
func (e *emitter) emitClose() { e.post(event{kind: EventClose}) }
func (e *emitter) emitError(err error) { e.post(event{kind: EventError, err: err}) }
func (e *emitter) emitData(data []byte) { e.post(event{kind: EventData, data: data}) }
func (e *emitter) emitReconnect(msg string) { e.post(event{kind: EventReconnect, msg: msg}) }
func (e *emitter) emitTimeout() { e.post(event{kind: EventTimeout}) }
func (e *emitter) emitStateChange(prev, cur State) {
	e.post(event{kind: EventStateChange, prev: prev, cur: cur})
}

// then runs fn on the dispatcher after all previously posted events were delivered.
func (e *emitter) then(fn func()) { e.post(event{kind: eventCallback, callback: fn}) }

func (e *emitter) drain() {
	for {
		for ev, ok := e.queue.Dequeue(); ok; ev, ok = e.queue.Dequeue() {
			e.deliver(ev)
		}

		e.draining.Store(false)
		// an event posted between the last Dequeue and Store lost the race to start a
		// dispatcher, pick it up here.
		if e.queue.IsEmpty() || !e.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

func (e *emitter) deliver(ev event) {
	if ev.kind == eventCallback {
		e.safeCall(ev.kind, ev.callback)
		return
	}

	for _, l := range e.snapshot(ev.kind) {
		switch fn := l.fn.(type) {
		case func():
			e.safeCall(ev.kind, fn)
		case func(error):
			e.safeCall(ev.kind, func() { fn(ev.err) })
		case func([]byte):
			e.safeCall(ev.kind, func() { fn(ev.data) })
		case func(string):
			e.safeCall(ev.kind, func() { fn(ev.msg) })
		case func(State, State):
			e.safeCall(ev.kind, func() { fn(ev.prev, ev.cur) })
		}
	}
}

func (e *emitter) safeCall(kind EventKind, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in event listener", "event", kind, "panic", r)
		}
	}()

	fn()
}

// OnConnect registers fn to be called when the TCP handshake completed.
func (d *Device) OnConnect(fn func()) ListenerID { return d.events.on(EventConnect, fn) }

// OnClose registers fn to be called whenever the socket closed, whatever the cause.
func (d *Device) OnClose(fn func()) ListenerID { return d.events.on(EventClose, fn) }

// OnError registers fn to be called with the transport error that caused a socket to close.
func (d *Device) OnError(fn func(err error)) ListenerID { return d.events.on(EventError, fn) }

// OnData registers fn to be called with each raw chunk, or with each frame when a parser
// is configured. fn must not retain data after it returns unless it copies it.
func (d *Device) OnData(fn func(data []byte)) ListenerID { return d.events.on(EventData, fn) }

// OnReconnect registers fn to be called with a message when a reconnect is scheduled.
func (d *Device) OnReconnect(fn func(msg string)) ListenerID {
	return d.events.on(EventReconnect, fn)
}

// OnTimeout registers fn to be called when a TCP handshake timed out.
func (d *Device) OnTimeout(fn func()) ListenerID { return d.events.on(EventTimeout, fn) }

// OnStateChange registers fn to be called after the connection state changed.
func (d *Device) OnStateChange(fn func(prevState, newState State)) ListenerID {
	return d.events.on(EventStateChange, fn)
}

// Off removes the listener with the given id. It returns false if no such listener exists.
func (d *Device) Off(id ListenerID) bool { return d.events.off(id) }

// ListenerCount returns the number of listeners registered for kind.
func (d *Device) ListenerCount(kind EventKind) int { return d.events.count(kind) }
