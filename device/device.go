package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arloliu/go-tcpdev/internal/task"
	"github.com/arloliu/go-tcpdev/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// Device represents one logical connection to a remote TCP device.
//
// A Device reconnects automatically whenever the connection is lost without an explicit
// Close. It exposes the incoming byte stream through data events, either as raw chunks or
// as frames of the configured parser, and correlates responses to requests by pattern.
//
// All methods are safe for concurrent use.
type Device struct {
	pctx     context.Context
	cfg      *Config
	logger   logger.Logger
	stateMgr *StateManager
	taskMgr  *task.Manager
	events   *emitter
	pipe     *Pipe // nil without a parser
	requests *xsync.MapOf[string, *pendingRequest]
	metrics  Metrics

	mu             sync.Mutex // guards the fields below and the socket fields
	sock           *socket    // the single active socket
	sockSeq        uint64
	userClose      bool
	awaiter        *connectAwaiter // tracked awaiter of the outstanding connect
	reconnectTimer *time.Timer
	reconnectGen   uint64

	writeMu sync.Mutex // serializes writes to the socket
}

// connectAwaiter is released by the first successful handshake after it was created.
type connectAwaiter struct {
	done chan struct{}
	err  error
}

func newConnectAwaiter() *connectAwaiter {
	return &connectAwaiter{done: make(chan struct{})}
}

func (a *connectAwaiter) settle(err error) {
	a.err = err
	close(a.done)
}

// New creates a Device with the given context and configuration.
//
// The context bounds the lifetime of the device: once it is done, sockets are torn down
// and no reconnect is scheduled anymore. New does not connect, call Connect.
func New(ctx context.Context, cfg *Config) (*Device, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}

	l := cfg.logger.With("address", cfg.Address())
	d := &Device{
		pctx:     ctx,
		cfg:      cfg,
		logger:   l,
		taskMgr:  task.NewManager(ctx, l),
		events:   newEmitter(l),
		requests: xsync.NewMapOf[string, *pendingRequest](),
	}

	d.stateMgr = NewStateManager(l, func(prev, cur State) {
		d.logger.Debug("state changed", "prev_state", prev, "state", cur)
		d.events.emitStateChange(prev, cur)
	})

	if cfg.parser != nil {
		d.pipe = NewPipe(cfg.parser)
		d.pipe.OnData(d.dispatchData)
		d.pipe.OnUnpipe(func(source uint64) {
			d.logger.Debug("data pipe detached", "socket", source)
		})
	}

	return d, nil
}

// Host returns the host of the remote device.
func (d *Device) Host() string { return d.cfg.Host() }

// Port returns the TCP port of the remote device.
func (d *Device) Port() int { return d.cfg.Port() }

// Address returns the host:port address of the remote device.
func (d *Device) Address() string { return d.cfg.Address() }

// IP returns the host of the remote device.
//
// Deprecated: use Host.
func (d *Device) IP() string {
	d.logger.Warn("IP is deprecated, use Host instead")
	return d.cfg.Host()
}

// State returns the current connection state.
func (d *Device) State() State { return d.stateMgr.State() }

// Connected returns if the handshake on the current socket completed and it was not closed since.
func (d *Device) Connected() bool { return d.stateMgr.State().IsConnected() }

// WaitState waits until the device reaches state or ctx is done.
func (d *Device) WaitState(ctx context.Context, state State) error {
	return d.stateMgr.WaitState(ctx, state)
}

// Pipe returns the data pipe of the device, or nil if no parser is configured.
func (d *Device) Pipe() *Pipe { return d.pipe }

// Metrics returns the metrics of the device.
func (d *Device) Metrics() *Metrics { return &d.metrics }

// Logger returns the logger of the device.
func (d *Device) Logger() logger.Logger { return d.logger }

// UpdateConfigOptions applies options that can be changed at runtime.
// The new values take effect on their next use.
func (d *Device) UpdateConfigOptions(opts ...ConfigOption) error {
	for _, opt := range opts {
		if !opt.isRuntime() {
			return errors.New("option can't be changed at runtime")
		}

		if err := opt.apply(d.cfg); err != nil {
			return err
		}
	}

	return nil
}

// SetReconnectInterval changes the reconnect interval. It applies to the next scheduled reconnect.
func (d *Device) SetReconnectInterval(val time.Duration) error {
	return d.UpdateConfigOptions(WithReconnectInterval(val))
}

// SetResponseTimeout changes the response timeout. It applies to the next connect attempt and request.
func (d *Device) SetResponseTimeout(val time.Duration) error {
	return d.UpdateConfigOptions(WithResponseTimeout(val))
}

// Connect opens the connection to the device.
//
// It returns nil immediately if the device is already connected. Otherwise it starts a
// connect attempt unless one is outstanding, and waits for the first successful handshake,
// which may be a later reconnect attempt. ctx only bounds the wait; the connect attempts go
// on until Close is called. Connect returns after the connect listeners ran.
//
// Transport errors are not returned, they are emitted as error events. Connect returns
// ErrDeviceClosed if Close is called while waiting or the context passed to New is done,
// or the ctx error.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.stateMgr.State().IsConnected() {
		d.mu.Unlock()
		return nil
	}

	if err := d.pctx.Err(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrDeviceClosed, err)
	}

	d.userClose = false
	if d.awaiter == nil {
		d.awaiter = newConnectAwaiter()
	}
	a := d.awaiter

	if d.sock == nil || !d.sock.pending() {
		d.openSocketLocked()
	}
	d.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection gracefully and suppresses any further reconnect.
//
// It waits until the dial and reader goroutines returned, then ends the data pipe, which
// flushes buffered partial frames. Closing a closed device is a no-op.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	d.userClose = true
	d.cancelReconnectLocked()

	a := d.awaiter
	d.awaiter = nil

	var conn net.Conn
	if s := d.sock; s != nil {
		switch {
		case s.usable():
			conn = s.conn
		case s.pending():
			d.destroyLocked(s, nil)
		}
	}
	d.mu.Unlock()

	if a != nil {
		a.settle(ErrDeviceClosed)
	}

	if conn != nil {
		d.logger.Info("closing connection")

		// wait for in-flight writes, then end the write side before closing.
		d.writeMu.Lock()
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		err := conn.Close()
		d.writeMu.Unlock()

		if err != nil && !errors.Is(err, net.ErrClosed) {
			d.logger.Debug("close socket", "error", err)
		}
	}

	if err := d.stopTasks(ctx); err != nil {
		return err
	}

	d.stateMgr.ToDisconnected()
	if d.pipe != nil {
		d.pipe.End()
	}

	return nil
}

// stopTasks stops the dial and reader goroutines and waits for them to return.
// The task manager accepts new tasks again afterwards.
func (d *Device) stopTasks(ctx context.Context) error {
	d.taskMgr.Stop()

	done := make(chan struct{})
	go func() {
		d.taskMgr.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settleAwaiterLocked releases the tracked connect awaiter, if any, after the events
// posted so far were delivered.
func (d *Device) settleAwaiterLocked(err error) {
	a := d.awaiter
	if a == nil {
		return
	}

	d.awaiter = nil
	d.events.then(func() { a.settle(err) })
}

// openSocketLocked discards the current socket and starts a connect attempt on a new one.
func (d *Device) openSocketLocked() {
	d.cancelReconnectLocked()
	if old := d.sock; old != nil {
		d.destroyLocked(old, nil)
	}

	d.sockSeq++
	s := &socket{id: d.sockSeq}
	d.sock = s

	dialCtx, cancel := context.WithCancel(d.pctx)
	s.cancelDial = cancel

	timeout := d.cfg.ResponseTimeout()
	s.connTimer = time.AfterFunc(timeout, func() { d.onConnectTimeout(s, timeout) })

	_ = d.stateMgr.ToConnecting()
	d.metrics.incConnectAttemptCount()
	d.logger.Debug("connecting", "socket", s.id, "timeout", timeout)

	if err := d.taskMgr.Go("dial", func(context.Context) { d.dial(dialCtx, s) }); err != nil {
		go d.onSocketClose(s, err)
	}
}

// destroyLocked forcibly tears down s. err, if not nil, is reported as the close cause.
func (d *Device) destroyLocked(s *socket, err error) {
	if s.destroyed || s.closed {
		return
	}

	s.destroyed = true
	s.destroyErr = err
	s.cancelDial()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (d *Device) onHandshake(s *socket, conn net.Conn) {
	d.mu.Lock()
	if d.sock != s || !s.pending() {
		d.mu.Unlock()
		_ = conn.Close()
		d.onSocketClose(s, nil)

		return
	}

	s.connTimer.Stop()
	s.conn = conn
	d.tuneConn(conn)

	_ = d.stateMgr.ToConnected()
	d.metrics.incConnectCount()
	d.metrics.resetConnRetryGauge()

	if d.pipe != nil {
		d.pipe.Attach(s.id)
	}

	d.events.emitConnect()
	d.settleAwaiterLocked(nil)

	err := d.taskMgr.Go("reader", func(ctx context.Context) { d.readLoop(ctx, s, conn) })
	d.mu.Unlock()

	if err != nil {
		_ = conn.Close()
		d.onSocketClose(s, err)

		return
	}

	d.logger.Info("connected", "socket", s.id, "local_addr", conn.LocalAddr())
}

// onSocketClose processes the close notification of s. It runs at most once per socket.
func (d *Device) onSocketClose(s *socket, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.connTimer != nil {
		s.connTimer.Stop()
	}
	s.cancelDial()

	if s.destroyed {
		cause = s.destroyErr
	}

	if d.sock != s {
		d.logger.Debug("ignore close of superseded socket", "socket", s.id)
		return
	}

	if d.pipe != nil {
		d.pipe.Detach(s.id)
	}

	if cause != nil {
		d.logger.Error("connection error", "socket", s.id, "error", cause)
		d.events.emitError(cause)
	}

	if (cause != nil || !d.userClose) && d.pctx.Err() == nil {
		if d.userClose {
			d.stateMgr.ToDisconnected()
		} else {
			_ = d.stateMgr.ToReconnecting()
		}

		interval := d.cfg.ReconnectInterval()
		d.scheduleReconnectLocked(interval)

		msg := fmt.Sprintf("connection to %s lost, reconnecting in %s", d.cfg.Address(), interval)
		d.logger.Warn(msg, "socket", s.id)
		d.events.emitReconnect(msg)
	} else {
		d.stateMgr.ToDisconnected()
		d.logger.Info("connection closed", "socket", s.id)
	}

	d.events.emitClose()

	if err := d.pctx.Err(); err != nil {
		d.settleAwaiterLocked(fmt.Errorf("%w: %w", ErrDeviceClosed, err))
	}
}

func (d *Device) onConnectTimeout(s *socket, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sock != s || !s.pending() {
		return
	}

	d.metrics.incConnectTimeoutCount()
	d.logger.Warn("connect timeout", "socket", s.id, "timeout", timeout)
	d.events.emitTimeout()
	d.destroyLocked(s, fmt.Errorf("%w: no handshake within %s", ErrConnectTimeout, timeout))
}

func (d *Device) scheduleReconnectLocked(interval time.Duration) {
	d.cancelReconnectLocked()

	gen := d.reconnectGen
	d.metrics.incConnRetryGauge()
	d.reconnectTimer = time.AfterFunc(interval, func() { d.reconnect(gen) })
}

// cancelReconnectLocked cancels the scheduled reconnect, a timer that already fired becomes stale.
func (d *Device) cancelReconnectLocked() {
	d.reconnectGen++
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
}

func (d *Device) reconnect(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.reconnectGen {
		return
	}
	d.reconnectTimer = nil

	if err := d.pctx.Err(); err != nil {
		d.stateMgr.ToDisconnected()
		d.settleAwaiterLocked(fmt.Errorf("%w: %w", ErrDeviceClosed, err))

		return
	}

	if d.userClose {
		d.stateMgr.ToDisconnected()
		return
	}

	d.metrics.incReconnectCount()
	d.logger.Info("reconnecting")
	d.openSocketLocked()
}

// onChunk routes a chunk read from s through the data pipe, or emits it as is.
func (d *Device) onChunk(s *socket, chunk []byte) {
	d.mu.Lock()
	current := d.sock == s
	d.mu.Unlock()

	if !current {
		return
	}

	if d.pipe == nil {
		d.dispatchData(chunk)
		return
	}

	if err := d.pipe.Write(s.id, chunk); err != nil {
		d.logger.Debug("drop chunk", "socket", s.id, "error", err)
	}
}

// dispatchData settles the pending requests matching data, then emits it to the data listeners.
// It runs on the reader goroutine, never on the event dispatcher.
func (d *Device) dispatchData(data []byte) {
	d.correlate(data)
	d.events.emitData(data)
}

// currentConn returns the connection of the current socket if it is usable.
func (d *Device) currentConn() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sock == nil || !d.sock.usable() {
		return nil
	}

	return d.sock.conn
}
