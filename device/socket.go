package device

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/arloliu/go-tcpdev/internal/util"
)

// socket is one transport handle of a device. A new socket is allocated for every
// connect attempt, a socket is never reused.
//
// All fields except id are guarded by Device.mu.
type socket struct {
	id         uint64
	conn       net.Conn // nil until the handshake completed
	cancelDial context.CancelFunc
	connTimer  *time.Timer

	destroyed  bool
	destroyErr error
	closed     bool // the close notification was processed
}

// pending returns if the handshake of the socket is still outstanding.
func (s *socket) pending() bool {
	return s.conn == nil && !s.destroyed && !s.closed
}

// usable returns if the socket completed its handshake and is still open.
func (s *socket) usable() bool {
	return s.conn != nil && !s.destroyed && !s.closed
}

// dial performs the TCP handshake of s.
func (d *Device) dial(ctx context.Context, s *socket) {
	conn, err := d.cfg.dialer.DialContext(ctx, "tcp", d.cfg.Address())
	if err != nil {
		d.logger.Debug("dial failed", "socket", s.id, "error", err)
		d.onSocketClose(s, err)

		return
	}

	d.onHandshake(s, conn)
}

// readLoop delivers the chunks of conn in arrival order until the socket closes.
func (d *Device) readLoop(ctx context.Context, s *socket, conn net.Conn) {
	// tear down the socket when the device context is done.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, d.cfg.readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.metrics.addBytesRecv(n)
			d.onChunk(s, util.CloneSlice(buf[:n], 0))
		}

		if err != nil {
			d.onSocketClose(s, transportError(err))
			return
		}
	}
}

// transportError returns nil for the errors of an orderly close.
func transportError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func (d *Device) tuneConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if err := tcpConn.SetNoDelay(d.cfg.noDelay); err != nil {
		d.logger.Debug("failed to set no delay", "error", err)
	}
}
