package device

import (
	"bufio"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-tcpdev/logger"
	"github.com/arloliu/go-tcpdev/parser"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testHost = "127.0.0.1"

func TestMain(m *testing.M) {
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	os.Exit(m.Run())
}

func TestDevice_ConnectTwice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port)
	rec := recordEvents(d)

	require.NoError(d.Connect(ctx))
	require.True(d.Connected())
	require.Equal(1, rec.count("connect"))

	require.NoError(d.Connect(ctx))
	time.Sleep(50 * time.Millisecond)
	require.Equal(1, rec.count("connect"))
	require.EqualValues(1, d.Metrics().ConnectAttemptCount.Load())
}

func TestDevice_ConcurrentConnect(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port)
	rec := recordEvents(d)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Connect(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(err)
	}
	require.Equal(1, rec.count("connect"))
	require.EqualValues(1, d.Metrics().ConnectAttemptCount.Load())
}

func TestDevice_CloseSuppressesReconnect(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port, WithReconnectInterval(20*time.Millisecond))
	rec := recordEvents(d)

	require.NoError(d.Connect(ctx))
	require.NoError(d.Close(ctx))
	require.False(d.Connected())
	require.Equal(Disconnected, d.State())
	require.Zero(d.taskMgr.Count())

	require.Eventually(func() bool { return rec.count("close") == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	require.Zero(rec.count("reconnect"))
	require.Zero(rec.count("error"))
	require.EqualValues(1, d.Metrics().ConnectAttemptCount.Load())

	// closing twice is a no-op
	require.NoError(d.Close(ctx))
	time.Sleep(20 * time.Millisecond)
	require.Equal(1, rec.count("close"))
}

func TestDevice_CloseBeforeConnect(t *testing.T) {
	require := require.New(t)

	d := newTestDevice(t, 1)
	rec := recordEvents(d)

	require.NoError(d.Close(context.Background()))
	require.Equal(Disconnected, d.State())
	require.Empty(rec.snapshot())
}

func TestDevice_ReconnectAfterLoss(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port)
	rec := recordEvents(d)

	var reconnectMsg atomic.Value
	d.OnReconnect(func(msg string) { reconnectMsg.Store(msg) })

	require.NoError(d.Connect(ctx))
	srv.nextConn(t)

	srv.dropAll()
	require.Eventually(func() bool { return rec.count("connect") == 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(containsInOrder(rec.snapshot(), "connect", "reconnect", "close", "connect"))
	require.Contains(reconnectMsg.Load(), srv.addr())
	require.EqualValues(1, d.Metrics().ReconnectCount.Load())
	require.True(d.Connected())

	require.NoError(d.Close(ctx))
	time.Sleep(150 * time.Millisecond)
	require.Equal(1, rec.count("reconnect"))
	require.EqualValues(2, d.Metrics().ConnectAttemptCount.Load())
}

func TestDevice_CloseDuringReconnectWait(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port, WithReconnectInterval(300*time.Millisecond))
	rec := recordEvents(d)

	require.NoError(d.Connect(ctx))
	srv.nextConn(t)

	srv.dropAll()
	require.Eventually(func() bool { return rec.count("reconnect") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(d.WaitState(ctx, Reconnecting))

	require.NoError(d.Close(ctx))
	require.Equal(Disconnected, d.State())

	time.Sleep(600 * time.Millisecond)
	require.EqualValues(1, d.Metrics().ConnectAttemptCount.Load())
	require.Equal(1, rec.count("connect"))
}

func TestDevice_UnreachableHost(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	dialer := &switchDialer{}
	d := newTestDevice(t, 1,
		WithDialer(dialer),
		WithResponseTimeout(50*time.Millisecond),
		WithReconnectInterval(20*time.Millisecond),
	)
	rec := recordEvents(d)

	connectErr := make(chan error, 1)
	go func() { connectErr <- d.Connect(ctx) }()

	require.Eventually(func() bool { return rec.count("timeout") >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(rec.count("connect"))
	require.GreaterOrEqual(dialer.attempts.Load(), int32(2))
	for _, err := range rec.errors() {
		require.ErrorIs(err, ErrConnectTimeout)
	}
	require.True(containsInOrder(rec.snapshot(), "timeout", "error", "reconnect", "close"))

	select {
	case err := <-connectErr:
		t.Fatalf("connect returned before a handshake: %v", err)
	default:
	}

	// the first caller is released by the first successful reconnect
	srv := newTestServer(t, nil)
	dialer.reachable(srv.addr())

	select {
	case err := <-connectErr:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after the host became reachable")
	}
	require.Equal(1, rec.count("connect"))
	require.True(d.Connected())
	require.Zero(d.Metrics().ConnRetryGauge.Load())
	require.GreaterOrEqual(d.Metrics().ConnectTimeoutCount.Load(), uint64(2))
}

func TestDevice_ConnectContextBoundsWaitOnly(t *testing.T) {
	require := require.New(t)

	dialer := &switchDialer{}
	d := newTestDevice(t, 1,
		WithDialer(dialer),
		WithResponseTimeout(50*time.Millisecond),
		WithReconnectInterval(20*time.Millisecond),
	)
	rec := recordEvents(d)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(d.Connect(ctx), context.DeadlineExceeded)

	// attempts go on in the background
	srv := newTestServer(t, nil)
	dialer.reachable(srv.addr())
	require.Eventually(func() bool { return rec.count("connect") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDevice_CloseReleasesPendingConnect(t *testing.T) {
	require := require.New(t)

	dialer := &switchDialer{}
	d := newTestDevice(t, 1, WithDialer(dialer), WithResponseTimeout(time.Second))
	rec := recordEvents(d)

	connectErr := make(chan error, 1)
	go func() { connectErr <- d.Connect(context.Background()) }()

	require.Eventually(func() bool { return dialer.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(Connecting, d.State())
	require.NoError(d.Close(context.Background()))

	select {
	case err := <-connectErr:
		require.ErrorIs(err, ErrDeviceClosed)
	case <-time.After(time.Second):
		t.Fatal("pending connect was not released by close")
	}

	require.Eventually(func() bool { return rec.count("close") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Zero(rec.count("error"))
	require.Zero(rec.count("reconnect"))
	require.Equal(Disconnected, d.State())
}

func TestDevice_PipeSurvivesReconnect(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port, WithParser(parser.NewReadline("\n")))
	rec := recordEvents(d)

	pipe := d.Pipe()
	require.NotNil(pipe)

	require.NoError(d.Connect(ctx))
	conn := srv.nextConn(t)
	_, err := conn.Write([]byte("par"))
	require.NoError(err)
	require.Eventually(func() bool { return d.Metrics().BytesRecvCount.Load() == 3 }, time.Second, 5*time.Millisecond)

	for i := 2; i <= 4; i++ {
		require.NoError(conn.Close())
		require.Eventually(func() bool { return rec.count("connect") == i }, 2*time.Second, 5*time.Millisecond)
		conn = srv.nextConn(t)

		require.Equal(1, pipe.ListenerCount(PipeData))
		require.Equal(1, pipe.ListenerCount(PipeUnpipe))
		require.False(pipe.Ended())
	}

	_, err = conn.Write([]byte("tial\nnext"))
	require.NoError(err)
	require.Eventually(func() bool { return len(rec.dataSnapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal([]string{"partial"}, rec.dataSnapshot())

	require.NoError(d.Close(ctx))
	require.True(pipe.Ended())
	require.Eventually(func() bool { return len(rec.dataSnapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal("next", rec.dataSnapshot()[1])
}

func TestDevice_RawChunks(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port)
	rec := recordEvents(d)

	require.Nil(d.Pipe())
	require.NoError(d.Connect(ctx))

	conn := srv.nextConn(t)
	_, err := conn.Write([]byte("hello"))
	require.NoError(err)

	require.Eventually(func() bool { return len(rec.dataSnapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal("hello", rec.dataSnapshot()[0])
}

func TestDevice_StateChangeEvents(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	srv := newTestServer(t, nil)
	d := newTestDevice(t, srv.port)

	var mu sync.Mutex
	var states []State
	d.OnStateChange(func(_, newState State) {
		mu.Lock()
		states = append(states, newState)
		mu.Unlock()
	})

	require.NoError(d.Connect(ctx))
	require.NoError(d.Close(ctx))

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal([]State{Connecting, Connected, Disconnected}, states)
}

func TestDevice_IPDeprecated(t *testing.T) {
	require := require.New(t)

	l := logger.NewPermissiveMockLogger()
	cfg, err := NewConfig("", 5000, WithIP(testHost), WithLogger(l))
	require.NoError(err)
	require.Equal(testHost, cfg.Host())
	l.AssertCalled(t, "Warn", "the ip option is deprecated, use host instead", mock.Anything)

	d, err := New(context.Background(), cfg)
	require.NoError(err)
	require.Equal(testHost, d.IP())
	l.AssertCalled(t, "Warn", "IP is deprecated, use Host instead", mock.Anything)
}

func TestDevice_ParentContextDone(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t, nil)
	cfg, err := NewConfig(testHost, srv.port, WithReconnectInterval(20*time.Millisecond))
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, cfg)
	require.NoError(err)
	rec := recordEvents(d)

	require.NoError(d.Connect(context.Background()))
	cancel()

	require.Eventually(func() bool { return rec.count("close") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Zero(rec.count("reconnect"))
	require.Equal(Disconnected, d.State())
}

func TestDevice_ConnectAfterParentContextDone(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig(testHost, 1)
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := New(ctx, cfg)
	require.NoError(err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	err = d.Connect(waitCtx)
	require.ErrorIs(err, ErrDeviceClosed)
	require.ErrorIs(err, context.Canceled)
	require.Equal(Disconnected, d.State())
	require.Zero(d.Metrics().ConnectAttemptCount.Load())
}

func TestDevice_ParentContextDoneReleasesPendingConnect(t *testing.T) {
	require := require.New(t)

	dialer := &switchDialer{}
	cfg, err := NewConfig(testHost, 1, WithDialer(dialer), WithResponseTimeout(time.Second))
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, cfg)
	require.NoError(err)
	rec := recordEvents(d)

	connectErr := make(chan error, 1)
	go func() { connectErr <- d.Connect(context.Background()) }()

	require.Eventually(func() bool { return dialer.attempts.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-connectErr:
		require.ErrorIs(err, ErrDeviceClosed)
		require.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pending connect was not released when the device context was done")
	}

	require.Eventually(func() bool { return rec.count("close") == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(rec.count("reconnect"))
	require.Equal(Disconnected, d.State())
}

func newTestDevice(t *testing.T, port int, opts ...ConfigOption) *Device {
	t.Helper()

	opts = append([]ConfigOption{
		WithReconnectInterval(50 * time.Millisecond),
		WithResponseTimeout(500 * time.Millisecond),
	}, opts...)

	cfg, err := NewConfig(testHost, port, opts...)
	require.NoError(t, err)

	d, err := New(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = d.Close(context.Background()) })

	return d
}

// testServer is a loopback TCP server standing in for the remote device.
type testServer struct {
	ln       net.Listener
	port     int
	accepted chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
}

func newTestServer(t *testing.T, handler func(conn net.Conn)) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", net.JoinHostPort(testHost, "0"))
	require.NoError(t, err)

	s := &testServer{
		ln:       ln,
		port:     ln.Addr().(*net.TCPAddr).Port,
		accepted: make(chan net.Conn, 16),
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()

			select {
			case s.accepted <- conn:
			default:
			}

			if handler != nil {
				go handler(conn)
			}
		}
	}()

	t.Cleanup(s.close)

	return s
}

func (s *testServer) addr() string {
	return net.JoinHostPort(testHost, strconv.Itoa(s.port))
}

func (s *testServer) nextConn(t *testing.T) net.Conn {
	t.Helper()

	select {
	case conn := <-s.accepted:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// dropAll closes every accepted connection.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *testServer) close() {
	_ = s.ln.Close()
	s.dropAll()
}

// lineResponder answers every line received with the lines returned by respond.
func lineResponder(respond func(line string) []string) func(conn net.Conn) {
	return func(conn net.Conn) {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			for _, resp := range respond(scanner.Text()) {
				if _, err := conn.Write([]byte(resp)); err != nil {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
}

// switchDialer never completes a handshake until reachable is called.
type switchDialer struct {
	attempts atomic.Int32
	target   atomic.Pointer[string]
}

func (sd *switchDialer) reachable(addr string) { sd.target.Store(&addr) }

func (sd *switchDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	sd.attempts.Add(1)

	if addr := sd.target.Load(); addr != nil {
		var d net.Dialer
		return d.DialContext(ctx, network, *addr)
	}

	<-ctx.Done()

	return nil, ctx.Err()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	data   []string
}

func recordEvents(d *Device) *eventRecorder {
	r := &eventRecorder{}
	d.OnConnect(func() { r.add("connect") })
	d.OnClose(func() { r.add("close") })
	d.OnTimeout(func() { r.add("timeout") })
	d.OnReconnect(func(string) { r.add("reconnect") })
	d.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
		r.add("error")
	})
	d.OnData(func(data []byte) {
		r.mu.Lock()
		r.data = append(r.data, string(data))
		r.mu.Unlock()
	})

	return r
}

func (r *eventRecorder) add(name string) {
	r.mu.Lock()
	r.events = append(r.events, name)
	r.mu.Unlock()
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}

	return n
}

func (r *eventRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func (r *eventRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

func (r *eventRecorder) dataSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.data...)
}

// containsInOrder returns if want is a subsequence of events.
func containsInOrder(events []string, want ...string) bool {
	i := 0
	for _, e := range events {
		if i < len(want) && e == want[i] {
			i++
		}
	}

	return i == len(want)
}
