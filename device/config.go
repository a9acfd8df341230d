package device

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-tcpdev/logger"
	"github.com/arloliu/go-tcpdev/parser"
)

// Dialer establishes the transport connection of a device.
//
// *net.Dialer satisfies this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config represents the configuration parameters of a Device.
type Config struct {
	mu sync.RWMutex

	// host specifies the host of the remote device.
	host string

	// ip is the deprecated alias of host. It is used only when host is empty.
	ip string

	// port specifies the TCP port of the remote device.
	port int

	// reconnectInterval is the delay between losing the connection and the next connect attempt.
	// Defaults to 3 seconds.
	reconnectInterval time.Duration

	// responseTimeout bounds both the TCP handshake and the wait for a matching response.
	// Defaults to 3 seconds.
	responseTimeout time.Duration

	// parser optionally splits the raw byte stream into frames before they are exposed as data events.
	parser parser.Transform

	// dialer establishes the TCP connection. Defaults to a *net.Dialer with keepAlive.
	dialer Dialer

	// keepAlive is the TCP keep-alive period of the default dialer. Defaults to 30 seconds.
	keepAlive time.Duration

	// noDelay disables Nagle's algorithm so that writes are sent immediately. Defaults to true.
	noDelay bool

	// readBufferSize is the size of the buffer each socket reads into. Defaults to 4096.
	readBufferSize int

	// logger provides a logger instance for logging device events and errors.
	logger logger.Logger
}

// NewConfig creates a new device configuration with the given host, port number, and optional functional options.
//
// The host may be empty if the deprecated WithIP option supplies it; when both are given, host wins.
//
// Returns the initialized Config and an error if any option is invalid or no host is configured.
func NewConfig(host string, port int, opts ...ConfigOption) (*Config, error) {
	cfg := &Config{
		host:              host,
		reconnectInterval: 3 * time.Second,
		responseTimeout:   3 * time.Second,
		keepAlive:         30 * time.Second,
		noDelay:           true,
		readBufferSize:    4096,
		logger:            logger.GetLogger(),
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.ip != "" {
		cfg.logger.Warn("the ip option is deprecated, use host instead", "ip", cfg.ip, "host", cfg.host)
		if cfg.host == "" {
			cfg.host = cfg.ip
		}
	}

	if cfg.host == "" {
		return cfg, errors.New("host is required")
	}

	if cfg.dialer == nil {
		cfg.dialer = &net.Dialer{KeepAlive: cfg.keepAlive}
	}

	return cfg, nil
}

// Host returns the host of the remote device.
func (cfg *Config) Host() string { return cfg.host }

// Port returns the TCP port of the remote device.
func (cfg *Config) Port() int { return cfg.port }

// Address returns the host:port address of the remote device.
func (cfg *Config) Address() string {
	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

// ReconnectInterval returns the current reconnect interval.
func (cfg *Config) ReconnectInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.reconnectInterval
}

// ResponseTimeout returns the current response timeout.
func (cfg *Config) ResponseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.responseTimeout
}

// ConfigOption represents a functional option for configuring a Config.
type ConfigOption interface {
	apply(*Config) error
	isRuntime() bool
}

type configOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*Config) error
}

func (o *configOptFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	return o.applyFunc(cfg)
}

func (o *configOptFunc) isRuntime() bool { return o.runtime }

func newConfigOptFunc(name string, runtime bool, f func(*Config) error) *configOptFunc {
	return &configOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

// withPort sets the TCP port number.
// An error is returned if the port number is out of the valid range (1-65535).
func withPort(port int) ConfigOption {
	return newConfigOptFunc("withPort", false, func(cfg *Config) error {
		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithIP sets the host through the deprecated ip alias.
// It is used only when no host was given to NewConfig, and its use is logged as a warning.
//
// Deprecated: pass the address as the host argument of NewConfig.
//
// This option can't be changed at runtime.
func WithIP(ip string) ConfigOption {
	return newConfigOptFunc("WithIP", false, func(cfg *Config) error {
		cfg.ip = ip
		return nil
	})
}

// WithReconnectInterval sets the delay before reconnecting after an unexpected disconnect.
// The interval must not be negative; zero reconnects immediately.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithReconnectInterval(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithReconnectInterval", true, func(cfg *Config) error {
		if val < 0 {
			return errors.New("reconnect interval must not be negative")
		}

		cfg.mu.Lock()
		cfg.reconnectInterval = val
		cfg.mu.Unlock()

		return nil
	})
}

// WithResponseTimeout sets the timeout of the TCP handshake and of each request.
// The timeout must be positive.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithResponseTimeout(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithResponseTimeout", true, func(cfg *Config) error {
		if val <= 0 {
			return errors.New("response timeout must be positive")
		}

		cfg.mu.Lock()
		cfg.responseTimeout = val
		cfg.mu.Unlock()

		return nil
	})
}

// WithParser sets the frame transform applied to the incoming byte stream.
// The transform lives as long as the Device and keeps partial frames across reconnects.
//
// This option can't be changed at runtime.
func WithParser(p parser.Transform) ConfigOption {
	return newConfigOptFunc("WithParser", false, func(cfg *Config) error {
		cfg.parser = p
		return nil
	})
}

// WithDialer replaces the dialer used to open the TCP connection.
//
// This option can't be changed at runtime.
func WithDialer(d Dialer) ConfigOption {
	return newConfigOptFunc("WithDialer", false, func(cfg *Config) error {
		if d == nil {
			return errors.New("dialer is nil")
		}
		cfg.dialer = d

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period of the default dialer. A negative value disables keep-alive.
//
// The default value is 30 seconds.
//
// This option can't be changed at runtime.
func WithKeepAlive(val time.Duration) ConfigOption {
	return newConfigOptFunc("WithKeepAlive", false, func(cfg *Config) error {
		cfg.keepAlive = val
		return nil
	})
}

// WithNoDelay controls whether Nagle's algorithm is disabled on the TCP connection.
//
// The default value is true.
//
// This option can't be changed at runtime.
func WithNoDelay(val bool) ConfigOption {
	return newConfigOptFunc("WithNoDelay", false, func(cfg *Config) error {
		cfg.noDelay = val
		return nil
	})
}

// WithReadBufferSize sets the size of the socket read buffer, which bounds the size of a raw chunk.
// The size must be within the range of 64 to 1048576 bytes.
//
// The default value is 4096.
//
// This option can't be changed at runtime.
func WithReadBufferSize(size int) ConfigOption {
	return newConfigOptFunc("WithReadBufferSize", false, func(cfg *Config) error {
		if size < 64 || size > 1<<20 {
			return errors.New("read buffer size out of range [64, 1048576]")
		}
		cfg.readBufferSize = size

		return nil
	})
}

// WithLogger sets the logger of the device.
//
// The default logger is the global logger instance.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) ConfigOption {
	return newConfigOptFunc("WithLogger", false, func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
