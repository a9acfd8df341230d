package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/arloliu/go-tcpdev/device"
	"github.com/arloliu/go-tcpdev/logger"
	"github.com/spf13/cobra"
)

// session is a connected device together with the resources of the CLI around it.
type session struct {
	cfg         *cliConfig
	logger      logger.Logger
	dev         *device.Device
	stopMetrics func()
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	opts, err := cfg.deviceOptions()
	if err != nil {
		return nil, err
	}

	// all arguments validated, don't show usage on runtime errors
	cmd.SilenceUsage = true

	l := newLogger(cfg)
	logger.SetLogger(l)

	devCfg, err := device.NewConfig(cfg.Host, cfg.Port, append(opts, device.WithLogger(l))...)
	if err != nil {
		return nil, err
	}

	dev, err := device.New(cmd.Context(), devCfg)
	if err != nil {
		return nil, err
	}

	dev.OnError(func(err error) { l.Warn("device error", "error", err) })
	dev.OnTimeout(func() { l.Warn("connect timeout", "timeout", cfg.ResponseTimeout) })

	s := &session{cfg: cfg, logger: l, dev: dev}
	if cfg.MetricsAddr != "" {
		s.stopMetrics, err = serveMetrics(cfg.MetricsAddr, dev, l)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// connect waits at most the configured connect wait for the connection.
func (s *session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectWait)
	defer cancel()

	if err := s.dev.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", s.dev.Address(), err)
	}

	return nil
}

func (s *session) command(cmd string) (string, error) {
	eol, err := unescape(s.cfg.EOL)
	if err != nil {
		return "", fmt.Errorf("invalid eol: %w", err)
	}

	return cmd + eol, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.dev.Close(ctx); err != nil {
		s.logger.Warn("close device", "error", err)
	}

	if s.stopMetrics != nil {
		s.stopMetrics()
	}

	syncLogger(s.logger)
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <command>",
		Short: "Send a command without waiting for a response",
		Example: `  tcpdev send --host 192.168.0.10 --port 5025 "*RST"
  tcpdev send --eol '\r\n' "OUTP ON"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			command, err := s.command(args[0])
			if err != nil {
				return err
			}

			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			if err := s.dev.SendString(cmd.Context(), command); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes\n", len(command))

			return nil
		},
	}
}

func newRequestCmd() *cobra.Command {
	var failure string

	cmd := &cobra.Command{
		Use:   "request <command> <expected-regexp>",
		Short: "Send a command and wait for a matching response",
		Long: `Sends a command and waits for the first frame matching the expected regular expression.

The full match is printed, followed by one line per capture group. A frame matching
--failure ends the request with an error.`,
		Example: `  tcpdev request "*IDN?" '^(\w+),(\w+)'
  tcpdev request --failure '^ERR (\d+)' "MEAS:VOLT?" '^[-+0-9.E]+$'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			command, err := s.command(args[0])
			if err != nil {
				return err
			}

			if err := s.connect(cmd.Context()); err != nil {
				return err
			}

			match, err := s.dev.RequestString(cmd.Context(), command, args[1], failure)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, match.String())
			for i := 1; i < len(match); i++ {
				fmt.Fprintf(out, "[%d] %s\n", i, match.Group(i))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&failure, "failure", "", "Regular expression of a failure response")

	return cmd
}

func newMonitorCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print the frames a device emits",
		Long: `Connects to a device and prints every frame it emits until interrupted.

Connection events are logged; the connection is re-established whenever it drops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			out := &syncWriter{w: cmd.OutOrStdout()}
			s.dev.OnData(func(data []byte) { fmt.Fprintf(out, "%q\n", data) })
			s.dev.OnConnect(func() { s.logger.Info("connected") })
			s.dev.OnReconnect(func(msg string) { s.logger.Info(msg) })

			go func() {
				// connect attempts go on until ctx is done
				_ = s.dev.Connect(ctx)
			}()

			<-ctx.Done()

			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop monitoring after this duration; 0 runs until interrupted")

	return cmd
}

// syncWriter serializes writes from event listeners.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.w.Write(p)
}
