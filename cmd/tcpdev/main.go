// Command tcpdev talks to line- or frame-oriented TCP devices.
//
// It sends commands, runs request/response exchanges and monitors the data a device emits,
// reconnecting automatically when the connection drops.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tcpdev",
		Short: "Resilient TCP device client",
		Long: `tcpdev talks to line- or frame-oriented devices over TCP:

- send commands without waiting for a response
- send a command and wait for a response matching a regular expression
- monitor the frames a device emits

The connection is re-established automatically when it drops.
Every flag can also be set by a TCPDEV_* environment variable (e.g. TCPDEV_RESPONSE_TIMEOUT)
or in the file given by --config.`,
		Version:       version,
		SilenceErrors: true,
	}

	addConfigFlags(root)

	root.AddCommand(newSendCmd())
	root.AddCommand(newRequestCmd())
	root.AddCommand(newMonitorCmd())

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}

		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
