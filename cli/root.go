// Package cli implements the peerlink command line.
package cli

import (
	"github.com/spf13/cobra"

	"peerlink/config"
	"peerlink/logging"
)

var (
	// Version is set at build time with -ldflags "-X peerlink/cli.Version=x.y.z".
	Version = "dev"
	// Commit is set at build time.
	Commit = "none"
)

type rootOptions struct {
	dataDir  string
	logLevel string
	logJSON  bool
}

// resolveDataDir returns --data-dir or the platform default.
func (o *rootOptions) resolveDataDir() (string, error) {
	if o.dataDir != "" {
		return o.dataDir, nil
	}
	return config.ResolveDataDir()
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "peerlink",
		Short: "Discover, pair with and talk to devices on the local network",
		Long: `peerlink finds nearby devices over UDP broadcast and mDNS, connects to them
over TLS and pairs with them by pinning their certificates. Paired devices
can exchange service packets such as ping.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(cmd.ErrOrStderr(), logging.ParseLevel(opts.logLevel), opts.logJSON)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (default is the per-user app data dir, or $"+config.DataDirEnv+")")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.logJSON, "log-json", false, "write logs as JSON")

	root.AddCommand(
		newRunCmd(opts),
		newIdentityCmd(opts),
		newDevicesCmd(opts),
		newUnpairCmd(opts),
		newEventsCmd(opts),
		newServicesCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line.
func Execute() error {
	return NewRootCmd().Execute()
}
