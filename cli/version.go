package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peerlink/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "peerlink\n")
			fmt.Fprintf(out, "  Version:  %s\n", Version)
			fmt.Fprintf(out, "  Commit:   %s\n", Commit)
			fmt.Fprintf(out, "  Protocol: %d\n", protocol.ProtocolVersion)
		},
	}
}
