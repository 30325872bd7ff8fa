package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"peerlink/device"
	"peerlink/node"
	"peerlink/pairing"
	"peerlink/service"
	"peerlink/trust"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		acceptPairing bool
		pairWith      []string
		host          string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			out := cmd.OutOrStdout()
			n, err := node.New(node.Options{
				DataDir:       opts.dataDir,
				Host:          host,
				AcceptPairing: acceptPairing,
				PairWith:      pairWith,
				Delegate:      eventPrinter{out: out},
				OnPing: func(peer service.Peer, message string) {
					fmt.Fprintf(out, "ping from %s (%s) %q\n", peer.Name(), peer.ID(), message)
				},
			})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, n.Close()) }()

			fmt.Fprintf(out, "Device ID:       %s\n", n.DeviceID())
			fmt.Fprintf(out, "Device Name:     %s\n", n.DeviceName())
			fmt.Fprintf(out, "Fingerprint:     %s\n", trust.FormatFingerprint(n.Fingerprint()))
			fmt.Fprintf(out, "Data Directory:  %s\n", n.DataDir())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				select {
				case <-n.Ready():
					fmt.Fprintf(out, "Listening Port:  %d\n", n.TCPPort())
					fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
				case <-ctx.Done():
				}
			}()

			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			fmt.Fprintln(out, "Status:          shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&acceptPairing, "accept-pairing", false, "accept every incoming pairing request")
	cmd.Flags().StringSliceVar(&pairWith, "pair", nil, "request pairing with these device ids once reachable")
	cmd.Flags().StringVar(&host, "host", "", "bind address for the listener and discovery")
	return cmd
}

// eventPrinter reports device events on the command output.
type eventPrinter struct {
	out io.Writer
}

func (p eventPrinter) DeviceStateChanged(info device.Info) {
	status := "unreachable"
	if info.Reachable {
		status = "reachable"
	}
	fmt.Fprintf(p.out, "device %s (%s): %s, %s\n", info.Name, info.ID, status, info.PairingState)
}

func (p eventPrinter) PairingRequestReceived(info device.Info, request pairing.Request) {
	fmt.Fprintf(p.out, "pairing request from %s (%s), verification key %s, expires %s\n",
		info.Name, info.ID, info.VerificationKey, request.Deadline.Format("15:04:05"))
}

func (p eventPrinter) PairingFailed(info device.Info, err error) {
	fmt.Fprintf(p.out, "pairing with %s (%s) failed: %v\n", info.Name, info.ID, err)
}

func (p eventPrinter) TrustViolation(info device.Info, err error) {
	fmt.Fprintf(p.out, "WARNING: %s (%s) failed certificate verification: %v\n", info.Name, info.ID, err)
}
