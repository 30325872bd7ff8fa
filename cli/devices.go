package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"peerlink/storage"
	"peerlink/trust"
)

func openStore(opts *rootOptions) (*storage.Store, error) {
	dataDir, err := opts.resolveDataDir()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func formatMillis(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format(time.DateTime)
}

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			devices, err := store.ListTrustedDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No paired devices.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tFINGERPRINT\tLAST SEEN\tADDRESS")
			for _, d := range devices {
				address := "-"
				if d.LastKnownAddress != nil {
					address = *d.LastKnownAddress
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.DeviceID, d.DeviceName, d.DeviceType,
					trust.FormatFingerprint(d.CertificateFingerprint), formatMillis(d.LastSeenTimestamp), address)
			}
			return w.Flush()
		},
	}
}

func newUnpairCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Forget a paired device while the node is stopped",
		Long: `Remove the pinned certificate of a device. The device is not told; it
learns on its next connection that it is no longer paired.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			deviceID := args[0]
			if err := store.RemoveTrustedDevice(deviceID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("device %s is not paired", deviceID)
				}
				return err
			}
			if err := store.RecordSecurityEvent(storage.EventUnpaired, deviceID, storage.SeverityInfo, map[string]any{"by": "cli"}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unpaired %s\n", deviceID)
			return nil
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		limit    int
		deviceID string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the security audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			events, err := store.SecurityEvents(storage.SecurityEventFilter{DeviceID: deviceID, Limit: limit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tDEVICE\tDETAILS")
			for _, event := range events {
				device := event.DeviceID
				if device == "" {
					device = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					event.At.Local().Format(time.DateTime), event.Severity, event.Type, device, event.Details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().StringVar(&deviceID, "device", "", "only events for this device id")
	return cmd
}
