package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"peerlink/storage"
)

func newServicesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Enable or disable services per device",
		Long: `Services are enabled unless a setting turns them off. A setting for one
device wins over the default set without --device. Changes apply the next
time the node starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			settings, err := store.ServiceSettings()
			if err != nil {
				return err
			}
			if len(settings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All services enabled.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tDEVICE\tENABLED\tUPDATED")
			for _, s := range settings {
				device := s.DeviceID
				if device == "" {
					device = "(default)"
				}
				updated := s.UpdatedAt
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.Service, device, s.Enabled, formatMillis(&updated))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(
		newServiceToggleCmd(opts, "enable", true),
		newServiceToggleCmd(opts, "disable", false),
		newServiceResetCmd(opts),
	)
	return cmd
}

func newServiceToggleCmd(opts *rootOptions, verb string, enabled bool) *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   verb + " <service>",
		Short: verb + " a service for one device or by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			if err := store.SetServiceEnabled(args[0], deviceID, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %sd\n", scope(deviceID), args[0], verb)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "apply to this device id only")
	return cmd
}

func newServiceResetCmd(opts *rootOptions) *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "reset <service>",
		Short: "Drop a service setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			if err := store.ClearServiceSetting(args[0], deviceID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%s has no setting for %s", scope(deviceID), args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s reset\n", scope(deviceID), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "reset the setting of this device id")
	return cmd
}

func scope(deviceID string) string {
	if deviceID == "" {
		return "default"
	}
	return deviceID
}
