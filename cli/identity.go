package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peerlink/config"
	"peerlink/trust"
)

func newIdentityCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the local device identity, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dataDir, err := config.LoadOrCreate(opts.dataDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			provider, err := trust.NewFileProvider(config.KeysDir(dataDir))
			if err != nil {
				return err
			}
			identity, err := provider.GetOrCreateIdentity(cfg.DeviceID, cfg.CertificateValidity())
			if err != nil {
				return fmt.Errorf("load identity certificate: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
			fmt.Fprintf(out, "Device Type:     %s\n", cfg.Type())
			fmt.Fprintf(out, "Fingerprint:     %s\n", trust.FormatFingerprint(identity.Fingerprint()))
			fmt.Fprintf(out, "Valid Until:     %s\n", identity.Certificate.NotAfter.Format("2006-01-02"))
			fmt.Fprintf(out, "Data Directory:  %s\n", dataDir)
			return nil
		},
	}
}
