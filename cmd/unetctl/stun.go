package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/unet/stun"
)

var stunCmd = &cobra.Command{
	Use:   "stun [server]",
	Short: "Classify the NAT in front of this host",
	Long: `Run the RFC 5780 test chain against a STUN server and report the mapping
and filtering behavior. The server defaults to stun.server from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server := cfg.STUN.Server
		if len(args) == 1 {
			server = args[0]
		}
		if server == "" {
			return fmt.Errorf("no STUN server given and stun.server is not set")
		}

		s, err := listen()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := signalContext(context.Background())
		defer cancel()

		r, err := stun.Resolve(ctx, s, server, cfg.STUNOptions()...)
		if err != nil {
			return fmt.Errorf("stun failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server:    %s\n", r.Server)
		fmt.Fprintf(out, "Local:     %s\n", r.Local)
		fmt.Fprintf(out, "Mapped:    %s\n", r.Mapped)
		if r.HasOther {
			fmt.Fprintf(out, "Other:     %s\n", r.Other)
		}
		fmt.Fprintf(out, "Mapping:   %s\n", r.Behavior)
		fmt.Fprintf(out, "Filtering: %s\n", r.Filtering)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stunCmd)
}
