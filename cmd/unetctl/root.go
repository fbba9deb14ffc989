package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opd-ai/unet/config"
	unet "github.com/opd-ai/unet/net"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	bindHost string
	bindPort int

	// Set during PersistentPreRun
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "unetctl",
	Short: "UDP peer-to-peer toolkit: NAT discovery, transactions and streams",
	Long: `unetctl drives the unet stack over a real UDP socket. It classifies the
NAT in front of the host with STUN, measures transaction round trips,
runs unreliable streams with flow control, and serves all three.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("host") {
			cfg.Socket.Host = bindHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Socket.Port = bindPort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return cfg.ApplyLogging()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// listen opens the socket described by the loaded configuration.
func listen() (*unet.Socket, error) {
	s, err := unet.Listen(cfg.Socket.Host, cfg.Socket.Port, cfg.SocketOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to open socket (%s): %w", unet.Classify(err), err)
	}
	return s, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.unet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&bindHost, "host", "", "local address to bind (default all interfaces)")
	rootCmd.PersistentFlags().IntVar(&bindPort, "port", 0, "local port to bind (default ephemeral)")
}
