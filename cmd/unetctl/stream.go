package main

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/spf13/cobra"

	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/stream"
)

var (
	streamDuration time.Duration
	streamMessage  string
)

var streamCmd = &cobra.Command{
	Use:   "stream <host:port>",
	Short: "Run a stream session with a peer and report its statistics",
	Long: `Open a stream to a peer, send a numbered message on every update and
print what comes back. Pair it with "unetctl serve" to get an echo.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(context.Background())
		defer cancel()
		if streamDuration > 0 {
			ctx, cancel = context.WithTimeout(ctx, streamDuration)
			defer cancel()
		}

		to, err := unet.ResolveHostPort(ctx, args[0])
		if err != nil {
			return fmt.Errorf("stream failed: %w", err)
		}

		s, err := listen()
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		var sent, received int
		timedOut := make(chan struct{})
		var once sync.Once

		e, err := stream.NewEngine(s, stream.Handler{
			OnUpdate: func(obj *stream.Object) {
				mu.Lock()
				sent++
				n := sent
				mu.Unlock()
				fmt.Fprintf(obj, "%s %d", streamMessage, n)
			},
			OnReceive: func(from netip.AddrPort, data []byte) {
				mu.Lock()
				received++
				mu.Unlock()
				fmt.Fprintf(out, "%s: %q\n", from, data)
			},
			OnTimeout: func(netip.AddrPort) {
				once.Do(func() { close(timedOut) })
			},
		}, cfg.StreamOptions()...)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Add(to); err != nil {
			return fmt.Errorf("stream failed: %w", err)
		}

		select {
		case <-ctx.Done():
		case <-timedOut:
			fmt.Fprintf(out, "stream to %s timed out\n", to)
		}

		for _, info := range e.Streams() {
			fmt.Fprintln(out, info.String())
		}
		mu.Lock()
		fmt.Fprintf(out, "%d updates sent, %d received\n", sent, received)
		mu.Unlock()
		return nil
	},
}

func init() {
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 10*time.Second, "session length, 0 runs until interrupted")
	streamCmd.Flags().StringVarP(&streamMessage, "message", "m", "hello", "payload prefix")
	rootCmd.AddCommand(streamCmd)
}
