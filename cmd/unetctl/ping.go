package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	unet "github.com/opd-ai/unet/net"
	"github.com/opd-ai/unet/transaction"
)

var (
	pingCount    int
	pingInterval time.Duration
)

// pingResult is the outcome of one Ping request.
type pingResult struct {
	id     transaction.ID
	rtt    time.Duration
	status transaction.Status
}

var pingCmd = &cobra.Command{
	Use:   "ping <host:port>",
	Short: "Measure transaction round trips to a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(context.Background())
		defer cancel()

		to, err := unet.ResolveHostPort(ctx, args[0])
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		s, err := listen()
		if err != nil {
			return err
		}
		defer s.Close()

		results := make(chan pingResult, 1)
		e, err := transaction.NewEngine(s, transaction.Handler{
			OnReceive: func(netip.AddrPort, transaction.Object) {},
			OnError: func(_ netip.AddrPort, id transaction.ID, status transaction.Status) {
				report(results, pingResult{id: id, status: status})
			},
			OnAcknowledged: func(_ netip.AddrPort, id transaction.ID, rtt time.Duration) {
				report(results, pingResult{id: id, rtt: rtt, status: transaction.Acknowledged})
			},
		}, cfg.TransactionOptions()...)
		if err != nil {
			return err
		}
		defer e.Close()

		out := cmd.OutOrStdout()
		var acked int
		var total time.Duration
		for i := 0; i < pingCount; i++ {
			if _, err := e.Request(to, &transaction.Ping{}); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			select {
			case r := <-results:
				if r.status == transaction.Acknowledged {
					acked++
					total += r.rtt
					fmt.Fprintf(out, "reply from %s: id=%d time=%s\n", to, r.id, r.rtt.Round(time.Microsecond))
				} else {
					fmt.Fprintf(out, "no reply from %s: id=%d %s\n", to, r.id, r.status)
				}
			case <-ctx.Done():
				return nil
			}
			if i+1 < pingCount {
				select {
				case <-time.After(pingInterval):
				case <-ctx.Done():
					return nil
				}
			}
		}

		fmt.Fprintf(out, "%d sent, %d acknowledged", pingCount, acked)
		if acked > 0 {
			fmt.Fprintf(out, ", avg %s", (total / time.Duration(acked)).Round(time.Microsecond))
		}
		fmt.Fprintln(out)
		return nil
	},
}

// report never blocks the engine queue; a result nobody waits for is dropped.
func report(ch chan<- pingResult, r pingResult) {
	select {
	case ch <- r:
	default:
	}
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 4, "number of requests")
	pingCmd.Flags().DurationVarP(&pingInterval, "interval", "i", time.Second, "delay between requests")
	rootCmd.AddCommand(pingCmd)
}
