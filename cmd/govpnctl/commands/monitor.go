package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll and print the session table until interrupted",
		Long:  "Repeatedly queries the govpnd control socket's \"list\" operation and prints the session table until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			if err := pollOnce(); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := pollOnce(); err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")

	return cmd
}

// pollOnce fetches and prints one session table snapshot.
func pollOnce() error {
	resp, err := sendOp(socketPath, "list")
	if err != nil {
		return err
	}

	out, err := formatSessions(resp.Sessions, outputFormat)
	if err != nil {
		return fmt.Errorf("format sessions: %w", err)
	}

	fmt.Printf("--- %s ---\n%s", time.Now().Format(time.RFC3339), out)

	return nil
}
