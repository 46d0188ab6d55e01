package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Close idle sessions and keep active ones (does not reread the configuration)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := sendOp(socketPath, "reload"); err != nil {
				return err
			}
			fmt.Println("reload requested.")
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon, closing every session first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := sendOp(socketPath, "restart"); err != nil {
				return err
			}
			fmt.Println("restart requested.")
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon after draining established sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if _, err := sendOp(socketPath, "stop"); err != nil {
				return err
			}
			fmt.Println("stop requested.")
			return nil
		},
	}
}
