package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// errSessionNotFound indicates no session matched a "session show" lookup.
var errSessionNotFound = errors.New("no matching session")

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect tunnel sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all established tunnel sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := sendOp(socketPath, "list")
			if err != nil {
				return err
			}

			out, err := formatSessions(resp.Sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <real-addr-or-common-name>",
		Short: "Show details of one tunnel session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := sendOp(socketPath, "list")
			if err != nil {
				return err
			}

			sess, ok := findSession(resp.Sessions, args[0])
			if !ok {
				return fmt.Errorf("%w: %q", errSessionNotFound, args[0])
			}

			out, err := formatSession(sess, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// findSession matches identifier against a session's real address or
// common name, case-insensitively.
func findSession(sessions []sessionStatus, identifier string) (sessionStatus, bool) {
	for _, s := range sessions {
		if strings.EqualFold(s.RealAddr, identifier) || strings.EqualFold(s.CommonName, identifier) {
			return s, true
		}
	}
	return sessionStatus{}, false
}
