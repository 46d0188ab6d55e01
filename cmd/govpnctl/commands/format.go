package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of tunnel sessions in the requested format.
func formatSessions(sessions []sessionStatus, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionsJSON(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single tunnel session in the requested format.
func formatSession(session sessionStatus, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionJSON(session)
	case formatTable:
		return formatSessionDetail(session), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionsTable(sessions []sessionStatus) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMON-NAME\tREAL-ADDR\tVIRTUAL-ADDR\tBYTES-IN\tBYTES-OUT\tCONNECTED-SINCE")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			orDash(s.CommonName),
			s.RealAddr,
			orDash(s.VirtualAddr),
			s.BytesIn,
			s.BytesOut,
			s.ConnectedSince.Format(time.RFC3339),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s sessionStatus) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Common Name:\t%s\n", orDash(s.CommonName))
	fmt.Fprintf(w, "Real Address:\t%s\n", s.RealAddr)
	fmt.Fprintf(w, "Virtual Address:\t%s\n", orDash(s.VirtualAddr))
	fmt.Fprintf(w, "Bytes In:\t%d\n", s.BytesIn)
	fmt.Fprintf(w, "Bytes Out:\t%d\n", s.BytesOut)
	fmt.Fprintf(w, "Connected Since:\t%s\n", s.ConnectedSince.Format(time.RFC3339))

	_ = w.Flush()

	return buf.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// --- JSON formatters ---

func formatSessionsJSON(sessions []sessionStatus) (string, error) {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sessions to JSON: %w", err)
	}

	return string(data), nil
}

func formatSessionJSON(session sessionStatus) (string, error) {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session to JSON: %w", err)
	}

	return string(data), nil
}
