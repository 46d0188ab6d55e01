package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// Status file versions recognized by status_file_version, per
// SPEC_FULL.md §6.
const (
	StatusV1 = 1
	StatusV2 = 2
	StatusV3 = 3
)

// ErrUnsupportedStatusVersion is returned for any status_file_version
// outside {1, 2, 3}.
var ErrUnsupportedStatusVersion = errors.New("server: unsupported status file version")

// StatusWriter formats tunnel.StatusRow snapshots for one of the three
// recognized status_file_version layouts. The core only supplies
// fields (tunnel.StatusRows); every formatting decision lives here.
type StatusWriter struct {
	Version int
}

// NewStatusWriter validates version and returns a StatusWriter for it.
func NewStatusWriter(version int) (*StatusWriter, error) {
	switch version {
	case StatusV1, StatusV2, StatusV3:
		return &StatusWriter{Version: version}, nil
	default:
		return nil, fmt.Errorf("%d: %w", version, ErrUnsupportedStatusVersion)
	}
}

// Write renders rows, as of updated, to out in the configured version's
// layout.
func (sw *StatusWriter) Write(out io.Writer, rows []tunnel.StatusRow, updated time.Time) error {
	bw := bufio.NewWriter(out)

	var err error
	switch sw.Version {
	case StatusV1:
		err = writeStatusV1(bw, rows, updated)
	case StatusV2:
		err = writeStatusV2(bw, rows, updated)
	case StatusV3:
		err = writeStatusV3(bw, rows, updated)
	default:
		return fmt.Errorf("%d: %w", sw.Version, ErrUnsupportedStatusVersion)
	}
	if err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("server: flush status output: %w", err)
	}
	return nil
}

// writeStatusV1 renders the legacy human-readable, comma-delimited
// layout: one title line, one updated line, a header row, one row per
// established client, and a terminator.
func writeStatusV1(w *bufio.Writer, rows []tunnel.StatusRow, updated time.Time) error {
	lines := []string{
		"TUNNEL CLIENT LIST",
		"Updated," + updated.Format(time.ANSIC),
		"Common Name,Real Address,Virtual Address,Bytes Received,Bytes Sent,Connected Since",
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return fmt.Errorf("server: write status v1: %w", err)
		}
	}
	for _, r := range rows {
		_, err := fmt.Fprintf(w, "%s,%s,%s,%d,%d,%s\n",
			r.CommonName, r.RealAddr.String(), r.VirtualAddr.String(),
			r.BytesIn, r.BytesOut, r.ConnectedSince.Format(time.ANSIC))
		if err != nil {
			return fmt.Errorf("server: write status v1 row: %w", err)
		}
	}
	_, err := fmt.Fprintln(w, "END")
	if err != nil {
		return fmt.Errorf("server: write status v1 terminator: %w", err)
	}
	return nil
}

// writeStatusV2 renders the CSV layout with explicit row-type tags,
// suitable for machine parsing without relying on line position.
func writeStatusV2(w *bufio.Writer, rows []tunnel.StatusRow, updated time.Time) error {
	_, err := fmt.Fprintf(w, "TITLE,govpnd tunnel status\n")
	if err != nil {
		return fmt.Errorf("server: write status v2 title: %w", err)
	}
	if _, err := fmt.Fprintf(w, "TIME,%s,%d\n", updated.Format(time.ANSIC), updated.Unix()); err != nil {
		return fmt.Errorf("server: write status v2 time: %w", err)
	}
	if _, err := fmt.Fprintln(w, "HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Bytes Received,Bytes Sent,Connected Since"); err != nil {
		return fmt.Errorf("server: write status v2 header: %w", err)
	}
	for _, r := range rows {
		_, err := fmt.Fprintf(w, "CLIENT_LIST,%s,%s,%s,%d,%d,%s\n",
			r.CommonName, r.RealAddr.String(), r.VirtualAddr.String(),
			r.BytesIn, r.BytesOut, r.ConnectedSince.Format(time.ANSIC))
		if err != nil {
			return fmt.Errorf("server: write status v2 row: %w", err)
		}
	}
	_, err = fmt.Fprintln(w, "END")
	if err != nil {
		return fmt.Errorf("server: write status v2 terminator: %w", err)
	}
	return nil
}

// writeStatusV3 is writeStatusV2's tab-separated variant, prefixing
// every line with its row type the same way but using tabs as the
// field separator.
func writeStatusV3(w *bufio.Writer, rows []tunnel.StatusRow, updated time.Time) error {
	_, err := fmt.Fprintf(w, "TITLE\tgovpnd tunnel status\n")
	if err != nil {
		return fmt.Errorf("server: write status v3 title: %w", err)
	}
	if _, err := fmt.Fprintf(w, "TIME\t%s\t%d\n", updated.Format(time.ANSIC), updated.Unix()); err != nil {
		return fmt.Errorf("server: write status v3 time: %w", err)
	}
	if _, err := fmt.Fprintln(w, "HEADER\tCLIENT_LIST\tCommon Name\tReal Address\tVirtual Address\tBytes Received\tBytes Sent\tConnected Since"); err != nil {
		return fmt.Errorf("server: write status v3 header: %w", err)
	}
	for _, r := range rows {
		_, err := fmt.Fprintf(w, "CLIENT_LIST\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.CommonName, r.RealAddr.String(), r.VirtualAddr.String(),
			r.BytesIn, r.BytesOut, r.ConnectedSince.Format(time.ANSIC))
		if err != nil {
			return fmt.Errorf("server: write status v3 row: %w", err)
		}
	}
	_, err = fmt.Fprintln(w, "END")
	if err != nil {
		return fmt.Errorf("server: write status v3 terminator: %w", err)
	}
	return nil
}
