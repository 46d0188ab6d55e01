package server_test

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/govpnd/internal/server"
	"github.com/dantte-lp/govpnd/internal/tunnel"
)

func sampleRows() []tunnel.StatusRow {
	return []tunnel.StatusRow{
		{
			CommonName:     "client-a",
			RealAddr:       tunnel.OuterAddrFromAddrPort(netip.MustParseAddrPort("192.0.2.1:4500")),
			VirtualAddr:    tunnel.InnerAddrFromIP(netip.MustParseAddr("10.8.0.2")),
			BytesIn:        1024,
			BytesOut:       2048,
			ConnectedSince: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestStatusWriter_RejectsUnsupportedVersion(t *testing.T) {
	if _, err := server.NewStatusWriter(4); err == nil {
		t.Fatal("NewStatusWriter(4) succeeded, want error")
	}
	if _, err := server.NewStatusWriter(0); err == nil {
		t.Fatal("NewStatusWriter(0) succeeded, want error")
	}
}

func TestStatusWriter_V1ContainsRowFields(t *testing.T) {
	sw, err := server.NewStatusWriter(server.StatusV1)
	if err != nil {
		t.Fatalf("NewStatusWriter: %v", err)
	}

	var buf bytes.Buffer
	if err := sw.Write(&buf, sampleRows(), time.Now()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"client-a", "192.0.2.1:4500", "10.8.0.2", "1024", "2048", "END"} {
		if !strings.Contains(out, want) {
			t.Errorf("v1 output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusWriter_V2IsCSVTagged(t *testing.T) {
	sw, err := server.NewStatusWriter(server.StatusV2)
	if err != nil {
		t.Fatalf("NewStatusWriter: %v", err)
	}

	var buf bytes.Buffer
	if err := sw.Write(&buf, sampleRows(), time.Now()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "HEADER,CLIENT_LIST") {
		t.Errorf("v2 output missing CSV header tag:\n%s", out)
	}
	if !strings.Contains(out, "CLIENT_LIST,client-a,192.0.2.1:4500,10.8.0.2,1024,2048") {
		t.Errorf("v2 output missing client row:\n%s", out)
	}
}

func TestStatusWriter_V3IsTabSeparated(t *testing.T) {
	sw, err := server.NewStatusWriter(server.StatusV3)
	if err != nil {
		t.Fatalf("NewStatusWriter: %v", err)
	}

	var buf bytes.Buffer
	if err := sw.Write(&buf, sampleRows(), time.Now()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "CLIENT_LIST\tclient-a\t192.0.2.1:4500\t10.8.0.2\t1024\t2048") {
		t.Errorf("v3 output missing tab-separated client row:\n%s", out)
	}
}

func TestStatusWriter_EmptyRows(t *testing.T) {
	sw, err := server.NewStatusWriter(server.StatusV2)
	if err != nil {
		t.Fatalf("NewStatusWriter: %v", err)
	}

	var buf bytes.Buffer
	if err := sw.Write(&buf, nil, time.Now()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), "END") {
		t.Errorf("empty status output missing terminator:\n%s", buf.String())
	}
}
