package tunnel

import "time"

// StatusRow is one row of the core's status output, per spec.md §6: the
// core only supplies these fields; formatting for status_file_version 1,
// 2, or 3 is entirely the external status sink's concern.
type StatusRow struct {
	CommonName    string
	RealAddr      OuterAddr
	VirtualAddr   InnerAddr
	BytesIn       uint64
	BytesOut      uint64
	ConnectedSince time.Time
}

// StatusRows snapshots every established instance in reg into status
// rows, for consumption by a status sink.
func StatusRows(reg *Registry) []StatusRow {
	live := reg.Iter()
	rows := make([]StatusRow, 0, len(live))
	for _, ci := range live {
		if !ci.ConnectionEstablished.Load() {
			continue
		}
		rows = append(rows, StatusRow{
			CommonName:     ci.MsgPrefix,
			RealAddr:       ci.Real,
			VirtualAddr:    ci.Vaddr,
			BytesIn:        ci.BytesIn.Load(),
			BytesOut:       ci.BytesOut.Load(),
			ConnectedSince: ci.Created,
		})
	}
	return rows
}
