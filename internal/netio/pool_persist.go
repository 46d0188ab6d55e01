package netio

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/dantte-lp/govpnd/internal/tunnel"
)

// FilePoolStore persists the virtual-address pool's assignment map to a
// JSON file, implementing tunnel.PoolStore (spec.md §4.3's "persistence
// hand-off"). Built on encoding/json rather than a corpus serialization
// library: the persisted shape is a single small map written wholesale on
// every save, with no streaming, schema evolution, or cross-language
// interop need that would justify pulling in a dedicated format.
type FilePoolStore struct {
	path string
}

var _ tunnel.PoolStore = (*FilePoolStore)(nil)

// NewFilePoolStore returns a PoolStore backed by the file at path.
func NewFilePoolStore(path string) *FilePoolStore {
	return &FilePoolStore{path: path}
}

type poolRecord struct {
	Addr     string `json:"addr"`
	Identity string `json:"identity"`
}

// Save writes assignments to the store's path as a JSON array, replacing
// any previous contents atomically (write to a temp file, then rename).
func (s *FilePoolStore) Save(assignments map[netip.Addr]string) error {
	records := make([]poolRecord, 0, len(assignments))
	for addr, identity := range assignments {
		records = append(records, poolRecord{Addr: addr.String(), Identity: identity})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("netio: marshal pool assignments: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".pool-*.tmp")
	if err != nil {
		return fmt.Errorf("netio: create temp pool file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("netio: write temp pool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("netio: close temp pool file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("netio: rename pool file into place: %w", err)
	}
	return nil
}

// Load reads a previously persisted assignment map, or returns an empty
// map if the file does not yet exist.
func (s *FilePoolStore) Load() (map[netip.Addr]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[netip.Addr]string{}, nil
		}
		return nil, fmt.Errorf("netio: read pool file: %w", err)
	}

	var records []poolRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("netio: unmarshal pool file: %w", err)
	}

	out := make(map[netip.Addr]string, len(records))
	for _, rec := range records {
		addr, err := netip.ParseAddr(rec.Addr)
		if err != nil {
			return nil, fmt.Errorf("netio: parse pool address %q: %w", rec.Addr, err)
		}
		out[addr] = rec.Identity
	}
	return out, nil
}
