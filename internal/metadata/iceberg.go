// Package metadata keeps an Iceberg v2 style snapshot log next to the
// exported parquet files so lake engines can discover them and time-travel
// across export runs.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one parquet file added by an export run.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot points at the manifest of one export run.
type Snapshot struct {
	SnapshotID  int64             `json:"snapshot-id"`
	TimestampMs int64             `json:"timestamp-ms"`
	Manifest    string            `json:"manifest-list"`
	Summary     map[string]string `json:"summary,omitempty"`
}

// TableMetadata is the top level metadata document for one table.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Table appends snapshots to the metadata of one exported table. Export runs
// are separate processes, so the on-disk state is reloaded on open and each
// append extends the existing snapshot log instead of starting over.
type Table struct {
	location string
	meta     TableMetadata
}

// OpenTable loads the table metadata under location/metadata, creating a
// fresh table document when none exists yet.
func OpenTable(location string) (*Table, error) {
	t := &Table{location: location}

	data, err := os.ReadFile(t.metadataPath())
	if errors.Is(err, os.ErrNotExist) {
		t.meta = TableMetadata{
			FormatVersion: 2,
			TableUUID:     uuid.NewString(),
			Location:      location,
		}
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read table metadata: %w", err)
	}

	if err := json.Unmarshal(data, &t.meta); err != nil {
		return nil, fmt.Errorf("parse table metadata %s: %w", t.metadataPath(), err)
	}
	if t.meta.TableUUID == "" {
		t.meta.TableUUID = uuid.NewString()
	}
	return t, nil
}

// AppendSnapshot records one export run's data files as a new snapshot and
// rewrites the manifest and table metadata documents.
func (t *Table) AppendSnapshot(at time.Time, summary map[string]string, files ...DataFile) (int64, error) {
	if len(files) == 0 {
		return 0, fmt.Errorf("snapshot needs at least one data file")
	}

	if err := os.MkdirAll(filepath.Join(t.location, "metadata"), 0o755); err != nil {
		return 0, fmt.Errorf("create metadata dir: %w", err)
	}

	snapID := at.UnixNano()
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)

	entries := make([]ManifestEntry, 0, len(files))
	for _, df := range files {
		entries = append(entries, ManifestEntry{Status: 1, DataFile: df})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(t.location, "metadata", manifestFile), data, 0o644); err != nil {
		return 0, fmt.Errorf("write manifest: %w", err)
	}

	t.meta.Location = t.location
	t.meta.CurrentSnapshotID = snapID
	t.meta.Snapshots = append(t.meta.Snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: at.UnixMilli(),
		Manifest:    manifestFile,
		Summary:     summary,
	})

	doc, err := json.MarshalIndent(t.meta, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(t.metadataPath(), doc, 0o644); err != nil {
		return 0, fmt.Errorf("write table metadata: %w", err)
	}
	return snapID, nil
}

// CurrentSnapshotID returns the id of the latest snapshot, zero when the
// table has none.
func (t *Table) CurrentSnapshotID() int64 {
	return t.meta.CurrentSnapshotID
}

// Snapshots returns the snapshot log, oldest first.
func (t *Table) Snapshots() []Snapshot {
	out := make([]Snapshot, len(t.meta.Snapshots))
	copy(out, t.meta.Snapshots)
	return out
}

func (t *Table) metadataPath() string {
	return filepath.Join(t.location, "metadata", "metadata.json")
}
