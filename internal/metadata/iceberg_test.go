package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendSnapshotWritesManifestAndMetadata(t *testing.T) {
	dir := t.TempDir()

	table, err := OpenTable(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	at := time.Date(2025, 8, 21, 12, 0, 0, 0, time.UTC)
	id, err := table.AppendSnapshot(at, map[string]string{"operation": "append"}, DataFile{
		Path:        filepath.Join(dir, "universe_24h.parquet"),
		FileSize:    1024,
		RecordCount: 42,
		Partition:   map[string]any{"date": "2025-08-21"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != at.UnixNano() {
		t.Fatalf("snapshot id = %d, want %d", id, at.UnixNano())
	}

	var meta TableMetadata
	readJSON(t, filepath.Join(dir, "metadata", "metadata.json"), &meta)
	if meta.FormatVersion != 2 || meta.TableUUID == "" {
		t.Fatalf("unexpected table metadata: %+v", meta)
	}
	if meta.CurrentSnapshotID != id || len(meta.Snapshots) != 1 {
		t.Fatalf("snapshot log = %+v", meta.Snapshots)
	}

	var entries []ManifestEntry
	readJSON(t, filepath.Join(dir, "metadata", meta.Snapshots[0].Manifest), &entries)
	if len(entries) != 1 || entries[0].DataFile.RecordCount != 42 {
		t.Fatalf("manifest entries = %+v", entries)
	}
}

func TestOpenTableExtendsExistingLog(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenTable(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.AppendSnapshot(time.UnixMilli(1000), nil, DataFile{Path: "a.parquet"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	second, err := OpenTable(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, err := second.AppendSnapshot(time.UnixMilli(2000), nil, DataFile{Path: "b.parquet"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}

	third, err := OpenTable(dir)
	if err != nil {
		t.Fatalf("final open: %v", err)
	}
	snaps := third.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %+v", snaps)
	}
	if third.CurrentSnapshotID() != id {
		t.Fatalf("current = %d, want %d", third.CurrentSnapshotID(), id)
	}
	if snaps[0].TimestampMs != 1000 || snaps[1].TimestampMs != 2000 {
		t.Fatalf("snapshot order wrong: %+v", snaps)
	}

	// Both runs share the identity minted on first open.
	var meta TableMetadata
	readJSON(t, filepath.Join(dir, "metadata", "metadata.json"), &meta)
	if meta.TableUUID == "" {
		t.Fatal("table uuid lost across reopen")
	}
}

func TestAppendSnapshotRejectsEmpty(t *testing.T) {
	table, err := OpenTable(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := table.AppendSnapshot(time.Now(), nil); err == nil {
		t.Fatal("expected error for snapshot without files")
	}
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
}
