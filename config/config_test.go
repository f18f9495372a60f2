package config

import (
	"os"
	"strings"
	"testing"
)

// writeTempConfig writes the given YAML to a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `hyperflow:
  name: "TestApp"
  version: "1.0"
storage:
  s3:
    enabled: false
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Hyperflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Hyperflow.Name)
	}
	if cfg.Exchange.Backend != "hyperliquid" {
		t.Errorf("unexpected backend: %s", cfg.Exchange.Backend)
	}
	if cfg.Sampling.Tiers.A.IntervalMs != 250 {
		t.Errorf("unexpected tier A interval: %d", cfg.Sampling.Tiers.A.IntervalMs)
	}
	if cfg.Sampling.Tiers.B.IntervalMs != 2000 {
		t.Errorf("unexpected tier B interval: %d", cfg.Sampling.Tiers.B.IntervalMs)
	}
	if cfg.Sampling.HysteresisCycles != 3 {
		t.Errorf("unexpected hysteresis cycles: %d", cfg.Sampling.HysteresisCycles)
	}
	if got := cfg.Ranking.Weights.Volume; got != 0.6 {
		t.Errorf("unexpected volume weight: %v", got)
	}
	if cfg.Retention.WindowHours != 24 {
		t.Errorf("unexpected retention window: %d", cfg.Retention.WindowHours)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeTempConfig(t, `hyperflow:
  name: "TestApp"
  version: "1.0"
sampling:
  max_concurrent: 4
  tiers:
    a:
      interval_ms: 500
      timeout_ms: 400
ranking:
  interval_s: 30
ingest:
  batch_size: 50
  flush_interval_ms: 250
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Sampling.MaxConcurrent != 4 {
		t.Errorf("unexpected max_concurrent: %d", cfg.Sampling.MaxConcurrent)
	}
	if cfg.Sampling.Tiers.A.IntervalMs != 500 {
		t.Errorf("unexpected tier A interval: %d", cfg.Sampling.Tiers.A.IntervalMs)
	}
	// untouched sections keep their defaults
	if cfg.Sampling.Tiers.B.IntervalMs != 2000 {
		t.Errorf("tier B default lost: %d", cfg.Sampling.Tiers.B.IntervalMs)
	}
	if cfg.Ranking.IntervalS != 30 {
		t.Errorf("unexpected ranking interval: %d", cfg.Ranking.IntervalS)
	}
	if cfg.Ingest.BatchSize != 50 {
		t.Errorf("unexpected batch size: %d", cfg.Ingest.BatchSize)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing name",
			yaml: `hyperflow:
  name: ""
  version: "1.0"
`,
			wantErr: "hyperflow.name",
		},
		{
			name: "unknown backend",
			yaml: minimalConfig + `exchange:
  backend: kraken
`,
			wantErr: "exchange.backend",
		},
		{
			name: "timeout not below interval",
			yaml: minimalConfig + `sampling:
  tiers:
    a:
      interval_ms: 250
      timeout_ms: 250
`,
			wantErr: "timeout_ms must be less than interval_ms",
		},
		{
			name: "demote rank below promote rank",
			yaml: minimalConfig + `sampling:
  promote_rank: 100
  demote_rank: 90
`,
			wantErr: "demote_rank",
		},
		{
			name: "spread thresholds out of order",
			yaml: minimalConfig + `sampling:
  demote_spread_bps: 20
  exclude_spread_bps: 10
`,
			wantErr: "exclude_spread_bps",
		},
		{
			name: "flush interval above one second",
			yaml: minimalConfig + `ingest:
  flush_interval_ms: 5000
`,
			wantErr: "flush_interval_ms",
		},
		{
			name: "buffer below batch size",
			yaml: minimalConfig + `ingest:
  batch_size: 100
  max_buffer: 10
`,
			wantErr: "max_buffer",
		},
		{
			name: "s3 enabled without bucket",
			yaml: `hyperflow:
  name: "TestApp"
  version: "1.0"
storage:
  s3:
    enabled: true
    region: us-east-1
    access_key_id: k
    secret_access_key: s
`,
			wantErr: "storage.s3.bucket",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeTempConfig(t, c.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", c.wantErr)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error %q does not mention %q", err, c.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HYPERFLOW_DB_PATH", "/tmp/override.db")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Sqlite.Path != "/tmp/override.db" {
		t.Errorf("env override not applied: %s", cfg.Storage.Sqlite.Path)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestSnapshotIsJSONSafe(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	snap := cfg.Snapshot()
	if snap["name"] != "TestApp" {
		t.Errorf("unexpected snapshot name: %v", snap["name"])
	}
	if _, ok := snap["sampling"].(map[string]interface{}); !ok {
		t.Errorf("sampling section missing from snapshot")
	}
	for _, key := range []string{"access_key_id", "secret_access_key"} {
		storage := snap["storage"].(map[string]interface{})
		if _, ok := storage[key]; ok {
			t.Errorf("snapshot leaks credential field %s", key)
		}
	}
}
