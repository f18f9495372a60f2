package config

// Snapshot returns a JSON-safe view of the effective settings for logging
// and for embedding in status documents. Credentials are omitted.
func (c *Config) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"name":    c.Hyperflow.Name,
		"version": c.Hyperflow.Version,
		"env":     AppEnvironment(),
		"exchange": map[string]interface{}{
			"backend": c.Exchange.Backend,
		},
		"sampling": map[string]interface{}{
			"max_concurrent":         c.Sampling.MaxConcurrent,
			"a_interval_ms":          c.Sampling.Tiers.A.IntervalMs,
			"b_interval_ms":          c.Sampling.Tiers.B.IntervalMs,
			"c_interval_ms":          c.Sampling.Tiers.C.IntervalMs,
			"d_interval_ms":          c.Sampling.Tiers.D.IntervalMs,
			"promote_rank":           c.Sampling.PromoteRank,
			"demote_rank":            c.Sampling.DemoteRank,
			"rank_buckets":           []int{c.Sampling.BMaxRank, c.Sampling.CMaxRank, c.Sampling.DMaxRank},
			"promote_max_spread_bps": c.Sampling.PromoteMaxSpreadBps,
			"demote_spread_bps":      c.Sampling.DemoteSpreadBps,
			"exclude_spread_bps":     c.Sampling.ExcludeSpreadBps,
			"hysteresis_cycles":      c.Sampling.HysteresisCycles,
			"safety_assets":          c.Sampling.SafetyAssets,
		},
		"ranking": map[string]interface{}{
			"interval_s":   c.Ranking.IntervalS,
			"min_coverage": c.Ranking.MinCoverage,
			"weights": map[string]float64{
				"volume":        c.Ranking.Weights.Volume,
				"open_interest": c.Ranking.Weights.OpenInterest,
				"spread":        c.Ranking.Weights.Spread,
			},
		},
		"ingest": map[string]interface{}{
			"batch_size":        c.Ingest.BatchSize,
			"flush_interval_ms": c.Ingest.FlushIntervalMs,
			"max_buffer":        c.Ingest.MaxBuffer,
		},
		"retention": map[string]interface{}{
			"window_hours":       c.Retention.WindowHours,
			"cleanup_interval_s": c.Retention.CleanupIntervalS,
			"delete_chunk":       c.Retention.DeleteChunk,
		},
		"storage": map[string]interface{}{
			"sqlite_path": c.Storage.Sqlite.Path,
			"s3_enabled":  c.Storage.S3.Enabled,
		},
		"status": map[string]interface{}{
			"interval_s": c.Status.IntervalS,
			"dir":        c.Status.Dir,
			"top_n":      c.Status.TopN,
		},
	}
}
