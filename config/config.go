package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Hyperflow HyperflowConfig `yaml:"hyperflow"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retention RetentionConfig `yaml:"retention"`
	Status    StatusConfig    `yaml:"status"`
	Export    ExportConfig    `yaml:"export"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type HyperflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	Backend     string            `yaml:"backend"`
	Hyperliquid HyperliquidConfig `yaml:"hyperliquid"`
	Binance     BinanceConfig     `yaml:"binance"`
}

type HyperliquidConfig struct {
	BaseURL        string               `yaml:"base_url"`
	WsURL          string               `yaml:"ws_url"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type BinanceConfig struct {
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns     int `yaml:"max_idle_conns"`
	MaxConnsPerHost  int `yaml:"max_conns_per_host"`
	IdleConnTimeoutS int `yaml:"idle_conn_timeout_s"`
}

func (c ConnectionPoolConfig) IdleConnTimeout() time.Duration {
	return time.Duration(c.IdleConnTimeoutS) * time.Second
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// TierConfig holds the sampling cadence for one level. The fetch timeout
// must stay below the interval so a slow venue cannot stack requests.
type TierConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	TimeoutMs  int `yaml:"timeout_ms"`
}

func (t TierConfig) Interval() time.Duration { return time.Duration(t.IntervalMs) * time.Millisecond }
func (t TierConfig) Timeout() time.Duration  { return time.Duration(t.TimeoutMs) * time.Millisecond }

type TiersConfig struct {
	A TierConfig `yaml:"a"`
	B TierConfig `yaml:"b"`
	C TierConfig `yaml:"c"`
	D TierConfig `yaml:"d"`
}

type SamplingConfig struct {
	MaxConcurrent       int         `yaml:"max_concurrent"`
	Tiers               TiersConfig `yaml:"tiers"`
	PromoteRank         int         `yaml:"promote_rank"`
	DemoteRank          int         `yaml:"demote_rank"`
	BMaxRank            int         `yaml:"b_max_rank"`
	CMaxRank            int         `yaml:"c_max_rank"`
	DMaxRank            int         `yaml:"d_max_rank"`
	PromoteMaxSpreadBps float64     `yaml:"promote_max_spread_bps"`
	DemoteSpreadBps     float64     `yaml:"demote_spread_bps"`
	ExcludeSpreadBps    float64     `yaml:"exclude_spread_bps"`
	HysteresisCycles    int         `yaml:"hysteresis_cycles"`
	SafetyAssets        []string    `yaml:"safety_assets"`
}

type WeightsConfig struct {
	Volume       float64 `yaml:"volume"`
	OpenInterest float64 `yaml:"open_interest"`
	Spread       float64 `yaml:"spread"`
}

type RankingConfig struct {
	IntervalS   int           `yaml:"interval_s"`
	MinCoverage int           `yaml:"min_coverage"`
	Weights     WeightsConfig `yaml:"weights"`
}

func (r RankingConfig) Interval() time.Duration { return time.Duration(r.IntervalS) * time.Second }

type RetryConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

func (r RetryConfig) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMs) * time.Millisecond }
func (r RetryConfig) MaxDelay() time.Duration  { return time.Duration(r.MaxDelayMs) * time.Millisecond }

type IngestConfig struct {
	BatchSize       int         `yaml:"batch_size"`
	FlushIntervalMs int         `yaml:"flush_interval_ms"`
	MaxBuffer       int         `yaml:"max_buffer"`
	ChannelBuffer   int         `yaml:"channel_buffer"`
	Retry           RetryConfig `yaml:"retry"`
}

func (i IngestConfig) FlushInterval() time.Duration {
	return time.Duration(i.FlushIntervalMs) * time.Millisecond
}

type RetentionConfig struct {
	WindowHours      int `yaml:"window_hours"`
	CleanupIntervalS int `yaml:"cleanup_interval_s"`
	DeleteChunk      int `yaml:"delete_chunk"`
}

func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.WindowHours) * time.Hour
}

func (r RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalS) * time.Second
}

type StatusConfig struct {
	IntervalS int    `yaml:"interval_s"`
	Dir       string `yaml:"dir"`
	TopN      int    `yaml:"top_n"`
}

func (s StatusConfig) Interval() time.Duration { return time.Duration(s.IntervalS) * time.Second }

type ExportConfig struct {
	OutDir         string `yaml:"out_dir"`
	MinWindowHours int    `yaml:"min_window_hours"`
	TopN           int    `yaml:"top_n"`
	PageSize       int    `yaml:"page_size"`
}

type StorageConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite"`
	S3     S3Config     `yaml:"s3"`
}

type SqliteConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type CloudWatchConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	Namespace      string `yaml:"namespace"`
	FlushIntervalS int    `yaml:"flush_interval_s"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

func defaultConfig() Config {
	return Config{
		Hyperflow: HyperflowConfig{Name: "hyperflow", Version: "dev"},
		Exchange: ExchangeConfig{
			Backend: "hyperliquid",
			Hyperliquid: HyperliquidConfig{
				BaseURL: "https://api.hyperliquid.xyz",
				WsURL:   "wss://api.hyperliquid.xyz/ws",
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:     100,
					MaxConnsPerHost:  50,
					IdleConnTimeoutS: 90,
				},
				RateLimit: RateLimitConfig{RequestsPerSecond: 20, BurstSize: 40},
			},
			Binance: BinanceConfig{
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:     100,
					MaxConnsPerHost:  50,
					IdleConnTimeoutS: 90,
				},
				RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 20},
			},
		},
		Sampling: SamplingConfig{
			MaxConcurrent: 10,
			Tiers: TiersConfig{
				A: TierConfig{IntervalMs: 250, TimeoutMs: 200},
				B: TierConfig{IntervalMs: 2000, TimeoutMs: 1500},
				C: TierConfig{IntervalMs: 2000, TimeoutMs: 1500},
				D: TierConfig{IntervalMs: 2000, TimeoutMs: 1500},
			},
			PromoteRank:         100,
			DemoteRank:          120,
			BMaxRank:            200,
			CMaxRank:            300,
			DMaxRank:            400,
			PromoteMaxSpreadBps: 15,
			DemoteSpreadBps:     20,
			ExcludeSpreadBps:    30,
			HysteresisCycles:    3,
			SafetyAssets:        []string{"BTC", "ETH", "SOL"},
		},
		Ranking: RankingConfig{
			IntervalS:   60,
			MinCoverage: 10,
			Weights:     WeightsConfig{Volume: 0.6, OpenInterest: 0.3, Spread: 0.1},
		},
		Ingest: IngestConfig{
			BatchSize:       200,
			FlushIntervalMs: 1000,
			MaxBuffer:       10000,
			ChannelBuffer:   4096,
			Retry:           RetryConfig{BaseDelayMs: 200, MaxDelayMs: 5000},
		},
		Retention: RetentionConfig{
			WindowHours:      24,
			CleanupIntervalS: 300,
			DeleteChunk:      5000,
		},
		Status: StatusConfig{IntervalS: 10, Dir: "data", TopN: 400},
		Export: ExportConfig{
			OutDir:         "exports/universe_snapshots",
			MinWindowHours: 24,
			TopN:           400,
			PageSize:       1000,
		},
		Storage: StorageConfig{
			Sqlite: SqliteConfig{Path: "data/universe.db", BusyTimeoutMs: 3000},
		},
		Metrics: MetricsConfig{Enabled: true, ListenAddr: ":2112"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
			CloudWatch: CloudWatchConfig{
				Namespace:      "Hyperflow",
				FlushIntervalS: 60,
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveConfigPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("HYPERFLOW_DB_PATH"); v != "" {
		config.Storage.Sqlite.Path = strings.TrimSpace(v)
	}
	if v := os.Getenv("HYPERFLOW_LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Hyperflow.Name == "" {
		return fmt.Errorf("hyperflow.name is required")
	}
	if cfg.Hyperflow.Version == "" {
		return fmt.Errorf("hyperflow.version is required")
	}

	switch cfg.Exchange.Backend {
	case "hyperliquid", "binance":
	default:
		return fmt.Errorf("exchange.backend must be one of hyperliquid, binance")
	}
	if cfg.Exchange.Backend == "hyperliquid" && cfg.Exchange.Hyperliquid.BaseURL == "" {
		return fmt.Errorf("exchange.hyperliquid.base_url is required")
	}

	if cfg.Sampling.MaxConcurrent <= 0 {
		return fmt.Errorf("sampling.max_concurrent must be greater than 0")
	}
	tiers := map[string]TierConfig{
		"a": cfg.Sampling.Tiers.A,
		"b": cfg.Sampling.Tiers.B,
		"c": cfg.Sampling.Tiers.C,
		"d": cfg.Sampling.Tiers.D,
	}
	for name, tier := range tiers {
		if tier.IntervalMs <= 0 {
			return fmt.Errorf("sampling.tiers.%s.interval_ms must be greater than 0", name)
		}
		if tier.TimeoutMs <= 0 {
			return fmt.Errorf("sampling.tiers.%s.timeout_ms must be greater than 0", name)
		}
		if tier.TimeoutMs >= tier.IntervalMs {
			return fmt.Errorf("sampling.tiers.%s.timeout_ms must be less than interval_ms", name)
		}
	}

	if cfg.Sampling.PromoteRank <= 0 {
		return fmt.Errorf("sampling.promote_rank must be greater than 0")
	}
	if cfg.Sampling.DemoteRank < cfg.Sampling.PromoteRank {
		return fmt.Errorf("sampling.demote_rank must not be below sampling.promote_rank")
	}
	if cfg.Sampling.BMaxRank <= 0 || cfg.Sampling.CMaxRank <= cfg.Sampling.BMaxRank || cfg.Sampling.DMaxRank <= cfg.Sampling.CMaxRank {
		return fmt.Errorf("sampling rank buckets must satisfy 0 < b_max_rank < c_max_rank < d_max_rank")
	}
	if cfg.Sampling.PromoteMaxSpreadBps <= 0 {
		return fmt.Errorf("sampling.promote_max_spread_bps must be greater than 0")
	}
	if cfg.Sampling.DemoteSpreadBps < cfg.Sampling.PromoteMaxSpreadBps {
		return fmt.Errorf("sampling.demote_spread_bps must not be below promote_max_spread_bps")
	}
	if cfg.Sampling.ExcludeSpreadBps < cfg.Sampling.DemoteSpreadBps {
		return fmt.Errorf("sampling.exclude_spread_bps must not be below demote_spread_bps")
	}
	if cfg.Sampling.HysteresisCycles <= 0 {
		return fmt.Errorf("sampling.hysteresis_cycles must be greater than 0")
	}

	if cfg.Ranking.IntervalS <= 0 {
		return fmt.Errorf("ranking.interval_s must be greater than 0")
	}
	if cfg.Ranking.MinCoverage <= 0 {
		return fmt.Errorf("ranking.min_coverage must be greater than 0")
	}
	w := cfg.Ranking.Weights
	if w.Volume < 0 || w.OpenInterest < 0 || w.Spread < 0 {
		return fmt.Errorf("ranking.weights must not be negative")
	}
	if w.Volume+w.OpenInterest <= 0 {
		return fmt.Errorf("ranking.weights.volume and open_interest must not both be zero")
	}

	if cfg.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be greater than 0")
	}
	if cfg.Ingest.FlushIntervalMs <= 0 || cfg.Ingest.FlushIntervalMs > 1000 {
		return fmt.Errorf("ingest.flush_interval_ms must be in (0, 1000]")
	}
	if cfg.Ingest.MaxBuffer < cfg.Ingest.BatchSize {
		return fmt.Errorf("ingest.max_buffer must not be below ingest.batch_size")
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		return fmt.Errorf("ingest.channel_buffer must be greater than 0")
	}
	if cfg.Ingest.Retry.BaseDelayMs <= 0 || cfg.Ingest.Retry.MaxDelayMs < cfg.Ingest.Retry.BaseDelayMs {
		return fmt.Errorf("ingest.retry delays must satisfy 0 < base_delay_ms <= max_delay_ms")
	}

	if cfg.Retention.WindowHours <= 0 {
		return fmt.Errorf("retention.window_hours must be greater than 0")
	}
	if cfg.Retention.CleanupIntervalS <= 0 {
		return fmt.Errorf("retention.cleanup_interval_s must be greater than 0")
	}
	if cfg.Retention.DeleteChunk <= 0 {
		return fmt.Errorf("retention.delete_chunk must be greater than 0")
	}

	if cfg.Status.IntervalS <= 0 {
		return fmt.Errorf("status.interval_s must be greater than 0")
	}
	if cfg.Status.Dir == "" {
		return fmt.Errorf("status.dir is required")
	}
	if cfg.Status.TopN <= 0 {
		return fmt.Errorf("status.top_n must be greater than 0")
	}

	if cfg.Storage.Sqlite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Logging.CloudWatch.Enabled && cfg.Logging.CloudWatch.Region == "" {
		return fmt.Errorf("logging.cloudwatch.region is required when CloudWatch is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
