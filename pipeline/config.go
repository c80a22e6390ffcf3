package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/leakwatch/anomaly"
	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/embedding"
	"github.com/hazyhaar/leakwatch/enrich"
	"github.com/hazyhaar/leakwatch/indicator"
)

// KeyEnv is the environment variable holding the HMAC key.
const KeyEnv = "LEAKWATCH_HMAC_KEY"

// Config holds the full leakwatch configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	KeyFile     string `yaml:"key_file"`
	RulesetPath string `yaml:"ruleset"`
	WeakList    string `yaml:"weak_list"`
	LogLevel    string `yaml:"log_level"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	Input      InputConfig      `yaml:"input"`
	Anomaly    anomaly.Config   `yaml:"anomaly"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Breach     BreachConfig     `yaml:"breach"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Peers      PeersConfig      `yaml:"peers"`
	Retention  RetentionConfig  `yaml:"retention"`
	Report     ReportConfig     `yaml:"report"`
}

// InputConfig configures the delimited reader.
type InputConfig struct {
	// Delimiter is one character; empty sniffs it.
	Delimiter     string   `yaml:"delimiter"`
	NoHeader      bool     `yaml:"no_header"`
	Header        []string `yaml:"header"`
	MaxRowKB      int      `yaml:"max_row_kb"`
	MaxValueBytes int      `yaml:"max_value_bytes"`
}

// SimilarityConfig tunes the near-duplicate hint.
type SimilarityConfig struct {
	Threshold     float64 `yaml:"threshold"`
	MaxCandidates int     `yaml:"max_candidates"`
}

// BreachConfig configures the Redis breach-history lookup. Empty RedisURL
// disables it.
type BreachConfig struct {
	RedisURL string             `yaml:"redis_url"`
	Key      string             `yaml:"key"`
	Guard    enrich.GuardConfig `yaml:"guard"`
}

// EmbeddingConfig configures the embedding server. Empty Endpoint disables it.
type EmbeddingConfig struct {
	embedding.Config `yaml:",inline"`
	Guard            enrich.GuardConfig `yaml:"guard"`
}

// PeersConfig lists peer instances and the local filter parameters.
type PeersConfig struct {
	URLs     []string           `yaml:"urls"`
	Capacity uint               `yaml:"capacity"`
	FPRate   float64            `yaml:"fp_rate"`
	Guard    enrich.GuardConfig `yaml:"guard"`
}

// RetentionConfig drives the purge command.
type RetentionConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
}

// ReportConfig selects report outputs.
type ReportConfig struct {
	// RecordsPath receives per-record JSONL; empty discards.
	RecordsPath string `yaml:"records_path"`
	// Format of the summary: json, yaml or text.
	Format string `yaml:"format"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":8090",
		DBPath:    "leakwatch.db",
		LogLevel:  "info",
		Workers:   4,
		QueueSize: 256,
		Input: InputConfig{
			MaxRowKB:      1024,
			MaxValueBytes: 4096,
		},
		Anomaly: anomaly.Config{
			Warmup:            50,
			RareFloor:         5,
			Sigma:             3,
			MinEntropySamples: 30,
		},
		Similarity: SimilarityConfig{
			Threshold:     dedup.DefaultThreshold,
			MaxCandidates: dedup.DefaultMaxCandidates,
		},
		Breach: BreachConfig{
			Key:   enrich.DefaultBreachKey,
			Guard: enrich.GuardConfig{Timeout: 200 * time.Millisecond, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second},
		},
		Embedding: EmbeddingConfig{
			Guard: enrich.GuardConfig{Timeout: 2 * time.Second, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second},
		},
		Peers: PeersConfig{
			Capacity: 1_000_000,
			FPRate:   0.001,
			Guard:    enrich.GuardConfig{Timeout: 10 * time.Second, BreakerThreshold: 3, BreakerCooldown: time.Minute},
		},
		Report: ReportConfig{Format: "text"},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must be >= 0")
	}
	if d := c.Input.Delimiter; d != "" && d != `\t` && len([]rune(d)) != 1 {
		return fmt.Errorf("input.delimiter must be a single character, got %q", d)
	}
	if c.Input.MaxRowKB <= 0 {
		return fmt.Errorf("input.max_row_kb must be > 0")
	}
	if t := c.Similarity.Threshold; t <= 0 || t > 1 {
		return fmt.Errorf("similarity.threshold must be in (0,1], got %v", t)
	}
	if c.Peers.FPRate <= 0 || c.Peers.FPRate >= 1 {
		return fmt.Errorf("peers.fp_rate must be in (0,1)")
	}
	for i, u := range c.Peers.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("peers.urls[%d]: unsupported scheme in %q", i, u)
		}
	}
	switch c.Report.Format {
	case "", "json", "yaml", "text":
	default:
		return fmt.Errorf("report.format: unsupported %q (use json, yaml or text)", c.Report.Format)
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must be >= 0")
	}
	return nil
}

// Delimiter returns the configured delimiter rune, zero to sniff.
func (c *Config) Delimiter() rune {
	if c.Input.Delimiter == "" {
		return 0
	}
	if c.Input.Delimiter == `\t` {
		return '\t'
	}
	return []rune(c.Input.Delimiter)[0]
}

// MaxRowBytes returns the row limit in bytes.
func (c *Config) MaxRowBytes() int { return c.Input.MaxRowKB * 1024 }

// LoadKey returns the HMAC key: LEAKWATCH_HMAC_KEY wins over key_file.
// Surrounding whitespace of a key file is trimmed.
func (c *Config) LoadKey() ([]byte, error) {
	if k := os.Getenv(KeyEnv); k != "" {
		return checkKey([]byte(k), KeyEnv)
	}
	if c.KeyFile == "" {
		return nil, fmt.Errorf("no hmac key: set %s or key_file", KeyEnv)
	}
	data, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", c.KeyFile, err)
	}
	return checkKey([]byte(strings.TrimSpace(string(data))), c.KeyFile)
}

func checkKey(k []byte, from string) ([]byte, error) {
	if len(k) < indicator.MinKeySize {
		return nil, fmt.Errorf("%s: %w", from, indicator.ErrKeyTooShort)
	}
	return k, nil
}
