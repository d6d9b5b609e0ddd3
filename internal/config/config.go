package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

const (
	defaultPort         = 8000
	defaultModelDir     = "/data/models"
	defaultBackend      = "onnx"
	defaultCleanupCron  = "30 3 * * *"
	defaultMaxAgeDays   = 30
	defaultLRUSize      = 4096
	defaultLRUTTLSecond = 3600
)

type Config struct {
	Port          int              `json:"port"`
	LogConfig     logger.LogConfig `json:"log_config"`
	CORSAllowlist []string         `json:"cors_allowlist"`
	MaxUploadMB   int64            `json:"max_upload_mb"`
	Model         ModelConfig      `json:"model"`
	Cache         CacheConfig      `json:"cache"`
}

type ModelConfig struct {
	// Dir is the download root. Weights fetched into it are reused across restarts.
	Dir            string       `json:"dir"`
	Backend        string       `json:"backend"`
	ORTLibPath     string       `json:"ort_lib_path"`
	IntraOpThreads int          `json:"intra_op_threads"`
	Source         SourceConfig `json:"source"`
}

// SourceConfig selects where missing weight files are fetched from. An empty
// Type means the files must already be present in ModelConfig.Dir.
type SourceConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type CacheConfig struct {
	LRUSize       int            `json:"lru_size"`
	LRUTTLSeconds int            `json:"lru_ttl_seconds"`
	Database      DatabaseConfig `json:"database"`
	CleanupCron   string         `json:"cleanup_cron"`
	MaxAgeDays    int            `json:"max_age_days"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c DatabaseConfig) Enabled() bool {
	return c.DSN != "" || c.Host != ""
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxUploadMB < 0 {
		return fmt.Errorf("max_upload_mb must not be negative")
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if strings.TrimSpace(c.Model.Dir) == "" {
		c.Model.Dir = defaultModelDir
	}
	if c.Model.Backend == "" {
		c.Model.Backend = defaultBackend
	}
	switch strings.ToLower(c.Model.Source.Type) {
	case "":
	case "local", "s3", "http":
		if c.Model.Source.Data == nil {
			return fmt.Errorf("model.source.data is required for %s source", c.Model.Source.Type)
		}
	default:
		return fmt.Errorf("model.source.type must be local, s3 or http")
	}
	if c.Cache.LRUSize == 0 {
		c.Cache.LRUSize = defaultLRUSize
	}
	if c.Cache.LRUTTLSeconds == 0 {
		c.Cache.LRUTTLSeconds = defaultLRUTTLSecond
	}
	if c.Cache.CleanupCron == "" {
		c.Cache.CleanupCron = defaultCleanupCron
	}
	if c.Cache.MaxAgeDays <= 0 {
		c.Cache.MaxAgeDays = defaultMaxAgeDays
	}
	if c.Cache.Database.Host != "" && c.Cache.Database.Port == 0 {
		c.Cache.Database.Port = 5432
	}
	return nil
}
