// Package config loads application configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Embedder  EmbedderConfig  `mapstructure:"embedder"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
	History   HistoryConfig   `mapstructure:"history"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GeneratorConfig holds answer-generation gateway settings.
type GeneratorConfig struct {
	Model           string        `mapstructure:"model"`
	Temperature     float32       `mapstructure:"temperature"`
	MaxOutputTokens int32         `mapstructure:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`

	// StreamTimeout bounds an entire streaming session.
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// EmbedderConfig holds embedding gateway settings.
type EmbedderConfig struct {
	Model        string        `mapstructure:"model"`
	BatchSize    int           `mapstructure:"batch_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RetrievalConfig holds retrieval engine knobs.
type RetrievalConfig struct {
	TopK               int    `mapstructure:"top_k"`
	ContextCap         int    `mapstructure:"context_cap"`
	DefaultPageSize    int    `mapstructure:"default_page_size"`
	HighValueThreshold string `mapstructure:"high_value_threshold"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// CorpusConfig holds corpus registry lifecycle settings.
type CorpusConfig struct {
	IdleEviction  time.Duration `mapstructure:"idle_eviction"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// HistoryConfig holds chat-history store settings.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Load reads configuration from an optional file and TXNQUERY_* environment
// variables, applying defaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TXNQUERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "9000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute) // streaming responses stay open
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("generator.model", "gemini-2.0-flash")
	v.SetDefault("generator.temperature", 0.3)
	v.SetDefault("generator.max_output_tokens", 3000)
	v.SetDefault("generator.timeout", 90*time.Second)
	v.SetDefault("generator.retry_backoff", 500*time.Millisecond)
	v.SetDefault("generator.stream_timeout", 3*time.Minute)

	v.SetDefault("embedder.model", "text-embedding-004")
	v.SetDefault("embedder.batch_size", 64)
	v.SetDefault("embedder.timeout", 30*time.Second)
	v.SetDefault("embedder.retry_backoff", 500*time.Millisecond)

	v.SetDefault("retrieval.top_k", 50)
	v.SetDefault("retrieval.context_cap", 50)
	v.SetDefault("retrieval.default_page_size", 20)
	v.SetDefault("retrieval.high_value_threshold", "10000")

	v.SetDefault("cache.ttl", 30*time.Minute)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)

	v.SetDefault("corpus.idle_eviction", 2*time.Hour)
	v.SetDefault("corpus.sweep_interval", 10*time.Minute)

	v.SetDefault("history.db_path", "data/history.db")
}
