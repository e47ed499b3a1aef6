// Package config loads the pipeline configuration from a YAML file, a .env
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"legal-rag/internal/embedding"
	"legal-rag/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store types
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Embedding providers
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// ChunkerConfig configures how cleaned documents are split
type ChunkerConfig struct {
	ChunkSize int     `yaml:"chunk_size"`
	Overlap   float64 `yaml:"overlap"`
	MaxChars  int     `yaml:"max_chars"`
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	Dimensions   int    `yaml:"dimensions"`
	BaseURL      string `yaml:"base_url,omitempty"`
	APIKey       string `yaml:"-"`
	BatchSize    int    `yaml:"batch_size"`
	MaxRetries   int    `yaml:"max_retries"`
	RateLimitRPM int    `yaml:"rate_limit_rpm"`
	TimeoutSecs  int    `yaml:"timeout_secs"`
}

// StoreConfig selects and configures the vector store
type StoreConfig struct {
	Type        string `yaml:"type"`
	DatabaseURL string `yaml:"-"`
	SQLitePath  string `yaml:"sqlite_path"`
	BatchSize   int    `yaml:"batch_size"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// SearchConfig holds search defaults
type SearchConfig struct {
	TopK                int     `yaml:"topk"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// LLMConfig configures the answer model
type LLMConfig struct {
	Host  string `yaml:"host,omitempty"`
	Model string `yaml:"model"`
}

// Config is the root application configuration
type Config struct {
	LogLevel   string          `yaml:"log_level"`
	MaxWorkers int             `yaml:"max_workers"`
	Chunker    ChunkerConfig   `yaml:"chunker"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Store      StoreConfig     `yaml:"store"`
	Search     SearchConfig    `yaml:"search"`
	LLM        LLMConfig       `yaml:"llm"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		MaxWorkers: 4,
		Chunker: ChunkerConfig{
			ChunkSize: 8000,
			Overlap:   0.15,
			MaxChars:  30000,
		},
		Embedding: EmbeddingConfig{
			Provider:     ProviderOpenAI,
			Model:        "text-embedding-3-large",
			Dimensions:   3072,
			BatchSize:    100,
			MaxRetries:   3,
			RateLimitRPM: 60,
			TimeoutSecs:  60,
		},
		Store: StoreConfig{
			Type:        StorePostgres,
			SQLitePath:  filepath.Join("data", "legal.db"),
			BatchSize:   100,
			TimeoutSecs: 30,
		},
		Search: SearchConfig{
			TopK:                10,
			SimilarityThreshold: 0.7,
		},
		LLM: LLMConfig{Model: "llama3.2"},
	}
}

// Load reads the config at path, then a .env file in the working directory,
// then environment variables. A missing config file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	// model defaults depend on the provider and are filled in afterwards
	cfg.Embedding.Model = ""
	cfg.Embedding.Dimensions = 0

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: invalid config file %s: %w", models.ErrConfig, path, err)
			}
		}
	}

	// Load .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path, creating directories as needed.
// Secrets are never written.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = def.Chunker.ChunkSize
	}
	if cfg.Chunker.MaxChars == 0 {
		cfg.Chunker.MaxChars = def.Chunker.MaxChars
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = def.Embedding.Provider
	}
	if cfg.Embedding.Provider == ProviderOpenAI {
		if cfg.Embedding.Model == "" {
			cfg.Embedding.Model = def.Embedding.Model
		}
		if cfg.Embedding.Dimensions == 0 {
			cfg.Embedding.Dimensions = embedding.OpenAIModelDimensions(cfg.Embedding.Model)
		}
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = def.Embedding.BatchSize
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = def.Embedding.MaxRetries
	}
	if cfg.Embedding.TimeoutSecs == 0 {
		cfg.Embedding.TimeoutSecs = def.Embedding.TimeoutSecs
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = def.Store.Type
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = def.Store.SQLitePath
	}
	if cfg.Store.BatchSize == 0 {
		cfg.Store.BatchSize = def.Store.BatchSize
	}
	if cfg.Store.TimeoutSecs == 0 {
		cfg.Store.TimeoutSecs = def.Store.TimeoutSecs
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = def.Search.TopK
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = def.LLM.Model
	}
}

// applyEnv overrides file values with environment variables
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"OPENAI_API_KEY":     &cfg.Embedding.APIKey,
		"OPENAI_BASE_URL":    &cfg.Embedding.BaseURL,
		"EMBEDDING_PROVIDER": &cfg.Embedding.Provider,
		"EMBEDDING_MODEL":    &cfg.Embedding.Model,
		"DATABASE_URL":       &cfg.Store.DatabaseURL,
		"STORE_TYPE":         &cfg.Store.Type,
		"SQLITE_PATH":        &cfg.Store.SQLitePath,
		"LOG_LEVEL":          &cfg.LogLevel,
		"OLLAMA_MODEL":       &cfg.LLM.Model,
	}
	for key, target := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*target = v
		}
	}

	ints := map[string]*int{
		"EMBEDDING_DIMENSIONS": &cfg.Embedding.Dimensions,
		"CHUNK_SIZE":           &cfg.Chunker.ChunkSize,
		"MAX_CHUNK_CHARS":      &cfg.Chunker.MaxChars,
		"BATCH_SIZE":           &cfg.Embedding.BatchSize,
		"MAX_RETRIES":          &cfg.Embedding.MaxRetries,
		"RATE_LIMIT_RPM":       &cfg.Embedding.RateLimitRPM,
		"TOPK":                 &cfg.Search.TopK,
		"MAX_WORKERS":          &cfg.MaxWorkers,
	}
	for key, target := range ints {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer, got %q", models.ErrConfig, key, v)
		}
		*target = n
	}

	floats := map[string]*float64{
		"CHUNK_OVERLAP":        &cfg.Chunker.Overlap,
		"SIMILARITY_THRESHOLD": &cfg.Search.SimilarityThreshold,
	}
	for key, target := range floats {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s must be a number, got %q", models.ErrConfig, key, v)
		}
		*target = f
	}

	// The ollama client reads OLLAMA_HOST itself; keep it for the LLM too.
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.LLM.Host = v
	}
	return nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	if c.Chunker.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive"))
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("overlap must be in [0, 1), got %.2f", c.Chunker.Overlap))
	}
	if c.Chunker.MaxChars <= 0 {
		errs = append(errs, fmt.Errorf("max_chars must be positive"))
	}
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Model == "" {
		errs = append(errs, fmt.Errorf("embedding model is required"))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimensions must be positive"))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive"))
	}
	if c.Embedding.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive"))
	}
	if c.Embedding.RateLimitRPM < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_rpm must not be negative"))
	}
	switch c.Store.Type {
	case StorePostgres, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}
	if c.Store.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("store batch_size must be positive"))
	}
	if c.Search.TopK <= 0 {
		errs = append(errs, fmt.Errorf("topk must be positive"))
	}
	if c.Search.SimilarityThreshold < -1 || c.Search.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("similarity_threshold must be in [-1, 1]"))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_workers must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// EmbeddingTimeout returns the per-request embedding timeout
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutSecs) * time.Second
}

// StoreTimeout returns the bound on a single store call
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSecs) * time.Second
}
