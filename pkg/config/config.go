package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store struct {
		Backend    string `yaml:"backend"`
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
		VectorDim  int    `yaml:"vector_dim"`
		PageSize   int    `yaml:"page_size"`
		Fields     Fields `yaml:"fields"`
	} `yaml:"store"`

	Embedding struct {
		Provider          string        `yaml:"provider"`
		Model             string        `yaml:"model"`
		BaseURL           string        `yaml:"base_url"`
		APIKey            string        `yaml:"api_key"`
		Dimensions        int           `yaml:"dimensions"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Timeout           time.Duration `yaml:"timeout"`
		MaxAttempts       int           `yaml:"max_attempts"`
		RetryDelay        time.Duration `yaml:"retry_delay"`
		MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
		MaxChars          int           `yaml:"max_chars"`
	} `yaml:"embedding"`

	Backfill struct {
		BatchSize int           `yaml:"batch_size"`
		Delay     time.Duration `yaml:"delay"`
	} `yaml:"backfill"`

	Search struct {
		Index         string `yaml:"index"`
		NumCandidates int    `yaml:"num_candidates"`
		Limit         int    `yaml:"limit"`
		Similarity    string `yaml:"similarity"`
	} `yaml:"search"`

	Cleanup struct {
		Limit     int `yaml:"limit"`
		BatchSize int `yaml:"batch_size"`
	} `yaml:"cleanup"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Fields names the stored fields (or columns) the logical document fields
// live in.
type Fields struct {
	ID         string   `yaml:"id"`
	Title      string   `yaml:"title"`
	Text       string   `yaml:"text"`
	Embedding  string   `yaml:"embedding"`
	EmbeddedAt string   `yaml:"embedded_at"`
	Filters    []string `yaml:"filters"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"embedfill.yaml",
			"embedfill.yml",
			filepath.Join(os.Getenv("HOME"), ".config/embedfill/config.yaml"),
			"/etc/embedfill/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := newConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(config)

	// Apply defaults for unset values
	applyDefaults(config)

	return config, nil
}

// newConfig presets the values for which zero is a meaningful setting, so
// they only take their default when the key is absent from the file.
func newConfig() *Config {
	config := &Config{}
	config.Backfill.Delay = time.Second
	return config
}

func getDefaultConfig() (*Config, error) {
	config := newConfig()
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Store.Backend == "" {
		config.Store.Backend = "mongodb"
	}
	if config.Store.URI == "" && config.Store.Backend == "sqlite" {
		config.Store.URI = "embedfill.db"
	}
	if config.Store.Database == "" {
		config.Store.Database = "sample_mflix"
	}
	if config.Store.Collection == "" {
		config.Store.Collection = "movies"
	}
	if config.Store.VectorDim == 0 {
		config.Store.VectorDim = 1536 // text-embedding-3-small
	}
	if config.Store.PageSize == 0 {
		config.Store.PageSize = 100
	}

	fields := &config.Store.Fields
	if fields.ID == "" {
		fields.ID = "_id"
	}
	if fields.Title == "" {
		fields.Title = "title"
	}
	if fields.Text == "" {
		fields.Text = "plot"
	}
	if fields.Embedding == "" {
		fields.Embedding = "plot_embedding"
	}
	if fields.EmbeddedAt == "" {
		fields.EmbeddedAt = "embedding_generated_at"
	}
	if fields.Filters == nil {
		fields.Filters = []string{"year"}
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "openai"
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "text-embedding-3-small"
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == "ollama" {
		config.Embedding.BaseURL = "http://localhost:11434"
	}
	if config.Embedding.Dimensions == 0 {
		config.Embedding.Dimensions = config.Store.VectorDim
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 30 * time.Second
	}
	if config.Embedding.MaxAttempts == 0 {
		config.Embedding.MaxAttempts = 3
	}
	if config.Embedding.RetryDelay == 0 {
		config.Embedding.RetryDelay = time.Second
	}
	if config.Embedding.MaxRetryDelay == 0 {
		config.Embedding.MaxRetryDelay = 30 * time.Second
	}

	if config.Backfill.BatchSize == 0 {
		config.Backfill.BatchSize = 10
	}

	if config.Search.Index == "" {
		config.Search.Index = "vectorPlotIndex"
	}
	if config.Search.NumCandidates == 0 {
		config.Search.NumCandidates = 100
	}
	if config.Search.Limit == 0 {
		config.Search.Limit = 10
	}
	if config.Search.Similarity == "" {
		config.Search.Similarity = "cosine"
	}

	if config.Cleanup.Limit == 0 {
		config.Cleanup.Limit = 10000
	}
	if config.Cleanup.BatchSize == 0 {
		config.Cleanup.BatchSize = 1000
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

func mergeWithEnv(config *Config) {
	if backend := os.Getenv("EMBEDFILL_STORE_BACKEND"); backend != "" {
		config.Store.Backend = backend
	}
	switch config.Store.Backend {
	case "", "mongodb":
		if uri := os.Getenv("MONGODB_URI"); uri != "" {
			config.Store.URI = uri
		}
	case "postgres":
		if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
			config.Store.URI = dbURL
		}
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Embedding.APIKey = apiKey
	}
	switch config.Embedding.Provider {
	case "", "openai":
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			config.Embedding.BaseURL = baseURL
		}
	case "ollama":
		if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
			config.Embedding.BaseURL = baseURL
		}
	}
}
