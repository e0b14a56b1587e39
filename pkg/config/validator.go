package config

import (
	"fmt"
	"net/url"
	"strings"
)

var (
	backends     = []string{"mongodb", "postgres", "sqlite", "memory"}
	providers    = []string{"openai", "ollama"}
	similarities = []string{"cosine", "euclidean", "dotProduct"}
	logLevels    = []string{"debug", "info", "warn", "error"}
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Store config
	if !oneOf(c.Store.Backend, backends) {
		errors = append(errors, ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("backend must be one of %s", strings.Join(backends, ", ")),
		})
	}

	switch c.Store.Backend {
	case "mongodb":
		if !strings.HasPrefix(c.Store.URI, "mongodb://") && !strings.HasPrefix(c.Store.URI, "mongodb+srv://") {
			errors = append(errors, ValidationError{
				Field:   "store.uri",
				Message: "a mongodb:// or mongodb+srv:// connection string is required (set MONGODB_URI)",
			})
		}
	case "postgres":
		if u, err := url.Parse(c.Store.URI); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "store.uri",
				Message: "invalid database URL (set DATABASE_URL)",
			})
		}
	}

	if c.Store.Collection == "" {
		errors = append(errors, ValidationError{
			Field:   "store.collection",
			Message: "collection is required",
		})
	}

	if c.Store.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "store.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Store.PageSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "store.page_size",
			Message: "page_size must be positive",
		})
	}

	if c.Store.Fields.Text == "" || c.Store.Fields.Embedding == "" || c.Store.Fields.EmbeddedAt == "" {
		errors = append(errors, ValidationError{
			Field:   "store.fields",
			Message: "text, embedding and embedded_at field names are required",
		})
	}

	// Validate Embedding config
	if !oneOf(c.Embedding.Provider, providers) {
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("provider must be one of %s", strings.Join(providers, ", ")),
		})
	}

	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "embedding.api_key",
			Message: "OpenAI API key is required (set OPENAI_API_KEY)",
		})
	}

	if c.Embedding.BaseURL != "" {
		if u, err := url.Parse(c.Embedding.BaseURL); err != nil || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "embedding.base_url",
				Message: "invalid base URL",
			})
		}
	}

	if c.Embedding.Dimensions != c.Store.VectorDim {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimensions",
			Message: fmt.Sprintf("dimensions (%d) must match store.vector_dim (%d)", c.Embedding.Dimensions, c.Store.VectorDim),
		})
	}

	if c.Embedding.RequestsPerSecond < 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.requests_per_second",
			Message: "requests_per_second must not be negative",
		})
	}

	if c.Embedding.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	if c.Embedding.MaxRetryDelay < c.Embedding.RetryDelay {
		errors = append(errors, ValidationError{
			Field:   "embedding.max_retry_delay",
			Message: "max_retry_delay must be at least retry_delay",
		})
	}

	if c.Embedding.MaxChars < 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.max_chars",
			Message: "max_chars must not be negative",
		})
	}

	// Validate Backfill config
	if c.Backfill.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "backfill.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Backfill.Delay < 0 {
		errors = append(errors, ValidationError{
			Field:   "backfill.delay",
			Message: "delay must not be negative",
		})
	}

	// Validate Search config
	if c.Search.Limit < 1 {
		errors = append(errors, ValidationError{
			Field:   "search.limit",
			Message: "limit must be positive",
		})
	}

	if c.Search.NumCandidates < c.Search.Limit || c.Search.NumCandidates > 10000 {
		errors = append(errors, ValidationError{
			Field:   "search.num_candidates",
			Message: "num_candidates must be at least limit and at most 10000",
		})
	}

	if !oneOf(c.Search.Similarity, similarities) {
		errors = append(errors, ValidationError{
			Field:   "search.similarity",
			Message: fmt.Sprintf("similarity must be one of %s", strings.Join(similarities, ", ")),
		})
	}

	// Validate Cleanup config
	if c.Cleanup.Limit < 1 || c.Cleanup.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "cleanup",
			Message: "limit and batch_size must be positive",
		})
	}

	if !oneOf(strings.ToLower(c.Log.Level), logLevels) {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown log level %q", c.Log.Level),
		})
	}

	return errors
}
