package store

import (
	"context"
	"fmt"

	"github.com/xhad/embedfill/internal/types"
)

const (
	BackendMongo    = "mongodb"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	Backend string
	// URI is a MongoDB connection string, a PostgreSQL DSN or a SQLite path.
	URI        string
	Database   string
	Collection string // collection for MongoDB, table for SQL backends
	Fields     FieldMap
	VectorDim  int
	// PageSize is how many documents SQL and memory cursors fetch per query.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = "sample_mflix"
	}
	if c.Collection == "" {
		c.Collection = "movies"
	}
	if c.VectorDim == 0 {
		c.VectorDim = 1536
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	c.Fields = c.Fields.withDefaults()
	return c
}

// NewWithConfig opens the configured backend. Unreachable stores yield an
// error wrapping ErrConnection.
func NewWithConfig(ctx context.Context, config Config) (types.Store, error) {
	switch config.Backend {
	case BackendMongo, "":
		return NewMongo(ctx, config)
	case BackendPostgres:
		return NewPostgres(ctx, config)
	case BackendSQLite:
		return NewSQLite(ctx, config)
	case BackendMemory:
		return NewMemory(config), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", config.Backend)
}
