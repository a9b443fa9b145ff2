package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend from databaseURL: empty is in-memory,
// postgres:// or postgresql:// is PostgreSQL, sqlite://path, file:... or a
// bare *.db path is SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"), url == ":memory:", strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"):
		return NewSQLiteStore(url)
	default:
		return NewPostgresStore(ctx, url)
	}
}
