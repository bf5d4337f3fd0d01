package outbox

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaymsg/internal/clock"
)

// BuildEventStoreFromDSN selects a backend by DSN scheme. A bare path
// or file: DSN opens the SQLite backend, postgres:// the Postgres
// one, memory:// the non-durable one. An empty DSN is invalid: the
// outbox exists to survive restarts, so the caller must opt in to
// memory:// explicitly.
func BuildEventStoreFromDSN(dsn string, clk clock.Clock, log *slog.Logger) (EventStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file", "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(SQLiteStoreOptions{Path: path, Clock: clk, Logger: log})
	case "memory", "mem", "inmem":
		return NewMemoryStore(clk), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, clk)
	case "mysql", "redis", "nats":
		return nil, fmt.Errorf("%w: event store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported event store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
