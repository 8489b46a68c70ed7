package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Open returns the LedgerStore selected by driver: "memory", "sqlite" (path)
// or "postgres" (dsn).
func Open(ctx context.Context, driver, path, dsn string) (LedgerStore, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating ledger directory: %w", err)
			}
		}
		return NewSQLiteStore(path)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
