package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

type schemaScript struct {
	name string
	sql  string
}

// loadSchema returns the non-empty embedded scripts sorted by file name.
func loadSchema(fsys fs.FS) ([]schemaScript, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list schema scripts: %w", err)
	}
	sort.Strings(names)

	scripts := make([]schemaScript, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema script %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(body))
		if sql == "" {
			continue
		}
		scripts = append(scripts, schemaScript{name: strings.TrimPrefix(name, "migrations/"), sql: sql})
	}
	return scripts, nil
}

// ApplySchema brings the audit tables up to date. Scripts use IF NOT EXISTS
// guards and are replayed on every start; the applied names are returned.
func (s *Store) ApplySchema(ctx context.Context, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scripts, err := loadSchema(schemaFS)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(scripts))
	for _, sc := range scripts {
		if _, err := s.pool.Exec(ctx, sc.sql); err != nil {
			return applied, fmt.Errorf("apply schema script %s: %w", sc.name, err)
		}
		logger.InfoContext(ctx, "schema script applied", "script", sc.name)
		applied = append(applied, sc.name)
	}
	return applied, nil
}
