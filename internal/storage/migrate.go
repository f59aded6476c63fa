package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded migrations of one dialect in name order and
// records each applied file in schema_migrations.
type Migrator struct {
	db      *sql.DB
	dialect dialect
	fs      fs.FS
	dir     string
	now     func() time.Time
}

func newMigrator(db *sql.DB, d dialect, files fs.FS) *Migrator {
	return &Migrator{db: db, dialect: d, fs: files, dir: "migrations/" + d.name, now: time.Now}
}

func (m *Migrator) Up(ctx context.Context) (applied []string, err error) {
	if m.db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	files, err := fs.Glob(m.fs, m.dir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Strings(files)

	done, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		id := path.Base(file)
		if done[id] {
			continue
		}
		content, err := fs.ReadFile(m.fs, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := m.applyOne(ctx, id, stripLineComments(string(content))); err != nil {
			return applied, err
		}
		applied = append(applied, id)
	}
	return applied, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

func (m *Migrator) applyOne(ctx context.Context, id, sqlText string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", id, err)
	}
	if strings.TrimSpace(sqlText) != "" {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", id, err)
		}
	}
	record := m.dialect.rebind(`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, record, id, m.now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func stripLineComments(sqlText string) string {
	lines := strings.Split(sqlText, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
