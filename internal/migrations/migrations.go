// Package migrations provisions the PostgreSQL objects the chat service relies on: the
// read-only hrchat_reader role and its grants. The HR tables themselves belong to the HR
// application and are never migrated from here.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

// Table records applied versions; the schema introspector excludes it by default.
const Table = "hrchat_schema_migrations"

var fileNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// State is one known migration and whether the database has it applied.
type State struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// Up applies pending migrations in version order; steps <= 0 applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	items, applied, err := r.prepare(ctx, db, "ASC")
	if err != nil {
		return 0, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		done[version] = struct{}{}
	}

	count := 0
	for _, item := range items {
		if _, ok := done[item.Version]; ok {
			continue
		}
		if steps > 0 && count >= steps {
			break
		}
		if err := run(ctx, db, item.Version, item.UpSQL, `INSERT INTO `+Table+` (version, name) VALUES ($1, $2)`, item.Name); err != nil {
			return count, fmt.Errorf("apply migration %d: %w", item.Version, err)
		}
		count++
	}
	return count, nil
}

// Down rolls back the newest applied migrations; steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	items, applied, err := r.prepare(ctx, db, "DESC")
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(items))
	for _, item := range items {
		byVersion[item.Version] = item
	}

	count := 0
	for _, version := range applied {
		if count >= steps {
			break
		}
		item, ok := byVersion[version]
		if !ok {
			return count, fmt.Errorf("applied migration %d is not embedded in this binary", version)
		}
		if err := run(ctx, db, item.Version, item.DownSQL, `DELETE FROM `+Table+` WHERE version = $1`); err != nil {
			return count, fmt.Errorf("roll back migration %d: %w", item.Version, err)
		}
		count++
	}
	return count, nil
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]State, error) {
	items, applied, err := r.prepare(ctx, db, "ASC")
	if err != nil {
		return nil, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		done[version] = struct{}{}
	}
	states := make([]State, 0, len(items))
	for _, item := range items {
		_, ok := done[item.Version]
		states = append(states, State{Version: item.Version, Name: item.Name, Applied: ok})
	}
	return states, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB, order string) ([]migration, []int64, error) {
	items, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+Table+` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedVersions(ctx, db, order)
	if err != nil {
		return nil, nil, err
	}
	return items, applied, nil
}

// run executes script and the bookkeeping statement in one transaction. markArgs follow the version.
func run(ctx context.Context, db *sql.DB, version int64, script, mark string, markArgs ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, mark, append([]any{version}, markArgs...)...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, db *sql.DB, order string) ([]int64, error) {
	if order != "ASC" && order != "DESC" {
		return nil, fmt.Errorf("invalid order %q", order)
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+Table+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return versions, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %q: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := byVersion[version]
		if item.Name != "" && item.Name != match[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, match[2])
		}
		item.Version = version
		item.Name = match[2]
		if match[3] == "up" {
			item.UpSQL = string(body)
		} else {
			item.DownSQL = string(body)
		}
		byVersion[version] = item
	}

	items := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}
