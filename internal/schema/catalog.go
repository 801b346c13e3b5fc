package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const describeColumnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1
  AND t.table_type IN ('BASE TABLE', 'VIEW')
ORDER BY c.table_name, c.ordinal_position`

// CatalogSource reads table and column metadata from information_schema.
type CatalogSource struct {
	db      *sql.DB
	schema  string
	exclude map[string]struct{}
	now     func() time.Time
}

func NewCatalogSource(db *sql.DB, schemaName string, exclude []string) *CatalogSource {
	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return &CatalogSource{
		db:      db,
		schema:  schemaName,
		exclude: excluded,
		now:     time.Now,
	}
}

func (s *CatalogSource) Describe(ctx context.Context) (Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, describeColumnsQuery, s.schema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("query information_schema: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var (
			tableName, columnName, dataType, isNullable string
		)
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable); err != nil {
			return Descriptor{}, fmt.Errorf("scan column metadata: %w", err)
		}
		if _, skip := s.exclude[strings.ToLower(tableName)]; skip {
			continue
		}
		if len(tables) == 0 || tables[len(tables)-1].Name != tableName {
			tables = append(tables, Table{Name: tableName})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, Column{
			Name:     columnName,
			Type:     strings.ToUpper(dataType),
			Nullable: strings.EqualFold(isNullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return Descriptor{}, fmt.Errorf("iterate column metadata: %w", err)
	}
	if len(tables) == 0 {
		return Descriptor{}, fmt.Errorf("describe schema %q: %w", s.schema, ErrNoTables)
	}
	return NewDescriptor(s.schema, tables, s.now().UTC()), nil
}
