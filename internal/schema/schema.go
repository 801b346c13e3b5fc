package schema

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNoTables = errors.New("schema has no visible tables")

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// HasColumn resolves an unquoted name case-folded and a quoted name exactly.
func (t Table) HasColumn(name string, quoted bool) bool {
	if !quoted {
		name = strings.ToLower(name)
	}
	for _, column := range t.Columns {
		if column.Name == name {
			return true
		}
	}
	return false
}

// Descriptor is an immutable snapshot of the tables a question may touch.
type Descriptor struct {
	SchemaName string    `json:"schema"`
	Tables     []Table   `json:"tables"`
	LoadedAt   time.Time `json:"loaded_at"`

	byName map[string]int
}

func NewDescriptor(schemaName string, tables []Table, loadedAt time.Time) Descriptor {
	d := Descriptor{
		SchemaName: schemaName,
		Tables:     tables,
		LoadedAt:   loadedAt,
		byName:     make(map[string]int, len(tables)),
	}
	for i, table := range tables {
		d.byName[table.Name] = i
	}
	return d
}

func (d Descriptor) Lookup(name string, quoted bool) (Table, bool) {
	if !quoted {
		name = strings.ToLower(name)
	}
	if d.byName != nil {
		i, ok := d.byName[name]
		if !ok {
			return Table{}, false
		}
		return d.Tables[i], true
	}
	for _, table := range d.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

// MatchesSchema reports whether a schema qualifier names this descriptor's schema.
func (d Descriptor) MatchesSchema(name string, quoted bool) bool {
	if !quoted {
		name = strings.ToLower(name)
	}
	return name == d.SchemaName
}

func (d Descriptor) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		names = append(names, table.Name)
	}
	return names
}

func (d Descriptor) Empty() bool {
	return len(d.Tables) == 0
}

// PromptText renders the descriptor in the layout the generation prompts embed.
func (d Descriptor) PromptText() string {
	var b strings.Builder
	for _, table := range d.Tables {
		b.WriteString("\nTable: ")
		b.WriteString(table.Name)
		b.WriteString("\nColumns:\n")
		for _, column := range table.Columns {
			b.WriteString("  - ")
			b.WriteString(column.Name)
			b.WriteString(" (")
			b.WriteString(column.Type)
			b.WriteString(") ")
			if column.Nullable {
				b.WriteString("NULL")
			} else {
				b.WriteString("NOT NULL")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

type Source interface {
	Describe(ctx context.Context) (Descriptor, error)
}

type Provider interface {
	Current(ctx context.Context) (Descriptor, error)
}
