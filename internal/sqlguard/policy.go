package sqlguard

import "strings"

const (
	DefaultMaxRows   = 200
	DefaultMaxLength = 8000
)

type Policy struct {
	MaxRows   int
	MaxLength int
	// ForbiddenKeywords are matched against unquoted words, upper-cased.
	ForbiddenKeywords []string
	// ForbiddenFunctions are matched case-insensitively against the called name.
	ForbiddenFunctions []string
	// ForbiddenFunctionPrefixes reject every function whose name starts with one of them.
	ForbiddenFunctionPrefixes []string
	// TableFunctions may appear in FROM positions in place of a table.
	TableFunctions []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRows:   DefaultMaxRows,
		MaxLength: DefaultMaxLength,
		ForbiddenKeywords: []string{
			"INSERT", "UPDATE", "DELETE", "MERGE", "UPSERT",
			"DROP", "ALTER", "CREATE", "TRUNCATE", "RENAME",
			"GRANT", "REVOKE",
			"COPY", "CALL", "DO", "EXEC", "EXECUTE", "PREPARE", "DEALLOCATE",
			"BEGIN", "START", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "ABORT",
			"LOCK", "VACUUM", "ANALYZE", "REINDEX", "CLUSTER", "REFRESH",
			"LISTEN", "NOTIFY", "UNLISTEN",
			"SET", "RESET", "DISCARD", "LOAD", "SECURITY",
			"IMPORT", "EXPORT", "ATTACH", "DETACH", "INSTALL", "PRAGMA", "CHECKPOINT", "USE",
			"EXPLAIN", "DESCRIBE", "SUMMARIZE", "SHOW",
			"INTO",
		},
		ForbiddenFunctions: []string{
			"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf", "pg_rotate_logfile",
			"pg_promote", "pg_switch_wal", "pg_start_backup", "pg_stop_backup", "pg_backup_start",
			"pg_backup_stop", "pg_logical_emit_message", "pg_notify", "pg_stat_file",
			"set_config", "nextval", "setval",
			"query_to_xml", "query_to_xmlschema", "query_to_xml_and_xmlschema", "cursor_to_xml",
			"cursor_to_xmlschema", "table_to_xml", "table_to_xmlschema", "table_to_xml_and_xmlschema",
			"schema_to_xml", "database_to_xml",
			"glob", "parquet_scan", "parquet_metadata", "parquet_schema", "sniff_csv", "delta_scan",
			"iceberg_scan", "sqlite_scan", "postgres_scan", "mysql_scan", "setvariable", "http_get",
		},
		ForbiddenFunctionPrefixes: []string{
			"pg_sleep", "pg_advisory", "pg_try_advisory", "pg_read_", "pg_ls_", "pg_file_",
			"pg_create_", "pg_drop_", "pg_replication_", "pg_stat_reset", "lo_", "dblink", "read_",
		},
		TableFunctions: []string{
			"generate_series", "unnest", "range",
			"json_each", "json_each_text", "jsonb_each", "jsonb_each_text",
			"json_array_elements", "json_array_elements_text",
			"jsonb_array_elements", "jsonb_array_elements_text",
			"json_to_recordset", "jsonb_to_recordset",
			"regexp_matches", "regexp_split_to_table", "string_to_table",
		},
	}
}

type compiledPolicy struct {
	maxRows        int
	maxLength      int
	keywords       map[string]struct{}
	functions      map[string]struct{}
	prefixes       []string
	tableFunctions map[string]struct{}
}

func (p Policy) compile() compiledPolicy {
	c := compiledPolicy{
		maxRows:        p.MaxRows,
		maxLength:      p.MaxLength,
		keywords:       make(map[string]struct{}, len(p.ForbiddenKeywords)),
		functions:      make(map[string]struct{}, len(p.ForbiddenFunctions)),
		tableFunctions: make(map[string]struct{}, len(p.TableFunctions)),
	}
	if c.maxRows <= 0 {
		c.maxRows = DefaultMaxRows
	}
	if c.maxLength <= 0 {
		c.maxLength = DefaultMaxLength
	}
	for _, keyword := range p.ForbiddenKeywords {
		c.keywords[strings.ToUpper(keyword)] = struct{}{}
	}
	for _, name := range p.ForbiddenFunctions {
		c.functions[strings.ToLower(name)] = struct{}{}
	}
	for _, prefix := range p.ForbiddenFunctionPrefixes {
		c.prefixes = append(c.prefixes, strings.ToLower(prefix))
	}
	for _, name := range p.TableFunctions {
		c.tableFunctions[strings.ToLower(name)] = struct{}{}
	}
	return c
}

func (c compiledPolicy) forbiddenFunction(name string) bool {
	name = strings.ToLower(name)
	if _, ok := c.functions[name]; ok {
		return true
	}
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
