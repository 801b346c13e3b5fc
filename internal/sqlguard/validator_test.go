package sqlguard

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hellio/hrchat/internal/schema"
)

func fixtureSchema() schema.Descriptor {
	cols := func(names ...string) []schema.Column {
		out := make([]schema.Column, 0, len(names))
		for _, name := range names {
			out = append(out, schema.Column{Name: name, Type: "TEXT", Nullable: true})
		}
		return out
	}
	return schema.NewDescriptor("public", []schema.Table{
		{Name: "applications", Columns: cols("id", "candidate_id", "position_id", "status")},
		{Name: "candidate_skills", Columns: cols("id", "candidate_id", "skill_name")},
		{Name: "candidates", Columns: cols("id", "status", "first_name", "last_name", "email", "location", "created_at")},
		{Name: "positions", Columns: cols("id", "status", "title", "company", "location", "work_arrangement", "urgency")},
	}, time.Unix(0, 0))
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name         string
		sql          string
		want         string
		limitApplied bool
		tables       []string
	}{
		{
			name:         "count with injected limit",
			sql:          "SELECT COUNT(*) FROM candidates WHERE status = 'Active'",
			want:         "SELECT COUNT(*) FROM candidates WHERE status = 'Active' LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "join with aliases and trailing terminator",
			sql:          "select c.first_name, c.last_name\nfrom candidates c\njoin candidate_skills cs on cs.candidate_id = c.id\nwhere cs.skill_name ilike '%python%';",
			want:         "select c.first_name, c.last_name from candidates c join candidate_skills cs on cs.candidate_id = c.id where cs.skill_name ilike '%python%' LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidate_skills", "candidates"},
		},
		{
			name:   "limit within bound kept",
			sql:    "SELECT title FROM positions LIMIT 10",
			want:   "SELECT title FROM positions LIMIT 10",
			tables: []string{"positions"},
		},
		{
			name:         "limit above bound clamped",
			sql:          "SELECT title FROM positions LIMIT 5000",
			want:         "SELECT title FROM positions LIMIT 200",
			limitApplied: true,
			tables:       []string{"positions"},
		},
		{
			name:         "limit all replaced",
			sql:          "SELECT title FROM positions LIMIT ALL OFFSET 5",
			want:         "SELECT title FROM positions LIMIT 200 OFFSET 5",
			limitApplied: true,
			tables:       []string{"positions"},
		},
		{
			name:         "limit expression replaced",
			sql:          "SELECT title FROM positions LIMIT (SELECT COUNT(*) FROM candidates)",
			want:         "SELECT title FROM positions LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates", "positions"},
		},
		{
			name:         "fetch clamped",
			sql:          "SELECT title FROM positions ORDER BY title FETCH FIRST 500 ROWS ONLY",
			want:         "SELECT title FROM positions ORDER BY title FETCH FIRST 200 ROWS ONLY",
			limitApplied: true,
			tables:       []string{"positions"},
		},
		{
			name:         "common table expression",
			sql:          "WITH open_positions AS (SELECT * FROM positions WHERE status = 'Open') SELECT COUNT(*) FROM open_positions",
			want:         "WITH open_positions AS (SELECT * FROM positions WHERE status = 'Open') SELECT COUNT(*) FROM open_positions LIMIT 200",
			limitApplied: true,
			tables:       []string{"positions"},
		},
		{
			name:         "comments stripped",
			sql:          "SELECT id /* the id */ FROM candidates -- all of them\n",
			want:         "SELECT id FROM candidates LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "extract from is not a relation",
			sql:          "SELECT EXTRACT(YEAR FROM created_at) AS y, COUNT(*) FROM candidates GROUP BY 1",
			want:         "SELECT EXTRACT(YEAR FROM created_at) AS y, COUNT(*) FROM candidates GROUP BY 1 LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "positions without candidates",
			sql:          "SELECT p.title FROM positions p LEFT JOIN applications a ON a.position_id = p.id WHERE a.id IS NULL",
			want:         "SELECT p.title FROM positions p LEFT JOIN applications a ON a.position_id = p.id WHERE a.id IS NULL LIMIT 200",
			limitApplied: true,
			tables:       []string{"applications", "positions"},
		},
		{
			name:         "derived table",
			sql:          "SELECT * FROM (SELECT location, COUNT(*) AS n FROM candidates GROUP BY location) t ORDER BY t.n DESC",
			want:         "SELECT * FROM (SELECT location, COUNT(*) AS n FROM candidates GROUP BY location) t ORDER BY t.n DESC LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "quoted and qualified names",
			sql:          `SELECT "first_name" FROM public."candidates"`,
			want:         `SELECT "first_name" FROM public."candidates" LIMIT 200`,
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "allowed table function",
			sql:          "SELECT s.skill_name, x.n FROM candidate_skills s, unnest(ARRAY[1,2]) AS x(n)",
			want:         "SELECT s.skill_name, x.n FROM candidate_skills s, unnest(ARRAY[1,2]) AS x(n) LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidate_skills"},
		},
		{
			name:         "terminator inside string",
			sql:          "SELECT id FROM candidates WHERE email = 'a;b@example.com'",
			want:         "SELECT id FROM candidates WHERE email = 'a;b@example.com' LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "keyword inside dollar string",
			sql:          "SELECT $$;DROP TABLE candidates$$ AS note FROM candidates",
			want:         "SELECT $$;DROP TABLE candidates$$ AS note FROM candidates LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "is distinct from",
			sql:          "SELECT id FROM candidates WHERE status IS DISTINCT FROM 'Inactive'",
			want:         "SELECT id FROM candidates WHERE status IS DISTINCT FROM 'Inactive' LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates"},
		},
		{
			name:         "union of whitelisted tables",
			sql:          "SELECT location FROM candidates UNION SELECT location FROM positions",
			want:         "SELECT location FROM candidates UNION SELECT location FROM positions LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidates", "positions"},
		},
		{
			name:         "comma after join condition",
			sql:          "SELECT c.id, p.title FROM candidates c JOIN applications a ON a.candidate_id = c.id, positions p WHERE p.id = a.position_id",
			want:         "SELECT c.id, p.title FROM candidates c JOIN applications a ON a.candidate_id = c.id, positions p WHERE p.id = a.position_id LIMIT 200",
			limitApplied: true,
			tables:       []string{"applications", "candidates", "positions"},
		},
		{
			name:         "parenthesized join",
			sql:          "SELECT c.id FROM (candidates c JOIN applications a ON a.candidate_id = c.id) LEFT JOIN positions p ON p.id = a.position_id",
			want:         "SELECT c.id FROM (candidates c JOIN applications a ON a.candidate_id = c.id) LEFT JOIN positions p ON p.id = a.position_id LIMIT 200",
			limitApplied: true,
			tables:       []string{"applications", "candidates", "positions"},
		},
		{
			name:         "lateral subquery",
			sql:          "SELECT c.id, s.n FROM candidates c LEFT JOIN LATERAL (SELECT COUNT(*) AS n FROM candidate_skills k WHERE k.candidate_id = c.id) s ON true",
			want:         "SELECT c.id, s.n FROM candidates c LEFT JOIN LATERAL (SELECT COUNT(*) AS n FROM candidate_skills k WHERE k.candidate_id = c.id) s ON true LIMIT 200",
			limitApplied: true,
			tables:       []string{"candidate_skills", "candidates"},
		},
		{
			name:         "recursive cte",
			sql:          "WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 5) SELECT i FROM n",
			want:         "WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 5) SELECT i FROM n LIMIT 200",
			limitApplied: true,
			tables:       []string{},
		},
	}

	v := NewValidator(DefaultPolicy())
	desc := fixtureSchema()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.sql, desc)
			if !got.Accepted || got.Rejection != nil {
				t.Fatalf("Validate() rejected: %v", got.Rejection)
			}
			if got.NormalizedSQL != tt.want {
				t.Fatalf("NormalizedSQL = %q\nwant            %q", got.NormalizedSQL, tt.want)
			}
			if got.LimitApplied != tt.limitApplied {
				t.Fatalf("LimitApplied = %v, want %v", got.LimitApplied, tt.limitApplied)
			}
			if !reflect.DeepEqual(got.Tables, tt.tables) {
				t.Fatalf("Tables = %v, want %v", got.Tables, tt.tables)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want Reason
	}{
		{name: "empty", sql: "", want: ReasonEmpty},
		{name: "whitespace", sql: " \n\t ", want: ReasonEmpty},
		{name: "only comment", sql: "-- nothing here", want: ReasonEmpty},
		{name: "only terminator", sql: "/* x */ ;", want: ReasonEmpty},
		{name: "too long", sql: "SELECT '" + strings.Repeat("x", DefaultMaxLength) + "'", want: ReasonTooLong},
		{name: "unterminated string", sql: "SELECT 'open", want: ReasonMalformed},
		{name: "unterminated comment", sql: "SELECT 1 /* open", want: ReasonMalformed},
		{name: "dollar parameter", sql: "SELECT * FROM candidates WHERE id = $1", want: ReasonMalformed},
		{name: "question parameter", sql: "SELECT * FROM candidates WHERE id = ?", want: ReasonMalformed},
		{name: "unbalanced parens", sql: "SELECT (1", want: ReasonMalformed},
		{name: "stray backslash", sql: `SELECT 1 \ 2`, want: ReasonMalformed},

		{name: "stacked drop", sql: "SELECT 1; DROP TABLE positions", want: ReasonMultipleStatements},
		{name: "stacked mixed case", sql: "select 1 ;\n\tdRoP tAbLe positions", want: ReasonMultipleStatements},
		{name: "stacked selects", sql: "SELECT id FROM candidates; SELECT id FROM positions", want: ReasonMultipleStatements},
		{name: "double terminator", sql: "SELECT 1;;", want: ReasonMultipleStatements},
		{name: "stacked after string", sql: "SELECT 'a'';'; DELETE FROM positions", want: ReasonMultipleStatements},
		{name: "stacked after comment", sql: "SELECT 1 -- ;\n; DELETE FROM positions", want: ReasonMultipleStatements},

		{name: "delete", sql: "DELETE FROM positions", want: ReasonNotReadOnly},
		{name: "delete with whitespace", sql: "  \n\tdelete from positions", want: ReasonNotReadOnly},
		{name: "verb behind comment", sql: "/* SELECT */ DELETE FROM positions", want: ReasonNotReadOnly},
		{name: "split keyword", sql: "SEL/**/ECT * FROM candidates", want: ReasonNotReadOnly},
		{name: "update", sql: "UpDaTe candidates SET status = 'Hired'", want: ReasonNotReadOnly},
		{name: "insert", sql: "INSERT INTO positions (title) VALUES ('x')", want: ReasonNotReadOnly},
		{name: "drop", sql: "DROP TABLE candidates", want: ReasonNotReadOnly},
		{name: "truncate", sql: "TRUNCATE positions", want: ReasonNotReadOnly},
		{name: "grant", sql: "GRANT ALL ON candidates TO public", want: ReasonNotReadOnly},
		{name: "copy", sql: "COPY candidates TO '/tmp/out.csv'", want: ReasonNotReadOnly},
		{name: "call", sql: "CALL purge()", want: ReasonNotReadOnly},
		{name: "execute", sql: "EXECUTE stmt", want: ReasonNotReadOnly},
		{name: "values", sql: "VALUES (1)", want: ReasonNotReadOnly},
		{name: "parenthesized", sql: "(SELECT 1)", want: ReasonNotReadOnly},
		{name: "explain", sql: "EXPLAIN ANALYZE SELECT 1", want: ReasonNotReadOnly},
		{name: "writing cte", sql: "WITH gone AS (DELETE FROM positions RETURNING *) SELECT * FROM gone", want: ReasonNotReadOnly},
		{name: "cte into delete", sql: "WITH x AS (SELECT 1) DELETE FROM positions", want: ReasonNotReadOnly},

		{name: "select into", sql: "SELECT * INTO backup FROM candidates", want: ReasonForbiddenKeyword},
		{name: "for update", sql: "SELECT * FROM candidates FOR UPDATE", want: ReasonForbiddenKeyword},
		{name: "for share", sql: "SELECT * FROM candidates FOR SHARE", want: ReasonForbiddenKeyword},
		{name: "set inside select", sql: "SELECT 1 FROM candidates WHERE EXISTS (SELECT 1) AND status IN (SELECT status FROM candidates) UNION SELECT 1 FROM (SELECT 1) x WHERE 1 = 1 OR set = 1", want: ReasonForbiddenKeyword},

		{name: "sleep", sql: "SELECT pg_sleep(10)", want: ReasonForbiddenFunction},
		{name: "sleep mixed case", sql: "SELECT PG_SLEEP_FOR('5 minutes')", want: ReasonForbiddenFunction},
		{name: "qualified sleep", sql: "SELECT pg_catalog.pg_sleep(1)", want: ReasonForbiddenFunction},
		{name: "quoted sleep", sql: `SELECT "pg_sleep"(1)`, want: ReasonForbiddenFunction},
		{name: "dynamic sql via xml", sql: "SELECT query_to_xml('DELETE FROM positions RETURNING 1', true, false, '')", want: ReasonForbiddenFunction},
		{name: "dynamic sql via concatenation", sql: "SELECT query_to_xml('DEL' || 'ETE FROM positions', true, false, '')", want: ReasonForbiddenFunction},
		{name: "dblink", sql: "SELECT * FROM dblink('host=x', 'SELECT 1') AS t(a int)", want: ReasonForbiddenFunction},
		{name: "file reader", sql: "SELECT * FROM read_csv('/etc/passwd')", want: ReasonForbiddenFunction},
		{name: "set config", sql: "SELECT set_config('statement_timeout', '0', false)", want: ReasonForbiddenFunction},
		{name: "sequence", sql: "SELECT nextval('candidates_id_seq')", want: ReasonForbiddenFunction},
		{name: "large object", sql: "SELECT lo_import('/etc/passwd')", want: ReasonForbiddenFunction},
		{name: "terminate backend", sql: "SELECT pg_terminate_backend(pid) FROM candidates", want: ReasonForbiddenFunction},

		{name: "system table", sql: "SELECT * FROM pg_shadow", want: ReasonUnknownTable},
		{name: "catalog schema", sql: "SELECT usename FROM pg_catalog.pg_user", want: ReasonUnknownTable},
		{name: "information schema", sql: "SELECT * FROM information_schema.tables", want: ReasonUnknownTable},
		{name: "union into system table", sql: "SELECT email FROM candidates UNION SELECT passwd FROM pg_shadow", want: ReasonUnknownTable},
		{name: "unknown table", sql: "SELECT * FROM salaries", want: ReasonUnknownTable},
		{name: "unknown join", sql: "SELECT * FROM candidates c JOIN secrets s ON s.id = c.id", want: ReasonUnknownTable},
		{name: "unknown in comma list", sql: "SELECT * FROM candidates, users", want: ReasonUnknownTable},
		{name: "unknown in subquery", sql: "SELECT * FROM candidates WHERE id IN (SELECT id FROM users)", want: ReasonUnknownTable},
		{name: "file scan", sql: "SELECT * FROM 'data.csv'", want: ReasonUnknownTable},
		{name: "cross database", sql: "SELECT * FROM other.public.candidates", want: ReasonUnknownTable},
		{name: "table command", sql: "SELECT * FROM candidates WHERE id IN (TABLE pg_shadow)", want: ReasonUnknownTable},
		{name: "unlisted table function", sql: "SELECT * FROM pg_show_all_settings()", want: ReasonUnknownTable},
		{name: "quoted case mismatch", sql: `SELECT * FROM "Candidates"`, want: ReasonUnknownTable},
		{name: "cte shadowing later sibling", sql: "WITH a AS (SELECT * FROM pg_shadow), pg_shadow AS (SELECT 1) SELECT * FROM a", want: ReasonUnknownTable},
		{name: "cte out of scope", sql: "SELECT * FROM (WITH pg_shadow AS (SELECT 1 AS x) SELECT x FROM pg_shadow) a, pg_shadow", want: ReasonUnknownTable},

		{name: "comma after join on", sql: "SELECT s.passwd FROM candidates c JOIN positions p ON p.id = c.id, pg_shadow s", want: ReasonUnknownTable},
		{name: "comma after cross join", sql: "SELECT * FROM candidates CROSS JOIN positions, pg_catalog.pg_authid", want: ReasonUnknownTable},
		{name: "comma after join using", sql: "SELECT * FROM candidates JOIN applications USING (id), pg_shadow", want: ReasonUnknownTable},
		{name: "comma after tablesample", sql: "SELECT * FROM candidates TABLESAMPLE SYSTEM (10), pg_shadow", want: ReasonUnknownTable},
		{name: "first table of parenthesized join", sql: "SELECT * FROM (pg_shadow CROSS JOIN candidates)", want: ReasonUnknownTable},
		{name: "parenthesized join on right side", sql: "SELECT * FROM candidates JOIN (pg_authid a CROSS JOIN positions) ON true", want: ReasonUnknownTable},
		{name: "doubly parenthesized join", sql: "SELECT * FROM ((candidates CROSS JOIN pg_authid))", want: ReasonUnknownTable},
		{name: "comma after parenthesized join", sql: "SELECT * FROM (candidates CROSS JOIN positions) j, pg_shadow", want: ReasonUnknownTable},
		{name: "lateral subquery over system table", sql: "SELECT * FROM candidates c, LATERAL (SELECT * FROM pg_shadow) s", want: ReasonUnknownTable},
		{name: "comma after lateral join", sql: "SELECT * FROM candidates c LEFT JOIN LATERAL (SELECT 1 AS x) l ON true, pg_authid", want: ReasonUnknownTable},
		{name: "join inside subquery", sql: "SELECT * FROM candidates WHERE id IN (SELECT c.id FROM candidates c JOIN positions p ON true, pg_shadow)", want: ReasonUnknownTable},

		{name: "unknown qualified column", sql: "SELECT c.salary FROM candidates c", want: ReasonUnknownColumn},
		{name: "unknown column on table name", sql: "SELECT candidates.password FROM candidates", want: ReasonUnknownColumn},
		{name: "unknown schema qualified column", sql: "SELECT public.candidates.ssn FROM candidates", want: ReasonUnknownColumn},
	}

	v := NewValidator(DefaultPolicy())
	desc := fixtureSchema()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.sql, desc)
			if got.Accepted {
				t.Fatalf("Validate() accepted %q as %q", tt.sql, got.NormalizedSQL)
			}
			if got.Rejection == nil {
				t.Fatal("Validate() returned neither acceptance nor rejection")
			}
			if got.Rejection.Kind != tt.want {
				t.Fatalf("Rejection = %v, want %s", got.Rejection, tt.want)
			}
			if got.NormalizedSQL != "" {
				t.Fatalf("rejected result carries NormalizedSQL %q", got.NormalizedSQL)
			}
		})
	}
}

func TestValidateStackedQueriesRegardlessOfObfuscation(t *testing.T) {
	desc := fixtureSchema()
	seconds := []string{"DROP TABLE positions", "delete from candidates", "SeLeCt 1", "/**/UPDATE candidates SET status = 'x'"}
	separators := []string{";", " ; ", ";\n", "\t;\t", "/* c */;/* c */"}
	for _, second := range seconds {
		for _, sep := range separators {
			sql := "SELECT id FROM candidates" + sep + second
			got := Validate(sql, desc, DefaultPolicy())
			if got.Accepted || got.Rejection.Kind != ReasonMultipleStatements {
				t.Fatalf("Validate(%q) = %+v", sql, got)
			}
		}
	}
}

func TestValidateNeverExceedsMaxRows(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRows = 25
	v := NewValidator(policy)
	for _, sql := range []string{
		"SELECT id FROM candidates",
		"SELECT id FROM candidates LIMIT 26",
		"SELECT id FROM candidates LIMIT ALL",
		"SELECT id FROM candidates ORDER BY id FETCH NEXT 1000 ROWS ONLY",
	} {
		got := v.Validate(sql, fixtureSchema())
		if !got.Accepted {
			t.Fatalf("Validate(%q) rejected: %v", sql, got.Rejection)
		}
		if !strings.Contains(got.NormalizedSQL, " 25") || !got.LimitApplied {
			t.Fatalf("Validate(%q) = %q, want bound 25", sql, got.NormalizedSQL)
		}
	}
	if v.MaxRows() != 25 {
		t.Fatalf("MaxRows() = %d", v.MaxRows())
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	desc := fixtureSchema()
	v := NewValidator(DefaultPolicy())
	for _, sql := range []string{
		"SELECT COUNT(*) FROM candidates WHERE status = 'Active'",
		"SELECT title FROM positions LIMIT 5000",
		"SELECT * FROM pg_shadow",
		"SELECT 1; DROP TABLE positions",
		"WITH x AS (SELECT * FROM positions) SELECT * FROM x -- tail",
	} {
		first := v.Validate(sql, desc)
		second := v.Validate(sql, desc)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("Validate(%q) not deterministic: %+v vs %+v", sql, first, second)
		}
		if !first.Accepted {
			continue
		}
		again := v.Validate(first.NormalizedSQL, desc)
		if !again.Accepted || again.NormalizedSQL != first.NormalizedSQL || again.LimitApplied {
			t.Fatalf("re-validating %q = %+v", first.NormalizedSQL, again)
		}
	}
}

func TestValidateFollowsSchemaChanges(t *testing.T) {
	sql := "SELECT id FROM interviews"
	if got := Validate(sql, fixtureSchema(), DefaultPolicy()); got.Accepted {
		t.Fatal("interviews accepted before it exists")
	}
	grown := fixtureSchema()
	tables := append(append([]schema.Table{}, grown.Tables...), schema.Table{Name: "interviews", Columns: []schema.Column{{Name: "id"}}})
	grown = schema.NewDescriptor(grown.SchemaName, tables, time.Unix(1, 0))
	if got := Validate(sql, grown, DefaultPolicy()); !got.Accepted {
		t.Fatalf("interviews rejected after it appeared: %v", got.Rejection)
	}
}

func TestPolicyOverrides(t *testing.T) {
	policy := DefaultPolicy()
	policy.ForbiddenFunctions = append(policy.ForbiddenFunctions, "current_setting")
	got := Validate("SELECT current_setting('search_path')", fixtureSchema(), policy)
	if got.Accepted || got.Rejection.Kind != ReasonForbiddenFunction {
		t.Fatalf("Validate() = %+v", got)
	}

	policy = DefaultPolicy()
	policy.MaxLength = 10
	got = Validate("SELECT id FROM candidates", fixtureSchema(), policy)
	if got.Accepted || got.Rejection.Kind != ReasonTooLong {
		t.Fatalf("Validate() = %+v", got)
	}
}
