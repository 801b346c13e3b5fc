package sqlguard

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/hellio/hrchat/internal/schema"
)

type Reason string

const (
	ReasonEmpty              Reason = "empty"
	ReasonTooLong            Reason = "too_long"
	ReasonMalformed          Reason = "malformed"
	ReasonMultipleStatements Reason = "multiple_statements"
	ReasonNotReadOnly        Reason = "not_read_only"
	ReasonForbiddenKeyword   Reason = "forbidden_keyword"
	ReasonForbiddenFunction  Reason = "forbidden_function"
	ReasonUnknownTable       Reason = "unknown_table"
	ReasonUnknownColumn      Reason = "unknown_column"
)

type Rejection struct {
	Kind   Reason `json:"kind"`
	Detail string `json:"detail"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

func reject(kind Reason, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

type Result struct {
	Accepted      bool
	NormalizedSQL string
	// Tables lists the whitelisted tables the query reads.
	Tables []string
	// LimitApplied is set when a row bound was injected or an existing one clamped.
	LimitApplied bool
	Rejection    *Rejection
}

func rejected(r *Rejection) Result {
	return Result{Rejection: r}
}

type Validator struct {
	policy compiledPolicy
}

func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy.compile()}
}

func (v *Validator) MaxRows() int {
	return v.policy.maxRows
}

func Validate(sql string, desc schema.Descriptor, policy Policy) Result {
	return NewValidator(policy).Validate(sql, desc)
}

// Validate decides whether sql may run against desc. Accepted results carry the only text that may be executed.
func (v *Validator) Validate(sql string, desc schema.Descriptor) Result {
	if strings.TrimSpace(sql) == "" {
		return rejected(reject(ReasonEmpty, "no statement"))
	}
	if len(sql) > v.policy.maxLength {
		return rejected(reject(ReasonTooLong, "%d bytes exceeds %d", len(sql), v.policy.maxLength))
	}
	tokens, err := Tokenize(sql)
	if err != nil {
		return rejected(reject(ReasonMalformed, "%v", err))
	}
	if len(tokens) == 0 {
		return rejected(reject(ReasonEmpty, "only comments"))
	}
	for _, tok := range tokens {
		if tok.Kind == TokenParam {
			return rejected(reject(ReasonMalformed, "bind parameter %s at offset %d", tok.Text, tok.Pos))
		}
	}

	for i, tok := range tokens {
		if tok.IsPunct(";") && i != len(tokens)-1 {
			return rejected(reject(ReasonMultipleStatements, "statement terminator at offset %d", tok.Pos))
		}
	}
	if tokens[len(tokens)-1].IsPunct(";") {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return rejected(reject(ReasonEmpty, "only a terminator"))
	}

	s, rej := newStatement(tokens, desc, v.policy)
	if rej != nil {
		return rejected(rej)
	}
	for _, rule := range []func() *Rejection{
		s.checkReadOnly,
		s.checkForbidden,
		s.checkTables,
		s.checkColumns,
		s.boundRows,
	} {
		if rej := rule(); rej != nil {
			return rejected(rej)
		}
	}

	tables := make([]string, 0, len(s.tables))
	for name := range s.tables {
		tables = append(tables, name)
	}
	slices.Sort(tables)
	return Result{
		Accepted:      true,
		NormalizedSQL: render(s.tokens),
		Tables:        tables,
		LimitApplied:  s.limitApplied,
	}
}

type aliasTarget struct {
	table     *schema.Table
	ambiguous bool
}

type cteScope struct {
	name       string
	start, end int
}

type statement struct {
	tokens []Token
	match  []int
	parent []int
	desc   schema.Descriptor
	policy compiledPolicy

	ctes         []cteScope
	aliases      map[string]aliasTarget
	consumed     []bool
	tables       map[string]struct{}
	limitApplied bool
}

func newStatement(tokens []Token, desc schema.Descriptor, policy compiledPolicy) (*statement, *Rejection) {
	s := &statement{
		tokens:   tokens,
		match:    make([]int, len(tokens)),
		parent:   make([]int, len(tokens)),
		desc:     desc,
		policy:   policy,
		aliases:  map[string]aliasTarget{},
		consumed: make([]bool, len(tokens)),
		tables:   map[string]struct{}{},
	}
	var stack []int
	for i, tok := range tokens {
		s.match[i] = -1
		s.parent[i] = -1
		if len(stack) > 0 {
			s.parent[i] = stack[len(stack)-1]
		}
		switch {
		case tok.IsPunct("("):
			stack = append(stack, i)
		case tok.IsPunct(")"):
			if len(stack) == 0 {
				return nil, reject(ReasonMalformed, "unbalanced ) at offset %d", tok.Pos)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			s.match[open], s.match[i] = i, open
			s.parent[i] = s.parent[open]
		}
	}
	if len(stack) > 0 {
		return nil, reject(ReasonMalformed, "unbalanced ( at offset %d", tokens[stack[len(stack)-1]].Pos)
	}
	return s, nil
}

func (s *statement) at(i int) Token {
	if i < 0 || i >= len(s.tokens) {
		return Token{Kind: TokenPunct}
	}
	return s.tokens[i]
}

func (s *statement) checkReadOnly() *Rejection {
	first := s.tokens[0]
	switch {
	case first.IsWord("SELECT"):
		return nil
	case first.IsWord("WITH"):
		main, _, ok := s.parseCTEList(1)
		if !ok {
			return reject(ReasonNotReadOnly, "WITH clause does not define read-only queries")
		}
		if !s.at(main).IsWord("SELECT") {
			return reject(ReasonNotReadOnly, "WITH clause leads into %q", s.at(main).Text)
		}
		return nil
	default:
		return reject(ReasonNotReadOnly, "statement starts with %q", first.Text)
	}
}

// parseCTEList reads "[RECURSIVE] name [(cols)] AS [[NOT] MATERIALIZED] (query), ..." from i.
// Each returned scope starts where the name becomes visible: at WITH for recursive lists,
// after the defining query otherwise.
func (s *statement) parseCTEList(i int) (int, []cteScope, bool) {
	var scopes []cteScope
	with := i - 1
	recursive := s.at(i).IsWord("RECURSIVE")
	if recursive {
		i++
	}
	for {
		name := s.at(i)
		if !name.IsIdent() {
			return i, nil, false
		}
		i++
		if s.at(i).IsPunct("(") {
			i = s.match[i] + 1
		}
		if !s.at(i).IsWord("AS") {
			return i, nil, false
		}
		i++
		if s.at(i).IsWord("NOT") {
			i++
			if !s.at(i).IsWord("MATERIALIZED") {
				return i, nil, false
			}
		}
		if s.at(i).IsWord("MATERIALIZED") {
			i++
		}
		if !s.at(i).IsPunct("(") {
			return i, nil, false
		}
		body := s.at(i + 1)
		if !body.IsWord("SELECT") && !body.IsWord("WITH") && !body.IsWord("VALUES") && !body.IsPunct("(") {
			return i, nil, false
		}
		i = s.match[i] + 1
		start := i
		if recursive {
			start = with
		}
		scopes = append(scopes, cteScope{name: name.Name(), start: start})
		if s.at(i).IsPunct(",") {
			i++
			continue
		}
		if i >= len(s.tokens) {
			return i, nil, false
		}
		return i, scopes, true
	}
}

func (s *statement) afterDot(i int) bool {
	return i > 0 && s.tokens[i-1].IsPunct(".")
}

var lockStrength = map[string]struct{}{"UPDATE": {}, "SHARE": {}, "NO": {}, "KEY": {}}

func (s *statement) checkForbidden() *Rejection {
	for i, tok := range s.tokens {
		if tok.Kind == TokenWord && !s.afterDot(i) {
			if _, bad := s.policy.keywords[tok.Value]; bad {
				return reject(ReasonForbiddenKeyword, "keyword %s at offset %d", tok.Value, tok.Pos)
			}
			if tok.Value == "FOR" {
				if next := s.at(i + 1); next.Kind == TokenWord {
					if _, locking := lockStrength[next.Value]; locking {
						return reject(ReasonForbiddenKeyword, "locking clause FOR %s at offset %d", next.Value, tok.Pos)
					}
				}
			}
		}
		if tok.IsIdent() && s.at(i+1).IsPunct("(") && s.policy.forbiddenFunction(tok.Name()) {
			return reject(ReasonForbiddenFunction, "function %s at offset %d", tok.Name(), tok.Pos)
		}
	}
	return nil
}

// Functions whose argument syntax uses FROM without naming a relation.
var fromArgumentFunctions = map[string]struct{}{
	"EXTRACT": {}, "SUBSTRING": {}, "TRIM": {}, "OVERLAY": {},
}

var aliasStop = map[string]struct{}{
	"WHERE": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "OUTER": {}, "CROSS": {},
	"NATURAL": {}, "ON": {}, "USING": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "FETCH": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "WINDOW": {}, "FOR": {},
	"TABLESAMPLE": {}, "WITH": {}, "QUALIFY": {}, "SAMPLE": {}, "ASOF": {}, "POSITIONAL": {},
	"ANTI": {}, "SEMI": {}, "PIVOT": {}, "UNPIVOT": {}, "RETURNING": {}, "SELECT": {}, "FROM": {},
	"AND": {}, "OR": {}, "THEN": {}, "WHEN": {}, "ELSE": {}, "END": {}, "AS": {}, "LATERAL": {},
	"ONLY": {}, "IS": {}, "NOT": {}, "IN": {},
}

func (s *statement) checkTables() *Rejection {
	s.collectCTEs()
	for i, tok := range s.tokens {
		if tok.Kind != TokenWord || s.afterDot(i) || s.consumed[i] {
			continue
		}
		var rej *Rejection
		switch tok.Value {
		case "FROM":
			if s.relationFrom(i) {
				rej = s.parseFromList(i+1, s.scopeEnd(i))
			}
		case "JOIN":
			rej = s.parseFromList(i+1, s.scopeEnd(i))
		case "TABLE", "PIVOT", "UNPIVOT":
			if s.at(i + 1).IsIdent() {
				_, rej = s.tableRef(i + 1)
			}
		}
		if rej != nil {
			return rej
		}
	}
	return nil
}

func (s *statement) collectCTEs() {
	for i, tok := range s.tokens {
		if !tok.IsWord("WITH") {
			continue
		}
		_, scopes, ok := s.parseCTEList(i + 1)
		if !ok {
			continue
		}
		end := s.scopeEnd(i)
		for _, scope := range scopes {
			scope.end = end
			s.ctes = append(s.ctes, scope)
		}
	}
}

func (s *statement) cteVisible(name string, at int) bool {
	for _, cte := range s.ctes {
		if cte.name == name && at >= cte.start && at <= cte.end {
			return true
		}
	}
	return false
}

// relationFrom reports whether the FROM at i introduces relations rather than a function argument.
func (s *statement) relationFrom(i int) bool {
	if s.at(i - 1).IsWord("DISTINCT") {
		return false
	}
	if next := s.at(i + 1); next.IsWord("FIRST") || next.IsWord("LAST") {
		if after := s.at(i + 2); after.IsWord("OVER") || after.IsWord("IGNORE") || after.IsWord("RESPECT") {
			return false
		}
	}
	if p := s.parent[i]; p > 0 {
		if fn := s.tokens[p-1]; fn.Kind == TokenWord {
			if _, ok := fromArgumentFunctions[fn.Value]; ok {
				return false
			}
		}
	}
	return true
}

// Clause keywords that end a FROM list at its own nesting depth.
var fromListEnd = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "HAVING": {}, "WINDOW": {}, "QUALIFY": {}, "ORDER": {}, "LIMIT": {},
	"OFFSET": {}, "FETCH": {}, "FOR": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "RETURNING": {},
	"SELECT": {},
}

// Words that open a query inside parentheses; any other parenthesized FROM item is a joined table.
var subqueryStart = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "TABLE": {}, "FROM": {},
}

// parseFromList checks every relation of the FROM list that starts at i and ends before end.
// Join conditions, sampling clauses and other item suffixes are skipped up to the next comma or JOIN.
func (s *statement) parseFromList(i, end int) *Rejection {
	next, rej := s.fromItem(i, end)
	if rej != nil {
		return rej
	}
	for i = next; i < end; i++ {
		tok := s.tokens[i]
		switch {
		case tok.IsPunct("("):
			i = s.match[i]
		case tok.IsPunct(","), tok.IsWord("JOIN") && !s.afterDot(i):
			s.consumed[i] = true
			if next, rej = s.fromItem(i+1, end); rej != nil {
				return rej
			}
			i = next - 1
		case tok.Kind == TokenWord && !s.afterDot(i):
			if _, stop := fromListEnd[tok.Value]; stop {
				return nil
			}
		}
	}
	return nil
}

func (s *statement) fromItem(i, end int) (int, *Rejection) {
	for s.at(i).IsWord("ONLY") || s.at(i).IsWord("LATERAL") {
		i++
	}
	if i >= end {
		return i, reject(ReasonMalformed, "missing relation after FROM")
	}
	tok := s.tokens[i]
	switch {
	case tok.IsPunct("("):
		closing := s.match[i]
		if first := s.at(i + 1); first.Kind != TokenWord || !isSubqueryStart(first) {
			if rej := s.parseFromList(i+1, closing); rej != nil {
				return i, rej
			}
		}
		alias, next := s.readAlias(closing + 1)
		if alias != "" {
			s.addAlias(alias, nil)
		}
		return next, nil
	case tok.IsIdent():
		return s.tableRef(i)
	default:
		return i, reject(ReasonUnknownTable, "unsupported relation %s at offset %d", tok.Text, tok.Pos)
	}
}

func isSubqueryStart(tok Token) bool {
	_, ok := subqueryStart[tok.Value]
	return ok
}

// scopeEnd is the index of the parenthesis closing the query that contains i, or len(tokens).
func (s *statement) scopeEnd(i int) int {
	if p := s.parent[i]; p >= 0 {
		return s.match[p]
	}
	return len(s.tokens)
}

func (s *statement) tableRef(i int) (int, *Rejection) {
	start := i
	parts := []Token{s.tokens[i]}
	i++
	for s.at(i).IsPunct(".") && s.at(i+1).IsIdent() {
		parts = append(parts, s.tokens[i+1])
		i += 2
	}
	for j := start; j < i; j++ {
		s.consumed[j] = true
	}
	last := parts[len(parts)-1]

	if s.at(i).IsPunct("(") {
		if !s.tableFunctionAllowed(parts) {
			return i, reject(ReasonUnknownTable, "table function %s at offset %d", last.Name(), last.Pos)
		}
		i = s.match[i] + 1
		if s.at(i).IsWord("WITH") && s.at(i+1).IsWord("ORDINALITY") {
			i += 2
		}
		alias, next := s.readAlias(i)
		if alias == "" {
			alias = last.Name()
		}
		s.addAlias(alias, nil)
		return next, nil
	}

	var nameTok Token
	switch len(parts) {
	case 1:
		nameTok = parts[0]
		if s.cteVisible(nameTok.Name(), start) {
			alias, next := s.readAlias(i)
			if alias == "" {
				alias = nameTok.Name()
			}
			s.addAlias(alias, nil)
			return next, nil
		}
	case 2:
		if !s.desc.MatchesSchema(lookupName(parts[0])) {
			return i, reject(ReasonUnknownTable, "schema %s at offset %d", parts[0].Name(), parts[0].Pos)
		}
		nameTok = parts[1]
	default:
		return i, reject(ReasonUnknownTable, "cross-database reference at offset %d", parts[0].Pos)
	}

	table, ok := s.desc.Lookup(lookupName(nameTok))
	if !ok {
		return i, reject(ReasonUnknownTable, "table %s at offset %d", nameTok.Name(), nameTok.Pos)
	}
	s.tables[table.Name] = struct{}{}
	alias, next := s.readAlias(i)
	if alias == "" {
		alias = table.Name
	}
	s.addAlias(alias, &table)
	return next, nil
}

func (s *statement) tableFunctionAllowed(parts []Token) bool {
	name := parts[len(parts)-1].Name()
	if _, ok := s.policy.tableFunctions[name]; !ok {
		return false
	}
	switch len(parts) {
	case 1:
		return true
	case 2:
		qualifier := parts[0].Name()
		return qualifier == "pg_catalog" || qualifier == s.desc.SchemaName
	default:
		return false
	}
}

func (s *statement) readAlias(i int) (string, int) {
	explicit := s.at(i).IsWord("AS")
	if explicit {
		i++
	}
	tok := s.at(i)
	if i >= len(s.tokens) {
		return "", i
	}
	if tok.Kind == TokenWord {
		if _, stop := aliasStop[tok.Value]; stop && !explicit {
			return "", i
		}
	} else if tok.Kind != TokenQuotedIdent {
		return "", i
	}
	i++
	if s.at(i).IsPunct("(") {
		i = s.match[i] + 1
	}
	return tok.Name(), i
}

func (s *statement) addAlias(name string, table *schema.Table) {
	existing, ok := s.aliases[name]
	if !ok {
		s.aliases[name] = aliasTarget{table: table}
		return
	}
	if existing.table == nil || table == nil || existing.table.Name != table.Name {
		existing.ambiguous = true
		s.aliases[name] = existing
	}
}

func (s *statement) checkColumns() *Rejection {
	for i := 0; i < len(s.tokens); i++ {
		tok := s.tokens[i]
		if s.consumed[i] || !tok.IsIdent() || !s.at(i+1).IsPunct(".") || s.afterDot(i) {
			continue
		}
		parts := []Token{tok}
		j := i
		for s.at(j + 1).IsPunct(".") {
			next := s.at(j + 2)
			if !next.IsIdent() && !(next.Kind == TokenOperator && next.Text == "*") {
				break
			}
			parts = append(parts, next)
			j += 2
		}
		i = j
		if s.at(j + 1).IsPunct("(") {
			continue
		}

		var qualifier, column Token
		switch {
		case len(parts) == 2:
			qualifier, column = parts[0], parts[1]
		case len(parts) == 3 && s.desc.MatchesSchema(lookupName(parts[0])):
			qualifier, column = parts[1], parts[2]
		default:
			continue
		}
		target, ok := s.aliases[qualifier.Name()]
		if !ok || target.ambiguous || target.table == nil {
			continue
		}
		if column.Kind == TokenOperator {
			continue
		}
		if !target.table.HasColumn(lookupName(column)) {
			return reject(ReasonUnknownColumn, "column %s.%s at offset %d", target.table.Name, column.Name(), column.Pos)
		}
	}
	return nil
}

func lookupName(tok Token) (string, bool) {
	if tok.Kind == TokenQuotedIdent {
		return tok.Value, true
	}
	return tok.Text, false
}

var limitTerminators = map[string]struct{}{"OFFSET": {}, "FETCH": {}, "FOR": {}}

// boundRows makes sure the outermost query returns at most maxRows rows.
func (s *statement) boundRows() *Rejection {
	limitIdx, fetchIdx := -1, -1
	for i, tok := range s.tokens {
		if s.parent[i] != -1 || tok.Kind != TokenWord {
			continue
		}
		switch {
		case tok.Value == "LIMIT":
			limitIdx = i
		case tok.Value == "FETCH" && (s.at(i+1).IsWord("FIRST") || s.at(i+1).IsWord("NEXT")):
			fetchIdx = i
		}
	}

	switch {
	case limitIdx >= 0:
		end := limitIdx + 1
		for end < len(s.tokens) {
			if tok := s.tokens[end]; s.parent[end] == -1 && tok.Kind == TokenWord {
				if _, stop := limitTerminators[tok.Value]; stop {
					break
				}
			}
			end++
		}
		s.clamp(limitIdx+1, end)
	case fetchIdx >= 0:
		end := fetchIdx + 2
		for end < len(s.tokens) && !(s.parent[end] == -1 && (s.tokens[end].IsWord("ROW") || s.tokens[end].IsWord("ROWS"))) {
			end++
		}
		if end >= len(s.tokens) {
			return reject(ReasonMalformed, "FETCH without ROW or ROWS at offset %d", s.tokens[fetchIdx].Pos)
		}
		if end > fetchIdx+2 {
			s.clamp(fetchIdx+2, end)
		}
	default:
		s.tokens = append(s.tokens,
			Token{Kind: TokenWord, Text: "LIMIT", Value: "LIMIT", SpaceBefore: true},
			s.maxRowsToken(),
		)
		s.limitApplied = true
	}
	return nil
}

// clamp replaces tokens[start:end] with the row maximum unless they already are an integer within it.
func (s *statement) clamp(start, end int) {
	if end-start == 1 && s.tokens[start].Kind == TokenNumber {
		if n, err := strconv.Atoi(strings.ReplaceAll(s.tokens[start].Text, "_", "")); err == nil && n >= 0 && n <= s.policy.maxRows {
			return
		}
	}
	bounded := make([]Token, 0, len(s.tokens)-(end-start)+1)
	bounded = append(bounded, s.tokens[:start]...)
	bounded = append(bounded, s.maxRowsToken())
	if end < len(s.tokens) {
		rest := s.tokens[end]
		rest.SpaceBefore = true
		bounded = append(bounded, rest)
		bounded = append(bounded, s.tokens[end+1:]...)
	}
	s.tokens = bounded
	s.limitApplied = true
}

func (s *statement) maxRowsToken() Token {
	return Token{Kind: TokenNumber, Text: strconv.Itoa(s.policy.maxRows), SpaceBefore: true}
}

func render(tokens []Token) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && tok.SpaceBefore {
			b.WriteByte(' ')
		}
		b.WriteString(tok.Text)
	}
	return b.String()
}
