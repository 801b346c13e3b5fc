package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenOperator
	TokenPunct
	TokenParam
)

func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenQuotedIdent:
		return "quoted_ident"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenOperator:
		return "operator"
	case TokenPunct:
		return "punct"
	case TokenParam:
		return "param"
	default:
		return "unknown"
	}
}

type Token struct {
	Kind TokenKind
	// Text is the token exactly as written, quotes included.
	Text string
	// Value is the upper-cased word for TokenWord and the unescaped name for TokenQuotedIdent.
	Value string
	Pos   int
	// SpaceBefore is set when whitespace or a comment separated the token from the previous one.
	SpaceBefore bool
}

func (t Token) IsWord(upper string) bool {
	return t.Kind == TokenWord && t.Value == upper
}

func (t Token) IsPunct(text string) bool {
	return t.Kind == TokenPunct && t.Text == text
}

func (t Token) IsIdent() bool {
	return t.Kind == TokenWord || t.Kind == TokenQuotedIdent
}

// Name returns the identifier as the catalog would resolve it.
func (t Token) Name() string {
	if t.Kind == TokenQuotedIdent {
		return t.Value
	}
	return strings.ToLower(t.Text)
}

type LexError struct {
	Pos    int
	Reason string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("offset %d: %s", e.Pos, e.Reason)
}

const operatorChars = "+-*/<>=~!@#%^&|`?:"

type lexer struct {
	src    string
	pos    int
	space  bool
	tokens []Token
}

// Tokenize splits PostgreSQL-flavoured SQL into tokens, dropping whitespace and comments.
func Tokenize(src string) ([]Token, error) {
	l := &lexer{src: src}
	for {
		if err := l.skipSpaceAndComments(); err != nil {
			return nil, err
		}
		if l.pos >= len(l.src) {
			return l.tokens, nil
		}
		if err := l.next(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) emit(kind TokenKind, start int, value string) {
	l.tokens = append(l.tokens, Token{
		Kind:        kind,
		Text:        l.src[start:l.pos],
		Value:       value,
		Pos:         start,
		SpaceBefore: l.space,
	})
	l.space = false
}

func (l *lexer) fail(pos int, format string, args ...any) error {
	return &LexError{Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			l.pos++
			l.space = true
		case c == '-' && l.peek(1) == '-':
			end := strings.IndexByte(l.src[l.pos:], '\n')
			if end < 0 {
				l.pos = len(l.src)
			} else {
				l.pos += end + 1
			}
			l.space = true
		case c == '/' && l.peek(1) == '*':
			if err := l.skipBlockComment(); err != nil {
				return err
			}
			l.space = true
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) skipBlockComment() error {
	start := l.pos
	depth := 0
	for l.pos < len(l.src) {
		switch {
		case l.src[l.pos] == '/' && l.peek(1) == '*':
			depth++
			l.pos += 2
		case l.src[l.pos] == '*' && l.peek(1) == '/':
			depth--
			l.pos += 2
			if depth == 0 {
				return nil
			}
		default:
			l.pos++
		}
	}
	return l.fail(start, "unterminated block comment")
}

func (l *lexer) next() error {
	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '\'':
		return l.lexString(start, false)
	case (c == 'E' || c == 'e') && l.peek(1) == '\'':
		l.pos++
		return l.lexString(start, true)
	case (c == 'B' || c == 'b' || c == 'X' || c == 'x' || c == 'N' || c == 'n') && l.peek(1) == '\'':
		l.pos++
		return l.lexString(start, false)
	case c == '"':
		return l.lexQuotedIdent(start)
	case c == '$':
		return l.lexDollar(start)
	case isDigit(c) || (c == '.' && isDigit(l.peek(1))):
		l.lexNumber(start)
		return nil
	case isIdentStart(l.src[l.pos:]):
		l.lexWord(start)
		return nil
	case c == '(' || c == ')' || c == ',' || c == ';' || c == '.' || c == '[' || c == ']' || c == '{' || c == '}':
		l.pos++
		l.emit(TokenPunct, start, "")
		return nil
	case c == '?':
		l.pos++
		l.emit(TokenParam, start, "")
		return nil
	case c == '\\':
		return l.fail(start, "unexpected backslash")
	case strings.IndexByte(operatorChars, c) >= 0:
		l.lexOperator(start)
		return nil
	default:
		r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
		return l.fail(start, "unexpected character %q", r)
	}
}

// lexString reads a single-quoted literal; escapes enables backslash escapes as in E'...' strings.
func (l *lexer) lexString(start int, escapes bool) error {
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case escapes && c == '\\':
			l.pos += 2
		case c == '\'':
			if l.peek(1) == '\'' {
				l.pos += 2
				continue
			}
			l.pos++
			l.emit(TokenString, start, "")
			return nil
		default:
			l.pos++
		}
	}
	return l.fail(start, "unterminated string literal")
}

func (l *lexer) lexQuotedIdent(start int) error {
	l.pos++
	var value strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c != '"' {
			value.WriteByte(c)
			l.pos++
			continue
		}
		if l.peek(1) == '"' {
			value.WriteByte('"')
			l.pos += 2
			continue
		}
		l.pos++
		if value.Len() == 0 {
			return l.fail(start, "zero-length quoted identifier")
		}
		l.emit(TokenQuotedIdent, start, value.String())
		return nil
	}
	return l.fail(start, "unterminated quoted identifier")
}

// lexDollar reads $n parameters and $tag$...$tag$ strings.
func (l *lexer) lexDollar(start int) error {
	if isDigit(l.peek(1)) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		l.emit(TokenParam, start, "")
		return nil
	}

	end := l.pos + 1
	for end < len(l.src) && l.src[end] != '$' {
		if !isTagChar(l.src[end], end == l.pos+1) {
			return l.fail(start, "unexpected character after $")
		}
		end++
	}
	if end >= len(l.src) {
		return l.fail(start, "unterminated dollar-quote tag")
	}
	tag := l.src[l.pos : end+1]
	closing := strings.Index(l.src[end+1:], tag)
	if closing < 0 {
		return l.fail(start, "unterminated dollar-quoted string")
	}
	l.pos = end + 1 + closing + len(tag)
	l.emit(TokenString, start, "")
	return nil
}

func (l *lexer) lexNumber(start int) {
	for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '_') {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' && l.peek(1) != '.' {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
		next := l.peek(1)
		if isDigit(next) || ((next == '+' || next == '-') && isDigit(l.peek(2))) {
			l.pos += 2
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
	}
	l.emit(TokenNumber, start, "")
}

func (l *lexer) lexWord(start int) {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r != '_' && r != '$' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		l.pos += size
	}
	l.emit(TokenWord, start, strings.ToUpper(l.src[start:l.pos]))
}

func (l *lexer) lexOperator(start int) {
	for l.pos < len(l.src) && strings.IndexByte(operatorChars, l.src[l.pos]) >= 0 {
		if l.pos > start && (l.src[l.pos] == '-' && l.peek(1) == '-' || l.src[l.pos] == '/' && l.peek(1) == '*') {
			break
		}
		l.pos++
	}
	l.emit(TokenOperator, start, "")
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == '_' || unicode.IsLetter(r)
}

func isTagChar(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && isDigit(c)
}
