// Package lexer turns shell source text into tokens.
//
// The lexer tracks single, double and backquote quoting as well as $(...),
// $((...)) and ${...} nesting, so operators inside quotes or expansions never
// leak out as operators. Command substitution bodies are lexed recursively and
// attached to their token.
package lexer

import (
	"fmt"
	"strings"

	"github.com/jonchun/shellpure/ast"
)

// MaxSourceBytes bounds the size of a single script.
const MaxSourceBytes = 1 << 20

// ErrorKind classifies lexer failures.
type ErrorKind int

const (
	// UnexpectedChar covers stray characters as well as quotes, expansions and
	// here-documents that are never closed.
	UnexpectedChar ErrorKind = iota
)

// Error is returned when the source cannot be tokenized. Char is the
// offending character, or the opening character of an unterminated construct.
type Error struct {
	Kind    ErrorKind
	Char    rune
	Offset  int
	Line    int
	Col     int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Message)
	}
	return fmt.Sprintf("%d:%d: unexpected character %q", e.Line, e.Col, e.Char)
}

// Pos returns the error location.
func (e *Error) Pos() ast.Pos {
	return ast.Pos{Offset: e.Offset, Line: e.Line, Col: e.Col}
}

type pendingHeredoc struct {
	delim     string
	stripTabs bool
	pos       ast.Pos
}

type lexer struct {
	src     string
	i       int
	line    int
	col     int
	base    int
	joined  bool
	pending []pendingHeredoc
}

// Tokenize splits src into tokens. The result always ends with an EOF token.
func Tokenize(src string) ([]Token, error) {
	if len(src) > MaxSourceBytes {
		return nil, &Error{
			Kind:    UnexpectedChar,
			Offset:  MaxSourceBytes,
			Line:    1,
			Col:     1,
			Message: fmt.Sprintf("source is %d bytes, limit is %d", len(src), MaxSourceBytes),
		}
	}
	l := &lexer{src: src, line: 1, col: 1}
	toks, _, err := l.run(false)
	if err != nil {
		return nil, err
	}
	markKeywords(toks)
	return toks, nil
}

func (l *lexer) pos() ast.Pos {
	return ast.Pos{Offset: l.base + l.i, Line: l.line, Col: l.col}
}

func (l *lexer) eof() bool {
	return l.i >= len(l.src)
}

func (l *lexer) peek(k int) byte {
	if l.i+k < len(l.src) {
		return l.src[l.i+k]
	}
	return 0
}

func (l *lexer) advance(n int) {
	for ; n > 0 && l.i < len(l.src); n-- {
		c := l.src[l.i]
		l.i++
		switch {
		case c == '\n':
			l.line++
			l.col = 1
		case c&0xC0 != 0x80:
			l.col++
		}
	}
}

func (l *lexer) fail(p ast.Pos, ch rune, format string, args ...any) *Error {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: UnexpectedChar, Char: ch, Offset: p.Offset, Line: p.Line, Col: p.Col, Message: msg}
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}

func isOpByte(c byte) bool {
	return strings.IndexByte("|&;()<>", c) >= 0
}

func isWordEnd(c byte) bool {
	return c == 0 || c == '\n' || isBlank(c) || isOpByte(c)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameByte(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// run lexes until EOF or, when inParen is set, until the ')' closing a
// $( or <( substitution. closed reports whether that ')' was found.
func (l *lexer) run(inParen bool) (toks []Token, closed bool, err error) {
	depth, caseDepth := 0, 0
	l.joined = false
	for {
		l.skipBlanks()
		if l.eof() {
			if len(l.pending) > 0 {
				p := l.pending[0]
				return nil, false, l.fail(p.pos, '<', "here-document delimited by %q is not terminated", p.delim)
			}
			if inParen {
				return toks, false, nil
			}
			p := l.pos()
			return append(toks, Token{Kind: EOF, Pos: p, End: p}), true, nil
		}

		c := l.src[l.i]
		switch {
		case c == '#' && !l.joined:
			for !l.eof() && l.src[l.i] != '\n' {
				l.advance(1)
			}
		case c == '\n':
			start := l.pos()
			l.advance(1)
			toks = append(toks, Token{Kind: Newline, Value: "\n", Pos: start, End: l.pos()})
			l.joined = false
			if len(l.pending) > 0 {
				bodies, err := l.readHeredocs()
				if err != nil {
					return nil, false, err
				}
				toks = append(toks, bodies...)
			}
		case c == 0:
			return nil, false, l.fail(l.pos(), 0, "")
		case (c == '<' || c == '>') && l.peek(1) == '(':
			tok, err := l.lexSubst(ProcSubst, string(c), 2)
			if err != nil {
				return nil, false, err
			}
			toks = append(toks, tok)
		case isOpByte(c):
			op := l.matchOperator()
			if inParen {
				switch {
				case op == "(":
					depth++
				case op == ")" && depth > 0:
					depth--
				case op == ")" && caseDepth == 0:
					l.advance(1)
					return toks, true, nil
				}
			}
			start := l.pos()
			l.advance(len(op))
			toks = append(toks, Token{Kind: Operator, Value: op, Pos: start, End: l.pos(), Joined: l.joined})
			l.joined = false
			if op == "<<" || op == "<<-" {
				tok, err := l.lexHeredocDelim(op == "<<-")
				if err != nil {
					return nil, false, err
				}
				toks = append(toks, tok)
			}
		case isDigit(c) && !l.joined && l.ioNumberLen() > 0:
			n := l.ioNumberLen()
			start := l.pos()
			value := l.src[l.i : l.i+n]
			l.advance(n)
			toks = append(toks, Token{Kind: IONumber, Value: value, Pos: start, End: l.pos()})
			l.joined = true
		default:
			parts, err := l.lexWordPart()
			if err != nil {
				return nil, false, err
			}
			for _, t := range parts {
				if t.Kind == Lit && !t.Joined && isWordEnd(l.peek(0)) {
					switch {
					case t.Value == "case":
						caseDepth++
					case t.Value == "esac" && caseDepth > 0:
						caseDepth--
					}
				}
			}
			toks = append(toks, parts...)
		}
	}
}

func (l *lexer) skipBlanks() {
	for !l.eof() {
		c := l.src[l.i]
		switch {
		case isBlank(c):
			l.advance(1)
			l.joined = false
		case c == '\\' && l.peek(1) == '\n':
			l.advance(2)
		default:
			return
		}
	}
}

func (l *lexer) matchOperator() string {
	rest := l.src[l.i:]
	for _, op := range operators {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	return rest[:1]
}

// ioNumberLen returns the length of a digit run directly followed by a
// redirection operator, or 0.
func (l *lexer) ioNumberLen() int {
	n := 0
	for isDigit(l.peek(n)) {
		n++
	}
	if c := l.peek(n); c == '<' || c == '>' {
		if l.peek(n+1) == '(' {
			return 0
		}
		return n
	}
	return 0
}

// lexWordPart lexes one word part starting at the current byte. Double quoted
// strings produce several tokens.
func (l *lexer) lexWordPart() ([]Token, error) {
	start := l.pos()
	joined := l.joined
	c := l.src[l.i]

	var tok Token
	switch c {
	case '\'':
		end := strings.IndexByte(l.src[l.i+1:], '\'')
		if end < 0 {
			return nil, l.fail(start, '\'', "unterminated single-quoted string")
		}
		value := l.src[l.i+1 : l.i+1+end]
		l.advance(end + 2)
		tok = Token{Kind: SglQuoted, Value: value}
	case '"':
		toks, err := l.lexDouble()
		if err != nil {
			return nil, err
		}
		toks[0].Joined = joined
		l.joined = true
		return toks, nil
	case '$':
		t, err := l.lexDollar(false)
		if err != nil {
			return nil, err
		}
		tok = t
	case '`':
		t, err := l.lexBackquote(false)
		if err != nil {
			return nil, err
		}
		tok = t
	default:
		tok = Token{Kind: Lit, Value: l.lexLit()}
	}
	tok.Pos = start
	tok.End = l.pos()
	tok.Joined = joined
	l.joined = true
	return []Token{tok}, nil
}

// lexLit reads unquoted literal text, keeping backslash escapes as written.
func (l *lexer) lexLit() string {
	begin := l.i
	for !l.eof() {
		c := l.src[l.i]
		if c == '\\' {
			if l.peek(1) == '\n' {
				break
			}
			if l.i+1 == len(l.src) {
				// A backslash ending the input is literal; keep it from
				// escaping whatever a later writer appends.
				l.advance(1)
				return l.src[begin:l.i] + `\`
			}
			l.advance(2)
			continue
		}
		if isWordEnd(c) || c == '\'' || c == '"' || c == '`' {
			break
		}
		if c == '$' && l.i > begin {
			break
		}
		l.advance(1)
	}
	if l.i == begin {
		l.advance(1)
	}
	return l.src[begin:l.i]
}

func (l *lexer) lexDouble() ([]Token, error) {
	open := l.pos()
	l.advance(1)
	toks := []Token{{Kind: DblQuoteOpen, Value: `"`, Pos: open, End: l.pos()}}
	for {
		if l.eof() {
			return nil, l.fail(open, '"', "unterminated double-quoted string")
		}
		start := l.pos()
		var tok Token
		switch l.src[l.i] {
		case '"':
			l.advance(1)
			return append(toks, Token{Kind: DblQuoteClose, Value: `"`, Pos: start, End: l.pos(), Joined: true}), nil
		case '$':
			t, err := l.lexDollar(true)
			if err != nil {
				return nil, err
			}
			tok = t
		case '`':
			t, err := l.lexBackquote(true)
			if err != nil {
				return nil, err
			}
			tok = t
		default:
			begin := l.i
			for !l.eof() {
				c := l.src[l.i]
				if c == '\\' && l.i+1 < len(l.src) {
					l.advance(2)
					continue
				}
				if c == '"' || c == '`' || (c == '$' && l.i > begin) {
					break
				}
				l.advance(1)
			}
			tok = Token{Kind: Lit, Value: l.src[begin:l.i]}
		}
		tok.Pos = start
		tok.End = l.pos()
		tok.Joined = true
		toks = append(toks, tok)
	}
}

func (l *lexer) lexDollar(inDouble bool) (Token, error) {
	start := l.pos()
	next := l.peek(1)
	switch {
	case next == '\'' && !inDouble:
		j := l.i + 2
		for j < len(l.src) && l.src[j] != '\'' {
			if l.src[j] == '\\' {
				j++
			}
			j++
		}
		if j >= len(l.src) {
			return Token{}, l.fail(start, '$', "unterminated $'...' string")
		}
		value := l.src[l.i+2 : j]
		l.advance(j + 1 - l.i)
		return Token{Kind: DollarSglQuoted, Value: value}, nil
	case next == '(' && l.peek(2) == '(':
		if end, ok := l.arithEnd(l.i + 3); ok {
			expr := l.src[l.i+3 : end]
			l.advance(end + 2 - l.i)
			return Token{Kind: Arith, Value: expr}, nil
		}
		return l.lexSubst(CmdSubst, "", 2)
	case next == '(':
		return l.lexSubst(CmdSubst, "", 2)
	case next == '{':
		end, ok := l.braceEnd(l.i + 2)
		if !ok {
			return Token{}, l.fail(start, '$', "unterminated ${...} expansion")
		}
		value := l.src[l.i+2 : end]
		l.advance(end + 1 - l.i)
		return Token{Kind: ParamBraced, Value: value}, nil
	case isNameStart(next):
		j := l.i + 1
		for j < len(l.src) && isNameByte(l.src[j]) {
			j++
		}
		name := l.src[l.i+1 : j]
		l.advance(j - l.i)
		if ast.IsEntropyParam(name) {
			return Token{Kind: SpecialParam, Value: name}, nil
		}
		return Token{Kind: Param, Value: name}, nil
	case isDigit(next) || (next != 0 && strings.IndexByte("?#@*!-$", next) >= 0):
		l.advance(2)
		return Token{Kind: SpecialParam, Value: string(next)}, nil
	default:
		l.advance(1)
		return Token{Kind: Lit, Value: "$"}, nil
	}
}

// arithEnd finds the "))" closing an arithmetic expansion whose body starts
// at from. ok is false when a lone ')' closes the outer paren first, which
// means the text is a command substitution starting with a subshell.
func (l *lexer) arithEnd(from int) (int, bool) {
	depth := 0
	for j := from; j < len(l.src); j++ {
		switch l.src[j] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
				continue
			}
			if j+1 < len(l.src) && l.src[j+1] == ')' {
				return j, true
			}
			return 0, false
		}
	}
	return 0, false
}

// braceEnd finds the '}' closing a ${ whose body starts at from.
func (l *lexer) braceEnd(from int) (int, bool) {
	depth := 1
	for j := from; j < len(l.src); j++ {
		switch l.src[j] {
		case '\\':
			j++
		case '\'':
			k := strings.IndexByte(l.src[j+1:], '\'')
			if k < 0 {
				return 0, false
			}
			j += k + 1
		case '"':
			k := j + 1
			for k < len(l.src) && l.src[k] != '"' {
				if l.src[k] == '\\' {
					k++
				}
				k++
			}
			if k >= len(l.src) {
				return 0, false
			}
			j = k
		case '$':
			if j+1 < len(l.src) && l.src[j+1] == '{' {
				depth++
				j++
			}
		case '}':
			depth--
			if depth == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

// lexSubst lexes a $(...) or <(...) body recursively. skip is the length of
// the opening text.
func (l *lexer) lexSubst(kind Kind, value string, skip int) (Token, error) {
	start := l.pos()
	joined := l.joined
	l.advance(skip)
	inner, closed, err := l.run(true)
	if err != nil {
		return Token{}, err
	}
	if !closed {
		return Token{}, l.fail(start, '(', "unterminated %s", kind)
	}
	end := l.pos()
	markKeywords(inner)
	inner = append(inner, Token{Kind: EOF, Pos: end, End: end})
	l.joined = true
	return Token{Kind: kind, Value: value, Pos: start, End: end, Joined: joined, Inner: inner}, nil
}

// lexBackquote reads `...`, removes the backslash escaping the backquote form
// requires and lexes the body as a separate script.
func (l *lexer) lexBackquote(inDouble bool) (Token, error) {
	start := l.pos()
	var b strings.Builder
	j := l.i + 1
	for ; j < len(l.src) && l.src[j] != '`'; j++ {
		c := l.src[j]
		if c == '\\' && j+1 < len(l.src) {
			next := l.src[j+1]
			if next == '`' || next == '\\' || next == '$' || (inDouble && next == '"') {
				b.WriteByte(next)
				j++
				continue
			}
		}
		b.WriteByte(c)
	}
	if j >= len(l.src) {
		return Token{}, l.fail(start, '`', "unterminated backquote substitution")
	}
	sub := &lexer{src: b.String(), line: start.Line, col: start.Col + 1, base: start.Offset + 1}
	inner, _, err := sub.run(false)
	if err != nil {
		return Token{}, err
	}
	markKeywords(inner)
	l.advance(j + 1 - l.i)
	return Token{Kind: Backquote, Value: b.String(), Inner: inner}, nil
}

// lexHeredocDelim reads the word after << and queues the body for reading at
// the next newline.
func (l *lexer) lexHeredocDelim(stripTabs bool) (Token, error) {
	for !l.eof() && isBlank(l.src[l.i]) {
		l.advance(1)
	}
	start := l.pos()
	var b strings.Builder
	quoted := false
	for !l.eof() && !isWordEnd(l.src[l.i]) {
		c := l.src[l.i]
		switch c {
		case '\'', '"':
			end := strings.IndexByte(l.src[l.i+1:], c)
			if end < 0 {
				return Token{}, l.fail(l.pos(), rune(c), "unterminated quote in here-document delimiter")
			}
			b.WriteString(l.src[l.i+1 : l.i+1+end])
			l.advance(end + 2)
			quoted = true
		case '\\':
			quoted = true
			if l.i+1 < len(l.src) {
				b.WriteByte(l.src[l.i+1])
			}
			l.advance(2)
		default:
			b.WriteByte(c)
			l.advance(1)
		}
	}
	if b.Len() == 0 {
		ch := rune(l.peek(0))
		if ch == 0 {
			return Token{}, l.fail(start, 0, "missing here-document delimiter")
		}
		return Token{}, l.fail(start, ch, "")
	}
	delim := b.String()
	l.pending = append(l.pending, pendingHeredoc{delim: delim, stripTabs: stripTabs, pos: start})
	l.joined = false
	return Token{Kind: HeredocDelim, Value: delim, Quoted: quoted, Pos: start, End: l.pos()}, nil
}

// readHeredocs consumes the bodies of all pending here-documents, in order.
func (l *lexer) readHeredocs() ([]Token, error) {
	var toks []Token
	for _, p := range l.pending {
		start := l.pos()
		var body strings.Builder
		found := false
		for !l.eof() {
			rest := l.src[l.i:]
			line := rest
			n := len(rest)
			if k := strings.IndexByte(rest, '\n'); k >= 0 {
				line = rest[:k]
				n = k + 1
			}
			check := line
			if p.stripTabs {
				check = strings.TrimLeft(line, "\t")
			}
			if strings.TrimSuffix(check, "\r") == p.delim {
				l.advance(n)
				found = true
				break
			}
			body.WriteString(line)
			body.WriteByte('\n')
			l.advance(n)
		}
		if !found {
			return nil, l.fail(p.pos, '<', "here-document delimited by %q is not terminated", p.delim)
		}
		toks = append(toks, Token{Kind: Heredoc, Value: body.String(), Pos: start, End: l.pos()})
	}
	l.pending = l.pending[:0]
	return toks, nil
}

// markKeywords turns standalone reserved-word literals into Keyword tokens.
func markKeywords(toks []Token) {
	for i := range toks {
		t := &toks[i]
		if t.Kind != Lit || t.Joined || !keywords[t.Value] {
			continue
		}
		if i+1 < len(toks) && toks[i+1].Joined && toks[i+1].IsWordPart() {
			continue
		}
		t.Kind = Keyword
	}
}
