package lexer

import (
	"fmt"

	"github.com/jonchun/shellpure/ast"
)

// Kind identifies the lexical class of a token.
type Kind int

const (
	EOF Kind = iota
	Newline
	Lit
	Keyword
	Operator
	IONumber
	SglQuoted
	DollarSglQuoted
	DblQuoteOpen
	DblQuoteClose
	Param
	ParamBraced
	SpecialParam
	CmdSubst
	Backquote
	Arith
	ProcSubst
	HeredocDelim
	Heredoc
)

var kindNames = [...]string{
	EOF:             "EOF",
	Newline:         "newline",
	Lit:             "literal",
	Keyword:         "keyword",
	Operator:        "operator",
	IONumber:        "io-number",
	SglQuoted:       "single-quoted string",
	DollarSglQuoted: "$'...' string",
	DblQuoteOpen:    "opening \"",
	DblQuoteClose:   "closing \"",
	Param:           "parameter",
	ParamBraced:     "${...} expansion",
	SpecialParam:    "special parameter",
	CmdSubst:        "$(...) substitution",
	Backquote:       "`...` substitution",
	Arith:           "$((...)) expansion",
	ProcSubst:       "process substitution",
	HeredocDelim:    "here-document delimiter",
	Heredoc:         "here-document body",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Token is one lexical unit.
//
// Joined is set when no blank separates the token from the previous one; the
// parser glues joined word-part tokens into a single word. Inner holds the
// already-lexed body of $(...), `...` and <(...) tokens. For ProcSubst, Value
// is the direction ("<" or ">"). For HeredocDelim, Value is the delimiter
// after quote removal and Quoted reports whether any part of it was quoted.
type Token struct {
	Kind   Kind
	Value  string
	Pos    ast.Pos
	End    ast.Pos
	Joined bool
	Quoted bool
	Inner  []Token
}

func (t Token) String() string {
	switch t.Kind {
	case EOF, Newline:
		return t.Kind.String()
	default:
		return fmt.Sprintf("%s %q", t.Kind, t.Value)
	}
}

// IsWordPart reports whether the token can be part of a shell word.
func (t Token) IsWordPart() bool {
	switch t.Kind {
	case Lit, Keyword, SglQuoted, DollarSglQuoted, DblQuoteOpen, Param, ParamBraced,
		SpecialParam, CmdSubst, Backquote, Arith, ProcSubst:
		return true
	}
	return false
}

// Is reports whether t is the operator or keyword v.
func (t Token) Is(v string) bool {
	return (t.Kind == Operator || t.Kind == Keyword) && t.Value == v
}

var keywords = map[string]bool{
	"if": true, "then": true, "elif": true, "else": true, "fi": true,
	"for": true, "in": true, "while": true, "until": true, "do": true, "done": true,
	"case": true, "esac": true, "function": true,
	"{": true, "}": true, "!": true,
}

// IsKeyword reports whether s is a reserved word.
func IsKeyword(s string) bool {
	return keywords[s]
}

// Operators in longest-first order per leading byte.
var operators = []string{
	"<<-", "&>>",
	"&&", "||", ";;", "<<", ">>", ">&", "<&", ">|", "<>", "&>", "|&",
	"|", "&", ";", "(", ")", "<", ">",
}
