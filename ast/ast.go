// Package ast defines the shell syntax tree shared by the parser, purifier,
// emitter and verifier.
//
// The tree is strictly owning: every node holds its children directly and no
// node refers back to its parent. Passes that transform a tree build new nodes
// instead of mutating the input.
package ast

import "fmt"

// Pos is a position in the source text. Line and Col are 1-based.
type Pos struct {
	Offset int
	Line   int
	Col    int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// IsValid reports whether p points into real source text. Nodes synthesized
// by the purifier carry the zero Pos.
func (p Pos) IsValid() bool {
	return p.Line > 0
}

// Span is the half-open source range a node was parsed from.
type Span struct {
	Start Pos
	End   Pos
}

// Range returns the span itself; it is promoted to every node embedding Span.
func (s Span) Range() Span {
	return s
}

type Node interface {
	Range() Span
}

// Stmt is any node that can appear in a statement list.
type Stmt interface {
	Node
	stmtNode()
}

// WordPart is one piece of a word: literal text, a quoted string or an expansion.
type WordPart interface {
	Node
	wordPartNode()
}

type Script struct {
	Span
	Stmts []Stmt
}

// Command is a simple command. Name is nil for commands made only of
// assignments and redirections.
type Command struct {
	Span
	Env       []*Assignment
	Name      *Word
	Args      []*Word
	Redirects []*Redirect
}

// Assignment is NAME=value, either standalone or as a command prefix.
type Assignment struct {
	Span
	Name  string
	Value *Word
}

type Pipeline struct {
	Span
	Negated bool
	Stages  []Stmt
}

// AndOr joins two statements with && or ||. Chains nest to the left.
type AndOr struct {
	Span
	Op    string
	Left  Stmt
	Right Stmt
}

type If struct {
	Span
	Cond      []Stmt
	Then      []Stmt
	Elifs     []*Elif
	Else      []Stmt
	Redirects []*Redirect
}

type Elif struct {
	Span
	Cond []Stmt
	Then []Stmt
}

type For struct {
	Span
	Var       string
	Items     []*Word
	HasIn     bool
	Body      []Stmt
	Redirects []*Redirect
}

// While covers both while and until loops.
type While struct {
	Span
	Until     bool
	Cond      []Stmt
	Body      []Stmt
	Redirects []*Redirect
}

type Case struct {
	Span
	Word      *Word
	Items     []*CaseItem
	Redirects []*Redirect
}

type CaseItem struct {
	Span
	Patterns []*Word
	Body     []Stmt
}

// Function is a function definition. Keyword records the bash-only
// `function name` spelling.
type Function struct {
	Span
	Name    string
	Keyword bool
	Body    Stmt
}

type Subshell struct {
	Span
	Body      []Stmt
	Redirects []*Redirect
}

type BraceGroup struct {
	Span
	Body      []Stmt
	Redirects []*Redirect
}

// Background is a statement terminated by &.
type Background struct {
	Span
	Body Stmt
}

// Redirect is an I/O redirection. Fd is -1 when no descriptor was written.
type Redirect struct {
	Span
	Fd      int
	Op      string
	Target  *Word
	HereDoc *HereDoc
}

// HereDoc holds the body of a << or <<- redirection. Content keeps the body
// exactly as written, including trailing newlines and leading tabs.
type HereDoc struct {
	Span
	Delimiter string
	Quoted    bool
	StripTabs bool
	Content   string
}

type Word struct {
	Span
	Parts []WordPart
}

// Lit is unquoted literal text, kept as written (backslash escapes included).
type Lit struct {
	Span
	Value string
}

// SglQuoted is '...' or, with Dollar set, bash's $'...'.
type SglQuoted struct {
	Span
	Value  string
	Dollar bool
}

type DblQuoted struct {
	Span
	Parts []WordPart
}

// ParamExp is $NAME or ${...}. Modifier is the raw text after the name inside
// braces, such as ":-default". Special marks single-character parameters and
// shell-maintained variables.
type ParamExp struct {
	Span
	Name     string
	Braced   bool
	Length   bool
	Modifier string
	Special  bool
}

type CmdSubst struct {
	Span
	Stmts     []Stmt
	Backquote bool
}

// ArithExp is $((expr)); Expr is the raw expression text.
type ArithExp struct {
	Span
	Expr string
}

// ProcSubst is bash process substitution <(...) or >(...).
type ProcSubst struct {
	Span
	Op    string
	Stmts []Stmt
}

func (*Command) stmtNode()    {}
func (*Assignment) stmtNode() {}
func (*Pipeline) stmtNode()   {}
func (*AndOr) stmtNode()      {}
func (*If) stmtNode()         {}
func (*For) stmtNode()        {}
func (*While) stmtNode()      {}
func (*Case) stmtNode()       {}
func (*Function) stmtNode()   {}
func (*Subshell) stmtNode()   {}
func (*BraceGroup) stmtNode() {}
func (*Background) stmtNode() {}

func (*Lit) wordPartNode()       {}
func (*SglQuoted) wordPartNode() {}
func (*DblQuoted) wordPartNode() {}
func (*ParamExp) wordPartNode()  {}
func (*CmdSubst) wordPartNode()  {}
func (*ArithExp) wordPartNode()  {}
func (*ProcSubst) wordPartNode() {}
