// Package ir holds the purified, emission-ready form of a script.
//
// A Program owns its tree. The purifier builds a new Program for every call
// and nothing downstream modifies it.
package ir

import (
	"fmt"

	"github.com/jonchun/shellpure/ast"
)

// Note records a construct the purifier could not make safe and left in place.
type Note struct {
	Rule    string
	Message string
	Span    ast.Span
}

func (n Note) String() string {
	if n.Span.Start.IsValid() {
		return fmt.Sprintf("%s: %s: %s", n.Span.Start, n.Rule, n.Message)
	}
	return fmt.Sprintf("%s: %s", n.Rule, n.Message)
}

// Provenance identifies the substitutions baked into a program, so output
// can be traced back to the options that produced it.
type Provenance struct {
	Seed      int64
	ProcessID int
	Epoch     int64
	Fixes     int
}

type Program struct {
	Script     *ast.Script
	Provenance Provenance

	// BestEffort is set when unsafe constructs were left in place instead of
	// failing. Unsafe lists them.
	BestEffort bool
	Unsafe     []Note
}

// New wraps an already-purified script.
func New(script *ast.Script) *Program {
	if script == nil {
		script = &ast.Script{}
	}
	return &Program{Script: script}
}

func (p *Program) Stmts() []ast.Stmt {
	if p == nil || p.Script == nil {
		return nil
	}
	return p.Script.Stmts
}

// Clone returns a deep copy of p.
func (p *Program) Clone() *Program {
	if p == nil {
		return nil
	}
	c := *p
	c.Script = ast.CloneScript(p.Script)
	c.Unsafe = append([]Note(nil), p.Unsafe...)
	return &c
}

// NonPOSIX returns the first node in the tree that has no POSIX sh
// equivalent, with a short description. It returns nil when the tree is
// portable.
func NonPOSIX(root ast.Node) (ast.Node, string) {
	var found ast.Node
	var why string
	ast.Walk(root, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		switch v := n.(type) {
		case *ast.ProcSubst:
			found, why = v, "process substitution"
		case *ast.SglQuoted:
			if v.Dollar {
				found, why = v, "$'...' quoting"
			}
		case *ast.Function:
			if v.Keyword {
				found, why = v, "function keyword"
			}
		case *ast.Redirect:
			if v.Op == "&>" || v.Op == "&>>" {
				found, why = v, v.Op+" redirection"
			}
		case *ast.Command:
			if name, ok := v.Name.Lit(); ok && name == "[[" {
				found, why = v, "[[ test"
			}
		}
		return found == nil
	})
	return found, why
}
