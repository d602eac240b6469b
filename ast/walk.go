package ast

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Walk traverses the tree rooted at node in source order, calling fn for each
// node. Children are skipped when fn returns false.
func Walk(node Node, fn func(Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	switch n := node.(type) {
	case *Script:
		walkStmts(n.Stmts, fn)
	case *Command:
		for _, a := range n.Env {
			Walk(a, fn)
		}
		if n.Name != nil {
			Walk(n.Name, fn)
		}
		for _, w := range n.Args {
			Walk(w, fn)
		}
		walkRedirects(n.Redirects, fn)
	case *Assignment:
		if n.Value != nil {
			Walk(n.Value, fn)
		}
	case *Pipeline:
		walkStmts(n.Stages, fn)
	case *AndOr:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *If:
		walkStmts(n.Cond, fn)
		walkStmts(n.Then, fn)
		for _, e := range n.Elifs {
			Walk(e, fn)
		}
		walkStmts(n.Else, fn)
		walkRedirects(n.Redirects, fn)
	case *Elif:
		walkStmts(n.Cond, fn)
		walkStmts(n.Then, fn)
	case *For:
		for _, w := range n.Items {
			Walk(w, fn)
		}
		walkStmts(n.Body, fn)
		walkRedirects(n.Redirects, fn)
	case *While:
		walkStmts(n.Cond, fn)
		walkStmts(n.Body, fn)
		walkRedirects(n.Redirects, fn)
	case *Case:
		Walk(n.Word, fn)
		for _, item := range n.Items {
			Walk(item, fn)
		}
		walkRedirects(n.Redirects, fn)
	case *CaseItem:
		for _, w := range n.Patterns {
			Walk(w, fn)
		}
		walkStmts(n.Body, fn)
	case *Function:
		Walk(n.Body, fn)
	case *Subshell:
		walkStmts(n.Body, fn)
		walkRedirects(n.Redirects, fn)
	case *BraceGroup:
		walkStmts(n.Body, fn)
		walkRedirects(n.Redirects, fn)
	case *Background:
		Walk(n.Body, fn)
	case *Redirect:
		if n.Target != nil {
			Walk(n.Target, fn)
		}
	case *Word:
		for _, p := range n.Parts {
			Walk(p, fn)
		}
	case *DblQuoted:
		for _, p := range n.Parts {
			Walk(p, fn)
		}
	case *CmdSubst:
		walkStmts(n.Stmts, fn)
	case *ProcSubst:
		walkStmts(n.Stmts, fn)
	}
}

func walkStmts(stmts []Stmt, fn func(Node) bool) {
	for _, s := range stmts {
		Walk(s, fn)
	}
}

func walkRedirects(redirects []*Redirect, fn func(Node) bool) {
	for _, r := range redirects {
		Walk(r, fn)
	}
}

var ignoreSpans = cmpopts.IgnoreTypes(Span{})

// Equal reports whether a and b are the same tree, ignoring source positions.
func Equal(a, b any) bool {
	return cmp.Equal(a, b, ignoreSpans, cmpopts.EquateEmpty())
}

// Diff renders the structural difference between a and b, ignoring source
// positions. It is empty when Equal(a, b).
func Diff(a, b any) string {
	return cmp.Diff(a, b, ignoreSpans, cmpopts.EquateEmpty())
}
