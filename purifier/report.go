package purifier

import "github.com/jonchun/shellpure/ast"

// Fix records one rewrite.
type Fix struct {
	Rule        RuleID
	Category    Category
	Description string
	Span        ast.Span
}

// Warning is an advisory that did not change the script.
type Warning struct {
	Rule    RuleID
	Message string
	Span    ast.Span
}

// Report lists fixes and warnings in traversal order.
type Report struct {
	Fixes    []Fix
	Warnings []Warning
}

func (r *Report) fix(rule RuleID, span ast.Span, desc string) {
	r.Fixes = append(r.Fixes, Fix{Rule: rule, Category: rule.Category(), Description: desc, Span: span})
}

func (r *Report) warn(rule RuleID, span ast.Span, msg string) {
	r.Warnings = append(r.Warnings, Warning{Rule: rule, Message: msg, Span: span})
}

// Clean reports whether purification changed nothing.
func (r *Report) Clean() bool {
	return r == nil || len(r.Fixes) == 0
}

// CountByCategory tallies fixes per category.
func (r *Report) CountByCategory() map[Category]int {
	out := make(map[Category]int)
	if r == nil {
		return out
	}
	for _, f := range r.Fixes {
		out[f.Category]++
	}
	return out
}
