// Package validator checks purified programs against the command registry.
//
// It does not share code with the purifier's rules: it re-derives what a
// purified program must look like from the registry and the IR alone.
package validator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/ir"
	"github.com/jonchun/shellpure/manifest"
)

type ValidationError struct {
	Message string
	Span    ast.Span
}

func (e *ValidationError) Error() string {
	if e.Span.Start.IsValid() {
		return fmt.Sprintf("%s: %s", e.Span.Start, e.Message)
	}
	return e.Message
}

// Options relaxes checks the purifier can be configured out of.
type Options struct {
	// AllowBareSpecials accepts unquoted $?, $#, $! and $-.
	AllowBareSpecials bool
}

// ValidateProgram returns the first violation in prog, or nil.
func ValidateProgram(prog *ir.Program, registry manifest.Registry, opts Options) error {
	if errs := Check(prog, registry, opts); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Check lists every violation in prog in source order. Best-effort programs
// are exempt from the checks for what the purifier recorded as unsafe.
func Check(prog *ir.Program, registry manifest.Registry, opts Options) []*ValidationError {
	if prog == nil || prog.Script == nil {
		return nil
	}
	v := &checker{registry: registry, opts: opts, bestEffort: prog.BestEffort}
	if !prog.BestEffort {
		if n, why := ir.NonPOSIX(prog.Script); n != nil {
			v.fail(n.Range(), "%s is not POSIX sh.", why)
		}
	}
	ast.Walk(prog.Script, v.visit)
	slices.SortStableFunc(v.errs, func(a, b *ValidationError) int {
		return a.Span.Start.Offset - b.Span.Start.Offset
	})
	return v.errs
}

type checker struct {
	registry   manifest.Registry
	opts       Options
	bestEffort bool
	errs       []*ValidationError

	// guarded holds commands that are the right-hand side of an || chain
	// whose left side is their registry probe.
	guarded []*ast.Command
}

func (v *checker) fail(span ast.Span, format string, args ...any) {
	v.errs = append(v.errs, &ValidationError{Message: fmt.Sprintf(format, args...), Span: span})
}

func (v *checker) visit(n ast.Node) bool {
	switch n := n.(type) {
	case *ast.AndOr:
		if c, ok := n.Right.(*ast.Command); ok && n.Op == "||" && v.probes(n.Left, c) {
			v.guarded = append(v.guarded, c)
		}
	case *ast.Command:
		v.command(n)
	case *ast.Redirect:
		if n.HereDoc == nil {
			v.quoted(n.Target, "redirection target")
		}
	case *ast.ParamExp:
		if ast.IsEntropyParam(n.Name) && !v.bestEffort {
			v.fail(n.Span, "Parameter '$%s' changes between runs.", n.Name)
		}
	}
	return true
}

func (v *checker) command(c *ast.Command) {
	if c.Name == nil {
		return
	}
	name, static := c.Name.Static()
	if static && name == "[[" {
		return
	}
	for _, a := range c.Args {
		v.quoted(a, "argument")
	}
	if !static || v.registry == nil {
		return
	}

	args := staticArgs(c.Args)
	inner, off := v.registry.Unwrap(name, args)
	if off > 0 {
		args = args[off:]
	}
	m, key := v.registry.Lookup(inner, args)
	if m == nil {
		return
	}
	if err := validateArgs(key, args, m); err != nil {
		err.Span = c.Span
		v.errs = append(v.errs, err)
	}

	switch m.Rewrite {
	case manifest.RewriteFlag:
		if !m.HasIdempotentFlag(args) {
			v.fail(c.Span, "Command '%s' is missing its idempotent flag %s.", key, m.IdempotentFlag)
		}
	case manifest.RewriteGuard:
		if !slices.Contains(v.guarded, c) {
			v.fail(c.Span, "Command '%s' is not guarded by '%s'.", key, strings.Join(m.Guard.Probe, " "))
		}
	case manifest.RewriteReject:
		if !v.bestEffort {
			v.fail(c.Span, "Command '%s' is not available: %s", key, m.Reason)
		}
	case manifest.RewriteTime:
		if !v.bestEffort {
			v.fail(c.Span, "Command '%s' reads the clock.", key)
		}
	}
}

// probes reports whether left is the guard probe for c: the probe words with
// their output discarded, alone or as the last link of an || chain.
func (v *checker) probes(left ast.Stmt, c *ast.Command) bool {
	if v.registry == nil {
		return false
	}
	if chain, ok := left.(*ast.AndOr); ok && chain.Op == "||" {
		left = chain.Right
	}
	probe, ok := left.(*ast.Command)
	if !ok || probe.Name == nil {
		return false
	}
	name, ok := c.Name.Static()
	if !ok {
		return false
	}
	args := staticArgs(c.Args)
	inner, off := v.registry.Unwrap(name, args)
	m, _ := v.registry.Lookup(inner, args[off:])
	if m == nil || m.Guard == nil {
		return false
	}
	target, ok := m.GuardTarget(args[off:])
	if !ok {
		return false
	}

	got := append([]string{""}, staticArgs(probe.Args)...)
	got[0], _ = probe.Name.Static()
	return slices.Equal(got, m.Guard.ProbeArgs(target))
}

// quoted fails words that carry an unquoted parameter expansion or command
// substitution.
func (v *checker) quoted(w *ast.Word, what string) {
	if w == nil {
		return
	}
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *ast.ParamExp:
			if v.opts.AllowBareSpecials && !p.Braced && len(p.Name) == 1 && strings.Contains("?#!-", p.Name) {
				continue
			}
			v.fail(p.Span, "Unquoted expansion '$%s' in %s.", p.Name, what)
			return
		case *ast.CmdSubst:
			v.fail(p.Span, "Unquoted command substitution in %s.", what)
			return
		}
	}
}

// validateArgs checks that every flag taking a value has one.
func validateArgs(command string, args []string, m *manifest.Manifest) *ValidationError {
	for idx := 0; idx < len(args); idx++ {
		arg := args[idx]
		if arg == "--" {
			return nil
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		flagName, _, hasInline := manifest.SplitLongFlag(arg)
		flagObj := m.GetFlag(flagName)
		if flagObj == nil || !flagObj.TakesValue || hasInline {
			continue
		}
		idx++
		if idx >= len(args) {
			return &ValidationError{Message: fmt.Sprintf("Flag '%s' of '%s' requires a value.", flagName, command)}
		}
	}
	return nil
}

func staticArgs(words []*ast.Word) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i], _ = w.Static()
	}
	return out
}
