package verifier

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/ir"
)

const (
	TheoremDeterminism = "determinism"
	TheoremIdempotency = "idempotency"
	TheoremFixedPoints = "fixed-points"
	TheoremEquivalence = "equivalence"
	TheoremNoUnquoted  = "no-unquoted"
)

// Theorem is the outcome of one property check. State names the default
// state it ran in; static checks leave it empty.
type Theorem struct {
	Name           string `json:"name"`
	State          string `json:"state,omitempty"`
	Holds          bool   `json:"holds"`
	Skipped        bool   `json:"skipped,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Counterexample string `json:"counterexample,omitempty"`
}

type Result struct {
	Theorems []Theorem `json:"theorems"`
}

// OK reports whether every theorem holds or was skipped.
func (r Result) OK() bool {
	return len(r.Failed()) == 0
}

func (r Result) Failed() []Theorem {
	var out []Theorem
	for _, t := range r.Theorems {
		if !t.Holds && !t.Skipped {
			out = append(out, t)
		}
	}
	return out
}

// NamedState is one of the initial states theorems are checked against.
type NamedState struct {
	Name  string
	State State
}

// DefaultStates returns a small Linux-like system seen by an unprivileged
// user (euid 1000) and by root. /opt and /etc are root-owned, /tmp is
// world-writable and sticky.
func DefaultStates() []NamedState {
	return []NamedState{
		{Name: "user", State: baseState(1000, "user", "/home/user")},
		{Name: "root", State: baseState(0, "root", "/root")},
	}
}

func baseState(uid uint32, name, home string) State {
	return State{
		Env: map[string]string{
			"HOME": home,
			"USER": name,
			"PATH": "/usr/local/bin:/usr/bin:/bin",
			"PWD":  home,
		},
		FS: map[string]Entry{
			"/":          Directory{Mode: 0o755},
			"/bin":       Directory{Mode: 0o755},
			"/dev":       Directory{Mode: 0o755},
			"/dev/null":  File{Mode: 0o666},
			"/etc":       Directory{Mode: 0o755},
			"/home":      Directory{Mode: 0o755},
			"/home/user": Directory{Mode: 0o755, UID: 1000, GID: 1000},
			"/opt":       Directory{Mode: 0o755},
			"/root":      Directory{Mode: 0o700},
			"/tmp":       Directory{Mode: 0o1777},
			"/usr":       Directory{Mode: 0o755},
			"/usr/bin":   Directory{Mode: 0o755},
			"/var":       Directory{Mode: 0o755},
			"/var/tmp":   Directory{Mode: 0o1777},
		},
		Cwd:    home,
		Euid:   uid,
		Egid:   uid,
		Users:  map[string]uint32{"root": 0, "user": 1000},
		Groups: map[string]uint32{"root": 0, "user": 1000},
		Funcs:  map[string]ast.Stmt{},
	}
}

// Idempotent reports whether running stmt a second time leaves the same
// effects as running it once. The returned diff is empty when it holds.
func (m *Machine) Idempotent(stmt ast.Stmt, s State) (bool, string) {
	once := m.Step(stmt, s)
	twice := m.Step(stmt, once)
	if EffectEqual(once, twice) {
		return true, ""
	}
	return false, effectDiff(once, twice)
}

// Deterministic reports whether two runs of stmt from s on one machine end
// in identical states.
func (m *Machine) Deterministic(stmt ast.Stmt, s State) (bool, string) {
	a := m.Step(stmt, s)
	b := m.Step(stmt, s)
	if Equal(a, b) {
		return true, ""
	}
	return false, diff(a, b)
}

func Idempotent(stmt ast.Stmt, s State) bool {
	ok, _ := NewMachine(DefaultSeed).Idempotent(stmt, s)
	return ok
}

func Deterministic(stmt ast.Stmt, s State) bool {
	ok, _ := NewMachine(DefaultSeed).Deterministic(stmt, s)
	return ok
}

// Verify checks after against before across DefaultStates.
func Verify(before *ast.Script, after *ir.Program) Result {
	var r Result
	script := after.Script
	entropy := entropySource(before)

	for _, ns := range DefaultStates() {
		m := NewMachine(DefaultSeed)
		s := ns.State

		a, b := m.Run(script, s), m.Run(script, s)
		r.add(TheoremDeterminism, ns.Name, Equal(a, b), func() string { return diff(a, b) })

		once := m.Run(script, s)
		twice := m.Run(script, once)
		r.add(TheoremIdempotency, ns.Name, EffectEqual(once, twice), func() string { return effectDiff(once, twice) })

		r.Theorems = append(r.Theorems, fixedPoints(m, script, ns))

		r.Theorems = append(r.Theorems, equivalence(m, before, script, ns, entropy))
	}

	t := Theorem{Name: TheoremNoUnquoted, Holds: true}
	if w := bareExpansion(script); w != nil {
		t.Holds = false
		t.Counterexample = fmt.Sprintf("%s: unquoted expansion in a command argument or redirect target", w.Span.Start)
	}
	r.Theorems = append(r.Theorems, t)
	return r
}

func (r *Result) add(name, state string, holds bool, counter func() string) {
	t := Theorem{Name: name, State: state, Holds: holds}
	if !holds {
		t.Counterexample = counter()
	}
	r.Theorems = append(r.Theorems, t)
}

// fixedPoints checks each idempotency-sensitive top-level statement in the
// state the script has reached when it runs.
func fixedPoints(m *Machine, script *ast.Script, ns NamedState) Theorem {
	t := Theorem{Name: TheoremFixedPoints, State: ns.Name, Holds: true}
	s := ns.State.Clone()
	for _, stmt := range script.Stmts {
		if sensitive(stmt) {
			if ok, d := m.Idempotent(stmt, s); !ok {
				t.Holds = false
				t.Counterexample = fmt.Sprintf("statement at %s:\n%s", stmt.Range().Start, d)
				return t
			}
		}
		s = m.Step(stmt, s)
		if s.Exited {
			break
		}
	}
	return t
}

// equivalence compares the effects of before and after on states where
// before succeeds. Purified scripts are allowed to succeed where the input
// failed, so failing states are skipped.
func equivalence(m *Machine, before, after *ast.Script, ns NamedState, entropy string) Theorem {
	t := Theorem{Name: TheoremEquivalence, State: ns.Name}
	if entropy != "" {
		t.Skipped = true
		t.Reason = "input reads " + entropy
		return t
	}
	b := m.Run(before, ns.State)
	if b.ExitCode != 0 || slices.ContainsFunc(b.Stderr, func(l string) bool { return strings.Contains(l, "Permission denied") }) {
		t.Skipped = true
		t.Reason = fmt.Sprintf("input fails in state %s (exit %d)", ns.Name, b.ExitCode)
		return t
	}
	a := m.Run(after, ns.State)
	t.Holds = EffectEqual(b, a) && slices.Equal(b.Stdout, a.Stdout)
	if !t.Holds {
		t.Counterexample = diff(b, a)
	}
	return t
}

// mutators are the builtins that change the filesystem or account database.
var mutators = map[string]bool{
	"mkdir": true, "rm": true, "rmdir": true, "ln": true, "touch": true, "cp": true,
	"mv": true, "chmod": true, "chown": true, "useradd": true, "groupadd": true, "git": true,
}

var wrappers = map[string]bool{"sudo": true, "env": true, "nice": true, "nohup": true, "timeout": true}

func sensitive(stmt ast.Stmt) bool {
	switch n := stmt.(type) {
	case *ast.AndOr:
		return sensitive(n.Right)
	case *ast.Command:
		for _, r := range n.Redirects {
			if strings.HasPrefix(r.Op, ">") && r.Op != ">&" {
				if v, ok := r.Target.Static(); !ok || v != "/dev/null" {
					return true
				}
			}
		}
		name, ok := n.Name.Static()
		if !ok {
			return false
		}
		if wrappers[name] {
			for _, a := range n.Args {
				if v, static := a.Static(); static && mutators[v] {
					return true
				}
			}
		}
		return mutators[name]
	}
	return false
}

var entropyText = regexp.MustCompile(`\$\$|\$\{?(RANDOM|SRANDOM|BASHPID|PPID|SECONDS|EPOCHSECONDS|EPOCHREALTIME)\b|\b(RANDOM|SRANDOM)\b`)

// entropySource names the first entropy read in script, or "".
func entropySource(script *ast.Script) string {
	var found string
	ast.Walk(script, func(n ast.Node) bool {
		if found != "" {
			return false
		}
		switch v := n.(type) {
		case *ast.ParamExp:
			if ast.IsEntropyParam(v.Name) {
				found = "$" + v.Name
			}
		case *ast.ArithExp:
			if m := entropyText.FindString(v.Expr); m != "" {
				found = m
			}
		case *ast.Redirect:
			if v.HereDoc != nil && !v.HereDoc.Quoted {
				if m := entropyText.FindString(v.HereDoc.Content); m != "" && strings.HasPrefix(m, "$") {
					found = m
				}
			}
		case *ast.Command:
			if name, ok := v.Name.Static(); ok && name == "date" {
				found = "the clock (date)"
			}
		}
		return true
	})
	return found
}

// bareExpansion returns the first command argument or redirect target with
// an unquoted parameter or command substitution. $?, $#, $! and $- cannot
// split and are allowed.
func bareExpansion(script *ast.Script) *ast.Word {
	var found *ast.Word
	check := func(w *ast.Word) {
		if found != nil || w == nil {
			return
		}
		for _, part := range w.Parts {
			switch p := part.(type) {
			case *ast.ParamExp:
				if !strings.Contains("?#!-", p.Name) || len(p.Name) != 1 || p.Braced {
					found = w
					return
				}
			case *ast.CmdSubst:
				found = w
				return
			}
		}
	}
	ast.Walk(script, func(n ast.Node) bool {
		switch v := n.(type) {
		case *ast.Command:
			if c, ok := v.Name.Lit(); ok && c == "[[" {
				return true
			}
			for _, a := range v.Args {
				check(a)
			}
		case *ast.Redirect:
			if v.HereDoc == nil {
				check(v.Target)
			}
		}
		return true
	})
	return found
}
