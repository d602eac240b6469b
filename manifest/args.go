package manifest

import (
	"path"
	"strings"
)

// Argument lists passed to these helpers hold the static value of each word;
// words that expand at run time are passed as "" and count as positionals.

// SplitLongFlag splits --name=value into its name and inline value.
func SplitLongFlag(arg string) (string, string, bool) {
	if strings.HasPrefix(arg, "--") {
		if eq := strings.Index(arg, "="); eq > 0 {
			return arg[:eq], arg[eq+1:], true
		}
	}
	return arg, "", false
}

func isFlag(arg string) bool {
	return strings.HasPrefix(arg, "-") && arg != "-"
}

// HasIdempotentFlag reports whether args already carry a flag marked
// idempotent, spelled alone (-p), long (--parents) or inside a group (-rf).
func (m *Manifest) HasIdempotentFlag(args []string) bool {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return false
		}
		if !isFlag(a) {
			continue
		}
		name, _, inline := SplitLongFlag(a)
		if f := m.GetFlag(name); f != nil {
			if f.Idempotent {
				return true
			}
			if f.TakesValue && !inline {
				i++
			}
			continue
		}
		if strings.HasPrefix(a, "--") || len(a) <= 2 {
			continue
		}
		for j := 1; j < len(a); j++ {
			sub := m.GetFlag("-" + string(a[j]))
			if sub == nil {
				continue
			}
			if sub.Idempotent {
				return true
			}
			if sub.TakesValue {
				break
			}
		}
	}
	return false
}

// Positionals returns the indexes of the non-flag arguments, skipping the
// values of flags that take one.
func (m *Manifest) Positionals(args []string) []int {
	var out []int
	flagsDone := false
	for i := 0; i < len(args); i++ {
		a := args[i]
		if flagsDone || !isFlag(a) {
			out = append(out, i)
			continue
		}
		if a == "--" {
			flagsDone = true
			continue
		}
		name, _, inline := SplitLongFlag(a)
		if f := m.GetFlag(name); f != nil && f.TakesValue && !inline {
			i++
		}
	}
	return out
}

// subjects returns the positionals after the subcommand word, if any.
func (m *Manifest) subjects(args []string) []int {
	pos := m.Positionals(args)
	if strings.Contains(m.Name, "_") && len(pos) > 0 {
		pos = pos[1:]
	}
	return pos
}

// TargetIndexes returns the indexes of the arguments the command writes to.
// For subcommand entries the subcommand word itself is skipped.
func (m *Manifest) TargetIndexes(args []string) []int {
	pos := m.subjects(args)
	if len(pos) == 0 {
		return nil
	}
	switch m.Targets {
	case TargetLast:
		return pos[len(pos)-1:]
	case TargetCloneDir:
		if len(pos) >= 2 {
			return pos[len(pos)-1:]
		}
		return nil
	default:
		return pos
	}
}

// GuardArg returns the index of the argument substituted for {target} in the
// guard probe, or -1 when there is none or the target is derived from
// another argument (git clone without a directory).
func (m *Manifest) GuardArg(args []string) int {
	if m.Guard == nil {
		return -1
	}
	pos := m.subjects(args)
	if len(pos) == 0 {
		return -1
	}
	switch m.Guard.Target {
	case TargetCloneDir:
		if len(pos) >= 2 {
			return pos[len(pos)-1]
		}
		return -1
	case TargetAll:
		return pos[0]
	default:
		return pos[len(pos)-1]
	}
}

// GuardTarget returns the value substituted for {target} in the guard probe,
// or false when it cannot be determined statically.
func (m *Manifest) GuardTarget(args []string) (string, bool) {
	if m.Guard == nil {
		return "", false
	}
	if i := m.GuardArg(args); i >= 0 {
		return args[i], args[i] != ""
	}
	pos := m.subjects(args)
	if m.Guard.Target != TargetCloneDir || len(pos) != 1 {
		return "", false
	}
	dir := CloneDir(args[pos[0]])
	return dir, dir != ""
}

// CloneDir derives the directory `git clone <url>` creates.
func CloneDir(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndexAny(url, ":/"); i >= 0 {
		url = url[i+1:]
	}
	url = strings.TrimSuffix(url, ".git")
	if url == "" || url == "." || url == ".." {
		return ""
	}
	return path.Base(url)
}

// ProbeArgs expands the guard probe for target.
func (g *Guard) ProbeArgs(target string) []string {
	out := make([]string, len(g.Probe))
	for i, p := range g.Probe {
		out[i] = strings.ReplaceAll(p, "{target}", target)
	}
	return out
}
