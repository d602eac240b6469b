package verifier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/parser"
)

// fieldBuilder collects the fields of one word. Quoted text extends the
// current field; unquoted expansion results are split on blanks.
type fieldBuilder struct {
	fields  []string
	cur     strings.Builder
	started bool
}

func (fb *fieldBuilder) quoted(v string) {
	fb.cur.WriteString(v)
	fb.started = true
}

func (fb *fieldBuilder) split(v string) {
	for _, r := range v {
		if r == ' ' || r == '\t' || r == '\n' {
			fb.flush()
			continue
		}
		fb.cur.WriteRune(r)
		fb.started = true
	}
}

func (fb *fieldBuilder) flush() {
	if fb.started {
		fb.fields = append(fb.fields, fb.cur.String())
	}
	fb.cur.Reset()
	fb.started = false
}

func (m *Machine) expandFields(s *State, w *ast.Word, io streams) ([]string, error) {
	fb := &fieldBuilder{}
	for i, part := range w.Parts {
		switch p := part.(type) {
		case *ast.Lit:
			v := p.Value
			if i == 0 && strings.HasPrefix(v, "~") {
				v = tilde(s, v)
			}
			fb.quoted(ast.Unescape(v, false))
		case *ast.SglQuoted:
			fb.quoted(p.Value)
		case *ast.DblQuoted:
			if len(p.Parts) == 1 && isAt(p.Parts[0]) {
				for j, arg := range m.positional() {
					if j > 0 {
						fb.flush()
					}
					fb.quoted(arg)
				}
				continue
			}
			v, err := m.joinParts(s, p.Parts, true, io)
			if err != nil {
				return nil, err
			}
			fb.quoted(v)
		case *ast.ParamExp:
			if (p.Name == "@" || p.Name == "*") && p.Modifier == "" && !p.Length {
				for _, arg := range m.positional() {
					fb.flush()
					fb.split(arg)
				}
				continue
			}
			v, err := m.param(s, p, io)
			if err != nil {
				return nil, err
			}
			fb.split(v)
		case *ast.CmdSubst:
			fb.split(m.cmdSubst(s, p.Stmts, io))
		case *ast.ArithExp:
			v, err := m.arith(s, p.Expr, io)
			if err != nil {
				return nil, err
			}
			fb.split(strconv.FormatInt(v, 10))
		case *ast.ProcSubst:
			fb.quoted("/dev/fd/63")
		}
	}
	fb.flush()
	return fb.fields, nil
}

func isAt(part ast.WordPart) bool {
	p, ok := part.(*ast.ParamExp)
	return ok && p.Name == "@" && p.Modifier == "" && !p.Length
}

// tilde expands a leading ~ or ~user.
func tilde(s *State, v string) string {
	user, rest, _ := strings.Cut(v[1:], "/")
	var home string
	switch {
	case user == "":
		home = s.Env["HOME"]
	case user == "root":
		home = "/root"
	default:
		if _, ok := s.Users[user]; !ok {
			return v
		}
		home = "/home/" + user
	}
	if rest == "" && !strings.Contains(v, "/") {
		return home
	}
	return home + "/" + rest
}

// expandString expands w without field splitting, as for assignment values,
// redirect targets and case subjects.
func (m *Machine) expandString(s *State, w *ast.Word, io streams) (string, error) {
	if w == nil {
		return "", nil
	}
	return m.joinParts(s, w.Parts, false, io)
}

func (m *Machine) joinParts(s *State, parts []ast.WordPart, inDouble bool, io streams) (string, error) {
	var b strings.Builder
	for _, part := range parts {
		switch p := part.(type) {
		case *ast.Lit:
			b.WriteString(ast.Unescape(p.Value, inDouble))
		case *ast.SglQuoted:
			b.WriteString(p.Value)
		case *ast.DblQuoted:
			v, err := m.joinParts(s, p.Parts, true, io)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		case *ast.ParamExp:
			v, err := m.param(s, p, io)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		case *ast.CmdSubst:
			b.WriteString(m.cmdSubst(s, p.Stmts, io))
		case *ast.ArithExp:
			v, err := m.arith(s, p.Expr, io)
			if err != nil {
				return "", err
			}
			b.WriteString(strconv.FormatInt(v, 10))
		case *ast.ProcSubst:
			b.WriteString("/dev/fd/63")
		}
	}
	return b.String(), nil
}

// cmdSubst runs stmts in a subshell and returns their output with trailing
// newlines removed.
func (m *Machine) cmdSubst(s *State, stmts []ast.Stmt, io streams) string {
	var buf []string
	sub := io
	sub.out = sink{kind: sinkBuffer, buf: &buf}
	m.subshell(s, func() { m.list(s, stmts, sub) })
	m.substRan = true
	m.substStatus = s.ExitCode
	return strings.TrimRight(strings.Join(buf, "\n"), "\n")
}

// lookup returns a parameter value and whether it is set. Entropy variables
// draw from the machine.
func (m *Machine) lookup(s *State, name string) (string, bool) {
	switch name {
	case "RANDOM":
		return strconv.Itoa(m.rng.IntN(32768)), true
	case "SRANDOM":
		return strconv.FormatUint(uint64(m.rng.Uint32()), 10), true
	case "$", "BASHPID":
		return strconv.Itoa(m.pid), true
	case "PPID":
		return strconv.Itoa(m.pid - 1), true
	case "SECONDS":
		return strconv.FormatInt(m.now()-defaultClock, 10), true
	case "EPOCHSECONDS":
		return strconv.FormatInt(m.now(), 10), true
	case "EPOCHREALTIME":
		return strconv.FormatInt(m.now(), 10) + ".000000", true
	case "?":
		return strconv.Itoa(s.ExitCode), true
	case "#":
		return strconv.Itoa(len(m.positional())), true
	case "@", "*":
		return strings.Join(m.positional(), " "), true
	case "0":
		return "sh", true
	case "-":
		return "", true
	case "!":
		return "", false
	}
	if n, err := strconv.Atoi(name); err == nil {
		args := m.positional()
		if n >= 1 && n <= len(args) {
			return args[n-1], true
		}
		return "", false
	}
	v, ok := s.Env[name]
	return v, ok
}

var errBadSubstitution = errors.New("bad substitution")

func (m *Machine) param(s *State, p *ast.ParamExp, io streams) (string, error) {
	val, set := m.lookup(s, p.Name)
	if p.Length {
		return strconv.Itoa(utf8.RuneCountInString(val)), nil
	}
	mod := p.Modifier
	if mod == "" {
		return val, nil
	}

	colon := false
	var op byte
	var word string
	switch {
	case len(mod) > 1 && mod[0] == ':' && strings.IndexByte("-=+?", mod[1]) >= 0:
		colon, op, word = true, mod[1], mod[2:]
	case strings.IndexByte("-=+?", mod[0]) >= 0:
		op, word = mod[0], mod[1:]
	case strings.HasPrefix(mod, "##"), strings.HasPrefix(mod, "%%"):
		return m.trim(s, val, mod[:2], mod[2:], io)
	case mod[0] == '#', mod[0] == '%':
		return m.trim(s, val, mod[:1], mod[1:], io)
	default:
		return "", fmt.Errorf("${%s%s}: %w", p.Name, mod, errBadSubstitution)
	}

	empty := !set || (colon && val == "")
	switch op {
	case '-':
		if empty {
			return m.modifierWord(s, word, io)
		}
	case '=':
		if empty {
			v, err := m.modifierWord(s, word, io)
			if err != nil {
				return "", err
			}
			s.Env[p.Name] = v
			return v, nil
		}
	case '+':
		if empty {
			return "", nil
		}
		return m.modifierWord(s, word, io)
	case '?':
		if empty {
			msg, err := m.modifierWord(s, word, io)
			if err != nil {
				return "", err
			}
			if msg == "" {
				msg = "parameter null or not set"
			}
			return "", fmt.Errorf("%s: %s", p.Name, msg)
		}
	}
	return val, nil
}

// modifierWord expands the word inside ${name:-word}, honoring quotes.
func (m *Machine) modifierWord(s *State, text string, io streams) (string, error) {
	if text == "" {
		return "", nil
	}
	script, err := parser.Parse(": " + text)
	if err == nil && len(script.Stmts) == 1 {
		if c, ok := script.Stmts[0].(*ast.Command); ok && len(c.Redirects) == 0 {
			vals := make([]string, 0, len(c.Args))
			for _, a := range c.Args {
				v, err := m.expandString(s, a, io)
				if err != nil {
					return "", err
				}
				vals = append(vals, v)
			}
			return strings.Join(vals, " "), nil
		}
	}
	return m.expandText(s, text, io)
}

// trim implements ${name#pat}, ${name##pat}, ${name%pat} and ${name%%pat}.
func (m *Machine) trim(s *State, val, op, pattern string, io streams) (string, error) {
	text, err := m.expandText(s, pattern, io)
	if err != nil {
		return "", err
	}
	g, err := compileGlob(escapeBraces(text))
	if err != nil {
		return "", err
	}
	n := len(val)
	switch op {
	case "#":
		for i := 0; i <= n; i++ {
			if g.Match(val[:i]) {
				return val[i:], nil
			}
		}
	case "##":
		for i := n; i >= 0; i-- {
			if g.Match(val[:i]) {
				return val[i:], nil
			}
		}
	case "%":
		for i := n; i >= 0; i-- {
			if g.Match(val[i:]) {
				return val[:i], nil
			}
		}
	case "%%":
		for i := 0; i <= n; i++ {
			if g.Match(val[i:]) {
				return val[:i], nil
			}
		}
	}
	return val, nil
}

// matchPattern matches a case pattern. Quoted parts of the pattern match
// literally.
func (m *Machine) matchPattern(s *State, pat *ast.Word, subject string, io streams) (bool, error) {
	var b strings.Builder
	for _, part := range pat.Parts {
		switch p := part.(type) {
		case *ast.Lit:
			b.WriteString(escapeBraces(p.Value))
		case *ast.SglQuoted:
			b.WriteString(glob.QuoteMeta(p.Value))
		case *ast.DblQuoted:
			v, err := m.joinParts(s, p.Parts, true, io)
			if err != nil {
				return false, err
			}
			b.WriteString(glob.QuoteMeta(v))
		default:
			v, err := m.joinParts(s, []ast.WordPart{part}, false, io)
			if err != nil {
				return false, err
			}
			b.WriteString(escapeBraces(v))
		}
	}
	g, err := compileGlob(b.String())
	if err != nil {
		return false, err
	}
	return g.Match(subject), nil
}

func compileGlob(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return g, nil
}

// escapeBraces makes brace alternation literal; sh patterns have none.
func escapeBraces(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '\\' && i+1 < len(p):
			b.WriteByte(c)
			b.WriteByte(p[i+1])
			i++
		case c == '{' || c == '}' || c == ',':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// expandText expands parameters, command substitutions and arithmetic in raw
// text, as in an unquoted here-document body.
func (m *Machine) expandText(s *State, text string, io streams) (string, error) {
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\\' && i+1 < len(text) && strings.IndexByte("$`\\", text[i+1]) >= 0:
			b.WriteByte(text[i+1])
			i++
		case c == '`':
			end := strings.IndexByte(text[i+1:], '`')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			out, err := m.substText(s, text[i+1:i+1+end], io)
			if err != nil {
				return "", err
			}
			b.WriteString(out)
			i += end + 1
		case c == '$' && strings.HasPrefix(text[i:], "$(("):
			end := closing(text, i+3, '(', ')', 2)
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			v, err := m.arith(s, text[i+3:end-1], io)
			if err != nil {
				return "", err
			}
			b.WriteString(strconv.FormatInt(v, 10))
			i = end
		case c == '$' && strings.HasPrefix(text[i:], "$("):
			end := closing(text, i+2, '(', ')', 1)
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			out, err := m.substText(s, text[i+2:end], io)
			if err != nil {
				return "", err
			}
			b.WriteString(out)
			i = end
		case c == '$' && strings.HasPrefix(text[i:], "${"):
			end := closing(text, i+2, '{', '}', 1)
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			v, err := m.param(s, braced(text[i+2:end]), io)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
			i = end
		case c == '$' && i+1 < len(text):
			name := paramName(text[i+1:])
			if name == "" {
				b.WriteByte(c)
				continue
			}
			v, _ := m.lookup(s, name)
			b.WriteString(v)
			i += len(name)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func (m *Machine) substText(s *State, src string, io streams) (string, error) {
	script, err := parser.Parse(src)
	if err != nil {
		return "", fmt.Errorf("command substitution: %w", err)
	}
	return m.cmdSubst(s, script.Stmts, io), nil
}

// closing returns the index of the closer that brings depth to zero, or -1.
// For arithmetic the two closing parens must be adjacent; the index of the
// second one is returned.
func closing(text string, from int, open, close byte, depth int) int {
	for i := from; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// braced parses the inside of ${...} into a parameter expansion.
func braced(inner string) *ast.ParamExp {
	p := &ast.ParamExp{Braced: true}
	if len(inner) > 1 && inner[0] == '#' {
		p.Length = true
		inner = inner[1:]
	}
	p.Name = paramName(inner)
	p.Modifier = inner[len(p.Name):]
	return p
}

// paramName returns the parameter name at the start of s.
func paramName(s string) string {
	if s == "" {
		return ""
	}
	if strings.IndexByte("?#@*!-$0123456789", s[0]) >= 0 {
		return s[:1]
	}
	end := 0
	for end < len(s) && (s[end] == '_' || (s[end] >= 'a' && s[end] <= 'z') ||
		(s[end] >= 'A' && s[end] <= 'Z') || (end > 0 && s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	return s[:end]
}
