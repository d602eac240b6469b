package purifier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/manifest"
)

// wordCtx is the syntactic position of a word, which decides whether its
// expansions get quoted.
type wordCtx int

const (
	ctxName wordCtx = iota
	ctxArg
	ctxRedirect
	ctxAssign
	ctxCaseSubject
	ctxPattern
	ctxLoop
)

func (p *pass) quotes(ctx wordCtx) bool {
	switch ctx {
	case ctxArg, ctxRedirect:
		return true
	case ctxAssign, ctxCaseSubject:
		return p.opts.QuotePolicy == Strict
	}
	return false
}

func (p *pass) word(w *ast.Word, ctx wordCtx) *ast.Word {
	if w == nil {
		return nil
	}
	parts := p.parts(w.Parts, false)
	if p.quotes(ctx) {
		parts = p.quoteParts(parts)
	}
	switch ctx {
	case ctxName, ctxArg, ctxLoop:
		if braceExpansion(w) {
			p.report.warn(RuleBraceExpansion, w.Span, "brace expansion is bash-only; sh passes the braces through literally")
		}
	}
	return &ast.Word{Span: w.Span, Parts: parts}
}

// braceExpansion reports whether the unquoted text of w holds a {a,b} or
// {1..3} group.
func braceExpansion(w *ast.Word) bool {
	var b strings.Builder
	for _, part := range w.Parts {
		if l, ok := part.(*ast.Lit); ok {
			b.WriteString(l.Value)
			continue
		}
		b.WriteByte('x')
	}
	s := b.String()
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			end, ok := braceGroup(s, i)
			if ok {
				return true
			}
			if end < 0 {
				return false
			}
		}
	}
	return false
}

// braceGroup scans the group opening at s[open]. It returns the index of the
// closing brace, or -1 when there is none, and whether the group expands.
func braceGroup(s string, open int) (int, bool) {
	depth, comma := 0, false
	for j := open; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j, comma || strings.Contains(s[open+1:j], "..")
			}
		case ',':
			if depth == 1 {
				comma = true
			}
		}
	}
	return -1, false
}

func (p *pass) parts(in []ast.WordPart, inDouble bool) []ast.WordPart {
	if in == nil {
		return nil
	}
	out := make([]ast.WordPart, 0, len(in))
	for _, part := range in {
		switch n := part.(type) {
		case *ast.SglQuoted:
			if n.Dollar {
				out = append(out, p.dollarQuote(n)...)
				continue
			}
			out = append(out, &ast.SglQuoted{Span: n.Span, Value: n.Value})
		case *ast.DblQuoted:
			out = append(out, &ast.DblQuoted{Span: n.Span, Parts: p.parts(n.Parts, true)})
		case *ast.ParamExp:
			out = append(out, p.param(n))
		case *ast.CmdSubst:
			out = append(out, p.cmdSubst(n, inDouble))
		case *ast.ArithExp:
			out = append(out, &ast.ArithExp{Span: n.Span, Expr: p.entropyText(n.Expr, n.Span, true)})
		case *ast.ProcSubst:
			p.unsafe(ErrUnsupportedConstruct, RuleProcessSubst, n.Span, "process substitution has no POSIX equivalent")
			out = append(out, &ast.ProcSubst{Span: n.Span, Op: n.Op, Stmts: p.list(n.Stmts)})
		default:
			out = append(out, ast.CloneParts([]ast.WordPart{part})...)
		}
	}
	return out
}

// quoteParts wraps bare parameter expansions and command substitutions in
// double quotes. Adjacent bare expansions share one pair of quotes.
func (p *pass) quoteParts(parts []ast.WordPart) []ast.WordPart {
	out := make([]ast.WordPart, 0, len(parts))
	var run *ast.DblQuoted
	for _, part := range parts {
		rule, ok := p.needsQuotes(part)
		if !ok {
			run = nil
			out = append(out, part)
			continue
		}
		if run == nil {
			run = &ast.DblQuoted{Span: part.Range()}
			out = append(out, run)
		}
		run.Parts = append(run.Parts, part)
		run.End = part.Range().End
		p.report.fix(rule, part.Range(), "quoted "+describePart(part))
	}
	return out
}

func (p *pass) needsQuotes(part ast.WordPart) (RuleID, bool) {
	switch n := part.(type) {
	case *ast.ParamExp:
		if p.opts.QuotePolicy == Minimal && n.Special && strings.Contains("?#!-", n.Name) && len(n.Name) == 1 && !n.Braced {
			return 0, false
		}
		return RuleQuoteParam, true
	case *ast.CmdSubst:
		return RuleQuoteCmdSubst, true
	}
	return 0, false
}

// bareExpansion returns the first unquoted parameter expansion or command
// substitution in w.
func bareExpansion(w *ast.Word) ast.WordPart {
	if w == nil {
		return nil
	}
	for _, part := range w.Parts {
		switch part.(type) {
		case *ast.ParamExp, *ast.CmdSubst:
			return part
		}
	}
	return nil
}

func describePart(part ast.WordPart) string {
	switch n := part.(type) {
	case *ast.ParamExp:
		if n.Braced {
			return "${" + n.Name + n.Modifier + "}"
		}
		return "$" + n.Name
	case *ast.CmdSubst:
		return "$(...)"
	case *ast.ArithExp:
		return "$((" + n.Expr + "))"
	}
	return "expansion"
}

// entropyValue returns the substitute for an entropy parameter and the rule
// that covers it.
func (p *pass) entropyValue(name string) (string, RuleID) {
	switch name {
	case "RANDOM", "SRANDOM":
		return strconv.FormatInt(p.opts.Seed, 10), RuleRandom
	case "$", "BASHPID", "PPID":
		return strconv.Itoa(p.opts.ProcessID), RuleProcessID
	case "SECONDS":
		return "0", RuleTimestamp
	case "EPOCHREALTIME":
		return strconv.FormatInt(p.opts.Epoch, 10) + ".000000", RuleTimestamp
	default:
		return strconv.FormatInt(p.opts.Epoch, 10), RuleTimestamp
	}
}

// resolvesToValue reports whether a ${NAME<modifier>} of a set variable
// expands to the variable's own value.
func resolvesToValue(modifier string) bool {
	switch {
	case modifier == "":
		return true
	case strings.HasPrefix(modifier, ":-"), strings.HasPrefix(modifier, ":="), strings.HasPrefix(modifier, ":?"):
		return true
	case strings.HasPrefix(modifier, "-"), strings.HasPrefix(modifier, "="), strings.HasPrefix(modifier, "?"):
		return true
	}
	return false
}

func (p *pass) param(n *ast.ParamExp) ast.WordPart {
	c := *n
	if !ast.IsEntropyParam(n.Name) {
		return &c
	}
	value, rule := p.entropyValue(n.Name)
	what := describePart(n)
	if !resolvesToValue(n.Modifier) {
		p.unsafe(ErrUnresolvableNonDeterminism, rule, n.Span, what+" cannot be evaluated statically")
		return &c
	}
	if !p.substitute(rule, n.Span, what+" changes between runs") {
		return &c
	}
	if n.Length {
		value = strconv.Itoa(len(value))
	}
	p.report.fix(rule, n.Span, fmt.Sprintf("%s replaced with %s", what, value))
	return &ast.Lit{Span: n.Span, Value: value}
}

func (p *pass) cmdSubst(n *ast.CmdSubst, inDouble bool) ast.WordPart {
	if date := p.dateInvocation(n.Stmts); date != nil {
		if part, ok := p.dateSubst(n, date, inDouble); ok {
			return part
		}
	}
	if n.Backquote {
		p.report.fix(RuleBackquote, n.Span, "`...` replaced with $(...)")
	}
	return &ast.CmdSubst{Span: n.Span, Stmts: p.list(n.Stmts)}
}

// dateInvocation returns the command when stmts is a single plain call of a
// clock-reading registry command.
func (p *pass) dateInvocation(stmts []ast.Stmt) *ast.Command {
	if len(stmts) != 1 {
		return nil
	}
	c, ok := stmts[0].(*ast.Command)
	if !ok || len(c.Env) > 0 || len(c.Redirects) > 0 {
		return nil
	}
	name, ok := c.Name.Static()
	if !ok {
		return nil
	}
	if m, _ := p.reg.Lookup(name, nil); m == nil || m.Rewrite != manifest.RewriteTime {
		return nil
	}
	return c
}

func (p *pass) dateSubst(n *ast.CmdSubst, date *ast.Command, inDouble bool) (ast.WordPart, bool) {
	if !p.substitute(RuleTimestamp, n.Span, "date reads the clock") {
		return nil, false
	}
	value, sourceEpoch, err := formatDate(date.Args, p.opts.Epoch)
	if err != nil {
		p.unsafe(ErrUnresolvableNonDeterminism, RuleTimestamp, n.Span, err.Error())
		return nil, false
	}
	if sourceEpoch {
		part := &ast.ParamExp{Span: n.Span, Name: "SOURCE_DATE_EPOCH", Braced: true, Modifier: ":-" + value}
		p.report.fix(RuleTimestamp, n.Span, "date +%s replaced with ${SOURCE_DATE_EPOCH:-"+value+"}")
		return part, true
	}
	p.report.fix(RuleTimestamp, n.Span, fmt.Sprintf("date replaced with %q", value))
	if inDouble {
		return &ast.Lit{Span: n.Span, Value: escapeDouble(value)}, true
	}
	part := ast.NewWord(value).Parts[0]
	return part, true
}

// dateCommand replaces a standalone date call with an echo of its output.
func (p *pass) dateCommand(c *ast.Command) (ast.Stmt, bool) {
	if !p.substitute(RuleTimestamp, c.Span, "date reads the clock") {
		return nil, false
	}
	value, sourceEpoch, err := formatDate(c.Args, p.opts.Epoch)
	if err != nil {
		p.unsafe(ErrUnresolvableNonDeterminism, RuleTimestamp, c.Span, err.Error())
		return nil, false
	}
	arg := ast.NewWord(value)
	if sourceEpoch {
		arg = &ast.Word{Parts: []ast.WordPart{&ast.DblQuoted{Parts: []ast.WordPart{
			&ast.ParamExp{Name: "SOURCE_DATE_EPOCH", Braced: true, Modifier: ":-" + value},
		}}}}
	}
	p.report.fix(RuleTimestamp, c.Span, "date replaced with echo of a fixed timestamp")
	out := &ast.Command{Span: c.Span, Name: litWord("echo"), Args: []*ast.Word{arg}}
	for _, a := range c.Env {
		out.Env = append(out.Env, p.assign(a))
	}
	out.Redirects = p.redirects(c.Redirects)
	return out, true
}

func escapeDouble(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune("$`\"\\", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// entropyText replaces entropy parameters inside raw text: arithmetic
// expressions (where bare names count) and unquoted here-document bodies.
func (p *pass) entropyText(text string, span ast.Span, arith bool) string {
	if !strings.ContainsAny(text, "$`") && !arith {
		return text
	}
	var b strings.Builder
	for i := 0; i < len(text); {
		c := text[i]
		if c == '\\' && i+1 < len(text) {
			b.WriteString(text[i : i+2])
			i += 2
			continue
		}
		if !arith && (strings.HasPrefix(text[i:], "$(date") || strings.HasPrefix(text[i:], "`date")) {
			p.unsafe(ErrUnresolvableNonDeterminism, RuleTimestamp, span, "date in a here-document body cannot be evaluated statically")
		}

		name, n := "", 0
		switch {
		case c == '$' && i+1 < len(text) && text[i+1] == '$':
			name, n = "$", 2
		case c == '$' && i+1 < len(text) && text[i+1] == '{':
			if end := strings.IndexByte(text[i:], '}'); end > 0 && ast.IsName(text[i+2:i+end]) {
				name, n = text[i+2:i+end], end+1
			}
		case c == '$':
			if id := identAt(text, i+1); id != "" {
				name, n = id, 1+len(id)
			}
		case arith && isIdentStart(c) && (i == 0 || !isIdentChar(text[i-1])):
			name = identAt(text, i)
			n = len(name)
		}
		if n == 0 {
			b.WriteByte(c)
			i++
			continue
		}
		if ast.IsEntropyParam(name) {
			value, rule := p.entropyValue(name)
			what := "$" + name
			if p.substitute(rule, span, what+" changes between runs") {
				p.report.fix(rule, span, fmt.Sprintf("%s replaced with %s", what, value))
				b.WriteString(value)
				i += n
				continue
			}
		}
		b.WriteString(text[i : i+n])
		i += n
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func identAt(s string, i int) string {
	if i >= len(s) || !isIdentStart(s[i]) {
		return ""
	}
	j := i + 1
	for j < len(s) && isIdentChar(s[j]) {
		j++
	}
	return s[i:j]
}

// dollarQuote rewrites $'...' with plain single quotes. A decoded single
// quote becomes an escaped \' between quoted runs.
func (p *pass) dollarQuote(n *ast.SglQuoted) []ast.WordPart {
	decoded, ok := decodeANSIC(n.Value)
	if !ok {
		p.unsafe(ErrUnsupportedConstruct, RuleDollarQuote, n.Span, "$'...' escape has no portable spelling")
		return []ast.WordPart{&ast.SglQuoted{Span: n.Span, Value: n.Value, Dollar: true}}
	}
	p.report.fix(RuleDollarQuote, n.Span, "$'...' rewritten with plain quotes")
	segments := strings.Split(decoded, "'")
	var out []ast.WordPart
	for i, seg := range segments {
		if i > 0 {
			out = append(out, &ast.Lit{Span: n.Span, Value: `\'`})
		}
		if seg != "" || len(segments) == 1 {
			out = append(out, &ast.SglQuoted{Span: n.Span, Value: seg})
		}
	}
	return out
}

// decodeANSIC decodes the escapes bash allows inside $'...'. It fails on
// escapes that produce NUL or depend on the locale.
func decodeANSIC(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'e', 'E':
			b.WriteByte(0x1b)
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case '\\', '\'', '"', '?':
			b.WriteByte(e)
		case 'x':
			j := i + 1
			for j < len(s) && j < i+3 && isHex(s[j]) {
				j++
			}
			if j == i+1 {
				b.WriteString(`\x`)
				continue
			}
			v, _ := strconv.ParseUint(s[i+1:j], 16, 8)
			if v == 0 {
				return "", false
			}
			b.WriteByte(byte(v))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 16)
			if v == 0 || v > 0xff {
				return "", false
			}
			b.WriteByte(byte(v))
			i = j - 1
		case 'c', 'u', 'U':
			return "", false
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String(), true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
