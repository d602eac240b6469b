// Package emitter prints purified programs as POSIX sh.
//
// Output is canonical: the same program always prints to the same bytes.
// Every result is parsed again with mvdan.cc/sh in POSIX mode before it is
// returned.
package emitter

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/ir"
)

const DefaultShebang = "#!/bin/sh"

type ErrorKind int

const (
	UnsupportedConstruct ErrorKind = iota + 1
)

type EmitError struct {
	Kind    ErrorKind
	Message string
	Span    ast.Span
}

func (e *EmitError) Error() string {
	if e.Span.Start.IsValid() {
		return fmt.Sprintf("%s: unsupported construct: %s", e.Span.Start, e.Message)
	}
	return "unsupported construct: " + e.Message
}

type Options struct {
	// Shebang replaces DefaultShebang. OmitShebang drops the line, for
	// fragments spliced into other files.
	Shebang     string
	OmitShebang bool

	// SkipSyntaxCheck skips the final POSIX parse of the output.
	SkipSyntaxCheck bool
}

// Emit prints p with the default options.
func Emit(p *ir.Program) (string, error) {
	return EmitWith(p, Options{})
}

// EmitWith prints p. Programs that are not BestEffort must be free of
// non-POSIX constructs; best-effort output is prefixed with a comment listing
// what was left unsafe and is only checked as bash.
func EmitWith(p *ir.Program, opts Options) (string, error) {
	if p == nil || p.Script == nil {
		return "", &EmitError{Kind: UnsupportedConstruct, Message: "nil program"}
	}
	if !p.BestEffort {
		if n, why := ir.NonPOSIX(p.Script); n != nil {
			return "", &EmitError{Kind: UnsupportedConstruct, Message: why + " has no POSIX sh form", Span: n.Range()}
		}
	}

	pr := &printer{}
	if !opts.OmitShebang {
		shebang := opts.Shebang
		if shebang == "" {
			shebang = DefaultShebang
		}
		pr.WriteString(shebang)
		pr.WriteByte('\n')
	}
	if p.BestEffort {
		fmt.Fprintf(pr, "# shellpure: best-effort output, %d construct(s) could not be made safe:\n", len(p.Unsafe))
		for _, note := range p.Unsafe {
			pr.WriteString("#   ")
			pr.WriteString(strings.ReplaceAll(note.String(), "\n", " "))
			pr.WriteByte('\n')
		}
	}
	pr.list(p.Script.Stmts, 0)
	out := pr.String()

	if !opts.SkipSyntaxCheck {
		if err := Check(out, p.BestEffort); err != nil {
			return "", err
		}
	}
	return out, nil
}

// Check parses text as POSIX sh, or as bash when bash is set.
func Check(text string, bash bool) error {
	lang := syntax.LangPOSIX
	if bash {
		lang = syntax.LangBash
	}
	parser := syntax.NewParser(syntax.Variant(lang))
	if _, err := parser.Parse(strings.NewReader(text), ""); err != nil {
		return &EmitError{Kind: UnsupportedConstruct, Message: fmt.Sprintf("output does not parse as %s: %v", lang, err)}
	}
	return nil
}

// ShellQuote quotes a generated literal for sh. Safe tokens are left bare.
func ShellQuote(token string) string {
	if token == "" {
		return "''"
	}
	if ast.IsSafeToken(token) {
		return token
	}
	return "'" + strings.ReplaceAll(token, "'", `'"'"'`) + "'"
}
