package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/lexer"
)

// FuzzParse feeds arbitrary strings into Parse and verifies that it never
// panics, that failures are typed, and that parsing is deterministic.
func FuzzParse(f *testing.F) {
	// Plain commands and lists.
	f.Add("ls /tmp")
	f.Add("ls | grep error | head -n 5")
	f.Add("cmd1 && cmd2 || cmd3; cmd4 &")
	f.Add(`echo "hello world" | wc -c`)

	// Control flow.
	f.Add("if [ -f a ]; then echo a; elif true; then :; else echo b; fi")
	f.Add("for i in 1 2 3; do echo $i; done")
	f.Add("while read -r l; do echo \"$l\"; done < f")
	f.Add("case $x in a|b) echo ab;; *) ;; esac")
	f.Add("f() { echo hi; }")
	f.Add("function g { echo hi; }")
	f.Add("(cd /tmp && ls) > out 2>&1")
	f.Add("{ a; b; } | c")

	// Expansions and quoting.
	f.Add(`x=$RANDOM; y=$$; echo "${HOME:-/root}" $(id -u) $((1+2)) ` + "`date`")
	f.Add(`echo $'a\nb' 'it''s' "a\"b"`)
	f.Add("cat <<EOF\n$x\nEOF\n")
	f.Add("cat <<-'EOF'\n\tx\n\tEOF\n")
	f.Add("diff <(ls a) <(ls b)")
	f.Add("[[ -n $x && $y == a* ]]")

	// Unsupported and malformed input.
	f.Add("((x++))")
	f.Add("a=(1 2)")
	f.Add("select x in a; do :; done")
	f.Add("if true; then")
	f.Add("done")
	f.Add("echo |")
	f.Add("{ { { { x; }; }; }")
	f.Add(strings.Repeat("{ ", 300) + "x" + strings.Repeat("; }", 300))
	f.Add(strings.Repeat("$(", 300) + strings.Repeat(")", 300))

	// Odd bytes.
	f.Add("rm\x00 -rf /")
	f.Add("ls /tmp\r\nrm -rf /")
	f.Add("ls /tmp； rm -rf /")
	f.Add("")

	f.Fuzz(func(t *testing.T, input string) {
		s, err := Parse(input)
		if err != nil {
			var pe *ParseError
			var le *lexer.Error
			if !errors.As(err, &pe) && !errors.As(err, &le) {
				t.Fatalf("Parse(%q) error = %T, want *ParseError or *lexer.Error", input, err)
			}
			return
		}
		again, err := Parse(input)
		if err != nil {
			t.Fatalf("second Parse(%q) failed: %v", input, err)
		}
		if !ast.Equal(s, again) {
			t.Fatalf("Parse(%q) is not deterministic:\n%s", input, ast.Diff(s, again))
		}
		ast.Walk(s, func(n ast.Node) bool {
			if n == nil {
				t.Fatal("Walk visited a nil node")
			}
			return true
		})
	})
}
