package emitter

import (
	"errors"
	"strings"
	"testing"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/ir"
	"github.com/jonchun/shellpure/parser"
)

func program(t *testing.T, src string) *ir.Program {
	t.Helper()
	script, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", src, err)
	}
	return ir.New(script)
}

func TestEmitCanonicalLayout(t *testing.T) {
	src := "if [ -d /tmp ];then echo a;elif true\nthen :;else echo b;fi\n" +
		"for x in a b;do echo \"$x\";done\n" +
		"while false;do :;done\n" +
		"case \"$1\" in a|b) echo ab;; *) echo other;;esac\n" +
		"f(){ echo hi; }\n" +
		"(cd /tmp; ls) | wc -l\n" +
		"sleep 1 &\n"
	want := `#!/bin/sh
if [ -d /tmp ]; then
  echo a
elif true; then
  :
else
  echo b
fi
for x in a b; do
  echo "$x"
done
while false; do
  :
done
case "$1" in
  a | b)
    echo ab
    ;;
  *)
    echo other
    ;;
esac
f() {
  echo hi
}
(cd /tmp; ls) | wc -l
sleep 1 &
`
	got, err := Emit(program(t, src))
	if err != nil {
		t.Fatalf("Emit error = %v", err)
	}
	if got != want {
		t.Fatalf("Emit =\n%s\nwant\n%s", got, want)
	}
}

func TestEmitIsDeterministicAndReparses(t *testing.T) {
	prog := program(t, "x=\"$(pwd)\"\ncat <<EOF >/tmp/out\nhello $x\nEOF\necho \"${HOME:-/}\" 2>/dev/null\n")
	first, err := Emit(prog)
	if err != nil {
		t.Fatalf("Emit error = %v", err)
	}
	for range 3 {
		again, err := Emit(prog.Clone())
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("Emit not deterministic:\n%s\nvs\n%s", again, first)
		}
	}

	reparsed := program(t, first)
	second, err := Emit(reparsed)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("re-emitted output differs:\n%s\nwant\n%s", second, first)
	}
}

func TestEmitHereDoc(t *testing.T) {
	got, err := EmitWith(program(t, "cat <<'END' >/tmp/a\n$literal\nEND\necho next\n"), Options{OmitShebang: true})
	if err != nil {
		t.Fatal(err)
	}
	if want := "cat <<'END' >/tmp/a\n$literal\nEND\necho next\n"; got != want {
		t.Fatalf("Emit = %q, want %q", got, want)
	}
}

func TestEmitBracesParamBeforeNameChar(t *testing.T) {
	w := &ast.Word{Parts: []ast.WordPart{&ast.ParamExp{Name: "name"}, &ast.Lit{Value: "_suffix"}}}
	script := &ast.Script{Stmts: []ast.Stmt{&ast.Command{Name: ast.NewWord("echo"), Args: []*ast.Word{w}}}}
	got, err := EmitWith(ir.New(script), Options{OmitShebang: true, SkipSyntaxCheck: true})
	if err != nil {
		t.Fatal(err)
	}
	if want := "echo ${name}_suffix\n"; got != want {
		t.Fatalf("Emit = %q, want %q", got, want)
	}
}

func TestEmitEscapesDollarBeforeExpansion(t *testing.T) {
	echo5 := []ast.Stmt{&ast.Command{Name: ast.NewWord("echo"), Args: []*ast.Word{ast.NewWord("5")}}}
	for _, tc := range []struct {
		lit  string
		want string
	}{
		{"price: $", `echo "price: \$$(echo 5)"` + "\n"},
		{`price: \$`, `echo "price: \$$(echo 5)"` + "\n"},
		{`price: \\$`, `echo "price: \\\$$(echo 5)"` + "\n"},
	} {
		w := &ast.Word{Parts: []ast.WordPart{&ast.DblQuoted{Parts: []ast.WordPart{
			&ast.Lit{Value: tc.lit},
			&ast.CmdSubst{Stmts: echo5},
		}}}}
		script := &ast.Script{Stmts: []ast.Stmt{&ast.Command{Name: ast.NewWord("echo"), Args: []*ast.Word{w}}}}
		got, err := EmitWith(ir.New(script), Options{OmitShebang: true, SkipSyntaxCheck: true})
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Fatalf("Emit(%q) = %q, want %q", tc.lit, got, tc.want)
		}
	}
}

func TestEmitRejectsNonPOSIX(t *testing.T) {
	for _, src := range []string{"diff <(ls a) <(ls b)\n", "[[ -n $x ]]\n", "echo $'a\\tb'\n"} {
		_, err := Emit(program(t, src))
		var ee *EmitError
		if !errors.As(err, &ee) {
			t.Fatalf("Emit(%q) error = %v, want *EmitError", src, err)
		}
		if ee.Kind != UnsupportedConstruct {
			t.Fatalf("Emit(%q) Kind = %v", src, ee.Kind)
		}
	}
}

func TestEmitBestEffort(t *testing.T) {
	prog := program(t, "diff <(ls a) <(ls b)\n")
	prog.BestEffort = true
	prog.Unsafe = []ir.Note{{Rule: "DET004", Message: "process substitution has no POSIX equivalent"}}

	got, err := EmitWith(prog, Options{Shebang: "#!/bin/bash"})
	if err != nil {
		t.Fatalf("Emit error = %v", err)
	}
	for _, want := range []string{"#!/bin/bash\n", "# shellpure: best-effort output, 1 construct(s)", "#   DET004: process substitution", "diff <(ls a) <(ls b)\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Emit = %q, want substring %q", got, want)
		}
	}
}

func TestEmitNilProgram(t *testing.T) {
	if _, err := Emit(nil); err == nil {
		t.Fatal("Emit(nil) expected error")
	}
	got, err := Emit(ir.New(nil))
	if err != nil {
		t.Fatal(err)
	}
	if got != DefaultShebang+"\n" {
		t.Fatalf("Emit(empty) = %q", got)
	}
}

func TestCheck(t *testing.T) {
	if err := Check("echo hi\n", false); err != nil {
		t.Fatalf("Check error = %v", err)
	}
	if err := Check("echo $((1+\n", false); err == nil {
		t.Fatal("Check expected error for broken input")
	}
	if err := Check("[[ -n x ]]\n", true); err != nil {
		t.Fatalf("Check(bash) error = %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "''"},
		{"plain/path-1.0", "plain/path-1.0"},
		{"two words", "'two words'"},
		{"it's", `'it'"'"'s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Fatalf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmitErrorMessage(t *testing.T) {
	err := &EmitError{Kind: UnsupportedConstruct, Message: "x", Span: ast.Span{Start: ast.Pos{Line: 2, Col: 3}}}
	if got := err.Error(); !strings.HasPrefix(got, "2:3: unsupported construct") {
		t.Fatalf("Error() = %q", got)
	}
}
