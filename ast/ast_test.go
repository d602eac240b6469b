package ast

import "testing"

func lit(s string) *Word {
	return &Word{Parts: []WordPart{&Lit{Value: s}}}
}

func sampleScript() *Script {
	return &Script{Stmts: []Stmt{
		&Command{
			Span: Span{Start: Pos{Offset: 0, Line: 1, Col: 1}, End: Pos{Offset: 8, Line: 1, Col: 9}},
			Name: lit("mkdir"),
			Args: []*Word{
				lit("-p"),
				{Parts: []WordPart{&DblQuoted{Parts: []WordPart{&ParamExp{Name: "DIR"}}}}},
			},
		},
		&If{
			Cond: []Stmt{&Command{Name: lit("true")}},
			Then: []Stmt{&Command{
				Name:      lit("echo"),
				Args:      []*Word{{Parts: []WordPart{&CmdSubst{Stmts: []Stmt{&Command{Name: lit("id")}}}}}},
				Redirects: []*Redirect{{Fd: -1, Op: ">", Target: lit("out")}},
			}},
		},
	}}
}

func TestEqualIgnoresSpans(t *testing.T) {
	a := sampleScript()
	b := sampleScript()
	b.Stmts[0].(*Command).Span = Span{}
	if !Equal(a, b) {
		t.Fatalf("Equal = false, diff:\n%s", Diff(a, b))
	}
	b.Stmts[0].(*Command).Args[0] = lit("-v")
	if Equal(a, b) {
		t.Fatal("Equal = true for different arguments")
	}
	if Diff(a, b) == "" {
		t.Fatal("Diff is empty for different trees")
	}
}

func TestEqualTreatsNilAndEmptyAlike(t *testing.T) {
	a := &Command{Name: lit("ls"), Args: nil}
	b := &Command{Name: lit("ls"), Args: []*Word{}}
	if !Equal(a, b) {
		t.Fatalf("Equal = false, diff:\n%s", Diff(a, b))
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := sampleScript()
	c := CloneScript(orig)
	if !Equal(orig, c) {
		t.Fatalf("clone differs:\n%s", Diff(orig, c))
	}
	c.Stmts[0].(*Command).Args[1].Parts[0].(*DblQuoted).Parts[0].(*ParamExp).Name = "OTHER"
	c.Stmts[1].(*If).Then[0].(*Command).Redirects[0].Target = lit("elsewhere")
	if got := orig.Stmts[0].(*Command).Args[1].Parts[0].(*DblQuoted).Parts[0].(*ParamExp).Name; got != "DIR" {
		t.Fatalf("original param name = %q after mutating clone", got)
	}
	if got, _ := orig.Stmts[1].(*If).Then[0].(*Command).Redirects[0].Target.Lit(); got != "out" {
		t.Fatalf("original redirect target = %q after mutating clone", got)
	}
}

func TestWalkVisitsNestedNodes(t *testing.T) {
	var params, substs, redirects int
	Walk(sampleScript(), func(n Node) bool {
		switch n.(type) {
		case *ParamExp:
			params++
		case *CmdSubst:
			substs++
		case *Redirect:
			redirects++
		}
		return true
	})
	if params != 1 || substs != 1 || redirects != 1 {
		t.Fatalf("visited params=%d substs=%d redirects=%d, want 1 each", params, substs, redirects)
	}

	var commands int
	Walk(sampleScript(), func(n Node) bool {
		if _, ok := n.(*If); ok {
			return false
		}
		if _, ok := n.(*Command); ok {
			commands++
		}
		return true
	})
	if got, want := commands, 1; got != want {
		t.Fatalf("commands outside if = %d, want %d", got, want)
	}
}

func TestWordStatic(t *testing.T) {
	for _, tc := range []struct {
		name string
		word *Word
		want string
		ok   bool
	}{
		{"literal", lit("abc"), "abc", true},
		{"escaped space", lit(`a\ b`), "a b", true},
		{"mixed quotes", &Word{Parts: []WordPart{&Lit{Value: "a"}, &SglQuoted{Value: "b c"}, &DblQuoted{Parts: []WordPart{&Lit{Value: `\"d\n`}}}}}, `ab c"d\n`, true},
		{"param", &Word{Parts: []WordPart{&ParamExp{Name: "X"}}}, "", false},
		{"dollar quote", &Word{Parts: []WordPart{&SglQuoted{Value: `\n`, Dollar: true}}}, "", false},
	} {
		got, ok := tc.word.Static()
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: Static() = %q, %v; want %q, %v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHasExpansion(t *testing.T) {
	if lit("x").HasExpansion() {
		t.Fatal("literal reported as expanding")
	}
	w := &Word{Parts: []WordPart{&DblQuoted{Parts: []WordPart{&ArithExp{Expr: "1"}}}}}
	if !w.HasExpansion() {
		t.Fatal("quoted arithmetic not reported as expanding")
	}
}

func TestNewWordQuotesUnsafeText(t *testing.T) {
	if _, ok := NewWord("-p").Parts[0].(*Lit); !ok {
		t.Fatal("safe token was quoted")
	}
	sq, ok := NewWord("a b").Parts[0].(*SglQuoted)
	if !ok || sq.Value != "a b" {
		t.Fatalf("NewWord(\"a b\") = %#v", NewWord("a b").Parts[0])
	}
}

func TestNames(t *testing.T) {
	for _, tc := range []struct {
		s       string
		name    bool
		special bool
		entropy bool
	}{
		{"HOME", true, false, false},
		{"_x1", true, false, false},
		{"1x", false, false, false},
		{"RANDOM", true, true, true},
		{"$", false, true, true},
		{"?", false, true, false},
		{"7", false, true, false},
	} {
		if got := IsName(tc.s); got != tc.name {
			t.Fatalf("IsName(%q) = %v, want %v", tc.s, got, tc.name)
		}
		if got := IsSpecialName(tc.s); got != tc.special {
			t.Fatalf("IsSpecialName(%q) = %v, want %v", tc.s, got, tc.special)
		}
		if got := IsEntropyParam(tc.s); got != tc.entropy {
			t.Fatalf("IsEntropyParam(%q) = %v, want %v", tc.s, got, tc.entropy)
		}
	}
}

func TestUnescape(t *testing.T) {
	if got, want := Unescape(`a\$b\q`, true), `a$b\q`; got != want {
		t.Fatalf("Unescape in double quotes = %q, want %q", got, want)
	}
	if got, want := Unescape(`a\$b\q`, false), `a$bq`; got != want {
		t.Fatalf("Unescape unquoted = %q, want %q", got, want)
	}
	if got, want := Unescape("a\\\nb", false), "ab"; got != want {
		t.Fatalf("Unescape continuation = %q, want %q", got, want)
	}
}
