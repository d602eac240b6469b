package purifier

import (
	"testing"
	"time"

	"github.com/jonchun/shellpure/ast"
)

func TestStrftime(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)
	tests := []struct{ format, want string }{
		{"%Y-%m-%d", "2024-03-05"},
		{"%F %T", "2024-03-05 14:07:09"},
		{"%a %b %e", "Tue Mar  5"},
		{"%A %B %j", "Tuesday March 065"},
		{"%I%p %Z %z", "02PM UTC +0000"},
		{"%y%C %u %w", "2420 2 2"},
		{"100%%", "100%"},
	}
	for _, tt := range tests {
		got, err := strftime(tt.format, ts)
		if err != nil {
			t.Fatalf("strftime(%q) error = %v", tt.format, err)
		}
		if got != tt.want {
			t.Fatalf("strftime(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}

	for _, bad := range []string{"%N", "%", "%Q"} {
		if _, err := strftime(bad, ts); err == nil {
			t.Fatalf("strftime(%q) expected error", bad)
		}
	}
}

func TestFormatDate(t *testing.T) {
	words := func(args ...string) []*ast.Word {
		out := make([]*ast.Word, len(args))
		for i, a := range args {
			out[i] = ast.NewWord(a)
		}
		return out
	}

	got, sourceEpoch, err := formatDate(words("+%s"), 1700000000)
	if err != nil || !sourceEpoch || got != "1700000000" {
		t.Fatalf("formatDate(+%%s) = %q, %v, %v", got, sourceEpoch, err)
	}

	got, _, err = formatDate(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Thu Jan  1 00:00:00 UTC 1970"; got != want {
		t.Fatalf("formatDate() = %q, want %q", got, want)
	}

	if _, _, err := formatDate(words("-d", "tomorrow"), 0); err == nil {
		t.Fatal("formatDate(-d tomorrow) expected error")
	}
	dynamic := []*ast.Word{{Parts: []ast.WordPart{&ast.ParamExp{Name: "FMT"}}}}
	if _, _, err := formatDate(dynamic, 0); err == nil {
		t.Fatal("formatDate($FMT) expected error")
	}
}

func TestDecodeANSIC(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{`a\tb`, "a\tb", true},
		{`\x41\101`, "AA", true},
		{`it\'s`, "it's", true},
		{`\q`, `\q`, true},
		{`\x00`, "", false},
		{`\cA`, "", false},
	}
	for _, tt := range tests {
		got, ok := decodeANSIC(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("decodeANSIC(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRuleTable(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range Rules() {
		code := r.String()
		if code == "" || seen[code] {
			t.Fatalf("rule %d has code %q", int(r), code)
		}
		seen[code] = true
		back, ok := ParseRuleID(code)
		if !ok || back != r {
			t.Fatalf("ParseRuleID(%q) = %v, %v", code, back, ok)
		}
		if r.Summary() == "" || r.Suggestion() == "" {
			t.Fatalf("rule %s has no summary or suggestion", code)
		}
	}
	if got, want := RuleHomoglyph.Category(), Advisory; got != want {
		t.Fatalf("RuleHomoglyph.Category() = %v, want %v", got, want)
	}
}
