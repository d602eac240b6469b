package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/jonchun/shellpure/ir"
	"github.com/jonchun/shellpure/manifest"
	"github.com/jonchun/shellpure/parser"
	"github.com/jonchun/shellpure/purifier"
)

func testRegistry(t *testing.T) manifest.Registry {
	t.Helper()
	registry, err := manifest.LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded() error = %v", err)
	}
	return registry
}

func programOf(t *testing.T, src string) *ir.Program {
	t.Helper()
	script, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", src, err)
	}
	return ir.New(script)
}

func validateSrc(t *testing.T, src string) error {
	t.Helper()
	return ValidateProgram(programOf(t, src), testRegistry(t), Options{})
}

func requireViolation(t *testing.T, src, contains string) {
	t.Helper()
	err := validateSrc(t, src)
	if err == nil {
		t.Fatalf("validate %q: expected error containing %q", src, contains)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("validate %q: error = %T, want *ValidationError", src, err)
	}
	if !strings.Contains(ve.Message, contains) {
		t.Fatalf("validate %q: Message = %q, want substring %q", src, ve.Message, contains)
	}
}

func TestAllowsPurifiedForms(t *testing.T) {
	for _, src := range []string{
		"mkdir -p /tmp/x\n",
		"rm -rf \"$dir\"\n",
		"ln -sf a b\n",
		"id -u alice >/dev/null 2>&1 || useradd -m alice\n",
		"getent group ops >/dev/null 2>&1 || sudo groupadd ops\n",
		"test -d /opt/src >/dev/null 2>&1 || git clone --depth 1 https://example.com/src.git /opt/src\n",
		"echo \"hello world\" | wc -c\n",
		"ls /tmp\n",
	} {
		if err := validateSrc(t, src); err != nil {
			t.Fatalf("validate %q: %v", src, err)
		}
	}
}

func TestRejectsMissingIdempotentFlag(t *testing.T) {
	requireViolation(t, "mkdir /tmp/x\n", "missing its idempotent flag -p")
	requireViolation(t, "sudo rm /tmp/x\n", "Command 'rm'")
}

func TestRejectsUnguardedCommand(t *testing.T) {
	requireViolation(t, "useradd -m alice\n", "not guarded by 'id -u {target}'")
	requireViolation(t, "id -u bob >/dev/null 2>&1 || useradd -m alice\n", "not guarded")
}

func TestRejectsNonIdempotentCommand(t *testing.T) {
	requireViolation(t, "mv a b\n", "is not available")
}

func TestRejectsClockAndEntropy(t *testing.T) {
	requireViolation(t, "date\n", "reads the clock")
	requireViolation(t, "x=\"$RANDOM\"\n", "'$RANDOM' changes between runs")
}

func TestRejectsUnquotedExpansions(t *testing.T) {
	requireViolation(t, "echo $HOME\n", "Unquoted expansion '$HOME' in argument")
	requireViolation(t, "echo hi >$LOG\n", "redirection target")
	requireViolation(t, "echo $(pwd)\n", "Unquoted command substitution")
}

func TestBareSpecials(t *testing.T) {
	prog := programOf(t, "exit $?\n")
	if err := ValidateProgram(prog, testRegistry(t), Options{}); err == nil {
		t.Fatal("expected error for bare $? under strict quoting")
	}
	if err := ValidateProgram(prog, testRegistry(t), Options{AllowBareSpecials: true}); err != nil {
		t.Fatalf("validate with AllowBareSpecials: %v", err)
	}
}

func TestRejectsNonPOSIX(t *testing.T) {
	requireViolation(t, "cat <(ls)\n", "process substitution is not POSIX sh")
}

func TestRejectsMissingFlagValue(t *testing.T) {
	requireViolation(t, "mkdir -p -m\n", "Flag '-m' of 'mkdir' requires a value.")
}

func TestBestEffortSkipsRecordedUnsafe(t *testing.T) {
	prog := programOf(t, "mv a b\n")
	prog.BestEffort = true
	if err := ValidateProgram(prog, testRegistry(t), Options{}); err != nil {
		t.Fatalf("validate best-effort: %v", err)
	}
}

func TestCheckListsViolationsInOrder(t *testing.T) {
	errs := Check(programOf(t, "mkdir /a\necho $x\nmv b c\n"), testRegistry(t), Options{})
	if got, want := len(errs), 3; got != want {
		t.Fatalf("len(errs) = %d, want %d: %v", got, want, errs)
	}
	for i := 1; i < len(errs); i++ {
		if errs[i].Span.Start.Line < errs[i-1].Span.Start.Line {
			t.Fatalf("violations out of order: %v", errs)
		}
	}
	if got, want := errs[0].Span.Start.Line, 1; got != want {
		t.Fatalf("errs[0] line = %d, want %d", got, want)
	}
}

func TestPurifierOutputValidates(t *testing.T) {
	src := "mkdir /opt/app\nrm $OLD\nln -s /opt/app/v1 /opt/app/current\nuseradd -m deploy\ncp $f /tmp/\n"
	script, err := parser.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	opts := purifier.DefaultOptions()
	opts.InjectPermissionChecks = true
	prog, _, err := purifier.Purify(script, opts)
	if err != nil {
		t.Fatalf("Purify error = %v", err)
	}
	if errs := Check(prog, testRegistry(t), Options{}); len(errs) > 0 {
		t.Fatalf("purified program has violations: %v", errs)
	}
}
