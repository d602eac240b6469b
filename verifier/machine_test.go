package verifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/parser"
)

func parse(t *testing.T, src string) *ast.Script {
	t.Helper()
	script, err := parser.Parse(src)
	require.NoError(t, err)
	return script
}

func stmt(t *testing.T, src string) ast.Stmt {
	t.Helper()
	script := parse(t, src)
	require.Len(t, script.Stmts, 1)
	return script.Stmts[0]
}

func userState() State { return DefaultStates()[0].State }
func rootState() State { return DefaultStates()[1].State }

func TestMkdirParentsIsFixedPoint(t *testing.T) {
	s := userState()
	once := Step(stmt(t, "mkdir -p /tmp/a/b"), s)
	require.Equal(t, 0, once.ExitCode)
	require.Equal(t, Directory{Mode: 0o755, UID: 1000, GID: 1000}, once.FS["/tmp/a"])
	require.Equal(t, Directory{Mode: 0o755, UID: 1000, GID: 1000}, once.FS["/tmp/a/b"])

	require.True(t, Idempotent(stmt(t, "mkdir -p /tmp/a/b"), s))
	require.False(t, Idempotent(stmt(t, "mkdir /tmp/a"), s))
}

func TestMkdirPermissionDenied(t *testing.T) {
	s := userState()
	got := Run(parse(t, "mkdir -p /opt/app"), s)

	require.Equal(t, 1, got.ExitCode)
	require.Len(t, got.Stderr, 1)
	require.Contains(t, got.Stderr[0], "Permission denied")
	require.Equal(t, s.FS, got.FS)

	root := Run(parse(t, "mkdir -p /opt/app"), rootState())
	require.Equal(t, 0, root.ExitCode)
	require.Contains(t, root.FS, "/opt/app")
}

func TestStepDoesNotModifyInput(t *testing.T) {
	s := userState()
	before := s.Clone()
	_ = Step(stmt(t, "touch /tmp/x"), s)
	require.True(t, Equal(before, s))
	require.NotContains(t, s.FS, "/tmp/x")
}

func TestDivisionByZero(t *testing.T) {
	got := Run(parse(t, "x=$((1/0))"), userState())

	require.Equal(t, 1, got.ExitCode)
	require.Len(t, got.Stderr, 1)
	require.Contains(t, got.Stderr[0], "division by zero")
	require.NotContains(t, got.Env, "x")
}

func TestDivisionByZeroLeavesEarlierAssignmentsUnset(t *testing.T) {
	s := userState()
	s.Env["z"] = "1"
	got := Run(parse(t, "x=$(( (y=5) + (z=7) + 1/0 ))"), s)

	require.Equal(t, 1, got.ExitCode)
	require.NotContains(t, got.Env, "x")
	require.NotContains(t, got.Env, "y")
	require.Equal(t, "1", got.Env["z"])

	ok := Run(parse(t, "x=$(( (y=5) + 1 ))"), userState())
	require.Equal(t, 0, ok.ExitCode)
	require.Equal(t, "5", ok.Env["y"])
	require.Equal(t, "6", ok.Env["x"])
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"1 + 2 * 3", "7"},
		{"(1 + 2) * 3", "9"},
		{"10 % 4 - 1", "1"},
		{"2 < 3 && 3 >= 3", "1"},
		{"0 || 0", "0"},
		{"0 && 1 / 0", "0"},
		{"n * 2", "10"},
		{"$n + 1", "6"},
		{"-n", "-5"},
		{"n > 4 ? 100 : 200", "100"},
		{"0x10 + 010", "24"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s := userState()
			s.Env["n"] = "5"
			got := Run(parse(t, `echo "$(( `+tt.expr+` ))"`), s)
			require.Equal(t, 0, got.ExitCode, got.Stderr)
			require.Equal(t, []string{tt.want}, got.Stdout)
		})
	}
}

func TestArithmeticAssignment(t *testing.T) {
	got := Run(parse(t, "n=1\n: $((n += 4))\necho \"$n\""), userState())
	require.Equal(t, []string{"5"}, got.Stdout)
}

func TestDeterminism(t *testing.T) {
	s := userState()
	require.True(t, Deterministic(stmt(t, "x=42"), s))
	require.False(t, Deterministic(stmt(t, "x=$RANDOM"), s))
	require.False(t, Deterministic(stmt(t, `echo "$$"`), s))
	require.False(t, Deterministic(stmt(t, "date"), s))
}

func TestMachineDiffShowsCounterexample(t *testing.T) {
	m := NewMachine(7)
	ok, d := m.Deterministic(stmt(t, "x=$RANDOM"), userState())
	require.False(t, ok)
	require.Contains(t, d, "Env")
}

func TestRemove(t *testing.T) {
	s := userState()
	s.FS["/tmp/f"] = File{Mode: 0o644, UID: 1000, GID: 1000}
	require.True(t, Idempotent(stmt(t, "rm -f /tmp/f"), s))
	require.False(t, Idempotent(stmt(t, "rm /tmp/f"), s))

	s.FS["/tmp/d"] = Directory{Mode: 0o755, UID: 1000, GID: 1000}
	s.FS["/tmp/d/f"] = File{Content: "x\n", Mode: 0o644, UID: 1000, GID: 1000}
	got := Run(parse(t, "rm /tmp/d"), s)
	require.Equal(t, 1, got.ExitCode)
	require.Contains(t, got.Stderr[0], "Is a directory")

	got = Run(parse(t, "rm -rf /tmp/d"), s)
	require.Equal(t, 0, got.ExitCode)
	require.NotContains(t, got.FS, "/tmp/d")
	require.NotContains(t, got.FS, "/tmp/d/f")
}

func TestStickyDirectory(t *testing.T) {
	s := userState()
	s.FS["/tmp/rootfile"] = File{Mode: 0o666}

	got := Run(parse(t, "rm -f /tmp/rootfile"), s)
	require.Equal(t, 1, got.ExitCode)
	require.Contains(t, got.Stderr[0], "Permission denied")
	require.Contains(t, got.FS, "/tmp/rootfile")
}

func TestSymlinks(t *testing.T) {
	s := userState()
	s.FS["/tmp/a.txt"] = File{Content: "hello\n", Mode: 0o644, UID: 1000, GID: 1000}

	got := Run(parse(t, "ln -s /tmp/a.txt /tmp/b.txt\ncat /tmp/b.txt"), s)
	require.Equal(t, 0, got.ExitCode)
	require.Equal(t, Symlink{Target: "/tmp/a.txt", UID: 1000, GID: 1000}, got.FS["/tmp/b.txt"])
	require.Equal(t, []string{"hello"}, got.Stdout)

	require.False(t, Idempotent(stmt(t, "ln -s /tmp/a.txt /tmp/b.txt"), s))
	require.True(t, Idempotent(stmt(t, "ln -sf /tmp/a.txt /tmp/b.txt"), s))
}

func TestAccounts(t *testing.T) {
	s := rootState()
	guarded := stmt(t, "id -u deploy >/dev/null 2>&1 || useradd deploy")

	got := Step(guarded, s)
	require.Equal(t, 0, got.ExitCode)
	require.Equal(t, uint32(1001), got.Users["deploy"])
	require.Empty(t, got.Stdout)
	require.Empty(t, got.Stderr)

	require.True(t, Idempotent(guarded, s))
	require.False(t, Idempotent(stmt(t, "useradd deploy"), s))
	require.True(t, Idempotent(stmt(t, "getent group ops >/dev/null 2>&1 || groupadd ops"), s))

	denied := Step(stmt(t, "useradd deploy"), userState())
	require.Equal(t, 1, denied.ExitCode)
	require.Contains(t, denied.Stderr[0], "Permission denied")
}

func TestGitCloneGuard(t *testing.T) {
	s := userState()
	guarded := stmt(t, "test -d /tmp/repo >/dev/null 2>&1 || git clone https://example.com/repo.git /tmp/repo")
	got := Step(guarded, s)
	require.Equal(t, 0, got.ExitCode)
	require.Contains(t, got.FS, "/tmp/repo/.git")
	require.True(t, Idempotent(guarded, s))

	again := Step(stmt(t, "git clone https://example.com/repo.git /tmp/repo"), got)
	require.Equal(t, 128, again.ExitCode)
}

func TestPermissionGuardExits(t *testing.T) {
	src := `[ -w "$(dirname /opt/app)" ] || { echo "shellpure: cannot write to $(dirname /opt/app)" >&2; exit 1; }
mkdir -p /opt/app
`
	s := userState()
	got := Run(parse(t, src), s)
	require.True(t, got.Exited)
	require.Equal(t, 1, got.ExitCode)
	require.Equal(t, []string{"shellpure: cannot write to /opt"}, got.Stderr)
	require.Equal(t, s.FS, got.FS)

	root := Run(parse(t, src), rootState())
	require.False(t, root.Exited)
	require.Equal(t, 0, root.ExitCode)
	require.Contains(t, root.FS, "/opt/app")
}

func TestPipeline(t *testing.T) {
	got := Run(parse(t, `echo "hello world" | wc -c`), userState())
	require.Equal(t, []string{"12"}, got.Stdout)
}

func TestRedirects(t *testing.T) {
	s := userState()
	got := Run(parse(t, "echo one > /tmp/f\necho two >> /tmp/f\ncat /tmp/f\necho hidden >/dev/null\necho oops >&2"), s)
	require.Equal(t, []string{"one", "two"}, got.Stdout)
	require.Equal(t, []string{"oops"}, got.Stderr)
	f, ok := got.FS["/tmp/f"].(File)
	require.True(t, ok)
	require.Equal(t, "one\ntwo\n", f.Content)

	require.True(t, Idempotent(stmt(t, "echo one > /tmp/f"), s))
	require.False(t, Idempotent(stmt(t, "echo two >> /tmp/f"), s))

	denied := Run(parse(t, "echo x > /etc/motd"), s)
	require.Equal(t, 1, denied.ExitCode)
	require.Contains(t, denied.Stderr[0], "Permission denied")
}

func TestControlFlow(t *testing.T) {
	src := `f() { echo "in $1"; return 3; }
f a
echo $?
for i in 1 2 3; do
  if [ "$i" = 2 ]; then
    continue
  fi
  echo "$i"
done
n=0
while [ "$n" -lt 3 ]; do
  n=$((n + 1))
done
echo "$n"
case "$n" in
  1 | 2)
    echo small
    ;;
  *)
    echo big
    ;;
esac
(cd /tmp; x=inner)
echo "${x:-unset} $PWD"
`
	got := Run(parse(t, src), userState())
	require.Equal(t, []string{"in a", "3", "1", "3", "3", "big", "unset /home/user"}, got.Stdout)
	require.Equal(t, 0, got.ExitCode)
}

func TestLoopBound(t *testing.T) {
	m := NewMachine(DefaultSeed)
	m.MaxLoopIterations = 10
	got := m.Run(parse(t, "while true; do :; done"), userState())
	require.Equal(t, 1, got.ExitCode)
	require.Contains(t, got.Stderr[0], "loop iteration limit")
}

func TestCommandSubstitutionAndHereDoc(t *testing.T) {
	src := "d=$(dirname /opt/app/bin)\ncat <<EOF\ndir=$d\nEOF\ncat <<'EOF'\nraw=$d\nEOF\n"
	got := Run(parse(t, src), userState())
	require.Equal(t, []string{"dir=/opt/app", "raw=$d"}, got.Stdout)
}

func TestTest(t *testing.T) {
	tests := []struct {
		expr string
		want int
	}{
		{"[ -d /tmp ]", 0},
		{"[ -f /tmp ]", 1},
		{"[ -w /tmp ]", 0},
		{"[ -w /opt ]", 1},
		{"[ -e /nope ]", 1},
		{"[ ! -e /nope ]", 0},
		{"[ a = a ]", 0},
		{"[ a != a ]", 1},
		{"[ 3 -gt 2 ]", 0},
		{"[ -n '' ]", 1},
		{"[ -z '' ]", 0},
		{"[ -d /tmp -a -d /opt ]", 0},
		{"[ -d /nope -o -d /opt ]", 0},
		{"[ x -gt 1 ]", 2},
		{"[ -d /tmp", 2},
		{"test -d /home/user", 0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := Run(parse(t, tt.expr), userState())
			require.Equal(t, tt.want, got.ExitCode, got.Stderr)
		})
	}
}

func TestParameterModifiers(t *testing.T) {
	s := userState()
	s.Env["f"] = "/opt/app/archive.tar.gz"
	s.Env["empty"] = ""
	tests := []struct {
		word string
		want string
	}{
		{"${unset:-fallback}", "fallback"},
		{"${empty:-fallback}", "fallback"},
		{"${empty-fallback}", ""},
		{"${f:+set}", "set"},
		{"${#f}", "23"},
		{"${f##*/}", "archive.tar.gz"},
		{"${f#*/}", "opt/app/archive.tar.gz"},
		{"${f%.*}", "/opt/app/archive.tar"},
		{"${f%%.*}", "/opt/app/archive"},
	}
	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			got := Run(parse(t, `echo "`+tt.word+`"`), s)
			require.Equal(t, []string{tt.want}, got.Stdout)
		})
	}

	got := Run(parse(t, `: "${missing:?is required}"`), s)
	require.Equal(t, 1, got.ExitCode)
	require.Contains(t, got.Stderr[0], "missing: is required")
}

func TestFieldSplitting(t *testing.T) {
	s := userState()
	s.Env["v"] = "a  b"
	got := Run(parse(t, "for w in $v; do echo \"[$w]\"; done\nfor w in \"$v\"; do echo \"[$w]\"; done"), s)
	require.Equal(t, []string{"[a]", "[b]", "[a  b]"}, got.Stdout)
}

func TestCanWrite(t *testing.T) {
	s := userState()
	require.True(t, s.CanWrite("/tmp"))
	require.True(t, s.CanWrite("/home/user"))
	require.False(t, s.CanWrite("/opt"))
	require.False(t, s.CanWrite("/missing"))

	r := rootState()
	require.True(t, r.CanWrite("/opt"))
}

func TestSourceRunsScriptFromFilesystem(t *testing.T) {
	s := userState()
	s.FS["/tmp/lib.sh"] = File{Content: "greet() { echo \"hi $1\"; }\n", Mode: 0o644, UID: 1000, GID: 1000}
	got := Run(parse(t, ". /tmp/lib.sh\ngreet there"), s)
	require.Equal(t, []string{"hi there"}, got.Stdout)
}

func TestUnknownCommandsSucceed(t *testing.T) {
	s := userState()
	got := Run(parse(t, "frobnicate --all"), s)
	require.Equal(t, 0, got.ExitCode)
	require.True(t, EffectEqual(s, got))
}
