package remote

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSSHConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolverApply(t *testing.T) {
	r := loadResolver(writeSSHConfig(t, `
Host build
  HostName 10.0.0.5
  User ci
  Port 2222
  IdentityFile /keys/ci
`))

	got := r.apply(ConnectionParams{Host: "build"})
	want := ConnectionParams{Host: "10.0.0.5", User: "ci", Port: 2222, IdentityFile: "/keys/ci"}
	if got != want {
		t.Fatalf("apply() = %+v, want %+v", got, want)
	}

	got = r.apply(ConnectionParams{Host: "build", User: "admin", Port: 22, IdentityFile: "/mine"})
	want = ConnectionParams{Host: "10.0.0.5", User: "admin", Port: 22, IdentityFile: "/mine"}
	if got != want {
		t.Fatalf("apply() with explicit params = %+v, want %+v", got, want)
	}
}

func TestResolverUnknownAliasAndMissingFile(t *testing.T) {
	in := ConnectionParams{Host: "other"}
	r := loadResolver(writeSSHConfig(t, "Host build\n  HostName 10.0.0.5\n"))
	if got := r.apply(in); got != in {
		t.Fatalf("apply(unknown) = %+v, want unchanged", got)
	}
	if got := loadResolver(filepath.Join(t.TempDir(), "none")).apply(in); got != in {
		t.Fatalf("apply() without config = %+v, want unchanged", got)
	}
}

func TestManagerUsesSSHConfig(t *testing.T) {
	path := writeSSHConfig(t, "Host db\n  HostName db.internal\n  User postgres\n")
	d := &fakeDialer{client: &fakeClient{}}
	m := NewManager(d, WithSSHConfig(path))
	if err := m.Connect(t.Context(), ConnectionParams{Host: "db"}); err != nil {
		t.Fatal(err)
	}
	if got, want := d.params[0], (ConnectionParams{Host: "db.internal", User: "postgres", Port: 22}); got != want {
		t.Fatalf("dial params = %+v, want %+v", got, want)
	}
	if _, err := m.Resolve("db"); err != nil {
		t.Fatalf("connection not stored under alias: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/u")
	if got, want := expandHome("~/.ssh/id"), "/home/u/.ssh/id"; got != want {
		t.Fatalf("expandHome() = %q, want %q", got, want)
	}
	if got, want := expandHome("/abs"), "/abs"; got != want {
		t.Fatalf("expandHome() = %q, want %q", got, want)
	}
}
