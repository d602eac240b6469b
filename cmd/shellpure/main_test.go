package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/config"
	"github.com/jonchun/shellpure/report"
)

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var stdout, stderr bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := newRootCmd(logger, strings.NewReader(stdin), &stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if got, want := out, "shellpure dev\n"; got != want {
		t.Fatalf("version = %q, want %q", got, want)
	}
}

func TestPurifyStdin(t *testing.T) {
	out, _, err := execute(t, "mkdir /opt/app\nrm $USER\n", "purify", "-")
	if err != nil {
		t.Fatalf("purify error = %v", err)
	}
	if got, want := out, "#!/bin/sh\nmkdir -p /opt/app\nrm -f \"$USER\"\n"; got != want {
		t.Fatalf("purify = %q, want %q", got, want)
	}
}

func TestPurifyPolicyFlags(t *testing.T) {
	_, stderr, err := execute(t, "x=$RANDOM\n", "purify", "-")
	if err == nil {
		t.Fatal("expected error for $RANDOM under reject")
	}
	if !strings.Contains(stderr, "DET001") {
		t.Fatalf("stderr = %q, want DET001", stderr)
	}

	out, _, err := execute(t, "x=$RANDOM\n", "purify", "--determinism", "substitute", "-")
	if err != nil {
		t.Fatalf("purify error = %v", err)
	}
	if got, want := out, "#!/bin/sh\nx=42\n"; got != want {
		t.Fatalf("purify = %q, want %q", got, want)
	}

	if _, _, err := execute(t, "echo hi\n", "purify", "--quote", "loose", "-"); err == nil {
		t.Fatal("expected error for unknown quote policy")
	}
}

func TestPurifyWriteSkipsExcluded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scripts", "a.sh"), "rm $USER\n")
	writeFile(t, filepath.Join(dir, "scripts", "vendor", "b.sh"), "mkdir x\n")
	writeFile(t, filepath.Join(dir, "scripts", "notes.txt"), "mkdir y\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "exclude:\n  - 'vendor/**'\n  - vendor\n")

	if _, stderr, err := execute(t, "", "--config", cfgPath, "purify", "-w", filepath.Join(dir, "scripts")); err != nil {
		t.Fatalf("purify -w error = %v, stderr = %s", err, stderr)
	}
	if got, want := readFile(t, filepath.Join(dir, "scripts", "a.sh")), "#!/bin/sh\nrm -f \"$USER\"\n"; got != want {
		t.Fatalf("a.sh = %q, want %q", got, want)
	}
	if got, want := readFile(t, filepath.Join(dir, "scripts", "vendor", "b.sh")), "mkdir x\n"; got != want {
		t.Fatalf("excluded b.sh = %q, want %q", got, want)
	}
	if got, want := readFile(t, filepath.Join(dir, "scripts", "notes.txt")), "mkdir y\n"; got != want {
		t.Fatalf("notes.txt = %q, want %q", got, want)
	}
}

func TestPurifyParseErrorShowsCaret(t *testing.T) {
	_, stderr, err := execute(t, "echo ok\ndone\n", "purify", "-")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(stderr, "PARSE001") {
		t.Fatalf("stderr = %q, want PARSE001", stderr)
	}
	if !strings.Contains(stderr, "done\n^") {
		t.Fatalf("stderr = %q, want a caret line", stderr)
	}
}

func TestPurifyMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.sh")
	b := filepath.Join(dir, "b.sh")
	writeFile(t, a, "mkdir /a\n")
	writeFile(t, b, "mkdir /b\n")

	out, _, err := execute(t, "", "purify", a, b)
	if err != nil {
		t.Fatalf("purify error = %v", err)
	}
	want := "==> " + a + " <==\n#!/bin/sh\nmkdir -p /a\n==> " + b + " <==\n#!/bin/sh\nmkdir -p /b\n"
	if out != want {
		t.Fatalf("purify = %q, want %q", out, want)
	}
}

func TestPurifyJSON(t *testing.T) {
	src := "mkdir /opt/app\n"
	out, _, err := execute(t, src, "purify", "--json", "-")
	if err != nil {
		t.Fatalf("purify error = %v", err)
	}
	var results []jsonResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got, want := len(results), 1; got != want {
		t.Fatalf("results = %d, want %d", got, want)
	}
	if got, want := results[0].Name, stdinName; got != want {
		t.Fatalf("Name = %q, want %q", got, want)
	}
	if got, want := results[0].Report.ID, report.ID(src); got != want {
		t.Fatalf("report id = %q, want %q", got, want)
	}
	if got, want := results[0].Purified, "#!/bin/sh\nmkdir -p /opt/app\n"; got != want {
		t.Fatalf("Purified = %q, want %q", got, want)
	}
}

func TestLintListsWarnings(t *testing.T) {
	_, stderr, err := execute(t, "x=$RANDOM\nmkdir /opt/app\n", "lint", "-")
	if err != nil {
		t.Fatalf("lint error = %v, stderr = %s", err, stderr)
	}
	if !strings.Contains(stderr, "<stdin>:1:") || !strings.Contains(stderr, "warning DET001") {
		t.Fatalf("stderr = %q, want a DET001 warning on line 1", stderr)
	}
	if !strings.Contains(stderr, "IDEM001") {
		t.Fatalf("stderr = %q, want the mkdir fix", stderr)
	}
}

func TestVerifyPrintsTheorems(t *testing.T) {
	out, _, err := execute(t, "mkdir /tmp/app\ntouch /tmp/app/ready\n", "verify", "-")
	if err != nil {
		t.Fatalf("verify error = %v", err)
	}
	if !strings.Contains(out, "<stdin>: idempotency/user holds") {
		t.Fatalf("verify output = %q", out)
	}
	if strings.Contains(out, "FAILED") {
		t.Fatalf("verify output has failures: %q", out)
	}
}

func TestMissingFile(t *testing.T) {
	if _, _, err := execute(t, "", "purify", filepath.Join(t.TempDir(), "missing.sh")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCollectSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.sh"), "a\n")
	writeFile(t, filepath.Join(dir, "build", "gen.sh"), "gen\n")
	writeFile(t, filepath.Join(dir, "lib", "c.sh"), "c\n")
	writeFile(t, filepath.Join(dir, "lib", "c.bak"), "bak\n")

	cfg := config.Config{Exclude: []string{"build"}}
	excl, err := cfg.Excluder()
	if err != nil {
		t.Fatal(err)
	}
	sources, err := collectSources([]string{dir, "-"}, strings.NewReader("stdin\n"), excl)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range sources {
		names = append(names, s.Name)
	}
	want := []string{filepath.Join(dir, "a.sh"), filepath.Join(dir, "lib", "c.sh"), stdinName}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("sources = %v, want %v", names, want)
	}
	if got, want := sources[2].Text, "stdin\n"; got != want {
		t.Fatalf("stdin text = %q, want %q", got, want)
	}
}

func waitForFile(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil && string(data) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s = %q (err %v), want %q", path, data, err, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchRepurifiesOnChange(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	writeFile(t, filepath.Join(src, "a.sh"), "mkdir /a\n")

	a := &app{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdout: io.Discard,
		stderr: io.Discard,
	}
	w, err := newWatcher(a, shellpure.DefaultOptions(), src, out, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run error = %v", err)
		}
	}()

	select {
	case <-w.ready:
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never became ready")
	}
	waitForFile(t, filepath.Join(out, "a.sh"), "#!/bin/sh\nmkdir -p /a\n")

	writeFile(t, filepath.Join(src, "a.sh"), "mkdir /b\n")
	waitForFile(t, filepath.Join(out, "a.sh"), "#!/bin/sh\nmkdir -p /b\n")

	writeFile(t, filepath.Join(src, "new.sh"), "rm $USER\n")
	waitForFile(t, filepath.Join(out, "new.sh"), "#!/bin/sh\nrm -f \"$USER\"\n")
}
