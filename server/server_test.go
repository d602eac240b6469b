package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/remote"
	"github.com/jonchun/shellpure/report"
)

type fakeRunner struct {
	mu            sync.Mutex
	connectErr    error
	connected     map[string]bool
	scripts       map[string]string
	readErr       error
	syntax        remote.SyntaxResult
	syntaxErr     error
	checkedScript string
	disconnected  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		connected: make(map[string]bool),
		scripts:   make(map[string]string),
		syntax:    remote.SyntaxResult{OK: true},
	}
}

func (f *fakeRunner) Connect(_ context.Context, p remote.ConnectionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected[p.Host] = true
	return nil
}

func (f *fakeRunner) Disconnect(host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, host)
	if host == "" {
		clear(f.connected)
		return nil
	}
	delete(f.connected, host)
	return nil
}

func (f *fakeRunner) ReadScript(_ context.Context, host, path string, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return "", f.readErr
	}
	src, ok := f.scripts[host+":"+path]
	if !ok {
		return "", &remote.ScriptError{Path: path, Message: "not found"}
	}
	return src, nil
}

func (f *fakeRunner) CheckSyntax(_ context.Context, _ string, script string, _ time.Duration) (remote.SyntaxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkedScript = script
	return f.syntax, f.syntaxErr
}

func hasRule(rep *report.Report, rule string) bool {
	for _, i := range rep.Issues {
		if i.RuleID == rule {
			return true
		}
	}
	return false
}

func TestPurifyScript(t *testing.T) {
	core := NewCore(nil, nil, nil)
	out, err := core.PurifyScript(context.Background(), PurifyInput{Script: "mkdir /opt/app\nrm $USER\n"})
	if err != nil {
		t.Fatalf("PurifyScript() error = %v", err)
	}
	if got, want := out.Purified, "#!/bin/sh\nmkdir -p /opt/app\nrm -f \"$USER\"\n"; got != want {
		t.Fatalf("Purified = %q, want %q", got, want)
	}
	if out.Report.HasErrors() {
		t.Fatalf("unexpected errors: %+v", out.Report.Issues)
	}
	if got, want := out.Report.ID, report.ID("mkdir /opt/app\nrm $USER\n"); got != want {
		t.Fatalf("Report.ID = %q, want %q", got, want)
	}
	if !hasRule(out.Report, "SEC001") {
		t.Fatalf("report missing SEC001: %+v", out.Report.Issues)
	}
}

func TestPurifyScriptPolicies(t *testing.T) {
	core := NewCore(nil, nil, nil)
	ctx := context.Background()

	out, err := core.PurifyScript(ctx, PurifyInput{Script: "x=$RANDOM\n"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Purified != "" || !out.Report.HasErrors() || !hasRule(out.Report, "DET001") {
		t.Fatalf("reject policy output = %+v", out)
	}

	out, err = core.PurifyScript(ctx, PurifyInput{Script: "x=$RANDOM\n", PolicyInput: PolicyInput{DeterminismPolicy: "substitute"}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := out.Purified, "#!/bin/sh\nx=42\n"; got != want {
		t.Fatalf("Purified = %q, want %q", got, want)
	}

	out, err = core.PurifyScript(ctx, PurifyInput{Script: "x=$RANDOM\n", PolicyInput: PolicyInput{OnUnsafe: "warn"}})
	if err != nil {
		t.Fatal(err)
	}
	if !out.BestEffort || !strings.Contains(out.Purified, "best-effort") {
		t.Fatalf("warn policy output = %+v", out)
	}

	if _, err := core.PurifyScript(ctx, PurifyInput{Script: "true\n", PolicyInput: PolicyInput{QuotePolicy: "loose"}}); err == nil {
		t.Fatal("expected error for unknown quote policy")
	}
}

func TestPurifyScriptRejectsEmpty(t *testing.T) {
	core := NewCore(nil, nil, nil)
	if _, err := core.PurifyScript(context.Background(), PurifyInput{Script: "  \n"}); err == nil {
		t.Fatal("expected error for empty script")
	}
}

func TestPurifyScriptParseError(t *testing.T) {
	core := NewCore(nil, nil, nil)
	out, err := core.PurifyScript(context.Background(), PurifyInput{Script: "if true; then\n"})
	if err != nil {
		t.Fatal(err)
	}
	if !hasRule(out.Report, report.RuleParse) || out.Purified != "" {
		t.Fatalf("output = %+v", out)
	}
}

func TestPurifyScriptStopsBeforeEmitOnParseError(t *testing.T) {
	core := NewCore(nil, nil, nil)
	core.Parse = func(string) (*ast.Script, error) { return nil, errors.New("boom") }
	var order []string
	core.Truncate = func(s string, _ int) (string, bool) {
		order = append(order, "truncate")
		return s, false
	}
	out, err := core.PurifyScript(context.Background(), PurifyInput{Script: "echo hi\n"})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 0 {
		t.Fatalf("pipeline continued after parse error: %v", order)
	}
	if !hasRule(out.Report, report.RuleInternal) {
		t.Fatalf("report = %+v, want %s", out.Report.Issues, report.RuleInternal)
	}
}

func TestPurifyScriptTruncatesOutput(t *testing.T) {
	core := NewCore(nil, nil, nil, WithMaxOutputBytes(80))
	src := strings.Repeat("echo some-fairly-long-line-of-output\n", 20)
	out, err := core.PurifyScript(context.Background(), PurifyInput{Script: src})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Truncated || len(out.Purified) != 80 || !strings.Contains(out.Purified, "TRUNCATED") {
		t.Fatalf("output = %q (truncated=%v)", out.Purified, out.Truncated)
	}
}

func TestLint(t *testing.T) {
	core := NewCore(nil, nil, nil)
	rep, err := core.Lint(context.Background(), LintInput{Script: "x=$RANDOM\nmkdir /opt/app\n"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.HasErrors() {
		t.Fatalf("lint should list unsafe constructs as warnings: %+v", rep.Issues)
	}
	if !hasRule(rep, "DET001") {
		t.Fatalf("lint report missing DET001: %+v", rep.Issues)
	}
	if got, want := rep.LineCount, 2; got != want {
		t.Fatalf("LineCount = %d, want %d", got, want)
	}

	rep, err = core.Lint(context.Background(), LintInput{Script: "echo 'open\n"})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.HasErrors() {
		t.Fatalf("lint of unterminated quote should report an error: %+v", rep.Issues)
	}
}

func TestVerifyScript(t *testing.T) {
	core := NewCore(nil, nil, nil)
	out, err := core.VerifyScript(context.Background(), VerifyInput{Script: "mkdir /tmp/app\ntouch /tmp/app/ready\n"})
	if err != nil {
		t.Fatalf("VerifyScript() error = %v", err)
	}
	if !out.OK {
		t.Fatalf("VerifyScript() failed theorems: %+v", out.Failed())
	}
	if len(out.Theorems) == 0 {
		t.Fatal("expected theorems in result")
	}

	if _, err := core.VerifyScript(context.Background(), VerifyInput{Script: "x=$RANDOM\n"}); err == nil {
		t.Fatal("expected purification error")
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	runner := newFakeRunner()
	core := NewCore(nil, runner, nil)
	ctx := context.Background()

	if _, err := core.Connect(ctx, ConnectInput{}); err == nil {
		t.Fatal("expected error for empty host")
	}
	if _, err := core.Connect(ctx, ConnectInput{Host: "web1"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !core.isConnected("web1") {
		t.Fatal("web1 should be tracked as connected")
	}
	if _, err := core.Disconnect(DisconnectInput{}); err != nil {
		t.Fatal(err)
	}
	if core.isConnected("web1") {
		t.Fatal("web1 should be cleared after disconnect")
	}
	if got, want := runner.disconnected, []string{""}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("disconnected = %v, want %v", got, want)
	}
}

func TestConnectFailureIsNotTracked(t *testing.T) {
	runner := newFakeRunner()
	runner.connectErr = errors.New("connection refused")
	core := NewCore(nil, runner, nil)
	if _, err := core.Connect(context.Background(), ConnectInput{Host: "h"}); err == nil {
		t.Fatal("expected connect error")
	}
	if core.isConnected("h") {
		t.Fatal("failed host must not be tracked")
	}
}

func TestPurifyRemote(t *testing.T) {
	runner := newFakeRunner()
	runner.scripts["build:/srv/deploy.sh"] = "rm /tmp/stale\nln -s /srv/app /srv/current\n"
	core := NewCore(nil, runner, nil)
	ctx := context.Background()

	if _, err := core.PurifyRemote(ctx, PurifyRemoteInput{Path: "/srv/deploy.sh"}); err == nil {
		t.Fatal("expected error when not connected")
	}
	if _, err := core.Connect(ctx, ConnectInput{Host: "build"}); err != nil {
		t.Fatal(err)
	}

	out, err := core.PurifyRemote(ctx, PurifyRemoteInput{Path: "/srv/deploy.sh", CheckSyntax: true})
	if err != nil {
		t.Fatalf("PurifyRemote() error = %v", err)
	}
	if got, want := out.Purified, "#!/bin/sh\nrm -f /tmp/stale\nln -sf /srv/app /srv/current\n"; got != want {
		t.Fatalf("Purified = %q, want %q", got, want)
	}
	if out.Host != "build" || out.SyntaxOK == nil || !*out.SyntaxOK {
		t.Fatalf("output = %+v", out)
	}
	if got, want := runner.checkedScript, out.Purified; got != want {
		t.Fatalf("checked script = %q, want %q", got, want)
	}

	if _, err := core.PurifyRemote(ctx, PurifyRemoteInput{Path: "/srv/missing.sh"}); err == nil {
		t.Fatal("expected read error")
	}
	if _, err := core.PurifyRemote(ctx, PurifyRemoteInput{Host: "other", Path: "/srv/deploy.sh"}); err == nil {
		t.Fatal("expected error for unknown host")
	}
}

func TestPurifyRemoteSyntaxFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.scripts["h:/s.sh"] = "echo hi\n"
	runner.syntax = remote.SyntaxResult{OK: false, Output: "sh: syntax error"}
	core := NewCore(nil, runner, nil)
	ctx := context.Background()
	if _, err := core.Connect(ctx, ConnectInput{Host: "h"}); err != nil {
		t.Fatal(err)
	}
	out, err := core.PurifyRemote(ctx, PurifyRemoteInput{Path: "/s.sh", CheckSyntax: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.SyntaxOK == nil || *out.SyntaxOK || out.SyntaxOutput != "sh: syntax error" {
		t.Fatalf("output = %+v", out)
	}
}

func TestRemoteToolsWithoutRunner(t *testing.T) {
	core := NewCore(nil, nil, nil)
	ctx := context.Background()
	if _, err := core.Connect(ctx, ConnectInput{Host: "h"}); err == nil {
		t.Fatal("Connect() without runner expected error")
	}
	if _, err := core.PurifyRemote(ctx, PurifyRemoteInput{Path: "/x"}); err == nil {
		t.Fatal("PurifyRemote() without runner expected error")
	}
	if _, err := core.Disconnect(DisconnectInput{}); err != nil {
		t.Fatalf("Disconnect() without runner error = %v", err)
	}
}

func TestResolveHost(t *testing.T) {
	core := NewCore(nil, newFakeRunner(), nil)
	ctx := context.Background()
	for _, h := range []string{"a", "b"} {
		if _, err := core.Connect(ctx, ConnectInput{Host: h}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := core.resolveHost(""); err == nil {
		t.Fatal("expected error with two connections and no host")
	}
	if got, err := core.resolveHost("b"); err != nil || got != "b" {
		t.Fatalf("resolveHost(b) = %q, %v", got, err)
	}
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	ctx := context.Background()
	core := NewCore(nil, newFakeRunner(), nil)
	s := NewMCPServer(core, nil)
	c := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	t1, t2 := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, t1, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer func() { _ = ss.Close() }()
	cs, err := c.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer func() { _ = cs.Close() }()

	found := map[string]*mcp.Tool{}
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			t.Fatalf("tools iterator error: %v", err)
		}
		found[tool.Name] = tool
	}
	for _, name := range []string{"purify", "lint", "verify", "connect", "disconnect", "purify_remote"} {
		if _, ok := found[name]; !ok {
			t.Fatalf("missing tool %q", name)
		}
	}
	if a := found["purify"].Annotations; a == nil || !a.ReadOnlyHint {
		t.Fatal("purify should be read-only")
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "purify",
		Arguments: map[string]any{"script": "mkdir /opt/app\n"},
	})
	if err != nil {
		t.Fatalf("CallTool(purify) error = %v", err)
	}
	if res.IsError {
		t.Fatalf("CallTool(purify) returned tool error: %+v", res.Content)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || !strings.Contains(text.Text, "mkdir -p /opt/app") {
		t.Fatalf("CallTool(purify) content = %+v", res.Content)
	}
}

func TestNewCoreNilLoggerUsesDiscard(t *testing.T) {
	core := NewCore(nil, newFakeRunner(), nil)
	if core.Logger() == nil {
		t.Fatal("expected discard logger, got nil")
	}
}

func TestPurifyLogsSuccess(t *testing.T) {
	var buf bytes.Buffer
	core := NewCore(nil, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
	if _, err := core.PurifyScript(context.Background(), PurifyInput{Script: "mkdir /a\n"}); err != nil {
		t.Fatal(err)
	}
	logged := buf.String()
	for _, want := range []string{`"msg":"purify"`, `"outcome":"success"`, `"report_id"`, `"issues":1`, `"duration_ms"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %s:\n%s", want, logged)
		}
	}
	if strings.Contains(logged, `"stage"`) {
		t.Errorf("successful run should not log a stage:\n%s", logged)
	}
}

func TestPurifyLogsRejection(t *testing.T) {
	var buf bytes.Buffer
	core := NewCore(nil, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
	if _, err := core.PurifyScript(context.Background(), PurifyInput{Script: "mv a b\n"}); err != nil {
		t.Fatal(err)
	}
	logged := buf.String()
	for _, want := range []string{`"outcome":"rejected"`, `"stage":"purify"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %s:\n%s", want, logged)
		}
	}
}

func TestConnectLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	runner := newFakeRunner()
	runner.connectErr = errors.New("auth failed")
	core := NewCore(nil, runner, slog.New(slog.NewJSONHandler(&buf, nil)))
	_, _ = core.Connect(context.Background(), ConnectInput{Host: "h1"})
	logged := buf.String()
	for _, want := range []string{`"msg":"connect"`, `"host":"h1"`, `"outcome":"error"`, `"auth failed"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %s:\n%s", want, logged)
		}
	}
}

func TestVerifyLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	core := NewCore(nil, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
	if _, err := core.VerifyScript(context.Background(), VerifyInput{Script: "touch /tmp/x\n"}); err != nil {
		t.Fatal(err)
	}
	if logged := buf.String(); !strings.Contains(logged, `"msg":"verify"`) || !strings.Contains(logged, `"theorems"`) {
		t.Fatalf("log output = %s", logged)
	}
}
