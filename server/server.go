// Package server exposes the purification pipeline as MCP tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/emitter"
	"github.com/jonchun/shellpure/ir"
	"github.com/jonchun/shellpure/manifest"
	"github.com/jonchun/shellpure/parser"
	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/remote"
	"github.com/jonchun/shellpure/report"
	"github.com/jonchun/shellpure/validator"
	"github.com/jonchun/shellpure/verifier"
)

// Executor reaches remote hosts for purify_remote.
type Executor interface {
	Connect(ctx context.Context, params remote.ConnectionParams) error
	Disconnect(host string) error
	ReadScript(ctx context.Context, host, path string, maxBytes int64) (string, error)
	CheckSyntax(ctx context.Context, host, script string, timeout time.Duration) (remote.SyntaxResult, error)
}

type Core struct {
	Registry manifest.Registry
	Runner   Executor
	// Options are the defaults each request starts from.
	Options purifier.Options

	Parse    func(string) (*ast.Script, error)
	Purify   func(*ast.Script, purifier.Options) (*ir.Program, *purifier.Report, error)
	Emit     func(*ir.Program) (string, error)
	Validate func(*ir.Program, manifest.Registry, validator.Options) []*validator.ValidationError
	Verify   func(*ast.Script, *ir.Program) verifier.Result
	Truncate func(string, int) (string, bool)

	DefaultTimeout int
	MaxOutputBytes int
	MaxScriptBytes int64

	logger         *slog.Logger
	mu             sync.RWMutex
	connectedHosts map[string]struct{}
}

// PolicyInput overrides the server's purifier options for one request.
type PolicyInput struct {
	DeterminismPolicy      string `json:"determinism_policy,omitempty" jsonschema:"reject (default) or substitute"`
	QuotePolicy            string `json:"quote_policy,omitempty" jsonschema:"strict (default) or minimal"`
	OnUnsafe               string `json:"on_unsafe,omitempty" jsonschema:"abort (default) or warn"`
	InjectPermissionChecks *bool  `json:"inject_permission_checks,omitempty" jsonschema:"Emit write-permission guards before mutating commands"`
}

type PurifyInput struct {
	Script string `json:"script" jsonschema:"Shell script source"`
	PolicyInput
}

type PurifyOutput struct {
	Purified   string         `json:"purified"`
	Truncated  bool           `json:"truncated,omitempty"`
	BestEffort bool           `json:"best_effort,omitempty"`
	Report     *report.Report `json:"report"`
}

type LintInput struct {
	Script string `json:"script" jsonschema:"Shell script source"`
}

type VerifyInput struct {
	Script string `json:"script" jsonschema:"Shell script source; it is purified and the result checked against it"`
	PolicyInput
}

type VerifyOutput struct {
	OK bool `json:"ok"`
	verifier.Result
}

type ConnectInput struct {
	Host         string `json:"host" jsonschema:"Hostname, IP address or ssh_config alias"`
	User         string `json:"user,omitempty" jsonschema:"SSH username (default root)"`
	Port         int    `json:"port,omitempty" jsonschema:"SSH port (default 22)"`
	IdentityFile string `json:"identity_file,omitempty" jsonschema:"Path to SSH identity file"`
}

type DisconnectInput struct {
	Host string `json:"host,omitempty" jsonschema:"Hostname to disconnect; empty disconnects all"`
}

type PurifyRemoteInput struct {
	Host        string `json:"host,omitempty" jsonschema:"Hostname when multiple connections exist"`
	Path        string `json:"path" jsonschema:"Absolute path of the script on the remote host"`
	CheckSyntax bool   `json:"check_syntax,omitempty" jsonschema:"Parse the purified script with the host's /bin/sh -n"`
	PolicyInput
}

type PurifyRemoteOutput struct {
	Host string `json:"host"`
	Path string `json:"path"`
	PurifyOutput
	SyntaxOK     *bool  `json:"syntax_ok,omitempty"`
	SyntaxOutput string `json:"syntax_output,omitempty"`
}

type CoreOption func(*Core)

func WithDefaultTimeout(seconds int) CoreOption {
	return func(c *Core) { c.DefaultTimeout = seconds }
}

func WithMaxOutputBytes(bytes int) CoreOption {
	return func(c *Core) { c.MaxOutputBytes = bytes }
}

func WithMaxScriptBytes(bytes int64) CoreOption {
	return func(c *Core) { c.MaxScriptBytes = bytes }
}

func WithOptions(opts purifier.Options) CoreOption {
	return func(c *Core) { c.Options = opts }
}

func NewCore(registry manifest.Registry, runner Executor, logger *slog.Logger, opts ...CoreOption) *Core {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Core{
		Registry: registry,
		Runner:   runner,
		Options:  purifier.DefaultOptions(),
		Parse:    parser.Parse,
		Purify:   purifier.Purify,
		Emit:     emitter.Emit,
		Validate: validator.Check,
		Verify:   verifier.Verify,
		Truncate: report.Truncate,

		DefaultTimeout: 30,
		MaxOutputBytes: report.DefaultMaxBytes,
		MaxScriptBytes: remote.DefaultMaxScriptBytes,

		logger:         logger,
		connectedHosts: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Core) Logger() *slog.Logger {
	return c.logger
}

// options applies per-request overrides to the server defaults.
func (c *Core) options(in PolicyInput) (purifier.Options, error) {
	opts := c.Options
	if opts.Registry == nil {
		opts.Registry = c.Registry
	}
	var err error
	if opts.Registry == nil {
		if opts.Registry, err = manifest.Default(); err != nil {
			return opts, fmt.Errorf("load command registry: %w", err)
		}
	}
	if in.DeterminismPolicy != "" {
		if opts.DeterminismPolicy, err = purifier.ParseDeterminismPolicy(in.DeterminismPolicy); err != nil {
			return opts, err
		}
	}
	if in.QuotePolicy != "" {
		if opts.QuotePolicy, err = purifier.ParseQuotePolicy(in.QuotePolicy); err != nil {
			return opts, err
		}
	}
	if in.OnUnsafe != "" {
		if opts.OnUnsafe, err = purifier.ParseUnsafePolicy(in.OnUnsafe); err != nil {
			return opts, err
		}
	}
	if in.InjectPermissionChecks != nil {
		opts.InjectPermissionChecks = *in.InjectPermissionChecks
	}
	return opts, nil
}

// run is the shared pipeline. Pipeline failures land in the report; the
// returned stage names where it stopped, empty on success.
func (c *Core) run(source string, opts purifier.Options) (PurifyOutput, string) {
	rep := report.New(source)
	out := PurifyOutput{Report: rep}

	script, err := c.Parse(source)
	if err != nil {
		rep.AddError(err)
		return out, "parse"
	}
	prog, fixes, err := c.Purify(script, opts)
	rep.AddPurification(fixes)
	if err != nil {
		rep.AddError(err)
		return out, "purify"
	}
	if errs := c.Validate(prog, opts.Registry, validator.Options{AllowBareSpecials: opts.QuotePolicy == purifier.Minimal}); len(errs) > 0 {
		rep.AddViolations(errs)
		return out, "validate"
	}
	text, err := c.Emit(prog)
	if err != nil {
		rep.AddError(err)
		return out, "emit"
	}
	out.Purified, out.Truncated = c.Truncate(text, c.MaxOutputBytes)
	out.BestEffort = prog.BestEffort
	return out, ""
}

func (c *Core) PurifyScript(ctx context.Context, in PurifyInput) (PurifyOutput, error) {
	if strings.TrimSpace(in.Script) == "" {
		return PurifyOutput{}, errors.New("script is required")
	}
	opts, err := c.options(in.PolicyInput)
	if err != nil {
		return PurifyOutput{}, err
	}

	start := time.Now()
	out, stage := c.run(in.Script, opts)
	c.logRun(ctx, "purify", stage, out.Report, start)
	return out, nil
}

// Lint reports every rule that would fire without emitting anything. Unsafe
// constructs are listed instead of stopping the run.
func (c *Core) Lint(ctx context.Context, in LintInput) (*report.Report, error) {
	if strings.TrimSpace(in.Script) == "" {
		return nil, errors.New("script is required")
	}
	opts, err := c.options(PolicyInput{})
	if err != nil {
		return nil, err
	}
	opts.OnUnsafe = purifier.Warn

	start := time.Now()
	rep := report.New(in.Script)
	stage := ""
	if script, err := c.Parse(in.Script); err != nil {
		rep.AddError(err)
		stage = "parse"
	} else {
		_, fixes, err := c.Purify(script, opts)
		rep.AddPurification(fixes)
		if err != nil {
			rep.AddError(err)
			stage = "purify"
		}
	}
	c.logRun(ctx, "lint", stage, rep, start)
	return rep, nil
}

// VerifyScript purifies the script and checks the purified program against
// the original on the verifier's model states.
func (c *Core) VerifyScript(ctx context.Context, in VerifyInput) (VerifyOutput, error) {
	if strings.TrimSpace(in.Script) == "" {
		return VerifyOutput{}, errors.New("script is required")
	}
	opts, err := c.options(in.PolicyInput)
	if err != nil {
		return VerifyOutput{}, err
	}

	start := time.Now()
	fail := func(stage string, err error) (VerifyOutput, error) {
		c.logger.InfoContext(ctx, "verify",
			"outcome", "rejected",
			"stage", stage,
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return VerifyOutput{}, err
	}

	script, err := c.Parse(in.Script)
	if err != nil {
		return fail("parse", err)
	}
	prog, _, err := c.Purify(script, opts)
	if err != nil {
		return fail("purify", err)
	}
	res := c.Verify(script, prog)

	outcome := "success"
	if !res.OK() {
		outcome = "failed"
	}
	c.logger.InfoContext(ctx, "verify",
		"outcome", outcome,
		"theorems", len(res.Theorems),
		"failed", len(res.Failed()),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return VerifyOutput{OK: res.OK(), Result: res}, nil
}

func (c *Core) Connect(ctx context.Context, in ConnectInput) (map[string]any, error) {
	if strings.TrimSpace(in.Host) == "" {
		return nil, errors.New("host is required")
	}
	if c.Runner == nil {
		return nil, errors.New("remote access is not configured")
	}

	start := time.Now()
	params := remote.ConnectionParams{
		Host:         in.Host,
		User:         in.User,
		Port:         in.Port,
		IdentityFile: in.IdentityFile,
	}
	if err := c.Runner.Connect(ctx, params); err != nil {
		c.logger.InfoContext(ctx, "connect",
			"host", in.Host,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	c.setConnected(in.Host, true)

	c.logger.InfoContext(ctx, "connect",
		"host", in.Host,
		"outcome", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return map[string]any{"ok": true, "host": in.Host, "message": fmt.Sprintf("Connected to %s", in.Host)}, nil
}

func (c *Core) Disconnect(in DisconnectInput) (map[string]any, error) {
	if c.Runner == nil {
		return map[string]any{"ok": true}, nil
	}
	if err := c.Runner.Disconnect(in.Host); err != nil {
		c.logger.Info("disconnect",
			"host", in.Host,
			"outcome", "error",
			"error", err.Error(),
		)
		return nil, err
	}
	c.clearHost(in.Host)

	c.logger.Info("disconnect",
		"host", in.Host,
		"outcome", "success",
	)
	return map[string]any{"ok": true}, nil
}

// PurifyRemote reads a script from a connected host and purifies it locally.
// With CheckSyntax the purified text is parsed by the host's own sh.
func (c *Core) PurifyRemote(ctx context.Context, in PurifyRemoteInput) (PurifyRemoteOutput, error) {
	if strings.TrimSpace(in.Path) == "" {
		return PurifyRemoteOutput{}, errors.New("path is required")
	}
	if c.Runner == nil {
		return PurifyRemoteOutput{}, errors.New("remote access is not configured")
	}
	host, err := c.resolveHost(in.Host)
	if err != nil {
		return PurifyRemoteOutput{}, err
	}
	opts, err := c.options(in.PolicyInput)
	if err != nil {
		return PurifyRemoteOutput{}, err
	}

	start := time.Now()
	source, err := c.Runner.ReadScript(ctx, host, in.Path, c.MaxScriptBytes)
	if err != nil {
		c.logger.InfoContext(ctx, "purify_remote",
			"host", host,
			"path", in.Path,
			"outcome", "error",
			"stage", "read",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return PurifyRemoteOutput{}, err
	}

	out := PurifyRemoteOutput{Host: host, Path: in.Path}
	var stage string
	out.PurifyOutput, stage = c.run(source, opts)

	if stage == "" && in.CheckSyntax {
		timeout := time.Duration(c.DefaultTimeout) * time.Second
		res, err := c.Runner.CheckSyntax(ctx, host, out.Purified, timeout)
		if err != nil {
			c.logger.InfoContext(ctx, "purify_remote",
				"host", host,
				"path", in.Path,
				"outcome", "error",
				"stage", "check_syntax",
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return PurifyRemoteOutput{}, err
		}
		out.SyntaxOK = &res.OK
		out.SyntaxOutput = res.Output
		if !res.OK {
			stage = "check_syntax"
		}
	}

	c.logRun(ctx, "purify_remote", stage, out.Report, start, "host", host, "path", in.Path)
	return out, nil
}

func (c *Core) logRun(ctx context.Context, msg, stage string, rep *report.Report, start time.Time, attrs ...any) {
	outcome := "success"
	if stage != "" {
		outcome = "rejected"
	}
	args := append(attrs,
		"outcome", outcome,
		"report_id", rep.ID,
		"issues", rep.IssueCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if stage != "" {
		args = append(args, "stage", stage)
	}
	c.logger.InfoContext(ctx, msg, args...)
}

func (c *Core) resolveHost(host string) (string, error) {
	if host != "" {
		if !c.isConnected(host) {
			return "", fmt.Errorf("not connected to host %q", host)
		}
		return host, nil
	}
	hosts := c.connectedHostsSnapshot()
	switch len(hosts) {
	case 0:
		return "", errors.New("not connected")
	case 1:
		return hosts[0], nil
	default:
		return "", errors.New("host is required when multiple connections are active")
	}
}

func (c *Core) connectedHostsSnapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hosts := make([]string, 0, len(c.connectedHosts))
	for host := range c.connectedHosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (c *Core) isConnected(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.connectedHosts[host]
	return ok
}

func (c *Core) setConnected(host string, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if connected {
		c.connectedHosts[host] = struct{}{}
		return
	}
	delete(c.connectedHosts, host)
}

func (c *Core) clearHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if host == "" {
		clear(c.connectedHosts)
		return
	}
	delete(c.connectedHosts, host)
}

type ServerOptions struct {
	// Name is the MCP server implementation name. Default: "shellpure".
	Name string
	// Version is the MCP server implementation version. Default: "0.1.0".
	Version string
}

func NewMCPServer(core *Core, logger *slog.Logger, opts ...ServerOptions) *mcp.Server {
	name := "shellpure"
	version := "0.1.0"
	if len(opts) > 0 {
		if opts[0].Name != "" {
			name = opts[0].Name
		}
		if opts[0].Version != "" {
			version = opts[0].Version
		}
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, &mcp.ServerOptions{Logger: logger})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "purify",
		Description: fmt.Sprintf("Rewrite a shell script into deterministic, idempotent, safely quoted POSIX sh. "+
			"Returns the purified script and a report of every fix. "+
			"Scripts that cannot be made safe return an error-severity issue instead of output. "+
			"Output is truncated to %d bytes (head/tail preserved).", core.MaxOutputBytes),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in PurifyInput) (*mcp.CallToolResult, PurifyOutput, error) {
		out, err := core.PurifyScript(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "lint",
		Description: "Report non-deterministic, non-idempotent and unsafely quoted constructs in a shell script without rewriting it.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in LintInput) (*mcp.CallToolResult, *report.Report, error) {
		out, err := core.Lint(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "verify",
		Description: "Purify a script and check the result on model filesystems: determinism, idempotency, " +
			"fixed points, equivalence with the original and absence of unquoted expansions.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in VerifyInput) (*mcp.CallToolResult, VerifyOutput, error) {
		out, err := core.VerifyScript(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{Name: "connect", Description: "Connect to a remote server via SSH to read scripts from it"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in ConnectInput) (*mcp.CallToolResult, map[string]any, error) {
			out, err := core.Connect(ctx, in)
			return nil, out, err
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "disconnect", Description: "Disconnect from remote server(s)"},
		func(_ context.Context, _ *mcp.CallToolRequest, in DisconnectInput) (*mcp.CallToolResult, map[string]any, error) {
			out, err := core.Disconnect(in)
			return nil, out, err
		})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "purify_remote",
		Description: fmt.Sprintf("Read a script from the connected host over SFTP (max %d bytes) and purify it. "+
			"Nothing is written to the host; check_syntax runs /bin/sh -n there.", core.MaxScriptBytes),
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in PurifyRemoteInput) (*mcp.CallToolResult, PurifyRemoteOutput, error) {
		out, err := core.PurifyRemote(ctx, in)
		return nil, out, err
	})

	return srv
}

func RunStdio(ctx context.Context, core *Core, logger *slog.Logger, opts ...ServerOptions) error {
	server := NewMCPServer(core, logger, opts...)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("run mcp stdio server: %w", err)
	}
	return nil
}

// NewHTTPHandler returns an http.Handler serving MCP over SSE.
func NewHTTPHandler(core *Core, logger *slog.Logger, opts ...ServerOptions) http.Handler {
	srv := NewMCPServer(core, logger, opts...)
	return mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return srv
	}, nil)
}
