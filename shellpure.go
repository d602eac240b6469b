// Package shellpure rewrites shell scripts into deterministic, idempotent,
// safely quoted POSIX sh and serves the pipeline as MCP tools.
package shellpure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonchun/shellpure/ast"
	"github.com/jonchun/shellpure/config"
	"github.com/jonchun/shellpure/emitter"
	"github.com/jonchun/shellpure/ir"
	"github.com/jonchun/shellpure/manifest"
	"github.com/jonchun/shellpure/parser"
	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/remote"
	"github.com/jonchun/shellpure/report"
	"github.com/jonchun/shellpure/server"
	"github.com/jonchun/shellpure/validator"
	"github.com/jonchun/shellpure/verifier"
)

// PurifyOptions configures a single purification.
type PurifyOptions = purifier.Options

func Parse(source string) (*ast.Script, error) {
	return parser.Parse(source)
}

func Purify(script *ast.Script, opts PurifyOptions) (*ir.Program, *purifier.Report, error) {
	return purifier.Purify(script, opts)
}

func Emit(p *ir.Program) (string, error) {
	return emitter.Emit(p)
}

func Verify(before *ast.Script, after *ir.Program) verifier.Result {
	return verifier.Verify(before, after)
}

// Options configures PurifySource and PurifyBatch.
type Options struct {
	PurifyOptions

	// Parallelism bounds concurrent pipelines in PurifyBatch. Zero uses
	// GOMAXPROCS.
	Parallelism int
	// Verify also runs the verifier on each purified program.
	Verify bool
	// Logger receives one event per source. nil discards.
	Logger *slog.Logger
}

func DefaultOptions() Options {
	return Options{PurifyOptions: purifier.DefaultOptions()}
}

// OptionsFromConfig builds Options from a loaded config file.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	popts, err := cfg.PurifierOptions()
	if err != nil {
		return Options{}, err
	}
	opts := Options{PurifyOptions: popts}
	if cfg.Parallelism != nil {
		opts.Parallelism = *cfg.Parallelism
	}
	return opts, nil
}

type Source struct {
	Name string
	Text string
}

// Result is the outcome of one pipeline run. Err is the first pipeline
// error; Report carries it as an issue alongside every fix and warning.
type Result struct {
	Name         string
	Purified     string
	Program      *ir.Program
	Fixes        *purifier.Report
	Report       *report.Report
	Verification *verifier.Result
	Err          error
}

// PurifySource runs parse, purify, validate and emit over source.
func PurifySource(name, source string, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	start := time.Now()
	res, stage := run(name, source, opts)

	attrs := []any{
		"source", name,
		"report_id", res.Report.ID,
		"issues", res.Report.IssueCount,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if res.Err != nil {
		logger.Info("purify", append(attrs, "outcome", "rejected", "stage", stage, "error", res.Err.Error())...)
	} else {
		logger.Info("purify", append(attrs, "outcome", "success")...)
	}
	return res
}

func run(name, source string, opts Options) (Result, string) {
	res := Result{Name: name, Report: report.New(source)}
	fail := func(stage string, err error) (Result, string) {
		res.Err = err
		res.Report.AddError(err)
		return res, stage
	}

	popts := opts.PurifyOptions
	if popts.Registry == nil {
		reg, err := manifest.Default()
		if err != nil {
			return fail("registry", fmt.Errorf("load command registry: %w", err))
		}
		popts.Registry = reg
	}

	script, err := parser.Parse(source)
	if err != nil {
		return fail("parse", err)
	}
	prog, fixes, err := purifier.Purify(script, popts)
	res.Fixes = fixes
	res.Report.AddPurification(fixes)
	if err != nil {
		return fail("purify", err)
	}
	res.Program = prog

	vopts := validator.Options{AllowBareSpecials: popts.QuotePolicy == purifier.Minimal}
	if errs := validator.Check(prog, popts.Registry, vopts); len(errs) > 0 {
		res.Report.AddViolations(errs)
		res.Err = errs[0]
		return res, "validate"
	}
	if res.Purified, err = emitter.Emit(prog); err != nil {
		return fail("emit", err)
	}
	if opts.Verify {
		v := verifier.Verify(script, prog)
		res.Verification = &v
	}
	return res, ""
}

// PurifyBatch purifies sources concurrently, at most opts.Parallelism at a
// time. Results are in input order and per-source failures stay in their
// Result. Cancelling ctx stops scheduling; unscheduled sources get ctx's
// error, which is also returned.
func PurifyBatch(ctx context.Context, sources []Source, opts Options) ([]Result, error) {
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(sources))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, src := range sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = PurifySource(src.Name, src.Text, opts)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		for i := range results {
			if results[i].Report == nil {
				results[i] = Result{Name: sources[i].Name, Err: err}
			}
		}
		return results, err
	}
	return results, nil
}

type Config struct {
	// Manifests is the command registry. If nil, the built-in registry plus
	// any rules_dir overlay from the user config is used.
	Manifests manifest.Registry

	// Executor reaches remote hosts. If nil, an SSH manager configured from
	// the user config is created.
	Executor server.Executor

	// Logger is the structured logger passed to Core. If nil, a discard logger is used.
	Logger *slog.Logger

	// Name overrides the MCP server implementation name (default: "shellpure").
	Name string

	// Version overrides the MCP server implementation version.
	Version string
}

// New builds a Core from cfg and the user config file.
func New(cfg Config) (*server.Core, error) {
	userCfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load user config: %w", err)
	}

	popts, err := userCfg.PurifierOptions()
	if err != nil {
		return nil, fmt.Errorf("build purifier options: %w", err)
	}
	registry := cfg.Manifests
	if registry == nil {
		registry = popts.Registry
	}
	if registry == nil {
		if registry, err = manifest.Default(); err != nil {
			return nil, fmt.Errorf("load embedded manifests: %w", err)
		}
	}
	popts.Registry = registry

	runner := cfg.Executor
	if runner == nil {
		runner = remote.NewManager(nil, userCfg.RemoteOptions()...)
	}

	coreOpts := []server.CoreOption{server.WithOptions(popts)}
	if userCfg.Timeout != nil {
		coreOpts = append(coreOpts, server.WithDefaultTimeout(*userCfg.Timeout))
	}
	if userCfg.MaxOutputBytes != nil {
		coreOpts = append(coreOpts, server.WithMaxOutputBytes(*userCfg.MaxOutputBytes))
	}
	if userCfg.MaxScriptBytes != nil {
		coreOpts = append(coreOpts, server.WithMaxScriptBytes(int64(*userCfg.MaxScriptBytes)))
	}

	return server.NewCore(registry, runner, cfg.Logger, coreOpts...), nil
}

// RunStdio creates a server from cfg and runs it over stdin/stdout.
func RunStdio(ctx context.Context, cfg Config) error {
	core, err := New(cfg)
	if err != nil {
		return err
	}
	return server.RunStdio(ctx, core, cfg.Logger, server.ServerOptions{
		Name:    cfg.Name,
		Version: cfg.Version,
	})
}
