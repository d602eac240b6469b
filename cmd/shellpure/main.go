// Command shellpure purifies shell scripts and serves the purifier as an MCP
// server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/config"
	"github.com/jonchun/shellpure/purifier"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(logger, os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("shellpure failed", "error", err)
		os.Exit(1)
	}
}

// app holds the streams and flags shared by every subcommand.
type app struct {
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// mu serializes writes to stdout and stderr from concurrent watchers.
	mu sync.Mutex

	determinism  string
	quote        string
	onUnsafe     string
	inject       bool
	seed         int64
	parallelism  int
	configPath   string
	jsonOut      bool
	verbose      bool
	configLoaded *config.Config
}

func newRootCmd(logger *slog.Logger, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{logger: logger, stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "shellpure",
		Short:         "Rewrite shell scripts into deterministic, idempotent POSIX sh",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/shellpure/config.yaml)")
	pf.StringVar(&a.determinism, "determinism", "", "determinism policy: reject or substitute")
	pf.StringVar(&a.quote, "quote", "", "quote policy: strict or minimal")
	pf.StringVar(&a.onUnsafe, "on-unsafe", "", "unsafe construct policy: abort or warn")
	pf.BoolVar(&a.inject, "inject-permission-checks", false, "insert writability guards before filesystem mutations")
	pf.Int64Var(&a.seed, "seed", 0, "value substituted for $RANDOM")
	pf.IntVar(&a.parallelism, "parallelism", 0, "scripts purified concurrently (default GOMAXPROCS)")
	pf.BoolVar(&a.jsonOut, "json", false, "print reports as JSON")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log one event per script")

	root.AddCommand(
		newPurifyCmd(a),
		newLintCmd(a),
		newVerifyCmd(a),
		newServeCmd(a),
		newWatchCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(a.stdout, "shellpure %s\n", version)
			return err
		},
	}
}

func (a *app) config() (config.Config, error) {
	if a.configLoaded != nil {
		return *a.configLoaded, nil
	}
	var (
		cfg config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFrom(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	a.configLoaded = &cfg
	return cfg, nil
}

// options merges the config file with the flags set on cmd.
func (a *app) options(cmd *cobra.Command) (shellpure.Options, error) {
	cfg, err := a.config()
	if err != nil {
		return shellpure.Options{}, err
	}
	opts, err := shellpure.OptionsFromConfig(cfg)
	if err != nil {
		return opts, err
	}

	flags := cmd.Flags()
	if flags.Changed("determinism") {
		if opts.DeterminismPolicy, err = purifier.ParseDeterminismPolicy(a.determinism); err != nil {
			return opts, err
		}
	}
	if flags.Changed("quote") {
		if opts.QuotePolicy, err = purifier.ParseQuotePolicy(a.quote); err != nil {
			return opts, err
		}
	}
	if flags.Changed("on-unsafe") {
		if opts.OnUnsafe, err = purifier.ParseUnsafePolicy(a.onUnsafe); err != nil {
			return opts, err
		}
	}
	if flags.Changed("inject-permission-checks") {
		opts.InjectPermissionChecks = a.inject
	}
	if flags.Changed("seed") {
		opts.Seed = a.seed
	}
	if flags.Changed("parallelism") {
		if a.parallelism < 0 {
			return opts, fmt.Errorf("parallelism must be non-negative, got %d", a.parallelism)
		}
		opts.Parallelism = a.parallelism
	}
	if a.verbose {
		opts.Logger = a.logger
	}
	return opts, nil
}
