package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/config"
	"github.com/jonchun/shellpure/parser"
	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/report"
	"github.com/jonchun/shellpure/verifier"
)

const stdinName = "<stdin>"

func newPurifyCmd(a *app) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "purify [file|dir|-]...",
		Short: "Purify scripts and print the result",
		Long: "Purify rewrites each script into deterministic, idempotent POSIX sh.\n" +
			"Directories are searched for *.sh files, skipping exclude patterns from the config.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			results, err := a.batch(cmd, args, opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := a.printJSON(results); err != nil {
					return err
				}
				return failures(results)
			}
			for _, res := range results {
				if res.Err != nil {
					continue
				}
				if write && res.Name != stdinName {
					if err := writeInPlace(res.Name, res.Purified); err != nil {
						return err
					}
					continue
				}
				if len(results) > 1 {
					fmt.Fprintf(a.stdout, "==> %s <==\n", res.Name)
				}
				if _, err := io.WriteString(a.stdout, res.Purified); err != nil {
					return err
				}
			}
			return failures(results)
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write the result back to each file instead of stdout")
	return cmd
}

func newLintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lint [file|dir|-]...",
		Short: "Report what purify would change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			opts.OnUnsafe = purifier.Warn
			results, err := a.batch(cmd, args, opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := a.printJSON(results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					if res.Err == nil {
						a.printIssues(res.Name, res.Report)
					}
				}
			}
			return failures(results)
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [file|dir|-]...",
		Short: "Purify scripts and check the result against the formal model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options(cmd)
			if err != nil {
				return err
			}
			opts.Verify = true
			results, err := a.batch(cmd, args, opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := a.printJSON(results); err != nil {
					return err
				}
			}

			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					continue
				}
				if !res.Verification.OK() {
					failed++
				}
				if !a.jsonOut {
					a.printTheorems(res.Name, res.Verification)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scripts failed verification", failed, len(results))
			}
			return nil
		},
	}
}

// batch purifies every source named by args. Failed results are reported on
// stderr as they are found.
func (a *app) batch(cmd *cobra.Command, args []string, opts shellpure.Options) ([]shellpure.Result, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	excl, err := cfg.Excluder()
	if err != nil {
		return nil, err
	}
	sources, err := collectSources(args, a.stdin, excl)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no scripts found")
	}
	results, err := shellpure.PurifyBatch(cmd.Context(), sources, opts)
	if err != nil {
		return nil, err
	}
	if !a.jsonOut {
		for i, res := range results {
			if res.Err != nil {
				a.printFailure(sources[i], res)
			}
		}
	}
	return results, nil
}

// collectSources reads every argument. "-" is stdin; directories contribute
// their *.sh files minus excluded paths. Files named explicitly are never
// excluded.
func collectSources(args []string, stdin io.Reader, excl *config.Excluder) ([]shellpure.Source, error) {
	var sources []shellpure.Source
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			sources = append(sources, shellpure.Source{Name: stdinName, Text: string(data)})
			continue
		}
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			data, err := os.ReadFile(arg)
			if err != nil {
				return nil, err
			}
			sources = append(sources, shellpure.Source{Name: arg, Text: string(data)})
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(arg, path)
			if path != arg && excl.Match(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !isScript(path) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			sources = append(sources, shellpure.Source{Name: path, Text: string(data)})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sources, nil
}

func isScript(path string) bool {
	return strings.HasSuffix(path, ".sh")
}

func writeInPlace(path, text string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func failures(results []shellpure.Result) error {
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed", failed, len(results))
	}
	return nil
}

// printIssues writes one compiler-style line per issue to stderr.
func (a *app) printIssues(name string, rep *report.Report) {
	if rep == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, issue := range rep.Issues {
		fmt.Fprintf(a.stderr, "%s:%d:%d: %s %s: %s\n", name, issue.Line, issue.Column, issue.Severity, issue.RuleID, issue.Message)
		if issue.Suggestion != "" {
			fmt.Fprintf(a.stderr, "\t%s\n", issue.Suggestion)
		}
	}
}

// printFailure reports a failed source, pointing at the offending line when
// the parser stopped.
func (a *app) printFailure(src shellpure.Source, res shellpure.Result) {
	a.printIssues(src.Name, res.Report)
	var perr *parser.ParseError
	if errors.As(res.Err, &perr) {
		a.mu.Lock()
		defer a.mu.Unlock()
		fmt.Fprintln(a.stderr, perr.Caret(src.Text))
	}
}

func (a *app) printTheorems(name string, v *verifier.Result) {
	for _, th := range v.Theorems {
		status := "holds"
		switch {
		case th.Skipped:
			status = "skipped"
		case !th.Holds:
			status = "FAILED"
		}
		label := th.Name
		if th.State != "" {
			label += "/" + th.State
		}
		line := fmt.Sprintf("%s: %s %s", name, label, status)
		if th.Reason != "" {
			line += ": " + th.Reason
		}
		fmt.Fprintln(a.stdout, line)
		if th.Counterexample != "" {
			fmt.Fprintf(a.stdout, "\t%s\n", strings.ReplaceAll(th.Counterexample, "\n", "\n\t"))
		}
	}
}

type jsonResult struct {
	Name         string           `json:"name"`
	Purified     string           `json:"purified,omitempty"`
	BestEffort   bool             `json:"best_effort,omitempty"`
	Report       *report.Report   `json:"report,omitempty"`
	Verification *verifier.Result `json:"verification,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (a *app) printJSON(results []shellpure.Result) error {
	out := make([]jsonResult, len(results))
	for i, res := range results {
		out[i] = jsonResult{
			Name:         res.Name,
			Purified:     res.Purified,
			Report:       res.Report,
			Verification: res.Verification,
		}
		if res.Program != nil {
			out[i].BestEffort = res.Program.BestEffort
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
