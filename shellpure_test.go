package shellpure_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/manifest"
	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/report"
)

const deploy = "mkdir /opt/app\nrm $USER\n"

func TestPipelineFunctions(t *testing.T) {
	script, err := shellpure.Parse(deploy)
	require.NoError(t, err)

	prog, fixes, err := shellpure.Purify(script, purifier.DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, fixes.Fixes)

	out, err := shellpure.Emit(prog)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\nmkdir -p /opt/app\nrm -f \"$USER\"\n", out)
}

func TestVerify(t *testing.T) {
	script, err := shellpure.Parse("mkdir /tmp/app\ntouch /tmp/app/ready\n")
	require.NoError(t, err)
	prog, _, err := shellpure.Purify(script, purifier.DefaultOptions())
	require.NoError(t, err)

	r := shellpure.Verify(script, prog)
	require.True(t, r.OK(), "failed: %+v", r.Failed())
	require.NotEmpty(t, r.Theorems)
}

func TestParseError(t *testing.T) {
	_, err := shellpure.Parse("echo 'unterminated\n")
	require.Error(t, err)
}

func TestPurifySource(t *testing.T) {
	opts := shellpure.DefaultOptions()
	opts.Verify = true

	res := shellpure.PurifySource("deploy.sh", deploy, opts)
	require.NoError(t, res.Err)
	require.Equal(t, "deploy.sh", res.Name)
	require.Equal(t, "#!/bin/sh\nmkdir -p /opt/app\nrm -f \"$USER\"\n", res.Purified)
	require.NotNil(t, res.Program)
	require.Equal(t, report.ID(deploy), res.Report.ID)
	require.False(t, res.Report.HasErrors())
	require.NotNil(t, res.Verification)
	require.NotEmpty(t, res.Verification.Theorems)
}

func TestPurifySourceFailures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		rule   string
	}{
		{name: "parse", source: "if true; then\n", rule: report.RuleParse},
		{name: "entropy rejected", source: "x=$RANDOM\n", rule: "DET001"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := shellpure.PurifySource(tc.name, tc.source, shellpure.DefaultOptions())
			require.Error(t, res.Err)
			require.Empty(t, res.Purified)
			require.True(t, res.Report.HasErrors())
			var rules []string
			for _, issue := range res.Report.Issues {
				rules = append(rules, issue.RuleID)
			}
			require.Contains(t, rules, tc.rule)
		})
	}
}

func TestPurifySourceLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	opts := shellpure.DefaultOptions()
	opts.Logger = slog.New(slog.NewJSONHandler(&buf, nil))

	shellpure.PurifySource("ok.sh", "echo hi\n", opts)
	shellpure.PurifySource("bad.sh", "x=$RANDOM\n", opts)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"outcome":"success"`)
	require.Contains(t, lines[0], `"source":"ok.sh"`)
	require.NotContains(t, lines[0], `"stage"`)
	require.Contains(t, lines[1], `"outcome":"rejected"`)
	require.Contains(t, lines[1], `"stage":"purify"`)
}

func TestPurifyBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sources []shellpure.Source
	for i := range 20 {
		text := fmt.Sprintf("mkdir /srv/app%d\n", i)
		if i%5 == 0 {
			text = "echo $RANDOM\n"
		}
		sources = append(sources, shellpure.Source{Name: fmt.Sprintf("s%02d.sh", i), Text: text})
	}
	opts := shellpure.DefaultOptions()
	opts.Parallelism = 3

	results, err := shellpure.PurifyBatch(context.Background(), sources, opts)
	require.NoError(t, err)
	require.Len(t, results, len(sources))
	for i, res := range results {
		require.Equal(t, sources[i].Name, res.Name)
		if i%5 == 0 {
			require.Error(t, res.Err, res.Name)
			continue
		}
		require.NoError(t, res.Err, res.Name)
		require.Equal(t, fmt.Sprintf("#!/bin/sh\nmkdir -p /srv/app%d\n", i), res.Purified)
	}
}

func TestPurifyBatchMatchesSequential(t *testing.T) {
	defer goleak.VerifyNone(t)

	sources := []shellpure.Source{
		{Name: "a", Text: deploy},
		{Name: "b", Text: "ln -s /a /b\n"},
		{Name: "c", Text: "echo \"$HOME\" | wc -c\n"},
	}
	opts := shellpure.DefaultOptions()

	results, err := shellpure.PurifyBatch(context.Background(), sources, opts)
	require.NoError(t, err)
	for i, src := range sources {
		want := shellpure.PurifySource(src.Name, src.Text, opts)
		require.Equal(t, want.Purified, results[i].Purified)
		require.Equal(t, want.Report, results[i].Report)
	}
}

func TestPurifyBatchCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sources := []shellpure.Source{{Name: "a", Text: "echo a\n"}, {Name: "b", Text: "echo b\n"}}
	results, err := shellpure.PurifyBatch(ctx, sources, shellpure.DefaultOptions())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for i, res := range results {
		require.Equal(t, sources[i].Name, res.Name)
		require.ErrorIs(t, res.Err, context.Canceled)
		require.Empty(t, res.Purified)
	}
}

func TestPurifyBatchEmpty(t *testing.T) {
	results, err := shellpure.PurifyBatch(context.Background(), nil, shellpure.DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestNewWithDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	core, err := shellpure.New(shellpure.Config{})
	require.NoError(t, err)
	require.NotNil(t, core)
	require.NotEmpty(t, core.Registry)
	require.NotNil(t, core.Runner)
}

func TestNewAppliesConfigLimits(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("SHELLPURE_TIMEOUT", "45")
	t.Setenv("SHELLPURE_MAX_OUTPUT_BYTES", "2048")
	t.Setenv("SHELLPURE_MAX_SCRIPT_BYTES", "4096")

	core, err := shellpure.New(shellpure.Config{})
	require.NoError(t, err)
	require.Equal(t, 45, core.DefaultTimeout)
	require.Equal(t, 2048, core.MaxOutputBytes)
	require.Equal(t, int64(4096), core.MaxScriptBytes)
}

func TestNewWithCustomManifests(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	registry := manifest.Registry{
		"mkdir": {Name: "mkdir", Rewrite: manifest.RewriteFlag, IdempotentFlag: "-p"},
	}
	core, err := shellpure.New(shellpure.Config{Manifests: registry})
	require.NoError(t, err)
	require.Len(t, core.Registry, 1)
	require.Len(t, core.Options.Registry, 1)
}

func TestNewWithLogger(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	core, err := shellpure.New(shellpure.Config{Logger: logger})
	require.NoError(t, err)
	require.Same(t, logger, core.Logger())
}
