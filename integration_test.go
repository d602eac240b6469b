package shellpure_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jonchun/shellpure"
	"github.com/jonchun/shellpure/emitter"
	"github.com/jonchun/shellpure/purifier"
)

func TestIntegrationPurifiedOutputChecksAndVerifies(t *testing.T) {
	sources := []shellpure.Source{
		{Name: "deploy.sh", Text: "mkdir /tmp/app\ntouch /tmp/app/a.txt\nln -s /tmp/app/a.txt /tmp/app/b.txt\nrm /tmp/app/a.txt\n"},
		{Name: "ready.sh", Text: "mkdir /tmp/app\ntouch /tmp/app/ready\n"},
	}
	opts := shellpure.DefaultOptions()
	opts.Verify = true

	results, err := shellpure.PurifyBatch(context.Background(), sources, opts)
	require.NoError(t, err)
	for _, res := range results {
		require.NoError(t, res.Err, res.Name)
		require.NoError(t, emitter.Check(res.Purified, false), res.Name)
		require.True(t, res.Verification.OK(), "%s failed: %+v", res.Name, res.Verification.Failed())
	}
}

func TestIntegrationRepurifyIsStable(t *testing.T) {
	opts := shellpure.DefaultOptions()
	opts.DeterminismPolicy = purifier.Substitute

	first := shellpure.PurifySource("a", "mkdir /opt/app\nrm $USER\nx=$RANDOM\nln -s /a /b\n", opts)
	require.NoError(t, first.Err)
	second := shellpure.PurifySource("a", first.Purified, opts)
	require.NoError(t, second.Err)
	require.Equal(t, first.Purified, second.Purified)
	require.Empty(t, second.Fixes.Fixes)
}

func TestIntegrationStdioServerStartsAndExitsOnEOF(t *testing.T) {
	bin := integrationBinary(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "serve")
	cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+t.TempDir())
	cmd.Stdin = strings.NewReader("")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		t.Fatalf("run shellpure stdio server: %v", err)
	}
}

func TestIntegrationCLIPurifiesStdin(t *testing.T) {
	bin := integrationBinary(t)

	cmd := exec.Command(bin, "purify", "-")
	cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+t.TempDir())
	cmd.Stdin = strings.NewReader("mkdir /opt/app\n")
	out, err := cmd.Output()
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\nmkdir -p /opt/app\n", string(out))
}

var (
	binaryOnce sync.Once
	binaryPath string
	binaryErr  error
)

func integrationBinary(t *testing.T) string {
	t.Helper()

	binaryOnce.Do(func() {
		root := moduleRoot(t)
		dir, err := os.MkdirTemp("", "shellpure-integration-bin-*")
		if err != nil {
			binaryErr = err
			return
		}
		binaryPath = filepath.Join(dir, "shellpure")
		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/shellpure")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			binaryErr = fmt.Errorf("go build failed: %w: %s", err, string(out))
		}
	})

	if binaryErr != nil {
		t.Fatalf("build integration binary: %v", binaryErr)
	}
	return binaryPath
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Dir(file)
}
