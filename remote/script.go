package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonchun/shellpure/emitter"
)

// DefaultMaxScriptBytes bounds ReadScript when no limit is given.
const DefaultMaxScriptBytes = 1 << 20

// ScriptError reports a remote file that cannot be used as script source.
type ScriptError struct {
	Path    string
	Message string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ReadScript fetches path from host over SFTP. Files larger than maxBytes
// (DefaultMaxScriptBytes when maxBytes <= 0) and non-regular files are
// rejected.
func (m *Manager) ReadScript(ctx context.Context, host, path string, maxBytes int64) (string, error) {
	if path == "" {
		return "", &ScriptError{Path: path, Message: "path is required"}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxScriptBytes
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sess, err := m.SFTPSession(host)
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()

	info, err := sess.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", &ScriptError{Path: path, Message: "not a regular file"}
	}
	if info.Size() > maxBytes {
		return "", &ScriptError{Path: path, Message: fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), maxBytes)}
	}

	f, err := sess.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > maxBytes {
		return "", &ScriptError{Path: path, Message: fmt.Sprintf("file grew past the %d byte limit while reading", maxBytes)}
	}
	return string(data), nil
}

// SyntaxResult is the outcome of a remote `sh -n` run.
type SyntaxResult struct {
	OK     bool
	Output string
}

// CheckSyntax asks the host's /bin/sh to parse script without running it.
func (m *Manager) CheckSyntax(ctx context.Context, host, script string, timeout time.Duration) (SyntaxResult, error) {
	res, err := m.Execute(ctx, host, "/bin/sh -n -c "+emitter.ShellQuote(script), timeout)
	if err != nil {
		return SyntaxResult{}, fmt.Errorf("check syntax: %w", err)
	}
	return SyntaxResult{
		OK:     res.ExitCode == 0,
		Output: strings.TrimSpace(res.Stderr + res.Stdout),
	}, nil
}
