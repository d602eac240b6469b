package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

const defaultConnectTimeout = 10 * time.Second

// SSHDialer opens connections with golang.org/x/crypto/ssh.
type SSHDialer struct {
	ConnectTimeout time.Duration
	HostKeyMode    HostKeyMode
	KnownHostsFile string
}

func (d *SSHDialer) Dial(ctx context.Context, params ConnectionParams) (Client, error) {
	params = withDefaults(params)

	mode := d.HostKeyMode
	if mode == "" {
		mode = HostKeyAcceptNew
	}
	hostKeyCb, err := hostKeyCallback(mode, d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("set up host key verification: %w", err)
	}

	auth, release, err := authMethods(params)
	defer release()
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		return nil, errors.New("no SSH credentials: set identity_file, load a key into ssh-agent, or create ~/.ssh/id_ed25519")
	}

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	cfg := &gossh.ClientConfig{
		User:            params.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCb,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := gossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &sshClient{client: gossh.NewClient(c, chans, reqs)}, nil
}

type sshClient struct {
	client *gossh.Client
}

func (c *sshClient) Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, err
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return ExecResult{}, ctx.Err()
	case err := <-done:
		res := ExecResult{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			RuntimeMs: int(time.Since(started).Milliseconds()),
		}
		if err == nil {
			return res, nil
		}
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return ExecResult{}, err
	}
}

func (c *sshClient) SFTPSession() (SFTPClient, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return sftpSession{client}, nil
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

type sftpSession struct {
	client *sftp.Client
}

func (s sftpSession) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

func (s sftpSession) Open(path string) (io.ReadCloser, error) {
	return s.client.Open(path)
}

func (s sftpSession) Close() error {
	return s.client.Close()
}
