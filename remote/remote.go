// Package remote reads shell scripts from hosts over SSH and checks purified
// output with the host's own sh.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	RuntimeMs int
}

// SFTPClient is the subset of an SFTP session used to fetch scripts.
type SFTPClient interface {
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

type Client interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (ExecResult, error)
	SFTPSession() (SFTPClient, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, params ConnectionParams) (Client, error)
}

type ConnectionParams struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
}

type Connection struct {
	Client Client
	Params ConnectionParams
}

// Manager keeps one connection per host alias.
type Manager struct {
	mu          sync.Mutex
	dialer      Dialer
	connections map[string]*Connection
	retries     int
	backoff     time.Duration
	resolve     func(ConnectionParams) ConnectionParams
}

type Option func(*Manager)

func WithRetries(retries int) Option {
	return func(m *Manager) {
		if retries >= 0 {
			m.retries = retries
		}
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(m *Manager) {
		if backoff > 0 {
			m.backoff = backoff
		}
	}
}

// The dialer options below only apply to the default SSH dialer.

func WithConnectTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*SSHDialer); ok && timeout > 0 {
			d.ConnectTimeout = timeout
		}
	}
}

func WithHostKeyChecking(mode HostKeyMode) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*SSHDialer); ok {
			d.HostKeyMode = mode
		}
	}
}

func WithKnownHostsFile(path string) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*SSHDialer); ok {
			d.KnownHostsFile = path
		}
	}
}

// WithSSHConfig resolves host aliases against the ssh_config file at path
// instead of ~/.ssh/config. An empty path disables alias resolution.
func WithSSHConfig(path string) Option {
	return func(m *Manager) {
		if path == "" {
			m.resolve = nil
			return
		}
		r := loadResolver(path)
		m.resolve = r.apply
	}
}

// NewManager returns a manager dialing through dialer, or through SSH when
// dialer is nil.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	if dialer == nil {
		dialer = &SSHDialer{}
	}
	m := &Manager{
		dialer:      dialer,
		connections: make(map[string]*Connection),
		retries:     2,
		backoff:     250 * time.Millisecond,
		resolve:     userResolver().apply,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections) > 0
}

// Hosts lists the aliases of open connections.
func (m *Manager) Hosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts := make([]string, 0, len(m.connections))
	for h := range m.connections {
		hosts = append(hosts, h)
	}
	return hosts
}

// Connect dials params.Host, retrying transient failures with exponential
// backoff. The connection is stored under the alias the caller used.
func (m *Manager) Connect(ctx context.Context, params ConnectionParams) error {
	if params.Host == "" {
		return errors.New("host is required")
	}
	alias := params.Host
	if m.resolve != nil {
		params = m.resolve(params)
	}
	params = withDefaults(params)

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		client, err := m.dialer.Dial(ctx, params)
		if err == nil {
			m.mu.Lock()
			if old := m.connections[alias]; old != nil && old.Client != nil {
				_ = old.Client.Close()
			}
			m.connections[alias] = &Connection{Client: client, Params: params}
			m.mu.Unlock()
			return nil
		}
		lastErr = err
		if !isRetriable(err) || attempt == m.retries {
			break
		}
		if err := sleepWithContext(ctx, m.backoff*time.Duration(1<<attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("connect %s:%d: %w", params.Host, params.Port, lastErr)
}

// Resolve returns the connection for host. An empty host selects the only
// open connection.
func (m *Manager) Resolve(host string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if host != "" {
		conn := m.connections[host]
		if conn == nil {
			return nil, fmt.Errorf("not connected to host %q", host)
		}
		return conn, nil
	}
	switch len(m.connections) {
	case 0:
		return nil, errors.New("not connected")
	case 1:
		for _, conn := range m.connections {
			return conn, nil
		}
	}
	return nil, errors.New("host is required when multiple connections are active")
}

// Execute runs command on host, retrying transient transport errors. A
// non-zero exit status is a result, not an error.
func (m *Manager) Execute(ctx context.Context, host, command string, timeout time.Duration) (ExecResult, error) {
	conn, err := m.Resolve(host)
	if err != nil {
		return ExecResult{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		res, err := conn.Client.Execute(ctx, command, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetriable(err) || attempt == m.retries {
			break
		}
		if err := sleepWithContext(ctx, m.backoff*time.Duration(1<<attempt)); err != nil {
			return ExecResult{}, err
		}
	}
	return ExecResult{}, fmt.Errorf("execute: %w", lastErr)
}

func (m *Manager) SFTPSession(host string) (SFTPClient, error) {
	conn, err := m.Resolve(host)
	if err != nil {
		return nil, err
	}
	client, err := conn.Client.SFTPSession()
	if err != nil {
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	return client, nil
}

// Disconnect closes the connection to host, or every connection when host
// is empty. Unknown hosts are not an error.
func (m *Manager) Disconnect(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for h, conn := range m.connections {
		if host != "" && h != host {
			continue
		}
		if conn.Client != nil {
			if err := conn.Client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", h, err))
			}
		}
		delete(m.connections, h)
	}
	return errors.Join(errs...)
}

func withDefaults(params ConnectionParams) ConnectionParams {
	if params.User == "" {
		params.User = "root"
	}
	if params.Port == 0 {
		params.Port = 22
	}
	return params
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var hostKeyErr *HostKeyError
	if errors.As(err, &hostKeyErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{"connection reset", "connection refused", "broken pipe", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
