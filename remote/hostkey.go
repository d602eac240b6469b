package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyMode controls how host keys are verified.
type HostKeyMode string

const (
	// HostKeyAcceptNew trusts unknown hosts on first use, records them in
	// known_hosts and rejects changed keys.
	HostKeyAcceptNew HostKeyMode = "accept-new"
	// HostKeyStrict requires the key to be in known_hosts already.
	HostKeyStrict HostKeyMode = "strict"
	// HostKeyOff skips verification.
	HostKeyOff HostKeyMode = "off"
)

func ParseHostKeyMode(s string) (HostKeyMode, error) {
	switch m := HostKeyMode(s); m {
	case HostKeyAcceptNew, HostKeyStrict, HostKeyOff:
		return m, nil
	}
	return "", fmt.Errorf("unknown host key mode %q (want accept-new, strict or off)", s)
}

type HostKeyError struct {
	Message string
}

func (e *HostKeyError) Error() string {
	return e.Message
}

func hostKeyCallback(mode HostKeyMode, knownHostsFile string) (gossh.HostKeyCallback, error) {
	if mode == HostKeyOff {
		return gossh.InsecureIgnoreHostKey(), nil
	}
	if knownHostsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	switch mode {
	case HostKeyStrict:
		if _, err := os.Stat(knownHostsFile); err != nil {
			return nil, fmt.Errorf("strict host key checking needs %s: %w", knownHostsFile, err)
		}
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	case HostKeyAcceptNew:
		return trustOnFirstUse(knownHostsFile), nil
	}
	return nil, fmt.Errorf("unknown host key mode %q", mode)
}

func trustOnFirstUse(knownHostsFile string) gossh.HostKeyCallback {
	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key gossh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		var verifyErr error = &knownhosts.KeyError{}
		if _, err := os.Stat(knownHostsFile); err == nil {
			check, err := knownhosts.New(knownHostsFile)
			if err != nil {
				return fmt.Errorf("load known_hosts: %w", err)
			}
			verifyErr = check(hostname, remote, key)
		}
		if verifyErr == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(verifyErr, &keyErr) {
			return fmt.Errorf("verify host key: %w", verifyErr)
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyError{Message: fmt.Sprintf(
				"host key for %s does not match %s; remove the old entry if the change is expected",
				hostname, knownHostsFile)}
		}
		return recordHostKey(knownHostsFile, hostname, key)
	}
}

func recordHostKey(knownHostsFile, hostname string, key gossh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(knownHostsFile), 0700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(knownHostsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return f.Close()
}
