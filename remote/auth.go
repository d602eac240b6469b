package remote

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// defaultKeyPaths lists the private keys tried when no identity file is
// given, strongest algorithm first.
func defaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".ssh")
	return []string{
		filepath.Join(dir, "id_ed25519"),
		filepath.Join(dir, "id_ecdsa"),
		filepath.Join(dir, "id_rsa"),
	}
}

// authMethods builds the auth chain: the explicit identity file, then the
// running ssh-agent, then the default keys. The returned release func closes
// the agent socket and is always safe to call.
func authMethods(params ConnectionParams) ([]gossh.AuthMethod, func(), error) {
	return authMethodsFrom(params, os.Getenv("SSH_AUTH_SOCK"), defaultKeyPaths())
}

func authMethodsFrom(params ConnectionParams, agentSock string, defaults []string) ([]gossh.AuthMethod, func(), error) {
	release := func() {}
	var methods []gossh.AuthMethod
	seen := make(map[string]bool)

	if params.IdentityFile != "" {
		seen[absPath(params.IdentityFile)] = true
		key, err := os.ReadFile(params.IdentityFile)
		if err != nil {
			return nil, release, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(key)
		if err != nil {
			return nil, release, fmt.Errorf("parse identity file %s: %w", params.IdentityFile, err)
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}

	if agentSock != "" {
		if conn, err := net.Dial("unix", agentSock); err == nil {
			release = func() { _ = conn.Close() }
			methods = append(methods, gossh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	// Unreadable, malformed and passphrase-protected default keys are skipped.
	for _, path := range defaults {
		abs := absPath(path)
		if seen[abs] {
			continue
		}
		seen[abs] = true
		key, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if signer, err := gossh.ParsePrivateKey(key); err == nil {
			methods = append(methods, gossh.PublicKeys(signer))
		}
	}

	return methods, release, nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
