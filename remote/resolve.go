package remote

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
)

// resolver maps host aliases through an ssh_config file. A resolver without
// a config leaves params unchanged.
type resolver struct {
	cfg *sshconfig.Config
}

func loadResolver(path string) *resolver {
	f, err := os.Open(path)
	if err != nil {
		return &resolver{}
	}
	defer func() { _ = f.Close() }()
	cfg, err := sshconfig.Decode(f)
	if err != nil {
		return &resolver{}
	}
	return &resolver{cfg: cfg}
}

func userResolver() *resolver {
	home, err := os.UserHomeDir()
	if err != nil {
		return &resolver{}
	}
	return loadResolver(filepath.Join(home, ".ssh", "config"))
}

// apply fills params from the alias's Host block. Explicit params win over
// the file, except HostName, which always replaces the alias.
func (r *resolver) apply(params ConnectionParams) ConnectionParams {
	if r.cfg == nil {
		return params
	}
	alias := params.Host
	get := func(key string) string {
		v, err := r.cfg.Get(alias, key)
		if err != nil {
			return ""
		}
		return v
	}

	if h := get("HostName"); h != "" {
		params.Host = h
	}
	if u := get("User"); params.User == "" && u != "" {
		params.User = u
	}
	if p, err := strconv.Atoi(get("Port")); params.Port == 0 && err == nil && p > 0 {
		params.Port = p
	}
	if params.IdentityFile == "" {
		if files, err := r.cfg.GetAll(alias, "IdentityFile"); err == nil && len(files) > 0 {
			params.IdentityFile = expandHome(files[0])
		}
	}
	return params
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
