// Package config loads shellpure settings from file and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/jonchun/shellpure/lexer"
	"github.com/jonchun/shellpure/manifest"
	"github.com/jonchun/shellpure/purifier"
	"github.com/jonchun/shellpure/remote"
)

const (
	configFileName = "config.yaml"
	configDirName  = "shellpure"
)

// duration wraps time.Duration for YAML unmarshaling.
type duration struct {
	d time.Duration
}

func (d *duration) unmarshalText(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.d = parsed
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.unmarshalText(value.Value)
}

func (d *duration) Duration() time.Duration {
	return d.d
}

// Config for shellpure. Pointer fields; nil = unset.
type Config struct {
	DeterminismPolicy      *string `yaml:"determinism_policy"`
	QuotePolicy            *string `yaml:"quote_policy"`
	OnUnsafe               *string `yaml:"on_unsafe"`
	InjectPermissionChecks *bool   `yaml:"inject_permission_checks"`
	Seed                   *int64  `yaml:"seed"`
	ProcessID              *int    `yaml:"process_id"`
	Epoch                  *int64  `yaml:"epoch"`

	RulesDir    *string  `yaml:"rules_dir"`
	Exclude     []string `yaml:"exclude"`
	Parallelism *int     `yaml:"parallelism"`

	Timeout        *int       `yaml:"timeout"`
	MaxOutputBytes *int       `yaml:"max_output_bytes"`
	MaxScriptBytes *int       `yaml:"max_script_bytes"`
	SSH            *SSHConfig `yaml:"ssh"`
}

// SSHConfig holds settings for reading scripts from remote hosts.
type SSHConfig struct {
	ConnectTimeout  *duration `yaml:"connect_timeout"`
	Retries         *int      `yaml:"retries"`
	RetryBackoff    *duration `yaml:"retry_backoff"`
	HostKeyChecking *string   `yaml:"host_key_checking"`
	KnownHostsFile  *string   `yaml:"known_hosts_file"`
}

// LoadFrom loads config from path. Missing files return zero Config, nil.
func LoadFrom(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Load() (Config, error) {
	return LoadFrom(DefaultPath())
}

func envInt(name string, dst **int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = &n
	return nil
}

func envInt64(name string, dst **int64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = &n
	return nil
}

func envString(name string, dst **string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = &v
	}
}

func envDuration(name string, dst **duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	d := &duration{}
	if err := d.unmarshalText(v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

func (c *Config) applyEnvOverrides() error {
	envString("SHELLPURE_DETERMINISM_POLICY", &c.DeterminismPolicy)
	envString("SHELLPURE_QUOTE_POLICY", &c.QuotePolicy)
	envString("SHELLPURE_ON_UNSAFE", &c.OnUnsafe)
	envString("SHELLPURE_RULES_DIR", &c.RulesDir)

	if v, ok := os.LookupEnv("SHELLPURE_INJECT_PERMISSION_CHECKS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse SHELLPURE_INJECT_PERMISSION_CHECKS: %w", err)
		}
		c.InjectPermissionChecks = &b
	}
	if v, ok := os.LookupEnv("SHELLPURE_EXCLUDE"); ok {
		c.Exclude = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Exclude = append(c.Exclude, p)
			}
		}
	}

	// SOURCE_DATE_EPOCH is the reproducible-builds convention for a fixed
	// clock; SHELLPURE_EPOCH wins when both are set.
	if err := envInt64("SOURCE_DATE_EPOCH", &c.Epoch); err != nil {
		return err
	}
	for _, e := range []struct {
		name string
		dst  **int64
	}{
		{"SHELLPURE_EPOCH", &c.Epoch},
		{"SHELLPURE_SEED", &c.Seed},
	} {
		if err := envInt64(e.name, e.dst); err != nil {
			return err
		}
	}
	for _, e := range []struct {
		name string
		dst  **int
	}{
		{"SHELLPURE_PROCESS_ID", &c.ProcessID},
		{"SHELLPURE_PARALLELISM", &c.Parallelism},
		{"SHELLPURE_TIMEOUT", &c.Timeout},
		{"SHELLPURE_MAX_OUTPUT_BYTES", &c.MaxOutputBytes},
		{"SHELLPURE_MAX_SCRIPT_BYTES", &c.MaxScriptBytes},
	} {
		if err := envInt(e.name, e.dst); err != nil {
			return err
		}
	}

	ssh := c.SSH
	if ssh == nil {
		ssh = &SSHConfig{}
	}
	if err := envDuration("SHELLPURE_SSH_CONNECT_TIMEOUT", &ssh.ConnectTimeout); err != nil {
		return err
	}
	if err := envInt("SHELLPURE_SSH_RETRIES", &ssh.Retries); err != nil {
		return err
	}
	if err := envDuration("SHELLPURE_SSH_RETRY_BACKOFF", &ssh.RetryBackoff); err != nil {
		return err
	}
	envString("SHELLPURE_SSH_HOST_KEY_CHECKING", &ssh.HostKeyChecking)
	envString("SHELLPURE_SSH_KNOWN_HOSTS_FILE", &ssh.KnownHostsFile)
	if c.SSH == nil && *ssh != (SSHConfig{}) {
		c.SSH = ssh
	}

	return nil
}

func (c *Config) validate() error {
	if c.DeterminismPolicy != nil {
		if _, err := purifier.ParseDeterminismPolicy(*c.DeterminismPolicy); err != nil {
			return err
		}
	}
	if c.QuotePolicy != nil {
		if _, err := purifier.ParseQuotePolicy(*c.QuotePolicy); err != nil {
			return err
		}
	}
	if c.OnUnsafe != nil {
		if _, err := purifier.ParseUnsafePolicy(*c.OnUnsafe); err != nil {
			return err
		}
	}
	if c.ProcessID != nil && *c.ProcessID <= 0 {
		return fmt.Errorf("process_id must be positive, got %d", *c.ProcessID)
	}
	if c.Epoch != nil && *c.Epoch < 0 {
		return fmt.Errorf("epoch must be non-negative, got %d", *c.Epoch)
	}
	if c.Parallelism != nil && (*c.Parallelism <= 0 || *c.Parallelism > 256) {
		return fmt.Errorf("parallelism must be between 1 and 256, got %d", *c.Parallelism)
	}
	if c.Timeout != nil && *c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", *c.Timeout)
	}
	if c.Timeout != nil && *c.Timeout > 3600 {
		return fmt.Errorf("timeout must not exceed 3600 seconds, got %d", *c.Timeout)
	}
	if c.MaxOutputBytes != nil && *c.MaxOutputBytes < 0 {
		return fmt.Errorf("max_output_bytes must be non-negative, got %d", *c.MaxOutputBytes)
	}
	if c.MaxOutputBytes != nil && *c.MaxOutputBytes > 1024*1024*1024 {
		return fmt.Errorf("max_output_bytes must not exceed 1 GB, got %d", *c.MaxOutputBytes)
	}
	if c.MaxScriptBytes != nil && (*c.MaxScriptBytes <= 0 || *c.MaxScriptBytes > lexer.MaxSourceBytes) {
		return fmt.Errorf("max_script_bytes must be between 1 and %d, got %d", lexer.MaxSourceBytes, *c.MaxScriptBytes)
	}
	for _, p := range c.Exclude {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("exclude pattern %q: %w", p, err)
		}
	}
	if c.SSH != nil {
		if c.SSH.Retries != nil && *c.SSH.Retries < 0 {
			return fmt.Errorf("ssh.retries must be non-negative, got %d", *c.SSH.Retries)
		}
		if c.SSH.ConnectTimeout != nil && c.SSH.ConnectTimeout.Duration() <= 0 {
			return fmt.Errorf("ssh.connect_timeout must be positive, got %v", c.SSH.ConnectTimeout.Duration())
		}
		if c.SSH.RetryBackoff != nil && c.SSH.RetryBackoff.Duration() <= 0 {
			return fmt.Errorf("ssh.retry_backoff must be positive, got %v", c.SSH.RetryBackoff.Duration())
		}
		if c.SSH.HostKeyChecking != nil {
			if _, err := remote.ParseHostKeyMode(*c.SSH.HostKeyChecking); err != nil {
				return fmt.Errorf("ssh.host_key_checking: %w", err)
			}
		}
	}
	return nil
}

// PurifierOptions builds purifier options from the defaults and the set
// fields. A rules_dir overlays the embedded command registry.
func (c Config) PurifierOptions() (purifier.Options, error) {
	opts := purifier.DefaultOptions()
	var err error
	if c.DeterminismPolicy != nil {
		if opts.DeterminismPolicy, err = purifier.ParseDeterminismPolicy(*c.DeterminismPolicy); err != nil {
			return opts, err
		}
	}
	if c.QuotePolicy != nil {
		if opts.QuotePolicy, err = purifier.ParseQuotePolicy(*c.QuotePolicy); err != nil {
			return opts, err
		}
	}
	if c.OnUnsafe != nil {
		if opts.OnUnsafe, err = purifier.ParseUnsafePolicy(*c.OnUnsafe); err != nil {
			return opts, err
		}
	}
	if c.InjectPermissionChecks != nil {
		opts.InjectPermissionChecks = *c.InjectPermissionChecks
	}
	if c.Seed != nil {
		opts.Seed = *c.Seed
	}
	if c.ProcessID != nil {
		opts.ProcessID = *c.ProcessID
	}
	if c.Epoch != nil {
		opts.Epoch = *c.Epoch
	}
	if c.RulesDir != nil && *c.RulesDir != "" {
		base, err := manifest.Default()
		if err != nil {
			return opts, fmt.Errorf("load command registry: %w", err)
		}
		overlay, err := manifest.LoadDir(*c.RulesDir)
		if err != nil {
			return opts, err
		}
		opts.Registry = manifest.Merge(base, overlay)
	}
	return opts, nil
}

// RemoteOptions converts the ssh section into remote manager options.
func (c Config) RemoteOptions() []remote.Option {
	if c.SSH == nil {
		return nil
	}
	var opts []remote.Option
	if c.SSH.ConnectTimeout != nil {
		opts = append(opts, remote.WithConnectTimeout(c.SSH.ConnectTimeout.Duration()))
	}
	if c.SSH.Retries != nil {
		opts = append(opts, remote.WithRetries(*c.SSH.Retries))
	}
	if c.SSH.RetryBackoff != nil {
		opts = append(opts, remote.WithRetryBackoff(c.SSH.RetryBackoff.Duration()))
	}
	if c.SSH.HostKeyChecking != nil {
		// validate has already parsed the mode.
		opts = append(opts, remote.WithHostKeyChecking(remote.HostKeyMode(*c.SSH.HostKeyChecking)))
	}
	if c.SSH.KnownHostsFile != nil {
		opts = append(opts, remote.WithKnownHostsFile(*c.SSH.KnownHostsFile))
	}
	return opts
}

// Excluder matches paths against the exclude patterns. Patterns use glob
// syntax with '/' as the separator, so "*" stays within one path segment
// and "**" crosses segments.
type Excluder struct {
	patterns []glob.Glob
}

func (c Config) Excluder() (*Excluder, error) {
	e := &Excluder{}
	for _, p := range c.Exclude {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, g)
	}
	return e, nil
}

// Match reports whether path, or its base name, matches any pattern.
func (e *Excluder) Match(path string) bool {
	if e == nil {
		return false
	}
	path = filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, g := range e.patterns {
		if g.Match(path) || g.Match(base) {
			return true
		}
	}
	return false
}

// DefaultPath is $XDG_CONFIG_HOME/shellpure/config.yaml, falling back to
// ~/.config.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDirName, configFileName)
}
