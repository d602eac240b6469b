// Package manifest loads and merges the YAML registry of commands whose
// behaviour the purifier has to know about: commands that mutate the
// filesystem, how to make them idempotent, and which ones cannot be.
package manifest

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// SubcommandCommands identifies commands registered per subcommand, keyed as
// "<command>_<subcommand>" (for example git_clone).
var SubcommandCommands = map[string]bool{
	"git": true,
}

//go:embed rules/*.yaml
var rulesFS embed.FS

type ManifestError struct {
	Message string
}

func (e *ManifestError) Error() string {
	return e.Message
}

// Rewrite names the transformation the purifier applies to a command.
type Rewrite string

const (
	// RewriteNone leaves the command alone; it may still mutate the filesystem.
	RewriteNone Rewrite = ""
	// RewriteFlag adds the idempotent flag unless an equivalent one is present.
	RewriteFlag Rewrite = "flag"
	// RewriteGuard prefixes the command with `probe ||`.
	RewriteGuard Rewrite = "guard"
	// RewriteReject marks commands with no idempotent form.
	RewriteReject Rewrite = "reject"
	// RewriteTime marks commands whose output depends on the clock.
	RewriteTime Rewrite = "time"
)

// Target selects which positional arguments a mutating command writes to.
type Target string

const (
	TargetAll      Target = "all"
	TargetLast     Target = "last"
	TargetCloneDir Target = "clone_dir"
)

type Flag struct {
	Flag        string `yaml:"flag"`
	Description string `yaml:"description"`
	TakesValue  bool   `yaml:"takes_value"`
	Idempotent  bool   `yaml:"idempotent"`
}

// Guard describes the probe that proves a guarded command already ran.
// "{target}" in Probe is replaced by the selected argument.
type Guard struct {
	Probe  []string `yaml:"probe"`
	Target Target   `yaml:"target"`
}

type Manifest struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Category       string   `yaml:"category"`
	Rewrite        Rewrite  `yaml:"rewrite"`
	IdempotentFlag string   `yaml:"idempotent_flag"`
	MergeFlags     []string `yaml:"merge_flags"`
	Flags          []Flag   `yaml:"flags"`
	Guard          *Guard   `yaml:"guard"`
	Reason         string   `yaml:"reason"`
	Mutates        bool     `yaml:"mutates"`
	Targets        Target   `yaml:"targets"`

	// Wrapper commands run another command given as an argument (sudo, env).
	// SkipPositionals counts positionals before the wrapped command, such as
	// the duration of timeout.
	Wrapper         bool `yaml:"wrapper"`
	SkipPositionals int  `yaml:"skip_positionals"`
	// Escalates marks wrappers that run the command as another user.
	Escalates bool `yaml:"escalates"`
}

// Registry maps command names (or command_subcommand keys) to manifests.
type Registry map[string]*Manifest

func (m *Manifest) GetFlag(name string) *Flag {
	for i := range m.Flags {
		if m.Flags[i].Flag == name {
			return &m.Flags[i]
		}
	}
	return nil
}

// Lookup finds the manifest for a command invocation. args are the static
// argument values, used to resolve subcommand entries.
func (r Registry) Lookup(name string, args []string) (*Manifest, string) {
	if SubcommandCommands[name] {
		for _, a := range args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			key := name + "_" + a
			if m := r[key]; m != nil {
				return m, key
			}
			break
		}
	}
	return r[name], name
}

// maxWrapperDepth bounds Unwrap on chains such as sudo env nice cmd.
const maxWrapperDepth = 8

// Unwrap follows wrapper commands to the command they run. It returns that
// command's name and the index in args where its own arguments start; offset
// 0 means name is not a wrapper. Dynamic words must be passed as "".
func (r Registry) Unwrap(name string, args []string) (string, int) {
	return r.walkWrappers(name, args, nil)
}

// Escalates reports whether any wrapper Unwrap passes through runs the
// wrapped command as another user.
func (r Registry) Escalates(name string, args []string) bool {
	escalates := false
	r.walkWrappers(name, args, func(m *Manifest) {
		escalates = escalates || m.Escalates
	})
	return escalates
}

// walkWrappers follows nested wrappers and calls visit for each one it
// unwraps.
func (r Registry) walkWrappers(name string, args []string, visit func(*Manifest)) (string, int) {
	offset := 0
	for range maxWrapperDepth {
		m := r[name]
		if m == nil || !m.Wrapper {
			break
		}
		idx := -1
		skip := m.SkipPositionals
		for _, i := range m.Positionals(args[offset:]) {
			a := args[offset+i]
			if name == "env" && strings.Contains(a, "=") {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			idx = offset + i
			break
		}
		if idx < 0 || args[idx] == "" {
			break
		}
		if visit != nil {
			visit(m)
		}
		name = args[idx]
		offset = idx + 1
	}
	return name, offset
}

// LoadEmbedded parses the registry compiled into the binary.
func LoadEmbedded() (Registry, error) {
	return loadFromFS(rulesFS, "rules")
}

// Default returns the embedded registry, parsed once.
var Default = sync.OnceValues(LoadEmbedded)

// LoadDir loads manifests from dir (recursive). Skips _-prefixed and non-YAML files.
func LoadDir(dir string) (Registry, error) {
	registry, err := loadFromFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("walk rules directory %s: %w", dir, err)
	}
	return registry, nil
}

func loadFromFS(fsys fs.FS, root string) (Registry, error) {
	registry := make(Registry)

	err := fs.WalkDir(fsys, root, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(filePath) != ".yaml" || strings.HasPrefix(path.Base(filePath), "_") {
			return nil
		}

		b, readErr := fs.ReadFile(fsys, filePath)
		if readErr != nil {
			return fmt.Errorf("read manifest %s: %w", filePath, readErr)
		}

		var doc yaml.Node
		if unmarshalErr := yaml.Unmarshal(b, &doc); unmarshalErr != nil {
			return &ManifestError{
				Message: fmt.Sprintf("invalid YAML in %s: %v", filePath, unmarshalErr),
			}
		}
		flagsAsText(&doc)
		var data map[string]any
		if len(doc.Content) > 0 {
			if decodeErr := doc.Decode(&data); decodeErr != nil {
				return &ManifestError{
					Message: fmt.Sprintf("invalid YAML in %s: %v", filePath, decodeErr),
				}
			}
		}

		manifest, parseErr := parseManifest(data, filePath)
		if parseErr != nil {
			return parseErr
		}
		registry[manifest.Name] = manifest
		return nil
	})
	if err != nil {
		return nil, err
	}

	return registry, nil
}

// flagSpellings are the manifest keys whose scalars are command-line flags.
var flagSpellings = map[string]bool{
	"flag":            true,
	"idempotent_flag": true,
	"merge_flags":     true,
}

// flagsAsText retags flag scalars as strings so that unquoted spellings like
// -0 or -1 keep their source text instead of decoding as numbers.
func flagsAsText(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			flagsAsText(c)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if flagSpellings[key.Value] {
				textScalars(val)
				continue
			}
			flagsAsText(val)
		}
	}
}

func textScalars(n *yaml.Node) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag != "!!null" {
			n.Tag = "!!str"
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			textScalars(c)
		}
	}
}

// Merge combines base and overlay; overlay wins on conflict. Does not mutate inputs.
func Merge(base, overlay Registry) Registry {
	merged := make(Registry, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func parseManifest(data map[string]any, filePath string) (*Manifest, error) {
	if data == nil {
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s is not a YAML mapping", filePath)}
	}

	name, ok := stringValue(data, "name")
	if !ok || name == "" {
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s missing required 'name' field", filePath)}
	}

	flags, err := parseFlags(data["flags"], filePath)
	if err != nil {
		return nil, err
	}

	mergeFlags, err := stringSliceValue(data, "merge_flags", filePath)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Name:           name,
		Description:    defaultString(data, "description"),
		Category:       defaultString(data, "category"),
		Rewrite:        Rewrite(defaultString(data, "rewrite")),
		IdempotentFlag: defaultString(data, "idempotent_flag"),
		MergeFlags:     mergeFlags,
		Flags:          flags,
		Reason:         defaultString(data, "reason"),
		Mutates:        defaultBool(data, "mutates"),
		Targets:        Target(defaultString(data, "targets")),
		Wrapper:        defaultBool(data, "wrapper"),
		Escalates:      defaultBool(data, "escalates"),
	}
	if raw, ok := data["skip_positionals"]; ok {
		n, isInt := raw.(int)
		if !isInt || n < 0 {
			return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: 'skip_positionals' must be a non-negative integer", filePath)}
		}
		m.SkipPositionals = n
	}
	if m.Mutates && m.Targets == "" {
		m.Targets = TargetAll
	}

	if raw, ok := data["guard"]; ok && raw != nil {
		guard, err := parseGuard(raw, filePath)
		if err != nil {
			return nil, err
		}
		m.Guard = guard
	}

	switch m.Rewrite {
	case RewriteNone, RewriteTime:
	case RewriteFlag:
		if m.IdempotentFlag == "" {
			return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: rewrite 'flag' requires 'idempotent_flag'", filePath)}
		}
	case RewriteGuard:
		if m.Guard == nil || len(m.Guard.Probe) == 0 {
			return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: rewrite 'guard' requires 'guard.probe'", filePath)}
		}
	case RewriteReject:
		if m.Reason == "" {
			return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: rewrite 'reject' requires 'reason'", filePath)}
		}
	default:
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: unknown rewrite %q", filePath, m.Rewrite)}
	}

	switch m.Targets {
	case "", TargetAll, TargetLast, TargetCloneDir:
	default:
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: unknown targets %q", filePath, m.Targets)}
	}

	return m, nil
}

func parseGuard(raw any, filePath string) (*Guard, error) {
	guardMap, ok := raw.(map[string]any)
	if !ok {
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: 'guard' must be a mapping", filePath)}
	}
	probe, err := stringSliceValue(guardMap, "probe", filePath)
	if err != nil {
		return nil, err
	}
	target := Target(defaultString(guardMap, "target"))
	if target == "" {
		target = TargetLast
	}
	return &Guard{Probe: probe, Target: target}, nil
}

func parseFlags(raw any, filePath string) ([]Flag, error) {
	if raw == nil {
		return nil, nil
	}

	rawFlags, ok := raw.([]any)
	if !ok {
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: 'flags' must be a list", filePath)}
	}

	flags := make([]Flag, 0, len(rawFlags))
	for _, rawFlag := range rawFlags {
		flagMap, ok := rawFlag.(map[string]any)
		if !ok {
			return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: flag entry must be a mapping", filePath)}
		}

		flag, ok := stringValue(flagMap, "flag")
		if !ok || flag == "" {
			return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: flag entry missing 'flag' field", filePath)}
		}

		flags = append(flags, Flag{
			Flag:        flag,
			Description: defaultString(flagMap, "description"),
			TakesValue:  defaultBool(flagMap, "takes_value"),
			Idempotent:  defaultBool(flagMap, "idempotent"),
		})
	}

	return flags, nil
}

func defaultString(values map[string]any, key string) string {
	v, ok := stringValue(values, key)
	if !ok {
		return ""
	}
	return v
}

func defaultBool(values map[string]any, key string) bool {
	raw, ok := values[key]
	if !ok {
		return false
	}
	b, ok := raw.(bool)
	return ok && b
}

func stringValue(values map[string]any, key string) (string, bool) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return "", false
	}
	v, ok := raw.(string)
	return v, ok
}

func stringSliceValue(values map[string]any, key string, filePath string) ([]string, error) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return nil, nil
	}

	switch typed := raw.(type) {
	case []string:
		return slices.Clone(typed), nil
	case []any:
		result := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: '%s' must be a string list", filePath, key)}
			}
			result = append(result, s)
		}
		return result, nil
	default:
		return nil, &ManifestError{Message: fmt.Sprintf("manifest %s: '%s' must be a string list", filePath, key)}
	}
}
