// Package verifier is an abstract operational semantics for the shell subset
// the purifier produces. It runs statements over an in-memory environment and
// filesystem and checks determinism, idempotency and equivalence properties.
package verifier

import (
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/jonchun/shellpure/ast"
)

// Entry is one filesystem object.
type Entry interface {
	owner() (uid, gid uint32)
}

type Directory struct {
	Mode uint32
	UID  uint32
	GID  uint32
}

type File struct {
	Content string
	Mode    uint32
	UID     uint32
	GID     uint32
	Mtime   *int64
}

type Symlink struct {
	Target string
	UID    uint32
	GID    uint32
}

func (d Directory) owner() (uint32, uint32) { return d.UID, d.GID }
func (f File) owner() (uint32, uint32)      { return f.UID, f.GID }
func (l Symlink) owner() (uint32, uint32)   { return l.UID, l.GID }

// State is a snapshot of everything a script can observe or change.
//
// Every path in FS is absolute and clean, and its parent is a Directory in FS
// unless it is "/". Permissions are computed from modes and ids on demand.
type State struct {
	Env      map[string]string
	FS       map[string]Entry
	Cwd      string
	ExitCode int
	Stdout   []string
	Stderr   []string
	Euid     uint32
	Egid     uint32

	// Users and Groups map account names to ids for useradd, groupadd and id.
	Users  map[string]uint32
	Groups map[string]uint32

	Funcs  map[string]ast.Stmt
	Exited bool
}

// Clone returns a copy that shares nothing mutable with s.
func (s State) Clone() State {
	c := s
	c.Env = maps.Clone(s.Env)
	c.FS = maps.Clone(s.FS)
	c.Users = maps.Clone(s.Users)
	c.Groups = maps.Clone(s.Groups)
	c.Funcs = maps.Clone(s.Funcs)
	c.Stdout = slices.Clone(s.Stdout)
	c.Stderr = slices.Clone(s.Stderr)
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	if c.FS == nil {
		c.FS = map[string]Entry{"/": Directory{Mode: 0o755}}
	}
	if c.Funcs == nil {
		c.Funcs = map[string]ast.Stmt{}
	}
	if c.Cwd == "" {
		c.Cwd = "/"
	}
	return c
}

var (
	// Function bodies are code, not state.
	ignoreFuncs = cmpopts.IgnoreFields(State{}, "Funcs")
	// Effects exclude the output streams, which grow on every run.
	ignoreOutput = cmpopts.IgnoreFields(State{}, "Funcs", "Stdout", "Stderr", "Exited")
	equateEmpty  = cmpopts.EquateEmpty()
)

// Equal compares two states in full, ignoring the function table.
func Equal(a, b State) bool {
	return cmp.Equal(a, b, ignoreFuncs, equateEmpty)
}

// EffectEqual compares filesystem, environment, accounts, working directory
// and exit code.
func EffectEqual(a, b State) bool {
	return cmp.Equal(a, b, ignoreOutput, equateEmpty)
}

func diff(a, b State) string {
	return cmp.Diff(a, b, ignoreFuncs, equateEmpty)
}

func effectDiff(a, b State) string {
	return cmp.Diff(a, b, ignoreOutput, equateEmpty)
}

// Abs resolves p against the working directory.
func (s *State) Abs(p string) string {
	if p == "" {
		return s.Cwd
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(s.Cwd, p)
	}
	return path.Clean(p)
}

const maxSymlinkHops = 8

// resolve follows symlinks in p. With follow unset the final component is
// not followed.
func (s *State) resolve(p string, follow bool) string {
	p = s.Abs(p)
	for range maxSymlinkHops {
		changed := false
		parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
		cur := "/"
		for i, part := range parts {
			if part == "" {
				continue
			}
			next := path.Join(cur, part)
			last := i == len(parts)-1
			if l, ok := s.FS[next].(Symlink); ok && (!last || follow) {
				target := l.Target
				if !strings.HasPrefix(target, "/") {
					target = path.Join(cur, target)
				}
				p = path.Clean(path.Join(append([]string{target}, parts[i+1:]...)...))
				changed = true
				break
			}
			cur = next
		}
		if !changed {
			return p
		}
	}
	return p
}

// Lookup returns the entry at p, following symlinks.
func (s *State) Lookup(p string) (Entry, bool) {
	e, ok := s.FS[s.resolve(p, true)]
	return e, ok
}

func (s *State) isDir(p string) bool {
	_, ok := s.FS[p].(Directory)
	return ok
}

// access checks one permission bit class (4 read, 2 write, 1 search) on e.
func (s *State) access(e Entry, bit uint32) bool {
	if s.Euid == 0 {
		return true
	}
	var mode uint32
	switch v := e.(type) {
	case Directory:
		mode = v.Mode
	case File:
		mode = v.Mode
	default:
		return true
	}
	uid, gid := e.owner()
	switch {
	case uid == s.Euid:
		return mode&(bit<<6) != 0
	case gid == s.Egid:
		return mode&(bit<<3) != 0
	default:
		return mode&bit != 0
	}
}

// CanWrite reports whether the directory or file at p may be modified by the
// effective user.
func (s *State) CanWrite(p string) bool {
	e, ok := s.Lookup(p)
	return ok && s.access(e, 2)
}

func (s *State) CanRead(p string) bool {
	e, ok := s.Lookup(p)
	return ok && s.access(e, 4)
}

// canUnlink applies the sticky-bit rule on top of write permission.
func (s *State) canUnlink(dir, p string) bool {
	if !s.CanWrite(dir) {
		return false
	}
	d, _ := s.Lookup(dir)
	if dd, ok := d.(Directory); ok && dd.Mode&0o1000 != 0 && s.Euid != 0 {
		uid, _ := s.FS[p].owner()
		return uid == s.Euid || dd.UID == s.Euid
	}
	return true
}

// children returns the paths directly or indirectly below dir.
func (s *State) children(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for p := range s.FS {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
