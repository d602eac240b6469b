package verifier

import (
	"path"
	"strconv"
	"strings"

	"github.com/jonchun/shellpure/ast"
)

type sinkKind int

const (
	sinkStdout sinkKind = iota
	sinkStderr
	sinkNull
	sinkFile
	sinkBuffer
)

// sink is where one output descriptor writes. Output is line-oriented: every
// write is one line.
type sink struct {
	kind sinkKind
	path string
	buf  *[]string
}

func (k sink) write(s *State, line string) {
	switch k.kind {
	case sinkStdout:
		s.Stdout = append(s.Stdout, line)
	case sinkStderr:
		s.Stderr = append(s.Stderr, line)
	case sinkFile:
		if f, ok := s.FS[k.path].(File); ok {
			f.Content += line + "\n"
			s.FS[k.path] = f
		}
	case sinkBuffer:
		*k.buf = append(*k.buf, line)
	}
}

type streams struct {
	in  []string
	out sink
	err sink
}

func (m *Machine) stdio() streams {
	return streams{out: sink{kind: sinkStdout}, err: sink{kind: sinkStderr}}
}

func (m *Machine) withRedirects(s *State, rs []*ast.Redirect, io streams, fn func(streams) ctrl) ctrl {
	if len(rs) == 0 {
		return fn(io)
	}
	rio, ok := m.redirect(s, rs, io)
	if !ok {
		return ctrlNone
	}
	return fn(rio)
}

// redirect applies rs in order. On failure the error is reported on the
// original stderr and ok is false.
func (m *Machine) redirect(s *State, rs []*ast.Redirect, io streams) (streams, bool) {
	orig := io
	for _, r := range rs {
		if r.HereDoc != nil {
			body, err := m.hereDoc(s, r.HereDoc, io)
			if err != nil {
				m.fail(s, orig, err.Error())
				return io, false
			}
			io.in = body
			continue
		}
		target, err := m.expandString(s, r.Target, io)
		if err != nil {
			m.fail(s, orig, err.Error())
			return io, false
		}
		fd := r.Fd
		switch r.Op {
		case ">", ">|", ">>", "&>", "&>>":
			k, msg := m.openWrite(s, target, r.Op == ">>" || r.Op == "&>>")
			if msg != "" {
				m.fail(s, orig, msg)
				return io, false
			}
			switch {
			case strings.HasPrefix(r.Op, "&"):
				io.out, io.err = k, k
			case fd == 2:
				io.err = k
			case fd < 0 || fd == 1:
				io.out = k
			}
		case ">&", "<&":
			if dup, err := strconv.Atoi(target); err == nil {
				var k sink
				switch dup {
				case 1:
					k = io.out
				case 2:
					k = io.err
				default:
					k = sink{kind: sinkNull}
				}
				switch {
				case fd == 2:
					io.err = k
				case fd < 0 && r.Op == ">&", fd == 1:
					io.out = k
				}
				continue
			}
			if target == "-" {
				continue
			}
			k, msg := m.openWrite(s, target, false)
			if msg != "" {
				m.fail(s, orig, msg)
				return io, false
			}
			io.out, io.err = k, k
		case "<":
			lines, msg := m.readFile(s, target)
			if msg != "" {
				m.fail(s, orig, msg)
				return io, false
			}
			io.in = lines
		}
	}
	return io, true
}

// openWrite opens target for writing, creating it when missing.
func (m *Machine) openWrite(s *State, target string, appendMode bool) (sink, string) {
	if target == "/dev/null" {
		return sink{kind: sinkNull}, ""
	}
	p := s.resolve(target, true)
	switch e := s.FS[p].(type) {
	case Directory:
		return sink{}, target + ": Is a directory"
	case File:
		if !s.access(e, 2) {
			return sink{}, "cannot create " + target + ": Permission denied"
		}
		if !appendMode {
			e.Content = ""
			s.FS[p] = e
		}
		return sink{kind: sinkFile, path: p}, ""
	}
	parent := path.Dir(p)
	if !s.isDir(parent) {
		return sink{}, "cannot create " + target + ": Directory nonexistent"
	}
	if !s.CanWrite(parent) {
		return sink{}, "cannot create " + target + ": Permission denied"
	}
	s.FS[p] = File{Mode: 0o644, UID: s.Euid, GID: s.Egid}
	return sink{kind: sinkFile, path: p}, ""
}

func (m *Machine) readFile(s *State, target string) ([]string, string) {
	e, ok := s.Lookup(target)
	if !ok {
		return nil, target + ": No such file or directory"
	}
	f, isFile := e.(File)
	if !isFile {
		return nil, target + ": Is a directory"
	}
	if !s.access(f, 4) {
		return nil, target + ": Permission denied"
	}
	return splitLines(f.Content), ""
}

func (m *Machine) hereDoc(s *State, hd *ast.HereDoc, io streams) ([]string, error) {
	body := hd.Content
	if hd.StripTabs {
		lines := strings.SplitAfter(body, "\n")
		for i, l := range lines {
			lines[i] = strings.TrimLeft(l, "\t")
		}
		body = strings.Join(lines, "")
	}
	if !hd.Quoted {
		var err error
		if body, err = m.expandText(s, body, io); err != nil {
			return nil, err
		}
	}
	return splitLines(body), nil
}

// splitLines splits file content into lines, dropping the final newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}
