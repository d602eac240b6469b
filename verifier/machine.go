package verifier

import (
	"math/rand/v2"

	"github.com/jonchun/shellpure/ast"
)

const (
	DefaultMaxLoopIterations = 1000
	DefaultSeed              = 1

	// defaultClock is the simulated epoch the first clock read returns.
	defaultClock   = 1700000000
	maxCallDepth   = 64
	firstProcessID = 4000
)

// Machine runs statements over a State. It owns the entropy a real shell
// would draw from: a random source, process ids and a clock that advances on
// every read. Two runs of the same statement on one machine see different
// values wherever the statement reads entropy.
type Machine struct {
	MaxLoopIterations int

	rng    *rand.Rand
	pid    int
	clock  int64
	frames [][]string
	depth  int
	levels int

	substStatus int
	substRan    bool
}

func NewMachine(seed int64) *Machine {
	return &Machine{
		MaxLoopIterations: DefaultMaxLoopIterations,
		rng:               rand.New(rand.NewPCG(uint64(seed), 0x5eed)),
		pid:               firstProcessID,
		clock:             defaultClock,
	}
}

// Step runs one statement on a fresh machine.
func Step(stmt ast.Stmt, s State) State {
	return NewMachine(DefaultSeed).Step(stmt, s)
}

// Run runs a script on a fresh machine.
func Run(script *ast.Script, s State) State {
	return NewMachine(DefaultSeed).Run(script, s)
}

// Step runs stmt as if it were the next statement of the process that
// produced s. The input state is not modified.
func (m *Machine) Step(stmt ast.Stmt, s State) State {
	st := s.Clone()
	st.Exited = false
	m.begin()
	m.exec(&st, stmt, m.stdio())
	return st
}

// Run runs script as a new process starting from s. Filesystem and accounts
// carry over; the exit code starts at 0.
func (m *Machine) Run(script *ast.Script, s State) State {
	st := s.Clone()
	st.Exited = false
	st.ExitCode = 0
	m.begin()
	if script != nil {
		m.list(&st, script.Stmts, m.stdio())
	}
	return st
}

func (m *Machine) begin() {
	m.pid++
	m.frames = [][]string{nil}
	m.depth = 0
	m.levels = 0
}

func (m *Machine) now() int64 {
	t := m.clock
	m.clock++
	return t
}

func (m *Machine) positional() []string {
	if len(m.frames) == 0 {
		return nil
	}
	return m.frames[len(m.frames)-1]
}

// ctrl is how a statement ended.
type ctrl int

const (
	ctrlNone ctrl = iota
	ctrlBreak
	ctrlContinue
	ctrlReturn
	ctrlExit
)

func (m *Machine) list(s *State, stmts []ast.Stmt, io streams) ctrl {
	for _, st := range stmts {
		if c := m.exec(s, st, io); c != ctrlNone {
			return c
		}
	}
	return ctrlNone
}

func (m *Machine) exec(s *State, stmt ast.Stmt, io streams) ctrl {
	if s.Exited {
		return ctrlExit
	}
	switch n := stmt.(type) {
	case *ast.Command:
		return m.command(s, n, io)
	case *ast.Assignment:
		m.substRan = false
		v, err := m.expandString(s, n.Value, io)
		if err != nil {
			m.fail(s, io, err.Error())
			return ctrlNone
		}
		s.Env[n.Name] = v
		s.ExitCode = 0
		if m.substRan {
			s.ExitCode = m.substStatus
		}
	case *ast.Pipeline:
		c := m.pipeline(s, n, io)
		if n.Negated {
			s.ExitCode = boolStatus(s.ExitCode != 0)
		}
		return c
	case *ast.AndOr:
		if c := m.exec(s, n.Left, io); c != ctrlNone {
			return c
		}
		if (n.Op == "&&") == (s.ExitCode == 0) {
			return m.exec(s, n.Right, io)
		}
	case *ast.If:
		return m.withRedirects(s, n.Redirects, io, func(io streams) ctrl { return m.ifStmt(s, n, io) })
	case *ast.For:
		return m.withRedirects(s, n.Redirects, io, func(io streams) ctrl { return m.forStmt(s, n, io) })
	case *ast.While:
		return m.withRedirects(s, n.Redirects, io, func(io streams) ctrl { return m.whileStmt(s, n, io) })
	case *ast.Case:
		return m.withRedirects(s, n.Redirects, io, func(io streams) ctrl { return m.caseStmt(s, n, io) })
	case *ast.Function:
		s.Funcs[n.Name] = n.Body
		s.ExitCode = 0
	case *ast.BraceGroup:
		return m.withRedirects(s, n.Redirects, io, func(io streams) ctrl { return m.list(s, n.Body, io) })
	case *ast.Subshell:
		return m.withRedirects(s, n.Redirects, io, func(io streams) ctrl {
			m.subshell(s, func() { m.list(s, n.Body, io) })
			return ctrlNone
		})
	case *ast.Background:
		m.subshell(s, func() { m.exec(s, n.Body, io) })
		s.ExitCode = 0
	}
	if s.Exited {
		return ctrlExit
	}
	return ctrlNone
}

// subshell runs fn in a child environment. Filesystem and account changes
// persist; variables, functions, the working directory and exit stay local.
func (m *Machine) subshell(s *State, fn func()) {
	env, funcs, cwd := cloneMap(s.Env), cloneMap(s.Funcs), s.Cwd
	frames, depth, levels := m.frames, m.depth, m.levels
	m.frames = append([][]string(nil), m.frames...)
	fn()
	s.Env, s.Funcs, s.Cwd = env, funcs, cwd
	m.frames, m.depth, m.levels = frames, depth, levels
	s.Exited = false
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *Machine) pipeline(s *State, p *ast.Pipeline, io streams) ctrl {
	if len(p.Stages) == 1 {
		return m.exec(s, p.Stages[0], io)
	}
	var input []string
	for i, stage := range p.Stages {
		stageIO := io
		if i > 0 {
			stageIO.in = input
		}
		var buf []string
		if i < len(p.Stages)-1 {
			stageIO.out = sink{kind: sinkBuffer, buf: &buf}
		}
		m.subshell(s, func() { m.exec(s, stage, stageIO) })
		input = buf
	}
	return ctrlNone
}

func (m *Machine) ifStmt(s *State, n *ast.If, io streams) ctrl {
	if c := m.list(s, n.Cond, io); c != ctrlNone {
		return c
	}
	if s.ExitCode == 0 {
		return m.list(s, n.Then, io)
	}
	for _, e := range n.Elifs {
		if c := m.list(s, e.Cond, io); c != ctrlNone {
			return c
		}
		if s.ExitCode == 0 {
			return m.list(s, e.Then, io)
		}
	}
	if len(n.Else) > 0 {
		return m.list(s, n.Else, io)
	}
	s.ExitCode = 0
	return ctrlNone
}

func (m *Machine) forStmt(s *State, n *ast.For, io streams) ctrl {
	items := m.positional()
	if n.HasIn {
		items = nil
		for _, w := range n.Items {
			fields, err := m.expandFields(s, w, io)
			if err != nil {
				m.fail(s, io, err.Error())
				return ctrlNone
			}
			items = append(items, fields...)
		}
	}
	s.ExitCode = 0
	for i, item := range items {
		if i >= m.MaxLoopIterations {
			m.fail(s, io, "for: loop iteration limit exceeded")
			return ctrlNone
		}
		s.Env[n.Var] = item
		c, stop := m.loopBody(s, n.Body, io)
		if stop {
			return c
		}
	}
	return ctrlNone
}

func (m *Machine) whileStmt(s *State, n *ast.While, io streams) ctrl {
	status := 0
	for i := 0; ; i++ {
		if i >= m.MaxLoopIterations {
			m.fail(s, io, "while: loop iteration limit exceeded")
			return ctrlNone
		}
		if c := m.list(s, n.Cond, io); c != ctrlNone {
			return c
		}
		if (s.ExitCode == 0) == n.Until {
			break
		}
		c, stop := m.loopBody(s, n.Body, io)
		status = s.ExitCode
		if stop {
			return c
		}
	}
	s.ExitCode = status
	return ctrlNone
}

// loopBody runs one iteration. stop is set when the loop must end, with the
// control signal to propagate.
func (m *Machine) loopBody(s *State, body []ast.Stmt, io streams) (ctrl, bool) {
	switch c := m.list(s, body, io); c {
	case ctrlBreak:
		m.levels--
		if m.levels > 0 {
			return ctrlBreak, true
		}
		return ctrlNone, true
	case ctrlContinue:
		m.levels--
		if m.levels > 0 {
			return ctrlContinue, true
		}
	case ctrlReturn, ctrlExit:
		return c, true
	}
	return ctrlNone, false
}

func (m *Machine) caseStmt(s *State, n *ast.Case, io streams) ctrl {
	subject, err := m.expandString(s, n.Word, io)
	if err != nil {
		m.fail(s, io, err.Error())
		return ctrlNone
	}
	s.ExitCode = 0
	for _, item := range n.Items {
		for _, pat := range item.Patterns {
			ok, err := m.matchPattern(s, pat, subject, io)
			if err != nil {
				m.fail(s, io, err.Error())
				return ctrlNone
			}
			if ok {
				return m.list(s, item.Body, io)
			}
		}
	}
	return ctrlNone
}

func (m *Machine) command(s *State, c *ast.Command, io streams) ctrl {
	m.substRan = false
	var fields []string
	if c.Name != nil {
		words := append([]*ast.Word{c.Name}, c.Args...)
		for _, w := range words {
			f, err := m.expandFields(s, w, io)
			if err != nil {
				m.fail(s, io, err.Error())
				return ctrlNone
			}
			fields = append(fields, f...)
		}
	}

	assigns := make(map[string]string, len(c.Env))
	order := make([]string, 0, len(c.Env))
	for _, a := range c.Env {
		v, err := m.expandString(s, a.Value, io)
		if err != nil {
			m.fail(s, io, err.Error())
			return ctrlNone
		}
		if _, seen := assigns[a.Name]; !seen {
			order = append(order, a.Name)
		}
		assigns[a.Name] = v
	}

	if len(fields) == 0 {
		for _, name := range order {
			s.Env[name] = assigns[name]
		}
		if _, ok := m.redirect(s, c.Redirects, io); !ok {
			return ctrlNone
		}
		s.ExitCode = 0
		if m.substRan {
			s.ExitCode = m.substStatus
		}
		return ctrlNone
	}

	// Prefix assignments only last for the command.
	saved := make(map[string]*string, len(order))
	for _, name := range order {
		if old, ok := s.Env[name]; ok {
			saved[name] = &old
		} else {
			saved[name] = nil
		}
		s.Env[name] = assigns[name]
	}
	defer func() {
		for name, old := range saved {
			if old == nil {
				delete(s.Env, name)
			} else {
				s.Env[name] = *old
			}
		}
	}()

	cio, ok := m.redirect(s, c.Redirects, io)
	if !ok {
		return ctrlNone
	}
	return m.dispatch(s, fields[0], fields[1:], cio)
}

func (m *Machine) dispatch(s *State, name string, args []string, io streams) ctrl {
	switch name {
	case "exit":
		if len(args) > 0 {
			s.ExitCode = atoiOr(args[0], 2) & 0xff
		}
		s.Exited = true
		return ctrlExit
	case "return":
		if len(args) > 0 {
			s.ExitCode = atoiOr(args[0], 2) & 0xff
		}
		if m.depth == 0 {
			s.Exited = true
			return ctrlExit
		}
		return ctrlReturn
	case "break", "continue":
		m.levels = 1
		if len(args) > 0 {
			m.levels = max(atoiOr(args[0], 1), 1)
		}
		s.ExitCode = 0
		if name == "break" {
			return ctrlBreak
		}
		return ctrlContinue
	case ".":
		return m.source(s, args, io)
	}
	if body, ok := s.Funcs[name]; ok {
		return m.call(s, body, args, io)
	}
	if fn, ok := builtins[name]; ok {
		s.ExitCode = fn(&call{m: m, s: s, name: name, args: args, io: io})
		return ctrlNone
	}
	s.ExitCode = 0
	return ctrlNone
}

func (m *Machine) call(s *State, body ast.Stmt, args []string, io streams) ctrl {
	if m.depth >= maxCallDepth {
		m.fail(s, io, "function call depth exceeded")
		return ctrlNone
	}
	m.depth++
	m.frames = append(m.frames, args)
	c := m.exec(s, body, io)
	m.frames = m.frames[:len(m.frames)-1]
	m.depth--
	if c == ctrlReturn {
		return ctrlNone
	}
	return c
}

// fail records a shell-level error: the message goes to stderr and the exit
// code becomes 1.
func (m *Machine) fail(s *State, io streams, msg string) {
	io.err.write(s, "sh: "+msg)
	s.ExitCode = 1
}

func boolStatus(ok bool) int {
	if ok {
		return 0
	}
	return 1
}
