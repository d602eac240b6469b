package verifier

import (
	"strconv"
)

// test implements test and [. Exit status 2 reports a malformed expression.
func test(c *call) int {
	args := c.args
	if c.name == "[" {
		if len(args) == 0 || args[len(args)-1] != "]" {
			return c.status2("missing ]")
		}
		args = args[:len(args)-1]
	}
	t := &tester{c: c, args: args}
	ok, err := t.eval()
	if err != "" {
		return c.status2(err)
	}
	return boolStatus(ok)
}

func (c *call) status2(msg string) int {
	c.errorf("%s", msg)
	return 2
}

type tester struct {
	c    *call
	args []string
	pos  int
}

// eval applies the POSIX rules for up to four arguments and falls back to
// the -a / -o grammar beyond that.
func (t *tester) eval() (bool, string) {
	a := t.args
	switch len(a) {
	case 0:
		return false, ""
	case 1:
		return a[0] != "", ""
	case 2:
		if a[0] == "!" {
			return a[1] == "", ""
		}
		return t.unary(a[0], a[1])
	case 3:
		if isBinary(a[1]) {
			return t.binary(a[0], a[1], a[2])
		}
		if a[0] == "!" {
			ok, err := (&tester{c: t.c, args: a[1:]}).eval()
			return !ok, err
		}
		if a[0] == "(" && a[2] == ")" {
			return a[1] != "", ""
		}
	case 4:
		if a[0] == "!" {
			ok, err := (&tester{c: t.c, args: a[1:]}).eval()
			return !ok, err
		}
	}
	ok, err := t.or()
	if err == "" && t.pos < len(t.args) {
		return false, "unexpected " + t.args[t.pos]
	}
	return ok, err
}

func (t *tester) peek() string {
	if t.pos < len(t.args) {
		return t.args[t.pos]
	}
	return ""
}

func (t *tester) or() (bool, string) {
	ok, err := t.and()
	for err == "" && t.peek() == "-o" {
		t.pos++
		var rhs bool
		rhs, err = t.and()
		ok = ok || rhs
	}
	return ok, err
}

func (t *tester) and() (bool, string) {
	ok, err := t.not()
	for err == "" && t.peek() == "-a" {
		t.pos++
		var rhs bool
		rhs, err = t.not()
		ok = ok && rhs
	}
	return ok, err
}

func (t *tester) not() (bool, string) {
	if t.peek() == "!" {
		t.pos++
		ok, err := t.not()
		return !ok, err
	}
	return t.primary()
}

func (t *tester) primary() (bool, string) {
	if t.pos >= len(t.args) {
		return false, "argument expected"
	}
	a := t.args[t.pos]
	if a == "(" {
		t.pos++
		ok, err := t.or()
		if err != "" {
			return false, err
		}
		if t.peek() != ")" {
			return false, "closing paren expected"
		}
		t.pos++
		return ok, ""
	}
	if t.pos+2 < len(t.args) && isBinary(t.args[t.pos+1]) {
		x, op, y := a, t.args[t.pos+1], t.args[t.pos+2]
		t.pos += 3
		return t.binary(x, op, y)
	}
	if isUnary(a) && t.pos+1 < len(t.args) {
		operand := t.args[t.pos+1]
		t.pos += 2
		return t.unary(a, operand)
	}
	t.pos++
	return a != "", ""
}

func isUnary(op string) bool {
	switch op {
	case "-e", "-f", "-d", "-L", "-h", "-r", "-w", "-x", "-s", "-n", "-z",
		"-b", "-c", "-p", "-S", "-g", "-u", "-k", "-t", "-O", "-G", "-a":
		return true
	}
	return false
}

func isBinary(op string) bool {
	switch op {
	case "=", "==", "!=", "<", ">", "-eq", "-ne", "-lt", "-le", "-gt", "-ge", "-nt", "-ot", "-ef":
		return true
	}
	return false
}

func (t *tester) unary(op, operand string) (bool, string) {
	s := t.c.s
	switch op {
	case "-n":
		return operand != "", ""
	case "-z":
		return operand == "", ""
	case "-t":
		return false, ""
	case "-L", "-h":
		_, ok := s.FS[s.resolve(operand, false)].(Symlink)
		return ok, ""
	}
	e, exists := s.Lookup(operand)
	switch op {
	case "-e", "-a":
		return exists, ""
	case "-f":
		_, ok := e.(File)
		return ok, ""
	case "-d":
		_, ok := e.(Directory)
		return ok, ""
	case "-r":
		return exists && s.access(e, 4), ""
	case "-w":
		return exists && s.access(e, 2), ""
	case "-x":
		return exists && s.access(e, 1), ""
	case "-s":
		if f, ok := e.(File); ok {
			return f.Content != "", ""
		}
		return exists, ""
	case "-O", "-G":
		if !exists {
			return false, ""
		}
		uid, gid := e.owner()
		if op == "-O" {
			return uid == s.Euid, ""
		}
		return gid == s.Egid, ""
	case "-b", "-c", "-p", "-S", "-g", "-u", "-k":
		return false, ""
	}
	return false, op + ": unary operator expected"
}

func (t *tester) binary(x, op, y string) (bool, string) {
	switch op {
	case "=", "==":
		return x == y, ""
	case "!=":
		return x != y, ""
	case "<":
		return x < y, ""
	case ">":
		return x > y, ""
	case "-nt", "-ot", "-ef":
		return false, ""
	}
	a, errA := strconv.ParseInt(x, 10, 64)
	if errA != nil {
		return false, x + ": integer expression expected"
	}
	b, errB := strconv.ParseInt(y, 10, 64)
	if errB != nil {
		return false, y + ": integer expression expected"
	}
	switch op {
	case "-eq":
		return a == b, ""
	case "-ne":
		return a != b, ""
	case "-lt":
		return a < b, ""
	case "-le":
		return a <= b, ""
	case "-gt":
		return a > b, ""
	case "-ge":
		return a >= b, ""
	}
	return false, op + ": binary operator expected"
}
