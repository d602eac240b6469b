package verifier

import (
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jonchun/shellpure/parser"
)

// call is one builtin invocation.
type call struct {
	m    *Machine
	s    *State
	name string
	args []string
	io   streams
}

func (c *call) println(line string) {
	c.io.out.write(c.s, line)
}

func (c *call) errorf(format string, args ...any) int {
	c.io.err.write(c.s, c.name+": "+fmt.Sprintf(format, args...))
	return 1
}

var builtins map[string]func(*call) int

func init() {
	builtins = map[string]func(*call) int{
		":":        func(*call) int { return 0 },
		"true":     func(*call) int { return 0 },
		"false":    func(*call) int { return 1 },
		"echo":     echo,
		"printf":   printf,
		"cat":      cat,
		"wc":       wc,
		"mkdir":    mkdir,
		"rm":       rm,
		"rmdir":    rmdir,
		"ln":       ln,
		"touch":    touch,
		"cp":       cp,
		"mv":       mv,
		"chmod":    chmod,
		"chown":    chown,
		"cd":       cd,
		"pwd":      func(c *call) int { c.println(c.s.Cwd); return 0 },
		"export":   export,
		"readonly": export,
		"local":    export,
		"unset":    unset,
		"shift":    shift,
		"set":      set,
		"dirname":  dirname,
		"basename": basename,
		"test":     test,
		"[":        test,
		"id":       id,
		"useradd":  useradd,
		"groupadd": groupadd,
		"getent":   getent,
		"git":      git,
		"date":     date,
		"command":  command,
	}
}

// options splits args into single-letter flags, values of the letters in
// valued, and operands. Long options are kept whole in flags.
func options(args []string, valued string) (flags map[string]bool, values map[byte]string, operands []string) {
	flags = map[string]bool{}
	values = map[byte]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			return flags, values, append(operands, args[i+1:]...)
		case strings.HasPrefix(a, "--"):
			flags[a] = true
		case len(a) > 1 && a[0] == '-':
			for j := 1; j < len(a); j++ {
				letter := a[j]
				if strings.IndexByte(valued, letter) < 0 {
					flags[string(letter)] = true
					continue
				}
				switch {
				case j+1 < len(a):
					values[letter] = a[j+1:]
				case i+1 < len(args):
					i++
					values[letter] = args[i]
				}
				j = len(a)
			}
		default:
			operands = append(operands, a)
		}
	}
	return flags, values, operands
}

func echo(c *call) int {
	args := c.args
	for len(args) > 0 && (args[0] == "-n" || args[0] == "-e" || args[0] == "-E") {
		args = args[1:]
	}
	c.println(strings.Join(args, " "))
	return 0
}

func printf(c *call) int {
	if len(c.args) == 0 {
		return c.errorf("usage: printf format [arguments]")
	}
	format, args := c.args[0], c.args[1:]
	var b strings.Builder
	for {
		used := 0
		for i := 0; i < len(format); i++ {
			ch := format[i]
			switch {
			case ch == '\\' && i+1 < len(format):
				i++
				switch format[i] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '\\':
					b.WriteByte('\\')
				default:
					b.WriteByte('\\')
					b.WriteByte(format[i])
				}
			case ch == '%' && i+1 < len(format):
				i++
				verb := format[i]
				if verb == '%' {
					b.WriteByte('%')
					continue
				}
				arg := ""
				if used < len(args) {
					arg = args[used]
				}
				used++
				switch verb {
				case 'd', 'i':
					n, _ := strconv.ParseInt(arg, 10, 64)
					b.WriteString(strconv.FormatInt(n, 10))
				default:
					b.WriteString(arg)
				}
			default:
				b.WriteByte(ch)
			}
		}
		if used == 0 || used >= len(args) {
			break
		}
		args = args[used:]
	}
	out := b.String()
	if out != "" {
		for _, line := range strings.Split(strings.TrimSuffix(out, "\n"), "\n") {
			c.println(line)
		}
	}
	return 0
}

func cat(c *call) int {
	_, _, files := options(c.args, "")
	if len(files) == 0 {
		files = []string{"-"}
	}
	status := 0
	for _, f := range files {
		if f == "-" {
			for _, line := range c.io.in {
				c.println(line)
			}
			continue
		}
		lines, msg := c.m.readFile(c.s, f)
		if msg != "" {
			status = c.errorf("%s", msg)
			continue
		}
		for _, line := range lines {
			c.println(line)
		}
	}
	return status
}

func wc(c *call) int {
	flags, _, files := options(c.args, "")
	lines := c.io.in
	if len(files) > 0 {
		lines = nil
		for _, f := range files {
			l, msg := c.m.readFile(c.s, f)
			if msg != "" {
				return c.errorf("%s", msg)
			}
			lines = append(lines, l...)
		}
	}
	var nl, nw, nc int
	for _, l := range lines {
		nl++
		nw += len(strings.Fields(l))
		nc += len(l) + 1
	}
	switch {
	case flags["l"]:
		c.println(strconv.Itoa(nl))
	case flags["w"]:
		c.println(strconv.Itoa(nw))
	case flags["c"], flags["m"]:
		c.println(strconv.Itoa(nc))
	default:
		c.println(fmt.Sprintf("%d %d %d", nl, nw, nc))
	}
	return 0
}

func mkdir(c *call) int {
	flags, values, dirs := options(c.args, "m")
	parents := flags["p"] || flags["--parents"]
	mode := uint32(0o755)
	if v, ok := values['m']; ok {
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return c.errorf("invalid mode '%s'", v)
		}
		mode = uint32(n)
	}
	if len(dirs) == 0 {
		return c.errorf("missing operand")
	}
	status := 0
	for _, d := range dirs {
		p := c.s.resolve(d, false)
		if _, exists := c.s.Lookup(p); exists {
			if parents && c.s.isDir(c.s.resolve(p, true)) {
				continue
			}
			status = c.errorf("cannot create directory '%s': File exists", d)
			continue
		}
		var missing []string
		for q := p; ; q = path.Dir(q) {
			if _, ok := c.s.Lookup(q); ok {
				break
			}
			missing = append(missing, q)
			if q == "/" {
				break
			}
		}
		if len(missing) > 1 && !parents {
			status = c.errorf("cannot create directory '%s': No such file or directory", d)
			continue
		}
		top := missing[len(missing)-1]
		parent := c.s.resolve(path.Dir(top), true)
		if !c.s.isDir(parent) {
			status = c.errorf("cannot create directory '%s': Not a directory", d)
			continue
		}
		if !c.s.CanWrite(parent) {
			status = c.errorf("cannot create directory '%s': Permission denied", d)
			continue
		}
		for i := len(missing) - 1; i >= 0; i-- {
			m := uint32(0o755)
			if i == 0 {
				m = mode
			}
			c.s.FS[c.s.resolve(missing[i], true)] = Directory{Mode: m, UID: c.s.Euid, GID: c.s.Egid}
		}
	}
	return status
}

func rm(c *call) int {
	flags, _, paths := options(c.args, "")
	force := flags["f"] || flags["--force"]
	recursive := flags["r"] || flags["R"] || flags["--recursive"]
	if len(paths) == 0 && !force {
		return c.errorf("missing operand")
	}
	status := 0
	for _, target := range paths {
		p := c.s.resolve(target, false)
		e, ok := c.s.FS[p]
		if !ok {
			if !force {
				status = c.errorf("cannot remove '%s': No such file or directory", target)
			}
			continue
		}
		if p == "/" {
			status = c.errorf("it is dangerous to operate recursively on '/'")
			continue
		}
		if _, isDir := e.(Directory); isDir && !recursive {
			status = c.errorf("cannot remove '%s': Is a directory", target)
			continue
		}
		if !c.s.canUnlink(path.Dir(p), p) {
			status = c.errorf("cannot remove '%s': Permission denied", target)
			continue
		}
		below := c.s.children(p)
		denied := slices.ContainsFunc(below, func(q string) bool { return !c.s.canUnlink(path.Dir(q), q) })
		if denied {
			status = c.errorf("cannot remove '%s': Permission denied", target)
			continue
		}
		for _, q := range below {
			delete(c.s.FS, q)
		}
		delete(c.s.FS, p)
	}
	return status
}

func rmdir(c *call) int {
	flags, _, dirs := options(c.args, "")
	status := 0
	for _, d := range dirs {
		p := c.s.resolve(d, false)
		if _, ok := c.s.FS[p].(Directory); !ok {
			if !flags["--ignore-fail-on-non-empty"] {
				status = c.errorf("failed to remove '%s': No such file or directory", d)
			}
			continue
		}
		if len(c.s.children(p)) > 0 {
			if !flags["--ignore-fail-on-non-empty"] {
				status = c.errorf("failed to remove '%s': Directory not empty", d)
			}
			continue
		}
		if !c.s.canUnlink(path.Dir(p), p) {
			status = c.errorf("failed to remove '%s': Permission denied", d)
			continue
		}
		delete(c.s.FS, p)
	}
	return status
}

func ln(c *call) int {
	flags, _, operands := options(c.args, "")
	symbolic := flags["s"] || flags["--symbolic"]
	force := flags["f"] || flags["--force"]
	noDeref := flags["n"] || flags["--no-dereference"]
	if len(operands) == 0 || len(operands) > 2 {
		return c.errorf("expected a target and a link name")
	}
	target := operands[0]
	link := path.Base(target)
	if len(operands) == 2 {
		link = operands[1]
	}
	p := c.s.resolve(link, false)
	if !noDeref && c.s.isDir(c.s.resolve(link, true)) {
		p = path.Join(c.s.resolve(link, true), path.Base(target))
	}
	kind := "hard link"
	if symbolic {
		kind = "symbolic link"
	}
	if _, exists := c.s.FS[p]; exists {
		if !force {
			return c.errorf("failed to create %s '%s': File exists", kind, link)
		}
		if c.s.isDir(p) {
			return c.errorf("'%s': cannot overwrite directory", link)
		}
		if !c.s.canUnlink(path.Dir(p), p) {
			return c.errorf("cannot remove '%s': Permission denied", link)
		}
	}
	parent := path.Dir(p)
	if !c.s.isDir(parent) {
		return c.errorf("failed to create %s '%s': No such file or directory", kind, link)
	}
	if !c.s.CanWrite(parent) {
		return c.errorf("failed to create %s '%s': Permission denied", kind, link)
	}
	if symbolic {
		c.s.FS[p] = Symlink{Target: target, UID: c.s.Euid, GID: c.s.Egid}
		return 0
	}
	src, ok := c.s.Lookup(target)
	if !ok {
		return c.errorf("failed to access '%s': No such file or directory", target)
	}
	if _, isDir := src.(Directory); isDir {
		return c.errorf("'%s': hard link not allowed for directory", target)
	}
	c.s.FS[p] = src
	return 0
}

func touch(c *call) int {
	flags, _, files := options(c.args, "dr")
	status := 0
	now := c.m.clock
	for _, f := range files {
		p := c.s.resolve(f, true)
		switch e := c.s.FS[p].(type) {
		case File:
			if !c.s.access(e, 2) {
				status = c.errorf("cannot touch '%s': Permission denied", f)
				continue
			}
			e.Mtime = &now
			c.s.FS[p] = e
			continue
		case Directory:
			continue
		}
		if flags["c"] || flags["--no-create"] {
			continue
		}
		parent := path.Dir(p)
		if !c.s.isDir(parent) {
			status = c.errorf("cannot touch '%s': No such file or directory", f)
			continue
		}
		if !c.s.CanWrite(parent) {
			status = c.errorf("cannot touch '%s': Permission denied", f)
			continue
		}
		c.s.FS[p] = File{Mode: 0o644, UID: c.s.Euid, GID: c.s.Egid, Mtime: &now}
	}
	return status
}

func cp(c *call) int {
	_, _, operands := options(c.args, "")
	if len(operands) != 2 {
		return c.errorf("expected a source and a destination")
	}
	src, dst := operands[0], operands[1]
	e, ok := c.s.Lookup(src)
	if !ok {
		return c.errorf("cannot stat '%s': No such file or directory", src)
	}
	f, isFile := e.(File)
	if !isFile {
		return c.errorf("-r not specified; omitting directory '%s'", src)
	}
	if !c.s.access(f, 4) {
		return c.errorf("cannot open '%s' for reading: Permission denied", src)
	}
	p := c.s.resolve(dst, true)
	if c.s.isDir(p) {
		p = path.Join(p, path.Base(src))
	}
	if existing, ok := c.s.FS[p].(File); ok {
		if !c.s.access(existing, 2) {
			return c.errorf("cannot create regular file '%s': Permission denied", dst)
		}
		existing.Content = f.Content
		c.s.FS[p] = existing
		return 0
	}
	if !c.s.isDir(path.Dir(p)) || !c.s.CanWrite(path.Dir(p)) {
		return c.errorf("cannot create regular file '%s': Permission denied", dst)
	}
	c.s.FS[p] = File{Content: f.Content, Mode: f.Mode, UID: c.s.Euid, GID: c.s.Egid}
	return 0
}

func mv(c *call) int {
	_, _, operands := options(c.args, "")
	if len(operands) != 2 {
		return c.errorf("expected a source and a destination")
	}
	src := c.s.resolve(operands[0], false)
	e, ok := c.s.FS[src]
	if !ok {
		return c.errorf("cannot stat '%s': No such file or directory", operands[0])
	}
	dst := c.s.resolve(operands[1], true)
	if c.s.isDir(dst) {
		dst = path.Join(dst, path.Base(src))
	}
	if !c.s.canUnlink(path.Dir(src), src) || !c.s.isDir(path.Dir(dst)) || !c.s.CanWrite(path.Dir(dst)) {
		return c.errorf("cannot move '%s' to '%s': Permission denied", operands[0], operands[1])
	}
	for _, q := range c.s.children(src) {
		c.s.FS[dst+strings.TrimPrefix(q, src)] = c.s.FS[q]
		delete(c.s.FS, q)
	}
	delete(c.s.FS, src)
	c.s.FS[dst] = e
	return 0
}

func chmod(c *call) int {
	operands := slices.DeleteFunc(slices.Clone(c.args), func(a string) bool { return a == "-R" || a == "-v" })
	if len(operands) < 2 {
		return c.errorf("missing operand")
	}
	n, err := strconv.ParseUint(operands[0], 8, 32)
	if err != nil {
		return c.errorf("invalid mode: '%s'", operands[0])
	}
	status := 0
	for _, f := range operands[1:] {
		p := c.s.resolve(f, true)
		e, ok := c.s.FS[p]
		if !ok {
			status = c.errorf("cannot access '%s': No such file or directory", f)
			continue
		}
		if uid, _ := e.owner(); c.s.Euid != 0 && uid != c.s.Euid {
			status = c.errorf("changing permissions of '%s': Operation not permitted", f)
			continue
		}
		switch v := e.(type) {
		case Directory:
			v.Mode = uint32(n)
			c.s.FS[p] = v
		case File:
			v.Mode = uint32(n)
			c.s.FS[p] = v
		}
	}
	return status
}

func chown(c *call) int {
	operands := slices.DeleteFunc(slices.Clone(c.args), func(a string) bool { return a == "-R" || a == "-v" })
	if len(operands) < 2 {
		return c.errorf("missing operand")
	}
	user, group, _ := strings.Cut(operands[0], ":")
	uid, uok := c.s.Users[user]
	if !uok && user != "" {
		return c.errorf("invalid user: '%s'", operands[0])
	}
	gid, gok := c.s.Groups[group]
	if !gok && group != "" {
		return c.errorf("invalid group: '%s'", operands[0])
	}
	status := 0
	for _, f := range operands[1:] {
		p := c.s.resolve(f, true)
		e, ok := c.s.FS[p]
		if !ok {
			status = c.errorf("cannot access '%s': No such file or directory", f)
			continue
		}
		if c.s.Euid != 0 {
			status = c.errorf("changing ownership of '%s': Operation not permitted", f)
			continue
		}
		ou, og := e.owner()
		if user != "" {
			ou = uid
		}
		if group != "" {
			og = gid
		}
		switch v := e.(type) {
		case Directory:
			v.UID, v.GID = ou, og
			c.s.FS[p] = v
		case File:
			v.UID, v.GID = ou, og
			c.s.FS[p] = v
		case Symlink:
			v.UID, v.GID = ou, og
			c.s.FS[p] = v
		}
	}
	return status
}

func cd(c *call) int {
	dir := c.s.Env["HOME"]
	if len(c.args) > 0 {
		dir = c.args[0]
	}
	if dir == "-" {
		dir = c.s.Env["OLDPWD"]
	}
	p := c.s.resolve(dir, true)
	e, ok := c.s.FS[p].(Directory)
	if !ok {
		return c.errorf("can't cd to %s", dir)
	}
	if !c.s.access(e, 1) {
		return c.errorf("can't cd to %s: Permission denied", dir)
	}
	c.s.Env["OLDPWD"] = c.s.Cwd
	c.s.Cwd = p
	c.s.Env["PWD"] = p
	return 0
}

func export(c *call) int {
	for _, a := range c.args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(a, "=")
		if hasValue {
			c.s.Env[name] = value
		}
	}
	return 0
}

func unset(c *call) int {
	funcs := false
	for _, a := range c.args {
		switch a {
		case "-f":
			funcs = true
		case "-v":
			funcs = false
		default:
			if funcs {
				delete(c.s.Funcs, a)
			} else {
				delete(c.s.Env, a)
			}
		}
	}
	return 0
}

func shift(c *call) int {
	n := 1
	if len(c.args) > 0 {
		n = atoiOr(c.args[0], 1)
	}
	args := c.m.positional()
	if n > len(args) {
		return c.errorf("can't shift that many")
	}
	c.m.frames[len(c.m.frames)-1] = args[n:]
	return 0
}

func set(c *call) int {
	for i, a := range c.args {
		if a == "--" {
			c.m.frames[len(c.m.frames)-1] = slices.Clone(c.args[i+1:])
			break
		}
	}
	return 0
}

func dirname(c *call) int {
	if len(c.args) == 0 {
		return c.errorf("missing operand")
	}
	for _, a := range c.args {
		c.println(dirnameOf(a))
	}
	return 0
}

// dirnameOf follows POSIX dirname, which differs from path.Dir on trailing
// slashes.
func dirnameOf(p string) string {
	if p == "" {
		return "."
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "."
	}
	p = strings.TrimRight(p[:i], "/")
	if p == "" {
		return "/"
	}
	return p
}

func basename(c *call) int {
	if len(c.args) == 0 {
		return c.errorf("missing operand")
	}
	p := strings.TrimRight(c.args[0], "/")
	switch {
	case p == "" && c.args[0] != "":
		p = "/"
	case strings.Contains(p, "/"):
		p = p[strings.LastIndexByte(p, '/')+1:]
	}
	if len(c.args) > 1 && p != c.args[1] {
		p = strings.TrimSuffix(p, c.args[1])
	}
	c.println(p)
	return 0
}

func id(c *call) int {
	flags, _, operands := options(c.args, "")
	uid, gid := c.s.Euid, c.s.Egid
	name := nameOf(c.s.Users, uid)
	if len(operands) > 0 {
		name = operands[0]
		u, ok := c.s.Users[name]
		if !ok {
			return c.errorf("'%s': no such user", name)
		}
		uid = u
		if g, ok := c.s.Groups[name]; ok {
			gid = g
		}
	}
	switch {
	case flags["u"] && flags["n"]:
		c.println(name)
	case flags["u"]:
		c.println(strconv.FormatUint(uint64(uid), 10))
	case flags["g"]:
		c.println(strconv.FormatUint(uint64(gid), 10))
	default:
		c.println(fmt.Sprintf("uid=%d(%s) gid=%d(%s)", uid, name, gid, nameOf(c.s.Groups, gid)))
	}
	return 0
}

func nameOf(ids map[string]uint32, id uint32) string {
	for name, v := range ids {
		if v == id {
			return name
		}
	}
	return strconv.FormatUint(uint64(id), 10)
}

func nextID(ids map[string]uint32) uint32 {
	next := uint32(1001)
	for _, v := range ids {
		if v >= next && v < 60000 {
			next = v + 1
		}
	}
	return next
}

func useradd(c *call) int {
	flags, values, operands := options(c.args, "cdefgGkKpsu")
	if len(operands) == 0 {
		return c.errorf("missing user name")
	}
	name := operands[len(operands)-1]
	if c.s.Euid != 0 {
		return c.errorf("Permission denied.")
	}
	if _, exists := c.s.Users[name]; exists {
		c.errorf("user '%s' already exists", name)
		return 9
	}
	if c.s.Users == nil {
		c.s.Users = map[string]uint32{}
	}
	if c.s.Groups == nil {
		c.s.Groups = map[string]uint32{}
	}
	uid := nextID(c.s.Users)
	if v, ok := values['u']; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return c.errorf("invalid user ID '%s'", v)
		}
		uid = uint32(n)
	}
	c.s.Users[name] = uid
	if _, ok := c.s.Groups[name]; !ok {
		c.s.Groups[name] = uid
	}
	if flags["m"] {
		home := "/home/" + name
		if v, ok := values['d']; ok {
			home = c.s.Abs(v)
		}
		if _, exists := c.s.FS[home]; !exists && c.s.isDir(path.Dir(home)) {
			c.s.FS[home] = Directory{Mode: 0o755, UID: uid, GID: c.s.Groups[name]}
		}
	}
	return 0
}

func groupadd(c *call) int {
	flags, values, operands := options(c.args, "gKp")
	if len(operands) == 0 {
		return c.errorf("missing group name")
	}
	name := operands[len(operands)-1]
	if c.s.Euid != 0 {
		return c.errorf("Permission denied.")
	}
	if _, exists := c.s.Groups[name]; exists {
		if flags["f"] {
			return 0
		}
		c.errorf("group '%s' already exists", name)
		return 9
	}
	if c.s.Groups == nil {
		c.s.Groups = map[string]uint32{}
	}
	gid := nextID(c.s.Groups)
	if v, ok := values['g']; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return c.errorf("invalid group ID '%s'", v)
		}
		gid = uint32(n)
	}
	c.s.Groups[name] = gid
	return 0
}

func getent(c *call) int {
	if len(c.args) != 2 {
		return 2
	}
	var ids map[string]uint32
	switch c.args[0] {
	case "passwd":
		ids = c.s.Users
	case "group":
		ids = c.s.Groups
	default:
		return 1
	}
	v, ok := ids[c.args[1]]
	if !ok {
		return 2
	}
	c.println(fmt.Sprintf("%s:x:%d:", c.args[1], v))
	return 0
}

// git models clone only: it creates the work tree and its .git directory.
func git(c *call) int {
	args := c.args
	for len(args) >= 2 && args[0] == "-C" {
		args = args[2:]
	}
	if len(args) == 0 || args[0] != "clone" {
		return 0
	}
	var rest []string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--depth", "--branch", "--origin", "--template", "--reference":
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	_, _, operands := options(rest, "bo")
	if len(operands) == 0 {
		return c.errorf("You must specify a repository to clone.")
	}
	dir := strings.TrimSuffix(path.Base(strings.TrimRight(operands[0], "/")), ".git")
	if len(operands) > 1 {
		dir = operands[1]
	}
	p := c.s.resolve(dir, true)
	if _, exists := c.s.FS[p]; exists && (!c.s.isDir(p) || len(c.s.children(p)) > 0) {
		c.io.err.write(c.s, fmt.Sprintf("fatal: destination path '%s' already exists and is not an empty directory.", dir))
		return 128
	}
	var missing []string
	for q := p; ; q = path.Dir(q) {
		if _, ok := c.s.FS[q]; ok {
			break
		}
		missing = append(missing, q)
	}
	top := p
	if len(missing) > 0 {
		top = missing[len(missing)-1]
	}
	if !c.s.CanWrite(path.Dir(top)) {
		c.io.err.write(c.s, fmt.Sprintf("fatal: could not create work tree dir '%s': Permission denied", dir))
		return 128
	}
	for i := len(missing) - 1; i >= 0; i-- {
		c.s.FS[missing[i]] = Directory{Mode: 0o755, UID: c.s.Euid, GID: c.s.Egid}
	}
	c.s.FS[path.Join(p, ".git")] = Directory{Mode: 0o755, UID: c.s.Euid, GID: c.s.Egid}
	return 0
}

// date reads the machine clock, so two runs print different times.
func date(c *call) int {
	t := time.Unix(c.m.now(), 0).UTC()
	for _, a := range c.args {
		if a == "+%s" {
			c.println(strconv.FormatInt(t.Unix(), 10))
			return 0
		}
	}
	c.println(t.Format("Mon Jan _2 15:04:05 UTC 2006"))
	return 0
}

func command(c *call) int {
	if len(c.args) >= 2 && (c.args[0] == "-v" || c.args[0] == "-V") {
		name := c.args[1]
		if _, ok := builtins[name]; ok {
			c.println(name)
			return 0
		}
		if _, ok := c.s.Funcs[name]; ok {
			c.println(name)
			return 0
		}
		return 1
	}
	if len(c.args) == 0 {
		return 0
	}
	if fn, ok := builtins[c.args[0]]; ok {
		return fn(&call{m: c.m, s: c.s, name: c.args[0], args: c.args[1:], io: c.io})
	}
	return 0
}

// source runs a script read from the simulated filesystem.
func (m *Machine) source(s *State, args []string, io streams) ctrl {
	if len(args) == 0 {
		m.fail(s, io, ".: filename argument required")
		return ctrlNone
	}
	lines, msg := m.readFile(s, args[0])
	if msg != "" {
		m.fail(s, io, ".: "+msg)
		return ctrlNone
	}
	script, err := parser.Parse(strings.Join(lines, "\n"))
	if err != nil {
		m.fail(s, io, ".: "+err.Error())
		return ctrlNone
	}
	s.ExitCode = 0
	return m.list(s, script.Stmts, io)
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
