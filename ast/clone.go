package ast

// CloneScript returns a deep copy of s.
func CloneScript(s *Script) *Script {
	if s == nil {
		return nil
	}
	return &Script{Span: s.Span, Stmts: CloneStmts(s.Stmts)}
}

// CloneStmts deep-copies a statement list.
func CloneStmts(stmts []Stmt) []Stmt {
	if stmts == nil {
		return nil
	}
	out := make([]Stmt, len(stmts))
	for i, s := range stmts {
		out[i] = CloneStmt(s)
	}
	return out
}

// CloneStmt returns a deep copy of s.
func CloneStmt(s Stmt) Stmt {
	switch n := s.(type) {
	case nil:
		return nil
	case *Command:
		c := &Command{Span: n.Span, Name: CloneWord(n.Name), Args: CloneWords(n.Args), Redirects: CloneRedirects(n.Redirects)}
		for _, a := range n.Env {
			c.Env = append(c.Env, cloneAssignment(a))
		}
		return c
	case *Assignment:
		return cloneAssignment(n)
	case *Pipeline:
		return &Pipeline{Span: n.Span, Negated: n.Negated, Stages: CloneStmts(n.Stages)}
	case *AndOr:
		return &AndOr{Span: n.Span, Op: n.Op, Left: CloneStmt(n.Left), Right: CloneStmt(n.Right)}
	case *If:
		c := &If{Span: n.Span, Cond: CloneStmts(n.Cond), Then: CloneStmts(n.Then), Else: CloneStmts(n.Else), Redirects: CloneRedirects(n.Redirects)}
		for _, e := range n.Elifs {
			c.Elifs = append(c.Elifs, &Elif{Span: e.Span, Cond: CloneStmts(e.Cond), Then: CloneStmts(e.Then)})
		}
		return c
	case *For:
		return &For{Span: n.Span, Var: n.Var, Items: CloneWords(n.Items), HasIn: n.HasIn, Body: CloneStmts(n.Body), Redirects: CloneRedirects(n.Redirects)}
	case *While:
		return &While{Span: n.Span, Until: n.Until, Cond: CloneStmts(n.Cond), Body: CloneStmts(n.Body), Redirects: CloneRedirects(n.Redirects)}
	case *Case:
		c := &Case{Span: n.Span, Word: CloneWord(n.Word), Redirects: CloneRedirects(n.Redirects)}
		for _, item := range n.Items {
			c.Items = append(c.Items, &CaseItem{Span: item.Span, Patterns: CloneWords(item.Patterns), Body: CloneStmts(item.Body)})
		}
		return c
	case *Function:
		return &Function{Span: n.Span, Name: n.Name, Keyword: n.Keyword, Body: CloneStmt(n.Body)}
	case *Subshell:
		return &Subshell{Span: n.Span, Body: CloneStmts(n.Body), Redirects: CloneRedirects(n.Redirects)}
	case *BraceGroup:
		return &BraceGroup{Span: n.Span, Body: CloneStmts(n.Body), Redirects: CloneRedirects(n.Redirects)}
	case *Background:
		return &Background{Span: n.Span, Body: CloneStmt(n.Body)}
	}
	return s
}

func cloneAssignment(a *Assignment) *Assignment {
	if a == nil {
		return nil
	}
	return &Assignment{Span: a.Span, Name: a.Name, Value: CloneWord(a.Value)}
}

// CloneRedirects deep-copies redirections, including here-document bodies.
func CloneRedirects(rs []*Redirect) []*Redirect {
	if rs == nil {
		return nil
	}
	out := make([]*Redirect, len(rs))
	for i, r := range rs {
		c := &Redirect{Span: r.Span, Fd: r.Fd, Op: r.Op, Target: CloneWord(r.Target)}
		if r.HereDoc != nil {
			hd := *r.HereDoc
			c.HereDoc = &hd
		}
		out[i] = c
	}
	return out
}

func CloneWords(ws []*Word) []*Word {
	if ws == nil {
		return nil
	}
	out := make([]*Word, len(ws))
	for i, w := range ws {
		out[i] = CloneWord(w)
	}
	return out
}

func CloneWord(w *Word) *Word {
	if w == nil {
		return nil
	}
	return &Word{Span: w.Span, Parts: CloneParts(w.Parts)}
}

func CloneParts(parts []WordPart) []WordPart {
	if parts == nil {
		return nil
	}
	out := make([]WordPart, len(parts))
	for i, p := range parts {
		out[i] = clonePart(p)
	}
	return out
}

func clonePart(p WordPart) WordPart {
	switch n := p.(type) {
	case *Lit:
		c := *n
		return &c
	case *SglQuoted:
		c := *n
		return &c
	case *DblQuoted:
		return &DblQuoted{Span: n.Span, Parts: CloneParts(n.Parts)}
	case *ParamExp:
		c := *n
		return &c
	case *CmdSubst:
		return &CmdSubst{Span: n.Span, Stmts: CloneStmts(n.Stmts), Backquote: n.Backquote}
	case *ArithExp:
		c := *n
		return &c
	case *ProcSubst:
		return &ProcSubst{Span: n.Span, Op: n.Op, Stmts: CloneStmts(n.Stmts)}
	}
	return p
}
